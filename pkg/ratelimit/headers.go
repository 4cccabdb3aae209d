package ratelimit

import (
	"strconv"
	"time"
)

const (
	HeaderLimit      = "X-RateLimit-Limit"
	HeaderRemaining  = "X-RateLimit-Remaining"
	HeaderReset      = "X-RateLimit-Reset"
	HeaderRetryAfter = "Retry-After"
)

// FormatHeaders turns a decision into standard rate limit response headers.
// Retry-After is only present on denials. Both Retry-After and X-RateLimit-Reset point
// to the first whole second strictly after the window frees up, since a record sitting
// exactly on the window edge still counts.
func FormatHeaders(result Result) map[string]string {
	headers := map[string]string{
		HeaderLimit:     strconv.Itoa(result.Limit),
		HeaderRemaining: strconv.Itoa(max(0, result.Remaining)),
		HeaderReset:     strconv.FormatInt(resetUnix(result.ResetAt), 10),
	}
	if !result.Allowed {
		headers[HeaderRetryAfter] = strconv.FormatInt(RetryAfterSeconds(result.RetryAfter), 10)
	}
	return headers
}

// RetryAfterSeconds is the number of whole seconds strictly greater than d
func RetryAfterSeconds(d time.Duration) int64 {
	if d < 0 {
		d = 0
	}
	return int64(d/time.Second) + 1
}

func resetUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix() + 1
}
