package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// admitScript evaluates windows in order and records the admission in every window
// only if none has reached its limit.
//
// KEYS: one sorted set per window. ARGV[1] = now (ms), ARGV[2] = member, then per
// window i: ARGV[3i] = since (ms), ARGV[3i+1] = limit, ARGV[3i+2] = key ttl (ms).
// Returns {allowed, denied index, count_1, oldest_1, ...}.
var admitScript = redis.NewScript(`
local result = {1, 0}
for i = 1, #KEYS do
	local since = ARGV[3 * i]
	local limit = tonumber(ARGV[3 * i + 1])
	local count = redis.call('ZCOUNT', KEYS[i], since, '+inf')
	local oldest = '0'
	if count > 0 then
		local first = redis.call('ZRANGEBYSCORE', KEYS[i], since, '+inf', 'WITHSCORES', 'LIMIT', 0, 1)
		oldest = first[2]
	end
	table.insert(result, count)
	table.insert(result, oldest)
	if count >= limit then
		result[1] = 0
		result[2] = i - 1
		return result
	end
end
for i = 1, #KEYS do
	redis.call('ZADD', KEYS[i], ARGV[1], ARGV[2])
	redis.call('PEXPIRE', KEYS[i], ARGV[3 * i + 2])
end
return result
`)

// putBanScript keeps an existing ban that lasts at least as long as the new one.
// ARGV: reason, created_at (ms), expires_at (ms), ttl (ms). Returns the stored fields.
var putBanScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'expires_at')
if current and tonumber(current) >= tonumber(ARGV[3]) then
	return redis.call('HMGET', KEYS[1], 'reason', 'created_at', 'expires_at')
end
redis.call('HSET', KEYS[1], 'reason', ARGV[1], 'created_at', ARGV[2], 'expires_at', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
return {ARGV[1], ARGV[2], ARGV[3]}
`)

// RedisStore implements CounterStore, AtomicCounterStore and BanRegistry on Redis.
// Each window of each identifier is a sorted set of admissions scored by unix
// milliseconds; Admit runs as a single Lua script, so the store is exact across
// instances sharing the same Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
	// ttl applied to keys written by Append
	ttl time.Duration
}

var (
	_ AtomicCounterStore = (*RedisStore)(nil)
	_ BanRegistry        = (*RedisStore)(nil)
)

// NewRedisStore creates a Redis-backed store. ttl bounds the lifetime of keys written by
// Append and must be at least MaxRetention of the engine using the store.
func NewRedisStore(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "ratelimit:"
	}
	if ttl <= 0 {
		ttl = MaxRetention(nil, nil)
	}
	return &RedisStore{client: client, prefix: keyPrefix, ttl: ttl}
}

func (r *RedisStore) Mode() ConsistencyMode { return ModeExact }

// TTL is the expiry applied to keys written by Append
func (r *RedisStore) TTL() time.Duration { return r.ttl }

// Count returns the usage of a window since the given time
func (r *RedisStore) Count(ctx context.Context, identifier string, category Category, window string, since time.Time) (Usage, error) {
	key := r.counterKey(identifier, category, window)
	from := msString(since)

	pipe := r.client.Pipeline()
	count := pipe.ZCount(ctx, key, from, "+inf")
	first := pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{Min: from, Max: "+inf", Offset: 0, Count: 1})
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return Usage{}, fmt.Errorf("count %s: %w", key, err)
	}

	u := Usage{Count: int(count.Val())}
	if zs := first.Val(); len(zs) > 0 {
		u.Oldest = time.UnixMilli(int64(zs[0].Score))
	}
	return u, nil
}

// Append records one admission against every window
func (r *RedisStore) Append(ctx context.Context, identifier string, category Category, windows []string, at time.Time) error {
	member := uuid.NewString()
	score := float64(at.UnixMilli())

	pipe := r.client.TxPipeline()
	for _, w := range windows {
		key := r.counterKey(identifier, category, w)
		pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
		pipe.PExpire(ctx, key, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append %s/%s: %w", identifier, category, err)
	}
	return nil
}

// Admit checks and records the admission in one script execution
func (r *RedisStore) Admit(ctx context.Context, identifier string, category Category, windows []Window, at time.Time) (Admission, error) {
	keys := make([]string, len(windows))
	args := make([]interface{}, 0, 2+3*len(windows))
	args = append(args, msString(at), uuid.NewString())
	for i, w := range windows {
		keys[i] = r.counterKey(identifier, category, w.Name)
		args = append(args, msString(at.Add(-w.Duration)), w.Limit, (w.Duration + time.Second).Milliseconds())
	}

	raw, err := admitScript.Run(ctx, r.client, keys, args...).Slice()
	if err != nil {
		return Admission{}, fmt.Errorf("admit %s/%s: %w", identifier, category, err)
	}
	if len(raw) < 2 || len(raw)%2 != 0 {
		return Admission{}, fmt.Errorf("unexpected script result format")
	}

	adm := Admission{Usages: make([]Usage, 0, (len(raw)-2)/2)}
	allowed, err := toInt64(raw[0])
	if err != nil {
		return Admission{}, err
	}
	denied, err := toInt64(raw[1])
	if err != nil {
		return Admission{}, err
	}
	adm.Allowed = allowed == 1
	adm.Denied = int(denied)

	for i := 2; i < len(raw); i += 2 {
		count, err := toInt64(raw[i])
		if err != nil {
			return Admission{}, err
		}
		oldest, err := toInt64(raw[i+1])
		if err != nil {
			return Admission{}, err
		}
		u := Usage{Count: int(count)}
		if count > 0 {
			u.Oldest = time.UnixMilli(oldest)
		}
		adm.Usages = append(adm.Usages, u)
	}
	return adm, nil
}

// PurgeOlderThan trims every counter set to records at or after cutoff
func (r *RedisStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	before := "(" + msString(cutoff)

	var purged int64
	iter := r.client.Scan(ctx, 0, r.prefix+"rl:*", 100).Iterator()
	for iter.Next(ctx) {
		n, err := r.client.ZRemRangeByScore(ctx, iter.Val(), "-inf", before).Result()
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", iter.Val(), err)
		}
		purged += n
	}
	return purged, iter.Err()
}

// Active returns the ban in force for identifier
func (r *RedisStore) Active(ctx context.Context, identifier string, now time.Time) (*Ban, error) {
	fields, err := r.client.HGetAll(ctx, r.banKey(identifier)).Result()
	if err != nil {
		return nil, fmt.Errorf("ban lookup %s: %w", identifier, err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	ban, err := banFromFields(identifier, fields["reason"], fields["created_at"], fields["expires_at"])
	if err != nil {
		return nil, err
	}
	if !ban.ActiveAt(now) {
		return nil, nil
	}
	return &ban, nil
}

// Put stores ban unless an equal-or-longer ban exists
func (r *RedisStore) Put(ctx context.Context, ban Ban) (Ban, error) {
	ttl := ban.ExpiresAt.Sub(ban.CreatedAt).Milliseconds()
	if ttl < 1 {
		ttl = 1
	}

	raw, err := putBanScript.Run(ctx, r.client, []string{r.banKey(ban.Identifier)},
		ban.Reason, msString(ban.CreatedAt), msString(ban.ExpiresAt), ttl).Slice()
	if err != nil {
		return Ban{}, fmt.Errorf("ban %s: %w", ban.Identifier, err)
	}
	if len(raw) != 3 {
		return Ban{}, fmt.Errorf("unexpected script result format")
	}

	var fields [3]string
	for i, v := range raw {
		s, ok := v.(string)
		if !ok {
			return Ban{}, fmt.Errorf("unexpected ban field %T", v)
		}
		fields[i] = s
	}
	return banFromFields(ban.Identifier, fields[0], fields[1], fields[2])
}

// PurgeExpired deletes bans whose expiry has passed. Key TTLs normally get there first.
func (r *RedisStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	iter := r.client.Scan(ctx, 0, r.prefix+"ban:*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		expires, err := r.client.HGet(ctx, key, "expires_at").Int64()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", key, err)
		}
		if expires > now.UnixMilli() {
			continue
		}
		n, err := r.client.Del(ctx, key).Result()
		if err != nil {
			return purged, fmt.Errorf("purge %s: %w", key, err)
		}
		purged += n
	}
	return purged, iter.Err()
}

func (r *RedisStore) counterKey(identifier string, category Category, window string) string {
	return fmt.Sprintf("%srl:%s:%s:%s", r.prefix, category, window, identifier)
}

func (r *RedisStore) banKey(identifier string) string {
	return r.prefix + "ban:" + identifier
}

func banFromFields(identifier, reason, createdAt, expiresAt string) (Ban, error) {
	created, err := strconv.ParseInt(createdAt, 10, 64)
	if err != nil {
		return Ban{}, fmt.Errorf("ban %s: bad created_at: %w", identifier, err)
	}
	expires, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		return Ban{}, fmt.Errorf("ban %s: bad expires_at: %w", identifier, err)
	}
	return Ban{
		Identifier: identifier,
		Reason:     reason,
		CreatedAt:  time.UnixMilli(created),
		ExpiresAt:  time.UnixMilli(expires),
	}, nil
}

func msString(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		if i, err := strconv.ParseInt(n, 10, 64); err == nil {
			return i, nil
		}
		// scores may come back in float notation
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("unexpected script value %q: %w", n, err)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("unexpected script value %T", v)
	}
}
