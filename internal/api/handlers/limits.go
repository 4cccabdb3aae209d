package handlers

import (
	"errors"
	"net/http"
	"time"

	"quota-backend/internal/api/middleware"
	"quota-backend/pkg/ratelimit"
	"quota-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

type LimitsHandler struct {
	engine *ratelimit.Engine
}

func NewLimitsHandler(engine *ratelimit.Engine) *LimitsHandler {
	return &LimitsHandler{engine: engine}
}

// CheckRequest asks for a decision on behalf of another service. For the ip category
// Identifier is the address and Limit/WindowSeconds define the ad-hoc window, at most
// seven days like the engine's default cap.
type CheckRequest struct {
	Identifier    string `json:"identifier" binding:"required,max=255"`
	Category      string `json:"category" binding:"required,oneof=api integration webhook ip"`
	Tier          string `json:"tier" binding:"omitempty,max=50"`
	Integration   string `json:"integration" binding:"omitempty,max=100"`
	Limit         int    `json:"limit" binding:"required_if=Category ip,gte=0"`
	WindowSeconds int    `json:"windowSeconds" binding:"required_if=Category ip,gte=0,lte=604800"`
}

// DecisionResponse is a Result with durations in whole seconds
type DecisionResponse struct {
	Allowed    bool      `json:"allowed"`
	Remaining  int       `json:"remaining"`
	Limit      int       `json:"limit"`
	ResetAt    time.Time `json:"resetAt"`
	RetryAfter int64     `json:"retryAfter,omitempty"`
	Window     string    `json:"window,omitempty"`
	Banned     bool      `json:"banned,omitempty"`
	Degraded   bool      `json:"degraded,omitempty"`
}

func newDecisionResponse(res ratelimit.Result) DecisionResponse {
	resp := DecisionResponse{
		Allowed:   res.Allowed,
		Remaining: res.Remaining,
		Limit:     res.Limit,
		ResetAt:   res.ResetAt,
		Window:    res.Window,
		Banned:    res.Banned,
		Degraded:  res.Degraded,
	}
	if !res.Allowed {
		resp.RetryAfter = ratelimit.RetryAfterSeconds(res.RetryAfter)
	}
	return resp
}

// Check runs a rate limit check and answers with the decision and the standard headers.
// Denials answer 429, or 503 when the store is down and the category fails closed.
func (h *LimitsHandler) Check(c *gin.Context) {
	var req CheckRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	ctx := c.Request.Context()
	tier := ratelimit.ParseTier(req.Tier)

	var (
		res ratelimit.Result
		err error
	)
	switch ratelimit.Category(req.Category) {
	case ratelimit.CategoryAPI:
		res, err = h.engine.CheckAPILimit(ctx, req.Identifier, tier)
	case ratelimit.CategoryIntegration:
		res, err = h.engine.CheckIntegrationLimit(ctx, req.Identifier, req.Integration, tier)
	case ratelimit.CategoryWebhook:
		res, err = h.engine.CheckWebhookLimit(ctx, req.Identifier, tier)
	case ratelimit.CategoryIP:
		res, err = h.engine.CheckIPLimit(ctx, req.Identifier, req.Limit, time.Duration(req.WindowSeconds)*time.Second)
	}
	if err != nil && !errors.Is(err, ratelimit.ErrStoreUnavailable) {
		utils.ErrorResponse(c, http.StatusBadRequest, "Invalid rate limit check", err)
		return
	}

	middleware.SetRateLimitHeaders(c, res)
	if !res.Allowed {
		c.JSON(middleware.DeniedStatus(res), newDecisionResponse(res))
		return
	}
	c.JSON(http.StatusOK, newDecisionResponse(res))
}
