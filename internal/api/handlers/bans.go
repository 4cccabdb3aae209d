package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"quota-backend/internal/api/middleware"
	"quota-backend/pkg/ratelimit"
	"quota-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

type BanHandler struct {
	engine *ratelimit.Engine
	logger *slog.Logger
}

func NewBanHandler(engine *ratelimit.Engine, logger *slog.Logger) *BanHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &BanHandler{engine: engine, logger: logger}
}

type BanRequest struct {
	Identifier      string `json:"identifier" binding:"required,max=255"`
	DurationSeconds int64  `json:"durationSeconds" binding:"required,min=1,lte=315360000"`
	Reason          string `json:"reason" binding:"required,max=500"`
}

type BanStatusResponse struct {
	Identifier string         `json:"identifier"`
	Banned     bool           `json:"banned"`
	Ban        *ratelimit.Ban `json:"ban,omitempty"`
}

// CreateBan bans an identifier. Banning an identifier that already has an equal or
// longer ban keeps the existing one; the stored ban is returned either way.
func (h *BanHandler) CreateBan(c *gin.Context) {
	var req BanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.ValidationErrorResponse(c, err)
		return
	}

	ban, err := h.engine.Ban(c.Request.Context(), req.Identifier, time.Duration(req.DurationSeconds)*time.Second, req.Reason)
	if err != nil {
		h.fail(c, "Failed to create ban", err)
		return
	}

	h.logger.Info("ban requested", "identifier", req.Identifier,
		"by", c.GetString(middleware.ContextUserID), "expires_at", ban.ExpiresAt)
	utils.SuccessResponse(c, http.StatusCreated, "Ban stored successfully", ban)
}

// GetBan reports whether an identifier is currently banned
func (h *BanHandler) GetBan(c *gin.Context) {
	identifier := c.Param("identifier")

	ban, err := h.engine.ActiveBan(c.Request.Context(), identifier)
	if err != nil {
		h.fail(c, "Failed to look up ban", err)
		return
	}

	utils.SuccessResponse(c, http.StatusOK, "Ban status retrieved successfully", BanStatusResponse{
		Identifier: identifier,
		Banned:     ban != nil,
		Ban:        ban,
	})
}

func (h *BanHandler) fail(c *gin.Context, message string, err error) {
	if errors.Is(err, ratelimit.ErrStoreUnavailable) {
		h.logger.Error(message, "error", err)
		utils.ErrorResponse(c, http.StatusServiceUnavailable, message, errors.New("ban registry unavailable"))
		return
	}
	utils.ErrorResponse(c, http.StatusBadRequest, message, err)
}
