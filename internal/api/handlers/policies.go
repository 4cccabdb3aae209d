package handlers

import (
	"net/http"

	"quota-backend/pkg/ratelimit"
	"quota-backend/pkg/utils"

	"github.com/gin-gonic/gin"
)

type PolicyHandler struct {
	registry *ratelimit.Registry
}

func NewPolicyHandler(registry *ratelimit.Registry) *PolicyHandler {
	return &PolicyHandler{registry: registry}
}

type WindowResponse struct {
	Name            string `json:"name"`
	DurationSeconds int64  `json:"durationSeconds"`
	Limit           int    `json:"limit"`
}

type PolicyResponse struct {
	Tier      ratelimit.Tier                          `json:"tier"`
	AppliedAs ratelimit.Tier                          `json:"appliedAs"`
	Policies  map[ratelimit.Category][]WindowResponse `json:"policies"`
}

// GetPolicy returns the policy table applied to a tier. Unknown tiers report the
// fallback tier they are limited as.
func (h *PolicyHandler) GetPolicy(c *gin.Context) {
	tier := ratelimit.ParseTier(c.Param("tier"))
	applied := h.registry.Resolve(tier)

	policy, _ := h.registry.Policy(applied)
	response := PolicyResponse{
		Tier:      tier,
		AppliedAs: applied,
		Policies:  make(map[ratelimit.Category][]WindowResponse, len(policy)),
	}
	for category, windows := range policy {
		for _, w := range windows {
			response.Policies[category] = append(response.Policies[category], WindowResponse{
				Name:            w.Name,
				DurationSeconds: int64(w.Duration.Seconds()),
				Limit:           w.Limit,
			})
		}
	}

	utils.SuccessResponse(c, http.StatusOK, "Policy retrieved successfully", response)
}

// ListTiers returns the configured tier names
func (h *PolicyHandler) ListTiers(c *gin.Context) {
	utils.SuccessResponse(c, http.StatusOK, "Tiers retrieved successfully", h.registry.Tiers())
}
