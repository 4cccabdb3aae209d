package handlers

import (
	"context"
	"net/http"
	"time"

	"quota-backend/pkg/redis"

	"github.com/gin-gonic/gin"
)

// HealthCheck probes one dependency
type HealthCheck func(ctx context.Context) map[string]interface{}

type HealthHandler struct {
	checks map[string]HealthCheck
}

type HealthResponse struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]interface{} `json:"services"`
}

func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

func (h *HealthHandler) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Timestamp: time.Now(),
		Services:  make(map[string]interface{}),
	}

	overallHealthy := true
	for name, check := range h.checks {
		status := check(c.Request.Context())
		response.Services[name] = status
		if healthy, _ := status["healthy"].(bool); !healthy {
			overallHealthy = false
		}
	}

	if overallHealthy {
		response.Status = "healthy"
		c.JSON(http.StatusOK, response)
	} else {
		response.Status = "unhealthy"
		c.JSON(http.StatusServiceUnavailable, response)
	}
}

// PingCheck adapts a ping function, such as database.Health, into a HealthCheck
func PingCheck(service string, ping func(ctx context.Context) error) HealthCheck {
	return func(ctx context.Context) map[string]interface{} {
		status := map[string]interface{}{
			"service": service,
			"healthy": false,
		}

		start := time.Now()
		err := ping(ctx)
		status["responseTime"] = time.Since(start).String()
		if err == nil {
			status["healthy"] = true
			status["message"] = "Connected"
		} else {
			status["error"] = err.Error()
		}
		return status
	}
}

// RedisCheck reports the Redis client health and pool statistics
func RedisCheck(client *redis.Client) HealthCheck {
	return func(ctx context.Context) map[string]interface{} {
		status := map[string]interface{}{
			"service": "redis",
			"healthy": false,
		}

		if client == nil {
			status["error"] = "Redis client not initialized"
			return status
		}

		healthStatus := client.HealthCheck(ctx)
		status["healthy"] = healthStatus.IsConnected
		status["connectionInfo"] = healthStatus.ConnectionInfo
		status["responseTime"] = healthStatus.ResponseTime.String()
		status["lastPing"] = healthStatus.LastPing
		if healthStatus.Error != "" {
			status["error"] = healthStatus.Error
		}
		status["connectionStats"] = client.GetConnectionStats()
		return status
	}
}
