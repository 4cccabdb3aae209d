package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"quota-backend/internal/api/handlers"
	"quota-backend/pkg/jwt"
	"quota-backend/pkg/ratelimit"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAPI struct {
	router *gin.Engine
	engine *ratelimit.Engine
	admin  string
	user   string
}

type failingBans struct{}

func (failingBans) Active(context.Context, string, time.Time) (*ratelimit.Ban, error) {
	return nil, context.DeadlineExceeded
}

func (failingBans) Put(context.Context, ratelimit.Ban) (ratelimit.Ban, error) {
	return ratelimit.Ban{}, context.DeadlineExceeded
}

func (failingBans) PurgeExpired(context.Context, time.Time) (int64, error) {
	return 0, context.DeadlineExceeded
}

func setupTestAPI(t *testing.T) *testAPI {
	store := ratelimit.NewMemoryStore()
	reg := prometheus.NewRegistry()
	engine := ratelimit.NewEngine(store, store, ratelimit.DefaultRegistry(), ratelimit.DefaultConfig(),
		ratelimit.WithMetrics(ratelimit.NewMetrics(reg)))
	jwtUtil := jwt.NewJWTUtil("test-secret", time.Hour)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, Dependencies{
		Engine: engine,
		JWT:    jwtUtil,
		Health: handlers.NewHealthHandler(map[string]handlers.HealthCheck{
			"store": handlers.PingCheck("memory", func(context.Context) error { return nil }),
		}),
		Metrics:  promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		IPLimit:  1000,
		IPWindow: time.Minute,
	})

	admin, err := jwtUtil.GenerateToken("ops", "ops@example.com", "admin", "ENTERPRISE")
	require.NoError(t, err)
	user, err := jwtUtil.GenerateToken("svc", "svc@example.com", "service", "ENTERPRISE")
	require.NoError(t, err)

	return &testAPI{router: router, engine: engine, admin: admin, user: user}
}

func (a *testAPI) request(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.0.0.1")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestHealth(t *testing.T) {
	a := setupTestAPI(t)

	w := a.request(t, http.MethodGet, "/api/v1/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])
}

func TestPolicies(t *testing.T) {
	a := setupTestAPI(t)

	w := a.request(t, http.MethodGet, "/api/v1/policies/pro", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "PRO", data["appliedAs"])
	api := data["policies"].(map[string]interface{})["api"].([]interface{})
	require.Len(t, api, 3)
	first := api[0].(map[string]interface{})
	assert.Equal(t, "minute", first["name"])
	assert.Equal(t, float64(60), first["durationSeconds"])
	assert.Equal(t, float64(100), first["limit"])

	w = a.request(t, http.MethodGet, "/api/v1/policies/platinum", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, "PLATINUM", data["tier"])
	assert.Equal(t, "FREE", data["appliedAs"])

	w = a.request(t, http.MethodGet, "/api/v1/policies", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLimitsCheck_FreeScenario(t *testing.T) {
	a := setupTestAPI(t)
	body := map[string]interface{}{"identifier": "customer-1", "category": "api", "tier": "free"}

	for i := 0; i < 10; i++ {
		w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, body)
		require.Equal(t, http.StatusOK, w.Code)
		res := decode(t, w)
		assert.Equal(t, true, res["allowed"])
		assert.Equal(t, float64(9-i), res["remaining"])
	}

	w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, []string{"60", "61"}, w.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, "10", w.Header().Get(ratelimit.HeaderLimit))
	res := decode(t, w)
	assert.Equal(t, false, res["allowed"])
	// whole seconds, matching the Retry-After header
	assert.Contains(t, []float64{60, 61}, res["retryAfter"])
}

func TestLimitsCheck_IPAndIntegration(t *testing.T) {
	a := setupTestAPI(t)

	w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{
		"identifier": "198.51.100.4", "category": "ip", "limit": 1, "windowSeconds": 30,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "30s", decode(t, w)["window"])

	w = a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{
		"identifier": "198.51.100.4", "category": "ip", "limit": 1, "windowSeconds": 30,
	})
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	w = a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{
		"identifier": "customer-1", "category": "integration", "integration": "slack", "tier": "PRO",
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(500), decode(t, w)["limit"])
}

func TestLimitsCheck_Validation(t *testing.T) {
	a := setupTestAPI(t)

	w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{"category": "api"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{"identifier": "x", "category": "email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{"identifier": "198.51.100.4", "category": "ip"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.request(t, http.MethodPost, "/api/v1/limits/check", "", map[string]interface{}{"identifier": "x", "category": "api"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLimitsCheck_OversizedIPWindow(t *testing.T) {
	a := setupTestAPI(t)

	for _, seconds := range []int64{5_000_000_000, 604801, 9_223_372_037} {
		w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{
			"identifier": "198.51.100.7", "category": "ip", "limit": 1, "windowSeconds": seconds,
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, "windowSeconds=%d", seconds)
	}
	assert.Equal(t, 24*time.Hour, a.engine.Retention())

	w := a.request(t, http.MethodPost, "/api/v1/limits/check", a.user, map[string]interface{}{
		"identifier": "198.51.100.7", "category": "ip", "limit": 1, "windowSeconds": 604800,
	})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 7*24*time.Hour, a.engine.Retention())
}

func TestBans(t *testing.T) {
	a := setupTestAPI(t)

	w := a.request(t, http.MethodPost, "/api/v1/admin/bans", a.user, map[string]interface{}{
		"identifier": "ip-203.0.113.5", "durationSeconds": 3600, "reason": "abuse",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = a.request(t, http.MethodPost, "/api/v1/admin/bans", a.admin, map[string]interface{}{
		"identifier": "ip-203.0.113.5", "durationSeconds": 3600, "reason": "abuse",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = a.request(t, http.MethodGet, "/api/v1/admin/bans/ip-203.0.113.5", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data := decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, true, data["banned"])

	// the banned address is now rejected by the global ip middleware
	req := httptest.NewRequest(http.MethodGet, "/api/v1/policies/free", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, []string{"3600", "3601"}, rec.Header().Get(ratelimit.HeaderRetryAfter))

	w = a.request(t, http.MethodPost, "/api/v1/admin/bans", a.admin, map[string]interface{}{
		"identifier": "user-1", "durationSeconds": 0, "reason": "abuse",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = a.request(t, http.MethodGet, "/api/v1/admin/bans/user-9", a.admin, nil)
	require.Equal(t, http.StatusOK, w.Code)
	data = decode(t, w)["data"].(map[string]interface{})
	assert.Equal(t, false, data["banned"])
}

func TestBans_DurationBounds(t *testing.T) {
	a := setupTestAPI(t)

	for _, seconds := range []int64{0, 9_223_372_037} {
		w := a.request(t, http.MethodPost, "/api/v1/admin/bans", a.admin, map[string]interface{}{
			"identifier": "user-9", "durationSeconds": seconds, "reason": "abuse",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code, "durationSeconds=%d", seconds)
	}

	banned, err := a.engine.IsBanned(context.Background(), "user-9")
	require.NoError(t, err)
	assert.False(t, banned)
}

func TestBans_RegistryUnavailable(t *testing.T) {
	store := ratelimit.NewMemoryStore()
	cfg := ratelimit.DefaultConfig()
	cfg.FailurePolicy[ratelimit.CategoryAPI] = ratelimit.FailOpen
	engine := ratelimit.NewEngine(store, failingBans{}, nil, cfg)
	jwtUtil := jwt.NewJWTUtil("test-secret", time.Hour)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, Dependencies{Engine: engine, JWT: jwtUtil, IPLimit: 1000, IPWindow: time.Minute})
	a := &testAPI{router: router, engine: engine}
	a.admin, _ = jwtUtil.GenerateToken("ops", "", "admin", "FREE")

	w := a.request(t, http.MethodPost, "/api/v1/admin/bans", a.admin, map[string]interface{}{
		"identifier": "user-1", "durationSeconds": 60, "reason": "abuse",
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.NotContains(t, w.Body.String(), "deadline")
}

func TestMetricsEndpoint(t *testing.T) {
	a := setupTestAPI(t)

	a.request(t, http.MethodGet, "/api/v1/health", "", nil)
	w := a.request(t, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "quota_decisions_total")
}
