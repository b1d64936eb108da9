package service

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ensemble-gateway/ensemble/internal/breaker"
	"github.com/ensemble-gateway/ensemble/internal/ensemble"
	"github.com/ensemble-gateway/ensemble/internal/health"
	"github.com/ensemble-gateway/ensemble/internal/ratelimit"
	"github.com/ensemble-gateway/ensemble/internal/registry"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

const adminKey = "admin-secret-key"

type fakeProvider struct {
	cfg *types.ProviderConfig
}

func (p *fakeProvider) GetName() string { return p.cfg.Name }
func (p *fakeProvider) GetType() string { return p.cfg.Type }

func (p *fakeProvider) Analyze(ctx context.Context, req *types.AnalysisRequest) (*types.AnalysisResult, error) {
	return &types.AnalysisResult{
		Provider:   p.cfg.Name,
		Content:    "a settings page with three toggles",
		Confidence: 0.8,
		Usage:      types.Usage{TotalTokens: 100},
	}, nil
}

func (p *fakeProvider) HealthCheck(ctx context.Context) error { return nil }
func (p *fakeProvider) GetCapabilities() *types.Capabilities  { return &types.Capabilities{} }
func (p *fakeProvider) ValidateConfiguration() error          { return nil }
func (p *fakeProvider) GetConfig() *types.ProviderConfig      { return p.cfg }

func fakeFactory(cfg *types.ProviderConfig) (types.Provider, error) {
	return &fakeProvider{cfg: cfg}, nil
}

func serviceProviderConfig(name string) *types.ProviderConfig {
	return &types.ProviderConfig{
		Type:     "openai",
		Name:     name,
		Enabled:  true,
		Priority: 10,
		Endpoint: types.EndpointConfig{
			BaseURL: "https://api.example.com/v1",
			Timeout: 30 * time.Second,
		},
		APIKey: "sk-live-key-abcdef123456",
		Model: types.ModelConfig{
			DefaultModel:    "gpt-4o",
			AvailableModels: []string{"gpt-4o"},
		},
		RateLimit: types.RateLimitSettings{
			RequestsPerMinute: 1000,
			RequestsPerHour:   10000,
			TokensPerMinute:   1000000,
			QueueLimit:        10,
		},
		CircuitBreaker: types.CircuitBreakerSettings{
			FailureThreshold:    0.5,
			RecoveryTimeout:     time.Minute,
			HalfOpenMaxRequests: 2,
			Timeout:             time.Second,
			MonitoringWindow:    time.Minute,
			MinimumRequests:     3,
		},
		HealthCheckInterval: time.Minute,
	}
}

func newTestServer(t *testing.T) (*Server, *health.Monitor) {
	t.Helper()
	logger := utils.NewTestLogger()

	reg := registry.New(types.SecurityConfig{AllowDecrypt: true}, fakeFactory, logger)

	breakers := breaker.NewManager(func(name string) (types.CircuitBreakerSettings, error) {
		cfg, err := reg.Config(name)
		if err != nil {
			return types.CircuitBreakerSettings{}, err
		}
		return cfg.CircuitBreaker, nil
	}, logger)

	limiters := ratelimit.NewManager(func(name string) (types.RateLimitSettings, error) {
		cfg, err := reg.Config(name)
		if err != nil {
			return types.RateLimitSettings{}, err
		}
		return cfg.RateLimit, nil
	}, logger)

	monitor, err := health.NewMonitor(types.MonitoringSettings{
		HealthCheckInterval: time.Minute,
		DegradedThreshold:   0.8,
		UnhealthyThreshold:  0.5,
		HistorySize:         100,
		ProbeTimeout:        time.Second,
	}, health.NewFakeClock(time.Now()), logger)
	require.NoError(t, err)

	reg.OnRemove(func(name string) {
		breakers.Remove(name)
		limiters.Remove(name)
		_ = monitor.RemoveProvider(name)
	})
	reg.OnUpdate(func(name string) {
		breakers.Remove(name)
		limiters.Remove(name)
		if provider, err := reg.Get(name); err == nil {
			cfg, _ := reg.Config(name)
			_ = monitor.UpdateProvider(provider, cfg.HealthCheckInterval)
		}
	})

	for _, name := range []string{"openai", "anthropic"} {
		cfg := serviceProviderConfig(name)
		require.NoError(t, reg.Add(cfg))
		provider, err := reg.Get(name)
		require.NoError(t, err)
		require.NoError(t, monitor.AddProvider(provider, cfg.HealthCheckInterval))
	}

	policy := types.EnsemblePolicy{
		MinProvidersRequired: 1,
		MaxProviderTimeout:   time.Second,
		MaxTotalTimeout:      5 * time.Second,
		ConsensusThreshold:   0.6,
		ConfidenceWeighting: types.ConfidenceWeighting{
			Agreement: 0.5, Completeness: 0.3, Consistency: 0.2,
		},
		ComponentClusteringThreshold: 0.7,
		OnInsufficient:               types.OnInsufficientProceed,
	}
	orchestrator, err := ensemble.NewOrchestrator(reg, breakers, limiters, monitor, policy, logger)
	require.NoError(t, err)

	hash, err := utils.HashAPIKey(adminKey)
	require.NoError(t, err)

	srv := NewServer(
		types.ServerConfig{Host: "127.0.0.1", Port: 0},
		types.AuthConfig{
			JWTSecret:     "test-jwt-secret",
			JWTExpiration: time.Hour,
			AdminKeyHash:  hash,
		},
		orchestrator, reg, breakers, limiters, monitor, logger,
	)
	return srv, monitor
}

func doJSON(t *testing.T, srv *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func TestAnalyzeEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("happy path", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/analyze", map[string]interface{}{
			"prompt": "describe the attached screenshot",
		}, map[string]string{"X-Request-ID": "req_custom"})

		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "req_custom", w.Header().Get("X-Request-ID"))

		var resp types.EnsembleResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "req_custom", resp.ID)
		assert.True(t, resp.ConsensusReached)
		assert.Len(t, resp.Outcomes, 2)
		require.NotNil(t, resp.Consensus)
		assert.Equal(t, "a settings page with three toggles", resp.Consensus.Content)
	})

	t.Run("missing prompt", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/analyze", map[string]interface{}{}, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), "INVALID_REQUEST")
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewBufferString("{not json"))
		w := httptest.NewRecorder()
		srv.Handler().ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("generates request id when absent", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/analyze", map[string]interface{}{
			"prompt": "hi",
		}, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})
}

func TestHealthEndpoints(t *testing.T) {
	srv, monitor := newTestServer(t)

	t.Run("summary healthy", func(t *testing.T) {
		for i := 0; i < 5; i++ {
			monitor.RecordOutcome("openai", true, time.Millisecond, "")
		}
		w := doJSON(t, srv, http.MethodGet, "/v1/health", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("summary unhealthy returns 503", func(t *testing.T) {
		for i := 0; i < 10; i++ {
			monitor.RecordOutcome("anthropic", false, time.Millisecond, "down")
		}
		w := doJSON(t, srv, http.MethodGet, "/v1/health", nil, nil)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})

	t.Run("single provider", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/health/openai", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var h types.ProviderHealth
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &h))
		assert.Equal(t, "openai", h.Provider)
	})

	t.Run("unknown provider", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/health/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("immediate check", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/health/openai/check", nil, nil)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestProviderEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	t.Run("list masks keys", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/providers", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "sk-live-key-abcdef123456")
		assert.Contains(t, w.Body.String(), "sk-live-****")
	})

	t.Run("get masks key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/providers/openai", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.NotContains(t, w.Body.String(), "sk-live-key-abcdef123456")
	})

	t.Run("get unknown", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/providers/nope", nil, nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAdminAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	cfg := serviceProviderConfig("gemini")

	t.Run("rejected without credentials", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/providers", cfg, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejected with wrong API key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/providers", cfg,
			map[string]string{"X-API-Key": "wrong"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("admitted with API key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/providers", cfg,
			map[string]string{"X-API-Key": adminKey})
		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("admitted with issued JWT", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/auth/token",
			map[string]string{"api_key": adminKey}, nil)
		require.Equal(t, http.StatusOK, w.Code)

		var body struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		require.NotEmpty(t, body.Token)

		w = doJSON(t, srv, http.MethodDelete, "/v1/providers/gemini", nil,
			map[string]string{"Authorization": "Bearer " + body.Token})
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("rejected with garbage token", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodDelete, "/v1/providers/openai", nil,
			map[string]string{"Authorization": "Bearer not.a.token"})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("token exchange with wrong key", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/auth/token",
			map[string]string{"api_key": "wrong"}, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestProviderMutations(t *testing.T) {
	srv, _ := newTestServer(t)
	auth := map[string]string{"X-API-Key": adminKey}

	t.Run("update", func(t *testing.T) {
		cfg := serviceProviderConfig("openai")
		cfg.Priority = 42
		w := doJSON(t, srv, http.MethodPut, "/v1/providers/openai", cfg, auth)
		require.Equal(t, http.StatusOK, w.Code)

		w = doJSON(t, srv, http.MethodGet, "/v1/providers/openai", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		var got types.ProviderConfig
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, 42, got.Priority)
	})

	t.Run("update with name mismatch", func(t *testing.T) {
		cfg := serviceProviderConfig("anthropic")
		w := doJSON(t, srv, http.MethodPut, "/v1/providers/openai", cfg, auth)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("update unknown provider", func(t *testing.T) {
		cfg := serviceProviderConfig("nope")
		w := doJSON(t, srv, http.MethodPut, "/v1/providers/nope", cfg, auth)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("add invalid config", func(t *testing.T) {
		cfg := serviceProviderConfig("broken")
		cfg.Model.DefaultModel = "unavailable"
		w := doJSON(t, srv, http.MethodPost, "/v1/providers", cfg, auth)
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Contains(t, w.Body.String(), "CONFIGURATION_ERROR")
	})

	t.Run("remove then 404", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodDelete, "/v1/providers/anthropic", nil, auth)
		require.Equal(t, http.StatusOK, w.Code)

		w = doJSON(t, srv, http.MethodDelete, "/v1/providers/anthropic", nil, auth)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestDiagnosticsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	// Populate a breaker and limiter by running one analysis
	w := doJSON(t, srv, http.MethodPost, "/v1/analyze", map[string]interface{}{"prompt": "hi"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	t.Run("breaker metrics", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/breakers", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "openai")
	})

	t.Run("rate limits", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodGet, "/v1/ratelimits", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "openai")
	})

	t.Run("reset requires auth", func(t *testing.T) {
		w := doJSON(t, srv, http.MethodPost, "/v1/breakers/reset", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)

		w = doJSON(t, srv, http.MethodPost, "/v1/breakers/reset", nil,
			map[string]string{"X-API-Key": adminKey})
		assert.Equal(t, http.StatusOK, w.Code)
	})
}
