package providers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

func testConfig(baseURL string) *types.ProviderConfig {
	return &types.ProviderConfig{
		Type:     "openai",
		Name:     "openai",
		Enabled:  true,
		Priority: 10,
		Endpoint: types.EndpointConfig{
			BaseURL:       baseURL,
			Timeout:       5 * time.Second,
			RetryAttempts: 1,
		},
		APIKey: "sk-test-key",
		Model: types.ModelConfig{
			DefaultModel:    "gpt-4o",
			AvailableModels: []string{"gpt-4o"},
		},
		RateLimit: types.RateLimitSettings{
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			TokensPerMinute:   90000,
		},
	}
}

func newTestProvider(t *testing.T, cfg *types.ProviderConfig) *HTTPProvider {
	t.Helper()
	p, err := NewHTTPProvider(cfg, utils.NewTestLogger())
	require.NoError(t, err)
	return p
}

func chatReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "chatcmpl-123",
		"created": time.Now().Unix(),
		"model":   "gpt-4o",
		"choices": []map[string]interface{}{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 120, "completion_tokens": 40, "total_tokens": 160},
	}
}

func TestAnalyzeSendsChatPayload(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		json.NewEncoder(w).Encode(chatReply("a login form with two fields"))
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL+"/v1"))

	result, err := p.Analyze(context.Background(), &types.AnalysisRequest{
		ID:     "req_1",
		Prompt: "describe this screenshot",
		Images: []types.ImageInput{{MediaType: "image/png", Data: "aGVsbG8="}},
		Options: types.AnalysisOptions{
			MaxTokens:   500,
			Temperature: 0.2,
			Detail:      "high",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", captured.Model)
	require.Len(t, captured.Messages, 1)
	require.Len(t, captured.Messages[0].Content, 2)
	assert.Equal(t, "text", captured.Messages[0].Content[0].Type)
	assert.Equal(t, "describe this screenshot", captured.Messages[0].Content[0].Text)
	assert.Equal(t, "image_url", captured.Messages[0].Content[1].Type)
	assert.Equal(t, "data:image/png;base64,aGVsbG8=", captured.Messages[0].Content[1].ImageURL.URL)
	assert.Equal(t, "high", captured.Messages[0].Content[1].ImageURL.Detail)
	require.NotNil(t, captured.MaxTokens)
	assert.Equal(t, 500, *captured.MaxTokens)

	assert.Equal(t, "openai", result.Provider)
	assert.Equal(t, "a login form with two fields", result.Content)
	assert.Equal(t, 160, result.Usage.TotalTokens)
	assert.Equal(t, "stop", result.FinishReason)
	assert.Equal(t, 0.5, result.Confidence)
}

func TestAnalyzeModelOverride(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(chatReply("ok"))
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL))
	_, err := p.Analyze(context.Background(), &types.AnalysisRequest{
		Prompt:  "hi",
		Options: types.AnalysisOptions{Model: "gpt-4o-mini"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", captured.Model)
}

func TestAnalyzeLiftsStructuredContent(t *testing.T) {
	structured := `{"summary":"a checkout page","components":[{"type":"ui","label":"pay button","confidence":0.9}],"confidence":0.85}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(chatReply(structured))
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL))
	result, err := p.Analyze(context.Background(), &types.AnalysisRequest{Prompt: "analyze"})
	require.NoError(t, err)

	assert.Equal(t, "a checkout page", result.Content)
	require.Len(t, result.Components, 1)
	assert.Equal(t, "pay button", result.Components[0].Label)
	assert.Equal(t, 0.85, result.Confidence)
}

func TestAnalyzeRejectsEmptyPrompt(t *testing.T) {
	p := newTestProvider(t, testConfig("https://api.example.com"))

	_, err := p.Analyze(context.Background(), &types.AnalysisRequest{})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrInvalidRequest, gwerrors.CodeOf(err))
}

func TestAnalyzeClassifiesHTTPErrors(t *testing.T) {
	cases := []struct {
		status    int
		code      gwerrors.ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, gwerrors.ErrRateLimited, true},
		{http.StatusUnauthorized, gwerrors.ErrInvalidRequest, false},
		{http.StatusInternalServerError, gwerrors.ErrAPIError, true},
	}

	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "upstream rejected", "type": "test"},
			})
		}))

		p := newTestProvider(t, testConfig(srv.URL))
		_, err := p.Analyze(context.Background(), &types.AnalysisRequest{Prompt: "hi"})
		require.Error(t, err)

		var pe *gwerrors.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, tc.code, pe.Code, "status %d", tc.status)
		assert.Equal(t, tc.status, pe.StatusCode)
		assert.Equal(t, "upstream rejected", pe.Message)

		srv.Close()
	}
}

func TestAnalyzeRetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(chatReply("recovered"))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Endpoint.RetryAttempts = 2
	cfg.RateLimit.BackoffStrategy = types.BackoffLinear

	p := newTestProvider(t, cfg)
	result, err := p.Analyze(context.Background(), &types.AnalysisRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Content)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestAnalyzeDoesNotRetryAuthErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Endpoint.RetryAttempts = 3

	p := newTestProvider(t, cfg)
	_, err := p.Analyze(context.Background(), &types.AnalysisRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestAnalyzeEmptyChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"choices": []interface{}{}})
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL))
	_, err := p.Analyze(context.Background(), &types.AnalysisRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no choices")
}

func TestAnalyzeContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server watches for connection close;
		// otherwise r.Context() is never cancelled and Close deadlocks.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	p := newTestProvider(t, testConfig(srv.URL))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Analyze(ctx, &types.AnalysisRequest{Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, gwerrors.ErrTimeout, gwerrors.CodeOf(err))
}

func TestHealthCheck(t *testing.T) {
	t.Run("healthy backend", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/models", r.URL.Path)
			assert.Equal(t, "Bearer sk-test-key", r.Header.Get("Authorization"))
			w.Write([]byte(`{"data":[]}`))
		}))
		defer srv.Close()

		p := newTestProvider(t, testConfig(srv.URL))
		assert.NoError(t, p.HealthCheck(context.Background()))
	})

	t.Run("failing backend", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		p := newTestProvider(t, testConfig(srv.URL))
		err := p.HealthCheck(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "503")
	})

	t.Run("unreachable backend", func(t *testing.T) {
		p := newTestProvider(t, testConfig("http://127.0.0.1:1"))
		assert.Error(t, p.HealthCheck(context.Background()))
	})
}

func TestValidateConfiguration(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		p := newTestProvider(t, testConfig("https://api.example.com"))
		assert.NoError(t, p.ValidateConfiguration())
	})

	t.Run("missing API key", func(t *testing.T) {
		cfg := testConfig("https://api.example.com")
		cfg.APIKey = ""
		p := newTestProvider(t, cfg)
		assert.Error(t, p.ValidateConfiguration())
	})

	t.Run("non-http base url", func(t *testing.T) {
		cfg := testConfig("ftp://api.example.com")
		p := newTestProvider(t, cfg)
		assert.Error(t, p.ValidateConfiguration())
	})
}

func TestGetCapabilities(t *testing.T) {
	cfg := testConfig("https://api.example.com")
	cfg.Cost.InputTokenCost = 0.01

	p := newTestProvider(t, cfg)
	caps := p.GetCapabilities()

	assert.Equal(t, int64(20*1024*1024), caps.MaxImageSize)
	assert.Equal(t, 10, caps.MaxImagesPerRequest)
	assert.True(t, strings.Contains(strings.Join(caps.SupportedFormats, ","), "image/png"))
	assert.InDelta(t, 0.00001, caps.CostPerToken, 1e-12)
}
