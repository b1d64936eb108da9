// Package providers implements backend adapters for the analysis API
package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/retry"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// HTTPProvider is a generic adapter for OpenAI-compatible vision chat
// endpoints. Provider-specific differences (auth header shape, default
// paths) are driven by configuration rather than per-backend types.
type HTTPProvider struct {
	config     *types.ProviderConfig
	logger     *utils.Logger
	httpClient *http.Client
	retryer    *retry.Executor
}

// Wire structures for the chat completions request
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int `json:"index"`
	Message      struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatErrorResponse struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// structuredContent is the optional JSON document some models return
// when asked for a structured analysis.
type structuredContent struct {
	Summary    string            `json:"summary"`
	Components []types.Component `json:"components"`
	Confidence float64           `json:"confidence"`
}

// NewHTTPProvider creates an adapter from a resolved configuration.
// The configuration must already carry a usable API key.
func NewHTTPProvider(cfg *types.ProviderConfig, logger *utils.Logger) (*HTTPProvider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider config cannot be nil")
	}

	attempts := cfg.Endpoint.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff, err := retry.NewBackoff(cfg.RateLimit.BackoffStrategy, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("provider %s: %w", cfg.Name, err)
	}

	return &HTTPProvider{
		config:  cfg,
		logger:  logger,
		retryer: retry.NewExecutor(backoff, attempts, logger),
		httpClient: &http.Client{
			Timeout: cfg.Endpoint.Timeout,
		},
	}, nil
}

// NewFactory returns an adapter factory for the registry. All known
// backend types speak the OpenAI-compatible wire shape.
func NewFactory(logger *utils.Logger) func(cfg *types.ProviderConfig) (types.Provider, error) {
	return func(cfg *types.ProviderConfig) (types.Provider, error) {
		return NewHTTPProvider(cfg, logger)
	}
}

// GetName returns the provider name
func (p *HTTPProvider) GetName() string {
	return p.config.Name
}

// GetType returns the provider type
func (p *HTTPProvider) GetType() string {
	return p.config.Type
}

// GetConfig returns the provider configuration
func (p *HTTPProvider) GetConfig() *types.ProviderConfig {
	return p.config
}

// ValidateConfiguration checks the adapter has what it needs to call out
func (p *HTTPProvider) ValidateConfiguration() error {
	if p.config.APIKey == "" {
		return fmt.Errorf("provider %s: API key is required", p.config.Name)
	}
	if !strings.HasPrefix(p.config.Endpoint.BaseURL, "http://") &&
		!strings.HasPrefix(p.config.Endpoint.BaseURL, "https://") {
		return fmt.Errorf("provider %s: endpoint.base_url must be an http(s) URL", p.config.Name)
	}
	return nil
}

// GetCapabilities describes what the backend accepts
func (p *HTTPProvider) GetCapabilities() *types.Capabilities {
	return &types.Capabilities{
		MaxImageSize:        20 * 1024 * 1024,
		MaxImagesPerRequest: 10,
		SupportedFormats:    []string{"image/png", "image/jpeg", "image/webp"},
		MaxTokens:           4096,
		CostPerToken:        p.config.Cost.InputTokenCost / 1000,
	}
}

// Analyze sends one analysis request and normalizes the response
func (p *HTTPProvider) Analyze(ctx context.Context, request *types.AnalysisRequest) (*types.AnalysisResult, error) {
	if request == nil || request.Prompt == "" {
		return nil, gwerrors.New(gwerrors.ErrInvalidRequest, "analysis request requires a prompt")
	}

	var result *types.AnalysisResult
	err := p.retryer.Execute(ctx, func(ctx context.Context, attempt int) error {
		var attemptErr error
		result, attemptErr = p.executeRequest(ctx, request, attempt)
		return attemptErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// executeRequest performs a single API attempt
func (p *HTTPProvider) executeRequest(ctx context.Context, request *types.AnalysisRequest, attempt int) (*types.AnalysisResult, error) {
	payload := p.buildPayload(request)
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrInvalidRequest,
			fmt.Sprintf("failed to marshal request: %v", err), false)
	}

	url := strings.TrimRight(p.config.Endpoint.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrInvalidRequest,
			fmt.Sprintf("failed to create request: %v", err), false)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	if attempt > 1 {
		p.logger.WithProvider(p.config.Name).WithField("attempt", attempt).Debug("Retrying provider call")
	}
	p.logger.LogProviderCall(p.config.Name, payload.Model, request.ID)

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	elapsed := time.Since(start)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrTimeout,
				fmt.Sprintf("request aborted: %v", ctx.Err()), true)
		}
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrAPIError,
			fmt.Sprintf("request failed: %v", err), true)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrAPIError,
			fmt.Sprintf("failed to read response: %v", err), true)
	}

	if resp.StatusCode != http.StatusOK {
		msg := string(respBody)
		var errResp chatErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			msg = errResp.Error.Message
		}
		return nil, retry.ClassifyHTTPStatus(p.config.Name, resp.StatusCode, msg)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrAPIError,
			fmt.Sprintf("failed to unmarshal response: %v", err), true)
	}
	if len(chatResp.Choices) == 0 {
		return nil, gwerrors.NewProviderError(p.config.Name, gwerrors.ErrAPIError,
			"response contained no choices", true)
	}

	return p.normalize(&chatResp, elapsed), nil
}

// buildPayload converts the analysis request into the chat wire format
func (p *HTTPProvider) buildPayload(request *types.AnalysisRequest) *chatRequest {
	model := request.Options.Model
	if model == "" {
		model = p.config.Model.DefaultModel
	}

	parts := []contentPart{{Type: "text", Text: request.Prompt}}
	for _, img := range request.Images {
		parts = append(parts, contentPart{
			Type: "image_url",
			ImageURL: &imageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
				Detail: request.Options.Detail,
			},
		})
	}

	payload := &chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: "user", Content: parts}},
	}
	if request.Options.MaxTokens > 0 {
		maxTokens := request.Options.MaxTokens
		payload.MaxTokens = &maxTokens
	}
	if request.Options.Temperature > 0 {
		temp := request.Options.Temperature
		payload.Temperature = &temp
	}
	return payload
}

// normalize converts a wire response into the standard result shape.
// When the model returned a structured JSON document the components and
// confidence are lifted out of it; plain text keeps a neutral confidence.
func (p *HTTPProvider) normalize(resp *chatResponse, latency time.Duration) *types.AnalysisResult {
	choice := resp.Choices[0]

	result := &types.AnalysisResult{
		Provider:     p.config.Name,
		Model:        resp.Model,
		Content:      choice.Message.Content,
		Confidence:   0.5,
		FinishReason: choice.FinishReason,
		Usage: types.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		Latency: latency,
		Created: time.Unix(resp.Created, 0),
	}
	if resp.Created == 0 {
		result.Created = time.Now()
	}

	var structured structuredContent
	content := strings.TrimSpace(choice.Message.Content)
	if strings.HasPrefix(content, "{") && json.Unmarshal([]byte(content), &structured) == nil {
		if structured.Summary != "" {
			result.Content = structured.Summary
		}
		result.Components = structured.Components
		if structured.Confidence > 0 {
			result.Confidence = structured.Confidence
		}
	}

	return result
}

// HealthCheck probes the backend's model listing endpoint
func (p *HTTPProvider) HealthCheck(ctx context.Context) error {
	url := strings.TrimRight(p.config.Endpoint.BaseURL, "/") + "/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}
