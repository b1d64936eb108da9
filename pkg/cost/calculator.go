// Package cost provides cost estimation and accounting for analysis requests
package cost

import (
	"fmt"
	"math"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Rough chars-per-token ratio used when a provider has not reported usage
const charsPerToken = 4

// Calculator computes estimated and actual request cost against a
// provider's configured cost model.
type Calculator struct {
	logger *utils.Logger
}

// NewCalculator creates a cost calculator
func NewCalculator(logger *utils.Logger) *Calculator {
	return &Calculator{logger: logger}
}

// Estimate predicts the cost of a request before dispatch.
// Output tokens are assumed at the request's MaxTokens (or a default)
// since the response is unknown.
func (c *Calculator) Estimate(req *types.AnalysisRequest, cost *types.CostSettings) (*types.CostEstimate, error) {
	if req == nil {
		return nil, fmt.Errorf("request cannot be nil")
	}
	if cost == nil {
		return nil, fmt.Errorf("cost settings cannot be nil")
	}

	inputTokens := len(req.Prompt) / charsPerToken
	outputTokens := req.Options.MaxTokens
	if outputTokens <= 0 {
		outputTokens = 1024
	}

	return c.breakdown(inputTokens, outputTokens, len(req.Images), cost), nil
}

// Actual computes the realized cost of a completed call from reported usage.
// Falls back to the estimate path when the provider reported nothing.
func (c *Calculator) Actual(req *types.AnalysisRequest, result *types.AnalysisResult, cost *types.CostSettings) (*types.CostEstimate, error) {
	if result == nil {
		return nil, fmt.Errorf("result cannot be nil")
	}
	if cost == nil {
		return nil, fmt.Errorf("cost settings cannot be nil")
	}

	usage := result.Usage
	if usage.TotalTokens == 0 && req != nil {
		c.logger.WithProvider(result.Provider).Debug("No usage reported, falling back to estimate")
		return c.Estimate(req, cost)
	}

	images := 0
	if req != nil {
		images = len(req.Images)
	}

	return c.breakdown(usage.PromptTokens, usage.CompletionTokens, images, cost), nil
}

// breakdown assembles a cost estimate from token and image counts
func (c *Calculator) breakdown(inputTokens, outputTokens, images int, cost *types.CostSettings) *types.CostEstimate {
	inputCost := float64(inputTokens) / 1000.0 * cost.InputTokenCost
	outputCost := float64(outputTokens) / 1000.0 * cost.OutputTokenCost
	imageCost := float64(images) * cost.ImageCost

	return &types.CostEstimate{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		Images:       images,
		InputCost:    round4(inputCost),
		OutputCost:   round4(outputCost),
		ImageCost:    round4(imageCost),
		TotalCost:    round4(inputCost + outputCost + imageCost),
		Currency:     "USD",
	}
}

// CheckBudgetAlerts logs a warning for every alert whose threshold the
// accumulated spend has crossed, and returns the crossed alerts.
func (c *Calculator) CheckBudgetAlerts(provider string, spend float64, period string, alerts []types.BudgetAlert) []types.BudgetAlert {
	var crossed []types.BudgetAlert
	for _, alert := range alerts {
		if alert.Period != period {
			continue
		}
		if spend >= alert.Threshold {
			crossed = append(crossed, alert)
			c.logger.WithProvider(provider).
				WithField("period", period).
				WithField("spend", spend).
				WithField("threshold", alert.Threshold).
				Warn("Budget alert threshold crossed")
		}
	}
	return crossed
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
