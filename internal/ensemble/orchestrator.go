package ensemble

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-gateway/ensemble/internal/breaker"
	"github.com/ensemble-gateway/ensemble/internal/health"
	"github.com/ensemble-gateway/ensemble/internal/ratelimit"
	"github.com/ensemble-gateway/ensemble/internal/registry"
	"github.com/ensemble-gateway/ensemble/pkg/cost"
	gwerrors "github.com/ensemble-gateway/ensemble/pkg/errors"
	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Recorder receives completed call and ensemble records for reporting.
// Implementations must not block the dispatch path.
type Recorder interface {
	RecordCall(requestID string, outcome types.ProviderOutcome)
	RecordEnsemble(response *types.EnsembleResponse)
}

// UsageTracker accumulates per-provider spend and returns the running
// daily total, used to drive budget alerts.
type UsageTracker interface {
	AddUsage(ctx context.Context, provider string, tokens int, spend float64) (dailySpend float64, err error)
}

// Orchestrator fans one analysis request out to all eligible providers
// concurrently and aggregates their answers into a consensus response.
type Orchestrator struct {
	registry *registry.Registry
	breakers *breaker.Manager
	limiters *ratelimit.Manager
	monitor  *health.Monitor

	aggregator *Aggregator
	costs      *cost.Calculator
	recorder   Recorder
	usage      UsageTracker

	defaultPolicy types.EnsemblePolicy
	logger        *utils.Logger
	mu            sync.RWMutex
}

// NewOrchestrator wires the orchestrator. Recorder and usage tracker are
// optional; a nil value disables that concern.
func NewOrchestrator(
	reg *registry.Registry,
	breakers *breaker.Manager,
	limiters *ratelimit.Manager,
	monitor *health.Monitor,
	defaultPolicy types.EnsemblePolicy,
	logger *utils.Logger,
) (*Orchestrator, error) {
	if err := defaultPolicy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid default ensemble policy: %w", err)
	}

	return &Orchestrator{
		registry:      reg,
		breakers:      breakers,
		limiters:      limiters,
		monitor:       monitor,
		aggregator:    NewAggregator(logger),
		costs:         cost.NewCalculator(logger),
		defaultPolicy: defaultPolicy,
		logger:        logger,
	}, nil
}

// SetRecorder attaches a call recorder
func (o *Orchestrator) SetRecorder(r Recorder) {
	o.recorder = r
}

// SetUsageTracker attaches a spend tracker
func (o *Orchestrator) SetUsageTracker(t UsageTracker) {
	o.usage = t
}

// SetDefaultPolicy replaces the default fan-out policy (hot reload)
func (o *Orchestrator) SetDefaultPolicy(policy types.EnsemblePolicy) error {
	if err := policy.Validate(); err != nil {
		return fmt.Errorf("invalid ensemble policy: %w", err)
	}
	o.mu.Lock()
	o.defaultPolicy = policy
	o.mu.Unlock()
	return nil
}

// providerCall is one in-flight dispatch
type providerCall struct {
	provider types.Provider
	config   *types.ProviderConfig
}

// Analyze dispatches the request to all eligible providers and returns
// the aggregated response. One provider failing, timing out, or being
// rejected never fails the ensemble as long as another succeeds.
func (o *Orchestrator) Analyze(ctx context.Context, request *types.AnalysisRequest) (*types.EnsembleResponse, error) {
	if request == nil || request.Prompt == "" {
		return nil, gwerrors.New(gwerrors.ErrInvalidRequest, "analysis request requires a prompt")
	}
	if request.ID == "" {
		request.ID = utils.GenerateRequestID()
	}
	if request.Timestamp.IsZero() {
		request.Timestamp = time.Now()
	}

	policy, err := o.resolvePolicy(request)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	log := o.logger.WithRequestID(request.ID)

	calls, err := o.selectCandidates()
	if err != nil {
		return nil, err
	}

	degraded := false
	if len(calls) < policy.MinProvidersRequired {
		if policy.OnInsufficient == types.OnInsufficientFail {
			return nil, gwerrors.NewWithDetails(gwerrors.ErrAPIError,
				"insufficient providers available",
				fmt.Sprintf("need %d, have %d", policy.MinProvidersRequired, len(calls)))
		}
		degraded = true
		log.WithField("available", len(calls)).
			WithField("required", policy.MinProvidersRequired).
			Warn("Proceeding with fewer providers than required")
	}

	totalCtx, cancel := context.WithTimeout(ctx, policy.MaxTotalTimeout)
	defer cancel()

	outcomes := o.fanOut(totalCtx, request, policy, calls)

	var results []*types.AnalysisResult
	var totalCost float64
	for _, out := range outcomes {
		totalCost += out.Cost
		if out.Result != nil {
			results = append(results, out.Result)
		}
	}

	if len(results) == 0 {
		log.WithField("providers", len(calls)).Error("All providers failed")
		return nil, gwerrors.NewWithDetails(gwerrors.ErrAPIError,
			"all providers failed", summarizeFailures(outcomes))
	}

	verdict := o.aggregator.Aggregate(results, policy)

	response := &types.EnsembleResponse{
		ID:               request.ID,
		Consensus:        verdict.Consensus,
		ConsensusReached: verdict.ConsensusReached,
		AgreementScore:   verdict.AgreementScore,
		Degraded:         degraded,
		Outcomes:         outcomes,
		TotalLatency:     time.Since(start),
		TotalCost:        totalCost,
		Created:          time.Now(),
	}

	if o.recorder != nil {
		o.recorder.RecordEnsemble(response)
	}

	log.WithField("providers", len(calls)).
		WithField("succeeded", len(results)).
		WithField("consensus", verdict.ConsensusReached).
		WithField("duration_ms", response.TotalLatency.Milliseconds()).
		Info("Ensemble analysis completed")

	return response, nil
}

// resolvePolicy returns the per-request policy override or the default
func (o *Orchestrator) resolvePolicy(request *types.AnalysisRequest) (*types.EnsemblePolicy, error) {
	if request.Policy != nil {
		if err := request.Policy.Validate(); err != nil {
			return nil, gwerrors.NewWithDetails(gwerrors.ErrInvalidRequest,
				"invalid ensemble policy override", err.Error())
		}
		return request.Policy.Clone(), nil
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaultPolicy.Clone(), nil
}

// selectCandidates returns enabled providers in priority order, skipping
// those whose breaker is OPEN or whose derived health is UNHEALTHY.
func (o *Orchestrator) selectCandidates() ([]providerCall, error) {
	providers := o.registry.EnabledByPriority()
	if len(providers) == 0 {
		return nil, gwerrors.New(gwerrors.ErrAPIError, "no providers available")
	}

	var calls []providerCall
	for _, p := range providers {
		name := p.GetName()

		if cb, exists := o.breakers.Lookup(name); exists && cb.State() == breaker.StateOpen {
			o.logger.WithProvider(name).Debug("Skipping provider with open circuit")
			continue
		}
		if o.monitor.State(name) == types.HealthUnhealthy {
			o.logger.WithProvider(name).Debug("Skipping unhealthy provider")
			continue
		}

		cfg, err := o.registry.Config(name)
		if err != nil {
			continue
		}
		calls = append(calls, providerCall{provider: p, config: cfg})
	}

	if len(calls) == 0 {
		return nil, gwerrors.New(gwerrors.ErrAPIError,
			"no providers available: all are open-circuit or unhealthy")
	}
	return calls, nil
}

// fanOut runs all candidate calls concurrently and collects an outcome
// per provider. Providers still running when the total timeout fires are
// reported as timed out; their goroutines unwind via context.
func (o *Orchestrator) fanOut(ctx context.Context, request *types.AnalysisRequest, policy *types.EnsemblePolicy, calls []providerCall) []types.ProviderOutcome {
	type indexed struct {
		idx     int
		outcome types.ProviderOutcome
	}
	resultCh := make(chan indexed, len(calls))

	for i, call := range calls {
		go func(idx int, call providerCall) {
			resultCh <- indexed{idx: idx, outcome: o.callProvider(ctx, request, policy, call)}
		}(i, call)
	}

	outcomes := make([]types.ProviderOutcome, len(calls))
	received := make([]bool, len(calls))
	collected := 0

	for collected < len(calls) {
		select {
		case r := <-resultCh:
			outcomes[r.idx] = r.outcome
			received[r.idx] = true
			collected++
		case <-ctx.Done():
			// Total budget exhausted; report the stragglers as timeouts
			for i := range outcomes {
				if !received[i] {
					outcomes[i] = types.ProviderOutcome{
						Provider:  calls[i].provider.GetName(),
						Error:     fmt.Sprintf("ensemble timeout after %s", policy.MaxTotalTimeout),
						ErrorCode: string(gwerrors.ErrTimeout),
						Latency:   policy.MaxTotalTimeout,
					}
				}
			}
			return outcomes
		}
	}
	return outcomes
}

// callProvider runs one provider through its limiter and breaker
func (o *Orchestrator) callProvider(ctx context.Context, request *types.AnalysisRequest, policy *types.EnsemblePolicy, call providerCall) types.ProviderOutcome {
	name := call.provider.GetName()
	start := time.Now()

	outcome := types.ProviderOutcome{Provider: name}
	defer func() {
		outcome.Latency = time.Since(start)
		if o.recorder != nil {
			o.recorder.RecordCall(request.ID, outcome)
		}
	}()

	estimate, err := o.costs.Estimate(request, &call.config.Cost)
	estTokens := 0
	if err == nil {
		estTokens = estimate.InputTokens + estimate.OutputTokens
	}

	limiter, err := o.limiters.Get(name)
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorCode = string(gwerrors.ErrConfigurationError)
		return outcome
	}
	if err := limiter.Acquire(ctx, estTokens); err != nil {
		outcome.Error = err.Error()
		outcome.ErrorCode = string(gwerrors.CodeOf(err))
		return outcome
	}

	cb, err := o.breakers.Get(name)
	if err != nil {
		outcome.Error = err.Error()
		outcome.ErrorCode = string(gwerrors.ErrConfigurationError)
		return outcome
	}

	callCtx, cancel := context.WithTimeout(ctx, policy.MaxProviderTimeout)
	defer cancel()

	var result *types.AnalysisResult
	execErr := cb.Execute(callCtx, func(ctx context.Context) error {
		var callErr error
		result, callErr = call.provider.Analyze(ctx, request)
		return callErr
	})

	elapsed := time.Since(start)
	if execErr != nil {
		outcome.Error = execErr.Error()
		outcome.ErrorCode = string(gwerrors.CodeOf(execErr))
		// Breaker rejections never reached the provider; only real
		// attempts feed the passive health history.
		if !gwerrors.IsCircuitOpen(execErr) {
			o.monitor.RecordOutcome(name, false, elapsed, execErr.Error())
		}
		o.logger.LogProviderOutcome(name, request.ID, false, elapsed, 0)
		return outcome
	}

	outcome.Result = result
	o.monitor.RecordOutcome(name, true, elapsed, "")
	o.logger.LogProviderOutcome(name, request.ID, true, elapsed, result.Usage.TotalTokens)

	if actual, err := o.costs.Actual(request, result, &call.config.Cost); err == nil {
		outcome.Cost = actual.TotalCost
		// The calculator estimates from the prompt when the provider
		// reported no token usage; flag the outcome so the cost is
		// readable as approximate.
		outcome.FallbackUsed = result.Usage.TotalTokens == 0
		o.trackSpend(ctx, name, result.Usage.TotalTokens, actual.TotalCost, call.config.Cost.BudgetAlerts)
	}

	return outcome
}

// trackSpend feeds the usage tracker and fires budget alerts
func (o *Orchestrator) trackSpend(ctx context.Context, provider string, tokens int, spend float64, alerts []types.BudgetAlert) {
	if o.usage == nil {
		return
	}
	daily, err := o.usage.AddUsage(ctx, provider, tokens, spend)
	if err != nil {
		o.logger.WithProvider(provider).WithError(err).Warn("Failed to track provider usage")
		return
	}
	o.costs.CheckBudgetAlerts(provider, daily, "daily", alerts)
}

// summarizeFailures joins the per-provider errors for diagnostics
func summarizeFailures(outcomes []types.ProviderOutcome) string {
	s := ""
	for _, out := range outcomes {
		if out.Error == "" {
			continue
		}
		if s != "" {
			s += "; "
		}
		s += fmt.Sprintf("%s: %s", out.Provider, out.Error)
	}
	return s
}
