// Package ensemble implements concurrent fan-out across providers and
// consensus aggregation of their results.
package ensemble

import (
	"sort"
	"strings"
	"time"

	"github.com/ensemble-gateway/ensemble/pkg/types"
	"github.com/ensemble-gateway/ensemble/pkg/utils"
)

// Aggregator reconciles the successful results of one fan-out into a
// single consensus answer with a weighted confidence score.
type Aggregator struct {
	logger *utils.Logger
}

// NewAggregator creates an aggregator
func NewAggregator(logger *utils.Logger) *Aggregator {
	return &Aggregator{logger: logger}
}

// Verdict is the outcome of aggregating one result set
type Verdict struct {
	Consensus        *types.AnalysisResult
	ConsensusReached bool
	AgreementScore   float64
}

// Aggregate reconciles results under the given policy. Results are
// clustered by pairwise similarity; the agreement score is the share of
// providers inside the largest cluster. Consensus is reached when that
// share meets the consensus threshold. With a single result there is
// nothing to disagree with. When consensus fails, the highest scoring
// individual result is returned with ConsensusReached false.
func (a *Aggregator) Aggregate(results []*types.AnalysisResult, policy *types.EnsemblePolicy) Verdict {
	switch len(results) {
	case 0:
		return Verdict{}
	case 1:
		chosen := cloneResult(results[0])
		chosen.Confidence = a.scoreResult(results, 0, 1.0, policy)
		return Verdict{Consensus: chosen, ConsensusReached: true, AgreementScore: 1.0}
	}

	// Pairwise similarity matrix over content and detected components
	n := len(results)
	sims := make([][]float64, n)
	for i := range sims {
		sims[i] = make([]float64, n)
		sims[i][i] = 1
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			s := a.similarity(results[i], results[j], policy.ComponentClusteringThreshold)
			sims[i][j], sims[j][i] = s, s
		}
	}

	cluster := a.largestCluster(sims, policy.ConsensusThreshold)
	agreement := float64(len(cluster)) / float64(n)
	reached := agreement >= policy.ConsensusThreshold

	// Pick the strongest result: within the agreeing cluster when
	// consensus held, across everything otherwise.
	candidates := cluster
	if !reached {
		candidates = make([]int, n)
		for i := range candidates {
			candidates[i] = i
		}
	}

	best := candidates[0]
	bestScore := -1.0
	for _, i := range candidates {
		var sum float64
		for j := range results {
			if j != i {
				sum += sims[i][j]
			}
		}
		score := a.scoreResult(results, i, sum/float64(n-1), policy)
		if score > bestScore {
			best, bestScore = i, score
		}
	}

	chosen := cloneResult(results[best])
	chosen.Confidence = bestScore
	if reached {
		agreeing := make([]*types.AnalysisResult, len(cluster))
		for k, i := range cluster {
			agreeing[k] = results[i]
		}
		chosen.Components = a.mergeComponents(agreeing, policy.ComponentClusteringThreshold)
	} else {
		a.logger.WithField("agreement", agreement).
			WithField("threshold", policy.ConsensusThreshold).
			Warn("Providers did not reach consensus, returning highest confidence result")
	}

	return Verdict{Consensus: chosen, ConsensusReached: reached, AgreementScore: agreement}
}

// largestCluster greedily groups results whose similarity to a cluster
// exemplar meets the threshold and returns the biggest group's indices.
func (a *Aggregator) largestCluster(sims [][]float64, threshold float64) []int {
	n := len(sims)
	assigned := make([]bool, n)
	var largest []int

	for i := 0; i < n; i++ {
		if assigned[i] {
			continue
		}
		cluster := []int{i}
		assigned[i] = true
		for j := i + 1; j < n; j++ {
			if !assigned[j] && sims[i][j] >= threshold {
				cluster = append(cluster, j)
				assigned[j] = true
			}
		}
		if len(cluster) > len(largest) {
			largest = cluster
		}
	}
	return largest
}

// scoreResult blends agreement, completeness, and the provider's own
// reported confidence per the configured weighting.
func (a *Aggregator) scoreResult(results []*types.AnalysisResult, idx int, agreement float64, policy *types.EnsemblePolicy) float64 {
	r := results[idx]
	w := policy.ConfidenceWeighting

	completeness := a.completeness(results, idx)

	consistency := r.Confidence
	if consistency <= 0 {
		consistency = 0.5
	}
	if consistency > 1 {
		consistency = 1
	}

	score := w.Agreement*agreement + w.Completeness*completeness + w.Consistency*consistency
	if score > 1 {
		score = 1
	}
	return score
}

// completeness measures how much of the richest answer this result
// covers, over content length and component count.
func (a *Aggregator) completeness(results []*types.AnalysisResult, idx int) float64 {
	maxLen, maxComponents := 0, 0
	for _, r := range results {
		if len(r.Content) > maxLen {
			maxLen = len(r.Content)
		}
		if len(r.Components) > maxComponents {
			maxComponents = len(r.Components)
		}
	}

	r := results[idx]
	var parts, sum float64
	if maxLen > 0 {
		sum += float64(len(r.Content)) / float64(maxLen)
		parts++
	}
	if maxComponents > 0 {
		sum += float64(len(r.Components)) / float64(maxComponents)
		parts++
	}
	if parts == 0 {
		return 0
	}
	return sum / parts
}

// similarity compares two results: token overlap of the content, and
// when both carry components, overlap of matched components.
func (a *Aggregator) similarity(x, y *types.AnalysisResult, clusterThreshold float64) float64 {
	text := tokenOverlap(x.Content, y.Content)

	if len(x.Components) == 0 || len(y.Components) == 0 {
		return text
	}

	matched := 0
	for _, cx := range x.Components {
		for _, cy := range y.Components {
			if componentsMatch(cx, cy, clusterThreshold) {
				matched++
				break
			}
		}
	}
	denom := len(x.Components)
	if len(y.Components) > denom {
		denom = len(y.Components)
	}
	componentSim := float64(matched) / float64(denom)

	return (text + componentSim) / 2
}

// mergeComponents clusters components across results and keeps those a
// majority of providers agree on, with averaged confidence.
func (a *Aggregator) mergeComponents(results []*types.AnalysisResult, clusterThreshold float64) []types.Component {
	type cluster struct {
		exemplar   types.Component
		confidence float64
		votes      int
	}

	var clusters []*cluster
	for _, r := range results {
		for _, c := range r.Components {
			placed := false
			for _, cl := range clusters {
				if componentsMatch(cl.exemplar, c, clusterThreshold) {
					cl.confidence += c.Confidence
					cl.votes++
					placed = true
					break
				}
			}
			if !placed {
				clusters = append(clusters, &cluster{exemplar: c, confidence: c.Confidence, votes: 1})
			}
		}
	}

	majority := len(results)/2 + 1
	var merged []types.Component
	for _, cl := range clusters {
		if cl.votes < majority {
			continue
		}
		c := cl.exemplar
		c.Confidence = cl.confidence / float64(cl.votes)
		merged = append(merged, c)
	}

	sort.Slice(merged, func(i, j int) bool {
		return merged[i].Confidence > merged[j].Confidence
	})
	return merged
}

// componentsMatch reports whether two components describe the same thing
func componentsMatch(x, y types.Component, threshold float64) bool {
	if !strings.EqualFold(x.Type, y.Type) {
		return false
	}
	return tokenOverlap(x.Label, y.Label) >= threshold
}

// tokenOverlap is the Jaccard similarity of the lowercased token sets
func tokenOverlap(x, y string) float64 {
	xs := tokenSet(x)
	ys := tokenSet(y)
	if len(xs) == 0 && len(ys) == 0 {
		return 1
	}
	if len(xs) == 0 || len(ys) == 0 {
		return 0
	}

	intersection := 0
	for tok := range xs {
		if ys[tok] {
			intersection++
		}
	}
	union := len(xs) + len(ys) - intersection
	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(strings.ToLower(s)) {
		tok = strings.Trim(tok, ".,;:!?()[]{}\"'")
		if tok != "" {
			set[tok] = true
		}
	}
	return set
}

func cloneResult(r *types.AnalysisResult) *types.AnalysisResult {
	clone := *r
	clone.Components = append([]types.Component(nil), r.Components...)
	clone.Created = r.Created
	if clone.Created.IsZero() {
		clone.Created = time.Now()
	}
	return &clone
}
