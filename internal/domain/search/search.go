// Package search resolves branch decisions into a single executable
// decision via expand / score / prune / select / backtrack.
package search

import (
	"fmt"
	"sort"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// Selector picks one decision from branch candidates. The default picks the
// first candidate.
type Selector interface {
	Select(candidates []*entity.Decision, state entity.AgentState, observation any) (*entity.Decision, error)
}

// FirstCandidate is the deterministic default selector.
type FirstCandidate struct{}

// Select implements Selector.
func (FirstCandidate) Select(candidates []*entity.Decision, _ entity.AgentState, _ any) (*entity.Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("branch selector received empty candidates")
	}
	return candidates[0], nil
}

// Search is the full branch-resolution strategy. Backtrack runs when prune
// empties the candidate set; MarkSelected (optional via the interface) lets
// adaptive searches record choices on the state.
type Search interface {
	Expand(state entity.AgentState, observation any, seed *entity.Decision) []*entity.Decision
	Score(state entity.AgentState, observation any, candidates []*entity.Decision) []float64
	Prune(candidates []*entity.Decision, scores []float64) ([]*entity.Decision, error)
	Select(candidates []*entity.Decision, scores []float64) (*entity.Decision, error)
	Backtrack(state entity.AgentState) entity.AgentState
}

// VisitMarker is implemented by searches that track candidate visits.
type VisitMarker interface {
	MarkSelected(state entity.AgentState, selected *entity.Decision)
}

// Greedy scores candidates by meta score (fallback: reverse insertion
// order), prunes to the top K, and selects the best. Backtrack is identity.
type Greedy struct {
	TopK int // <=0 keeps all candidates
}

// NewGreedy returns a greedy search keeping the top K candidates.
func NewGreedy(topK int) *Greedy { return &Greedy{TopK: topK} }

// Expand implements Search.
func (g *Greedy) Expand(_ entity.AgentState, _ any, seed *entity.Decision) []*entity.Decision {
	return append([]*entity.Decision{}, seed.Candidates...)
}

// Score implements Search.
func (g *Greedy) Score(_ entity.AgentState, _ any, candidates []*entity.Decision) []float64 {
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		scores[i] = c.Score("score", float64(len(candidates)-i))
	}
	return scores
}

// Prune implements Search.
func (g *Greedy) Prune(candidates []*entity.Decision, scores []float64) ([]*entity.Decision, error) {
	ranked, err := rankByScore(candidates, scores)
	if err != nil {
		return nil, err
	}
	if g.TopK > 0 && len(ranked) > g.TopK {
		ranked = ranked[:g.TopK]
	}
	return ranked, nil
}

// Select implements Search.
func (g *Greedy) Select(candidates []*entity.Decision, scores []float64) (*entity.Decision, error) {
	return selectBest(candidates, scores)
}

// Backtrack implements Search.
func (g *Greedy) Backtrack(state entity.AgentState) entity.AgentState { return state }

// rankByScore orders candidates by descending score, stable on ties.
func rankByScore(candidates []*entity.Decision, scores []float64) ([]*entity.Decision, error) {
	if len(candidates) != len(scores) {
		return nil, fmt.Errorf("search: scores must align with candidates (%d vs %d)", len(scores), len(candidates))
	}
	idx := make([]int, len(candidates))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	out := make([]*entity.Decision, len(candidates))
	for i, j := range idx {
		out[i] = candidates[j]
	}
	return out, nil
}

func selectBest(candidates []*entity.Decision, scores []float64) (*entity.Decision, error) {
	if len(candidates) == 0 {
		return nil, fmt.Errorf("search: select requires candidates")
	}
	if len(candidates) != len(scores) {
		return nil, fmt.Errorf("search: scores must align with candidates (%d vs %d)", len(scores), len(candidates))
	}
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return candidates[best], nil
}
