package search

import (
	"fmt"

	"github.com/Qitor/qitos/internal/domain/entity"
)

// DynamicTree keeps a bounded frontier of unselected candidates across steps
// and biases scoring with a novelty bonus of exploration_bonus/(1+visits).
// Visit counts, frontier size, and backtrack flags live in state metadata so
// they survive into traces.
type DynamicTree struct {
	TopK             int
	MaxFrontier      int
	ScoreKey         string
	ExplorationBonus float64

	frontier []*entity.Decision
}

// NewDynamicTree returns a tree search with the stock tuning.
func NewDynamicTree(topK int) *DynamicTree {
	return &DynamicTree{
		TopK:             topK,
		MaxFrontier:      64,
		ScoreKey:         "score",
		ExplorationBonus: 0.25,
	}
}

// Expand implements Search: fresh candidates join the carried frontier.
func (t *DynamicTree) Expand(_ entity.AgentState, _ any, seed *entity.Decision) []*entity.Decision {
	combined := append(append([]*entity.Decision{}, t.frontier...), seed.Candidates...)
	t.frontier = nil
	return combined
}

// Score implements Search: base score plus novelty bonus.
func (t *DynamicTree) Score(state entity.AgentState, _ any, candidates []*entity.Decision) []float64 {
	visits := t.visitCounts(state)
	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		base := c.Score(t.ScoreKey, float64(len(candidates)-i))
		novelty := t.ExplorationBonus / float64(1+visits[t.candidateKey(c, i)])
		scores[i] = base + novelty
	}
	return scores
}

// Prune implements Search: keep the top K, push the rest onto the bounded
// frontier for later expansion.
func (t *DynamicTree) Prune(candidates []*entity.Decision, scores []float64) ([]*entity.Decision, error) {
	ranked, err := rankByScore(candidates, scores)
	if err != nil {
		return nil, err
	}
	kept := ranked
	if t.TopK > 0 && len(ranked) > t.TopK {
		kept = ranked[:t.TopK]
		t.frontier = append(t.frontier, ranked[t.TopK:]...)
		if len(t.frontier) > t.MaxFrontier {
			t.frontier = t.frontier[:t.MaxFrontier]
		}
	}
	return kept, nil
}

// Select implements Search.
func (t *DynamicTree) Select(candidates []*entity.Decision, scores []float64) (*entity.Decision, error) {
	return selectBest(candidates, scores)
}

// Backtrack implements Search: flags the dead end in metadata.
func (t *DynamicTree) Backtrack(state entity.AgentState) entity.AgentState {
	meta := state.Base().Metadata
	meta["tree_backtrack"] = true
	meta["frontier_size"] = len(t.frontier)
	return state
}

// MarkSelected implements VisitMarker: bump the visit count of the chosen
// candidate.
func (t *DynamicTree) MarkSelected(state entity.AgentState, selected *entity.Decision) {
	meta := state.Base().Metadata
	visits, _ := meta["tree_visits"].(map[string]int)
	if visits == nil {
		visits = map[string]int{}
	}
	key := t.candidateKey(selected, 0)
	visits[key]++
	meta["tree_visits"] = visits
	meta["frontier_size"] = len(t.frontier)
	meta["tree_backtrack"] = false
}

func (t *DynamicTree) candidateKey(c *entity.Decision, idx int) string {
	if c.Meta != nil {
		if id, ok := c.Meta["id"].(string); ok && id != "" {
			return id
		}
	}
	if c.FinalAnswer != "" {
		return "final::" + truncate(c.FinalAnswer, 64)
	}
	if len(c.Actions) > 0 {
		return "act::" + truncate(fmt.Sprintf("%s(%v)", c.Actions[0].Name, c.Actions[0].Args), 96)
	}
	return fmt.Sprintf("candidate::%d", idx)
}

func (t *DynamicTree) visitCounts(state entity.AgentState) map[string]int {
	visits, _ := state.Base().Metadata["tree_visits"].(map[string]int)
	if visits == nil {
		return map[string]int{}
	}
	return visits
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
