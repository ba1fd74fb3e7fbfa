// Package llmselector provides the pluggable tool-selection step between a
// natural-language request and the ordered list of tool calls the Kernel
// will evaluate. The LLM provider itself is out of scope (spec.md
// Non-goals); this package only defines the seam and a deterministic
// "rules" fallback, matching the prototype's settings.llm_provider
// default of "rules" (common/settings.py) and the keyword-retrieval role
// its TfidfVectorizer-based CapabilityIndex plays in agent/capabilities.py.
package llmselector

import (
	"context"
	"sort"
	"strings"

	"github.com/twinops/twinops/internal/contracts"
)

// ToolSpec describes one callable operation available to the selector.
type ToolSpec struct {
	Name         string
	Description  string
	Keywords     []string
	DefaultRisk  contracts.RiskLevel
}

// Outcome is what a Selector produces for one user message: either a plain
// reply, or an ordered list of tool calls for the orchestrator to submit to
// the Kernel.
type Outcome struct {
	ReplyText string
	ToolCalls []contracts.ToolCall
}

// Selector turns a natural-language message plus the available tool
// catalog into an Outcome. A real deployment wires an LLM-backed
// implementation here; RulesSelector is the zero-dependency fallback.
type Selector interface {
	Select(ctx context.Context, message string, roles []string, catalog []ToolSpec) (Outcome, error)
}

// RulesSelector scores each tool by keyword overlap with the message and
// proposes the single best match at or above a minimum score, with no
// argument extraction (every proposed call carries empty Arguments) —
// deliberately conservative, since guessing
// arguments for an industrial operation without real language
// understanding is unsafe.
type RulesSelector struct {
	MinScore int
}

// NewRulesSelector constructs a RulesSelector with a sane default threshold.
func NewRulesSelector() *RulesSelector {
	return &RulesSelector{MinScore: 1}
}

func (s *RulesSelector) Select(ctx context.Context, message string, roles []string, catalog []ToolSpec) (Outcome, error) {
	tokens := tokenize(message)
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}

	type scored struct {
		tool  ToolSpec
		score int
	}
	var candidates []scored
	for _, tool := range catalog {
		score := overlapScore(tokenSet, tool)
		if score >= s.MinScore {
			candidates = append(candidates, scored{tool: tool, score: score})
		}
	}
	if len(candidates) == 0 {
		return Outcome{ReplyText: "I couldn't match that request to a known operation."}, nil
	}

	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	best := candidates[0].tool

	risk := best.DefaultRisk
	return Outcome{
		ToolCalls: []contracts.ToolCall{{
			Name:      best.Name,
			Arguments: map[string]any{},
			Risk:      &risk,
		}},
	}, nil
}

func overlapScore(tokenSet map[string]struct{}, tool ToolSpec) int {
	score := 0
	for _, kw := range append(append([]string{}, tool.Keywords...), tokenize(tool.Name)...) {
		if _, ok := tokenSet[kw]; ok {
			score++
		}
	}
	return score
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})
	return fields
}
