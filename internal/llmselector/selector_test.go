package llmselector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/twinops/twinops/internal/contracts"
)

func TestSelect_PicksBestKeywordMatch(t *testing.T) {
	s := NewRulesSelector()
	catalog := []ToolSpec{
		{Name: "move_arm", Keywords: []string{"move", "arm", "position"}, DefaultRisk: contracts.RiskMedium},
		{Name: "emergency_stop", Keywords: []string{"stop", "emergency", "halt"}, DefaultRisk: contracts.RiskCritical},
	}

	out, err := s.Select(context.Background(), "please stop the robot now, emergency halt", nil, catalog)
	require.NoError(t, err)
	require.Len(t, out.ToolCalls, 1)
	require.Equal(t, "emergency_stop", out.ToolCalls[0].Name)
}

func TestSelect_NoMatchReturnsReplyOnly(t *testing.T) {
	s := NewRulesSelector()
	catalog := []ToolSpec{{Name: "move_arm", Keywords: []string{"move", "arm"}}}

	out, err := s.Select(context.Background(), "what's the weather like today", nil, catalog)
	require.NoError(t, err)
	require.Empty(t, out.ToolCalls)
	require.NotEmpty(t, out.ReplyText)
}
