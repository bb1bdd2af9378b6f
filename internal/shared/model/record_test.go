package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAgentCodingStatus_CanTransitionTo(t *testing.T) {
	tests := []struct {
		from, to AgentCodingStatus
		want     bool
	}{
		{AgentCodingStarted, AgentCodingCoding, true},
		{AgentCodingCoding, AgentCodingFinished, true},
		{AgentCodingStarted, AgentCodingStarted, true},
		{AgentCodingFinished, AgentCodingFinished, true},
		{AgentCodingStarted, AgentCodingFinished, false},
		{AgentCodingCoding, AgentCodingStarted, false},
		{AgentCodingFinished, AgentCodingCoding, false},
		{AgentCodingStarted, "bogus", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestRunStatus_IsTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.IsTerminal())
	assert.True(t, RunStatusCompleted.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
}

func TestLatestByRole(t *testing.T) {
	msgs := []UIMessage{
		{ID: "1", Role: RoleUser, Parts: []UIPart{{Type: "text", Text: "a"}}},
		{ID: "2", Role: RoleAssistant, Parts: []UIPart{{Type: "text", Text: "b"}}},
		{ID: "3", Role: RoleUser, Parts: []UIPart{{Type: "text", Text: "c"}, {Type: "text", Text: "d"}}},
	}

	m, ok := LatestByRole(msgs, RoleUser)
	assert.True(t, ok)
	assert.Equal(t, "3", m.ID)
	assert.Equal(t, "cd", m.Text())

	_, ok = LatestByRole(msgs, RoleSystem)
	assert.False(t, ok)
}
