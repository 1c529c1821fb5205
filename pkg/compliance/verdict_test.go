package compliance

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegoVerdict_Default(t *testing.T) {
	tests := []struct {
		name      string
		threshold float64
		result    ScreeningResult
		allowed   bool
		reason    string
	}{
		{name: "clean", result: ScreeningResult{RiskScore: 2}, allowed: true},
		{name: "flagged with reason", result: ScreeningResult{Flagged: true, Reason: "OFAC"}, reason: "OFAC"},
		{name: "flagged without reason", result: ScreeningResult{Flagged: true}, reason: "flagged by screening provider"},
		{name: "score ignored without threshold", result: ScreeningResult{RiskScore: 99}, allowed: true},
		{name: "score below threshold", threshold: 8, result: ScreeningResult{RiskScore: 7.9}, allowed: true},
		{name: "score at threshold", threshold: 8, result: ScreeningResult{RiskScore: 8}, reason: "risk score 8 at or above threshold 8"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := NewRegoVerdict(context.Background(), "", tt.threshold)
			require.NoError(t, err)

			verdict, err := v.Decide(context.Background(), tt.result)
			require.NoError(t, err)
			assert.Equal(t, tt.allowed, verdict.Allowed)
			assert.Equal(t, tt.reason, verdict.Reason)
		})
	}
}

func TestRegoVerdict_CustomModule(t *testing.T) {
	module := `package darkwing.compliance

default allow := true

default reason := ""

allow := false if startswith(input.result.address, "Bad")

reason := "blocked prefix" if startswith(input.result.address, "Bad")
`
	v, err := NewRegoVerdict(context.Background(), module, 0)
	require.NoError(t, err)

	verdict, err := v.Decide(context.Background(), ScreeningResult{Address: "BadWallet"})
	require.NoError(t, err)
	assert.False(t, verdict.Allowed)
	assert.Equal(t, "blocked prefix", verdict.Reason)
}

func TestNewRegoVerdict_Rejects(t *testing.T) {
	_, err := NewRegoVerdict(context.Background(), "package broken\nallow if {", 0)
	require.Error(t, err)

	_, err = NewRegoVerdict(context.Background(), "", -1)
	require.Error(t, err)
}
