package swarm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseReview(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		approved bool
	}{
		{"bare approve", "APPROVE", true},
		{"approve with trailing note", "APPROVE - ship it", true},
		{"lowercase approve", "approve, looks good", true},
		{"leading blank lines", "\n\nAPPROVE", true},
		{"revision feedback", "The hook is weak. Rework the opening.", false},
		{"approve mentioned later", "I cannot APPROVE this yet, fix the tone.", false},
		{"empty response", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			approved, feedback := parseReview(tt.text)
			assert.Equal(t, tt.approved, approved)
			if tt.text != "" {
				assert.NotEmpty(t, feedback)
			}
		})
	}
}

func TestParseScore(t *testing.T) {
	tests := []struct {
		name string
		text string
		want float64
	}{
		{"labeled score", "SCORE: 8.5\nStrong hook.", 8.5},
		{"bare number", "7", 7},
		{"number mid-sentence", "I rate this 6 out of 10.", 6},
		{"clamped high", "SCORE: 42", 10},
		{"clamped low", "SCORE: -3", 0},
		{"no number", "excellent work", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, rationale := parseScore(tt.text)
			assert.Equal(t, tt.want, score)
			if tt.text != "" {
				assert.NotEmpty(t, rationale)
			}
		})
	}
}
