package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFullMatch(t *testing.T) {
	const minConfidence = 80

	tests := []struct {
		name       string
		method     MatchMethod
		confidence int
		want       bool
	}{
		{"nct exact always qualifies", MatchNCTExact, 100, true},
		{"secondary exact always qualifies", MatchSecondaryExact, 100, true},
		{"doi exact always qualifies", MatchDOIExact, 100, true},
		{"fuzzy at threshold", MatchTitleFuzzy, 80, true},
		{"fuzzy above threshold", MatchTitleFuzzy, 95, true},
		{"fuzzy below threshold", MatchTitleFuzzy, 79, false},
		{"fuzzy at zero", MatchTitleFuzzy, 0, false},
		{"unknown method never qualifies", MatchMethod("manual"), 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FullMatch(tt.method, tt.confidence, minConfidence))
		})
	}
}
