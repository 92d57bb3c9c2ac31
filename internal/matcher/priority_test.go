package matcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/oncoreg/evidence-cli/internal/model"
)

func ids(trials []model.Trial) []string {
	out := make([]string, len(trials))
	for i, tr := range trials {
		out[i] = tr.PrimaryID
	}
	return out
}

func TestSortByPriority(t *testing.T) {
	older := time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)
	newer := time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC)

	trials := []model.Trial{
		{PrimaryID: "NCT_low_phase", Phase: "PHASE1", Status: "COMPLETED"},
		{PrimaryID: "NCT_active", Phase: "PHASE3", Status: "RECRUITING"},
		{PrimaryID: "NCT_newer", Phase: "PHASE3", Status: "COMPLETED", CompletionDate: &newer},
		{PrimaryID: "NCT_has_signal", Phase: "PHASE3", Status: "COMPLETED", CompletionDate: &older},
		{PrimaryID: "NCT_older", Phase: "PHASE3", Status: "COMPLETED", CompletionDate: &older},
	}
	hasSignal := map[string]bool{"NCT_has_signal": true}

	SortByPriority(trials, hasSignal)

	assert.Equal(t, []string{
		"NCT_older",      // high phase, terminal, no signal, oldest completion
		"NCT_newer",      // high phase, terminal, no signal, newer completion
		"NCT_has_signal", // high phase, terminal, but already has evidence
		"NCT_active",     // high phase, still running
		"NCT_low_phase",  // everything else
	}, ids(trials))
}

func TestSortByPriority_TieBreakDeterministic(t *testing.T) {
	trials := []model.Trial{
		{PrimaryID: "NCT_b", Phase: "PHASE3", Status: "COMPLETED"},
		{PrimaryID: "NCT_a", Phase: "PHASE3", Status: "COMPLETED"},
	}
	SortByPriority(trials, nil)
	assert.Equal(t, []string{"NCT_a", "NCT_b"}, ids(trials))
}

func TestSortByPriority_MissingCompletionSortsLast(t *testing.T) {
	known := time.Date(2019, 1, 1, 0, 0, 0, 0, time.UTC)
	trials := []model.Trial{
		{PrimaryID: "NCT_unknown", Phase: "PHASE2", Status: "TERMINATED"},
		{PrimaryID: "NCT_known", Phase: "PHASE2", Status: "TERMINATED", CompletionDate: &known},
	}
	SortByPriority(trials, nil)
	assert.Equal(t, []string{"NCT_known", "NCT_unknown"}, ids(trials))
}
