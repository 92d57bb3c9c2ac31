package matcher

import (
	"sort"
	"time"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// SortByPriority orders a work list so that the limited lookup budget is
// spent where evidence is most likely to change the dataset's read:
// high-phase trials first, then concluded before active, then trials with
// no publication signal yet, then older completion dates. Primary id breaks
// ties to keep runs deterministic.
func SortByPriority(trials []model.Trial, hasSignal map[string]bool) {
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := &trials[i], &trials[j]

		aHigh, bHigh := model.PhaseRank(a.Phase) >= 2, model.PhaseRank(b.Phase) >= 2
		if aHigh != bHigh {
			return aHigh
		}

		aTerm, bTerm := model.IsTerminal(a.Status), model.IsTerminal(b.Status)
		if aTerm != bTerm {
			return aTerm
		}

		aSignal, bSignal := hasSignal[a.PrimaryID], hasSignal[b.PrimaryID]
		if aSignal != bSignal {
			return !aSignal
		}

		if c := compareCompletion(a.CompletionDate, b.CompletionDate); c != 0 {
			return c < 0
		}

		return a.PrimaryID < b.PrimaryID
	})
}

// compareCompletion orders known completion dates oldest first; trials
// without one sort after those with one.
func compareCompletion(a, b *time.Time) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return 1
	case b == nil:
		return -1
	case a.Before(*b):
		return -1
	case b.Before(*a):
		return 1
	default:
		return 0
	}
}
