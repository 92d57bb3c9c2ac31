package matcher

import (
	"time"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// Scan modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// NeedsScan decides whether a trial is eligible for a matcher pass this run.
// Trials that already have a full-match publication are only rescanned when
// the source registry reported a recent update; trials without one also
// qualify on a retry interval, and trials never scanned always qualify.
func NeedsScan(t *model.Trial, hasFullMatch bool, now time.Time, refreshDays, retryDaysNoMatch int) bool {
	recentUpdate := t.LastSourceUpdate != nil &&
		model.DaysBetween(*t.LastSourceUpdate, now) <= refreshDays

	if hasFullMatch {
		return recentUpdate
	}
	if recentUpdate {
		return true
	}
	if t.ScanDate == nil {
		return true
	}
	return model.DaysBetween(*t.ScanDate, now) > retryDaysNoMatch
}

// BuildWorkList selects the eligible trials for this run and orders them by
// scan priority. Mode "full" selects everything; "incremental" applies
// NeedsScan. The ordering is deterministic for a given store snapshot.
func BuildWorkList(trials []model.Trial, fullMatch map[string]bool, mode string, now time.Time, refreshDays, retryDaysNoMatch int) []model.Trial {
	var eligible []model.Trial
	for i := range trials {
		if mode == ModeFull || NeedsScan(&trials[i], fullMatch[trials[i].PrimaryID], now, refreshDays, retryDaysNoMatch) {
			eligible = append(eligible, trials[i])
		}
	}
	SortByPriority(eligible, fullMatch)
	return eligible
}
