// Package signals derives trial-level evidence fields from full-match
// publication records. The calculation is a pure function of stored data
// and can be re-run at any time.
package signals

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/model"
	"github.com/oncoreg/evidence-cli/internal/store"
)

// deadEndYears is how long past completion a terminal trial can stay
// unpublished before it is presumed to never publish.
const deadEndYears = 5

// Stats summarizes one calculator pass.
type Stats struct {
	TrialsUpdated int `json:"trials_updated"`
	FullMatches   int `json:"full_matches"`
	DeadEnds      int `json:"dead_ends"`
	// NegativeLags counts publication dates preceding completion: the lag
	// field is withheld for those, never corrected.
	NegativeLags int `json:"negative_lags"`
}

// Calculator recomputes derived evidence fields across the trial store.
type Calculator struct {
	store store.Store
	log   *zap.Logger
	now   func() time.Time
}

// New creates a Calculator.
func New(st store.Store) *Calculator {
	return &Calculator{
		store: st,
		log:   zap.L().With(zap.String("component", "signals")),
		now:   time.Now,
	}
}

// Run recomputes every trial's derived fields from its full-match
// publications and persists them.
func (c *Calculator) Run(ctx context.Context) (Stats, error) {
	trials, err := c.store.ListTrials(ctx)
	if err != nil {
		return Stats{}, eris.Wrap(err, "signals: list trials")
	}

	var stats Stats
	for i := range trials {
		t := &trials[i]
		pubs, err := c.store.ListPublications(ctx, t.PrimaryID)
		if err != nil {
			return stats, eris.Wrapf(err, "signals: list publications %s", t.PrimaryID)
		}

		anomaly := Derive(t, pubs, c.now())
		if anomaly {
			stats.NegativeLags++
			c.log.Warn("publication predates completion, lag withheld",
				zap.String("primary_id", t.PrimaryID))
		}
		if t.PublicationCount > 0 {
			stats.FullMatches++
		}
		if t.DeadEnd {
			stats.DeadEnds++
		}

		if err := c.store.UpdateDerived(ctx, t); err != nil {
			return stats, eris.Wrapf(err, "signals: update derived %s", t.PrimaryID)
		}
		stats.TrialsUpdated++
	}
	return stats, nil
}

// Derive recomputes a trial's derived fields in place from its publication
// records, using only full matches. It returns true when a negative
// publication lag was detected and withheld.
func Derive(t *model.Trial, pubs []model.PublicationRecord, now time.Time) (negativeLag bool) {
	full := fullMatches(pubs)

	t.PublicationCount = len(full)
	t.HasResults = len(full) > 0
	t.MatchMethods = distinctMethods(full)
	t.PublicationDate = earliestDate(full)

	t.PublicationLagDays = nil
	if t.PublicationDate != nil && t.CompletionDate != nil {
		lag := model.DaysBetween(*t.CompletionDate, *t.PublicationDate)
		if lag >= 0 {
			t.PublicationLagDays = &lag
		} else {
			negativeLag = true
		}
	}

	t.DeadEnd = isDeadEnd(t, len(full) > 0, now)
	t.EvidenceStrength = strength(t, len(full) > 0, now)
	return negativeLag
}

// DeadEndHolds reports whether the dead-end presumption is valid for a
// trial: phase >= 2, terminal status, no full-match publication, and a
// completion date more than deadEndYears in the past. Exposed for the
// acceptance checks.
func DeadEndHolds(t *model.Trial, hasFull bool, now time.Time) bool {
	return isDeadEnd(t, hasFull, now)
}

// isDeadEnd: a phase >= 2 trial that concluded more than deadEndYears ago
// with no full-match publication is presumed to never publish.
func isDeadEnd(t *model.Trial, hasFull bool, now time.Time) bool {
	if hasFull || model.PhaseRank(t.Phase) < 2 || !model.IsTerminal(t.Status) {
		return false
	}
	return olderThanYears(t.CompletionDate, now, deadEndYears)
}

func strength(t *model.Trial, hasFull bool, now time.Time) model.EvidenceStrength {
	rank := model.PhaseRank(t.Phase)
	switch {
	case hasFull && rank >= 3:
		return model.EvidenceHigh
	case hasFull && rank == 2:
		return model.EvidenceMedium
	case rank == 1:
		return model.EvidenceLow
	case !hasFull && model.IsTerminal(t.Status) && olderThanYears(t.CompletionDate, now, deadEndYears):
		return model.EvidenceVeryLow
	default:
		return model.EvidenceUnknown
	}
}

func olderThanYears(d *time.Time, now time.Time, years int) bool {
	if d == nil {
		return false
	}
	return d.Before(now.AddDate(-years, 0, 0))
}

func fullMatches(pubs []model.PublicationRecord) []model.PublicationRecord {
	var full []model.PublicationRecord
	for _, p := range pubs {
		if p.IsFullMatch {
			full = append(full, p)
		}
	}
	return full
}

func earliestDate(pubs []model.PublicationRecord) *time.Time {
	var earliest *time.Time
	for _, p := range pubs {
		if p.PublicationDate == nil {
			continue
		}
		if earliest == nil || p.PublicationDate.Before(*earliest) {
			earliest = p.PublicationDate
		}
	}
	return earliest
}

func distinctMethods(pubs []model.PublicationRecord) []string {
	seen := make(map[string]bool)
	var methods []string
	for _, p := range pubs {
		m := string(p.MatchMethod)
		if !seen[m] {
			seen[m] = true
			methods = append(methods, m)
		}
	}
	sort.Strings(methods)
	return methods
}
