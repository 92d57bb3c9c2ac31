// Package registry merges normalized records from multiple trial registries
// into a single canonical store row per trial.
package registry

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/model"
	"github.com/oncoreg/evidence-cli/internal/store"
)

// Deduplicator resolves cross-registry identifier links so that a trial
// registered in several registries lands in exactly one canonical row.
type Deduplicator struct {
	store store.Store
	log   *zap.Logger

	// rank maps registry name to its merge priority; lower is stronger.
	// Registries not listed rank below all listed ones.
	rank map[string]int

	// index maps every known identifier (primary or alternate) to the
	// canonical primary id. Built once per run; the store is assumed to
	// be exclusively ours for the duration.
	index map[string]string
}

// NewDeduplicator builds a Deduplicator with the given registry priority
// order (highest priority first) and loads the identifier index from the
// store.
func NewDeduplicator(ctx context.Context, st store.Store, priority []string) (*Deduplicator, error) {
	d := &Deduplicator{
		store: st,
		log:   zap.L().With(zap.String("component", "dedup")),
		rank:  make(map[string]int, len(priority)),
		index: make(map[string]string),
	}
	for i, reg := range priority {
		d.rank[reg] = i
	}

	trials, err := st.ListTrials(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "dedup: load identifier index")
	}
	for i := range trials {
		d.indexTrial(&trials[i])
	}
	return d, nil
}

func (d *Deduplicator) indexTrial(t *model.Trial) {
	d.index[t.PrimaryID] = t.PrimaryID
	for _, alt := range t.AlternateIDs {
		d.index[alt] = t.PrimaryID
	}
}

// Ingest merges one registry record into the store. A record whose id or
// cross-link ids resolve to an existing trial is merged into that trial;
// everything else becomes a new trial. Cross-link ids pointing at nothing
// are kept as alternates, so a later ingestion of the linked registry's own
// record folds into this row instead of creating a duplicate.
func (d *Deduplicator) Ingest(ctx context.Context, rec *model.RegistryRecord) error {
	canonical := d.resolve(rec)
	if canonical == "" {
		return d.insert(ctx, rec)
	}

	t, err := d.store.GetTrial(ctx, canonical)
	if err != nil {
		return eris.Wrapf(err, "dedup: load canonical trial %s", canonical)
	}
	if t == nil {
		// Index said the id is known but the row is gone; treat as new.
		return d.insert(ctx, rec)
	}

	// The record may itself have been inserted as a standalone trial in an
	// earlier run, before the cross-link was visible. Fold that row in.
	if rec.ID != canonical {
		if dup, err := d.store.GetTrial(ctx, rec.ID); err != nil {
			return eris.Wrapf(err, "dedup: load duplicate trial %s", rec.ID)
		} else if dup != nil {
			d.absorb(t, dup)
			if err := d.store.AbsorbTrial(ctx, canonical, rec.ID); err != nil {
				return eris.Wrapf(err, "dedup: eliminate duplicate %s", rec.ID)
			}
			d.log.Info("merged duplicate trial",
				zap.String("primary_id", canonical),
				zap.String("eliminated", rec.ID))
		}
	}

	d.merge(t, rec)
	if err := d.store.UpsertTrial(ctx, t); err != nil {
		return eris.Wrapf(err, "dedup: upsert merged trial %s", canonical)
	}
	d.indexTrial(t)
	return nil
}

// resolve returns the canonical primary id for a record, or "" when the
// record is unlinked and should be inserted as new. A cross-link naming a
// different known trial takes precedence over the record's own row: that is
// the case where two rows were inserted independently and must collapse
// into one.
func (d *Deduplicator) resolve(rec *model.RegistryRecord) string {
	for _, link := range rec.CrossLinkIDs {
		if id, ok := d.index[link]; ok && id != rec.ID {
			return id
		}
	}
	if id, ok := d.index[rec.ID]; ok {
		return id
	}
	return ""
}

func (d *Deduplicator) insert(ctx context.Context, rec *model.RegistryRecord) error {
	t := &model.Trial{
		PrimaryID:        rec.ID,
		Title:            rec.Title,
		AlternateIDs:     appendMissing(nil, rec.CrossLinkIDs...),
		Origins:          []string{rec.Registry},
		Phase:            rec.Phase,
		Status:           rec.Status,
		Sponsor:          rec.Sponsor,
		Conditions:       rec.Conditions,
		Interventions:    rec.Interventions,
		References:       rec.References,
		AdmissionDate:    rec.AdmissionDate,
		CompletionDate:   rec.CompletionDate,
		LastSourceUpdate: rec.LastSourceUpdate,
	}
	if rec.Link != "" {
		t.Links = []string{rec.Link}
	}
	if err := d.store.UpsertTrial(ctx, t); err != nil {
		return eris.Wrapf(err, "dedup: insert trial %s", rec.ID)
	}
	d.indexTrial(t)
	d.log.Debug("inserted trial",
		zap.String("primary_id", rec.ID),
		zap.String("registry", rec.Registry))
	return nil
}

// merge folds a registry record into an existing canonical trial per the
// priority rules: the canonical row's native registry wins conflicts unless
// the incoming registry ranks strictly higher.
func (d *Deduplicator) merge(t *model.Trial, rec *model.RegistryRecord) {
	t.Origins = appendMissing(t.Origins, rec.Registry)
	if rec.ID != t.PrimaryID {
		t.AlternateIDs = appendMissing(t.AlternateIDs, rec.ID)
	}
	for _, link := range rec.CrossLinkIDs {
		if link != t.PrimaryID {
			t.AlternateIDs = appendMissing(t.AlternateIDs, link)
		}
	}
	if rec.Link != "" {
		t.Links = appendMissing(t.Links, rec.Link)
	}
	t.References = appendMissing(t.References, rec.References...)

	wins := d.outranks(rec.Registry, t)
	mergeField(&t.Title, rec.Title, wins)
	mergeField(&t.Phase, rec.Phase, wins)
	mergeField(&t.Status, rec.Status, wins)
	mergeField(&t.Sponsor, rec.Sponsor, wins)
	mergeField(&t.Conditions, rec.Conditions, wins)
	mergeField(&t.Interventions, rec.Interventions, wins)
	mergeDate(&t.AdmissionDate, rec.AdmissionDate, wins)
	mergeDate(&t.CompletionDate, rec.CompletionDate, wins)

	// Freshness, not priority: the trial is as recently updated as its most
	// recently updated source.
	if rec.LastSourceUpdate != nil &&
		(t.LastSourceUpdate == nil || rec.LastSourceUpdate.After(*t.LastSourceUpdate)) {
		t.LastSourceUpdate = rec.LastSourceUpdate
	}

	d.log.Info("merged registry record",
		zap.String("primary_id", t.PrimaryID),
		zap.String("registry", rec.Registry),
		zap.String("record_id", rec.ID))
}

// absorb folds a duplicate trial row (including anything a previous run
// attached to it) into the canonical one before the duplicate is deleted.
func (d *Deduplicator) absorb(t, dup *model.Trial) {
	t.Origins = appendMissing(t.Origins, dup.Origins...)
	t.AlternateIDs = appendMissing(t.AlternateIDs, dup.PrimaryID)
	for _, alt := range dup.AlternateIDs {
		if alt != t.PrimaryID {
			t.AlternateIDs = appendMissing(t.AlternateIDs, alt)
		}
	}
	t.Links = appendMissing(t.Links, dup.Links...)
	t.References = appendMissing(t.References, dup.References...)

	mergeField(&t.Title, dup.Title, false)
	mergeField(&t.Phase, dup.Phase, false)
	mergeField(&t.Status, dup.Status, false)
	mergeField(&t.Sponsor, dup.Sponsor, false)
	mergeField(&t.Conditions, dup.Conditions, false)
	mergeField(&t.Interventions, dup.Interventions, false)
	mergeDate(&t.AdmissionDate, dup.AdmissionDate, false)
	mergeDate(&t.CompletionDate, dup.CompletionDate, false)
	if dup.LastSourceUpdate != nil &&
		(t.LastSourceUpdate == nil || dup.LastSourceUpdate.After(*t.LastSourceUpdate)) {
		t.LastSourceUpdate = dup.LastSourceUpdate
	}

	for _, id := range dup.AlternateIDs {
		d.index[id] = t.PrimaryID
	}
	d.index[dup.PrimaryID] = t.PrimaryID
}

// outranks reports whether registry strictly outranks the canonical trial's
// native registry. The native registry is the first origin recorded. A
// native registry missing from the priority list keeps its fields: unknown
// rank never forfeits to a listed incoming registry.
func (d *Deduplicator) outranks(registry string, t *model.Trial) bool {
	if len(t.Origins) == 0 {
		return true
	}
	incoming, ok := d.rank[registry]
	if !ok {
		return false
	}
	native, ok := d.rank[t.Origins[0]]
	if !ok {
		return false
	}
	return incoming < native
}

// mergeField fills an empty destination, and overwrites a non-empty one
// only when the incoming registry outranks the native one.
func mergeField(dst *string, src string, wins bool) {
	if src == "" {
		return
	}
	if *dst == "" || wins {
		*dst = src
	}
}

func mergeDate(dst **time.Time, src *time.Time, wins bool) {
	if src == nil {
		return
	}
	if *dst == nil || wins {
		*dst = src
	}
}

// appendMissing appends each value not already present, preserving order.
func appendMissing(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, existing := range dst {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}
