package store

import (
	"context"
	"time"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// Store defines the persistence interface shared by the deduplicator, the
// matcher, and the signal calculator. Both the trial store and the lookup
// cache are process-wide persisted state: they are opened at run start,
// reused across runs, and closed at run end — never module-level singletons.
type Store interface {
	// Trials
	UpsertTrial(ctx context.Context, t *model.Trial) error
	GetTrial(ctx context.Context, primaryID string) (*model.Trial, error)
	ListTrials(ctx context.Context) ([]model.Trial, error)

	// AbsorbTrial removes a duplicate trial row after moving its
	// publication records onto the canonical trial, in one transaction.
	// Publications the canonical trial already holds for the same external
	// id are dropped rather than duplicated.
	AbsorbTrial(ctx context.Context, canonicalID, duplicateID string) error

	// UpdateDerived patches only the derived evidence fields of a trial.
	UpdateDerived(ctx context.Context, t *model.Trial) error

	// Publications
	ListPublications(ctx context.Context, trialID string) ([]model.PublicationRecord, error)
	ListAllPublications(ctx context.Context) ([]model.PublicationRecord, error)

	// FullMatchTrialIDs returns the set of trial ids holding at least one
	// full-match publication record.
	FullMatchTrialIDs(ctx context.Context) (map[string]bool, error)

	// RecordScan atomically upserts the publications found by one matcher
	// pass over a trial and stamps its scan date. A pass that found nothing
	// still stamps the scan date. Records sharing (trial, external id) with
	// an existing row replace it; other existing rows are untouched.
	RecordScan(ctx context.Context, trialID string, scanDate time.Time, pubs []model.PublicationRecord) error

	// Lookup cache
	GetCachedLookup(ctx context.Context, signature string) ([]byte, bool, error)
	SetCachedLookup(ctx context.Context, signature string, payload []byte) error
	ClearLookupCache(ctx context.Context) (int, error)

	// Acceptance queries
	CountOrphanPublications(ctx context.Context) (int, error)
	CountNegativeLag(ctx context.Context) (int, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
