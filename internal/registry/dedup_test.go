package registry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncoreg/evidence-cli/internal/model"
	"github.com/oncoreg/evidence-cli/internal/store"
)

var testPriority = []string{"ctgov", "ctis", "euctr"}

func newTestDedup(t *testing.T) (*Deduplicator, store.Store) {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))

	d, err := NewDeduplicator(context.Background(), st, testPriority)
	require.NoError(t, err)
	return d, st
}

func datePtr(y int, m time.Month, day int) *time.Time {
	d := time.Date(y, m, day, 0, 0, 0, 0, time.UTC)
	return &d
}

func ctgovRecord() *model.RegistryRecord {
	return &model.RegistryRecord{
		ID:               "NCT00000001",
		Registry:         "ctgov",
		Title:            "A Phase 3 Study of Widgetumab",
		Phase:            "PHASE3",
		Status:           "COMPLETED",
		Sponsor:          "Widget Oncology Inc",
		Conditions:       "Advanced Solid Tumors",
		Link:             "https://clinicaltrials.gov/study/NCT00000001",
		CompletionDate:   datePtr(2021, 6, 30),
		LastSourceUpdate: datePtr(2023, 1, 10),
	}
}

func euctrRecord() *model.RegistryRecord {
	return &model.RegistryRecord{
		ID:               "EUCTR2020-001",
		Registry:         "euctr",
		CrossLinkIDs:     []string{"NCT00000001"},
		Title:            "Widgetumab Phase III (EU)",
		Status:           "Completed",
		Interventions:    "Widgetumab 10mg",
		Link:             "https://www.clinicaltrialsregister.eu/EUCTR2020-001",
		LastSourceUpdate: datePtr(2023, 5, 2),
	}
}

func TestIngest_NewTrial(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	require.NoError(t, d.Ingest(ctx, ctgovRecord()))

	got, err := st.GetTrial(ctx, "NCT00000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"ctgov"}, got.Origins)
	assert.Equal(t, "PHASE3", got.Phase)
	assert.Equal(t, []string{"https://clinicaltrials.gov/study/NCT00000001"}, got.Links)
	assert.Empty(t, got.AlternateIDs)
}

func TestIngest_CrossLinkMerges(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	require.NoError(t, d.Ingest(ctx, ctgovRecord()))
	require.NoError(t, d.Ingest(ctx, euctrRecord()))

	got, err := st.GetTrial(ctx, "NCT00000001")
	require.NoError(t, err)
	require.NotNil(t, got)

	// Exactly one row.
	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 1)

	assert.Equal(t, []string{"ctgov", "euctr"}, got.Origins)
	assert.Equal(t, []string{"EUCTR2020-001"}, got.AlternateIDs)
	// Native registry keeps conflicting fields.
	assert.Equal(t, "A Phase 3 Study of Widgetumab", got.Title)
	// Absent fields are filled from the secondary record.
	assert.Equal(t, "Widgetumab 10mg", got.Interventions)
	// Links concatenate.
	assert.Equal(t, []string{
		"https://clinicaltrials.gov/study/NCT00000001",
		"https://www.clinicaltrialsregister.eu/EUCTR2020-001",
	}, got.Links)
	// Newest source update wins.
	require.NotNil(t, got.LastSourceUpdate)
	assert.Equal(t, "2023-05-02", model.FormatDate(got.LastSourceUpdate))
}

func TestIngest_HigherPriorityRegistryOverwrites(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// euctr arrives first and becomes the canonical row.
	require.NoError(t, d.Ingest(ctx, euctrRecord()))
	// ctgov outranks euctr, so its fields overwrite on merge.
	rec := ctgovRecord()
	rec.CrossLinkIDs = []string{"EUCTR2020-001"}
	require.NoError(t, d.Ingest(ctx, rec))

	got, err := st.GetTrial(ctx, "EUCTR2020-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "A Phase 3 Study of Widgetumab", got.Title)
	assert.Equal(t, "COMPLETED", got.Status)
	assert.Contains(t, got.AlternateIDs, "NCT00000001")
}

func TestIngest_DanglingCrossLinkInsertsAsNew(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// The cross-linked NCT id does not exist yet.
	require.NoError(t, d.Ingest(ctx, euctrRecord()))

	got, err := st.GetTrial(ctx, "EUCTR2020-001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"euctr"}, got.Origins)
	// The dangling link is retained as an alternate.
	assert.Equal(t, []string{"NCT00000001"}, got.AlternateIDs)
}

func TestIngest_LateLinkFoldsIntoEarlierRow(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// euctr inserted first with a dangling link; the ctgov record arrives
	// later and must fold into the existing row, not create a second one.
	require.NoError(t, d.Ingest(ctx, euctrRecord()))
	require.NoError(t, d.Ingest(ctx, ctgovRecord()))

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "EUCTR2020-001", trials[0].PrimaryID)
	assert.ElementsMatch(t, []string{"ctgov", "euctr"}, trials[0].Origins)
	assert.Contains(t, trials[0].AlternateIDs, "NCT00000001")
}

func TestIngest_EliminatesEarlierDuplicateRow(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// Both rows inserted independently before any cross-link was visible.
	require.NoError(t, d.Ingest(ctx, ctgovRecord()))
	unlinked := euctrRecord()
	unlinked.CrossLinkIDs = nil
	require.NoError(t, d.Ingest(ctx, unlinked))

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 2)

	// A re-fetch of the euctr record now carries the cross-link.
	require.NoError(t, d.Ingest(ctx, euctrRecord()))

	trials, err = st.ListTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "NCT00000001", trials[0].PrimaryID)
	assert.Contains(t, trials[0].AlternateIDs, "EUCTR2020-001")
	assert.ElementsMatch(t, []string{"ctgov", "euctr"}, trials[0].Origins)
}

func TestIngest_DuplicateRowKeepsItsPublications(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// Both rows inserted independently; a scan then attaches a publication
	// to the row that will later turn out to be the duplicate.
	require.NoError(t, d.Ingest(ctx, ctgovRecord()))
	unlinked := euctrRecord()
	unlinked.CrossLinkIDs = nil
	require.NoError(t, d.Ingest(ctx, unlinked))

	scanDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordScan(ctx, "EUCTR2020-001", scanDate, []model.PublicationRecord{{
		TrialID: "EUCTR2020-001", ExternalID: "12345678",
		MatchMethod: model.MatchSecondaryExact, Confidence: 100, IsFullMatch: true,
	}}))

	// The re-fetched euctr record carries the cross-link; the duplicate row
	// is eliminated without losing its publication.
	require.NoError(t, d.Ingest(ctx, euctrRecord()))

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, "NCT00000001", trials[0].PrimaryID)

	pubs, err := st.ListPublications(ctx, "NCT00000001")
	require.NoError(t, err)
	require.Len(t, pubs, 1)
	assert.Equal(t, "12345678", pubs[0].ExternalID)

	orphans, err := st.CountOrphanPublications(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestIngest_UnlistedNativeRegistryKeepsFields(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	// The native registry is absent from the priority list; a listed
	// incoming registry must still not overwrite its fields.
	native := &model.RegistryRecord{
		ID:       "ISRCTN00000001",
		Registry: "isrctn",
		Title:    "Widgetumab Registry Entry",
		Status:   "Completed",
	}
	require.NoError(t, d.Ingest(ctx, native))

	incoming := ctgovRecord()
	incoming.CrossLinkIDs = []string{"ISRCTN00000001"}
	require.NoError(t, d.Ingest(ctx, incoming))

	got, err := st.GetTrial(ctx, "ISRCTN00000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Widgetumab Registry Entry", got.Title)
	assert.Equal(t, "Completed", got.Status)
	// Absent fields still fill from the incoming record.
	assert.Equal(t, "PHASE3", got.Phase)
}

func TestIngest_Idempotent(t *testing.T) {
	d, st := newTestDedup(t)
	ctx := context.Background()

	require.NoError(t, d.Ingest(ctx, ctgovRecord()))
	require.NoError(t, d.Ingest(ctx, euctrRecord()))
	before, err := st.GetTrial(ctx, "NCT00000001")
	require.NoError(t, err)

	// Ingesting the same records again changes nothing.
	require.NoError(t, d.Ingest(ctx, ctgovRecord()))
	require.NoError(t, d.Ingest(ctx, euctrRecord()))

	after, err := st.GetTrial(ctx, "NCT00000001")
	require.NoError(t, err)
	assert.Equal(t, before, after)

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}
