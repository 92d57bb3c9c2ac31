package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncoreg/evidence-cli/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func date(t *testing.T, s string) *time.Time {
	t.Helper()
	d := model.ParseDate(s)
	require.NotNil(t, d)
	return d
}

func sampleTrial(id string) *model.Trial {
	return &model.Trial{
		PrimaryID:     id,
		Title:         "A Phase 3 Study of Widgetumab in Advanced Disease",
		AlternateIDs:  []string{"EUCTR2020-001"},
		Origins:       []string{"ctgov"},
		Phase:         "PHASE3",
		Status:        "COMPLETED",
		Sponsor:       "Widget Oncology Inc",
		Conditions:    "Advanced Solid Tumors",
		Interventions: "Widgetumab",
	}
}

// --- Trials ---

func TestSQLite_UpsertAndGetTrial(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTrial("NCT00000001")
	tr.CompletionDate = date(t, "2021-06-30")
	require.NoError(t, st.UpsertTrial(ctx, tr))

	got, err := st.GetTrial(ctx, "NCT00000001")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tr.Title, got.Title)
	assert.Equal(t, []string{"EUCTR2020-001"}, got.AlternateIDs)
	assert.Equal(t, []string{"ctgov"}, got.Origins)
	require.NotNil(t, got.CompletionDate)
	assert.Equal(t, "2021-06-30", model.FormatDate(got.CompletionDate))
	assert.Nil(t, got.AdmissionDate)
	assert.False(t, got.DeadEnd)
}

func TestSQLite_GetTrial_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetTrial(context.Background(), "NCT99999999")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_UpsertTrial_Overwrites(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTrial("NCT00000002")
	require.NoError(t, st.UpsertTrial(ctx, tr))

	tr.Status = "TERMINATED"
	tr.AlternateIDs = []string{"EUCTR2020-001", "ISRCTN123"}
	require.NoError(t, st.UpsertTrial(ctx, tr))

	got, err := st.GetTrial(ctx, "NCT00000002")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "TERMINATED", got.Status)
	assert.Equal(t, []string{"EUCTR2020-001", "ISRCTN123"}, got.AlternateIDs)

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestSQLite_ListTrials_Ordered(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000030")))
	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000010")))
	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000020")))

	trials, err := st.ListTrials(ctx)
	require.NoError(t, err)
	require.Len(t, trials, 3)
	assert.Equal(t, "NCT00000010", trials[0].PrimaryID)
	assert.Equal(t, "NCT00000030", trials[2].PrimaryID)
}

func TestSQLite_AbsorbTrial(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000003")))
	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("EUCTR2020-099")))

	require.NoError(t, st.AbsorbTrial(ctx, "NCT00000003", "EUCTR2020-099"))

	got, err := st.GetTrial(ctx, "EUCTR2020-099")
	require.NoError(t, err)
	assert.Nil(t, got)
	got, err = st.GetTrial(ctx, "NCT00000003")
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestSQLite_AbsorbTrial_ReparentsPublications(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000013")))
	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("EUCTR2020-013")))

	scanDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordScan(ctx, "NCT00000013", scanDate, []model.PublicationRecord{{
		TrialID: "NCT00000013", ExternalID: "11111111",
		MatchMethod: model.MatchNCTExact, Confidence: 100, IsFullMatch: true,
	}}))
	// The duplicate row holds one publication of its own and one the
	// canonical trial already has under the same PMID.
	require.NoError(t, st.RecordScan(ctx, "EUCTR2020-013", scanDate, []model.PublicationRecord{
		{
			TrialID: "EUCTR2020-013", ExternalID: "11111111",
			MatchMethod: model.MatchSecondaryExact, Confidence: 100, IsFullMatch: true,
		},
		{
			TrialID: "EUCTR2020-013", ExternalID: "22222222",
			MatchMethod: model.MatchTitleFuzzy, Confidence: 85, IsFullMatch: true,
		},
	}))

	require.NoError(t, st.AbsorbTrial(ctx, "NCT00000013", "EUCTR2020-013"))

	list, err := st.ListPublications(ctx, "NCT00000013")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "11111111", list[0].ExternalID)
	assert.Equal(t, model.MatchNCTExact, list[0].MatchMethod)
	assert.Equal(t, "22222222", list[1].ExternalID)

	orphans, err := st.CountOrphanPublications(ctx)
	require.NoError(t, err)
	assert.Zero(t, orphans)
}

func TestSQLite_UpdateDerived(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTrial("NCT00000004")
	require.NoError(t, st.UpsertTrial(ctx, tr))

	lag := 180
	tr.PublicationDate = date(t, "2022-01-15")
	tr.PublicationLagDays = &lag
	tr.EvidenceStrength = model.EvidenceHigh
	tr.DeadEnd = false
	tr.HasResults = true
	tr.PublicationCount = 2
	tr.MatchMethods = []string{"nct_exact", "title_fuzzy"}
	require.NoError(t, st.UpdateDerived(ctx, tr))

	got, err := st.GetTrial(ctx, "NCT00000004")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.NotNil(t, got.PublicationLagDays)
	assert.Equal(t, 180, *got.PublicationLagDays)
	assert.Equal(t, model.EvidenceHigh, got.EvidenceStrength)
	assert.True(t, got.HasResults)
	assert.Equal(t, 2, got.PublicationCount)
	assert.Equal(t, []string{"nct_exact", "title_fuzzy"}, got.MatchMethods)
}

func TestSQLite_UpdateDerived_MissingTrial(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.UpdateDerived(context.Background(), sampleTrial("NCT99999998"))
	require.Error(t, err)
}

// --- Publications / RecordScan ---

func TestSQLite_RecordScan_InsertsAndStamps(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000005")))

	scanDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	pubs := []model.PublicationRecord{
		{
			TrialID:         "NCT00000005",
			ExternalID:      "12345678",
			Title:           "Widgetumab in advanced disease",
			PublicationDate: date(t, "2022-01-15"),
			MatchMethod:     model.MatchNCTExact,
			Confidence:      100,
			IsFullMatch:     true,
		},
		{
			TrialID:     "NCT00000005",
			ExternalID:  "87654321",
			MatchMethod: model.MatchTitleFuzzy,
			Confidence:  72,
			IsFullMatch: false,
		},
	}
	require.NoError(t, st.RecordScan(ctx, "NCT00000005", scanDate, pubs))

	got, err := st.GetTrial(ctx, "NCT00000005")
	require.NoError(t, err)
	require.NotNil(t, got.ScanDate)
	assert.Equal(t, "2024-03-01", model.FormatDate(got.ScanDate))

	list, err := st.ListPublications(ctx, "NCT00000005")
	require.NoError(t, err)
	require.Len(t, list, 2)
	// Ordered by confidence descending.
	assert.Equal(t, "12345678", list[0].ExternalID)
	assert.Equal(t, model.MatchNCTExact, list[0].MatchMethod)
	assert.True(t, list[0].IsFullMatch)
	assert.Equal(t, 72, list[1].Confidence)
}

func TestSQLite_RecordScan_UpsertsByExternalID(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000006")))

	scanDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	first := []model.PublicationRecord{{
		TrialID: "NCT00000006", ExternalID: "11111111",
		MatchMethod: model.MatchTitleFuzzy, Confidence: 70, IsFullMatch: false,
	}}
	require.NoError(t, st.RecordScan(ctx, "NCT00000006", scanDate, first))

	// Re-scan finds the same PMID with a stronger method.
	second := []model.PublicationRecord{{
		TrialID: "NCT00000006", ExternalID: "11111111",
		MatchMethod: model.MatchNCTExact, Confidence: 100, IsFullMatch: true,
	}}
	require.NoError(t, st.RecordScan(ctx, "NCT00000006", scanDate.AddDate(0, 4, 0), second))

	list, err := st.ListPublications(ctx, "NCT00000006")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, model.MatchNCTExact, list[0].MatchMethod)
	assert.Equal(t, 100, list[0].Confidence)
	assert.True(t, list[0].IsFullMatch)
}

func TestSQLite_RecordScan_EmptyStillStamps(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000007")))

	scanDate := time.Date(2024, 5, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordScan(ctx, "NCT00000007", scanDate, nil))

	got, err := st.GetTrial(ctx, "NCT00000007")
	require.NoError(t, err)
	require.NotNil(t, got.ScanDate)
	assert.Equal(t, "2024-05-10", model.FormatDate(got.ScanDate))

	list, err := st.ListPublications(ctx, "NCT00000007")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestSQLite_RecordScan_MissingTrial(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.RecordScan(context.Background(), "NCT99999997", time.Now(), nil)
	require.Error(t, err)
}

func TestSQLite_FullMatchTrialIDs(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000008")))
	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000009")))

	scanDate := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.RecordScan(ctx, "NCT00000008", scanDate, []model.PublicationRecord{{
		TrialID: "NCT00000008", ExternalID: "22222222",
		MatchMethod: model.MatchDOIExact, Confidence: 100, IsFullMatch: true,
	}}))
	require.NoError(t, st.RecordScan(ctx, "NCT00000009", scanDate, []model.PublicationRecord{{
		TrialID: "NCT00000009", ExternalID: "33333333",
		MatchMethod: model.MatchTitleFuzzy, Confidence: 65, IsFullMatch: false,
	}}))

	ids, err := st.FullMatchTrialIDs(ctx)
	require.NoError(t, err)
	assert.True(t, ids["NCT00000008"])
	assert.False(t, ids["NCT00000009"])
}

// --- Lookup Cache ---

func TestSQLite_LookupCache_SetAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedLookup(ctx, "sig-abc", []byte(`["12345678"]`)))

	payload, ok, err := st.GetCachedLookup(ctx, "sig-abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `["12345678"]`, string(payload))
}

func TestSQLite_LookupCache_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	payload, ok, err := st.GetCachedLookup(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, payload)
}

func TestSQLite_LookupCache_EmptyResultIsCached(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	// A lookup that returned no hits is still a cache entry.
	require.NoError(t, st.SetCachedLookup(ctx, "sig-empty", []byte(`[]`)))

	payload, ok, err := st.GetCachedLookup(ctx, "sig-empty")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `[]`, string(payload))
}

func TestSQLite_LookupCache_Clear(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.SetCachedLookup(ctx, "sig-1", []byte("a")))
	require.NoError(t, st.SetCachedLookup(ctx, "sig-2", []byte("b")))

	n, err := st.ClearLookupCache(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok, err := st.GetCachedLookup(ctx, "sig-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

// --- Acceptance counts ---

func TestSQLite_CountNegativeLag(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	tr := sampleTrial("NCT00000011")
	require.NoError(t, st.UpsertTrial(ctx, tr))

	lag := -30
	tr.PublicationLagDays = &lag
	require.NoError(t, st.UpdateDerived(ctx, tr))

	n, err := st.CountNegativeLag(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSQLite_CountOrphanPublications_NoneWithForeignKeys(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, st.UpsertTrial(ctx, sampleTrial("NCT00000012")))
	require.NoError(t, st.RecordScan(ctx, "NCT00000012",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), []model.PublicationRecord{{
			TrialID: "NCT00000012", ExternalID: "44444444",
			MatchMethod: model.MatchNCTExact, Confidence: 100, IsFullMatch: true,
		}}))

	n, err := st.CountOrphanPublications(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
