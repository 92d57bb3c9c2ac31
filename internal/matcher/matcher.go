// Package matcher correlates trials with literature-index publications
// through a sequence of lookup strategies, cheapest and most precise first.
package matcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/oncoreg/evidence-cli/internal/config"
	"github.com/oncoreg/evidence-cli/internal/model"
	"github.com/oncoreg/evidence-cli/internal/store"
	"github.com/oncoreg/evidence-cli/pkg/pubmed"
)

// Stats summarizes one matcher run.
type Stats struct {
	TrialsScanned    int `json:"trials_scanned"`
	TrialsSkipped    int `json:"trials_skipped"`
	Publications     int `json:"publications"`
	FullMatches      int `json:"full_matches"`
	LookupsAttempted int `json:"lookups_attempted"`
	LookupFailures   int `json:"lookup_failures"`
	CacheHits        int `json:"cache_hits"`
}

// budgets tracks the remaining per-strategy lookup allowance for a run.
// Only attempted network calls draw it down; cache hits are free.
type budgets struct {
	exact, secondary, doi, title int
}

func (b *budgets) exhausted() bool {
	return b.exact <= 0 && b.secondary <= 0 && b.doi <= 0 && b.title <= 0
}

// Matcher runs the lookup strategies for a prioritized work list of trials.
type Matcher struct {
	store store.Store
	index pubmed.Index
	cfg   config.MatchConfig
	log   *zap.Logger

	// now is swappable in tests.
	now func() time.Time
}

// New creates a Matcher.
func New(st store.Store, index pubmed.Index, cfg config.MatchConfig) *Matcher {
	return &Matcher{
		store: st,
		index: index,
		cfg:   cfg,
		log:   zap.L().With(zap.String("component", "matcher")),
		now:   time.Now,
	}
}

// Run processes the work list in order until the per-strategy budgets run
// out. Each trial's results are committed atomically before the next trial
// starts, so interrupting between trials is always safe.
func (m *Matcher) Run(ctx context.Context, workList []model.Trial) (Stats, error) {
	b := budgets{
		exact:     m.cfg.Budget.Exact,
		secondary: m.cfg.Budget.Secondary,
		doi:       m.cfg.Budget.DOI,
		title:     m.cfg.Budget.Title,
	}
	var stats Stats

	for i := range workList {
		if err := ctx.Err(); err != nil {
			return stats, eris.Wrap(err, "matcher: interrupted")
		}
		if b.exhausted() {
			stats.TrialsSkipped = len(workList) - i
			m.log.Info("lookup budgets exhausted",
				zap.Int("scanned", stats.TrialsScanned),
				zap.Int("skipped", stats.TrialsSkipped))
			break
		}
		if err := m.scanTrial(ctx, &workList[i], &b, &stats); err != nil {
			return stats, err
		}
		stats.TrialsScanned++
	}
	return stats, nil
}

// scanTrial runs the strategy ladder for one trial and records the outcome.
// A scan that finds nothing still stamps scan_date.
func (m *Matcher) scanTrial(ctx context.Context, t *model.Trial, b *budgets, stats *Stats) error {
	log := m.log.With(zap.String("primary_id", t.PrimaryID))
	var candidates []model.PublicationRecord

	// 1. Exact identifier lookup.
	if b.exact > 0 {
		candidates = m.appendSearchHits(ctx, candidates, t,
			model.MatchNCTExact, pubmed.IDSearchTerm(t.PrimaryID), &b.exact, stats)
	}

	// 2. Secondary identifier lookups.
	for _, alt := range t.AlternateIDs {
		if b.secondary <= 0 || len(candidates) >= m.cfg.PerTrialLinkLimit {
			break
		}
		candidates = m.appendSearchHits(ctx, candidates, t,
			model.MatchSecondaryExact, pubmed.IDSearchTerm(alt), &b.secondary, stats)
	}

	// 3. DOI resolution from registry-reported references.
	for _, doi := range referenceDOIs(t.References) {
		if b.doi <= 0 || len(candidates) >= m.cfg.PerTrialLinkLimit {
			break
		}
		candidates = m.appendSearchHits(ctx, candidates, t,
			model.MatchDOIExact, pubmed.DOISearchTerm(doi), &b.doi, stats)
	}

	// 4. Title-fallback search, scored by similarity.
	if b.title > 0 && len(candidates) < m.cfg.PerTrialLinkLimit {
		if query, ok := titleQuery(t, m.cfg.TitleKeywordLimit, m.cfg.TitleKeywordMinLen,
			m.cfg.TitleYearLookback, m.cfg.TitleYearLookahead); ok {
			candidates = m.appendFuzzyHits(ctx, candidates, t, query, &b.title, stats)
		}
	}

	kept := capCandidates(dedupeCandidates(candidates), m.cfg.PerTrialLinkLimit)
	for i := range kept {
		if kept[i].IsFullMatch {
			stats.FullMatches++
		}
	}
	stats.Publications += len(kept)

	if err := m.store.RecordScan(ctx, t.PrimaryID, m.now(), kept); err != nil {
		return eris.Wrapf(err, "matcher: record scan %s", t.PrimaryID)
	}
	log.Debug("scan complete", zap.Int("publications", len(kept)))
	return nil
}

// appendSearchHits runs one exact-strategy lookup and appends full-metadata
// candidates. Lookup failures downgrade to "no result" for this strategy.
func (m *Matcher) appendSearchHits(ctx context.Context, candidates []model.PublicationRecord,
	t *model.Trial, method model.MatchMethod, term string, budget *int, stats *Stats,
) []model.PublicationRecord {
	pmids, err := m.cachedSearch(ctx, string(method), term, "", budget, stats)
	if err != nil {
		m.log.Warn("lookup failed",
			zap.String("primary_id", t.PrimaryID),
			zap.String("method", string(method)),
			zap.Error(err))
		stats.LookupFailures++
		return candidates
	}

	summaries, err := m.cachedSummaries(ctx, pmids, stats)
	if err != nil {
		m.log.Warn("summary fetch failed",
			zap.String("primary_id", t.PrimaryID),
			zap.Error(err))
		stats.LookupFailures++
		return candidates
	}

	for _, s := range summaries {
		candidates = append(candidates, m.record(t, s, method, model.MaxConfidence))
	}
	return candidates
}

// appendFuzzyHits runs the windowed keyword search and scores each hit by
// title similarity. Sub-threshold hits are still recorded, just never full
// matches.
func (m *Matcher) appendFuzzyHits(ctx context.Context, candidates []model.PublicationRecord,
	t *model.Trial, query string, budget *int, stats *Stats,
) []model.PublicationRecord {
	pmids, err := m.cachedSearch(ctx, string(model.MatchTitleFuzzy), query, windowOf(t, m.cfg), budget, stats)
	if err != nil {
		m.log.Warn("title lookup failed",
			zap.String("primary_id", t.PrimaryID),
			zap.Error(err))
		stats.LookupFailures++
		return candidates
	}

	summaries, err := m.cachedSummaries(ctx, pmids, stats)
	if err != nil {
		m.log.Warn("summary fetch failed",
			zap.String("primary_id", t.PrimaryID),
			zap.Error(err))
		stats.LookupFailures++
		return candidates
	}

	for _, s := range summaries {
		confidence := titleSimilarity(t.Title, s.Title)
		candidates = append(candidates, m.record(t, s, model.MatchTitleFuzzy, confidence))
	}
	return candidates
}

func (m *Matcher) record(t *model.Trial, s pubmed.Summary, method model.MatchMethod, confidence int) model.PublicationRecord {
	return model.PublicationRecord{
		ID:              uuid.New().String(),
		TrialID:         t.PrimaryID,
		ExternalID:      s.PMID,
		DOI:             s.DOI,
		Title:           s.Title,
		Journal:         s.Journal,
		PublicationDate: s.PubDate,
		MatchMethod:     method,
		Confidence:      confidence,
		IsFullMatch:     model.FullMatch(method, confidence, m.cfg.FullMatchMinConfidence),
	}
}

// cachedSearch consults the lookup cache before hitting the index. Only a
// real network attempt consumes budget; cached results, including cached
// empty results, are free.
func (m *Matcher) cachedSearch(ctx context.Context, strategy, term, window string, budget *int, stats *Stats) ([]string, error) {
	sig := signature(strategy, term, window)
	if payload, ok, err := m.store.GetCachedLookup(ctx, sig); err != nil {
		return nil, eris.Wrap(err, "matcher: cache read")
	} else if ok {
		stats.CacheHits++
		var pmids []string
		if err := json.Unmarshal(payload, &pmids); err != nil {
			return nil, eris.Wrap(err, "matcher: decode cached lookup")
		}
		return pmids, nil
	}

	*budget--
	stats.LookupsAttempted++
	pmids, err := m.index.Search(ctx, term)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(pmids)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: encode lookup result")
	}
	if err := m.store.SetCachedLookup(ctx, sig, payload); err != nil {
		return nil, eris.Wrap(err, "matcher: cache write")
	}
	return pmids, nil
}

// cachedSummaries resolves PMIDs to metadata, also through the cache.
// Summary fetches ride on the strategy lookup's budget rather than
// consuming their own.
func (m *Matcher) cachedSummaries(ctx context.Context, pmids []string, stats *Stats) ([]pubmed.Summary, error) {
	if len(pmids) == 0 {
		return nil, nil
	}
	sig := signature("summary", joinSorted(pmids), "")
	if payload, ok, err := m.store.GetCachedLookup(ctx, sig); err != nil {
		return nil, eris.Wrap(err, "matcher: cache read")
	} else if ok {
		stats.CacheHits++
		var summaries []pubmed.Summary
		if err := json.Unmarshal(payload, &summaries); err != nil {
			return nil, eris.Wrap(err, "matcher: decode cached summaries")
		}
		return summaries, nil
	}

	summaries, err := m.index.Summaries(ctx, pmids)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(summaries)
	if err != nil {
		return nil, eris.Wrap(err, "matcher: encode summaries")
	}
	if err := m.store.SetCachedLookup(ctx, sig, payload); err != nil {
		return nil, eris.Wrap(err, "matcher: cache write")
	}
	return summaries, nil
}

// signature builds the normalized cache key for one lookup.
func signature(strategy, term, window string) string {
	sum := sha256.Sum256([]byte(strategy + "|" + term + "|" + window))
	return hex.EncodeToString(sum[:])
}

func windowOf(t *model.Trial, cfg config.MatchConfig) string {
	anchor := t.AnchorDate()
	if anchor == nil {
		return ""
	}
	return strconv.Itoa(anchor.Year()-cfg.TitleYearLookback) + ":" +
		strconv.Itoa(anchor.Year()+cfg.TitleYearLookahead)
}

func joinSorted(ids []string) string {
	sorted := make([]string, len(ids))
	copy(sorted, ids)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}

// dedupeCandidates keeps one record per external id, preferring the first
// seen; strategies run in descending precision so earlier wins.
func dedupeCandidates(candidates []model.PublicationRecord) []model.PublicationRecord {
	seen := make(map[string]bool, len(candidates))
	out := candidates[:0]
	for _, c := range candidates {
		if seen[c.ExternalID] {
			continue
		}
		seen[c.ExternalID] = true
		out = append(out, c)
	}
	return out
}

// capCandidates keeps the highest-confidence records up to limit.
func capCandidates(candidates []model.PublicationRecord, limit int) []model.PublicationRecord {
	if limit <= 0 || len(candidates) <= limit {
		return candidates
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})
	return candidates[:limit]
}
