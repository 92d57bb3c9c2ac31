package model

import "time"

// MatchMethod identifies the lookup strategy that produced a publication
// correlation. The set is fixed; downstream rules depend on it.
type MatchMethod string

const (
	// MatchNCTExact is a literature-index hit on the trial's own identifier.
	MatchNCTExact MatchMethod = "nct_exact"
	// MatchSecondaryExact is a hit on one of the trial's alternate identifiers.
	MatchSecondaryExact MatchMethod = "secondary_exact"
	// MatchDOIExact is a direct resolution of a DOI found in trial metadata.
	MatchDOIExact MatchMethod = "doi_exact"
	// MatchTitleFuzzy is a windowed keyword search ranked by title similarity.
	MatchTitleFuzzy MatchMethod = "title_fuzzy"
)

// MaxConfidence is the confidence assigned to exact-strategy matches.
const MaxConfidence = 100

// PublicationRecord links one publication from the literature index to a
// trial. Records are additive across runs; the (trial, external id) pair is
// the dedup key and triggers replacement rather than a second row.
type PublicationRecord struct {
	ID              string      `json:"id"`
	TrialID         string      `json:"trial_id"`
	ExternalID      string      `json:"external_id"`
	DOI             string      `json:"doi,omitempty"`
	Title           string      `json:"title,omitempty"`
	Journal         string      `json:"journal,omitempty"`
	PublicationDate *time.Time  `json:"publication_date,omitempty"`
	MatchMethod     MatchMethod `json:"match_method"`
	Confidence      int         `json:"confidence"`
	IsFullMatch     bool        `json:"is_full_match"`
	CreatedAt       time.Time   `json:"created_at"`
}

// FullMatch decides whether a method/confidence pair is strong enough to
// propagate into trial-level evidence fields. Exact strategies always
// qualify; fuzzy title matches qualify at or above minConfidence.
func FullMatch(method MatchMethod, confidence, minConfidence int) bool {
	switch method {
	case MatchNCTExact, MatchSecondaryExact, MatchDOIExact:
		return true
	case MatchTitleFuzzy:
		return confidence >= minConfidence
	default:
		return false
	}
}
