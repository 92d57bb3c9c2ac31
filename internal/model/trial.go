package model

import (
	"strings"
	"time"
)

// Trial is the canonical cross-registry trial record. One row per trial;
// records from secondary registries that carry a verified cross-link are
// merged into the canonical row and never stored separately.
type Trial struct {
	PrimaryID    string   `json:"primary_id"`
	Title        string   `json:"title"`
	AlternateIDs []string `json:"alternate_ids,omitempty"`
	Origins      []string `json:"origins"`
	Links        []string `json:"links,omitempty"`

	Phase         string `json:"phase,omitempty"`
	Status        string `json:"status,omitempty"`
	Sponsor       string `json:"sponsor,omitempty"`
	Conditions    string `json:"conditions,omitempty"`
	Interventions string `json:"interventions,omitempty"`

	// References holds literature references reported by the registry
	// itself (PubMed or DOI URLs). They seed the doi_exact strategy.
	References []string `json:"references,omitempty"`

	AdmissionDate    *time.Time `json:"admission_date,omitempty"`
	CompletionDate   *time.Time `json:"completion_date,omitempty"`
	LastSourceUpdate *time.Time `json:"last_source_update,omitempty"`

	// ScanDate is set after every matcher pass over this trial, whether or
	// not the pass found anything. Nil means never scanned.
	ScanDate *time.Time `json:"scan_date,omitempty"`

	// Derived fields. Recomputed by the signal calculator, never hand-edited.
	PublicationDate    *time.Time       `json:"publication_date,omitempty"`
	PublicationLagDays *int             `json:"publication_lag_days,omitempty"`
	EvidenceStrength   EvidenceStrength `json:"evidence_strength,omitempty"`
	DeadEnd            bool             `json:"dead_end"`
	HasResults         bool             `json:"has_results"`
	PublicationCount   int              `json:"publication_count"`
	MatchMethods       []string         `json:"publication_match_methods,omitempty"`
}

// EvidenceStrength classifies how well a trial's outcome is externally
// corroborated by full-match publications.
type EvidenceStrength string

const (
	EvidenceHigh    EvidenceStrength = "high"
	EvidenceMedium  EvidenceStrength = "medium"
	EvidenceLow     EvidenceStrength = "low"
	EvidenceVeryLow EvidenceStrength = "very_low"
	EvidenceUnknown EvidenceStrength = "unknown"
)

// RegistryRecord is one normalized record as produced by a registry
// collaborator (ClinicalTrials.gov, CTIS, EUCTR clients). Raw retrieval and
// field-level text normalization happen upstream; the engine only merges.
type RegistryRecord struct {
	ID            string   `json:"id"`
	Registry      string   `json:"registry"`
	CrossLinkIDs  []string `json:"cross_link_ids,omitempty"`
	Title         string   `json:"title,omitempty"`
	Phase         string   `json:"phase,omitempty"`
	Status        string   `json:"status,omitempty"`
	Sponsor       string   `json:"sponsor,omitempty"`
	Conditions    string   `json:"conditions,omitempty"`
	Interventions string   `json:"interventions,omitempty"`
	Link          string   `json:"link,omitempty"`
	References    []string `json:"references,omitempty"`

	AdmissionDate    *time.Time `json:"admission_date,omitempty"`
	CompletionDate   *time.Time `json:"completion_date,omitempty"`
	LastSourceUpdate *time.Time `json:"last_source_update,omitempty"`
}

// terminalStatuses are the statuses under which a trial can no longer
// produce new results of its own.
var terminalStatuses = map[string]bool{
	"COMPLETED":  true,
	"TERMINATED": true,
}

// IsTerminal reports whether a registry status string denotes a concluded
// trial. Comparison is case-insensitive; separators are normalized.
func IsTerminal(status string) bool {
	s := strings.ToUpper(strings.TrimSpace(status))
	s = strings.ReplaceAll(s, " ", "_")
	return terminalStatuses[s]
}

// PhaseRank maps a free-form registry phase string to a numeric rank.
// Combined phases rank at their highest component (PHASE2_PHASE3 -> 3).
// EARLY_PHASE1 ranks as 1. Unknown or non-clinical phases rank as 0.
func PhaseRank(phase string) int {
	p := strings.ToUpper(phase)
	rank := 0
	for i := 0; i < len(p); i++ {
		c := p[i]
		if c >= '1' && c <= '4' {
			if n := int(c - '0'); n > rank {
				rank = n
			}
		}
	}
	return rank
}

// LookupIDs returns the primary identifier followed by all alternates, in
// the order the matcher should try them.
func (t *Trial) LookupIDs() []string {
	ids := make([]string, 0, 1+len(t.AlternateIDs))
	ids = append(ids, t.PrimaryID)
	ids = append(ids, t.AlternateIDs...)
	return ids
}

// AnchorDate returns the date anchoring the title-fallback search window:
// completion date when known, otherwise the admission date.
func (t *Trial) AnchorDate() *time.Time {
	if t.CompletionDate != nil {
		return t.CompletionDate
	}
	return t.AdmissionDate
}
