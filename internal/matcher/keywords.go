package matcher

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"

	"github.com/agext/levenshtein"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// queryStopwords are condition/intervention filler terms that add noise to
// a keyword search without narrowing it.
var queryStopwords = map[string]bool{
	"with": true, "without": true, "study": true, "trial": true,
	"phase": true, "patients": true, "patient": true, "subjects": true,
	"treatment": true, "therapy": true, "disease": true, "cancer": true,
	"advanced": true, "metastatic": true, "versus": true, "placebo": true,
	"combination": true, "randomized": true, "controlled": true,
	"stage": true, "adult": true, "and": true, "the": true, "for": true,
}

var (
	nonWordRe    = regexp.MustCompile(`[^a-z0-9\s]+`)
	multiSpaceRe = regexp.MustCompile(`\s{2,}`)
	doiRe        = regexp.MustCompile(`10\.\d{4,9}/[^\s"'<>]+`)
)

// foldDiacritics strips combining marks so "café" and "cafe" compare equal.
func foldDiacritics(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// normalizeText lowercases, folds diacritics, strips punctuation and
// collapses whitespace.
func normalizeText(s string) string {
	s = strings.ToLower(foldDiacritics(s))
	s = nonWordRe.ReplaceAllString(s, " ")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// titleSimilarity scores two titles 0-100 by normalized edit distance.
func titleSimilarity(a, b string) int {
	na, nb := normalizeText(a), normalizeText(b)
	if na == "" || nb == "" {
		return 0
	}
	return int(levenshtein.Similarity(na, nb, levenshtein.NewParams()) * 100)
}

// extractKeywords pulls at most limit distinct keywords of at least minLen
// characters from free text, in order of appearance.
func extractKeywords(text string, limit, minLen int) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, word := range strings.Fields(normalizeText(text)) {
		if len(word) < minLen || queryStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		keywords = append(keywords, word)
		if len(keywords) >= limit {
			break
		}
	}
	return keywords
}

// titleQuery builds the title-fallback search query: keywords from the
// trial's conditions and interventions, the sponsor as an affiliation
// filter, and a publication-date window around the anchor date. Returns
// ok=false when the trial lacks enough text or an anchor date to build a
// bounded query.
func titleQuery(t *model.Trial, keywordLimit, keywordMinLen, lookbackYears, lookaheadYears int) (string, bool) {
	keywords := extractKeywords(t.Conditions+" "+t.Interventions, keywordLimit, keywordMinLen)
	if len(keywords) == 0 {
		return "", false
	}
	anchor := t.AnchorDate()
	if anchor == nil {
		return "", false
	}

	parts := make([]string, 0, 3)
	parts = append(parts, strings.Join(keywords, " AND "))
	if t.Sponsor != "" {
		parts = append(parts, fmt.Sprintf("%q[Affiliation]", t.Sponsor))
	}
	parts = append(parts, fmt.Sprintf(`("%d"[Date - Publication] : "%d"[Date - Publication])`,
		anchor.Year()-lookbackYears, anchor.Year()+lookaheadYears))

	return strings.Join(parts, " AND "), true
}

// referenceDOIs extracts DOIs embedded in the trial's registry-reported
// references, preserving order and dropping duplicates.
func referenceDOIs(refs []string) []string {
	seen := make(map[string]bool)
	var dois []string
	for _, ref := range refs {
		for _, doi := range doiRe.FindAllString(ref, -1) {
			doi = strings.TrimRight(doi, ".,;)")
			if !seen[doi] {
				seen[doi] = true
				dois = append(dois, doi)
			}
		}
	}
	return dois
}
