package pubmed

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// pubDateLayouts are the date shapes esummary emits, most specific first.
var pubDateLayouts = []string{
	"2006 Jan 2",
	"2006 Jan",
	"2006",
}

// ValidPMID reports whether a string looks like a PubMed identifier: all
// digits, between 1 and 8 of them.
func ValidPMID(s string) bool {
	if len(s) == 0 || len(s) > 8 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// ParsePubDate parses an esummary pubdate string ("2024 Jan 3", "2023 Dec",
// "2021"). Season and range forms ("2022 Spring", "2021 Jan-Feb") fall back
// to their year. Returns nil when no year is recoverable.
func ParsePubDate(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range pubDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	if fields := strings.Fields(s); len(fields) > 0 {
		if t, err := time.Parse("2006", fields[0]); err == nil {
			return &t
		}
	}
	return nil
}

// esummary's result object maps each PMID to a record, plus a "uids" key
// listing them; decoding into a map and walking the requested ids keeps the
// order stable.
type summaryRecord struct {
	Title       string `json:"title"`
	FullJournal string `json:"fulljournalname"`
	PubDate     string `json:"pubdate"`
	EPubDate    string `json:"epubdate"`
	ELocationID string `json:"elocationid"`
	ArticleIDs  []struct {
		IDType string `json:"idtype"`
		Value  string `json:"value"`
	} `json:"articleids"`
}

func parseSummaries(body []byte, pmids []string) ([]Summary, error) {
	var resp struct {
		Result map[string]json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, eris.Wrap(err, "pubmed: decode esummary response")
	}

	summaries := make([]Summary, 0, len(pmids))
	for _, pmid := range pmids {
		raw, ok := resp.Result[pmid]
		if !ok {
			continue
		}
		var rec summaryRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			// One malformed record does not spoil the batch.
			continue
		}

		s := Summary{
			PMID:    pmid,
			Title:   strings.TrimSuffix(strings.TrimSpace(rec.Title), "."),
			Journal: rec.FullJournal,
			DOI:     extractDOI(rec),
		}
		if d := ParsePubDate(rec.PubDate); d != nil {
			s.PubDate = d
		} else {
			s.PubDate = ParsePubDate(rec.EPubDate)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func extractDOI(rec summaryRecord) string {
	for _, aid := range rec.ArticleIDs {
		if aid.IDType == "doi" {
			return aid.Value
		}
	}
	// Older records put the DOI in elocationid as "doi: 10.x/y".
	if rest, ok := strings.CutPrefix(rec.ELocationID, "doi: "); ok {
		return rest
	}
	return ""
}
