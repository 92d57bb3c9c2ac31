package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL
// mode. The pragmas ride in the DSN so every pooled connection gets them,
// not just the one that happens to serve the setup statements.
func NewSQLite(path string) (*SQLiteStore, error) {
	dsn := path + "?" + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}, "&")
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS trials (
	primary_id          TEXT PRIMARY KEY,
	title               TEXT,
	alternate_ids       TEXT,
	origins             TEXT,
	links               TEXT,
	phase               TEXT,
	status              TEXT,
	sponsor             TEXT,
	conditions          TEXT,
	interventions       TEXT,
	refs                TEXT,
	admission_date      TEXT,
	completion_date     TEXT,
	last_source_update  TEXT,
	scan_date           TEXT,
	publication_date    TEXT,
	publication_lag_days INTEGER,
	evidence_strength   TEXT,
	dead_end            TEXT NOT NULL DEFAULT 'no',
	has_results         TEXT NOT NULL DEFAULT 'no',
	publication_count   INTEGER NOT NULL DEFAULT 0,
	match_methods       TEXT
);

CREATE TABLE IF NOT EXISTS trial_publications (
	id               TEXT PRIMARY KEY,
	trial_id         TEXT NOT NULL REFERENCES trials(primary_id),
	external_id      TEXT NOT NULL,
	doi              TEXT,
	title            TEXT,
	journal          TEXT,
	publication_date TEXT,
	match_method     TEXT NOT NULL,
	confidence       INTEGER NOT NULL,
	is_full_match    INTEGER NOT NULL,
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	UNIQUE(trial_id, external_id)
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	signature    TEXT PRIMARY KEY,
	payload      TEXT NOT NULL,
	retrieved_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trial_publications_trial_id ON trial_publications(trial_id);
CREATE INDEX IF NOT EXISTS idx_trial_publications_full ON trial_publications(is_full_match);
CREATE INDEX IF NOT EXISTS idx_trials_scan_date ON trials(scan_date);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

const trialColumns = `primary_id, title, alternate_ids, origins, links, phase, status, sponsor,
	conditions, interventions, refs, admission_date, completion_date, last_source_update,
	scan_date, publication_date, publication_lag_days, evidence_strength, dead_end,
	has_results, publication_count, match_methods`

func (s *SQLiteStore) UpsertTrial(ctx context.Context, t *model.Trial) error {
	args, err := trialArgs(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO trials (`+trialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(primary_id) DO UPDATE SET
			title = excluded.title,
			alternate_ids = excluded.alternate_ids,
			origins = excluded.origins,
			links = excluded.links,
			phase = excluded.phase,
			status = excluded.status,
			sponsor = excluded.sponsor,
			conditions = excluded.conditions,
			interventions = excluded.interventions,
			refs = excluded.refs,
			admission_date = excluded.admission_date,
			completion_date = excluded.completion_date,
			last_source_update = excluded.last_source_update,
			scan_date = excluded.scan_date,
			publication_date = excluded.publication_date,
			publication_lag_days = excluded.publication_lag_days,
			evidence_strength = excluded.evidence_strength,
			dead_end = excluded.dead_end,
			has_results = excluded.has_results,
			publication_count = excluded.publication_count,
			match_methods = excluded.match_methods`,
		args...,
	)
	return eris.Wrapf(err, "sqlite: upsert trial %s", t.PrimaryID)
}

func (s *SQLiteStore) GetTrial(ctx context.Context, primaryID string) (*model.Trial, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE primary_id = ?`, primaryID)
	t, err := scanTrial(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get trial %s", primaryID)
	}
	return t, nil
}

func (s *SQLiteStore) ListTrials(ctx context.Context) ([]model.Trial, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+trialColumns+` FROM trials ORDER BY primary_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list trials")
	}
	defer rows.Close()

	var trials []model.Trial
	for rows.Next() {
		t, err := scanTrial(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan trial")
		}
		trials = append(trials, *t)
	}
	return trials, eris.Wrap(rows.Err(), "sqlite: list trials iterate")
}

func (s *SQLiteStore) AbsorbTrial(ctx context.Context, canonicalID, duplicateID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin absorb")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx, `
		UPDATE trial_publications SET trial_id = ?
		WHERE trial_id = ?
		AND external_id NOT IN (
			SELECT external_id FROM trial_publications WHERE trial_id = ?
		)`, canonicalID, duplicateID, canonicalID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: reparent publications of %s", duplicateID)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM trial_publications WHERE trial_id = ?`, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: drop duplicate publications of %s", duplicateID)
	}
	_, err = tx.ExecContext(ctx,
		`DELETE FROM trials WHERE primary_id = ?`, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete trial %s", duplicateID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit absorb")
}

func (s *SQLiteStore) UpdateDerived(ctx context.Context, t *model.Trial) error {
	methods, err := marshalStrings(t.MatchMethods)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal match methods")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE trials SET
			publication_date = ?,
			publication_lag_days = ?,
			evidence_strength = ?,
			dead_end = ?,
			has_results = ?,
			publication_count = ?,
			match_methods = ?
		WHERE primary_id = ?`,
		nullDate(t.PublicationDate), nullInt(t.PublicationLagDays),
		string(t.EvidenceStrength), yesNo(t.DeadEnd), yesNo(t.HasResults),
		t.PublicationCount, methods,
		t.PrimaryID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update derived %s", t.PrimaryID)
	}
	return checkRowsAffected(res, "trial", t.PrimaryID)
}

const publicationColumns = `id, trial_id, external_id, doi, title, journal,
	publication_date, match_method, confidence, is_full_match, created_at`

func (s *SQLiteStore) ListPublications(ctx context.Context, trialID string) ([]model.PublicationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+publicationColumns+` FROM trial_publications
		 WHERE trial_id = ? ORDER BY confidence DESC, external_id`, trialID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: list publications %s", trialID)
	}
	defer rows.Close()
	return collectPublications(rows)
}

func (s *SQLiteStore) ListAllPublications(ctx context.Context) ([]model.PublicationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+publicationColumns+` FROM trial_publications ORDER BY trial_id, external_id`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list all publications")
	}
	defer rows.Close()
	return collectPublications(rows)
}

func (s *SQLiteStore) FullMatchTrialIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT trial_id FROM trial_publications WHERE is_full_match = 1`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: full match trial ids")
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan full match id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: full match ids iterate")
}

func (s *SQLiteStore) RecordScan(ctx context.Context, trialID string, scanDate time.Time, pubs []model.PublicationRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin scan tx")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, p := range pubs {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO trial_publications
				(id, trial_id, external_id, doi, title, journal, publication_date,
				 match_method, confidence, is_full_match, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(trial_id, external_id) DO UPDATE SET
				doi = excluded.doi,
				title = excluded.title,
				journal = excluded.journal,
				publication_date = excluded.publication_date,
				match_method = excluded.match_method,
				confidence = excluded.confidence,
				is_full_match = excluded.is_full_match`,
			id, trialID, p.ExternalID, p.DOI, p.Title, p.Journal,
			nullDate(p.PublicationDate), string(p.MatchMethod), p.Confidence,
			boolInt(p.IsFullMatch), scanDate.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: upsert publication %s/%s", trialID, p.ExternalID)
		}
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE trials SET scan_date = ? WHERE primary_id = ?`,
		scanDate.UTC().Format("2006-01-02"), trialID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: stamp scan date %s", trialID)
	}
	if err := checkRowsAffected(res, "trial", trialID); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit scan tx")
}

func (s *SQLiteStore) GetCachedLookup(ctx context.Context, signature string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT payload FROM lookup_cache WHERE signature = ?`, signature)
	var payload string
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: get cached lookup")
	}
	return []byte(payload), true, nil
}

func (s *SQLiteStore) SetCachedLookup(ctx context.Context, signature string, payload []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO lookup_cache (signature, payload, retrieved_at)
		VALUES (?, ?, ?)
		ON CONFLICT(signature) DO UPDATE SET
			payload = excluded.payload,
			retrieved_at = excluded.retrieved_at`,
		signature, string(payload), time.Now().UTC(),
	)
	return eris.Wrap(err, "sqlite: set cached lookup")
}

func (s *SQLiteStore) ClearLookupCache(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM lookup_cache`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: clear lookup cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) CountOrphanPublications(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM trial_publications p
		LEFT JOIN trials t ON t.primary_id = p.trial_id
		WHERE t.primary_id IS NULL`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count orphan publications")
	}
	return n, nil
}

func (s *SQLiteStore) CountNegativeLag(ctx context.Context) (int, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM trials WHERE publication_lag_days < 0`)
	var n int
	if err := row.Scan(&n); err != nil {
		return 0, eris.Wrap(err, "sqlite: count negative lag")
	}
	return n, nil
}

// helpers

func trialArgs(t *model.Trial) ([]any, error) {
	alts, err := marshalStrings(t.AlternateIDs)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal alternate ids")
	}
	origins, err := marshalStrings(t.Origins)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal origins")
	}
	links, err := marshalStrings(t.Links)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal links")
	}
	refs, err := marshalStrings(t.References)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal references")
	}
	methods, err := marshalStrings(t.MatchMethods)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal match methods")
	}
	return []any{
		t.PrimaryID, t.Title, alts, origins, links, t.Phase, t.Status, t.Sponsor,
		t.Conditions, t.Interventions, refs,
		nullDate(t.AdmissionDate), nullDate(t.CompletionDate), nullDate(t.LastSourceUpdate),
		nullDate(t.ScanDate), nullDate(t.PublicationDate), nullInt(t.PublicationLagDays),
		string(t.EvidenceStrength), yesNo(t.DeadEnd), yesNo(t.HasResults),
		t.PublicationCount, methods,
	}, nil
}

func scanTrial(row scannable) (*model.Trial, error) {
	var t model.Trial
	var alts, origins, links, refs, methods sql.NullString
	var admission, completion, lastUpdate, scan, pubDate sql.NullString
	var lag sql.NullInt64
	var strength, deadEnd, hasResults sql.NullString

	err := row.Scan(
		&t.PrimaryID, &t.Title, &alts, &origins, &links, &t.Phase, &t.Status, &t.Sponsor,
		&t.Conditions, &t.Interventions, &refs,
		&admission, &completion, &lastUpdate, &scan, &pubDate, &lag,
		&strength, &deadEnd, &hasResults, &t.PublicationCount, &methods,
	)
	if err != nil {
		return nil, err
	}

	if t.AlternateIDs, err = unmarshalStrings(alts); err != nil {
		return nil, err
	}
	if t.Origins, err = unmarshalStrings(origins); err != nil {
		return nil, err
	}
	if t.Links, err = unmarshalStrings(links); err != nil {
		return nil, err
	}
	if t.References, err = unmarshalStrings(refs); err != nil {
		return nil, err
	}
	if t.MatchMethods, err = unmarshalStrings(methods); err != nil {
		return nil, err
	}

	t.AdmissionDate = model.ParseDate(admission.String)
	t.CompletionDate = model.ParseDate(completion.String)
	t.LastSourceUpdate = model.ParseDate(lastUpdate.String)
	t.ScanDate = model.ParseDate(scan.String)
	t.PublicationDate = model.ParseDate(pubDate.String)
	if lag.Valid {
		n := int(lag.Int64)
		t.PublicationLagDays = &n
	}
	t.EvidenceStrength = model.EvidenceStrength(strength.String)
	t.DeadEnd = deadEnd.String == "yes"
	t.HasResults = hasResults.String == "yes"
	return &t, nil
}

func collectPublications(rows *sql.Rows) ([]model.PublicationRecord, error) {
	var pubs []model.PublicationRecord
	for rows.Next() {
		var p model.PublicationRecord
		var doi, title, journal, pubDate sql.NullString
		var full int
		err := rows.Scan(&p.ID, &p.TrialID, &p.ExternalID, &doi, &title, &journal,
			&pubDate, (*string)(&p.MatchMethod), &p.Confidence, &full, &p.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan publication")
		}
		p.DOI = doi.String
		p.Title = title.String
		p.Journal = journal.String
		p.PublicationDate = model.ParseDate(pubDate.String)
		p.IsFullMatch = full == 1
		pubs = append(pubs, p)
	}
	return pubs, eris.Wrap(rows.Err(), "sqlite: publications iterate")
}

func marshalStrings(values []string) (string, error) {
	if len(values) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(values)
	return string(b), err
}

func unmarshalStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" || s.String == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal string list")
	}
	return out, nil
}

func nullDate(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format("2006-01-02")
}

func nullInt(n *int) any {
	if n == nil {
		return nil
	}
	return *n
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}
