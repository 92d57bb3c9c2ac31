package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/oncoreg/evidence-cli/internal/model"
)

// pgPool is the minimal pgxpool surface the store uses, satisfiable by
// pgxmock in tests.
type pgPool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool pgPool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS trials (
	primary_id           TEXT PRIMARY KEY,
	title                TEXT,
	alternate_ids        TEXT[],
	origins              TEXT[],
	links                TEXT[],
	phase                TEXT,
	status               TEXT,
	sponsor              TEXT,
	conditions           TEXT,
	interventions        TEXT,
	refs                 TEXT[],
	admission_date       DATE,
	completion_date      DATE,
	last_source_update   DATE,
	scan_date            DATE,
	publication_date     DATE,
	publication_lag_days INTEGER,
	evidence_strength    TEXT,
	dead_end             TEXT NOT NULL DEFAULT 'no',
	has_results          TEXT NOT NULL DEFAULT 'no',
	publication_count    INTEGER NOT NULL DEFAULT 0,
	match_methods        TEXT[]
);

CREATE TABLE IF NOT EXISTS trial_publications (
	id               TEXT PRIMARY KEY,
	trial_id         TEXT NOT NULL REFERENCES trials(primary_id),
	external_id      TEXT NOT NULL,
	doi              TEXT,
	title            TEXT,
	journal          TEXT,
	publication_date DATE,
	match_method     TEXT NOT NULL,
	confidence       INTEGER NOT NULL,
	is_full_match    BOOLEAN NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE(trial_id, external_id)
);

CREATE TABLE IF NOT EXISTS lookup_cache (
	signature    TEXT PRIMARY KEY,
	payload      TEXT NOT NULL,
	retrieved_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trial_publications_trial_id ON trial_publications(trial_id);
CREATE INDEX IF NOT EXISTS idx_trial_publications_full ON trial_publications(is_full_match);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) UpsertTrial(ctx context.Context, t *model.Trial) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO trials (`+trialColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (primary_id) DO UPDATE SET
			title = EXCLUDED.title,
			alternate_ids = EXCLUDED.alternate_ids,
			origins = EXCLUDED.origins,
			links = EXCLUDED.links,
			phase = EXCLUDED.phase,
			status = EXCLUDED.status,
			sponsor = EXCLUDED.sponsor,
			conditions = EXCLUDED.conditions,
			interventions = EXCLUDED.interventions,
			refs = EXCLUDED.refs,
			admission_date = EXCLUDED.admission_date,
			completion_date = EXCLUDED.completion_date,
			last_source_update = EXCLUDED.last_source_update,
			scan_date = EXCLUDED.scan_date,
			publication_date = EXCLUDED.publication_date,
			publication_lag_days = EXCLUDED.publication_lag_days,
			evidence_strength = EXCLUDED.evidence_strength,
			dead_end = EXCLUDED.dead_end,
			has_results = EXCLUDED.has_results,
			publication_count = EXCLUDED.publication_count,
			match_methods = EXCLUDED.match_methods`,
		t.PrimaryID, t.Title, t.AlternateIDs, t.Origins, t.Links, t.Phase, t.Status, t.Sponsor,
		t.Conditions, t.Interventions, t.References,
		t.AdmissionDate, t.CompletionDate, t.LastSourceUpdate,
		t.ScanDate, t.PublicationDate, t.PublicationLagDays,
		string(t.EvidenceStrength), yesNo(t.DeadEnd), yesNo(t.HasResults),
		t.PublicationCount, t.MatchMethods,
	)
	return eris.Wrapf(err, "postgres: upsert trial %s", t.PrimaryID)
}

func (s *PostgresStore) GetTrial(ctx context.Context, primaryID string) (*model.Trial, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+trialColumns+` FROM trials WHERE primary_id = $1`, primaryID)
	t, err := scanPgTrial(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get trial %s", primaryID)
	}
	return t, nil
}

func (s *PostgresStore) ListTrials(ctx context.Context) ([]model.Trial, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+trialColumns+` FROM trials ORDER BY primary_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list trials")
	}
	defer rows.Close()

	var trials []model.Trial
	for rows.Next() {
		t, err := scanPgTrial(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan trial")
		}
		trials = append(trials, *t)
	}
	return trials, eris.Wrap(rows.Err(), "postgres: list trials iterate")
}

func (s *PostgresStore) AbsorbTrial(ctx context.Context, canonicalID, duplicateID string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin absorb")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		UPDATE trial_publications SET trial_id = $1
		WHERE trial_id = $2
		AND external_id NOT IN (
			SELECT external_id FROM trial_publications WHERE trial_id = $1
		)`, canonicalID, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "postgres: reparent publications of %s", duplicateID)
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM trial_publications WHERE trial_id = $1`, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "postgres: drop duplicate publications of %s", duplicateID)
	}
	_, err = tx.Exec(ctx,
		`DELETE FROM trials WHERE primary_id = $1`, duplicateID)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete trial %s", duplicateID)
	}
	return eris.Wrap(tx.Commit(ctx), "postgres: commit absorb")
}

func (s *PostgresStore) UpdateDerived(ctx context.Context, t *model.Trial) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE trials SET
			publication_date = $1,
			publication_lag_days = $2,
			evidence_strength = $3,
			dead_end = $4,
			has_results = $5,
			publication_count = $6,
			match_methods = $7
		WHERE primary_id = $8`,
		t.PublicationDate, t.PublicationLagDays, string(t.EvidenceStrength),
		yesNo(t.DeadEnd), yesNo(t.HasResults), t.PublicationCount, t.MatchMethods, t.PrimaryID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update derived %s", t.PrimaryID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("trial not found: %s", t.PrimaryID)
	}
	return nil
}

func (s *PostgresStore) ListPublications(ctx context.Context, trialID string) ([]model.PublicationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+publicationColumns+` FROM trial_publications
		 WHERE trial_id = $1 ORDER BY confidence DESC, external_id`, trialID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: list publications %s", trialID)
	}
	defer rows.Close()
	return collectPgPublications(rows)
}

func (s *PostgresStore) ListAllPublications(ctx context.Context) ([]model.PublicationRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+publicationColumns+` FROM trial_publications ORDER BY trial_id, external_id`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list all publications")
	}
	defer rows.Close()
	return collectPgPublications(rows)
}

func (s *PostgresStore) FullMatchTrialIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT trial_id FROM trial_publications WHERE is_full_match`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: full match trial ids")
	}
	defer rows.Close()

	ids := make(map[string]bool)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, eris.Wrap(err, "postgres: scan full match id")
		}
		ids[id] = true
	}
	return ids, eris.Wrap(rows.Err(), "postgres: full match ids iterate")
}

func (s *PostgresStore) RecordScan(ctx context.Context, trialID string, scanDate time.Time, pubs []model.PublicationRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin scan tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, p := range pubs {
		id := p.ID
		if id == "" {
			id = uuid.New().String()
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO trial_publications
				(id, trial_id, external_id, doi, title, journal, publication_date,
				 match_method, confidence, is_full_match, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (trial_id, external_id) DO UPDATE SET
				doi = EXCLUDED.doi,
				title = EXCLUDED.title,
				journal = EXCLUDED.journal,
				publication_date = EXCLUDED.publication_date,
				match_method = EXCLUDED.match_method,
				confidence = EXCLUDED.confidence,
				is_full_match = EXCLUDED.is_full_match`,
			id, trialID, p.ExternalID, p.DOI, p.Title, p.Journal,
			p.PublicationDate, string(p.MatchMethod), p.Confidence,
			p.IsFullMatch, scanDate.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: upsert publication %s/%s", trialID, p.ExternalID)
		}
	}

	tag, err := tx.Exec(ctx,
		`UPDATE trials SET scan_date = $1 WHERE primary_id = $2`,
		scanDate.UTC(), trialID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: stamp scan date %s", trialID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("trial not found: %s", trialID)
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit scan tx")
}

func (s *PostgresStore) GetCachedLookup(ctx context.Context, signature string) ([]byte, bool, error) {
	var payload string
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM lookup_cache WHERE signature = $1`, signature).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, eris.Wrap(err, "postgres: get cached lookup")
	}
	return []byte(payload), true, nil
}

func (s *PostgresStore) SetCachedLookup(ctx context.Context, signature string, payload []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lookup_cache (signature, payload, retrieved_at)
		VALUES ($1, $2, now())
		ON CONFLICT (signature) DO UPDATE SET
			payload = EXCLUDED.payload,
			retrieved_at = now()`,
		signature, string(payload),
	)
	return eris.Wrap(err, "postgres: set cached lookup")
}

func (s *PostgresStore) ClearLookupCache(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM lookup_cache`)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: clear lookup cache")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountOrphanPublications(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM trial_publications p
		LEFT JOIN trials t ON t.primary_id = p.trial_id
		WHERE t.primary_id IS NULL`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count orphan publications")
	}
	return n, nil
}

func (s *PostgresStore) CountNegativeLag(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM trials WHERE publication_lag_days < 0`).Scan(&n)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: count negative lag")
	}
	return n, nil
}

// helpers

func scanPgTrial(row pgx.Row) (*model.Trial, error) {
	var t model.Trial
	var admission, completion, lastUpdate, scan, pubDate *time.Time
	var lag *int
	var strength, deadEnd, hasResults *string

	err := row.Scan(
		&t.PrimaryID, &t.Title, &t.AlternateIDs, &t.Origins, &t.Links,
		&t.Phase, &t.Status, &t.Sponsor, &t.Conditions, &t.Interventions, &t.References,
		&admission, &completion, &lastUpdate, &scan, &pubDate, &lag,
		&strength, &deadEnd, &hasResults, &t.PublicationCount, &t.MatchMethods,
	)
	if err != nil {
		return nil, err
	}

	t.AdmissionDate = admission
	t.CompletionDate = completion
	t.LastSourceUpdate = lastUpdate
	t.ScanDate = scan
	t.PublicationDate = pubDate
	t.PublicationLagDays = lag
	if strength != nil {
		t.EvidenceStrength = model.EvidenceStrength(*strength)
	}
	t.DeadEnd = deadEnd != nil && *deadEnd == "yes"
	t.HasResults = hasResults != nil && *hasResults == "yes"
	return &t, nil
}

func collectPgPublications(rows pgx.Rows) ([]model.PublicationRecord, error) {
	var pubs []model.PublicationRecord
	for rows.Next() {
		var p model.PublicationRecord
		var doi, title, journal *string
		var pubDate *time.Time
		err := rows.Scan(&p.ID, &p.TrialID, &p.ExternalID, &doi, &title, &journal,
			&pubDate, (*string)(&p.MatchMethod), &p.Confidence, &p.IsFullMatch, &p.CreatedAt)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan publication")
		}
		if doi != nil {
			p.DOI = *doi
		}
		if title != nil {
			p.Title = *title
		}
		if journal != nil {
			p.Journal = *journal
		}
		p.PublicationDate = pubDate
		pubs = append(pubs, p)
	}
	return pubs, eris.Wrap(rows.Err(), "postgres: publications iterate")
}
