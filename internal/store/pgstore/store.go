// Package pgstore is the Postgres implementation of the fetch store, for
// deployments that want the link, attempt log and results in a relational
// database instead of Redis.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/core/observability"
	"github.com/mohammed-shakir/nhis-fetch-gateway/internal/store"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}
	start := time.Now()
	err = pool.Ping(ctx)
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS nhis_link (
	app_user_id        TEXT PRIMARY KEY,
	linked             BOOLEAN NOT NULL DEFAULT FALSE,
	login_method       TEXT NOT NULL DEFAULT '',
	login_org_cd       TEXT NOT NULL DEFAULT '',
	cookie_data        JSONB,
	identity_hash      TEXT NOT NULL DEFAULT '',
	last_fetched_at    TIMESTAMPTZ,
	last_error_code    TEXT NOT NULL DEFAULT '',
	last_error_message TEXT NOT NULL DEFAULT '',
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS nhis_fetch_attempt (
	id            BIGSERIAL PRIMARY KEY,
	app_user_id   TEXT NOT NULL,
	identity_hash TEXT NOT NULL DEFAULT '',
	request_hash  TEXT NOT NULL,
	request_key   TEXT NOT NULL DEFAULT '',
	force_refresh BOOLEAN NOT NULL DEFAULT FALSE,
	ok            BOOLEAN NOT NULL DEFAULT FALSE,
	status_code   INT NOT NULL DEFAULT 0,
	at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_attempt_user_at ON nhis_fetch_attempt (app_user_id, at DESC);

CREATE TABLE IF NOT EXISTS nhis_fetch_result (
	app_user_id   TEXT NOT NULL,
	request_hash  TEXT NOT NULL,
	identity_hash TEXT NOT NULL DEFAULT '',
	request_key   TEXT NOT NULL DEFAULT '',
	targets       TEXT[] NOT NULL DEFAULT '{}',
	year_limit    INT NOT NULL DEFAULT 0,
	from_date     TEXT NOT NULL DEFAULT '',
	to_date       TEXT NOT NULL DEFAULT '',
	subject_type  TEXT NOT NULL DEFAULT '',
	status_code   INT NOT NULL DEFAULT 0,
	ok            BOOLEAN NOT NULL DEFAULT FALSE,
	partial       BOOLEAN NOT NULL DEFAULT FALSE,
	payload       JSONB NOT NULL,
	fetched_at    TIMESTAMPTZ NOT NULL,
	expires_at    TIMESTAMPTZ NOT NULL,
	hit_count     INT NOT NULL DEFAULT 0,
	last_hit_at   TIMESTAMPTZ,
	PRIMARY KEY (app_user_id, request_hash)
);
`

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *Store) GetLink(ctx context.Context, appUserID string) (*store.Link, error) {
	const q = `
		SELECT app_user_id, linked, login_method, login_org_cd, cookie_data,
		       identity_hash, last_fetched_at, last_error_code, last_error_message, updated_at
		FROM nhis_link WHERE app_user_id = $1`
	start := time.Now()
	l, err := scanLink(s.pool.QueryRow(ctx, q, appUserID))
	observability.ObserveStoreOp("link_get", ignoreNoRows(err), time.Since(start).Seconds())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select link %q: %w", appUserID, err)
	}
	return l, nil
}

func (s *Store) PutLink(ctx context.Context, link store.Link) error {
	const q = `
		INSERT INTO nhis_link (app_user_id, linked, login_method, login_org_cd, cookie_data,
			identity_hash, last_fetched_at, last_error_code, last_error_message, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		ON CONFLICT (app_user_id) DO UPDATE SET
			linked = EXCLUDED.linked,
			login_method = EXCLUDED.login_method,
			login_org_cd = EXCLUDED.login_org_cd,
			cookie_data = EXCLUDED.cookie_data,
			identity_hash = EXCLUDED.identity_hash,
			last_fetched_at = EXCLUDED.last_fetched_at,
			last_error_code = EXCLUDED.last_error_code,
			last_error_message = EXCLUDED.last_error_message,
			updated_at = EXCLUDED.updated_at`
	start := time.Now()
	_, err := s.pool.Exec(ctx, q,
		link.AppUserID, link.Linked, link.LoginMethod, link.LoginOrgCd, link.CookieData,
		link.IdentityHash, link.LastFetchedAt, link.LastErrorCode, link.LastErrorMessage,
		orNow(link.UpdatedAt))
	observability.ObserveStoreOp("link_put", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("upsert link %q: %w", link.AppUserID, err)
	}
	return nil
}

func (s *Store) UpdateLink(ctx context.Context, appUserID string, patch store.LinkPatch) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin update link: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const sel = `
		SELECT app_user_id, linked, login_method, login_org_cd, cookie_data,
		       identity_hash, last_fetched_at, last_error_code, last_error_message, updated_at
		FROM nhis_link WHERE app_user_id = $1 FOR UPDATE`
	l, err := scanLink(tx.QueryRow(ctx, sel, appUserID))
	if errors.Is(err, pgx.ErrNoRows) {
		return store.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select link for update %q: %w", appUserID, err)
	}
	l.Apply(patch, time.Now().UTC())

	const upd = `
		UPDATE nhis_link SET linked=$2, cookie_data=$3, identity_hash=$4,
			last_fetched_at=$5, last_error_code=$6, last_error_message=$7, updated_at=$8
		WHERE app_user_id = $1`
	if _, err := tx.Exec(ctx, upd, appUserID, l.Linked, l.CookieData, l.IdentityHash,
		l.LastFetchedAt, l.LastErrorCode, l.LastErrorMessage, l.UpdatedAt); err != nil {
		return fmt.Errorf("update link %q: %w", appUserID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit update link: %w", err)
	}
	return nil
}

func (s *Store) RecordAttempt(ctx context.Context, a store.Attempt) error {
	const q = `
		INSERT INTO nhis_fetch_attempt (app_user_id, identity_hash, request_hash, request_key,
			force_refresh, ok, status_code, at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	start := time.Now()
	_, err := s.pool.Exec(ctx, q, a.AppUserID, a.IdentityHash, a.RequestHash, a.RequestKey,
		a.ForceRefresh, a.OK, a.StatusCode, a.At)
	observability.ObserveStoreOp("attempt_record", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("insert attempt %q: %w", a.AppUserID, err)
	}
	return nil
}

func (s *Store) CountAttempts(ctx context.Context, appUserID string, since time.Time, class store.AttemptClass) (int, error) {
	q := `SELECT count(*) FROM nhis_fetch_attempt WHERE app_user_id = $1 AND at >= $2`
	q += classFilter(class)
	start := time.Now()
	var n int
	err := s.pool.QueryRow(ctx, q, appUserID, since).Scan(&n)
	observability.ObserveStoreOp("attempt_count", err, time.Since(start).Seconds())
	if err != nil {
		return 0, fmt.Errorf("count attempts %q: %w", appUserID, err)
	}
	return n, nil
}

func (s *Store) OldestAttempt(ctx context.Context, appUserID string, since time.Time, class store.AttemptClass) (*time.Time, error) {
	q := `SELECT min(at) FROM nhis_fetch_attempt WHERE app_user_id = $1 AND at >= $2`
	q += classFilter(class)
	start := time.Now()
	var t *time.Time
	err := s.pool.QueryRow(ctx, q, appUserID, since).Scan(&t)
	observability.ObserveStoreOp("attempt_oldest", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("oldest attempt %q: %w", appUserID, err)
	}
	return t, nil
}

func (s *Store) LatestAttempt(ctx context.Context, appUserID string) (*time.Time, error) {
	const q = `SELECT max(at) FROM nhis_fetch_attempt WHERE app_user_id = $1`
	start := time.Now()
	var t *time.Time
	err := s.pool.QueryRow(ctx, q, appUserID).Scan(&t)
	observability.ObserveStoreOp("attempt_latest", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("latest attempt %q: %w", appUserID, err)
	}
	return t, nil
}

func (s *Store) SaveResult(ctx context.Context, r store.Result) error {
	const q = `
		INSERT INTO nhis_fetch_result (app_user_id, request_hash, identity_hash, request_key,
			targets, year_limit, from_date, to_date, subject_type, status_code, ok, partial,
			payload, fetched_at, expires_at, hit_count, last_hit_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		ON CONFLICT (app_user_id, request_hash) DO UPDATE SET
			identity_hash = EXCLUDED.identity_hash,
			request_key = EXCLUDED.request_key,
			targets = EXCLUDED.targets,
			year_limit = EXCLUDED.year_limit,
			from_date = EXCLUDED.from_date,
			to_date = EXCLUDED.to_date,
			subject_type = EXCLUDED.subject_type,
			status_code = EXCLUDED.status_code,
			ok = EXCLUDED.ok,
			partial = EXCLUDED.partial,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			expires_at = EXCLUDED.expires_at,
			hit_count = EXCLUDED.hit_count,
			last_hit_at = EXCLUDED.last_hit_at`
	start := time.Now()
	_, err := s.pool.Exec(ctx, q, r.AppUserID, r.RequestHash, r.IdentityHash, r.RequestKey,
		r.Targets, r.YearLimit, r.FromDate, r.ToDate, r.SubjectType, r.StatusCode, r.OK,
		r.Partial, r.Payload, r.FetchedAt, r.ExpiresAt, r.HitCount, r.LastHitAt)
	observability.ObserveStoreOp("result_save", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("upsert result %q: %w", r.AppUserID, err)
	}
	return nil
}

func (s *Store) GetResult(ctx context.Context, appUserID, requestHash string) (*store.Result, error) {
	const q = `
		SELECT app_user_id, request_hash, identity_hash, request_key, targets, year_limit,
		       from_date, to_date, subject_type, status_code, ok, partial, payload,
		       fetched_at, expires_at, hit_count, last_hit_at
		FROM nhis_fetch_result WHERE app_user_id = $1 AND request_hash = $2`
	start := time.Now()
	r, err := scanResult(s.pool.QueryRow(ctx, q, appUserID, requestHash))
	observability.ObserveStoreOp("result_get", ignoreNoRows(err), time.Since(start).Seconds())
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select result %q: %w", appUserID, err)
	}
	return r, nil
}

func (s *Store) MarkResultHit(ctx context.Context, appUserID, requestHash string, at time.Time) error {
	const q = `
		UPDATE nhis_fetch_result SET hit_count = hit_count + 1, last_hit_at = $3
		WHERE app_user_id = $1 AND request_hash = $2`
	start := time.Now()
	tag, err := s.pool.Exec(ctx, q, appUserID, requestHash, at)
	observability.ObserveStoreOp("result_hit", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("mark result hit %q: %w", appUserID, err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ClearUserResults(ctx context.Context, appUserID string) error {
	const q = `DELETE FROM nhis_fetch_result WHERE app_user_id = $1`
	start := time.Now()
	_, err := s.pool.Exec(ctx, q, appUserID)
	observability.ObserveStoreOp("result_clear", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("clear results %q: %w", appUserID, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func classFilter(class store.AttemptClass) string {
	switch class {
	case store.AttemptFresh:
		return ` AND force_refresh = FALSE`
	case store.AttemptForce:
		return ` AND force_refresh = TRUE`
	default:
		return ``
	}
}

func scanLink(row pgx.Row) (*store.Link, error) {
	var l store.Link
	err := row.Scan(&l.AppUserID, &l.Linked, &l.LoginMethod, &l.LoginOrgCd, &l.CookieData,
		&l.IdentityHash, &l.LastFetchedAt, &l.LastErrorCode, &l.LastErrorMessage, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanResult(row pgx.Row) (*store.Result, error) {
	var r store.Result
	err := row.Scan(&r.AppUserID, &r.RequestHash, &r.IdentityHash, &r.RequestKey, &r.Targets,
		&r.YearLimit, &r.FromDate, &r.ToDate, &r.SubjectType, &r.StatusCode, &r.OK, &r.Partial,
		&r.Payload, &r.FetchedAt, &r.ExpiresAt, &r.HitCount, &r.LastHitAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func ignoreNoRows(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return nil
	}
	return err
}
