// Package status owns the md_data_status table: the single row per URL
// that tracks whether its data has been materialised, is in progress, or
// failed. It is the sole externally visible failure channel a loader
// writes to and the gate every ordinary rewrite consults
// before translating a URL-bearing statement.
package status

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/mohammed-shakir/geosql-mediator/internal/mederr"
)

// Status is one of the three states a data-status record may hold.
type Status string

const (
	Loading Status = "Loading"
	Saved   Status = "Saved"
	Error   Status = "Error"
)

// Record mirrors one row of md_data_status.
type Record struct {
	URL                string
	TableName          string
	Status             Status
	Notes              string
	FetchRequestedUser string
	StatusUpdatedTime  time.Time
	LastUsedTime       time.Time
}

// LoadRequest is the payload published on the notify channel and consumed
// by the daemon.
type LoadRequest struct {
	URL       string `json:"url"`
	Username  string `json:"username"`
	TableName string `json:"table_name"`
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS md_data_status (
	url                  TEXT PRIMARY KEY,
	table_name           TEXT NOT NULL,
	status               TEXT NOT NULL CHECK (status IN ('Loading','Saved','Error')),
	notes                TEXT,
	fetch_requested_user TEXT,
	status_updated_time  TIMESTAMPTZ NOT NULL DEFAULT now(),
	last_used_time       TIMESTAMPTZ
);
CREATE OR REPLACE VIEW md_v_data_status AS
	SELECT url, table_name, status, notes, status_updated_time, last_used_time
	FROM md_data_status;
`

// Store wraps the *sql.DB holding md_data_status. A single Store is owned
// by the rewriter process; loader worker subprocesses open their own
// .
type Store struct {
	db            *sql.DB
	notifyChannel string
}

// Open connects to Postgres using driverName "postgres" (lib/pq) and
// ensures md_data_status / md_v_data_status exist.
func Open(ctx context.Context, dsn string, maxConns int, notifyChannel string) (_ *Store, err error) {
	defer mederr.Wrap(&err, "status.Open")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, notifyChannel: notifyChannel}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for readiness probes and for loaders
// that need a plain handle rather than the Store's higher-level API.
func (s *Store) DB() *sql.DB { return s.db }

// Get returns the record for url, or (Record{}, false, nil) if none exists.
func (s *Store) Get(ctx context.Context, url string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT url, table_name, status, COALESCE(notes, ''), COALESCE(fetch_requested_user, ''),
		       status_updated_time, COALESCE(last_used_time, status_updated_time)
		FROM md_data_status WHERE url = $1`, url)
	var r Record
	var st string
	if err := row.Scan(&r.URL, &r.TableName, &st, &r.Notes, &r.FetchRequestedUser,
		&r.StatusUpdatedTime, &r.LastUsedTime); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	r.Status = Status(st)
	return r, true, nil
}

// EnsureLoading implements step 2: if no record exists, or the
// existing one is in Error, insert/reset it to Loading and report that a
// load request must be published. If a record already exists in Loading or
// Saved, it is left untouched and no publish is required.
//
// The duplicate-while-Error open question is resolved here:
// a repeated md_fetch_data against an Errored URL resets it to Loading and
// re-enqueues, matching the later revision of the original source.
func (s *Store) EnsureLoading(ctx context.Context, url, tableName, user string) (needsPublish bool, err error) {
	defer mederr.Wrap(&err, "status.EnsureLoading(%s)", url)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO md_data_status (url, table_name, status, fetch_requested_user, status_updated_time)
		VALUES ($1, $2, 'Loading', $3, now())
		ON CONFLICT (url) DO UPDATE
			SET status = 'Loading', notes = NULL, fetch_requested_user = $3, status_updated_time = now()
			WHERE md_data_status.status = 'Error'`,
		url, tableName, user)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	// Row existed already in Loading or Saved: idempotent no-op, per the
	// "another writer wins and we proceed without re-enqueuing" rule.
	return false, nil
}

// SetSaved transitions url to Saved. Precondition: status = Loading.
func (s *Store) SetSaved(ctx context.Context, url string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE md_data_status SET status = 'Saved', notes = NULL, status_updated_time = now()
		WHERE url = $1 AND status = 'Loading'`, url)
	if err != nil {
		return fmt.Errorf("status.SetSaved(%s): %w", url, err)
	}
	return nil
}

// SetError transitions url to Error with the given message. Precondition:
// status = Loading. An UPDATE that matches zero rows (because the URL was
// removed mid-flight) is a silent no-op, resolving the md_remove_data race
// open question: a racing loader cannot resurrect a removed row.
func (s *Store) SetError(ctx context.Context, url, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE md_data_status SET status = 'Error', notes = $2, status_updated_time = now()
		WHERE url = $1 AND status = 'Loading'`, url, msg)
	if err != nil {
		return fmt.Errorf("status.SetError(%s): %w", url, err)
	}
	return nil
}

// BumpLastUsed updates last_used_time = now() for every url in urls. Per
// step 4, this is only called for the fully-Saved set.
func (s *Store) BumpLastUsed(ctx context.Context, urls []string) error {
	if len(urls) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE md_data_status SET last_used_time = now() WHERE url = ANY($1)`,
		pq.Array(urls))
	if err != nil {
		return fmt.Errorf("status.BumpLastUsed: %w", err)
	}
	return nil
}

// NotSaved returns the subset of urls whose record is missing or not
// Saved -- exactly the "invalid URLs" set step 4 reports.
func (s *Store) NotSaved(ctx context.Context, urls []string) ([]string, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT url FROM md_data_status WHERE url = ANY($1) AND status = 'Saved'`,
		pq.Array(urls))
	if err != nil {
		return nil, fmt.Errorf("status.NotSaved: %w", err)
	}
	defer rows.Close()

	saved := map[string]bool{}
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, err
		}
		saved[u] = true
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var invalid []string
	for _, u := range urls {
		if !saved[u] {
			invalid = append(invalid, u)
		}
	}
	return invalid, nil
}

// Remove deletes the status row for url and best-effort drops its PostGIS
// table, implementing md_remove_data.
func (s *Store) Remove(ctx context.Context, url string) error {
	var tableName string
	err := s.db.QueryRowContext(ctx, `DELETE FROM md_data_status WHERE url = $1 RETURNING table_name`, url).Scan(&tableName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("status.Remove(%s): %w", url, err)
	}
	if !validIdentifier(tableName) {
		return nil
	}
	_, _ = s.db.ExecContext(ctx, `DROP TABLE IF EXISTS public."`+tableName+`"`)
	return nil
}

// Publish sends a LoadRequest on the configured notification channel
// with pg_notify on a pooled connection of its own. The notification is
// delivered when that statement commits; it is not part of any
// transaction the caller has open.
func (s *Store) Publish(ctx context.Context, req LoadRequest) error {
	b, err := json.Marshal(req)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.notifyChannel, string(b))
	if err != nil {
		return fmt.Errorf("status.Publish(%s): %w", req.URL, err)
	}
	return nil
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		case r == '_':
		default:
			return false
		}
	}
	return true
}
