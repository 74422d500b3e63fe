package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"github.com/okian/tally/internal/domain/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id   TEXT PRIMARY KEY,
	data TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS submissions (
	id           TEXT PRIMARY KEY,
	seq          INTEGER NOT NULL UNIQUE,
	session_id   TEXT NOT NULL,
	team_id      TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	judge_id     TEXT NOT NULL,
	superseded   INTEGER NOT NULL DEFAULT 0,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS submissions_current
	ON submissions (session_id, team_id, criterion_id, judge_id, superseded);
CREATE TABLE IF NOT EXISTS conflicts (
	id           TEXT PRIMARY KEY,
	session_id   TEXT NOT NULL,
	team_id      TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	active       INTEGER NOT NULL,
	created_at   INTEGER NOT NULL,
	data         TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS conflicts_key
	ON conflicts (session_id, team_id, criterion_id, active);
CREATE TABLE IF NOT EXISTS aggregates (
	session_id   TEXT NOT NULL,
	team_id      TEXT NOT NULL,
	criterion_id TEXT NOT NULL,
	version      INTEGER NOT NULL,
	data         TEXT NOT NULL,
	PRIMARY KEY (session_id, team_id, criterion_id)
);`

// SQLiteStore persists records in SQLite. Nested values are stored as JSON
// next to the indexed key columns.
type SQLiteStore struct {
	cfg settings
	db  *sql.DB

	// mu orders sequence assignment with the insert that uses it.
	mu  sync.Mutex
	seq uint64
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the database at path. ":memory:" keeps it in
// process.
func OpenSQLite(ctx context.Context, path string, opts ...Option) (*SQLiteStore, error) {
	cfg := defaults()
	for _, opt := range opts {
		opt(&cfg)
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	// sqlite serializes writers; one connection also keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	s := &SQLiteStore{cfg: cfg, db: db}
	if err := db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM submissions`).Scan(&s.seq); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to read sequence: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, sess model.Session) error {
	defer observe("sqlite", "save_session", time.Now())
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, data) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET data = excluded.data`,
		sess.ID, string(data))
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (model.Session, error) {
	var sess model.Session
	err := getJSON(ctx, s.db, &sess, `SELECT data FROM sessions WHERE id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return sess, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return sess, err
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]model.Session, error) {
	return listJSON[model.Session](ctx, s.db, `SELECT data FROM sessions ORDER BY id`)
}

func (s *SQLiteStore) AppendSubmission(ctx context.Context, sub model.Submission) (model.Submission, error) {
	defer observe("sqlite", "append_submission", time.Now())
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub.ID == "" {
		sub.ID = s.cfg.newID()
	}
	if sub.ServerTimestamp.IsZero() {
		sub.ServerTimestamp = s.cfg.now()
	}
	sub.Sequence = s.seq + 1
	sub.Superseded = false

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Submission{}, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	k := sub.Key
	rows, err := tx.QueryContext(ctx,
		`SELECT data FROM submissions WHERE session_id = ? AND team_id = ? AND criterion_id = ? AND judge_id = ? AND superseded = 0`,
		k.SessionID, k.TeamID, k.CriterionID, sub.JudgeID)
	if err != nil {
		return model.Submission{}, err
	}
	prior, err := scanJSON[model.Submission](rows)
	if err != nil {
		return model.Submission{}, err
	}
	for _, p := range prior {
		p.Superseded = true
		if err := updateSubmission(ctx, tx, p); err != nil {
			return model.Submission{}, err
		}
	}

	data, err := json.Marshal(sub)
	if err != nil {
		return model.Submission{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO submissions (id, seq, session_id, team_id, criterion_id, judge_id, superseded, data)
		 VALUES (?, ?, ?, ?, ?, ?, 0, ?)`,
		sub.ID, sub.Sequence, k.SessionID, k.TeamID, k.CriterionID, sub.JudgeID, string(data)); err != nil {
		return model.Submission{}, fmt.Errorf("insert submission: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.Submission{}, err
	}
	s.seq = sub.Sequence
	return sub, nil
}

func updateSubmission(ctx context.Context, tx *sql.Tx, sub model.Submission) error {
	data, err := json.Marshal(sub)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `UPDATE submissions SET superseded = ?, data = ? WHERE id = ?`,
		boolInt(sub.Superseded), string(data), sub.ID)
	return err
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, id string) (model.Submission, error) {
	var sub model.Submission
	err := getJSON(ctx, s.db, &sub, `SELECT data FROM submissions WHERE id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return sub, fmt.Errorf("submission %s: %w", id, ErrNotFound)
	}
	return sub, err
}

func (s *SQLiteStore) CurrentSubmission(ctx context.Context, key model.ScoreKey, judgeID string) (model.Submission, error) {
	var sub model.Submission
	err := getJSON(ctx, s.db, &sub,
		`SELECT data FROM submissions WHERE session_id = ? AND team_id = ? AND criterion_id = ? AND judge_id = ? AND superseded = 0`,
		key.SessionID, key.TeamID, key.CriterionID, judgeID)
	if errors.Is(err, ErrNotFound) {
		return sub, fmt.Errorf("current submission %s by %s: %w", key, judgeID, ErrNotFound)
	}
	return sub, err
}

func (s *SQLiteStore) CurrentByKey(ctx context.Context, key model.ScoreKey) ([]model.Submission, error) {
	defer observe("sqlite", "current_by_key", time.Now())
	return listJSON[model.Submission](ctx, s.db,
		`SELECT data FROM submissions WHERE session_id = ? AND team_id = ? AND criterion_id = ? AND superseded = 0 ORDER BY judge_id`,
		key.SessionID, key.TeamID, key.CriterionID)
}

func (s *SQLiteStore) CurrentBySession(ctx context.Context, sessionID string) ([]model.Submission, error) {
	return listJSON[model.Submission](ctx, s.db,
		`SELECT data FROM submissions WHERE session_id = ? AND superseded = 0 ORDER BY seq`, sessionID)
}

func (s *SQLiteStore) History(ctx context.Context, key model.ScoreKey, judgeID string) ([]model.Submission, error) {
	return listJSON[model.Submission](ctx, s.db,
		`SELECT data FROM submissions WHERE session_id = ? AND team_id = ? AND criterion_id = ? AND judge_id = ? ORDER BY seq`,
		key.SessionID, key.TeamID, key.CriterionID, judgeID)
}

func (s *SQLiteStore) SetSubmissionStatus(ctx context.Context, status model.SyncStatus, ids ...string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	for _, id := range ids {
		var sub model.Submission
		if err := getJSON(ctx, tx, &sub, `SELECT data FROM submissions WHERE id = ?`, id); err != nil {
			return fmt.Errorf("submission %s: %w", id, err)
		}
		sub.Status = status
		if err := updateSubmission(ctx, tx, sub); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveConflict(ctx context.Context, c model.Conflict) error {
	defer observe("sqlite", "save_conflict", time.Now())
	data, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conflicts (id, session_id, team_id, criterion_id, active, created_at, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET active = excluded.active, data = excluded.data`,
		c.ID, c.Key.SessionID, c.Key.TeamID, c.Key.CriterionID, boolInt(c.Status.Active()), c.CreatedAt.UnixNano(), string(data))
	return err
}

func (s *SQLiteStore) GetConflict(ctx context.Context, id string) (model.Conflict, error) {
	var c model.Conflict
	err := getJSON(ctx, s.db, &c, `SELECT data FROM conflicts WHERE id = ?`, id)
	if errors.Is(err, ErrNotFound) {
		return c, fmt.Errorf("conflict %s: %w", id, ErrNotFound)
	}
	return c, err
}

func (s *SQLiteStore) ActiveConflict(ctx context.Context, key model.ScoreKey) (model.Conflict, error) {
	var c model.Conflict
	err := getJSON(ctx, s.db, &c,
		`SELECT data FROM conflicts WHERE session_id = ? AND team_id = ? AND criterion_id = ? AND active = 1
		 ORDER BY created_at DESC LIMIT 1`,
		key.SessionID, key.TeamID, key.CriterionID)
	if errors.Is(err, ErrNotFound) {
		return c, fmt.Errorf("active conflict for %s: %w", key, ErrNotFound)
	}
	return c, err
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, sessionID string) ([]model.Conflict, error) {
	return listJSON[model.Conflict](ctx, s.db,
		`SELECT data FROM conflicts WHERE session_id = ? ORDER BY created_at, id`, sessionID)
}

func (s *SQLiteStore) UpsertAggregate(ctx context.Context, agg model.AggregatedScore) (model.AggregatedScore, error) {
	defer observe("sqlite", "upsert_aggregate", time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.AggregatedScore{}, err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	k := agg.Key
	var version int64
	err = tx.QueryRowContext(ctx,
		`SELECT version FROM aggregates WHERE session_id = ? AND team_id = ? AND criterion_id = ?`,
		k.SessionID, k.TeamID, k.CriterionID).Scan(&version)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.AggregatedScore{}, err
	}
	agg.Version = version + 1
	data, err := json.Marshal(agg)
	if err != nil {
		return model.AggregatedScore{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO aggregates (session_id, team_id, criterion_id, version, data) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, team_id, criterion_id) DO UPDATE SET version = excluded.version, data = excluded.data`,
		k.SessionID, k.TeamID, k.CriterionID, agg.Version, string(data)); err != nil {
		return model.AggregatedScore{}, err
	}
	return agg, tx.Commit()
}

func (s *SQLiteStore) GetAggregate(ctx context.Context, key model.AggregateKey) (model.AggregatedScore, error) {
	var agg model.AggregatedScore
	err := getJSON(ctx, s.db, &agg,
		`SELECT data FROM aggregates WHERE session_id = ? AND team_id = ? AND criterion_id = ?`,
		key.SessionID, key.TeamID, key.CriterionID)
	if errors.Is(err, ErrNotFound) {
		return agg, fmt.Errorf("aggregate %s/%s/%s: %w", key.SessionID, key.TeamID, key.CriterionID, ErrNotFound)
	}
	return agg, err
}

func (s *SQLiteStore) ListAggregates(ctx context.Context, sessionID string) ([]model.AggregatedScore, error) {
	return listJSON[model.AggregatedScore](ctx, s.db,
		`SELECT data FROM aggregates WHERE session_id = ? ORDER BY team_id, criterion_id`, sessionID)
}

// Close closes the database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getJSON(ctx context.Context, q querier, dst any, query string, args ...any) error {
	var data string
	if err := q.QueryRowContext(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return json.Unmarshal([]byte(data), dst)
}

func listJSON[T any](ctx context.Context, q querier, query string, args ...any) ([]T, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanJSON[T](rows)
}

func scanJSON[T any](rows *sql.Rows) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var v T
		if err := json.Unmarshal([]byte(data), &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
