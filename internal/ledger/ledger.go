// ledger.go keeps the release history of a project in a SQLite database under
// the project's state directory.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/example/relpack/internal/stage"
	_ "modernc.org/sqlite"
)

// FileName is the ledger database name inside the state directory.
const FileName = "history.db"

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    started_at TEXT NOT NULL,
    finished_at TEXT NOT NULL,
    state TEXT NOT NULL,
    version TEXT,
    git_commit TEXT,
    archive TEXT,
    digest TEXT,
    signed INTEGER NOT NULL DEFAULT 0,
    exit_code INTEGER NOT NULL,
    fatal TEXT
);
CREATE TABLE IF NOT EXISTS run_events (
    run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    seq INTEGER NOT NULL,
    stage TEXT NOT NULL,
    severity TEXT NOT NULL,
    reason TEXT,
    subject TEXT,
    message TEXT NOT NULL,
    PRIMARY KEY(run_id, seq)
);
`

// Run is one recorded release attempt.
type Run struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	State      string    `json:"state"`
	Version    string    `json:"version,omitempty"`
	Commit     string    `json:"commit,omitempty"`
	Archive    string    `json:"archive,omitempty"`
	Digest     string    `json:"digest,omitempty"`
	Signed     bool      `json:"signed"`
	ExitCode   int       `json:"exitCode"`
	Fatal      string    `json:"fatal,omitempty"`
	Events     []Event   `json:"events,omitempty"`
}

// Warnings counts the advisory events of the run.
func (r Run) Warnings() int {
	n := 0
	for _, e := range r.Events {
		if e.Severity == stage.KindSoft.String() {
			n++
		}
	}
	return n
}

// Event is one non-success stage result of a run.
type Event struct {
	Stage    string `json:"stage"`
	Severity string `json:"severity"`
	Reason   string `json:"reason,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Message  string `json:"message"`
}

// EventsFrom keeps the advisory and fatal results; successes are not recorded.
func EventsFrom(results []stage.Result) []Event {
	var out []Event
	for _, r := range results {
		if r.Kind == stage.KindSuccess {
			continue
		}
		out = append(out, Event{
			Stage:    string(r.Stage),
			Severity: r.Severity(),
			Reason:   r.Reason,
			Subject:  r.Subject,
			Message:  r.Message,
		})
	}
	return out
}

// Ledger is an open history database.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger at path.
func Open(path string) (*Ledger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close releases database resources.
func (l *Ledger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

// Record stores run and its events, returning the new run ID.
func (l *Ledger) Record(ctx context.Context, run Run) (int64, error) {
	if l == nil {
		return 0, errors.New("ledger is nil")
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO runs(started_at, finished_at, state, version, git_commit, archive, digest, signed, exit_code, fatal) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		run.StartedAt.UTC().Format(time.RFC3339Nano), run.FinishedAt.UTC().Format(time.RFC3339Nano),
		run.State, run.Version, run.Commit, run.Archive, run.Digest, run.Signed, run.ExitCode, run.Fatal)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO run_events(run_id, seq, stage, severity, reason, subject, message) VALUES(?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for i, e := range run.Events {
		if _, err := stmt.ExecContext(ctx, id, i, e.Stage, e.Severity, e.Reason, e.Subject, e.Message); err != nil {
			return 0, fmt.Errorf("insert run event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// List returns the most recent runs first, with their events. limit <= 0
// returns every run.
func (l *Ledger) List(ctx context.Context, limit int) ([]Run, error) {
	if l == nil {
		return nil, errors.New("ledger is nil")
	}
	query := `SELECT id, started_at, finished_at, state, version, git_commit, archive, digest, signed, exit_code, fatal FROM runs ORDER BY id DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var runs []Run
	for rows.Next() {
		var (
			run               Run
			started, finished string
			version, commit   sql.NullString
			arch, dgst, fatal sql.NullString
		)
		if err := rows.Scan(&run.ID, &started, &finished, &run.State, &version, &commit, &arch, &dgst, &run.Signed, &run.ExitCode, &fatal); err != nil {
			rows.Close()
			return nil, err
		}
		run.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		run.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		run.Version, run.Commit = version.String, commit.String
		run.Archive, run.Digest, run.Fatal = arch.String, dgst.String, fatal.String
		runs = append(runs, run)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}
	for i := range runs {
		events, err := l.events(ctx, runs[i].ID)
		if err != nil {
			return nil, err
		}
		runs[i].Events = events
	}
	return runs, nil
}

func (l *Ledger) events(ctx context.Context, runID int64) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT stage, severity, reason, subject, message FROM run_events WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e               Event
			reason, subject sql.NullString
		)
		if err := rows.Scan(&e.Stage, &e.Severity, &reason, &subject, &e.Message); err != nil {
			return nil, err
		}
		e.Reason, e.Subject = reason.String, subject.String
		out = append(out, e)
	}
	return out, rows.Err()
}
