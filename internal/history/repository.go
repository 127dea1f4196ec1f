// Package history keeps a SQLite ledger of finished jobs, one row per job.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/hedgebot/internal/domain"
)

// Schema creates the job_runs table.
const Schema = `
CREATE TABLE IF NOT EXISTS job_runs (
	id TEXT PRIMARY KEY,
	run_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	job_key TEXT NOT NULL,
	label TEXT NOT NULL,
	mode INTEGER NOT NULL,
	status TEXT NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	started_at INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	payload BLOB
);
CREATE INDEX IF NOT EXISTS idx_job_runs_finished ON job_runs(finished_at);
CREATE INDEX IF NOT EXISTS idx_job_runs_run ON job_runs(run_id);
`

// Job kinds
const (
	KindAccount = "account"
	KindGroup   = "group"
)

// Run is one finished job.
type Run struct {
	ID         string
	RunID      string // scheduler run the job belonged to
	Kind       string
	Key        string // encoded secret or group index
	Label      string
	Addresses  []string
	Mode       domain.Mode
	Status     domain.Status
	Error      string
	Report     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// Succeeded reports whether the job ended in a terminal success.
func (r Run) Succeeded() bool {
	return r.Status.TerminalSuccess()
}

// payload holds the variable-length parts of a row.
type payload struct {
	Addresses   []string `msgpack:"addresses"`
	ReportLines []string `msgpack:"report_lines"`
}

// Summary aggregates the ledger.
type Summary struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Repository reads and writes job_runs.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a repository over db. The schema must already exist.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "history").Logger(),
	}
}

// Record inserts run, assigning an id when it has none.
func (r *Repository) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}

	blob, err := msgpack.Marshal(payload{
		Addresses:   run.Addresses,
		ReportLines: splitLines(run.Report),
	})
	if err != nil {
		return fmt.Errorf("failed to encode run payload: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO job_runs (id, run_id, kind, job_key, label, mode, status, error, started_at, finished_at, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.RunID, run.Kind, run.Key, run.Label, int(run.Mode), string(run.Status), run.Error,
		run.StartedAt.Unix(), run.FinishedAt.Unix(), blob,
	)
	if err != nil {
		return fmt.Errorf("failed to insert job run: %w", err)
	}

	r.log.Debug().Str("id", run.ID).Str("label", run.Label).Str("status", string(run.Status)).Msg("Recorded job run")
	return nil
}

// Recent returns up to limit runs, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, run_id, kind, job_key, label, mode, status, error, started_at, finished_at, payload
		FROM job_runs
		ORDER BY finished_at DESC, rowid DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			run               Run
			mode              int
			status            string
			started, finished int64
			blob              []byte
		)
		if err := rows.Scan(&run.ID, &run.RunID, &run.Kind, &run.Key, &run.Label, &mode, &status, &run.Error, &started, &finished, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan job run: %w", err)
		}
		run.Mode = domain.Mode(mode)
		run.Status = domain.Status(status)
		run.StartedAt = time.Unix(started, 0)
		run.FinishedAt = time.Unix(finished, 0)

		if len(blob) > 0 {
			var p payload
			if err := msgpack.Unmarshal(blob, &p); err != nil {
				r.log.Warn().Err(err).Str("id", run.ID).Msg("Failed to decode run payload")
			} else {
				run.Addresses = p.Addresses
				run.Report = strings.Join(p.ReportLines, "\n")
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Summarize counts runs by outcome.
func (r *Repository) Summarize(ctx context.Context) (Summary, error) {
	var s Summary
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status IN (?, ?) THEN 1 ELSE 0 END), 0)
		FROM job_runs`,
		string(domain.StatusCompleted), string(domain.StatusTrue),
	).Scan(&s.Total, &s.Succeeded)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to summarize job runs: %w", err)
	}
	s.Failed = s.Total - s.Succeeded
	return s, nil
}

func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}
