// Package store keeps the history of benchmark sessions in SQLite, including
// the tunnel processes each session spawned so that a later run can reap
// them after a crash.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// Run statuses.
const (
	StatusRunning   = "running"
	StatusFinished  = "finished"
	StatusAbandoned = "abandoned"
)

// isBusyLock reports whether err indicates SQLite database lock (SQLITE_BUSY).
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential backoff.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

type Run struct {
	ID                    string     `json:"id"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	Status                string     `json:"status"`
	EndReason             string     `json:"end_reason,omitempty"`
	TunnelConfig          string     `json:"tunnel_config"`
	Namespaces            int        `json:"namespaces"`
	SuccessCount          int        `json:"success_count"`
	FailureCount          int        `json:"failure_count"`
	AverageThroughputMbps float64    `json:"average_throughput_mbps"`
	TotalSentBytes        uint64     `json:"total_sent_bytes"`
	TotalReceivedBytes    uint64     `json:"total_received_bytes"`
	ElapsedSeconds        float64    `json:"elapsed_seconds"`
	// OwnerPID and OwnerStartedAt identify the orchestrator process running
	// the session, so a live session is never mistaken for a crashed one.
	OwnerPID       int       `json:"owner_pid,omitempty"`
	OwnerStartedAt time.Time `json:"owner_started_at"`
}

type NamespaceResult struct {
	RunID          string  `json:"run_id"`
	Index          int     `json:"index"`
	Namespace      string  `json:"namespace"`
	Port           int     `json:"port"`
	TunnelReady    bool    `json:"tunnel_ready"`
	Success        bool    `json:"success"`
	BytesSent      uint64  `json:"bytes_sent"`
	BytesReceived  uint64  `json:"bytes_received"`
	ThroughputMbps float64 `json:"throughput_mbps"`
	ErrorKind      string  `json:"error_kind,omitempty"`
	Error          string  `json:"error,omitempty"`
}

// TunnelProcess is a spawned tunnel recorded while its session runs.
// StartedAt is the kernel create time, used to detect PID reuse.
type TunnelProcess struct {
	RunID     string    `json:"run_id"`
	Namespace string    `json:"namespace"`
	PID       int       `json:"pid"`
	Command   string    `json:"command"`
	StartedAt time.Time `json:"started_at"`
}

type Store struct {
	db *sql.DB
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	started_at      DATETIME NOT NULL,
	finished_at     DATETIME,
	status          TEXT NOT NULL DEFAULT 'running',
	end_reason      TEXT NOT NULL DEFAULT '',
	tunnel_config   TEXT NOT NULL DEFAULT '',
	namespaces      INTEGER NOT NULL DEFAULT 0,
	success_count   INTEGER NOT NULL DEFAULT 0,
	failure_count   INTEGER NOT NULL DEFAULT 0,
	average_mbps    REAL NOT NULL DEFAULT 0,
	total_sent      INTEGER NOT NULL DEFAULT 0,
	total_received  INTEGER NOT NULL DEFAULT 0,
	elapsed_seconds REAL NOT NULL DEFAULT 0,
	owner_pid       INTEGER NOT NULL DEFAULT 0,
	owner_started_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_runs_started_at ON runs(started_at);

CREATE TABLE IF NOT EXISTS namespace_results (
	run_id          TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	idx             INTEGER NOT NULL,
	namespace       TEXT NOT NULL,
	port            INTEGER NOT NULL,
	tunnel_ready    INTEGER NOT NULL DEFAULT 0,
	success         INTEGER NOT NULL DEFAULT 0,
	bytes_sent      INTEGER NOT NULL DEFAULT 0,
	bytes_received  INTEGER NOT NULL DEFAULT 0,
	throughput_mbps REAL NOT NULL DEFAULT 0,
	error_kind      TEXT NOT NULL DEFAULT '',
	error           TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, idx)
);

CREATE TABLE IF NOT EXISTS tunnel_processes (
	run_id     TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	namespace  TEXT NOT NULL,
	pid        INTEGER NOT NULL,
	command    TEXT NOT NULL DEFAULT '',
	started_at DATETIME NOT NULL,
	PRIMARY KEY (run_id, namespace)
);
`

// DefaultMaxOpenConns is the default connection pool size for concurrent reads.
const DefaultMaxOpenConns = 4

// dsnWithPragmas returns a connection string with WAL, busy_timeout, and perf
// pragmas applied to every new connection.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=temp_store(MEMORY)"
}

// New opens the store. maxOpenConns controls the connection pool size (0 = default 4).
func New(dbPath string, maxOpenConns int) (*Store, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) CreateRun(run *Run) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT INTO runs (id, started_at, status, tunnel_config, namespaces, owner_pid, owner_started_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.StartedAt.UTC(), StatusRunning, run.TunnelConfig, run.Namespaces,
			run.OwnerPID, nullTime(run.OwnerStartedAt),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting run: %w", err)
	}
	run.Status = StatusRunning
	return nil
}

func (s *Store) RecordTunnelProcess(p *TunnelProcess) error {
	err := retryOnBusy(func() error {
		_, e := s.db.Exec(
			`INSERT OR REPLACE INTO tunnel_processes (run_id, namespace, pid, command, started_at) VALUES (?, ?, ?, ?, ?)`,
			p.RunID, p.Namespace, p.PID, p.Command, p.StartedAt.UTC(),
		)
		return e
	})
	if err != nil {
		return fmt.Errorf("inserting tunnel process: %w", err)
	}
	return nil
}

// FinishRun stores the summary and per-namespace rows in one transaction and
// drops the run's tunnel process records, which are no longer needed.
func (s *Store) FinishRun(run *Run, results []NamespaceResult) error {
	finished := time.Now().UTC()
	if run.FinishedAt != nil {
		finished = run.FinishedAt.UTC()
	}
	err := retryOnBusy(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()

		res, err := tx.Exec(
			`UPDATE runs SET finished_at = ?, status = ?, end_reason = ?, success_count = ?, failure_count = ?,
			 average_mbps = ?, total_sent = ?, total_received = ?, elapsed_seconds = ? WHERE id = ?`,
			finished, StatusFinished, run.EndReason, run.SuccessCount, run.FailureCount,
			run.AverageThroughputMbps, int64(run.TotalSentBytes), int64(run.TotalReceivedBytes), run.ElapsedSeconds, run.ID,
		)
		if err != nil {
			return err
		}
		if err := checkRowAffected(res, run.ID); err != nil {
			return err
		}
		for _, r := range results {
			if _, err := tx.Exec(
				`INSERT OR REPLACE INTO namespace_results (run_id, idx, namespace, port, tunnel_ready, success,
				 bytes_sent, bytes_received, throughput_mbps, error_kind, error) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.ID, r.Index, r.Namespace, r.Port, r.TunnelReady, r.Success,
				int64(r.BytesSent), int64(r.BytesReceived), r.ThroughputMbps, r.ErrorKind, r.Error,
			); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(`DELETE FROM tunnel_processes WHERE run_id = ?`, run.ID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("finishing run: %w", err)
	}
	run.Status = StatusFinished
	run.FinishedAt = &finished
	return nil
}

func (s *Store) MarkRunAbandoned(id string) error {
	var result sql.Result
	err := retryOnBusy(func() error {
		var e error
		result, e = s.db.Exec(
			`UPDATE runs SET status = ?, finished_at = ? WHERE id = ? AND status = ?`,
			StatusAbandoned, time.Now().UTC(), id, StatusRunning,
		)
		if e != nil {
			return e
		}
		_, e = s.db.Exec(`DELETE FROM tunnel_processes WHERE run_id = ?`, id)
		return e
	})
	if err != nil {
		return fmt.Errorf("marking run abandoned: %w", err)
	}
	return checkRowAffected(result, id)
}

const runColumns = `id, started_at, finished_at, status, end_reason, tunnel_config, namespaces,
	success_count, failure_count, average_mbps, total_sent, total_received, elapsed_seconds,
	owner_pid, owner_started_at`

// GetRun returns nil, nil when the run does not exist.
func (s *Store) GetRun(id string) (*Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// ListRuns returns the newest runs first. limit <= 0 returns all.
func (s *Store) ListRuns(limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListUnfinishedRuns() ([]*Run, error) {
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM runs WHERE status = ? ORDER BY started_at`, StatusRunning)
	if err != nil {
		return nil, fmt.Errorf("listing unfinished runs: %w", err)
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) ListNamespaceResults(runID string) ([]*NamespaceResult, error) {
	rows, err := s.db.Query(
		`SELECT run_id, idx, namespace, port, tunnel_ready, success, bytes_sent, bytes_received,
		 throughput_mbps, error_kind, error FROM namespace_results WHERE run_id = ? ORDER BY idx`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing namespace results: %w", err)
	}
	defer rows.Close()

	var out []*NamespaceResult
	for rows.Next() {
		var r NamespaceResult
		var sent, received int64
		if err := rows.Scan(&r.RunID, &r.Index, &r.Namespace, &r.Port, &r.TunnelReady, &r.Success,
			&sent, &received, &r.ThroughputMbps, &r.ErrorKind, &r.Error); err != nil {
			return nil, fmt.Errorf("scanning namespace result: %w", err)
		}
		r.BytesSent, r.BytesReceived = uint64(sent), uint64(received)
		out = append(out, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating namespace results: %w", err)
	}
	return out, nil
}

func (s *Store) ListTunnelProcesses(runID string) ([]*TunnelProcess, error) {
	rows, err := s.db.Query(
		`SELECT run_id, namespace, pid, command, started_at FROM tunnel_processes WHERE run_id = ? ORDER BY namespace`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("listing tunnel processes: %w", err)
	}
	defer rows.Close()

	var out []*TunnelProcess
	for rows.Next() {
		var p TunnelProcess
		if err := rows.Scan(&p.RunID, &p.Namespace, &p.PID, &p.Command, &p.StartedAt); err != nil {
			return nil, fmt.Errorf("scanning tunnel process: %w", err)
		}
		out = append(out, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tunnel processes: %w", err)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*Run, error) {
	var run Run
	var finished, ownerStarted sql.NullTime
	var sent, received int64
	err := row.Scan(
		&run.ID, &run.StartedAt, &finished, &run.Status, &run.EndReason, &run.TunnelConfig, &run.Namespaces,
		&run.SuccessCount, &run.FailureCount, &run.AverageThroughputMbps, &sent, &received, &run.ElapsedSeconds,
		&run.OwnerPID, &ownerStarted,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanning run: %w", err)
	}
	if finished.Valid {
		t := finished.Time
		run.FinishedAt = &t
	}
	if ownerStarted.Valid {
		run.OwnerStartedAt = ownerStarted.Time
	}
	run.TotalSentBytes, run.TotalReceivedBytes = uint64(sent), uint64(received)
	return &run, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func scanRuns(rows *sql.Rows) ([]*Run, error) {
	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return runs, nil
}

func checkRowAffected(result sql.Result, id string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	return nil
}
