// Package history keeps a sqlite record of every vina run started by the
// scheduler.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrAlreadyFinished = errors.New("already finished")
)

type Run struct {
	UUID          string
	JobID         string
	Try           int
	InProgress    bool
	Success       *bool
	ExitCode      *int
	FailureReason *string
	OutDir        *string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

type RunRow struct {
	Run
	ID int
}

func (r RunRow) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("uuid: %q, job_id: %q, try: %d, in_progress: %t", r.UUID, r.JobID, r.Try, r.InProgress))
	if r.Success != nil {
		sb.WriteString(fmt.Sprintf(", success: %t", *r.Success))
	}
	if r.ExitCode != nil {
		sb.WriteString(fmt.Sprintf(", exit_code: %d", *r.ExitCode))
	}
	if r.FailureReason != nil {
		sb.WriteString(fmt.Sprintf(", failure_reason: %q", *r.FailureReason))
	}
	if r.OutDir != nil {
		sb.WriteString(fmt.Sprintf(", out_dir: %q", *r.OutDir))
	}
	return sb.String()
}

func InitDB(ctx context.Context, dbPath string) (*sql.DB, error) {
	// the cli reads while the daemon writes
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	_, err = db.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS runs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			uuid TEXT NOT NULL UNIQUE,
			job_id TEXT NOT NULL,
			try INTEGER NOT NULL,
			in_progress BOOLEAN NOT NULL,
			success BOOLEAN DEFAULT NULL,
			exit_code INTEGER DEFAULT NULL,
			failure_reason TEXT DEFAULT NULL,
			out_dir TEXT DEFAULT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER DEFAULT NULL
		)`,
	)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func rollback(ctx context.Context, tx *sql.Tx, uuid string) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		slog.ErrorContext(ctx, "Calling `tx.Rollback()` failed.", slog.String("uuid", uuid))
	}
}

// Start records that the run identified by run.UUID is in progress.
// Starting a run which is still in progress is a no-op, a finished one
// returns ErrAlreadyFinished.
func Start(ctx context.Context, db *sql.DB, run Run) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, run.UUID)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, run.UUID,
	).Scan(&inProgress)
	switch {
	case err == nil && inProgress:
		return nil
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case err != nil && !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	started := run.StartedAt
	if started.IsZero() {
		started = time.Now()
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (uuid, job_id, try, in_progress, started_at) VALUES (?,?,?,?,?);`,
		run.UUID, run.JobID, run.Try, true, started.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("executing sql insert failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

// Get returns the run identified by uuid or ErrNotFound.
func Get(ctx context.Context, db *sql.DB, uuid string) (RunRow, error) {
	row := db.QueryRowContext(ctx, selectRuns+` WHERE uuid=?`, uuid)
	r, err := scanRun(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return RunRow{}, ErrNotFound
	case err != nil:
		return RunRow{}, fmt.Errorf("executing sql query failed: %w", err)
	}
	return r, nil
}

// List returns up to limit most recent runs, newest first.
func List(ctx context.Context, db *sql.DB, limit int) ([]RunRow, error) {
	rows, err := db.QueryContext(ctx, selectRuns+` ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("executing sql query failed: %w", err)
	}
	defer rows.Close()

	var out []RunRow
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinishOK marks the run as successful.
func FinishOK(ctx context.Context, db *sql.DB, uuid, outDir string) error {
	return finish(ctx, db, uuid, true, 0, nil, outDir)
}

// FinishErr marks the run as failed with the exit code and the reason.
func FinishErr(ctx context.Context, db *sql.DB, uuid string, exitCode int, reason, outDir string) error {
	return finish(ctx, db, uuid, false, exitCode, &reason, outDir)
}

func finish(ctx context.Context, db *sql.DB, uuid string, success bool, exitCode int, reason *string, outDir string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(ctx, tx, uuid)

	var inProgress bool
	err = tx.QueryRowContext(ctx,
		`SELECT in_progress FROM runs WHERE uuid=?`, uuid,
	).Scan(&inProgress)
	switch {
	case err == nil && !inProgress:
		return ErrAlreadyFinished
	case errors.Is(err, sql.ErrNoRows):
		return ErrNotFound
	case err != nil:
		return fmt.Errorf("executing sql query failed: %w", err)
	}

	var dir *string
	if outDir != "" {
		dir = &outDir
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE runs
		 SET
			in_progress = false,
			success = ?,
			exit_code = ?,
			failure_reason = ?,
			out_dir = ?,
			finished_at = ?
		WHERE uuid = ?;
		`, success, exitCode, reason, dir, time.Now().UnixMilli(), uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql update failed: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction failed: %w", err)
	}
	return nil
}

func Delete(ctx context.Context, db *sql.DB, uuid string) error {
	result, err := db.ExecContext(ctx,
		`DELETE FROM runs WHERE uuid=?`, uuid,
	)
	if err != nil {
		return fmt.Errorf("executing sql delete failed: %w", err)
	}
	ra, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("fetching affected rows failed: %w", err)
	}
	if ra != 1 {
		return ErrNotFound
	}
	return nil
}

const selectRuns = `SELECT id, uuid, job_id, try, in_progress, success, exit_code, failure_reason, out_dir, started_at, finished_at FROM runs`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (RunRow, error) {
	var (
		r        RunRow
		started  int64
		finished *int64
	)
	err := s.Scan(
		&r.ID,
		&r.UUID,
		&r.JobID,
		&r.Try,
		&r.InProgress,
		&r.Success,
		&r.ExitCode,
		&r.FailureReason,
		&r.OutDir,
		&started,
		&finished,
	)
	if err != nil {
		return RunRow{}, err
	}
	r.StartedAt = time.UnixMilli(started)
	if finished != nil {
		t := time.UnixMilli(*finished)
		r.FinishedAt = &t
	}
	return r, nil
}
