// Package catalog indexes finished recordings in a SQLite database.
package catalog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/alesr/rorelse/recorder"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned by Get for an unknown recording.
var ErrNotFound = errors.New("recording not found")

// Catalog handles the recordings database.
type Catalog struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and migrates it.
func Open(path string) (*Catalog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one connection keeps the pragmas below in effect for every query
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS recordings (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			path TEXT NOT NULL,
			pre_frames INTEGER NOT NULL DEFAULT 0,
			frames INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_started ON recordings(started_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_recordings_camera ON recordings(camera, started_at DESC)`,
	}

	for _, migration := range migrations {
		if _, err := c.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// RecordingFinished stores rec. It implements recorder.Sink.
func (c *Catalog) RecordingFinished(ctx context.Context, rec recorder.Recording) error {
	query := `INSERT INTO recordings (id, camera, started_at, ended_at, path, pre_frames, frames, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			ended_at = excluded.ended_at,
			frames = excluded.frames,
			status = excluded.status,
			error = excluded.error`

	_, err := c.db.ExecContext(ctx, query,
		rec.ID,
		rec.Camera,
		formatTime(rec.StartedAt),
		formatTime(rec.EndedAt),
		rec.Path,
		rec.PreFrames,
		rec.Frames,
		string(rec.Status),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to save recording: %w", err)
	}
	return nil
}

// Get returns the recording with the given id.
func (c *Catalog) Get(ctx context.Context, id string) (recorder.Recording, error) {
	query := `SELECT id, camera, started_at, ended_at, path, pre_frames, frames, status, error
		FROM recordings WHERE id = ?`

	rec, err := scanRecording(c.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return recorder.Recording{}, ErrNotFound
	}
	if err != nil {
		return recorder.Recording{}, fmt.Errorf("failed to get recording: %w", err)
	}
	return rec, nil
}

// List returns up to limit recordings, newest first. A limit <= 0 returns all.
func (c *Catalog) List(ctx context.Context, limit int) ([]recorder.Recording, error) {
	query := `SELECT id, camera, started_at, ended_at, path, pre_frames, frames, status, error
		FROM recordings ORDER BY started_at DESC, id DESC LIMIT ?`
	if limit <= 0 {
		limit = -1
	}

	rows, err := c.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list recordings: %w", err)
	}
	defer rows.Close()

	var recs []recorder.Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recording: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(row scanner) (recorder.Recording, error) {
	var (
		rec            recorder.Recording
		started, ended string
		status         string
	)
	err := row.Scan(&rec.ID, &rec.Camera, &started, &ended, &rec.Path, &rec.PreFrames, &rec.Frames, &status, &rec.Error)
	if err != nil {
		return recorder.Recording{}, err
	}
	rec.Status = recorder.Status(status)

	if rec.StartedAt, err = parseTime(started); err != nil {
		return recorder.Recording{}, err
	}
	if rec.EndedAt, err = parseTime(ended); err != nil {
		return recorder.Recording{}, err
	}
	return rec, nil
}

// Timestamps are stored as UTC RFC 3339 text so that they sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", s, err)
	}
	return t, nil
}
