// Package ledger records saved statistics archives and comparison results in
// a SQLite database.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver registration
)

// ErrSettingsMismatch reports an archive produced with different transform
// settings than the current run.
var ErrSettingsMismatch = errors.New("ledger: archive settings differ from current run")

// Settings are the transform parameters a statistics set depends on.
type Settings struct {
	Wavelet   string
	MaxLevel  int
	LogScale  bool
	Precision string
}

// Check returns ErrSettingsMismatch when o was produced by an incompatible
// transform. Precision only affects rounding and is not compared.
func (s Settings) Check(o Settings) error {
	if s.Wavelet != o.Wavelet || s.MaxLevel != o.MaxLevel || s.LogScale != o.LogScale {
		return fmt.Errorf("%w: archive wavelet=%s max_level=%d log_scale=%v, run wavelet=%s max_level=%d log_scale=%v",
			ErrSettingsMismatch, o.Wavelet, o.MaxLevel, o.LogScale, s.Wavelet, s.MaxLevel, s.LogScale)
	}
	return nil
}

// Archive is one saved statistics file.
type Archive struct {
	ID         string
	Path       string
	Source     string
	Settings   Settings
	Samples    int
	Packets    int
	FeatureDim int
	CreatedAt  time.Time
}

// Comparison is one computed distance.
type Comparison struct {
	ID        string
	SourceA   string
	SourceB   string
	Settings  Settings
	FWD       float64
	PerPacket []float64
	CreatedAt time.Time
}

// Ledger wraps the database handle.
type Ledger struct {
	db *sql.DB
}

// Open creates or opens the ledger database at path.
func Open(path string) (*Ledger, error) {
	if path == "" {
		return nil, errors.New("ledger: empty path")
	}
	dbPath := path
	if idx := strings.Index(path, "?"); idx != -1 {
		dbPath = path[:idx]
	}
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("ledger: create directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "_busy_timeout") {
		if strings.Contains(dsn, "?") {
			dsn += "&_busy_timeout=5000"
		} else {
			dsn += "?_busy_timeout=5000"
		}
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	if err := createTables(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: create tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

func createTables(db *sql.DB) error {
	archives := `
    CREATE TABLE IF NOT EXISTS archives (
        id TEXT PRIMARY KEY,
        path TEXT NOT NULL UNIQUE,
        source TEXT NOT NULL,
        wavelet TEXT NOT NULL,
        max_level INTEGER NOT NULL,
        log_scale INTEGER NOT NULL,
        precision TEXT NOT NULL,
        samples INTEGER NOT NULL,
        packets INTEGER NOT NULL,
        feature_dim INTEGER NOT NULL,
        created_at TEXT NOT NULL
    );
    `

	comparisons := `
    CREATE TABLE IF NOT EXISTS comparisons (
        id TEXT PRIMARY KEY,
        source_a TEXT NOT NULL,
        source_b TEXT NOT NULL,
        wavelet TEXT NOT NULL,
        max_level INTEGER NOT NULL,
        log_scale INTEGER NOT NULL,
        precision TEXT NOT NULL,
        fwd REAL NOT NULL,
        per_packet TEXT NOT NULL,
        created_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_comparisons_created ON comparisons(created_at);
    `

	if _, err := db.Exec(archives); err != nil {
		return fmt.Errorf("archives table: %w", err)
	}
	if _, err := db.Exec(comparisons); err != nil {
		return fmt.Errorf("comparisons table: %w", err)
	}
	return nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	if l.db != nil {
		return l.db.Close()
	}
	return nil
}

// RecordArchive stores a, replacing any earlier entry for the same path.
// Empty ID and zero CreatedAt are filled in; the stored ID is returned.
func (l *Ledger) RecordArchive(ctx context.Context, a Archive) (string, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO archives
            (id, path, source, wavelet, max_level, log_scale, precision, samples, packets, feature_dim, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Path, a.Source, a.Settings.Wavelet, a.Settings.MaxLevel, a.Settings.LogScale,
		a.Settings.Precision, a.Samples, a.Packets, a.FeatureDim, formatTime(a.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("ledger: record archive: %w", err)
	}
	return a.ID, nil
}

// LookupArchive returns the entry for path. The boolean is false when the
// ledger has never seen it.
func (l *Ledger) LookupArchive(ctx context.Context, path string) (Archive, bool, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, path, source, wavelet, max_level, log_scale, precision, samples, packets, feature_dim, created_at
            FROM archives WHERE path = ?`, path)
	a, err := scanArchive(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Archive{}, false, nil
	}
	if err != nil {
		return Archive{}, false, fmt.Errorf("ledger: lookup archive: %w", err)
	}
	return a, true, nil
}

// Archives lists the most recent archives first. limit <= 0 means all.
func (l *Ledger) Archives(ctx context.Context, limit int) ([]Archive, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, path, source, wavelet, max_level, log_scale, precision, samples, packets, feature_dim, created_at
            FROM archives ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: list archives: %w", err)
	}
	defer rows.Close()

	var out []Archive
	for rows.Next() {
		a, err := scanArchive(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan archive: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// RecordComparison stores c and returns its ID.
func (l *Ledger) RecordComparison(ctx context.Context, c Comparison) (string, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	perPacket, err := json.Marshal(c.PerPacket)
	if err != nil {
		return "", fmt.Errorf("ledger: encode per-packet distances: %w", err)
	}
	_, err = l.db.ExecContext(ctx,
		`INSERT INTO comparisons
            (id, source_a, source_b, wavelet, max_level, log_scale, precision, fwd, per_packet, created_at)
            VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SourceA, c.SourceB, c.Settings.Wavelet, c.Settings.MaxLevel, c.Settings.LogScale,
		c.Settings.Precision, c.FWD, string(perPacket), formatTime(c.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("ledger: record comparison: %w", err)
	}
	return c.ID, nil
}

// Comparisons lists the most recent comparisons first. limit <= 0 means all.
func (l *Ledger) Comparisons(ctx context.Context, limit int) ([]Comparison, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, source_a, source_b, wavelet, max_level, log_scale, precision, fwd, per_packet, created_at
            FROM comparisons ORDER BY created_at DESC LIMIT ?`, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("ledger: list comparisons: %w", err)
	}
	defer rows.Close()

	var out []Comparison
	for rows.Next() {
		var (
			c         Comparison
			perPacket string
			created   string
		)
		if err := rows.Scan(&c.ID, &c.SourceA, &c.SourceB, &c.Settings.Wavelet, &c.Settings.MaxLevel,
			&c.Settings.LogScale, &c.Settings.Precision, &c.FWD, &perPacket, &created); err != nil {
			return nil, fmt.Errorf("ledger: scan comparison: %w", err)
		}
		if err := json.Unmarshal([]byte(perPacket), &c.PerPacket); err != nil {
			return nil, fmt.Errorf("ledger: decode per-packet distances: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanArchive(s scanner) (Archive, error) {
	var (
		a       Archive
		created string
	)
	err := s.Scan(&a.ID, &a.Path, &a.Source, &a.Settings.Wavelet, &a.Settings.MaxLevel, &a.Settings.LogScale,
		&a.Settings.Precision, &a.Samples, &a.Packets, &a.FeatureDim, &created)
	if err != nil {
		return Archive{}, err
	}
	a.CreatedAt, err = parseTime(created)
	return a, err
}

// Fixed width so that created_at sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("ledger: bad timestamp %q: %w", s, err)
	}
	return t, nil
}

// SQLite treats a negative LIMIT as unbounded.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return -1
	}
	return limit
}
