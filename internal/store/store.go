// Package store persists module results.
//
// The shell itself never touches the store; modules receive a ScanRepository
// through their environment and decide what to record.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("record not found")

	// ErrUnknownColumn is returned for a Where key that names no scan column.
	ErrUnknownColumn = errors.New("unknown column")
)

// Scan is one recorded module run against a target.
type Scan struct {
	ID        string         `json:"id"`
	Target    string         `json:"target"`
	Config    map[string]any `json:"config,omitempty"`
	Reports   any            `json:"reports,omitempty"`
	Vectors   any            `json:"vectors,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Where is an equality predicate over record columns. Keys that are not
// columns of the record type are ignored.
type Where map[string]any

// ScanRepository is the persistence capability modules depend on.
type ScanRepository interface {
	Create(ctx context.Context, s *Scan) error
	GetByID(ctx context.Context, id string) (*Scan, error)
	Find(ctx context.Context, where Where) (*Scan, error)
	GetAll(ctx context.Context, where Where) ([]Scan, error)
}

const schema = `
CREATE TABLE IF NOT EXISTS scans (
	id         TEXT PRIMARY KEY,
	target     TEXT NOT NULL,
	config     TEXT,
	reports    TEXT,
	vectors    TEXT,
	created_at TEXT NOT NULL
);`

// DB is a SQLite-backed store.
type DB struct {
	db *sql.DB
}

// Open opens (and migrates) the database at path. ":memory:" is accepted.
func Open(path string) (*DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// ":memory:" databases live per connection.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error { return d.db.Close() }

// Scans returns the repository for Scan records.
func (d *DB) Scans() *Scans { return &Scans{db: d.db} }

// Scans implements ScanRepository.
type Scans struct {
	db *sql.DB
}

var scanColumns = map[string]bool{"id": true, "target": true}

func (s *Scans) Create(ctx context.Context, scan *Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = time.Now().UTC()
	}
	cfg, err := encode(scan.Config)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	reports, err := encode(scan.Reports)
	if err != nil {
		return fmt.Errorf("failed to encode reports: %w", err)
	}
	vectors, err := encode(scan.Vectors)
	if err != nil {
		return fmt.Errorf("failed to encode vectors: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scans (id, target, config, reports, vectors, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		scan.ID, scan.Target, cfg, reports, vectors, scan.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert scan: %w", err)
	}
	return nil
}

func (s *Scans) GetByID(ctx context.Context, id string) (*Scan, error) {
	return s.Find(ctx, Where{"id": id})
}

// Find returns the first record matching where.
func (s *Scans) Find(ctx context.Context, where Where) (*Scan, error) {
	all, err := s.query(ctx, where, 1)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, ErrNotFound
	}
	return &all[0], nil
}

// GetAll returns every record matching where; a nil where matches all.
func (s *Scans) GetAll(ctx context.Context, where Where) ([]Scan, error) {
	return s.query(ctx, where, 0)
}

func (s *Scans) query(ctx context.Context, where Where, limit int) ([]Scan, error) {
	q := `SELECT id, target, config, reports, vectors, created_at FROM scans`
	var conds []string
	var args []any
	keys := make([]string, 0, len(where))
	for k := range where {
		if !scanColumns[k] {
			return nil, fmt.Errorf("%w: %q", ErrUnknownColumn, k)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		conds = append(conds, k+" = ?")
		args = append(args, where[k])
	}
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	q += " ORDER BY rowid"
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query scans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Scan
	for rows.Next() {
		var (
			sc                    Scan
			cfg, reports, vectors sql.NullString
			created               string
		)
		if err := rows.Scan(&sc.ID, &sc.Target, &cfg, &reports, &vectors, &created); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if cfg.Valid && cfg.String != "" {
			if err := json.Unmarshal([]byte(cfg.String), &sc.Config); err != nil {
				return nil, fmt.Errorf("failed to decode config: %w", err)
			}
		}
		if sc.Reports, err = decode(reports); err != nil {
			return nil, fmt.Errorf("failed to decode reports: %w", err)
		}
		if sc.Vectors, err = decode(vectors); err != nil {
			return nil, fmt.Errorf("failed to decode vectors: %w", err)
		}
		if sc.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return nil, fmt.Errorf("failed to parse created_at: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func encode(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decode(ns sql.NullString) (any, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(ns.String), &v); err != nil {
		return nil, err
	}
	return v, nil
}
