package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Store wraps SQLite-backed persistence for jobs and the artifact index.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and migrates it to the latest schema.
func New(path string, logger *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// One writer keeps sqlite from returning SQLITE_BUSY under concurrent jobs.
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.migrateUp(logger); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) newMigrate(logger *slog.Logger) (*migrate.Migrate, error) {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(s.DB, &sqlite.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if logger != nil {
		m.Log = &migrateLogger{logger: logger}
	}
	return m, nil
}

func (s *Store) migrateUp(logger *slog.Logger) error {
	m, err := s.newMigrate(logger)
	if err != nil {
		return err
	}
	// m is not closed: that would close the shared *sql.DB.
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (s *Store) SchemaVersion() (uint, bool, error) {
	m, err := s.newMigrate(nil)
	if err != nil {
		return 0, false, err
	}
	version, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

type migrateLogger struct{ logger *slog.Logger }

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool { return false }

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID          string     `json:"id"`
	JobType     string     `json:"type"`
	Status      string     `json:"status"`
	Stack       string     `json:"stack,omitempty"`
	InputPath   string     `json:"input_path,omitempty"`
	OutputPath  string     `json:"output_path,omitempty"`
	OptionsJSON string     `json:"options,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ArtifactRecord indexes one persisted artifact.
type ArtifactRecord struct {
	Stack     string    `json:"stack"`
	Kind      string    `json:"kind"`
	Tag       string    `json:"tag"`
	Path      string    `json:"path"`
	JobID     string    `json:"job_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO processing_jobs (id, job_type, status, stack, input_path, output_path, options_json) VALUES (?, ?, ?, ?, ?, ?, ?);`,
		rec.ID, rec.JobType, rec.Status, rec.Stack, rec.InputPath, rec.OutputPath, rec.OptionsJSON)
	return err
}

// RecordJobStart marks a job as running.
func (s *Store) RecordJobStart(id string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status='running', started_at=CURRENT_TIMESTAMP WHERE id=?;`, id)
	return err
}

// RecordJobResult finalizes a job with status and meta.
func (s *Store) RecordJobResult(id string, status string, meta map[string]any, errMsg string) error {
	if s == nil {
		return nil
	}
	metaJSON, _ := json.Marshal(meta)
	_, err := s.DB.Exec(`UPDATE processing_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id)
	if err != nil {
		return err
	}
	_, err = s.DB.Exec(`INSERT INTO job_results (job_id, meta_json) VALUES (?, ?);`, id, string(metaJSON))
	return err
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT id, job_type, status, stack, input_path, output_path, options_json, created_at, started_at, completed_at, error_message FROM processing_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		var rec JobRecord
		var stack, input, output, options, errorMsg sql.NullString
		var started, completed sql.NullTime
		if err := rows.Scan(&rec.ID, &rec.JobType, &rec.Status, &stack, &input, &output, &options, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
			return nil, err
		}
		rec.Stack, rec.InputPath, rec.OutputPath, rec.OptionsJSON = stack.String, input.String, output.String, options.String
		if started.Valid {
			rec.StartedAt = &started.Time
		}
		if completed.Valid {
			rec.CompletedAt = &completed.Time
		}
		if errorMsg.Valid {
			rec.Error = errorMsg.String
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// JobMeta fetches the last meta blob for a job.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	var metaJSON string
	err := s.DB.QueryRow(`SELECT meta_json FROM job_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&metaJSON)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// RecordArtifact adds an artifact to the index.
func (s *Store) RecordArtifact(rec ArtifactRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO artifacts (stack, kind, tag, path, job_id) VALUES (?, ?, ?, ?, ?);`,
		rec.Stack, rec.Kind, rec.Tag, rec.Path, rec.JobID)
	return err
}

// Artifacts lists indexed artifacts, optionally restricted to one stack.
func (s *Store) Artifacts(stack string) ([]ArtifactRecord, error) {
	if s == nil {
		return nil, errors.New("store not initialized")
	}
	rows, err := s.DB.Query(`SELECT stack, kind, tag, path, job_id, created_at FROM artifacts WHERE ?='' OR stack=? ORDER BY id;`, stack, stack)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []ArtifactRecord
	for rows.Next() {
		var rec ArtifactRecord
		var jobID sql.NullString
		if err := rows.Scan(&rec.Stack, &rec.Kind, &rec.Tag, &rec.Path, &jobID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.JobID = jobID.String
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
