package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNoRun is returned when history is recorded before BeginRun.
var ErrNoRun = errors.New("store: no active run")

// Store represents the SQLite state store.
type Store struct {
	db *sql.DB

	mu  sync.Mutex
	run uuid.UUID
}

// Open opens or creates the SQLite database at the given path and runs migrations.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// BeginRun records the start of a daemon run and makes it the current run.
func (s *Store) BeginRun(id uuid.UUID, pid int, address string) error {
	_, err := s.db.Exec(
		"INSERT INTO runs (id, pid, address, started_ns) VALUES (?, ?, ?, ?)",
		id.String(), pid, address, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	s.mu.Lock()
	s.run = id
	s.mu.Unlock()
	return nil
}

// EndRun marks the current run as finished.
func (s *Store) EndRun(reason string) error {
	s.mu.Lock()
	id := s.run
	s.mu.Unlock()
	if id == uuid.Nil {
		return ErrNoRun
	}

	_, err := s.db.Exec(
		"UPDATE runs SET ended_ns = ?, end_reason = ? WHERE id = ?",
		time.Now().UnixNano(), reason, id.String(),
	)
	if err != nil {
		return fmt.Errorf("end run: %w", err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *Store) GetRun(id uuid.UUID) (*Run, error) {
	var (
		r         Run
		rawID     string
		startedNs int64
		endedNs   sql.NullInt64
		reason    sql.NullString
	)
	err := s.db.QueryRow(
		"SELECT id, pid, address, started_ns, ended_ns, end_reason FROM runs WHERE id = ?",
		id.String(),
	).Scan(&rawID, &r.PID, &r.Address, &startedNs, &endedNs, &reason)
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	if r.ID, err = uuid.Parse(rawID); err != nil {
		return nil, fmt.Errorf("parse run id: %w", err)
	}
	r.StartedAt = time.Unix(0, startedNs)
	if endedNs.Valid {
		t := time.Unix(0, endedNs.Int64)
		r.EndedAt = &t
	}
	r.EndReason = reason.String
	return &r, nil
}

// Setting returns a stored value. ok is false when the key is unset.
func (s *Store) Setting(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores a value, replacing any previous one.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_ns) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_ns = excluded.updated_ns`,
		key, value, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes a key.
func (s *Store) DeleteSetting(key string) error {
	if _, err := s.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("delete setting %s: %w", key, err)
	}
	return nil
}

// DefaultEngine returns the persisted default engine, or "".
func (s *Store) DefaultEngine() (string, error) {
	v, _, err := s.Setting(SettingDefaultEngine)
	return v, err
}

// SetDefaultEngine persists the default engine. An empty name clears it.
func (s *Store) SetDefaultEngine(name string) error {
	if name == "" {
		return s.DeleteSetting(SettingDefaultEngine)
	}
	return s.SetSetting(SettingDefaultEngine, name)
}

// RecordSwitch appends an engine switch to the history of the current run.
func (s *Store) RecordSwitch(sw Switch) error {
	if sw.RunID == uuid.Nil {
		s.mu.Lock()
		sw.RunID = s.run
		s.mu.Unlock()
	}
	if sw.RunID == uuid.Nil {
		return ErrNoRun
	}
	if sw.At.IsZero() {
		sw.At = time.Now()
	}

	_, err := s.db.Exec(`
		INSERT INTO engine_switches (run_id, context, client, engine, component, at_ns)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sw.RunID.String(), sw.Context, sw.Client, sw.Engine, sw.Component, sw.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert engine switch: %w", err)
	}
	return nil
}

// RecentSwitches returns up to limit switches, newest first.
func (s *Store) RecentSwitches(limit int) ([]Switch, error) {
	rows, err := s.db.Query(`
		SELECT id, run_id, context, client, engine, component, at_ns
		FROM engine_switches ORDER BY at_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query switches: %w", err)
	}
	defer rows.Close()

	var out []Switch
	for rows.Next() {
		var (
			sw    Switch
			runID string
			atNs  int64
		)
		if err := rows.Scan(&sw.ID, &runID, &sw.Context, &sw.Client, &sw.Engine, &sw.Component, &atNs); err != nil {
			return nil, fmt.Errorf("scan switch: %w", err)
		}
		if sw.RunID, err = uuid.Parse(runID); err != nil {
			return nil, fmt.Errorf("parse run id: %w", err)
		}
		sw.At = time.Unix(0, atNs)
		out = append(out, sw)
	}
	return out, rows.Err()
}

// Usage aggregates the switch history per engine, most used first.
func (s *Store) Usage() ([]EngineUsage, error) {
	rows, err := s.db.Query(`
		SELECT engine, COUNT(*), MAX(at_ns)
		FROM engine_switches GROUP BY engine ORDER BY COUNT(*) DESC, engine`)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var out []EngineUsage
	for rows.Next() {
		var (
			u    EngineUsage
			last int64
		)
		if err := rows.Scan(&u.Engine, &u.Count, &last); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		u.LastUsed = time.Unix(0, last)
		out = append(out, u)
	}
	return out, rows.Err()
}
