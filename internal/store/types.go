// Package store provides SQLite-backed persistence for ibusd: daemon runs,
// the default engine, and the history of engine switches.
package store

import (
	"time"

	"github.com/google/uuid"
)

// Run is one daemon lifetime.
type Run struct {
	ID        uuid.UUID
	PID       int
	Address   string
	StartedAt time.Time
	EndedAt   *time.Time
	EndReason string
}

// Switch records an engine being bound to an input context.
type Switch struct {
	ID        int64
	RunID     uuid.UUID
	Context   string
	Client    string
	Engine    string
	Component string
	At        time.Time
}

// EngineUsage counts how often an engine was selected.
type EngineUsage struct {
	Engine   string
	Count    int
	LastUsed time.Time
}

// Setting keys.
const (
	SettingDefaultEngine = "default_engine"
)
