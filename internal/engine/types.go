package engine

import (
	"time"

	"trading-desk/internal/state"
	"trading-desk/internal/strategy"
)

// StateView is the dashboard payload: one snapshot plus strategy handles.
type StateView struct {
	state.View
	Strategies []strategy.Handle `json:"strategies"`
}

// SystemStatus represents the process runtime status.
type SystemStatus struct {
	Version         string         `json:"version"`
	Venue           string         `json:"venue"`
	Symbols         []string       `json:"symbols"`
	StartedAt       time.Time      `json:"started_at"`
	ServerTime      time.Time      `json:"server_time"`
	Uptime          string         `json:"uptime"`
	SnapshotVersion uint64         `json:"snapshot_version"`
	Strategies      map[string]int `json:"strategies"` // count per state
	Database        string         `json:"database"`
	Healthy         bool           `json:"healthy"`
}

// Meta is static process information reported by GetSystemStatus.
type Meta struct {
	Version   string
	Venue     string
	Symbols   []string
	StartedAt time.Time
}
