package models

import "time"

// Status is the lifecycle state of a terminal's live connection.
type Status string

const (
	StatusConnected    Status = "connected"
	StatusDisconnected Status = "disconnected"
	StatusBusy         Status = "busy"
	StatusError        Status = "error"
)

// TerminalConfig is the operator-supplied description of one physical
// card reader. Immutable after registration; Settings is passed opaquely
// to the processor driver for the configured Kind.
type TerminalConfig struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	DisplayName string            `json:"display_name"`
	Location    string            `json:"location"`
	Settings    map[string]string `json:"settings,omitempty"`
	Enabled     bool              `json:"enabled"`
}

// ReaderDescriptor identifies a physical reader found during discovery.
type ReaderDescriptor struct {
	ID       string            `json:"id"`
	Label    string            `json:"label"`
	Serial   string            `json:"serial,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// TerminalStatus is a read-only snapshot of one terminal for the
// operator surface.
type TerminalStatus struct {
	ID               string    `json:"id"`
	DisplayName      string    `json:"display_name"`
	Kind             string    `json:"kind"`
	Location         string    `json:"location"`
	Status           Status    `json:"status"`
	TransactionCount int64     `json:"transaction_count"`
	ErrorCount       int64     `json:"error_count"`
	LastUsedAt       time.Time `json:"last_used_at,omitzero"`
}

// FleetMetrics aggregates fleet-wide counters. Recomputed on demand,
// never cached.
type FleetMetrics struct {
	ConfiguredTerminals int            `json:"configured_terminals"`
	ByStatus            map[Status]int `json:"by_status"`
	TotalTransactions   int64          `json:"total_transactions"`
	TotalErrors         int64          `json:"total_errors"`
}
