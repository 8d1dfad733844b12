package models

import "time"

// PaymentRequest is the caller-supplied description of one card-present
// transaction. Amount is in minor units (cents). TimeoutMS bounds the
// card collection in milliseconds; zero applies the pipeline default.
type PaymentRequest struct {
	Amount              int64             `json:"amount"`
	Currency            string            `json:"currency"`
	Description         string            `json:"description,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
	PreferredTerminalID string            `json:"preferred_terminal_id,omitempty"`
	TimeoutMS           int64             `json:"timeout,omitempty"`
}

// PaymentResult is the outcome of a single payment attempt. TerminalID
// names the terminal that was attempted, empty when none was available.
// Receipt is best-effort; its absence is non-fatal.
type PaymentResult struct {
	Success    bool   `json:"success"`
	PaymentID  string `json:"payment_id,omitempty"`
	TerminalID string `json:"terminal_id,omitempty"`
	Error      string `json:"error,omitempty"`
	Receipt    string `json:"receipt,omitempty"`
}

// PaymentRecord is the finalized payment handed to the sync sink for
// settlement reconciliation.
type PaymentRecord struct {
	PaymentID        string            `json:"payment_id"`
	IntentID         string            `json:"payment_intent_id"`
	ChargeID         string            `json:"charge_id,omitempty"`
	TerminalID       string            `json:"terminal_id"`
	OrganizationID   string            `json:"organization_id,omitempty"`
	AmountMinorUnits int64             `json:"amount_minor_units"`
	Currency         string            `json:"currency"`
	PaymentMethod    string            `json:"payment_method"`
	Metadata         map[string]string `json:"metadata,omitempty"`
	MaxRetries       int               `json:"max_retries"`
	EnqueuedAt       time.Time         `json:"enqueued_at"`
}
