// Package payments orchestrates a single card-present transaction
// against a selected terminal: create intent, collect bounded by a
// timeout, best-effort receipt, durable handoff to the sync sink.
package payments

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/events"
	"github.com/posfleet/terminald/internal/fleet"
	"github.com/posfleet/terminald/internal/models"
	"github.com/posfleet/terminald/internal/outbox"
	"github.com/posfleet/terminald/internal/telemetry"
)

const (
	// DefaultCollectTimeout bounds the card collection when the request
	// carries no override.
	DefaultCollectTimeout = 120 * time.Second
	// syncMaxRetries is the delivery budget handed to the sync sink per
	// record.
	syncMaxRetries = 3
)

// Pipeline executes payments against the fleet. There is no automatic
// retry on a different terminal here: retrying implies re-presenting
// the card, which is a caller-level policy decision.
type Pipeline struct {
	reg     *fleet.Registry
	sink    outbox.SyncSink
	pub     *events.Publisher
	metrics *telemetry.Metrics
	log     *zap.Logger
	tracer  trace.Tracer

	organizationID string
	defaultTimeout time.Duration
}

func New(reg *fleet.Registry, sink outbox.SyncSink, pub *events.Publisher, metrics *telemetry.Metrics, log *zap.Logger, organizationID string) *Pipeline {
	return &Pipeline{
		reg:            reg,
		sink:           sink,
		pub:            pub,
		metrics:        metrics,
		log:            log,
		tracer:         otel.Tracer("terminald/payments"),
		organizationID: organizationID,
		defaultTimeout: DefaultCollectTimeout,
	}
}

// Process runs one transaction end to end. The returned result always
// carries the terminal ID that was attempted (empty when none was
// available) and, on failure, a stable error code.
func (p *Pipeline) Process(ctx context.Context, req models.PaymentRequest) models.PaymentResult {
	ctx, span := p.tracer.Start(ctx, "payments.process",
		trace.WithAttributes(
			attribute.Int64("payment.amount", req.Amount),
			attribute.String("payment.currency", req.Currency),
		))
	defer span.End()

	conn, claim, ok := p.reg.Acquire(req.PreferredTerminalID)
	if !ok {
		p.log.Warn("no available terminals",
			zap.String("preferred", req.PreferredTerminalID))
		return p.fail(models.PaymentResult{Error: fleet.CodeNoAvailableTerminals}, req)
	}
	terminalID := conn.TerminalID()
	span.SetAttributes(attribute.String("terminal.id", terminalID))

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	metadata["terminal_id"] = terminalID
	if req.Description != "" {
		metadata["description"] = req.Description
	}

	params := driver.IntentParams{
		AmountMinorUnits:   req.Amount,
		Currency:           strings.ToLower(req.Currency),
		PaymentMethodTypes: []string{"card_present"},
		CaptureMethod:      "automatic",
		Metadata:           metadata,
	}
	timeout := time.Duration(req.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = p.defaultTimeout
	}

	started := time.Now()
	res, err := conn.Collect(ctx, params, timeout)
	p.metrics.CollectSeconds.WithLabelValues(terminalID).Observe(time.Since(started).Seconds())
	if err != nil {
		code := fleet.Code(err)
		// A claim retired by a cancellation records nothing against the
		// device.
		if !conn.MarkFailure(claim) && conn.Cancelled(claim) {
			code = fleet.CodeCancelled
		}
		p.log.Warn("payment failed",
			zap.String("terminal_id", terminalID),
			zap.String("code", code),
			zap.Error(err))
		return p.fail(models.PaymentResult{TerminalID: terminalID, Error: code}, req)
	}

	receipt := conn.Receipt(ctx, res)
	conn.MarkSuccess(claim)

	rec := models.PaymentRecord{
		PaymentID:        res.PaymentID,
		IntentID:         res.IntentID,
		ChargeID:         res.ChargeID,
		TerminalID:       terminalID,
		OrganizationID:   p.organizationID,
		AmountMinorUnits: req.Amount,
		Currency:         params.Currency,
		PaymentMethod:    "card_present",
		Metadata:         metadata,
		MaxRetries:       syncMaxRetries,
		EnqueuedAt:       time.Now().UTC(),
	}
	// The card is already charged: sink errors are logged, never
	// surfaced to the payment caller.
	if err := p.sink.Enqueue(ctx, rec); err != nil {
		p.log.Error("sync enqueue failed",
			zap.String("payment_id", res.PaymentID),
			zap.String("terminal_id", terminalID),
			zap.Error(err))
	}

	result := models.PaymentResult{
		Success:    true,
		PaymentID:  res.PaymentID,
		TerminalID: terminalID,
		Receipt:    receipt,
	}
	p.metrics.PaymentsTotal.WithLabelValues(terminalID, "success").Inc()
	p.pub.PaymentEvent("payment.completed", result, req.Amount, params.Currency)
	return result
}

func (p *Pipeline) fail(result models.PaymentResult, req models.PaymentRequest) models.PaymentResult {
	label := result.TerminalID
	if label == "" {
		label = "none"
	}
	p.metrics.PaymentsTotal.WithLabelValues(label, result.Error).Inc()
	p.pub.PaymentEvent("payment.failed", result, req.Amount, strings.ToLower(req.Currency))
	return result
}

// Cancel aborts the in-flight collection on a terminal. Valid only
// while that terminal is Busy; the connection is returned to Connected
// on success and the cancelled payment completes with a cancelled code.
func (p *Pipeline) Cancel(ctx context.Context, terminalID string) bool {
	conn := p.reg.Connection(terminalID)
	if conn == nil {
		return false
	}
	if !conn.Cancel(ctx) {
		return false
	}
	p.log.Info("payment cancelled", zap.String("terminal_id", terminalID))
	return true
}
