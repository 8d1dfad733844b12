// Package outbox is the durable handoff between the payment pipeline
// and offline settlement. Enqueue must succeed (or at least be logged)
// even when the downstream sync service is unreachable; delivery is
// retried in the background with a per-record attempt budget.
package outbox

import (
	"context"

	"github.com/posfleet/terminald/internal/models"
)

// SyncSink accepts a finalized payment record for settlement. Errors are
// logged by the pipeline, never surfaced to the payment caller: the card
// has already been charged by the time a record reaches the sink.
type SyncSink interface {
	Enqueue(ctx context.Context, rec models.PaymentRecord) error
}

// Deliverer pushes a queued record to the downstream settlement service.
type Deliverer interface {
	Deliver(ctx context.Context, rec models.PaymentRecord) error
}
