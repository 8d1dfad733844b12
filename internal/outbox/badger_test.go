package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	delivered []models.PaymentRecord
	fail      bool
}

func (d *fakeDeliverer) Deliver(ctx context.Context, rec models.PaymentRecord) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return errors.New("settlement unreachable")
	}
	d.delivered = append(d.delivered, rec)
	return nil
}

func newTestOutbox(t *testing.T) *BadgerOutbox {
	t.Helper()
	o, err := NewBadgerOutbox(t.TempDir(), zap.NewNop())
	if err != nil {
		t.Fatalf("open outbox: %v", err)
	}
	t.Cleanup(func() { o.Close() })
	return o
}

func record(id string) models.PaymentRecord {
	return models.PaymentRecord{
		PaymentID:        id,
		IntentID:         "pi_" + id,
		TerminalID:       "T1",
		AmountMinorUnits: 2500,
		Currency:         "usd",
		PaymentMethod:    "card_present",
		MaxRetries:       3,
		EnqueuedAt:       time.Now().UTC(),
	}
}

func TestEnqueueSurvivesUntilDelivered(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()

	if err := o.Enqueue(ctx, record("py_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := o.Enqueue(ctx, record("py_2")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if n, _ := o.Pending(); n != 2 {
		t.Fatalf("expected 2 pending, got %d", n)
	}

	d := &fakeDeliverer{}
	o.drainOnce(ctx, d)

	if n, _ := o.Pending(); n != 0 {
		t.Fatalf("expected drained outbox, got %d pending", n)
	}
	if len(d.delivered) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(d.delivered))
	}
	if d.delivered[0].PaymentID != "py_1" {
		t.Fatalf("delivery order lost: %+v", d.delivered)
	}
}

func TestDrainKeepsRecordOnFailure(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()
	if err := o.Enqueue(ctx, record("py_1")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := &fakeDeliverer{fail: true}
	o.drainOnce(ctx, d)
	if n, _ := o.Pending(); n != 1 {
		t.Fatalf("failed delivery must stay queued, got %d pending", n)
	}

	// the record becomes deliverable once downstream recovers
	d.mu.Lock()
	d.fail = false
	d.mu.Unlock()
	o.drainOnce(ctx, d)
	if n, _ := o.Pending(); n != 0 {
		t.Fatalf("expected drained outbox, got %d pending", n)
	}
}

func TestDrainDeadLettersAfterRetryBudget(t *testing.T) {
	o := newTestOutbox(t)
	ctx := context.Background()
	rec := record("py_1")
	rec.MaxRetries = 2
	if err := o.Enqueue(ctx, rec); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := &fakeDeliverer{fail: true}
	o.drainOnce(ctx, d)
	o.drainOnce(ctx, d)

	if n, _ := o.Pending(); n != 0 {
		t.Fatalf("exhausted record must leave the queue, got %d pending", n)
	}
	if n := countPrefix(t, o, deadLetterPrefix); n != 1 {
		t.Fatalf("expected 1 dead-lettered record, got %d", n)
	}
}

func countPrefix(t *testing.T, o *BadgerOutbox, prefix string) int {
	t.Helper()
	count := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	return count
}
