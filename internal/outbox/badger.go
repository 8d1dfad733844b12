package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

const (
	keyPrefix        = "outbox:"
	deadLetterPrefix = "deadletter:"
)

// envelope wraps a record with its delivery bookkeeping.
type envelope struct {
	Record   models.PaymentRecord `json:"record"`
	Attempts int                  `json:"attempts"`
}

// BadgerOutbox is a crash-safe SyncSink backed by Badger. Records are
// persisted before Enqueue returns; a background drain loop hands them
// to a Deliverer and deletes them on success. Records that exhaust
// their retry budget move under a dead-letter prefix for operator
// inspection instead of being dropped.
type BadgerOutbox struct {
	db  *badger.DB
	seq *badger.Sequence
	log *zap.Logger

	draining atomic.Bool
	stop     chan struct{}
	wg       sync.WaitGroup
}

func NewBadgerOutbox(path string, log *zap.Logger) (*BadgerOutbox, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("outbox_seq"), 64)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BadgerOutbox{db: db, seq: seq, log: log, stop: make(chan struct{})}, nil
}

func (o *BadgerOutbox) Enqueue(ctx context.Context, rec models.PaymentRecord) error {
	n, err := o.seq.Next()
	if err != nil {
		return err
	}
	key := []byte(fmt.Sprintf("%s%020d:%s", keyPrefix, n, rec.PaymentID))
	data, err := json.Marshal(envelope{Record: rec})
	if err != nil {
		return err
	}
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// StartDrain launches the background delivery loop. Ticks are
// non-reentrant: a tick is skipped while the previous one still runs.
func (o *BadgerOutbox) StartDrain(d Deliverer, interval time.Duration) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-o.stop:
				return
			case <-ticker.C:
				if !o.draining.CompareAndSwap(false, true) {
					continue
				}
				o.drainOnce(context.Background(), d)
				o.draining.Store(false)
			}
		}
	}()
}

func (o *BadgerOutbox) drainOnce(ctx context.Context, d Deliverer) {
	type pending struct {
		key []byte
		env envelope
	}
	var batch []pending

	err := o.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			var env envelope
			if err := item.Value(func(v []byte) error {
				return json.Unmarshal(v, &env)
			}); err != nil {
				o.log.Warn("outbox: undecodable record", zap.ByteString("key", item.Key()), zap.Error(err))
				continue
			}
			batch = append(batch, pending{key: item.KeyCopy(nil), env: env})
		}
		return nil
	})
	if err != nil {
		o.log.Error("outbox: scan failed", zap.Error(err))
		return
	}

	for _, p := range batch {
		err := d.Deliver(ctx, p.env.Record)
		if err == nil {
			if err := o.delete(p.key); err != nil {
				o.log.Error("outbox: delete after delivery failed", zap.Error(err))
			}
			continue
		}
		p.env.Attempts++
		o.log.Warn("outbox: delivery failed",
			zap.String("payment_id", p.env.Record.PaymentID),
			zap.Int("attempts", p.env.Attempts),
			zap.Error(err))
		if p.env.Attempts >= p.env.Record.MaxRetries && p.env.Record.MaxRetries > 0 {
			if err := o.deadLetter(p.key, p.env); err != nil {
				o.log.Error("outbox: dead-letter move failed", zap.Error(err))
			}
			continue
		}
		if err := o.rewrite(p.key, p.env); err != nil {
			o.log.Error("outbox: attempt update failed", zap.Error(err))
		}
	}
}

func (o *BadgerOutbox) delete(key []byte) error {
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
}

func (o *BadgerOutbox) rewrite(key []byte, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return o.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

func (o *BadgerOutbox) deadLetter(key []byte, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	dlKey := append([]byte(deadLetterPrefix), key[len(keyPrefix):]...)
	return o.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(dlKey, data); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// Pending counts undelivered records. Used by tests and the operator
// surface; walks the prefix, not cached.
func (o *BadgerOutbox) Pending() (int, error) {
	count := 0
	err := o.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func (o *BadgerOutbox) Close() error {
	close(o.stop)
	o.wg.Wait()
	if err := o.seq.Release(); err != nil {
		o.log.Warn("outbox: sequence release failed", zap.Error(err))
	}
	return o.db.Close()
}
