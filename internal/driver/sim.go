package driver

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

// KindSim is the in-memory simulated processor family. It exists so the
// daemon is runnable end-to-end without hardware and so tests can drive
// every failure path deterministically.
//
// Recognised settings (all optional):
//
//	readers          number of simulated readers exposed (default 1)
//	fail_connect     "true" makes every ConnectReader fail
//	fail_collect     "true" makes every Collect fail
//	fail_ping        "true" makes liveness probes fail
//	collect_delay_ms fixed collection latency in milliseconds
const KindSim = "sim"

// NewSimDiscovery is the Factory for the simulated family.
func NewSimDiscovery(settings map[string]string, log *zap.Logger) (Discovery, error) {
	d := &simDiscovery{readers: 1, log: log}
	if v, ok := settings["readers"]; ok {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("sim: invalid readers setting %q", v)
		}
		d.readers = n
	}
	d.failConnect = settings["fail_connect"] == "true"
	d.failCollect = settings["fail_collect"] == "true"
	d.failPing = settings["fail_ping"] == "true"
	if v, ok := settings["collect_delay_ms"]; ok {
		ms, err := strconv.Atoi(v)
		if err != nil || ms < 0 {
			return nil, fmt.Errorf("sim: invalid collect_delay_ms setting %q", v)
		}
		d.collectDelay = time.Duration(ms) * time.Millisecond
	}
	return d, nil
}

type simDiscovery struct {
	readers      int
	failConnect  bool
	failCollect  bool
	failPing     bool
	collectDelay time.Duration
	log          *zap.Logger
}

func (d *simDiscovery) DiscoverReaders(ctx context.Context) ([]models.ReaderDescriptor, error) {
	out := make([]models.ReaderDescriptor, 0, d.readers)
	for i := 1; i <= d.readers; i++ {
		out = append(out, models.ReaderDescriptor{
			ID:     fmt.Sprintf("sim-reader-%d", i),
			Label:  fmt.Sprintf("Simulated reader %d", i),
			Serial: fmt.Sprintf("SIM%04d", i),
		})
	}
	return out, nil
}

func (d *simDiscovery) ConnectReader(ctx context.Context, readerID string) (Processor, error) {
	if d.failConnect {
		return nil, errors.New("sim: reader refused connection")
	}
	return &simProcessor{
		reader:       readerID,
		failCollect:  d.failCollect,
		failPing:     d.failPing,
		collectDelay: d.collectDelay,
	}, nil
}

type simProcessor struct {
	reader       string
	failCollect  bool
	failPing     bool
	collectDelay time.Duration
	destroyed    atomic.Bool

	mu            sync.Mutex
	cancelCh      chan struct{} // collection currently waiting for a card
	pendingCancel bool
}

func (p *simProcessor) CreateIntent(ctx context.Context, params IntentParams) (*Intent, error) {
	if p.destroyed.Load() {
		return nil, errors.New("sim: processor destroyed")
	}
	if params.AmountMinorUnits <= 0 {
		return nil, errors.New("sim: amount must be positive")
	}
	return &Intent{
		ID:               "pi_" + uuid.NewString(),
		AmountMinorUnits: params.AmountMinorUnits,
		Currency:         params.Currency,
		Metadata:         params.Metadata,
	}, nil
}

func (p *simProcessor) Collect(ctx context.Context, intentID string) (*CollectResult, error) {
	p.mu.Lock()
	if p.pendingCancel {
		p.pendingCancel = false
		p.mu.Unlock()
		return nil, errors.New("sim: collection cancelled")
	}
	ch := make(chan struct{})
	p.cancelCh = ch
	p.mu.Unlock()

	if p.collectDelay > 0 {
		select {
		case <-time.After(p.collectDelay):
		case <-ch:
			return nil, errors.New("sim: collection cancelled")
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.failCollect {
		return nil, errors.New("sim: card declined")
	}
	return &CollectResult{
		PaymentID: "py_" + uuid.NewString(),
		IntentID:  intentID,
		ChargeID:  "ch_" + uuid.NewString(),
	}, nil
}

// Cancel aborts the collection currently waiting for a card. A cancel
// that lands before the collection starts waiting is remembered and
// consumed by the next Collect.
func (p *simProcessor) Cancel(ctx context.Context) error {
	p.mu.Lock()
	ch := p.cancelCh
	p.cancelCh = nil
	if ch == nil {
		p.pendingCancel = true
	}
	p.mu.Unlock()
	if ch != nil {
		close(ch)
	}
	return nil
}

func (p *simProcessor) Receipt(ctx context.Context, res *CollectResult) (string, error) {
	if res == nil {
		return "", errors.New("sim: no collection result")
	}
	return fmt.Sprintf("receipt for %s via %s", res.PaymentID, p.reader), nil
}

func (p *simProcessor) Ping(ctx context.Context) error {
	if p.destroyed.Load() {
		return errors.New("sim: processor destroyed")
	}
	if p.failPing {
		return errors.New("sim: reader unreachable")
	}
	return nil
}

func (p *simProcessor) DisconnectReader(ctx context.Context) error {
	return nil
}

func (p *simProcessor) Destroy() {
	p.destroyed.Store(true)
}
