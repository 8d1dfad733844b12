package fleet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/models"
)

// Connection is the live counterpart of a TerminalConfig: one processor
// session bound to one physical reader. At most one Connection exists
// per terminal ID at any instant; the registry enforces that.
//
// The processor handle is exclusively owned by the connection. Exclusive
// use is enforced by the Busy status transition, not by the handle.
type Connection struct {
	terminalID string
	proc       driver.Processor
	reader     models.ReaderDescriptor
	log        *zap.Logger

	mu             sync.Mutex
	status         models.Status
	lastUsedAt     time.Time
	txCount        int64
	errCount       int64
	probeStrikes   int
	claim          uint64
	cancelledClaim uint64
	disconnected   bool
	now            func() time.Time
}

// Connect discovers readers for the configured processor family and
// binds the first one found. The tie-break is deliberately "first
// available"; preference scoring happens one level up, in the selector.
func Connect(ctx context.Context, cfg models.TerminalConfig, disc driver.Discovery, log *zap.Logger) (*Connection, error) {
	readers, err := disc.DiscoverReaders(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: discover %s: %v", ErrDriver, cfg.Kind, err)
	}
	if len(readers) == 0 {
		return nil, fmt.Errorf("%w: kind %s", ErrNoReaderFound, cfg.Kind)
	}
	proc, err := disc.ConnectReader(ctx, readers[0].ID)
	if err != nil {
		return nil, fmt.Errorf("%w: connect reader %s: %v", ErrDriver, readers[0].ID, err)
	}
	log.Info("terminal connected",
		zap.String("terminal_id", cfg.ID),
		zap.String("kind", cfg.Kind),
		zap.String("reader", readers[0].ID))
	return &Connection{
		terminalID: cfg.ID,
		proc:       proc,
		reader:     readers[0],
		log:        log,
		status:     models.StatusConnected,
		now:        time.Now,
	}, nil
}

// newPlaceholder records connect failures for a terminal that has no
// live connection, so the eviction ceiling has a counter to act on.
func newPlaceholder(terminalID string, log *zap.Logger) *Connection {
	return &Connection{
		terminalID: terminalID,
		log:        log,
		status:     models.StatusError,
		now:        time.Now,
	}
}

func (c *Connection) TerminalID() string { return c.terminalID }

func (c *Connection) Status() models.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Connection) ErrorCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCount
}

// Snapshot returns the connection's counters for the status surface.
func (c *Connection) Snapshot() (models.Status, int64, int64, time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status, c.txCount, c.errCount, c.lastUsedAt
}

// tryAcquire transitions Connected -> Busy and returns a claim token.
// It is the only way a payment claims a connection, so two concurrent
// payments can never share one processor handle. The completion methods
// act only when presented with the current token; a payment whose claim
// was retired by a cancellation cannot disturb the next holder.
func (c *Connection) tryAcquire() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != models.StatusConnected || c.proc == nil {
		return 0, false
	}
	c.status = models.StatusBusy
	c.claim++
	return c.claim, true
}

// MarkSuccess completes a transaction for the given claim: Busy ->
// Connected, counters updated. Stale claims are ignored.
func (c *Connection) MarkSuccess(claim uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if claim != c.claim || c.status != models.StatusBusy {
		return
	}
	c.txCount++
	c.lastUsedAt = c.now()
	c.status = models.StatusConnected
}

// MarkFailure records a per-transaction failure for the given claim. A
// single failed transaction does not evict a device, so the status goes
// back to Connected; only sustained probe failures demote it. Stale
// claims are ignored and return false, leaving status and counters
// untouched.
func (c *Connection) MarkFailure(claim uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if claim != c.claim || c.status != models.StatusBusy {
		return false
	}
	c.errCount++
	c.status = models.StatusConnected
	return true
}

// Cancelled reports whether the given claim was retired by Cancel.
func (c *Connection) Cancelled(claim uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return claim != 0 && c.cancelledClaim == claim
}

// recordConnectError is used on placeholders and stale entries when a
// reconnect attempt fails.
func (c *Connection) recordConnectError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCount++
	if c.status != models.StatusDisconnected {
		c.status = models.StatusError
	}
}

// resetErrors clears the error counters; the operator escape hatch for
// a terminal stuck above the eviction ceiling.
func (c *Connection) resetErrors() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errCount = 0
	c.probeStrikes = 0
	if c.status == models.StatusError {
		c.status = models.StatusDisconnected
	}
}

// Collect creates a payment intent and races the card collection
// against the given timeout. On expiry the physical attempt is left to
// the driver; reclaiming the device is the caller's job via Cancel.
func (c *Connection) Collect(ctx context.Context, params driver.IntentParams, timeout time.Duration) (*driver.CollectResult, error) {
	intent, err := c.proc.CreateIntent(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("%w: create intent: %v", ErrProcessor, err)
	}

	type outcome struct {
		res *driver.CollectResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		// Deliberately not bound to the race context: on timeout the
		// in-flight collection is abandoned, not torn down.
		res, err := c.proc.Collect(context.Background(), intent.ID)
		done <- outcome{res, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-done:
		if out.err != nil {
			return nil, fmt.Errorf("%w: collect: %v", ErrProcessor, out.err)
		}
		if out.res.IntentID == "" {
			out.res.IntentID = intent.ID
		}
		return out.res, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: after %s", ErrTimeout, timeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrTimeout, ctx.Err())
	}
}

// Cancel aborts an in-flight collection. Only meaningful while the
// connection is Busy; any other status returns false. On success the
// connection returns to Connected and the cancelled payment's claim is
// retired, so its eventual completion cannot release a later holder.
func (c *Connection) Cancel(ctx context.Context) bool {
	c.mu.Lock()
	if c.status != models.StatusBusy {
		c.mu.Unlock()
		return false
	}
	proc := c.proc
	claim := c.claim
	c.mu.Unlock()

	if err := proc.Cancel(ctx); err != nil {
		c.log.Warn("cancel failed", zap.String("terminal_id", c.terminalID), zap.Error(err))
		return false
	}

	c.mu.Lock()
	if c.status == models.StatusBusy && c.claim == claim {
		c.status = models.StatusConnected
		c.cancelledClaim = claim
	}
	c.mu.Unlock()
	return true
}

// Receipt is best-effort; failures are logged and an empty receipt
// returned.
func (c *Connection) Receipt(ctx context.Context, res *driver.CollectResult) string {
	receipt, err := c.proc.Receipt(ctx, res)
	if err != nil {
		c.log.Warn("receipt generation failed",
			zap.String("terminal_id", c.terminalID), zap.Error(err))
		return ""
	}
	return receipt
}

// Probe checks processor liveness. On failure the connection is demoted
// to Error and the consecutive-strike counter advances; the monitor
// tears the connection down once strikes reach its limit. Connections
// already in Error keep being probed so strikes can accumulate; Busy
// and Disconnected ones are skipped. A successful probe only resets the
// strikes; recovery to Connected happens exclusively through the
// reconnection loop.
func (c *Connection) Probe(ctx context.Context) (strikes int, err error) {
	c.mu.Lock()
	if c.status == models.StatusBusy || c.status == models.StatusDisconnected || c.proc == nil {
		c.mu.Unlock()
		return 0, nil
	}
	proc := c.proc
	c.mu.Unlock()

	if err := proc.Ping(ctx); err != nil {
		c.mu.Lock()
		// A payment may have claimed the connection while the probe was
		// in flight; an in-flight transaction must not be disturbed.
		if c.status == models.StatusBusy {
			c.mu.Unlock()
			return 0, nil
		}
		c.status = models.StatusError
		c.errCount++
		c.probeStrikes++
		strikes = c.probeStrikes
		c.mu.Unlock()
		return strikes, fmt.Errorf("%w: %v", ErrHealthCheck, err)
	}

	c.mu.Lock()
	c.probeStrikes = 0
	c.mu.Unlock()
	return 0, nil
}

// Disconnect releases the reader binding and destroys the processor
// handle. Idempotent; driver-level errors are swallowed and logged,
// disconnect never fails upward.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.disconnected = true
	c.status = models.StatusDisconnected
	proc := c.proc
	c.proc = nil
	c.mu.Unlock()

	if proc == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := proc.DisconnectReader(ctx); err != nil {
		c.log.Warn("reader disconnect failed",
			zap.String("terminal_id", c.terminalID), zap.Error(err))
	}
	proc.Destroy()
	c.log.Info("terminal disconnected", zap.String("terminal_id", c.terminalID))
}
