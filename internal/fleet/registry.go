package fleet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/driver"
	"github.com/posfleet/terminald/internal/events"
	"github.com/posfleet/terminald/internal/models"
)

// Selection weights. loadScore is a constant 1 for now: the slot is
// reserved for concurrent-load weighting and must not be repurposed
// without product input.
const (
	recencyWeight     = 0.3
	reliabilityWeight = 0.5
	loadWeight        = 0.2
	loadScore         = 1.0

	recencyDecayMinutes = 10.0
	connectTimeout      = 5 * time.Second
)

// Registry holds the configured terminals and their live connections,
// and implements the selection algorithm that picks the best terminal
// for a new payment. It is safe for concurrent use; processor calls
// never run under its lock.
type Registry struct {
	catalog *driver.Catalog
	pub     *events.Publisher
	log     *zap.Logger
	now     func() time.Time

	mu      sync.RWMutex
	configs map[string]models.TerminalConfig
	conns   map[string]*Connection
}

func NewRegistry(catalog *driver.Catalog, pub *events.Publisher, log *zap.Logger) *Registry {
	return &Registry{
		catalog: catalog,
		pub:     pub,
		log:     log,
		now:     time.Now,
		configs: make(map[string]models.TerminalConfig),
		conns:   make(map[string]*Connection),
	}
}

// RegisterTerminal stores a terminal config and, when enabled, attempts
// to connect it immediately rather than waiting for the next discovery
// cycle. The connect failure is returned for the operator's benefit but
// the config stays registered either way; the reconnection loop keeps
// trying.
func (r *Registry) RegisterTerminal(ctx context.Context, cfg models.TerminalConfig) error {
	if cfg.ID == "" || cfg.Kind == "" {
		return fmt.Errorf("terminal config requires id and kind")
	}
	r.mu.Lock()
	if _, exists := r.configs[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("terminal %s already registered", cfg.ID)
	}
	r.configs[cfg.ID] = cfg
	r.mu.Unlock()

	if !cfg.Enabled {
		return nil
	}
	return r.connectTerminal(ctx, cfg)
}

// connectTerminal runs a bounded connect attempt and installs the
// resulting connection, replacing any stale entry. Failures increment
// the error counter on the stale entry, creating a placeholder record
// if none existed.
func (r *Registry) connectTerminal(ctx context.Context, cfg models.TerminalConfig) error {
	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	disc, err := r.catalog.Discovery(cfg.Kind, cfg.Settings, r.log)
	if err != nil {
		r.recordConnectFailure(cfg.ID)
		return fmt.Errorf("%w: %v", ErrDriver, err)
	}
	conn, err := Connect(cctx, cfg, disc, r.log)
	if err != nil {
		r.recordConnectFailure(cfg.ID)
		r.log.Warn("terminal connect failed",
			zap.String("terminal_id", cfg.ID),
			zap.String("kind", cfg.Kind),
			zap.Error(err))
		r.pub.TerminalEvent("terminal.connect_failed", cfg.ID, cfg.Kind,
			map[string]any{"error": err.Error()})
		return err
	}
	conn.now = r.now

	r.mu.Lock()
	stale := r.conns[cfg.ID]
	if stale != nil {
		// The entry may have gone live while this attempt was in
		// flight, or a payment may already hold it. The live connection
		// wins; this one is discarded.
		if st := stale.Status(); st == models.StatusConnected || st == models.StatusBusy {
			r.mu.Unlock()
			conn.Disconnect()
			r.log.Debug("late connect discarded", zap.String("terminal_id", cfg.ID))
			return nil
		}
	}
	r.conns[cfg.ID] = conn
	r.mu.Unlock()
	if stale != nil {
		stale.Disconnect()
	}
	r.pub.TerminalEvent("terminal.connected", cfg.ID, cfg.Kind, nil)
	return nil
}

func (r *Registry) recordConnectFailure(terminalID string) {
	r.mu.Lock()
	c, ok := r.conns[terminalID]
	if !ok {
		c = newPlaceholder(terminalID, r.log)
		r.conns[terminalID] = c
	}
	r.mu.Unlock()
	c.recordConnectError()
}

// Connection returns the live connection for a terminal, or nil.
func (r *Registry) Connection(terminalID string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[terminalID]
}

type scoredConn struct {
	conn  *Connection
	score float64
	errs  int64
}

// rankedConnected snapshots every Connected connection and orders them
// best-first: score descending, then lowest errorCount, then terminal
// ID for determinism.
func (r *Registry) rankedConnected() []scoredConn {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	now := r.now()
	ranked := make([]scoredConn, 0, len(conns))
	for _, c := range conns {
		status, tx, errs, lastUsed := c.Snapshot()
		if status != models.StatusConnected {
			continue
		}
		ranked = append(ranked, scoredConn{
			conn:  c,
			score: score(now, tx, errs, lastUsed),
			errs:  errs,
		})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		if ranked[i].errs != ranked[j].errs {
			return ranked[i].errs < ranked[j].errs
		}
		return ranked[i].conn.terminalID < ranked[j].conn.terminalID
	})
	return ranked
}

func score(now time.Time, txCount, errCount int64, lastUsedAt time.Time) float64 {
	recency := 0.0
	if !lastUsedAt.IsZero() {
		recency = 1 - now.Sub(lastUsedAt).Minutes()/recencyDecayMinutes
		if recency < 0 {
			recency = 0
		}
	}
	denom := float64(txCount)
	if denom < 1 {
		denom = 1
	}
	reliability := 1 - float64(errCount)/denom
	return recencyWeight*recency + reliabilityWeight*reliability + loadWeight*loadScore
}

// SelectTerminal picks the best Connected terminal. A preferred ID that
// is currently Connected short-circuits the scoring entirely.
func (r *Registry) SelectTerminal(preferredID string) (string, bool) {
	if preferredID != "" {
		if c := r.Connection(preferredID); c != nil && c.Status() == models.StatusConnected {
			return preferredID, true
		}
	}
	ranked := r.rankedConnected()
	if len(ranked) == 0 {
		return "", false
	}
	return ranked[0].conn.terminalID, true
}

// Acquire selects and claims a connection for a payment in one step:
// the winner is transitioned to Busy before it is returned, so two
// concurrent payments can never pick the same terminal. Candidates that
// lose the Connected->Busy race are skipped, not queued on. The
// returned claim token must be presented to the connection's completion
// methods.
func (r *Registry) Acquire(preferredID string) (*Connection, uint64, bool) {
	if preferredID != "" {
		if c := r.Connection(preferredID); c != nil {
			if claim, ok := c.tryAcquire(); ok {
				return c, claim, true
			}
		}
	}
	for _, sc := range r.rankedConnected() {
		if sc.conn.terminalID == preferredID {
			continue
		}
		if claim, ok := sc.conn.tryAcquire(); ok {
			return sc.conn, claim, true
		}
	}
	return nil, 0, false
}

// Statuses returns a per-terminal snapshot for every configured
// terminal, sorted by ID. Terminals without a live connection report
// Disconnected.
func (r *Registry) Statuses() []models.TerminalStatus {
	r.mu.RLock()
	out := make([]models.TerminalStatus, 0, len(r.configs))
	for id, cfg := range r.configs {
		st := models.TerminalStatus{
			ID:          id,
			DisplayName: cfg.DisplayName,
			Kind:        cfg.Kind,
			Location:    cfg.Location,
			Status:      models.StatusDisconnected,
		}
		if c, ok := r.conns[id]; ok {
			st.Status, st.TransactionCount, st.ErrorCount, st.LastUsedAt = c.Snapshot()
		}
		out = append(out, st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Metrics recomputes the fleet aggregates on demand.
func (r *Registry) Metrics() models.FleetMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := models.FleetMetrics{
		ConfiguredTerminals: len(r.configs),
		ByStatus:            make(map[models.Status]int),
	}
	for id := range r.configs {
		c, ok := r.conns[id]
		if !ok {
			m.ByStatus[models.StatusDisconnected]++
			continue
		}
		status, tx, errs, _ := c.Snapshot()
		m.ByStatus[status]++
		m.TotalTransactions += tx
		m.TotalErrors += errs
	}
	return m
}

// ResetErrors clears a terminal's error counters, releasing it from the
// eviction ceiling so the reconnection loop picks it up again.
func (r *Registry) ResetErrors(terminalID string) error {
	r.mu.RLock()
	_, configured := r.configs[terminalID]
	c := r.conns[terminalID]
	r.mu.RUnlock()

	if !configured {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, terminalID)
	}
	if c != nil {
		c.resetErrors()
	}
	r.log.Info("terminal errors reset", zap.String("terminal_id", terminalID))
	return nil
}

// DisconnectTerminal tears down a terminal's connection on operator
// request.
func (r *Registry) DisconnectTerminal(terminalID string) error {
	c := r.Connection(terminalID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrUnknownTerminal, terminalID)
	}
	c.Disconnect()
	r.pub.TerminalEvent("terminal.disconnected", terminalID, "", nil)
	return nil
}

// Close disconnects every terminal. Called on shutdown after the loops
// have stopped.
func (r *Registry) Close() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}
