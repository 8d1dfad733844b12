package fleet

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

const (
	// DefaultReconnectInterval paces the discovery/reconnection loop.
	DefaultReconnectInterval = time.Minute
	// DefaultProbeInterval paces the health monitor.
	DefaultProbeInterval = 30 * time.Second
	// evictionCeiling stops the reconnection loop from hammering a
	// permanently broken device; clearing it requires an operator
	// ResetErrors.
	evictionCeiling = 5
	// probeStrikeLimit bounds how long a half-dead connection can
	// linger: after this many consecutive probe failures it is torn
	// down so the next reconnection pass starts clean.
	probeStrikeLimit = 3

	probeTimeout = 5 * time.Second
)

// Monitor runs the two background loops that keep the fleet healthy:
// the discovery/reconnection loop and the liveness probe loop. Each
// loop's tick is non-reentrant; a tick is skipped while the previous
// one is still running. Neither loop ever touches a Busy connection.
type Monitor struct {
	reg *Registry
	log *zap.Logger

	reconnectEvery time.Duration
	probeEvery     time.Duration

	reconnecting atomic.Bool
	probing      atomic.Bool

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewMonitor(reg *Registry, log *zap.Logger, reconnectEvery, probeEvery time.Duration) *Monitor {
	if reconnectEvery <= 0 {
		reconnectEvery = DefaultReconnectInterval
	}
	if probeEvery <= 0 {
		probeEvery = DefaultProbeInterval
	}
	return &Monitor{
		reg:            reg,
		log:            log,
		reconnectEvery: reconnectEvery,
		probeEvery:     probeEvery,
		stop:           make(chan struct{}),
	}
}

func (m *Monitor) Start() {
	m.wg.Add(2)
	go m.loop(m.reconnectEvery, m.reconnectPass)
	go m.loop(m.probeEvery, m.probePass)
}

func (m *Monitor) Stop() {
	close(m.stop)
	m.wg.Wait()
}

func (m *Monitor) loop(every time.Duration, pass func(context.Context)) {
	defer m.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			pass(context.Background())
		}
	}
}

// reconnectPass attempts to bring every enabled-but-offline terminal
// back online. Entries at or above the eviction ceiling are skipped
// until an operator resets them; Busy entries are never touched.
func (m *Monitor) reconnectPass(ctx context.Context) {
	if !m.reconnecting.CompareAndSwap(false, true) {
		return
	}
	defer m.reconnecting.Store(false)

	m.reg.mu.RLock()
	configs := make([]models.TerminalConfig, 0, len(m.reg.configs))
	for _, cfg := range m.reg.configs {
		configs = append(configs, cfg)
	}
	m.reg.mu.RUnlock()

	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		c := m.reg.Connection(cfg.ID)
		if c != nil {
			switch c.Status() {
			case models.StatusConnected, models.StatusBusy:
				continue
			}
			if c.ErrorCount() >= evictionCeiling {
				m.log.Debug("terminal past eviction ceiling, skipping reconnect",
					zap.String("terminal_id", cfg.ID),
					zap.Int64("error_count", c.ErrorCount()))
				continue
			}
		}
		// connectTerminal logs and counts its own failures.
		_ = m.reg.connectTerminal(ctx, cfg)
	}
}

// probePass checks liveness of every Connected connection and tears
// down those that keep failing, so the reconnection loop can attempt a
// clean reconnect.
func (m *Monitor) probePass(ctx context.Context) {
	if !m.probing.CompareAndSwap(false, true) {
		return
	}
	defer m.probing.Store(false)

	m.reg.mu.RLock()
	conns := make([]*Connection, 0, len(m.reg.conns))
	for _, c := range m.reg.conns {
		conns = append(conns, c)
	}
	m.reg.mu.RUnlock()

	for _, c := range conns {
		pctx, cancel := context.WithTimeout(ctx, probeTimeout)
		strikes, err := c.Probe(pctx)
		cancel()
		if err == nil {
			continue
		}
		m.log.Warn("health probe failed",
			zap.String("terminal_id", c.TerminalID()),
			zap.Int("strikes", strikes),
			zap.Error(err))
		m.reg.pub.TerminalEvent("terminal.health_check_failed", c.TerminalID(), "",
			map[string]any{"strikes": strikes})
		if strikes >= probeStrikeLimit {
			m.log.Warn("probe strike limit reached, tearing down",
				zap.String("terminal_id", c.TerminalID()))
			c.Disconnect()
			m.reg.pub.TerminalEvent("terminal.evicted", c.TerminalID(), "", nil)
		}
	}
}
