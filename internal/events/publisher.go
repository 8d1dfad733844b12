package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

const (
	SubjectTerminals = "terminals.events"
	SubjectPayments  = "payments.events"
	SubjectSync      = "payments.sync"
)

// Publisher emits terminal and payment lifecycle events over NATS. A nil
// Publisher is valid and drops everything, so the daemon runs without a
// broker.
type Publisher struct {
	nc  *nats.Conn
	log *zap.Logger
}

func NewPublisher(url string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("terminald"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &Publisher{nc: nc, log: log}, nil
}

// TerminalEvent publishes a terminal lifecycle event (connected,
// disconnected, health_check_failed, evicted, ...).
func (p *Publisher) TerminalEvent(event, terminalID, kind string, fields map[string]any) {
	payload := map[string]any{
		"event":       event,
		"terminal_id": terminalID,
		"kind":        kind,
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range fields {
		payload[k] = v
	}
	p.publish(SubjectTerminals, payload)
}

// PaymentEvent publishes a payment outcome event.
func (p *Publisher) PaymentEvent(event string, res models.PaymentResult, amount int64, currency string) {
	p.publish(SubjectPayments, map[string]any{
		"event":       event,
		"terminal_id": res.TerminalID,
		"payment_id":  res.PaymentID,
		"error":       res.Error,
		"amount":      amount,
		"currency":    currency,
		"time":        time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (p *Publisher) publish(subject string, payload map[string]any) {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return
	}
	b, err := json.Marshal(payload)
	if err != nil {
		p.log.Warn("event marshal failed", zap.Error(err))
		return
	}
	if err := p.nc.Publish(subject, b); err != nil {
		p.log.Warn("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Deliver hands a finalized payment record to the settlement stream.
// Implements outbox.Deliverer.
func (p *Publisher) Deliver(ctx context.Context, rec models.PaymentRecord) error {
	if p == nil || p.nc == nil || p.nc.IsClosed() {
		return nats.ErrConnectionClosed
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return p.nc.Publish(SubjectSync, b)
}

func (p *Publisher) Close() {
	if p == nil || p.nc == nil {
		return
	}
	p.nc.Drain()
	p.nc.Close()
}
