package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/posfleet/terminald/internal/models"
)

const (
	syncQueue           = "payments:sync"
	processingQueueStem = "payments:sync:processing:"
)

// RedisSink queues payment records on a Redis list so an external
// settlement worker (or this process's own drain loop) can consume
// them. Records move through a per-worker processing list while being
// delivered so a crash mid-delivery leaves them recoverable.
type RedisSink struct {
	client *redis.Client
	log    *zap.Logger

	stop chan struct{}
	wg   sync.WaitGroup
}

func NewRedisSink(addr string, log *zap.Logger) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisSink{client: client, log: log, stop: make(chan struct{})}, nil
}

func (s *RedisSink) Enqueue(ctx context.Context, rec models.PaymentRecord) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, syncQueue, payload).Err()
}

// StartDrain consumes the sync queue and hands each record to the
// deliverer. Failed deliveries are pushed back onto the queue and
// retried on a later pass.
func (s *RedisSink) StartDrain(d Deliverer) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()
		processing := processingQueueStem + fmt.Sprintf("%d", time.Now().UnixNano())
		for {
			select {
			case <-s.stop:
				return
			default:
			}
			res, err := s.client.BRPopLPush(ctx, syncQueue, processing, time.Second).Result()
			if err != nil {
				if err != redis.Nil {
					s.log.Warn("redis sink: pop failed", zap.Error(err))
					time.Sleep(time.Second)
				}
				continue
			}
			var rec models.PaymentRecord
			if err := json.Unmarshal([]byte(res), &rec); err != nil {
				s.log.Warn("redis sink: undecodable record", zap.Error(err))
				s.client.LRem(ctx, processing, 0, res)
				continue
			}
			if err := d.Deliver(ctx, rec); err != nil {
				s.log.Warn("redis sink: delivery failed",
					zap.String("payment_id", rec.PaymentID), zap.Error(err))
				s.client.LPush(ctx, syncQueue, res)
			}
			s.client.LRem(ctx, processing, 0, res)
		}
	}()
}

func (s *RedisSink) Close() error {
	close(s.stop)
	s.wg.Wait()
	return s.client.Close()
}
