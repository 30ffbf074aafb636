package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"localtx/internal/infrastructure/messaging/redis"
	"localtx/internal/infrastructure/storage/postgres"
	"localtx/internal/infrastructure/storage/sqlstore"
	"localtx/pkg/logger"
)

// deliverer hands outbox messages to Redis and records them in the delivery
// log. Both enlist in the relay's PostgreSQL transaction and commit after it.
type deliverer struct {
	publisher *redis.Publisher
	log       *sqlstore.Factory
}

func (d *deliverer) Handle(ctx context.Context, msg *postgres.OutboxMessage) error {
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, "outbox."+msg.EventType, json.RawMessage(msg.Payload)); err != nil {
			return err
		}
	}
	if d.log != nil {
		q, err := d.log.GetQuerier(ctx)
		if err != nil {
			return err
		}
		_, err = q.ExecContext(ctx,
			"INSERT INTO delivered_events (id, event_type, aggregate_id, payload, delivered_at) VALUES (?, ?, ?, ?, ?)",
			msg.ID.String(), msg.EventType, msg.AggregateID, string(msg.Payload), time.Now().UTC())
		if err != nil {
			return fmt.Errorf("record delivery: %w", err)
		}
	}
	return nil
}

// runRelay polls the outbox until ctx is cancelled.
func runRelay(ctx context.Context, relay *postgres.OutboxRelay, interval time.Duration, log *logger.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := relay.ProcessBatch(ctx)
			if err != nil {
				log.Errorw("outbox batch failed", "error", err)
				continue
			}
			if n > 0 {
				log.Infow("outbox messages delivered", "count", n)
			}
		}
	}
}
