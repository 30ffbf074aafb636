package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"localtx/internal/core/apperror"
	"localtx/internal/core/tx"
)

const (
	defaultChannelPrefix = "events:"
	defaultLogPrefix     = "events:log:"
	defaultMaxEntries    = 500
)

// PublisherOptions controls key naming and backlog size.
type PublisherOptions struct {
	ChannelPrefix string
	LogPrefix     string
	MaxEntries    int64
}

// Publisher appends messages to a per-topic backlog list and broadcasts them.
//
// Inside a Redis transaction the commands join its session. Inside another
// manager's transaction they are queued in a session flushed after that
// transaction commits and discarded if it rolls back. Otherwise they are sent
// right away.
type Publisher struct {
	factory       *Factory
	channelPrefix string
	logPrefix     string
	maxEntries    int64
}

func NewPublisher(factory *Factory, opts *PublisherOptions) (*Publisher, error) {
	if factory == nil {
		return nil, errors.New("redis: factory is required")
	}
	p := &Publisher{
		factory:       factory,
		channelPrefix: defaultChannelPrefix,
		logPrefix:     defaultLogPrefix,
		maxEntries:    defaultMaxEntries,
	}
	if opts != nil {
		if opts.ChannelPrefix != "" {
			p.channelPrefix = opts.ChannelPrefix
		}
		if opts.LogPrefix != "" {
			p.logPrefix = opts.LogPrefix
		}
		if opts.MaxEntries < 0 {
			return nil, fmt.Errorf("redis: max entries must be >= 0 (got %d)", opts.MaxEntries)
		}
		if opts.MaxEntries > 0 {
			p.maxEntries = opts.MaxEntries
		}
	}
	return p, nil
}

// Publish sends payload, JSON-encoded, to topic.
func (p *Publisher) Publish(ctx context.Context, topic string, payload any) error {
	if topic == "" {
		return errors.New("redis: topic is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("redis: marshal payload: %w", err)
	}

	holder, err := tx.ParticipantHolder(ctx, p.factory)
	if err != nil {
		return err
	}
	if holder != nil {
		session := holder.Resource().(*Session)
		if session.ReadOnly() {
			return apperror.NewIllegalTransactionState("cannot publish from a read-only transaction").
				WithDetail("topic", topic)
		}
		p.queue(ctx, session.Pipeliner(), topic, data)
		return nil
	}

	pipe := p.factory.client.TxPipeline()
	p.queue(ctx, pipe, topic, data)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish to %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) queue(ctx context.Context, pipe goredis.Pipeliner, topic string, data []byte) {
	key := p.LogKey(topic)
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, p.maxEntries-1)
	pipe.Publish(ctx, p.Channel(topic), data)
}

// Backlog returns up to limit stored messages of topic, oldest first.
func (p *Publisher) Backlog(ctx context.Context, topic string, limit int) ([]json.RawMessage, error) {
	if limit <= 0 || int64(limit) > p.maxEntries {
		limit = int(p.maxEntries)
	}
	values, err := p.factory.client.LRange(ctx, p.LogKey(topic), 0, int64(limit)-1).Result()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, fmt.Errorf("redis: fetch backlog: %w", err)
	}
	out := make([]json.RawMessage, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		out = append(out, json.RawMessage(values[i]))
	}
	return out, nil
}

// Channel returns the pub/sub channel of topic.
func (p *Publisher) Channel(topic string) string { return p.channelPrefix + topic }

// LogKey returns the list key of topic's backlog.
func (p *Publisher) LogKey(topic string) string { return p.logPrefix + topic }
