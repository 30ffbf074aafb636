package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/klauspost/compress/zstd"

	"localtx/internal/core/apperror"
	"localtx/internal/core/id"
	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

const outboxTable = "sys_outbox"

// OutboxStatus represents the state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusPublished OutboxStatus = "published"
	OutboxStatusFailed    OutboxStatus = "failed"
)

// Compression of the stored payload.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

// OutboxMessage is a row of the outbox table.
type OutboxMessage struct {
	ID            id.ID        `db:"id"`
	AggregateType string       `db:"aggregate_type"`
	AggregateID   string       `db:"aggregate_id"`
	EventType     string       `db:"event_type"`
	Payload       []byte       `db:"payload"`
	Compression   Compression  `db:"compression"`
	Status        OutboxStatus `db:"status"`
	RetryCount    int          `db:"retry_count"`
	CreatedAt     time.Time    `db:"created_at"`
}

// Event is a domain event to be stored in the outbox.
type Event struct {
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       any
}

// OutboxPublisher writes events to the outbox table inside the ambient transaction.
type OutboxPublisher struct {
	factory           *Factory
	builder           squirrel.StatementBuilderType
	encoder           *zstd.Encoder
	compressThreshold int
	now               func() time.Time
}

// NewOutboxPublisher creates a publisher that compresses payloads above 4KB.
func NewOutboxPublisher(factory *Factory) (*OutboxPublisher, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &OutboxPublisher{
		factory:           factory,
		builder:           squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		encoder:           encoder,
		compressThreshold: 4 * 1024,
		now:               time.Now,
	}, nil
}

// SetCompressThreshold changes the payload size above which payloads are compressed.
func (p *OutboxPublisher) SetCompressThreshold(n int) { p.compressThreshold = n }

// Publish writes event within the current transaction. It fails outside one,
// since an outbox row written on its own defeats the pattern.
func (p *OutboxPublisher) Publish(ctx context.Context, event Event) (id.ID, error) {
	pgxTx := p.factory.GetTx(ctx)
	if pgxTx == nil {
		return id.ID{}, apperror.NewIllegalTransactionState("outbox publish requires a postgres transaction")
	}

	msgID := id.New()
	sql, args, err := p.insert(msgID, event)
	if err != nil {
		return id.ID{}, err
	}
	if _, err := pgxTx.Exec(ctx, sql, args...); err != nil {
		return id.ID{}, fmt.Errorf("insert outbox message: %w", err)
	}
	return msgID, nil
}

// PublishBatch writes events with a single round trip.
func (p *OutboxPublisher) PublishBatch(ctx context.Context, events []Event) error {
	pgxTx := p.factory.GetTx(ctx)
	if pgxTx == nil {
		return apperror.NewIllegalTransactionState("outbox publish requires a postgres transaction")
	}

	batch := &pgx.Batch{}
	for _, event := range events {
		sql, args, err := p.insert(id.New(), event)
		if err != nil {
			return err
		}
		batch.Queue(sql, args...)
	}

	results := pgxTx.SendBatch(ctx, batch)
	defer results.Close()

	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("batch insert outbox message: %w", err)
		}
	}
	return nil
}

func (p *OutboxPublisher) insert(msgID id.ID, event Event) (string, []any, error) {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return "", nil, fmt.Errorf("marshal event payload: %w", err)
	}

	compression := CompressionNone
	if len(payload) > p.compressThreshold {
		payload = p.encoder.EncodeAll(payload, nil)
		compression = CompressionZstd
	}

	sql, args, err := p.builder.
		Insert(outboxTable).
		Columns("id", "aggregate_type", "aggregate_id", "event_type", "payload", "compression", "status", "created_at").
		Values(msgID, event.AggregateType, event.AggregateID, event.EventType, payload, compression, OutboxStatusPending, p.now().UTC()).
		ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("build outbox insert: %w", err)
	}
	return sql, args, nil
}

// OutboxHandler delivers an outbox message. It runs inside the message's
// transaction, so a participant it calls commits together with the status update.
type OutboxHandler interface {
	Handle(ctx context.Context, msg *OutboxMessage) error
}

// OutboxHandlerFunc adapts a function to OutboxHandler.
type OutboxHandlerFunc func(ctx context.Context, msg *OutboxMessage) error

func (f OutboxHandlerFunc) Handle(ctx context.Context, msg *OutboxMessage) error { return f(ctx, msg) }

// OutboxRelay reads pending messages and hands them to a handler, one
// REQUIRES_NEW transaction per message.
type OutboxRelay struct {
	factory    *Factory
	template   *tx.Template
	handler    OutboxHandler
	builder    squirrel.StatementBuilderType
	decoder    *zstd.Decoder
	batchSize  uint64
	maxRetries int
	now        func() time.Time
}

// NewOutboxRelay creates a relay. Messages failing maxRetries times are marked failed.
func NewOutboxRelay(factory *Factory, manager tx.Manager, handler OutboxHandler, batchSize, maxRetries int) (*OutboxRelay, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &OutboxRelay{
		factory: factory,
		template: tx.NewTemplate(manager,
			tx.WithPropagation(tx.PropagationRequiresNew),
			tx.WithName("outbox-relay")),
		handler:    handler,
		builder:    squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
		decoder:    decoder,
		batchSize:  uint64(batchSize),
		maxRetries: maxRetries,
		now:        time.Now,
	}, nil
}

// ProcessBatch fetches pending messages and processes each of them.
// It returns the number of messages delivered.
func (r *OutboxRelay) ProcessBatch(ctx context.Context) (int, error) {
	messages, err := r.fetchPending(ctx)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, msg := range messages {
		delivered, err := r.processMessage(ctx, msg)
		if err != nil {
			logger.Warn(ctx, "outbox message delivery failed",
				"message_id", msg.ID.String(), "event_type", msg.EventType, "error", err)
			r.recordFailure(ctx, msg, err)
			continue
		}
		if delivered {
			processed++
		}
	}
	return processed, nil
}

func (r *OutboxRelay) fetchPending(ctx context.Context) ([]*OutboxMessage, error) {
	querier, err := r.factory.GetQuerier(ctx)
	if err != nil {
		return nil, err
	}

	sql, args, err := r.builder.
		Select("id", "aggregate_type", "aggregate_id", "event_type", "payload", "compression", "status", "retry_count", "created_at").
		From(outboxTable).
		Where(squirrel.Eq{"status": OutboxStatusPending}).
		OrderBy("created_at").
		Limit(r.batchSize).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build outbox select: %w", err)
	}

	var messages []*OutboxMessage
	if err := pgxscan.Select(ctx, querier, &messages, sql, args...); err != nil {
		return nil, fmt.Errorf("fetch outbox messages: %w", err)
	}

	for _, msg := range messages {
		if msg.Compression != CompressionZstd {
			continue
		}
		payload, err := r.decoder.DecodeAll(msg.Payload, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress outbox message %s: %w", msg.ID, err)
		}
		msg.Payload = payload
		msg.Compression = CompressionNone
	}
	return messages, nil
}

// processMessage claims msg, runs the handler and marks it published, all in one
// transaction. A message claimed by another relay is skipped.
func (r *OutboxRelay) processMessage(ctx context.Context, msg *OutboxMessage) (bool, error) {
	return tx.ExecuteWithResult(ctx, r.template, func(ctx context.Context, status *tx.Status) (bool, error) {
		pgxTx := r.factory.GetTx(ctx)

		var claimed id.ID
		err := pgxTx.QueryRow(ctx,
			"SELECT id FROM "+outboxTable+" WHERE id = $1 AND status = $2 FOR UPDATE SKIP LOCKED",
			msg.ID.String(), OutboxStatusPending).Scan(&claimed)
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("claim outbox message: %w", err)
		}

		if err := r.handler.Handle(ctx, msg); err != nil {
			return false, err
		}

		sql, args, err := r.builder.
			Update(outboxTable).
			Set("status", OutboxStatusPublished).
			Set("published_at", r.now().UTC()).
			Where(squirrel.Eq{"id": msg.ID.String()}).
			ToSql()
		if err != nil {
			return false, fmt.Errorf("build outbox update: %w", err)
		}
		if _, err := pgxTx.Exec(ctx, sql, args...); err != nil {
			return false, fmt.Errorf("mark outbox message published: %w", err)
		}
		return true, nil
	})
}

func (r *OutboxRelay) recordFailure(ctx context.Context, msg *OutboxMessage, cause error) {
	status := OutboxStatusPending
	if msg.RetryCount+1 >= r.maxRetries {
		status = OutboxStatusFailed
	}

	err := r.template.RunInTransaction(ctx, func(ctx context.Context) error {
		sql, args, err := r.builder.
			Update(outboxTable).
			Set("retry_count", msg.RetryCount+1).
			Set("last_error", cause.Error()).
			Set("status", status).
			Where(squirrel.Eq{"id": msg.ID.String()}).
			ToSql()
		if err != nil {
			return err
		}
		_, err = r.factory.GetTx(ctx).Exec(ctx, sql, args...)
		return err
	})
	if err != nil {
		logger.Error(ctx, "could not record outbox failure", "message_id", msg.ID.String(), "error", err)
	}
}
