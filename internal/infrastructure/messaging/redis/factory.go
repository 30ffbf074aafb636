// Package redis plugs Redis into the transaction coordinator as a messaging
// resource manager. A session queues commands in a MULTI/EXEC pipeline: commit
// sends EXEC, rollback discards the queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

var (
	_ tx.ResourceFactory = (*Factory)(nil)
	_ tx.Resource        = (*Session)(nil)
)

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// NewClient connects to Redis and pings it.
func NewClient(ctx context.Context, cfg Config) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// Factory opens pipeline sessions. Use one Factory per client.
type Factory struct {
	client goredis.UniversalClient
	log    *logger.Logger
}

func NewFactory(client goredis.UniversalClient) (*Factory, error) {
	if client == nil {
		return nil, errors.New("redis: client is required")
	}
	return &Factory{client: client, log: logger.Default().WithComponent("redis")}, nil
}

// NewManager returns a transaction manager driving this factory.
func (f *Factory) NewManager(opts ...tx.ManagerOption) *tx.TxManager {
	return tx.NewTxManager(f, append([]tx.ManagerOption{tx.WithManagerName("redis")}, opts...)...)
}

// Client returns the underlying client.
func (f *Factory) Client() goredis.UniversalClient { return f.client }

func (f *Factory) CreateResource(ctx context.Context, def tx.Definition) (tx.Resource, error) {
	return &Session{pipe: f.client.TxPipeline(), readOnly: def.ReadOnly}, nil
}

func (f *Factory) ExtractHandle(holder *tx.ResourceHolder) (any, error) {
	s, ok := holder.Resource().(*Session)
	if !ok {
		return nil, fmt.Errorf("redis: unexpected resource type %T", holder.Resource())
	}
	return s.Pipeliner(), nil
}

// SynchronizedLocalTransactionAllowed is true: a session can be flushed after
// another manager's commit.
func (f *Factory) SynchronizedLocalTransactionAllowed() bool { return true }

// Session is a MULTI/EXEC pipeline owned by a resource holder. Redis has no
// savepoints, so sessions cannot nest.
type Session struct {
	pipe     goredis.Pipeliner
	readOnly bool
	done     bool
}

// Pipeliner returns the queue commands are added to.
func (s *Session) Pipeliner() goredis.Pipeliner { return s.pipe }

// ReadOnly reports whether the session belongs to a read-only transaction.
func (s *Session) ReadOnly() bool { return s.readOnly }

// Commit sends the queued commands as one MULTI/EXEC block.
func (s *Session) Commit(ctx context.Context) error {
	s.done = true
	if s.pipe.Len() == 0 {
		return nil
	}
	if _, err := s.pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: exec: %w", err)
	}
	return nil
}

func (s *Session) Rollback(ctx context.Context) error {
	s.done = true
	s.pipe.Discard()
	return nil
}

func (s *Session) Close(ctx context.Context) error {
	if !s.done {
		s.pipe.Discard()
	}
	return nil
}
