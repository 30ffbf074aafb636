package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtx/internal/core/apperror"
	"localtx/internal/core/tx"
	"localtx/pkg/logger"
)

type fixture struct {
	server    *miniredis.Miniredis
	factory   *Factory
	publisher *Publisher
	template  *tx.Template
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	server := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	factory, err := NewFactory(client)
	require.NoError(t, err)
	publisher, err := NewPublisher(factory, nil)
	require.NoError(t, err)
	return &fixture{
		server:    server,
		factory:   factory,
		publisher: publisher,
		template:  tx.NewTemplate(factory.NewManager(tx.WithLogger(logger.NewNop()))),
	}
}

func (f *fixture) backlog(t *testing.T, topic string) []string {
	t.Helper()
	if !f.server.Exists(f.publisher.LogKey(topic)) {
		return nil
	}
	values, err := f.server.List(f.publisher.LogKey(topic))
	require.NoError(t, err)
	return values
}

func TestPublisher_Direct(t *testing.T) {
	t.Run("Should send right away outside a transaction", func(t *testing.T) {
		f := newFixture(t)
		require.NoError(t, f.publisher.Publish(context.Background(), "transfers", map[string]int{"n": 1}))
		assert.Equal(t, []string{`{"n":1}`}, f.backlog(t, "transfers"))
	})

	t.Run("Should require a topic", func(t *testing.T) {
		f := newFixture(t)
		assert.Error(t, f.publisher.Publish(context.Background(), "", 1))
	})

	t.Run("Should trim the backlog", func(t *testing.T) {
		f := newFixture(t)
		p, err := NewPublisher(f.factory, &PublisherOptions{MaxEntries: 2})
		require.NoError(t, err)
		for i := 1; i <= 3; i++ {
			require.NoError(t, p.Publish(context.Background(), "transfers", i))
		}

		msgs, err := p.Backlog(context.Background(), "transfers", 0)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.JSONEq(t, `2`, string(msgs[0]))
		assert.JSONEq(t, `3`, string(msgs[1]))
	})

	t.Run("Should reject a negative backlog size", func(t *testing.T) {
		f := newFixture(t)
		_, err := NewPublisher(f.factory, &PublisherOptions{MaxEntries: -1})
		assert.Error(t, err)
	})
}

func TestPublisher_RedisTransaction(t *testing.T) {
	t.Run("Should hold messages until commit", func(t *testing.T) {
		f := newFixture(t)
		err := f.template.RunInTransaction(context.Background(), func(ctx context.Context) error {
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "first"))
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "second"))
			assert.Nil(t, f.backlog(t, "transfers"))
			return nil
		})
		require.NoError(t, err)

		msgs, err := f.publisher.Backlog(context.Background(), "transfers", 10)
		require.NoError(t, err)
		require.Len(t, msgs, 2)
		assert.JSONEq(t, `"first"`, string(msgs[0]))
		assert.JSONEq(t, `"second"`, string(msgs[1]))
	})

	t.Run("Should discard messages on rollback", func(t *testing.T) {
		f := newFixture(t)
		boom := errors.New("boom")
		err := f.template.RunInTransaction(context.Background(), func(ctx context.Context) error {
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "lost"))
			return boom
		})
		assert.Same(t, boom, err)
		assert.Nil(t, f.backlog(t, "transfers"))
	})

	t.Run("Should refuse to publish from a read-only transaction", func(t *testing.T) {
		f := newFixture(t)
		err := f.template.ReadOnly(context.Background(), func(ctx context.Context) error {
			return f.publisher.Publish(ctx, "transfers", "nope")
		})
		assert.ErrorIs(t, err, apperror.ErrIllegalTransactionState)
	})

	t.Run("Should reject nested scopes", func(t *testing.T) {
		f := newFixture(t)
		nested := f.template.With(tx.WithPropagation(tx.PropagationNested))
		err := f.template.RunInTransaction(context.Background(), func(ctx context.Context) error {
			return nested.RunInTransaction(ctx, func(ctx context.Context) error { return nil })
		})
		assert.ErrorIs(t, err, apperror.ErrNestedNotSupported)
	})
}

func TestPublisher_Synchronized(t *testing.T) {
	t.Run("Should flush after another manager commits", func(t *testing.T) {
		f := newFixture(t)
		driver, err := NewFactory(f.factory.Client())
		require.NoError(t, err)
		outer := tx.NewTemplate(driver.NewManager(tx.WithLogger(logger.NewNop())))

		err = outer.RunInTransaction(context.Background(), func(ctx context.Context) error {
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "after-commit"))
			assert.Nil(t, f.backlog(t, "transfers"))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{`"after-commit"`}, f.backlog(t, "transfers"))
	})

	t.Run("Should flush at the end of a non-transactional scope", func(t *testing.T) {
		f := newFixture(t)
		supports := f.template.With(tx.WithPropagation(tx.PropagationSupports))

		err := supports.RunInTransaction(context.Background(), func(ctx context.Context) error {
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "deferred"))
			assert.Nil(t, f.backlog(t, "transfers"))
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{`"deferred"`}, f.backlog(t, "transfers"))
	})

	t.Run("Should discard when the driving transaction rolls back", func(t *testing.T) {
		f := newFixture(t)
		driver, err := NewFactory(f.factory.Client())
		require.NoError(t, err)
		outer := tx.NewTemplate(driver.NewManager(tx.WithLogger(logger.NewNop())))

		err = outer.RunInTransaction(context.Background(), func(ctx context.Context) error {
			require.NoError(t, f.publisher.Publish(ctx, "transfers", "lost"))
			return errors.New("debit failed")
		})
		require.Error(t, err)
		assert.Nil(t, f.backlog(t, "transfers"))
	})
}
