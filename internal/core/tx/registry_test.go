package tx

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtx/internal/core/apperror"
)

type testKey string

func TestRegistry_BindDiscipline(t *testing.T) {
	reg := NewRegistry()
	log := &callLog{}
	a := NewResourceHolder(&fakeResource{name: "A", log: log})
	b := NewResourceHolder(&fakeResource{name: "B", log: log})

	require.NoError(t, reg.BindResource(testKey("a"), a))
	require.NoError(t, reg.BindResource(testKey("b"), b))

	t.Run("Should reject binding an already bound key", func(t *testing.T) {
		other := NewResourceHolder(&fakeResource{name: "C", log: log})
		err := reg.BindResource(testKey("a"), other)
		assert.ErrorIs(t, err, apperror.ErrIllegalState)
		assert.Same(t, a, reg.GetResource(testKey("a")))
		assert.Same(t, b, reg.GetResource(testKey("b")))
	})

	t.Run("Should reject unbinding an unbound key", func(t *testing.T) {
		_, err := reg.UnbindResource(testKey("missing"))
		assert.ErrorIs(t, err, apperror.ErrIllegalState)
		assert.Len(t, reg.ResourceMap(), 2)
	})

	t.Run("Should reject a nil holder", func(t *testing.T) {
		err := reg.BindResource(testKey("c"), nil)
		assert.ErrorIs(t, err, apperror.ErrIllegalState)
		assert.False(t, reg.HasResource(testKey("c")))
	})

	t.Run("Should unbind exactly once", func(t *testing.T) {
		got, err := reg.UnbindResource(testKey("a"))
		require.NoError(t, err)
		assert.Same(t, a, got)

		_, err = reg.UnbindResource(testKey("a"))
		assert.ErrorIs(t, err, apperror.ErrIllegalState)
		assert.Nil(t, reg.UnbindResourceIfPossible(testKey("a")))
		assert.Same(t, b, reg.GetResource(testKey("b")))
	})

	t.Run("Should drop void holders", func(t *testing.T) {
		b.Unbound()
		assert.Nil(t, reg.GetResource(testKey("b")))
		assert.Empty(t, reg.ResourceMap())

		fresh := NewResourceHolder(&fakeResource{name: "B", log: log})
		require.NoError(t, reg.BindResource(testKey("b"), fresh))
		assert.Same(t, fresh, reg.GetResource(testKey("b")))
	})
}

func TestRegistry_Synchronization(t *testing.T) {
	reg := NewRegistry()
	log := &callLog{}

	t.Run("Should require active synchronization", func(t *testing.T) {
		assert.ErrorIs(t, reg.RegisterSynchronization(recordingSync("s", log)), apperror.ErrIllegalState)
		assert.ErrorIs(t, reg.ClearSynchronization(), apperror.ErrIllegalState)
		assert.Nil(t, reg.Synchronizations())
	})

	t.Run("Should keep registration order", func(t *testing.T) {
		require.NoError(t, reg.InitSynchronization())
		assert.ErrorIs(t, reg.InitSynchronization(), apperror.ErrIllegalState)

		first := recordingSync("first", log)
		second := recordingSync("second", log)
		require.NoError(t, reg.RegisterSynchronization(first))
		require.NoError(t, reg.RegisterSynchronization(second))
		assert.ErrorIs(t, reg.RegisterSynchronization(nil), apperror.ErrIllegalState)

		syncs := reg.Synchronizations()
		require.Len(t, syncs, 2)
		assert.Same(t, first, syncs[0])
		assert.Same(t, second, syncs[1])
	})

	t.Run("Should drop listeners on clear", func(t *testing.T) {
		require.NoError(t, reg.ClearSynchronization())
		assert.False(t, reg.IsSynchronizationActive())
		assert.Nil(t, reg.Synchronizations())
	})
}

func TestRegistry_Flags(t *testing.T) {
	reg := NewRegistry()
	reg.SetCurrentTransactionName("transfer")
	reg.SetCurrentTransactionReadOnly(true)
	reg.SetCurrentTransactionIsolation(IsolationSerializable)
	reg.SetActualTransactionActive(true)
	require.NoError(t, reg.InitSynchronization())
	require.NoError(t, reg.BindResource(testKey("a"), NewResourceHolder(&fakeResource{})))

	reg.Clear()

	assert.Empty(t, reg.CurrentTransactionName())
	assert.False(t, reg.IsCurrentTransactionReadOnly())
	assert.Equal(t, IsolationDefault, reg.CurrentTransactionIsolation())
	assert.False(t, reg.IsActualTransactionActive())
	assert.False(t, reg.IsSynchronizationActive())
	assert.True(t, reg.HasResource(testKey("a")))
}

func TestRegistry_Context(t *testing.T) {
	t.Run("Should return nil without a registry", func(t *testing.T) {
		assert.Nil(t, RegistryFromContext(context.Background()))
	})

	t.Run("Should create a registry once", func(t *testing.T) {
		ctx, reg := ensureRegistry(context.Background())
		require.NotNil(t, reg)
		again, same := ensureRegistry(ctx)
		assert.Same(t, reg, same)
		assert.Equal(t, ctx, again)
	})

	t.Run("Should isolate concurrent contexts", func(t *testing.T) {
		var wg sync.WaitGroup
		regs := make([]*Registry, 8)
		for i := range regs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				ctx, reg := ensureRegistry(context.Background())
				_ = reg.BindResource(testKey("pg"), NewResourceHolder(&fakeResource{}))
				regs[i] = RegistryFromContext(ctx)
			}(i)
		}
		wg.Wait()

		for i := range regs {
			require.NotNil(t, regs[i])
			assert.Len(t, regs[i].ResourceMap(), 1)
			for j := i + 1; j < len(regs); j++ {
				assert.NotSame(t, regs[i], regs[j])
			}
		}
	})
}
