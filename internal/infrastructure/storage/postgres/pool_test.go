package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolConfig(t *testing.T) {
	t.Run("Should apply the configured limits", func(t *testing.T) {
		pc, err := DefaultPoolConfig("postgres://ledger@localhost:5432/ledger").pgxConfig()
		require.NoError(t, err)

		assert.Equal(t, int32(25), pc.MaxConns)
		assert.Equal(t, int32(2), pc.MinConns)
		assert.Equal(t, time.Hour, pc.MaxConnLifetime)
		assert.Equal(t, "localtx", pc.ConnConfig.RuntimeParams["application_name"])
	})

	t.Run("Should keep pgx defaults for zero values", func(t *testing.T) {
		pc, err := PoolConfig{DSN: "postgres://ledger@localhost:5432/ledger?pool_max_conns=7"}.pgxConfig()
		require.NoError(t, err)
		assert.Equal(t, int32(7), pc.MaxConns)
	})

	t.Run("Should reject a malformed dsn", func(t *testing.T) {
		_, err := PoolConfig{DSN: "postgres://ledger@localhost:notaport/ledger"}.pgxConfig()
		assert.Error(t, err)
	})
}
