package v1

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localtx/internal/core/types"
	"localtx/internal/domain/ledger"
	"localtx/internal/infrastructure/http/v1/handlers"
	"localtx/pkg/logger"
)

type balances map[string]string

func (b balances) Balance(_ context.Context, accountID string) (types.Money, error) {
	if accountID == "acc-broken" {
		return types.Money{}, errors.New("connection reset")
	}
	v, ok := b[accountID]
	if !ok {
		return types.Money{}, ledger.ErrAccountNotFound
	}
	return types.MustMoney(v), nil
}

func serve(t *testing.T, router *gin.Engine, path string) (int, map[string]any) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	var body map[string]any
	if w.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestRouter(t *testing.T) {
	redisErr := errors.New("dial tcp: connection refused")
	newRouter := func(redisDown bool) *gin.Engine {
		return NewRouter(RouterConfig{
			Logger: logger.NewNop(),
			Checks: map[string]handlers.Check{
				"postgres": func(context.Context) error { return nil },
				"redis": func(context.Context) error {
					if redisDown {
						return redisErr
					}
					return nil
				},
			},
			Ledger: balances{"acc-a": "100.5"},
			Metrics: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte("localtx_transactions_total 3\n"))
			}),
		})
	}

	t.Run("Should report liveness", func(t *testing.T) {
		code, body := serve(t, newRouter(false), "/health/live")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("Should be ready when every check passes", func(t *testing.T) {
		code, body := serve(t, newRouter(false), "/health/ready")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, map[string]any{"postgres": "healthy", "redis": "healthy"}, body["checks"])
	})

	t.Run("Should not be ready when a check fails", func(t *testing.T) {
		code, body := serve(t, newRouter(true), "/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, code)
		assert.Equal(t, "error", body["status"])
		checks := body["checks"].(map[string]any)
		assert.Equal(t, "healthy", checks["postgres"])
		assert.Equal(t, "unhealthy: "+redisErr.Error(), checks["redis"])
	})

	t.Run("Should serve balances", func(t *testing.T) {
		code, body := serve(t, newRouter(false), "/accounts/acc-a/balance")
		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "100.50", body["balance"])
	})

	t.Run("Should map a missing account to 404", func(t *testing.T) {
		code, body := serve(t, newRouter(false), "/accounts/acc-x/balance")
		assert.Equal(t, http.StatusNotFound, code)
		assert.Equal(t, "acc-x", body["account"])
	})

	t.Run("Should hide read failures behind 500", func(t *testing.T) {
		code, body := serve(t, newRouter(false), "/accounts/acc-broken/balance")
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Equal(t, "internal error", body["error"])
	})

	t.Run("Should mount the metrics handler", func(t *testing.T) {
		w := httptest.NewRecorder()
		newRouter(false).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "localtx_transactions_total 3")
	})

	t.Run("Should recover from handler panics", func(t *testing.T) {
		router := newRouter(false)
		router.GET("/panic", func(*gin.Context) { panic("boom") })

		code, body := serve(t, router, "/panic")
		assert.Equal(t, http.StatusInternalServerError, code)
		assert.Equal(t, "internal error", body["error"])
	})
}
