package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"localtx/internal/core/types"
	"localtx/internal/domain/ledger"
	"localtx/pkg/logger"
)

// BalanceReader is the read side of the ledger service.
type BalanceReader interface {
	Balance(ctx context.Context, accountID string) (types.Money, error)
}

type LedgerHandler struct {
	ledger BalanceReader
}

func NewLedgerHandler(reader BalanceReader) *LedgerHandler {
	return &LedgerHandler{ledger: reader}
}

// Balance handles GET /accounts/:id/balance.
func (h *LedgerHandler) Balance(c *gin.Context) {
	ctx := c.Request.Context()
	accountID := c.Param("id")

	balance, err := h.ledger.Balance(ctx, accountID)
	switch {
	case errors.Is(err, ledger.ErrAccountNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "account not found", "account": accountID})
	case err != nil:
		logger.Error(ctx, "balance read failed", "account", accountID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusOK, gin.H{"account": accountID, "balance": balance.StringFixed(2)})
	}
}
