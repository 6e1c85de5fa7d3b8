package handlers

import (
	"net/http"

	"github.com/Ki0xk/kiosk/balances"
	"github.com/gin-gonic/gin"
)

type BalanceHandler struct {
	aggregator *balances.Aggregator
}

func NewBalanceHandler(aggregator *balances.Aggregator) *BalanceHandler {
	return &BalanceHandler{aggregator: aggregator}
}

// Get always answers 200; unreadable sources are marked unavailable in the body.
func (h *BalanceHandler) Get(c *gin.Context) {
	c.JSON(http.StatusOK, h.aggregator.Snapshot(c.Request.Context()))
}
