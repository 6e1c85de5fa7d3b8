package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type PinWalletReader interface {
	Get(ctx context.Context, id string) (*models.PinWallet, error)
	ListByStatus(ctx context.Context, status models.PinWalletStatus, limit int) ([]models.PinWallet, error)
}

type SettlementHandler struct {
	orchestrator *settlement.Orchestrator
	wallets      PinWalletReader
	log          logrus.FieldLogger
}

func NewSettlementHandler(orchestrator *settlement.Orchestrator, wallets PinWalletReader, log logrus.FieldLogger) *SettlementHandler {
	return &SettlementHandler{orchestrator: orchestrator, wallets: wallets, log: log}
}

type SettleRequest struct {
	Destination string `json:"destination" binding:"required"`
	Chain       string `json:"chain" binding:"required"`
	Amount      string `json:"amount" binding:"required"`
}

type ClaimRequest struct {
	Pin         string `json:"pin" binding:"required"`
	Destination string `json:"destination"`
	Chain       string `json:"chain"`
}

// settlementStatus is 200 for a delivered transfer and 202 when the funds are parked
// in a PIN wallet for a later attempt.
func settlementStatus(res *settlement.SettlementResult) int {
	if res.Success {
		return http.StatusOK
	}
	return http.StatusAccepted
}

func (h *SettlementHandler) Settle(c *gin.Context) {
	var req SettleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := utils.ParseAmount(req.Amount)
	if err != nil {
		respondError(c, h.log, settlement.InputError("settle", err))
		return
	}

	res, err := h.orchestrator.SettleToChain(c.Request.Context(), req.Destination, req.Chain, amount)
	if err != nil && res == nil {
		respondError(c, h.log, err)
		return
	}
	if err != nil {
		h.log.WithError(err).WithField("wallet_id", res.WalletID).Error("settlement outcome not recorded")
	}
	c.JSON(settlementStatus(res), res)
}

func (h *SettlementHandler) Claim(c *gin.Context) {
	var req ClaimRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orchestrator.ClaimPinWallet(c.Request.Context(), c.Param("id"), req.Pin, req.Destination, req.Chain)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(settlementStatus(res), res)
}

func (h *SettlementHandler) GetPinWallet(c *gin.Context) {
	w, err := h.wallets.Get(c.Request.Context(), utils.NormalizeWalletID(c.Param("id")))
	if errors.Is(err, store.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "PIN wallet not found"})
		return
	}
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, w)
}

func (h *SettlementHandler) ListPinWallets(c *gin.Context) {
	status := models.PinWalletStatus(strings.ToUpper(c.Query("status")))
	wallets, err := h.wallets.ListByStatus(c.Request.Context(), status, listLimit(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, wallets)
}

func (h *SettlementHandler) RetryPending(c *gin.Context) {
	report, err := h.orchestrator.RetryPendingBridges(c.Request.Context())
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *SettlementHandler) ListChains(c *gin.Context) {
	c.JSON(http.StatusOK, h.orchestrator.Targets().Chains().List())
}
