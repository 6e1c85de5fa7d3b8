package handlers

import (
	"net/http"
	"strings"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/sessions"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

type SessionHandler struct {
	manager *sessions.Manager
	log     logrus.FieldLogger
}

func NewSessionHandler(manager *sessions.Manager, log logrus.FieldLogger) *SessionHandler {
	return &SessionHandler{manager: manager, log: log}
}

type StartSessionRequest struct {
	UserIdentifier string `json:"user_identifier"`
}

type DepositRequest struct {
	Amount string `json:"amount" binding:"required"`
}

type EndSessionRequest struct {
	Destination string `json:"destination" binding:"required"`
	Chain       string `json:"chain" binding:"required"`
}

func (h *SessionHandler) Start(c *gin.Context) {
	var req StartSessionRequest
	// The body is optional.
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	sess, err := h.manager.StartSession(c.Request.Context(), req.UserIdentifier)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *SessionHandler) Get(c *gin.Context) {
	sess, err := h.manager.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) List(c *gin.Context) {
	status := models.SessionStatus(strings.ToUpper(c.Query("status")))
	list, err := h.manager.ListSessions(c.Request.Context(), status, listLimit(c))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (h *SessionHandler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	amount, err := utils.ParseAmount(req.Amount)
	if err != nil {
		respondError(c, h.log, settlement.InputError("deposit", err))
		return
	}

	sess, err := h.manager.DepositToSession(c.Request.Context(), c.Param("id"), amount)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

func (h *SessionHandler) End(c *gin.Context) {
	var req EndSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.manager.EndSession(c.Request.Context(), c.Param("id"), req.Destination, req.Chain)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	status := http.StatusOK
	if !res.Success {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *SessionHandler) ToPin(c *gin.Context) {
	handoff, err := h.manager.SessionToPin(c.Request.Context(), c.Param("id"))
	if err != nil && handoff == nil {
		respondError(c, h.log, err)
		return
	}
	if err != nil {
		// the wallet exists; its PIN must still reach the customer
		h.log.WithError(err).WithField("wallet_id", handoff.WalletID).Error("session handoff not fully recorded")
	}
	c.JSON(http.StatusCreated, handoff)
}
