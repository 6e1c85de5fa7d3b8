package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

const (
	defaultListLimit = 100
	maxListLimit     = 500
)

// respondError maps a settlement error kind to an HTTP status. Internal errors are
// logged and hidden from the caller.
func respondError(c *gin.Context, log logrus.FieldLogger, err error) {
	kind := settlement.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case settlement.KindInput:
		status = http.StatusBadRequest
	case settlement.KindAuthorization:
		status = http.StatusUnauthorized
		if errors.Is(err, settlement.ErrPinLocked) {
			status = http.StatusLocked
		}
	case settlement.KindConflict:
		status = http.StatusConflict
	case settlement.KindNotFound:
		status = http.StatusNotFound
	case settlement.KindTerminal:
		status = http.StatusGone
	case settlement.KindRemote:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		c.JSON(status, gin.H{"error": "Internal server error", "code": kind.String()})
		return
	}

	msg := err.Error()
	var se *settlement.Error
	if errors.As(err, &se) && se.Err != nil {
		msg = se.Err.Error()
	}
	c.JSON(status, gin.H{"error": msg, "code": kind.String()})
}

func listLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
