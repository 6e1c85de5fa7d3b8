package settlement

import (
	"github.com/Ki0xk/kiosk/models"
	"github.com/shopspring/decimal"
)

// FailureStage says how far a failed attempt got.
type FailureStage string

const (
	// StageAccounting failures happen before the bridge is called, so nothing was sent.
	StageAccounting FailureStage = "accounting"
	// StageBridge failures happen during or after the bridge call.
	StageBridge FailureStage = "bridge"
)

type SettlementResult struct {
	Success     bool                   `json:"success"`
	Message     string                 `json:"message"`
	WalletID    string                 `json:"wallet_id"`
	Pin         string                 `json:"pin,omitempty"`
	Status      models.PinWalletStatus `json:"status"`
	Destination string                 `json:"destination"`
	Chain       string                 `json:"chain"`
	ChainName   string                 `json:"chain_name"`
	GrossAmount decimal.Decimal        `json:"gross_amount"`
	Fee         decimal.Decimal        `json:"fee"`
	NetAmount   decimal.Decimal        `json:"net_amount"`
	TxHash      string                 `json:"tx_hash,omitempty"`
	ExplorerURL string                 `json:"explorer_url,omitempty"`
	Attempts    int                    `json:"attempts"`
	FailedAt    FailureStage           `json:"failed_at,omitempty"`
	Error       string                 `json:"error,omitempty"`
}

// NothingSent reports whether the attempt failed before any funds could have left the pool.
func (r *SettlementResult) NothingSent() bool {
	return !r.Success && r.FailedAt == StageAccounting
}

type RetryItem struct {
	WalletID string                 `json:"wallet_id"`
	Status   models.PinWalletStatus `json:"status"`
	Attempts int                    `json:"attempts"`
	TxHash   string                 `json:"tx_hash,omitempty"`
	Error    string                 `json:"error,omitempty"`
}

type RetryReport struct {
	Checked  int         `json:"checked"`
	Settled  int         `json:"settled"`
	Retrying int         `json:"retrying"`
	Failed   int         `json:"failed"`
	Skipped  int         `json:"skipped"`
	Errors   int         `json:"errors"`
	Items    []RetryItem `json:"items"`
}
