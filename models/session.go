package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionActive   SessionStatus = "ACTIVE"
	SessionSettling SessionStatus = "SETTLING"
	SessionSettled  SessionStatus = "SETTLED"
	SessionFailed   SessionStatus = "FAILED"
)

// Session is one multi-deposit kiosk interaction, bound to at most one accounting channel.
type Session struct {
	ID                 string              `gorm:"primaryKey;size:64" json:"id"`
	Version            int64               `gorm:"not null;default:1" json:"version"`
	ChannelID          *string             `gorm:"size:128" json:"channel_id,omitempty"`
	UserIdentifier     string              `gorm:"size:128;index" json:"user_identifier,omitempty"`
	TotalDeposited     decimal.Decimal     `gorm:"type:varchar(40);not null" json:"total_deposited"`
	CurrentBalance     decimal.Decimal     `gorm:"type:varchar(40);not null" json:"current_balance"`
	StartedAt          time.Time           `gorm:"not null" json:"started_at"`
	LastActivityAt     time.Time           `gorm:"not null" json:"last_activity_at"`
	EndedAt            *time.Time          `json:"ended_at,omitempty"`
	Status             SessionStatus       `gorm:"size:20;index;not null" json:"status"`
	DestinationAddress string              `gorm:"size:128" json:"destination_address,omitempty"`
	DestinationChain   string              `gorm:"size:32" json:"destination_chain,omitempty"`
	BridgeTxHash       string              `gorm:"size:255" json:"bridge_tx_hash,omitempty"`
	Fee                decimal.NullDecimal `gorm:"type:varchar(40)" json:"fee"`
	PinWalletID        string              `gorm:"size:16" json:"pin_wallet_id,omitempty"`
	Error              string              `gorm:"type:text" json:"error,omitempty"`
}

// TableName overrides the table name
func (Session) TableName() string {
	return "sessions"
}

// Degraded reports whether deposits are being tracked locally only because no channel was opened.
func (s *Session) Degraded() bool {
	return s.ChannelID == nil
}
