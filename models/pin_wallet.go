package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PinWalletStatus string

const (
	PinWalletPending       PinWalletStatus = "PENDING"
	PinWalletPendingBridge PinWalletStatus = "PENDING_BRIDGE"
	PinWalletSettled       PinWalletStatus = "SETTLED"
	PinWalletFailed        PinWalletStatus = "FAILED"
)

// Terminal reports whether the status can never change again.
func (s PinWalletStatus) Terminal() bool {
	return s == PinWalletSettled || s == PinWalletFailed
}

// Claimable reports whether a bearer holding the PIN may still claim the funds.
func (s PinWalletStatus) Claimable() bool {
	return s == PinWalletPending || s == PinWalletPendingBridge
}

// PinWallet is the durable recovery record for value owed to whoever holds its PIN.
type PinWallet struct {
	ID                string          `gorm:"primaryKey;size:16" json:"id"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	Version           int64           `gorm:"not null;default:1" json:"version"`
	PinHash           string          `gorm:"size:128;not null" json:"-"`
	PinScheme         string          `gorm:"size:16;not null;default:'argon2id'" json:"-"`
	Amount            decimal.Decimal `gorm:"type:varchar(40);not null" json:"amount"`
	Destination       string          `gorm:"size:128" json:"destination,omitempty"`
	TargetChain       string          `gorm:"size:32" json:"target_chain,omitempty"`
	Status            PinWalletStatus `gorm:"size:20;index;not null" json:"status"`
	BridgeAttempts    int             `gorm:"not null;default:0" json:"bridge_attempts"`
	LastBridgeError   string          `gorm:"type:text" json:"last_bridge_error,omitempty"`
	LastBridgeAttempt *time.Time      `json:"last_bridge_attempt,omitempty"`
	BridgeTxHash      string          `gorm:"size:255" json:"bridge_tx_hash,omitempty"`
	SettledAt         *time.Time      `json:"settled_at,omitempty"`
	SourceSessionID   string          `gorm:"size:64;index" json:"source_session_id,omitempty"`

	// PIN guessing guard
	PinFailures int        `gorm:"not null;default:0" json:"-"`
	Lockouts    int        `gorm:"not null;default:0" json:"-"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`

	// Claim-in-progress lease
	LeaseOwner     string     `gorm:"size:64" json:"-"`
	LeaseExpiresAt *time.Time `json:"-"`
}

// TableName overrides the table name
func (PinWallet) TableName() string {
	return "pin_wallets"
}

// Leased reports whether another actor currently holds the claim lease.
func (w *PinWallet) Leased(now time.Time) bool {
	return w.LeaseOwner != "" && w.LeaseExpiresAt != nil && now.Before(*w.LeaseExpiresAt)
}

func (w *PinWallet) Locked(now time.Time) bool {
	return w.LockedUntil != nil && now.Before(*w.LockedUntil)
}

const (
	PinSchemeArgon2 = "argon2id"
	PinSchemeSHA256 = "sha256"
)

// Lease marks the record as being worked on by owner until the given time.
func (w *PinWallet) Lease(owner string, until time.Time) {
	w.LeaseOwner = owner
	w.LeaseExpiresAt = &until
}

func (w *PinWallet) ReleaseLease() {
	w.LeaseOwner = ""
	w.LeaseExpiresAt = nil
}
