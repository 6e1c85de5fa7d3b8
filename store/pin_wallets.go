package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

var terminalStatuses = []models.PinWalletStatus{models.PinWalletSettled, models.PinWalletFailed}

type PinWalletStore struct {
	db     *gorm.DB
	hasher *utils.PinHasher
}

func NewPinWalletStore(db *gorm.DB, hasher *utils.PinHasher) *PinWalletStore {
	return &PinWalletStore{db: db, hasher: hasher}
}

// CreateParams describes a new recovery record. Destination and TargetChain may be
// empty; they are filled in at claim time.
type CreateParams struct {
	Amount          decimal.Decimal
	Destination     string
	TargetChain     string
	Status          models.PinWalletStatus
	SourceSessionID string

	// LeaseOwner, when set, creates the record already leased so the retry
	// sweep cannot pick it up while its first settlement attempt is running.
	LeaseOwner string
	LeaseUntil time.Time
}

// CreatePinWallet creates a PENDING record for amount and returns it together with
// the plaintext PIN. The PIN is not recoverable afterwards.
func (s *PinWalletStore) CreatePinWallet(ctx context.Context, amount decimal.Decimal) (*models.PinWallet, string, error) {
	return s.Create(ctx, CreateParams{Amount: amount, Status: models.PinWalletPending})
}

func (s *PinWalletStore) Create(ctx context.Context, p CreateParams) (*models.PinWallet, string, error) {
	if !p.Amount.IsPositive() {
		return nil, "", fmt.Errorf("%w: %s", utils.ErrInvalidAmount, p.Amount.String())
	}
	if p.Status == "" {
		p.Status = models.PinWalletPending
	}

	pin, err := utils.GeneratePin()
	if err != nil {
		return nil, "", err
	}

	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		id, err := utils.GenerateWalletID()
		if err != nil {
			return nil, "", err
		}

		w := &models.PinWallet{
			ID:              id,
			Version:         1,
			PinHash:         s.hasher.Hash(pin),
			PinScheme:       models.PinSchemeArgon2,
			Amount:          p.Amount,
			Destination:     p.Destination,
			TargetChain:     p.TargetChain,
			Status:          p.Status,
			SourceSessionID: p.SourceSessionID,
		}
		if p.LeaseOwner != "" {
			w.Lease(p.LeaseOwner, p.LeaseUntil)
		}

		err = s.db.WithContext(ctx).Create(w).Error
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			continue
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to persist pin wallet: %w", err)
		}
		return w, pin, nil
	}

	return nil, "", fmt.Errorf("failed to allocate a unique pin wallet id after %d attempts", maxMutateAttempts)
}

func (s *PinWalletStore) Get(ctx context.Context, id string) (*models.PinWallet, error) {
	var w models.PinWallet
	if err := s.db.WithContext(ctx).First(&w, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &w, nil
}

// Update writes every mutable field of w if, and only if, the stored version still
// equals w.Version and the stored status is not terminal. On success w.Version is
// advanced.
func (s *PinWalletStore) Update(ctx context.Context, w *models.PinWallet) error {
	now := time.Now()
	res := s.db.WithContext(ctx).Model(&models.PinWallet{}).
		Where("id = ? AND version = ? AND status NOT IN ?", w.ID, w.Version, terminalStatuses).
		Updates(map[string]interface{}{
			"updated_at":          now,
			"version":             w.Version + 1,
			"destination":         w.Destination,
			"target_chain":        w.TargetChain,
			"status":              w.Status,
			"bridge_attempts":     w.BridgeAttempts,
			"last_bridge_error":   w.LastBridgeError,
			"last_bridge_attempt": w.LastBridgeAttempt,
			"bridge_tx_hash":      w.BridgeTxHash,
			"settled_at":          w.SettledAt,
			"pin_failures":        w.PinFailures,
			"lockouts":            w.Lockouts,
			"locked_until":        w.LockedUntil,
			"lease_owner":         w.LeaseOwner,
			"lease_expires_at":    w.LeaseExpiresAt,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update pin wallet %s: %w", w.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("pin wallet %s: %w", w.ID, ErrVersionConflict)
	}
	w.Version++
	w.UpdatedAt = now
	return nil
}

// Mutate loads the record, applies fn and writes it back, reloading and reapplying
// fn when another writer got there first. fn must be safe to run more than once.
func (s *PinWalletStore) Mutate(ctx context.Context, id string, fn func(*models.PinWallet) error) (*models.PinWallet, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		w, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(w); err != nil {
			return nil, err
		}
		err = s.Update(ctx, w)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return w, nil
	}
	return nil, fmt.Errorf("pin wallet %s: %w after %d attempts", id, ErrVersionConflict, maxMutateAttempts)
}

// ListRetryable returns PENDING_BRIDGE records below the attempt cap that already
// know where the funds go.
func (s *PinWalletStore) ListRetryable(ctx context.Context, maxAttempts int) ([]models.PinWallet, error) {
	var out []models.PinWallet
	err := s.db.WithContext(ctx).
		Where("status = ? AND bridge_attempts < ? AND destination <> '' AND target_chain <> ''",
			models.PinWalletPendingBridge, maxAttempts).
		Order("created_at asc").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list retryable pin wallets: %w", err)
	}
	return out, nil
}

// ListByStatus returns records with the given status, newest first. An empty status lists all.
func (s *PinWalletStore) ListByStatus(ctx context.Context, status models.PinWalletStatus, limit int) ([]models.PinWallet, error) {
	q := s.db.WithContext(ctx).Order("created_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.PinWallet
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list pin wallets: %w", err)
	}
	return out, nil
}

// VerifyPin checks pin against the record's stored digest.
func (s *PinWalletStore) VerifyPin(w *models.PinWallet, pin string) bool {
	return s.hasher.VerifyScheme(w.PinScheme, pin, w.PinHash)
}
