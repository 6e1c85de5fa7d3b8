package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Ki0xk/kiosk/models"
	"gorm.io/gorm"
)

type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	sess.Version = 1
	if err := s.db.WithContext(ctx).Create(sess).Error; err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	var sess models.Session
	if err := s.db.WithContext(ctx).First(&sess, "id = ?", id).Error; err != nil {
		return nil, translate(err)
	}
	return &sess, nil
}

// Update is a compare-and-swap on the session's version.
func (s *SessionStore) Update(ctx context.Context, sess *models.Session) error {
	res := s.db.WithContext(ctx).Model(&models.Session{}).
		Where("id = ? AND version = ?", sess.ID, sess.Version).
		Updates(map[string]interface{}{
			"version":             sess.Version + 1,
			"channel_id":          sess.ChannelID,
			"user_identifier":     sess.UserIdentifier,
			"total_deposited":     sess.TotalDeposited,
			"current_balance":     sess.CurrentBalance,
			"last_activity_at":    sess.LastActivityAt,
			"ended_at":            sess.EndedAt,
			"status":              sess.Status,
			"destination_address": sess.DestinationAddress,
			"destination_chain":   sess.DestinationChain,
			"bridge_tx_hash":      sess.BridgeTxHash,
			"fee":                 sess.Fee,
			"pin_wallet_id":       sess.PinWalletID,
			"error":               sess.Error,
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update session %s: %w", sess.ID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %s: %w", sess.ID, ErrVersionConflict)
	}
	sess.Version++
	return nil
}

// Mutate applies fn to a freshly loaded session and retries on version conflicts.
func (s *SessionStore) Mutate(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	for attempt := 0; attempt < maxMutateAttempts; attempt++ {
		sess, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := fn(sess); err != nil {
			return nil, err
		}
		err = s.Update(ctx, sess)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return sess, nil
	}
	return nil, fmt.Errorf("session %s: %w after %d attempts", id, ErrVersionConflict, maxMutateAttempts)
}

func (s *SessionStore) ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	q := s.db.WithContext(ctx).Order("started_at desc")
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []models.Session
	if err := q.Find(&out).Error; err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}
