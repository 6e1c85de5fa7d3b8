package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/Ki0xk/kiosk/models"
	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"
)

// legacyPinWallet is the camelCase shape of one element of the old pin-wallets.json array.
type legacyPinWallet struct {
	ID                string          `json:"id"`
	PinHash           string          `json:"pinHash"`
	Amount            decimal.Decimal `json:"amount"`
	CreatedAt         time.Time       `json:"createdAt"`
	Destination       string          `json:"destination"`
	TargetChain       string          `json:"targetChain"`
	Status            string          `json:"status"`
	BridgeAttempts    int             `json:"bridgeAttempts"`
	LastBridgeError   string          `json:"lastBridgeError"`
	LastBridgeAttempt *time.Time      `json:"lastBridgeAttempt"`
	BridgeTxHash      string          `json:"bridgeTxHash"`
	SettledAt         *time.Time      `json:"settledAt"`
}

type legacySession struct {
	ID                 string              `json:"id"`
	ChannelID          *string             `json:"channelId"`
	UserIdentifier     string              `json:"userIdentifier"`
	TotalDeposited     decimal.Decimal     `json:"totalDeposited"`
	CurrentBalance     decimal.Decimal     `json:"currentBalance"`
	StartedAt          time.Time           `json:"startedAt"`
	LastActivityAt     time.Time           `json:"lastActivityAt"`
	EndedAt            *time.Time          `json:"endedAt"`
	Status             string              `json:"status"`
	DestinationAddress string              `json:"destinationAddress"`
	DestinationChain   string              `json:"destinationChain"`
	BridgeTxHash       string              `json:"bridgeTxHash"`
	Fee                decimal.NullDecimal `json:"fee"`
	Error              string              `json:"error"`
}

// readLegacy decodes a JSON array file into out. A missing file is not an error and
// yields ok=false. A file that cannot be decoded is moved aside, never overwritten,
// and ErrCorruptStore is returned naming where it went.
func readLegacy(path string, out interface{}) (bool, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read legacy store %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if renameErr := os.Rename(path, aside); renameErr != nil {
			return false, fmt.Errorf("%w: %s (%v); could not move it aside: %v", ErrCorruptStore, path, err, renameErr)
		}
		return false, fmt.Errorf("%w: %s moved to %s: %v", ErrCorruptStore, path, aside, err)
	}
	return true, nil
}

func markImported(path string) error {
	return os.Rename(path, path+".imported")
}

// ImportLegacy copies records from the old whole-array JSON file into the table.
// Records whose id already exists are left alone, so the import is idempotent.
func (s *PinWalletStore) ImportLegacy(ctx context.Context, path string) (int, error) {
	var legacy []legacyPinWallet
	ok, err := readLegacy(path, &legacy)
	if !ok || err != nil {
		return 0, err
	}

	rows := make([]models.PinWallet, 0, len(legacy))
	for _, l := range legacy {
		if l.ID == "" || l.PinHash == "" {
			continue
		}
		rows = append(rows, models.PinWallet{
			ID:                l.ID,
			CreatedAt:         l.CreatedAt,
			Version:           1,
			PinHash:           l.PinHash,
			PinScheme:         models.PinSchemeSHA256,
			Amount:            l.Amount,
			Destination:       l.Destination,
			TargetChain:       l.TargetChain,
			Status:            models.PinWalletStatus(l.Status),
			BridgeAttempts:    l.BridgeAttempts,
			LastBridgeError:   l.LastBridgeError,
			LastBridgeAttempt: l.LastBridgeAttempt,
			BridgeTxHash:      l.BridgeTxHash,
			SettledAt:         l.SettledAt,
		})
	}
	if len(rows) == 0 {
		return 0, markImported(path)
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to import legacy pin wallets: %w", res.Error)
	}
	return int(res.RowsAffected), markImported(path)
}

func (s *SessionStore) ImportLegacy(ctx context.Context, path string) (int, error) {
	var legacy []legacySession
	ok, err := readLegacy(path, &legacy)
	if !ok || err != nil {
		return 0, err
	}

	rows := make([]models.Session, 0, len(legacy))
	for _, l := range legacy {
		if l.ID == "" {
			continue
		}
		rows = append(rows, models.Session{
			ID:                 l.ID,
			Version:            1,
			ChannelID:          l.ChannelID,
			UserIdentifier:     l.UserIdentifier,
			TotalDeposited:     l.TotalDeposited,
			CurrentBalance:     l.CurrentBalance,
			StartedAt:          l.StartedAt,
			LastActivityAt:     l.LastActivityAt,
			EndedAt:            l.EndedAt,
			Status:             models.SessionStatus(l.Status),
			DestinationAddress: l.DestinationAddress,
			DestinationChain:   l.DestinationChain,
			BridgeTxHash:       l.BridgeTxHash,
			Fee:                l.Fee,
			Error:              l.Error,
		})
	}
	if len(rows) == 0 {
		return 0, markImported(path)
	}

	res := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&rows)
	if res.Error != nil {
		return 0, fmt.Errorf("failed to import legacy sessions: %w", res.Error)
	}
	return int(res.RowsAffected), markImported(path)
}
