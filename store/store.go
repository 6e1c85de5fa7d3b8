// Package store persists recovery records (PIN wallets) and kiosk sessions.
//
// Records are keyed rows, never whole collections. Every row carries a version
// and every write is a compare-and-swap on it, so two kiosks or an overlapping
// retry sweep cannot silently overwrite each other's updates.
package store

import (
	"errors"

	"gorm.io/gorm"
)

var (
	ErrNotFound        = errors.New("record not found")
	ErrVersionConflict = errors.New("record was modified concurrently")
	ErrCorruptStore    = errors.New("legacy store is corrupt")
)

const maxMutateAttempts = 16

func translate(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
