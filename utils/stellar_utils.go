package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stellar/go/keypair"
)

var evmAddressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

func IsEVMAddress(addr string) bool {
	return evmAddressPattern.MatchString(addr)
}

// ValidateStellarAddress checks that addr is a well-formed G... account id.
func ValidateStellarAddress(addr string) error {
	if _, err := keypair.ParseAddress(strings.TrimSpace(addr)); err != nil {
		return fmt.Errorf("invalid stellar address: %w", err)
	}
	return nil
}

// FormatStellarAmount renders an amount with the 7 decimal places Horizon expects.
func FormatStellarAmount(amount decimal.Decimal) string {
	return amount.Truncate(7).StringFixed(7)
}

// FormatCash renders a kiosk cash amount with two decimals.
func FormatCash(amount decimal.Decimal) string {
	return amount.StringFixed(2)
}
