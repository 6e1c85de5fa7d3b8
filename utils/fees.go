package utils

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// FeePrecision is the number of decimal places fees and net amounts are rounded to.
const FeePrecision = 6

// FeeRate is 0.001% of the gross amount. There is no minimum fee.
var FeeRate = decimal.RequireFromString("0.00001")

var ErrInvalidAmount = errors.New("amount must be a positive number")

type FeeBreakdown struct {
	GrossAmount decimal.Decimal `json:"gross_amount"`
	Fee         decimal.Decimal `json:"fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
}

// CalculateFee splits a gross transfer amount into the deducted fee and the net payable amount.
func CalculateFee(amount decimal.Decimal) (FeeBreakdown, error) {
	if !amount.IsPositive() {
		return FeeBreakdown{}, fmt.Errorf("%w: %s", ErrInvalidAmount, amount.String())
	}
	fee := amount.Mul(FeeRate).Round(FeePrecision)
	return FeeBreakdown{
		GrossAmount: amount,
		Fee:         fee,
		NetAmount:   amount.Sub(fee).Round(FeePrecision),
	}, nil
}

// ParseAmount parses user input such as "5", "2.50" or " 10.0 " into a positive decimal.
func ParseAmount(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	return d, nil
}
