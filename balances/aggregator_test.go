package balances

import (
	"context"
	"errors"
	"testing"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
)

type accountingFunc func(ctx context.Context) ([]settlement.AssetBalance, error)

func (f accountingFunc) GetBalances(ctx context.Context) ([]settlement.AssetBalance, error) {
	return f(ctx)
}

type liquidityFunc func(ctx context.Context) (decimal.Decimal, error)

func (f liquidityFunc) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	return f(ctx)
}

func TestSnapshot(t *testing.T) {
	ctx := context.Background()

	t.Run("Both sources available", func(t *testing.T) {
		log, _ := test.NewNullLogger()
		agg := NewAggregator(
			accountingFunc(func(ctx context.Context) ([]settlement.AssetBalance, error) {
				return []settlement.AssetBalance{
					{Asset: "eth", Amount: decimal.NewFromInt(9)},
					{Asset: "USDC", Amount: decimal.RequireFromString("125.5")},
				}, nil
			}),
			liquidityFunc(func(ctx context.Context) (decimal.Decimal, error) {
				return decimal.RequireFromString("40"), nil
			}),
			"usdc", log)

		snap := agg.Snapshot(ctx)
		assert.True(t, snap.Accounting.Available())
		assert.Equal(t, "125.5", snap.Accounting.Amount.String())
		assert.True(t, snap.Bridge.Available())
		assert.Equal(t, "40", snap.Bridge.Amount.String())
	})

	t.Run("Confirmed zero is not a failure", func(t *testing.T) {
		log, _ := test.NewNullLogger()
		agg := NewAggregator(
			accountingFunc(func(ctx context.Context) ([]settlement.AssetBalance, error) { return nil, nil }),
			liquidityFunc(func(ctx context.Context) (decimal.Decimal, error) { return decimal.Zero, nil }),
			"usdc", log)

		snap := agg.Snapshot(ctx)
		assert.Equal(t, Available, snap.Accounting.State)
		assert.True(t, snap.Accounting.Amount.IsZero())
		assert.Equal(t, Available, snap.Bridge.State)
		assert.Empty(t, snap.Bridge.Error)
	})

	t.Run("Read failures are unavailable", func(t *testing.T) {
		log, hook := test.NewNullLogger()
		agg := NewAggregator(
			accountingFunc(func(ctx context.Context) ([]settlement.AssetBalance, error) {
				return nil, errors.New("not authenticated")
			}),
			liquidityFunc(func(ctx context.Context) (decimal.Decimal, error) {
				return decimal.Zero, errors.New("horizon timeout")
			}),
			"usdc", log)

		snap := agg.Snapshot(ctx)
		assert.Equal(t, Unavailable, snap.Accounting.State)
		assert.Equal(t, "not authenticated", snap.Accounting.Error)
		assert.Equal(t, Unavailable, snap.Bridge.State)
		assert.Equal(t, "horizon timeout", snap.Bridge.Error)

		assert.Len(t, hook.AllEntries(), 2)
		for _, e := range hook.AllEntries() {
			assert.Equal(t, logrus.WarnLevel, e.Level)
		}
	})
}
