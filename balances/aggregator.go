// Package balances reports the kiosk's two external balances for display.
package balances

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type ReadingState string

const (
	Available   ReadingState = "available"
	Unavailable ReadingState = "unavailable"
)

// Reading keeps a confirmed zero apart from a failed read.
type Reading struct {
	State  ReadingState    `json:"state"`
	Amount decimal.Decimal `json:"amount"`
	Error  string          `json:"error,omitempty"`
}

func (r Reading) Available() bool {
	return r.State == Available
}

type Snapshot struct {
	Asset      string    `json:"asset"`
	Accounting Reading   `json:"accounting"`
	Bridge     Reading   `json:"bridge"`
	ReadAt     time.Time `json:"read_at"`
}

type AccountingReader interface {
	GetBalances(ctx context.Context) ([]settlement.AssetBalance, error)
}

type LiquidityReader interface {
	LiquidityBalance(ctx context.Context) (decimal.Decimal, error)
}

type Aggregator struct {
	accounting AccountingReader
	bridge     LiquidityReader
	asset      string
	log        logrus.FieldLogger
}

func NewAggregator(accounting AccountingReader, bridge LiquidityReader, asset string, log logrus.FieldLogger) *Aggregator {
	return &Aggregator{accounting: accounting, bridge: bridge, asset: asset, log: log}
}

// Snapshot reads both balances in parallel. It never fails; a source that could not
// be read is reported as Unavailable.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	snap := Snapshot{Asset: a.asset, ReadAt: time.Now()}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		snap.Accounting = a.readAccounting(ctx)
	}()
	go func() {
		defer wg.Done()
		snap.Bridge = a.readBridge(ctx)
	}()
	wg.Wait()

	return snap
}

func (a *Aggregator) readAccounting(ctx context.Context) Reading {
	balances, err := a.accounting.GetBalances(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to read accounting balance")
		return unavailable(err)
	}
	for _, b := range balances {
		if strings.EqualFold(b.Asset, a.asset) {
			return Reading{State: Available, Amount: b.Amount}
		}
	}
	return Reading{State: Available, Amount: decimal.Zero}
}

func (a *Aggregator) readBridge(ctx context.Context) Reading {
	amount, err := a.bridge.LiquidityBalance(ctx)
	if err != nil {
		a.log.WithError(err).Warn("failed to read bridge liquidity")
		return unavailable(err)
	}
	return Reading{State: Available, Amount: amount}
}

func unavailable(err error) Reading {
	return Reading{State: Unavailable, Amount: decimal.Zero, Error: err.Error()}
}
