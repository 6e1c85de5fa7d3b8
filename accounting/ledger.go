// Package accounting provides an in-process accounting-channel client for local runs
// and kiosk development, where no channel node is available.
package accounting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotConnected    = errors.New("ledger not connected")
	ErrChannelNotFound = errors.New("channel not found")
	ErrInsufficient    = errors.New("insufficient channel balance")
)

type channel struct {
	asset   string
	chainID int64
	amount  decimal.Decimal
}

// Ledger keeps balances and channels in memory. Authentication lapses after
// SessionTTL, mimicking a remote node's session expiry.
type Ledger struct {
	SessionTTL time.Duration

	mu            sync.Mutex
	connected     bool
	authenticated bool
	authAt        time.Time
	balances      map[string]decimal.Decimal
	channels      map[string]*channel
	log           logrus.FieldLogger
	now           func() time.Time
}

func NewLedger(initial map[string]decimal.Decimal, log logrus.FieldLogger) *Ledger {
	balances := make(map[string]decimal.Decimal, len(initial))
	for asset, amount := range initial {
		balances[strings.ToLower(asset)] = amount
	}
	return &Ledger{
		balances: balances,
		channels: make(map[string]*channel),
		log:      log,
		now:      time.Now,
	}
}

func (l *Ledger) Connect(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.connected = true
	return nil
}

func (l *Ledger) Authenticate(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.connected {
		return ErrNotConnected
	}
	l.authenticated = true
	l.authAt = l.now()
	return nil
}

// checkAuth must be called with l.mu held.
func (l *Ledger) checkAuth(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !l.connected {
		return ErrNotConnected
	}
	if l.authenticated && l.SessionTTL > 0 && l.now().Sub(l.authAt) > l.SessionTTL {
		l.authenticated = false
	}
	if !l.authenticated {
		return fmt.Errorf("ledger: %w", settlement.ErrAccountingAuthExpired)
	}
	return nil
}

func (l *Ledger) GetBalances(ctx context.Context) ([]settlement.AssetBalance, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAuth(ctx); err != nil {
		return nil, err
	}
	out := make([]settlement.AssetBalance, 0, len(l.balances))
	for asset, amount := range l.balances {
		out = append(out, settlement.AssetBalance{Asset: asset, Amount: amount})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Asset < out[j].Asset })
	return out, nil
}

func (l *Ledger) CreateChannel(ctx context.Context, asset string, chainID int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAuth(ctx); err != nil {
		return "", err
	}
	id := "ch_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	l.channels[id] = &channel{asset: strings.ToLower(asset), chainID: chainID, amount: decimal.Zero}
	l.log.WithFields(logrus.Fields{"channel_id": id, "asset": asset, "chain_id": chainID}).Debug("ledger channel opened")
	return id, nil
}

func (l *Ledger) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAuth(ctx); err != nil {
		return false, err
	}
	_, ok := l.channels[channelID]
	return ok, nil
}

// ResizeChannel moves delta into (or, when negative, out of) the channel.
func (l *Ledger) ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAuth(ctx); err != nil {
		return err
	}
	ch, ok := l.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	next := ch.amount.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: %s has %s", ErrInsufficient, channelID, ch.amount)
	}
	ch.amount = next
	return nil
}

// CloseChannel releases the channel's funds back to the custody balance.
func (l *Ledger) CloseChannel(ctx context.Context, channelID string, destination string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkAuth(ctx); err != nil {
		return err
	}
	ch, ok := l.channels[channelID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
	}
	delete(l.channels, channelID)
	l.balances[ch.asset] = l.balances[ch.asset].Add(ch.amount)
	l.log.WithFields(logrus.Fields{"channel_id": channelID, "released": ch.amount.String()}).Debug("ledger channel closed")
	return nil
}
