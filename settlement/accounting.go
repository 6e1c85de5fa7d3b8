package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// LazyAccounting connects and authenticates the wrapped client on first use and
// bounds every call with a timeout. If the client reports an expired session the
// next call authenticates again.
type LazyAccounting struct {
	client  AccountingClient
	timeout time.Duration

	mu    sync.Mutex
	ready bool
}

func NewLazyAccounting(client AccountingClient, timeout time.Duration) *LazyAccounting {
	return &LazyAccounting{client: client, timeout: timeout}
}

func (l *LazyAccounting) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, l.timeout)
}

func (l *LazyAccounting) ensure(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ready {
		return nil
	}

	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	if err := l.client.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to accounting node: %w", err)
	}
	if err := l.client.Authenticate(ctx); err != nil {
		return fmt.Errorf("failed to authenticate with accounting node: %w", err)
	}
	l.ready = true
	return nil
}

func (l *LazyAccounting) observe(err error) error {
	if errors.Is(err, ErrAccountingAuthExpired) {
		l.mu.Lock()
		l.ready = false
		l.mu.Unlock()
	}
	return err
}

func (l *LazyAccounting) GetBalances(ctx context.Context) ([]AssetBalance, error) {
	if err := l.ensure(ctx); err != nil {
		return nil, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	balances, err := l.client.GetBalances(ctx)
	return balances, l.observe(err)
}

func (l *LazyAccounting) CreateChannel(ctx context.Context, asset string, chainID int64) (string, error) {
	if err := l.ensure(ctx); err != nil {
		return "", err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	id, err := l.client.CreateChannel(ctx, asset, chainID)
	return id, l.observe(err)
}

func (l *LazyAccounting) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if err := l.ensure(ctx); err != nil {
		return false, err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	ok, err := l.client.ChannelExists(ctx, channelID)
	return ok, l.observe(err)
}

func (l *LazyAccounting) ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.observe(l.client.ResizeChannel(ctx, channelID, delta, destination))
}

func (l *LazyAccounting) CloseChannel(ctx context.Context, channelID string, destination string) error {
	if err := l.ensure(ctx); err != nil {
		return err
	}
	ctx, cancel := l.withTimeout(ctx)
	defer cancel()
	return l.observe(l.client.CloseChannel(ctx, channelID, destination))
}
