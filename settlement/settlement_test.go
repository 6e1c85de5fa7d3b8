package settlement

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ki0xk/kiosk/config"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	evmAddr      = "0xabc0000000000000000000000000000000000001"
	otherEvmAddr = "0xdef0000000000000000000000000000000000002"
)

type MockAccountingClient struct {
	ConnectFunc       func(ctx context.Context) error
	AuthenticateFunc  func(ctx context.Context) error
	GetBalancesFunc   func(ctx context.Context) ([]AssetBalance, error)
	CreateChannelFunc func(ctx context.Context, asset string, chainID int64) (string, error)
	ChannelExistsFunc func(ctx context.Context, channelID string) (bool, error)
	ResizeChannelFunc func(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error
	CloseChannelFunc  func(ctx context.Context, channelID string, destination string) error

	connects int32
	opens    int32
	closes   int32
}

func (m *MockAccountingClient) Connect(ctx context.Context) error {
	atomic.AddInt32(&m.connects, 1)
	if m.ConnectFunc != nil {
		return m.ConnectFunc(ctx)
	}
	return nil
}

func (m *MockAccountingClient) Authenticate(ctx context.Context) error {
	if m.AuthenticateFunc != nil {
		return m.AuthenticateFunc(ctx)
	}
	return nil
}

func (m *MockAccountingClient) GetBalances(ctx context.Context) ([]AssetBalance, error) {
	if m.GetBalancesFunc != nil {
		return m.GetBalancesFunc(ctx)
	}
	return nil, nil
}

func (m *MockAccountingClient) CreateChannel(ctx context.Context, asset string, chainID int64) (string, error) {
	atomic.AddInt32(&m.opens, 1)
	if m.CreateChannelFunc != nil {
		return m.CreateChannelFunc(ctx, asset, chainID)
	}
	return "channel-1", nil
}

func (m *MockAccountingClient) ChannelExists(ctx context.Context, channelID string) (bool, error) {
	if m.ChannelExistsFunc != nil {
		return m.ChannelExistsFunc(ctx, channelID)
	}
	return true, nil
}

func (m *MockAccountingClient) ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error {
	if m.ResizeChannelFunc != nil {
		return m.ResizeChannelFunc(ctx, channelID, delta, destination)
	}
	return nil
}

func (m *MockAccountingClient) CloseChannel(ctx context.Context, channelID string, destination string) error {
	atomic.AddInt32(&m.closes, 1)
	if m.CloseChannelFunc != nil {
		return m.CloseChannelFunc(ctx, channelID, destination)
	}
	return nil
}

type MockBridgeClient struct {
	BridgeFunc    func(ctx context.Context, req BridgeRequest) (*BridgeResult, error)
	LiquidityFunc func(ctx context.Context) (decimal.Decimal, error)

	mu       sync.Mutex
	requests []BridgeRequest
}

func (m *MockBridgeClient) Bridge(ctx context.Context, req BridgeRequest) (*BridgeResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	if m.BridgeFunc != nil {
		return m.BridgeFunc(ctx, req)
	}
	return &BridgeResult{Success: true, TxHash: "0xfeed", TxStatus: "DONE"}, nil
}

func (m *MockBridgeClient) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	if m.LiquidityFunc != nil {
		return m.LiquidityFunc(ctx)
	}
	return decimal.Zero, nil
}

func (m *MockBridgeClient) Requests() []BridgeRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]BridgeRequest(nil), m.requests...)
}

type literalResolver struct{}

func (literalResolver) Resolve(_ context.Context, input string, chain Chain) (string, error) {
	if chain.Kind == ChainEVM && utils.IsEVMAddress(input) {
		return input, nil
	}
	if chain.Kind == ChainStellar && utils.ValidateStellarAddress(input) == nil {
		return input, nil
	}
	return "", errors.New("not an address")
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "kiosk.db")), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, config.Migrate(db))
	return db
}

type testEnv struct {
	orch       *Orchestrator
	wallets    *store.PinWalletStore
	accounting *MockAccountingClient
	bridge     *MockBridgeClient
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	wallets := store.NewPinWalletStore(setupTestDB(t), utils.NewPinHasher("test-pepper").WithCost(1, 256, 1))
	acc := &MockAccountingClient{}
	br := &MockBridgeClient{}
	gw := NewGateway(NewLazyAccounting(acc, time.Second), br, GatewayConfig{
		Asset:          "usdc",
		ChannelChainID: 8453,
		CustodyAddress: "0xc0570d1a",
		FeeRecipient:   "0xfee",
		BridgeTimeout:  time.Second,
	}, log)
	targets := NewTargets(NewChainRegistry(DefaultChains...), literalResolver{})
	return &testEnv{
		orch:       NewOrchestrator(wallets, gw, targets, opts, log),
		wallets:    wallets,
		accounting: acc,
		bridge:     br,
	}
}
