package sessions

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Ki0xk/kiosk/config"
	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const evmAddr = "0xabc0000000000000000000000000000000000001"

type MockAccountingClient struct {
	CreateChannelFunc func(ctx context.Context, asset string, chainID int64) (string, error)
	ResizeChannelFunc func(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error

	opens   int32
	resizes int32
	closes  int32
}

func (m *MockAccountingClient) Connect(ctx context.Context) error      { return nil }
func (m *MockAccountingClient) Authenticate(ctx context.Context) error { return nil }

func (m *MockAccountingClient) GetBalances(ctx context.Context) ([]settlement.AssetBalance, error) {
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
	return true, nil
}

func (m *MockAccountingClient) ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error {
	atomic.AddInt32(&m.resizes, 1)
	if m.ResizeChannelFunc != nil {
		return m.ResizeChannelFunc(ctx, channelID, delta, destination)
	}
	return nil
}

func (m *MockAccountingClient) CloseChannel(ctx context.Context, channelID string, destination string) error {
	atomic.AddInt32(&m.closes, 1)
	return nil
}

type MockBridgeClient struct {
	BridgeFunc func(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error)
	calls      int32
	last       settlement.BridgeRequest
}

func (m *MockBridgeClient) Bridge(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
	atomic.AddInt32(&m.calls, 1)
	m.last = req
	if m.BridgeFunc != nil {
		return m.BridgeFunc(ctx, req)
	}
	return &settlement.BridgeResult{Success: true, TxHash: "0xsession"}, nil
}

func (m *MockBridgeClient) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type evmResolver struct{}

func (evmResolver) Resolve(_ context.Context, input string, _ settlement.Chain) (string, error) {
	if utils.IsEVMAddress(input) {
		return input, nil
	}
	return "", errors.New("not an address")
}

type failingWallets struct{}

// flakySessions fails the failOn-th Mutate after it is installed.
type flakySessions struct {
	SessionRepository
	failOn  int32
	mutates int32
}

func (f *flakySessions) Mutate(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error) {
	if atomic.AddInt32(&f.mutates, 1) == f.failOn {
		return nil, errors.New("database is locked")
	}
	return f.SessionRepository.Mutate(ctx, id, fn)
}

func (failingWallets) Create(ctx context.Context, p store.CreateParams) (*models.PinWallet, string, error) {
	return nil, "", errors.New("disk full")
}

type testEnv struct {
	manager    *Manager
	sessions   *store.SessionStore
	wallets    *store.PinWalletStore
	accounting *MockAccountingClient
	bridge     *MockBridgeClient
}

func newTestEnv(t *testing.T) *testEnv {
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

	log, _ := test.NewNullLogger()
	acc := &MockAccountingClient{}
	br := &MockBridgeClient{}
	gw := settlement.NewGateway(settlement.NewLazyAccounting(acc, time.Second), br, settlement.GatewayConfig{
		Asset:          "usdc",
		ChannelChainID: 8453,
		BridgeTimeout:  time.Second,
	}, log)
	targets := settlement.NewTargets(settlement.NewChainRegistry(settlement.DefaultChains...), evmResolver{})

	sessions := store.NewSessionStore(db)
	wallets := store.NewPinWalletStore(db, utils.NewPinHasher("test-pepper").WithCost(1, 256, 1))
	return &testEnv{
		manager:    NewManager(sessions, wallets, gw, targets, log),
		sessions:   sessions,
		wallets:    wallets,
		accounting: acc,
		bridge:     br,
	}
}

func TestStartSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Opens a channel", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "kiosk-7")
		require.NoError(t, err)

		assert.Equal(t, models.SessionActive, sess.Status)
		require.NotNil(t, sess.ChannelID)
		assert.Equal(t, "channel-1", *sess.ChannelID)
		assert.False(t, sess.Degraded())
	})

	t.Run("Channel failure still creates the session", func(t *testing.T) {
		env := newTestEnv(t)
		env.accounting.CreateChannelFunc = func(ctx context.Context, asset string, chainID int64) (string, error) {
			return "", errors.New("node offline")
		}
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		assert.Equal(t, models.SessionActive, sess.Status)
		assert.True(t, sess.Degraded())
		assert.Contains(t, sess.Error, "node offline")

		stored, err := env.manager.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, stored.ID)
	})
}

func TestDepositToSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Resize failures do not lose deposits", func(t *testing.T) {
		env := newTestEnv(t)
		env.accounting.ResizeChannelFunc = func(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error {
			return errors.New("resize rejected")
		}
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("5.00"))
		require.NoError(t, err)
		sess, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("2.50"))
		require.NoError(t, err)

		assert.True(t, decimal.RequireFromString("7.50").Equal(sess.TotalDeposited), "total %s", sess.TotalDeposited)
		assert.True(t, decimal.RequireFromString("7.50").Equal(sess.CurrentBalance), "balance %s", sess.CurrentBalance)
		assert.Contains(t, sess.Error, "resize rejected")
		assert.Equal(t, int32(2), env.accounting.resizes)
	})

	t.Run("Degraded session skips resize", func(t *testing.T) {
		env := newTestEnv(t)
		env.accounting.CreateChannelFunc = func(ctx context.Context, asset string, chainID int64) (string, error) {
			return "", errors.New("node offline")
		}
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		sess, err = env.manager.DepositToSession(ctx, sess.ID, decimal.NewFromInt(3))
		require.NoError(t, err)
		assert.Equal(t, "3", sess.CurrentBalance.String())
		assert.Equal(t, int32(0), env.accounting.resizes)
	})

	t.Run("Invalid amounts", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.Zero)
		assert.True(t, settlement.IsKind(err, settlement.KindInput))
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.NewFromInt(-1))
		assert.True(t, settlement.IsKind(err, settlement.KindInput))
	})

	t.Run("Unknown session", func(t *testing.T) {
		env := newTestEnv(t)
		_, err := env.manager.DepositToSession(ctx, "missing", decimal.NewFromInt(1))
		assert.True(t, settlement.IsKind(err, settlement.KindNotFound))
	})
}

func TestEndSession(t *testing.T) {
	ctx := context.Background()

	t.Run("Zero balance is rejected before any call", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		_, err = env.manager.EndSession(ctx, sess.ID, evmAddr, "base")
		assert.ErrorIs(t, err, settlement.ErrNothingToSettle)
		assert.Equal(t, int32(0), env.accounting.closes)
		assert.Equal(t, int32(0), env.bridge.calls)

		stored, err := env.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, stored.Status)
	})

	t.Run("Success", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("10"))
		require.NoError(t, err)

		res, err := env.manager.EndSession(ctx, sess.ID, evmAddr, "base")
		require.NoError(t, err)

		assert.True(t, res.Success)
		assert.Equal(t, "9.9999", res.NetAmount.String())
		assert.Equal(t, "0.0001", res.Fee.String())
		assert.Equal(t, "10", env.bridge.last.Amount.String())
		assert.Contains(t, res.Message, "Sent 10 ")
		assert.Contains(t, res.Message, "Base")
		assert.Equal(t, models.SessionSettled, res.Session.Status)
		assert.True(t, res.Session.CurrentBalance.IsZero())
		assert.Equal(t, "10", res.Session.TotalDeposited.String())
		assert.Equal(t, "0xsession", res.Session.BridgeTxHash)
		assert.True(t, res.Session.Fee.Valid)
		assert.Equal(t, "0.0001", res.Session.Fee.Decimal.String())
		assert.Equal(t, int32(1), env.accounting.closes)

		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.NewFromInt(1))
		assert.ErrorIs(t, err, settlement.ErrSessionNotActive)
	})

	t.Run("Bridge failure keeps the balance", func(t *testing.T) {
		env := newTestEnv(t)
		env.bridge.BridgeFunc = func(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
			return nil, errors.New("bridge down")
		}
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("4"))
		require.NoError(t, err)

		res, err := env.manager.EndSession(ctx, sess.ID, evmAddr, "base")
		require.NoError(t, err)

		assert.False(t, res.Success)
		assert.Equal(t, models.SessionFailed, res.Session.Status)
		assert.Equal(t, "4", res.Session.CurrentBalance.String())
		assert.Contains(t, res.Session.Error, "bridge down")
		assert.Empty(t, res.Session.PinWalletID)

		all, err := env.wallets.ListByStatus(ctx, "", 0)
		require.NoError(t, err)
		assert.Empty(t, all)
	})

	t.Run("Bad destination leaves the session active", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("4"))
		require.NoError(t, err)

		_, err = env.manager.EndSession(ctx, sess.ID, "nobody", "base")
		assert.True(t, settlement.IsKind(err, settlement.KindInput))

		stored, err := env.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionActive, stored.Status)
	})
}

func TestSessionToPin(t *testing.T) {
	ctx := context.Background()

	t.Run("Hands the balance to a new wallet", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("12.50"))
		require.NoError(t, err)

		handoff, err := env.manager.SessionToPin(ctx, sess.ID)
		require.NoError(t, err)

		assert.Len(t, handoff.Pin, utils.PinLength)
		assert.Equal(t, models.SessionSettled, handoff.Session.Status)
		assert.Equal(t, handoff.WalletID, handoff.Session.PinWalletID)
		assert.True(t, handoff.Session.CurrentBalance.IsZero())
		assert.Equal(t, int32(0), env.bridge.calls)

		w, err := env.wallets.Get(ctx, handoff.WalletID)
		require.NoError(t, err)
		assert.Equal(t, models.PinWalletPending, w.Status)
		assert.Equal(t, "12.5", w.Amount.String())
		assert.Equal(t, sess.ID, w.SourceSessionID)
		assert.True(t, env.wallets.VerifyPin(w, handoff.Pin))
	})

	t.Run("Wallet creation failure marks the session failed", func(t *testing.T) {
		env := newTestEnv(t)
		env.manager.wallets = failingWallets{}
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("3"))
		require.NoError(t, err)

		_, err = env.manager.SessionToPin(ctx, sess.ID)
		assert.Error(t, err)

		stored, err := env.sessions.Get(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, models.SessionFailed, stored.Status)
		assert.Contains(t, stored.Error, "disk full")
		assert.Equal(t, "3", stored.CurrentBalance.String())
	})

	t.Run("Session write failure still returns the PIN", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)
		_, err = env.manager.DepositToSession(ctx, sess.ID, decimal.RequireFromString("5"))
		require.NoError(t, err)
		env.manager.sessions = &flakySessions{SessionRepository: env.sessions, failOn: 2}

		handoff, err := env.manager.SessionToPin(ctx, sess.ID)
		require.Error(t, err)
		require.NotNil(t, handoff)
		assert.Len(t, handoff.Pin, utils.PinLength)
		assert.Contains(t, handoff.Error, "database is locked")

		w, err := env.wallets.Get(ctx, handoff.WalletID)
		require.NoError(t, err)
		assert.True(t, env.wallets.VerifyPin(w, handoff.Pin))
		assert.Equal(t, sess.ID, w.SourceSessionID)
	})

	t.Run("Empty session", func(t *testing.T) {
		env := newTestEnv(t)
		sess, err := env.manager.StartSession(ctx, "")
		require.NoError(t, err)

		_, err = env.manager.SessionToPin(ctx, sess.ID)
		assert.ErrorIs(t, err, settlement.ErrNothingToSettle)
	})
}
