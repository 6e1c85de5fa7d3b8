package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Ki0xk/kiosk/accounting"
	"github.com/Ki0xk/kiosk/balances"
	"github.com/Ki0xk/kiosk/config"
	"github.com/Ki0xk/kiosk/resolver"
	"github.com/Ki0xk/kiosk/sessions"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const evmAddr = "0xabc0000000000000000000000000000000000001"

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

type MockBridgeClient struct {
	BridgeFunc    func(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error)
	LiquidityFunc func(ctx context.Context) (decimal.Decimal, error)
}

func (m *MockBridgeClient) Bridge(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
	if m.BridgeFunc != nil {
		return m.BridgeFunc(ctx, req)
	}
	return &settlement.BridgeResult{Success: true, TxHash: "0xhandler"}, nil
}

func (m *MockBridgeClient) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	if m.LiquidityFunc != nil {
		return m.LiquidityFunc(ctx)
	}
	return decimal.NewFromInt(500), nil
}

type testApp struct {
	router  *gin.Engine
	wallets *store.PinWalletStore
	bridge  *MockBridgeClient
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log, _ := test.NewNullLogger()
	db := setupTestDB(t)

	wallets := store.NewPinWalletStore(db, utils.NewPinHasher("test-pepper").WithCost(1, 256, 1))
	ledger := accounting.NewLedger(map[string]decimal.Decimal{"usdc": decimal.NewFromInt(1000)}, log)
	lazy := settlement.NewLazyAccounting(ledger, time.Second)
	br := &MockBridgeClient{}
	gw := settlement.NewGateway(lazy, br, settlement.GatewayConfig{Asset: "usdc", ChannelChainID: 8453, BridgeTimeout: time.Second}, log)
	targets := settlement.NewTargets(settlement.NewChainRegistry(settlement.DefaultChains...), resolver.New(nil, nil))

	opts := settlement.DefaultOptions()
	opts.PinGuard = settlement.PinGuard{MaxFailures: 2, Lockout: time.Minute}
	orch := settlement.NewOrchestrator(wallets, gw, targets, opts, log)
	manager := sessions.NewManager(store.NewSessionStore(db), wallets, gw, targets, log)
	agg := balances.NewAggregator(lazy, br, "usdc", log)

	sh := NewSettlementHandler(orch, wallets, log)
	ssh := NewSessionHandler(manager, log)
	bh := NewBalanceHandler(agg)

	router := gin.New()
	router.GET("/chains", sh.ListChains)
	router.POST("/settlements", sh.Settle)
	router.GET("/pin-wallets", sh.ListPinWallets)
	router.GET("/pin-wallets/:id", sh.GetPinWallet)
	router.POST("/pin-wallets/:id/claim", sh.Claim)
	router.POST("/retry", sh.RetryPending)
	router.POST("/sessions", ssh.Start)
	router.GET("/sessions", ssh.List)
	router.GET("/sessions/:id", ssh.Get)
	router.POST("/sessions/:id/deposits", ssh.Deposit)
	router.POST("/sessions/:id/end", ssh.End)
	router.POST("/sessions/:id/pin", ssh.ToPin)
	router.GET("/balances", bh.Get)

	return &testApp{router: router, wallets: wallets, bridge: br}
}

func (a *testApp) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, _ := http.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestSettle(t *testing.T) {
	app := newTestApp(t)

	t.Run("Valid Request", func(t *testing.T) {
		w := app.do(t, http.MethodPost, "/settlements", SettleRequest{Destination: evmAddr, Chain: "base", Amount: "1.00"})
		assert.Equal(t, http.StatusOK, w.Code)

		body := decode(t, w)
		assert.Equal(t, true, body["success"])
		assert.Equal(t, "0.99999", body["net_amount"])
		assert.Nil(t, body["pin"])
	})

	t.Run("Bridge Failure Returns Recovery Details", func(t *testing.T) {
		app.bridge.BridgeFunc = func(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
			return nil, errors.New("bridge offline")
		}
		defer func() { app.bridge.BridgeFunc = nil }()

		w := app.do(t, http.MethodPost, "/settlements", SettleRequest{Destination: evmAddr, Chain: "base", Amount: "2.00"})
		assert.Equal(t, http.StatusAccepted, w.Code)

		body := decode(t, w)
		assert.Equal(t, false, body["success"])
		assert.Len(t, body["pin"], utils.PinLength)
		assert.Len(t, body["wallet_id"], utils.WalletIDLength)
		assert.Equal(t, "bridge", body["failed_at"])
	})

	t.Run("Invalid Requests", func(t *testing.T) {
		tests := []struct {
			name string
			body interface{}
		}{
			{"Missing fields", gin.H{"chain": "base"}},
			{"Bad amount", SettleRequest{Destination: evmAddr, Chain: "base", Amount: "abc"}},
			{"Negative amount", SettleRequest{Destination: evmAddr, Chain: "base", Amount: "-1"}},
			{"Unsupported chain", SettleRequest{Destination: evmAddr, Chain: "dogechain", Amount: "1"}},
			{"Unresolvable destination", SettleRequest{Destination: "somebody", Chain: "base", Amount: "1"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := app.do(t, http.MethodPost, "/settlements", tt.body)
				assert.Equal(t, http.StatusBadRequest, w.Code)
			})
		}
	})
}

func TestClaim(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	w, pin, err := app.wallets.CreatePinWallet(ctx, decimal.RequireFromString("1.00"))
	require.NoError(t, err)
	wrong := "000000"
	if pin == wrong {
		wrong = "111111"
	}

	t.Run("Lookup Hides Secrets", func(t *testing.T) {
		resp := app.do(t, http.MethodGet, "/pin-wallets/"+w.ID, nil)
		assert.Equal(t, http.StatusOK, resp.Code)
		assert.NotContains(t, resp.Body.String(), w.PinHash)
		assert.Contains(t, resp.Body.String(), `"status":"PENDING"`)

		resp = app.do(t, http.MethodGet, "/pin-wallets/NOPE", nil)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("Wrong PIN Then Lockout", func(t *testing.T) {
		body := ClaimRequest{Pin: wrong, Destination: evmAddr, Chain: "base"}
		assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodPost, "/pin-wallets/"+w.ID+"/claim", body).Code)
		assert.Equal(t, http.StatusUnauthorized, app.do(t, http.MethodPost, "/pin-wallets/"+w.ID+"/claim", body).Code)

		body.Pin = pin
		resp := app.do(t, http.MethodPost, "/pin-wallets/"+w.ID+"/claim", body)
		assert.Equal(t, http.StatusLocked, resp.Code)
	})

	t.Run("Valid Claim", func(t *testing.T) {
		other, otherPin, err := app.wallets.CreatePinWallet(ctx, decimal.RequireFromString("1.00"))
		require.NoError(t, err)

		resp := app.do(t, http.MethodPost, "/pin-wallets/"+other.ID+"/claim", ClaimRequest{Pin: otherPin, Destination: evmAddr, Chain: "base"})
		assert.Equal(t, http.StatusOK, resp.Code)
		body := decode(t, resp)
		assert.Equal(t, "SETTLED", body["status"])
		assert.Contains(t, body["message"], "Base")
	})
}

func TestOperatorEndpoints(t *testing.T) {
	app := newTestApp(t)

	resp := app.do(t, http.MethodPost, "/retry", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, float64(0), decode(t, resp)["checked"])

	resp = app.do(t, http.MethodGet, "/pin-wallets?status=pending&limit=10", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	var list []interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &list))
	assert.Empty(t, list)

	resp = app.do(t, http.MethodGet, "/chains", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), `"key":"base"`)
	assert.Contains(t, resp.Body.String(), `"key":"stellar"`)
}

func TestSessionFlow(t *testing.T) {
	app := newTestApp(t)

	resp := app.do(t, http.MethodPost, "/sessions", StartSessionRequest{UserIdentifier: "kiosk-1"})
	require.Equal(t, http.StatusCreated, resp.Code)
	id := decode(t, resp)["id"].(string)

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/end", EndSessionRequest{Destination: evmAddr, Chain: "base"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/deposits", DepositRequest{Amount: "5.00"})
	assert.Equal(t, http.StatusOK, resp.Code)
	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/deposits", DepositRequest{Amount: "zero"})
	assert.Equal(t, http.StatusBadRequest, resp.Code)

	resp = app.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, "ACTIVE", decode(t, resp)["status"])

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/end", EndSessionRequest{Destination: evmAddr, Chain: "base"})
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Equal(t, true, decode(t, resp)["success"])

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/deposits", DepositRequest{Amount: "1"})
	assert.Equal(t, http.StatusConflict, resp.Code)

	resp = app.do(t, http.MethodPost, "/sessions/missing/deposits", DepositRequest{Amount: "1"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = app.do(t, http.MethodGet, "/sessions?status=settled", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), id)
}

func TestSessionToPinEndpoint(t *testing.T) {
	app := newTestApp(t)

	resp := app.do(t, http.MethodPost, "/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.Code)
	id := decode(t, resp)["id"].(string)

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/deposits", DepositRequest{Amount: "20"})
	require.Equal(t, http.StatusOK, resp.Code)

	resp = app.do(t, http.MethodPost, "/sessions/"+id+"/pin", nil)
	assert.Equal(t, http.StatusCreated, resp.Code)
	body := decode(t, resp)
	assert.Len(t, body["pin"], utils.PinLength)
	assert.NotEmpty(t, body["wallet_id"])
}

func TestBalances(t *testing.T) {
	app := newTestApp(t)

	resp := app.do(t, http.MethodGet, "/balances", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	body := decode(t, resp)
	acc := body["accounting"].(map[string]interface{})
	assert.Equal(t, "available", acc["state"])
	assert.Equal(t, "1000", acc["amount"])

	app.bridge.LiquidityFunc = func(ctx context.Context) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("rpc down")
	}
	resp = app.do(t, http.MethodGet, "/balances", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	br := decode(t, resp)["bridge"].(map[string]interface{})
	assert.Equal(t, "unavailable", br["state"])
}
