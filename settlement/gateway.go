package settlement

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type GatewayConfig struct {
	// Asset is the accounting asset reference channels are opened in.
	Asset string
	// ChannelChainID is the chain the accounting pool settles on.
	ChannelChainID int64
	// CustodyAddress receives channel funds when a channel is resized or closed.
	CustodyAddress string
	FeeRecipient   string
	BridgeTimeout  time.Duration
}

// Gateway runs the external steps shared by settlements and sessions: opening and
// closing accounting channels and calling the bridge.
type Gateway struct {
	accounting *LazyAccounting
	bridge     BridgeClient
	cfg        GatewayConfig
	log        logrus.FieldLogger
}

func NewGateway(accounting *LazyAccounting, bridge BridgeClient, cfg GatewayConfig, log logrus.FieldLogger) *Gateway {
	return &Gateway{accounting: accounting, bridge: bridge, cfg: cfg, log: log}
}

func (g *Gateway) Accounting() *LazyAccounting {
	return g.accounting
}

func (g *Gateway) OpenChannel(ctx context.Context) (string, error) {
	id, err := g.accounting.CreateChannel(ctx, g.cfg.Asset, g.cfg.ChannelChainID)
	if err != nil {
		return "", RemoteError("open channel", err)
	}
	return id, nil
}

func (g *Gateway) ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal) error {
	if err := g.accounting.ResizeChannel(ctx, channelID, delta, g.cfg.CustodyAddress); err != nil {
		return RemoteError("resize channel", err)
	}
	return nil
}

// CloseChannelIfExists closes the channel unless it has already closed itself.
// Failures are logged and swallowed.
func (g *Gateway) CloseChannelIfExists(ctx context.Context, channelID string, log logrus.FieldLogger) bool {
	if channelID == "" {
		return false
	}
	log = log.WithField("channel_id", channelID)

	exists, err := g.accounting.ChannelExists(ctx, channelID)
	if err != nil {
		log.WithError(err).Warn("could not check channel before closing, attempting close anyway")
		exists = true
	}
	if !exists {
		log.Debug("channel already closed")
		return false
	}
	if err := g.accounting.CloseChannel(ctx, channelID, g.cfg.CustodyAddress); err != nil {
		log.WithError(err).Warn("failed to close channel")
		return false
	}
	log.Info("channel closed")
	return true
}

// Bridge sends amount to target under the bridge timeout. A panicking adapter is
// reported as an error rather than taking the process down mid-settlement.
func (g *Gateway) Bridge(ctx context.Context, target Target, amount decimal.Decimal) (res *BridgeResult, err error) {
	if g.cfg.BridgeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.BridgeTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			res, err = nil, RemoteError("bridge", fmt.Errorf("bridge client panicked: %v", r))
		}
	}()

	res, err = g.bridge.Bridge(ctx, BridgeRequest{
		Destination:  target.Address,
		Chain:        target.Chain,
		Amount:       amount,
		FeeRecipient: g.cfg.FeeRecipient,
	})
	if err != nil {
		return nil, RemoteError("bridge", err)
	}
	if res == nil {
		return &BridgeResult{Success: false, Error: "bridge returned no result"}, nil
	}
	if res.Success && res.ExplorerURL == "" {
		res.ExplorerURL = target.Chain.TxURL(res.TxHash)
	}
	return res, nil
}
