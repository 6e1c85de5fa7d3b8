package bridge

import (
	"context"
	"fmt"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/shopspring/decimal"
)

// Router sends each request to the adapter registered for its chain kind.
type Router struct {
	routes    map[settlement.ChainKind]settlement.BridgeClient
	liquidity settlement.BridgeClient
}

func NewRouter() *Router {
	return &Router{routes: make(map[settlement.ChainKind]settlement.BridgeClient)}
}

// Handle registers client for kind. The first client registered also answers liquidity reads.
func (r *Router) Handle(kind settlement.ChainKind, client settlement.BridgeClient) *Router {
	r.routes[kind] = client
	if r.liquidity == nil {
		r.liquidity = client
	}
	return r
}

func (r *Router) Bridge(ctx context.Context, req settlement.BridgeRequest) (*settlement.BridgeResult, error) {
	client, ok := r.routes[req.Chain.Kind]
	if !ok {
		return &settlement.BridgeResult{
			Success: false,
			Error:   fmt.Sprintf("no bridge configured for %s", req.Chain.Name),
		}, nil
	}
	return client.Bridge(ctx, req)
}

func (r *Router) LiquidityBalance(ctx context.Context) (decimal.Decimal, error) {
	if r.liquidity == nil {
		return decimal.Zero, fmt.Errorf("no bridge configured")
	}
	return r.liquidity.LiquidityBalance(ctx)
}
