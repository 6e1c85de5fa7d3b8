package settlement

import (
	"context"

	"github.com/shopspring/decimal"
)

type AssetBalance struct {
	Asset  string          `json:"asset"`
	Amount decimal.Decimal `json:"amount"`
}

// AccountingClient is the off-chain channel protocol client. Adapters return
// ErrAccountingAuthExpired (wrapped) when the authenticated session has lapsed.
type AccountingClient interface {
	Connect(ctx context.Context) error
	Authenticate(ctx context.Context) error
	GetBalances(ctx context.Context) ([]AssetBalance, error)
	CreateChannel(ctx context.Context, asset string, chainID int64) (string, error)
	ChannelExists(ctx context.Context, channelID string) (bool, error)
	ResizeChannel(ctx context.Context, channelID string, delta decimal.Decimal, destination string) error
	CloseChannel(ctx context.Context, channelID string, destination string) error
}

type BridgeRequest struct {
	Destination  string
	Chain        Chain
	Amount       decimal.Decimal
	FeeRecipient string
}

// BridgeResult is the normalized outcome of a bridge call. It is the only source
// of truth for whether funds moved.
type BridgeResult struct {
	Success     bool   `json:"success"`
	TxHash      string `json:"tx_hash,omitempty"`
	TxStatus    string `json:"tx_status,omitempty"`
	ExplorerURL string `json:"explorer_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BridgeClient moves value to the destination chain. A returned error means the
// call itself faulted; a result with Success=false means the bridge refused or failed.
type BridgeClient interface {
	Bridge(ctx context.Context, req BridgeRequest) (*BridgeResult, error)
	LiquidityBalance(ctx context.Context) (decimal.Decimal, error)
}

// Resolver turns a literal address or human-readable name into an address valid on chain.
type Resolver interface {
	Resolve(ctx context.Context, input string, chain Chain) (string, error)
}
