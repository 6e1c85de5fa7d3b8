package settlement

import (
	"context"
	"fmt"
	"strings"
)

type ChainKind string

const (
	ChainEVM     ChainKind = "evm"
	ChainStellar ChainKind = "stellar"
)

type Chain struct {
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	ChainID     int64     `json:"chain_id"`
	Kind        ChainKind `json:"kind"`
	ExplorerURL string    `json:"explorer_url"`
}

// TxURL links to a transaction on the chain's block explorer.
func (c Chain) TxURL(txHash string) string {
	if c.ExplorerURL == "" || txHash == "" {
		return ""
	}
	return c.ExplorerURL + txHash
}

var DefaultChains = []Chain{
	{Key: "base", Name: "Base", ChainID: 8453, Kind: ChainEVM, ExplorerURL: "https://basescan.org/tx/"},
	{Key: "ethereum", Name: "Ethereum", ChainID: 1, Kind: ChainEVM, ExplorerURL: "https://etherscan.io/tx/"},
	{Key: "arbitrum", Name: "Arbitrum", ChainID: 42161, Kind: ChainEVM, ExplorerURL: "https://arbiscan.io/tx/"},
	{Key: "optimism", Name: "Optimism", ChainID: 10, Kind: ChainEVM, ExplorerURL: "https://optimistic.etherscan.io/tx/"},
	{Key: "polygon", Name: "Polygon", ChainID: 137, Kind: ChainEVM, ExplorerURL: "https://polygonscan.com/tx/"},
	{Key: "avalanche", Name: "Avalanche", ChainID: 43114, Kind: ChainEVM, ExplorerURL: "https://snowtrace.io/tx/"},
	{Key: "stellar", Name: "Stellar", Kind: ChainStellar, ExplorerURL: "https://stellar.expert/explorer/public/tx/"},
}

type ChainRegistry struct {
	byKey map[string]Chain
	order []string
}

func NewChainRegistry(chains ...Chain) *ChainRegistry {
	r := &ChainRegistry{byKey: make(map[string]Chain, len(chains))}
	for _, c := range chains {
		key := strings.ToLower(c.Key)
		if _, dup := r.byKey[key]; !dup {
			r.order = append(r.order, key)
		}
		r.byKey[key] = c
	}
	return r
}

func (r *ChainRegistry) Get(key string) (Chain, error) {
	c, ok := r.byKey[strings.ToLower(strings.TrimSpace(key))]
	if !ok {
		return Chain{}, fmt.Errorf("%w: %q", ErrUnsupportedChain, key)
	}
	return c, nil
}

func (r *ChainRegistry) List() []Chain {
	out := make([]Chain, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Target is a validated (chain, address) pair funds can be sent to.
type Target struct {
	Chain   Chain
	Address string
}

// Targets validates user-supplied destinations before any state is touched.
type Targets struct {
	chains   *ChainRegistry
	resolver Resolver
}

func NewTargets(chains *ChainRegistry, resolver Resolver) *Targets {
	return &Targets{chains: chains, resolver: resolver}
}

func (t *Targets) Chains() *ChainRegistry {
	return t.chains
}

// Resolve returns an InputError for an unknown chain or an unresolvable destination.
func (t *Targets) Resolve(ctx context.Context, destination, chainKey string) (Target, error) {
	const op = "resolve destination"
	if strings.TrimSpace(destination) == "" || strings.TrimSpace(chainKey) == "" {
		return Target{}, InputError(op, ErrMissingDestination)
	}
	chain, err := t.chains.Get(chainKey)
	if err != nil {
		return Target{}, InputError(op, err)
	}
	addr, err := t.resolver.Resolve(ctx, strings.TrimSpace(destination), chain)
	if err != nil {
		return Target{}, InputError(op, fmt.Errorf("%w: %v", ErrUnresolvedDestination, err))
	}
	return Target{Chain: chain, Address: addr}, nil
}
