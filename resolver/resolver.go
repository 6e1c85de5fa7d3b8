// Package resolver validates destination addresses and resolves human-readable names.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/utils"
	fproto "github.com/stellar/go/protocols/federation"
)

var (
	ErrInvalidAddress = errors.New("invalid address")
	ErrNamesDisabled  = errors.New("name resolution is not configured")
)

// NameLookup resolves names such as "alice.eth" for EVM chains.
type NameLookup interface {
	Lookup(ctx context.Context, name string, chain settlement.Chain) (string, error)
}

// FederationClient resolves Stellar federation addresses ("alice*example.com").
type FederationClient interface {
	LookupByAddress(addy string) (*fproto.NameResponse, error)
}

// DefaultLookupTimeout bounds a single name lookup.
const DefaultLookupTimeout = 10 * time.Second

type Resolver struct {
	// Timeout bounds each name lookup on top of the caller's deadline.
	Timeout time.Duration

	names      NameLookup
	federation FederationClient
}

// New returns a resolver. Either lookup may be nil, in which case names of that kind
// are rejected.
func New(names NameLookup, federation FederationClient) *Resolver {
	return &Resolver{Timeout: DefaultLookupTimeout, names: names, federation: federation}
}

func (r *Resolver) lookupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.Timeout)
}

func (r *Resolver) Resolve(ctx context.Context, input string, chain settlement.Chain) (string, error) {
	input = strings.TrimSpace(input)
	switch chain.Kind {
	case settlement.ChainEVM:
		return r.resolveEVM(ctx, input, chain)
	case settlement.ChainStellar:
		return r.resolveStellar(ctx, input)
	default:
		return "", fmt.Errorf("no resolver for %s chains", chain.Kind)
	}
}

func (r *Resolver) resolveEVM(ctx context.Context, input string, chain settlement.Chain) (string, error) {
	if utils.IsEVMAddress(input) {
		return input, nil
	}
	if strings.HasPrefix(strings.ToLower(input), "0x") || !strings.Contains(input, ".") {
		return "", fmt.Errorf("%w: %q is not a %s address", ErrInvalidAddress, input, chain.Name)
	}
	if r.names == nil {
		return "", ErrNamesDisabled
	}

	lctx, cancel := r.lookupContext(ctx)
	defer cancel()
	addr, err := r.names.Lookup(lctx, strings.ToLower(input), chain)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", input, err)
	}
	if !utils.IsEVMAddress(addr) {
		return "", fmt.Errorf("%w: %s resolved to %q", ErrInvalidAddress, input, addr)
	}
	return addr, nil
}

func (r *Resolver) resolveStellar(ctx context.Context, input string) (string, error) {
	if !strings.Contains(input, "*") {
		if err := utils.ValidateStellarAddress(input); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return input, nil
	}
	if r.federation == nil {
		return "", ErrNamesDisabled
	}

	resp, err := r.lookupFederation(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", input, err)
	}
	if err := utils.ValidateStellarAddress(resp.AccountID); err != nil {
		return "", fmt.Errorf("%w: %s resolved to %q", ErrInvalidAddress, input, resp.AccountID)
	}
	return resp.AccountID, nil
}

// lookupFederation gives up when ctx or the lookup timeout ends. The federation client
// has no context of its own, so an abandoned call finishes in the background.
func (r *Resolver) lookupFederation(ctx context.Context, input string) (*fproto.NameResponse, error) {
	ctx, cancel := r.lookupContext(ctx)
	defer cancel()

	type reply struct {
		resp *fproto.NameResponse
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		resp, err := r.federation.LookupByAddress(input)
		done <- reply{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case rep := <-done:
		return rep.resp, rep.err
	}
}

// Directory is a fixed name table, for kiosks that publish a short list of payout names.
type Directory map[string]string

func (d Directory) Lookup(_ context.Context, name string, _ settlement.Chain) (string, error) {
	addr, ok := d[strings.ToLower(name)]
	if !ok {
		return "", fmt.Errorf("unknown name %q", name)
	}
	return addr, nil
}
