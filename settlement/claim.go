package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/sirupsen/logrus"
)

var unknownWallet = models.PinWallet{PinScheme: models.PinSchemeArgon2}

// ClaimPinWallet lets the bearer of a wallet id and PIN send the held funds on.
// A stored destination and chain always win over the supplied ones. An unknown id and
// a wrong PIN fail identically.
func (o *Orchestrator) ClaimPinWallet(ctx context.Context, id, pin, destination, chainKey string) (*SettlementResult, error) {
	const op = "claim pin wallet"
	id = utils.NormalizeWalletID(id)

	w, err := o.wallets.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		// same hashing cost as a real record, so timing does not reveal which ids exist
		o.wallets.VerifyPin(&unknownWallet, pin)
		return nil, AuthorizationError(op, ErrInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if w.Locked(o.now()) {
		return nil, AuthorizationError(op, ErrPinLocked)
	}
	if !o.wallets.VerifyPin(w, pin) {
		o.registerPinFailure(ctx, w.ID)
		return nil, AuthorizationError(op, ErrInvalidCredentials)
	}
	if w.Status == models.PinWalletFailed {
		return nil, TerminalError(op, ErrAttemptsExhausted)
	}
	if !w.Status.Claimable() {
		return nil, AuthorizationError(op, ErrInvalidCredentials)
	}

	dest, chain := w.Destination, w.TargetChain
	if dest == "" {
		dest = destination
	}
	if chain == "" {
		chain = chainKey
	}
	target, err := o.targets.Resolve(ctx, dest, chain)
	if err != nil {
		return nil, err
	}
	fees, err := utils.CalculateFee(w.Amount)
	if err != nil {
		return nil, InputError(op, err)
	}

	lease := newLeaseToken()
	w, err = o.wallets.Mutate(ctx, id, func(w *models.PinWallet) error {
		now := o.now()
		if !w.Status.Claimable() {
			return AuthorizationError(op, ErrInvalidCredentials)
		}
		if w.Leased(now) {
			return ConflictError(op, ErrRecordBusy)
		}
		// Another claim may have fixed a different destination since we read the record.
		if (w.Destination != "" && w.Destination != target.Address) ||
			(w.TargetChain != "" && !strings.EqualFold(w.TargetChain, target.Chain.Key)) {
			return ConflictError(op, ErrRecordBusy)
		}
		w.Destination = target.Address
		w.TargetChain = target.Chain.Key
		w.PinFailures = 0
		w.Lease(lease, now.Add(o.opts.LeaseTTL))
		return nil
	})
	if err != nil {
		var se *Error
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, fmt.Errorf("%s: failed to lease %s: %w", op, id, err)
	}

	log := o.log.WithFields(logrus.Fields{
		"wallet_id": w.ID,
		"chain":     target.Chain.Key,
		"amount":    w.Amount.String(),
		"attempts":  w.BridgeAttempts,
	})
	log.Info("claim accepted, starting settlement")

	a := o.runProtocol(ctx, target, fees.NetAmount, log)
	recorded, err := o.recordOutcome(ctx, id, lease, PathManual, a, log)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return o.buildResult(recorded, target, fees, a), nil
}

// registerPinFailure counts a wrong PIN and locks the record once the guard trips.
// Nothing else on the record changes.
func (o *Orchestrator) registerPinFailure(ctx context.Context, id string) {
	guard := o.opts.PinGuard
	if guard.MaxFailures <= 0 {
		return
	}
	_, err := o.wallets.Mutate(context.WithoutCancel(ctx), id, func(w *models.PinWallet) error {
		if w.Status.Terminal() {
			return errSkip
		}
		w.PinFailures++
		if w.PinFailures >= guard.MaxFailures {
			w.Lockouts++
			until := o.now().Add(guard.LockoutFor(w.Lockouts))
			w.LockedUntil = &until
			w.PinFailures = 0
			o.log.WithFields(logrus.Fields{"wallet_id": id, "until": until}).Warn("pin wallet locked after repeated invalid PINs")
		}
		return nil
	})
	if err != nil && !errors.Is(err, errSkip) {
		o.log.WithError(err).WithField("wallet_id", id).Warn("failed to record invalid PIN attempt")
	}
}
