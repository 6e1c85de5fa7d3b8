package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// PinWalletRepository is the subset of the recovery record store the orchestrator needs.
type PinWalletRepository interface {
	Create(ctx context.Context, p store.CreateParams) (*models.PinWallet, string, error)
	Get(ctx context.Context, id string) (*models.PinWallet, error)
	Mutate(ctx context.Context, id string, fn func(*models.PinWallet) error) (*models.PinWallet, error)
	ListRetryable(ctx context.Context, maxAttempts int) ([]models.PinWallet, error)
	VerifyPin(w *models.PinWallet, pin string) bool
}

type Options struct {
	Policy   RetryPolicy
	PinGuard PinGuard
	// LeaseTTL bounds how long a crashed attempt keeps a record out of reach.
	LeaseTTL time.Duration
}

func DefaultOptions() Options {
	return Options{
		Policy:   DefaultRetryPolicy(),
		PinGuard: DefaultPinGuard(),
		LeaseTTL: 10 * time.Minute,
	}
}

// Orchestrator moves deposited cash to a destination chain and keeps a recovery
// record for every attempt so the value can always be reclaimed.
type Orchestrator struct {
	wallets PinWalletRepository
	gateway *Gateway
	targets *Targets
	opts    Options
	log     logrus.FieldLogger
	now     func() time.Time
}

func NewOrchestrator(wallets PinWalletRepository, gateway *Gateway, targets *Targets, opts Options, log logrus.FieldLogger) *Orchestrator {
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = DefaultOptions().LeaseTTL
	}
	return &Orchestrator{
		wallets: wallets,
		gateway: gateway,
		targets: targets,
		opts:    opts,
		log:     log,
		now:     time.Now,
	}
}

func (o *Orchestrator) Targets() *Targets {
	return o.targets
}

var (
	errSkip           = errors.New("skip")
	errAlreadySettled = errors.New("record reached a final state elsewhere")
)

func newLeaseToken() string {
	return uuid.NewString()
}

// attempt is the outcome of one pass through the external settlement steps.
type attempt struct {
	stage  FailureStage
	result *BridgeResult
	err    error
}

func (a attempt) succeeded() bool {
	return a.err == nil && a.result != nil && a.result.Success
}

func (a attempt) failureText() string {
	switch {
	case a.err != nil:
		return a.err.Error()
	case a.result != nil && a.result.Error != "":
		return a.result.Error
	default:
		return "bridge reported failure"
	}
}

// SettleToChain sends amount, less the fee, to destination on chainKey. The recovery
// record is written before any external call. A failed attempt still returns a result
// carrying the wallet id and PIN. If the outcome cannot be written, the result is
// returned together with the error; it carries the PIN unless the bridge succeeded.
func (o *Orchestrator) SettleToChain(ctx context.Context, destination, chainKey string, amount decimal.Decimal) (*SettlementResult, error) {
	const op = "settle to chain"

	target, err := o.targets.Resolve(ctx, destination, chainKey)
	if err != nil {
		return nil, err
	}
	fees, err := utils.CalculateFee(amount)
	if err != nil {
		return nil, InputError(op, err)
	}

	lease := newLeaseToken()
	wallet, pin, err := o.wallets.Create(ctx, store.CreateParams{
		Amount:      amount,
		Destination: target.Address,
		TargetChain: target.Chain.Key,
		Status:      models.PinWalletPendingBridge,
		LeaseOwner:  lease,
		LeaseUntil:  o.now().Add(o.opts.LeaseTTL),
	})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to persist recovery record: %w", op, err)
	}

	log := o.log.WithFields(logrus.Fields{
		"wallet_id": wallet.ID,
		"chain":     target.Chain.Key,
		"amount":    amount.String(),
	})
	log.Info("recovery record created, starting settlement")

	a := o.runProtocol(ctx, target, fees.NetAmount, log)
	recorded, recordErr := o.recordOutcome(ctx, wallet.ID, lease, PathInitial, a, log)
	if recordErr != nil {
		recorded = wallet
	}

	res := o.buildResult(recorded, target, fees, a)
	if !res.Success {
		res.Pin = pin
	}
	if recordErr != nil {
		return res, fmt.Errorf("%s: %w", op, recordErr)
	}
	return res, nil
}

// runProtocol opens a channel, bridges amount and always attempts to close the channel.
func (o *Orchestrator) runProtocol(ctx context.Context, target Target, amount decimal.Decimal, log logrus.FieldLogger) attempt {
	channelID, err := o.gateway.OpenChannel(ctx)
	if err != nil {
		log.WithError(err).Warn("could not open channel, nothing was sent")
		return attempt{stage: StageAccounting, err: err}
	}

	res, err := o.gateway.Bridge(ctx, target, amount)
	o.gateway.CloseChannelIfExists(context.WithoutCancel(ctx), channelID, log)

	if err != nil {
		log.WithError(err).Warn("bridge call failed")
		return attempt{stage: StageBridge, err: err}
	}
	if !res.Success {
		log.WithField("bridge_error", res.Error).Warn("bridge reported failure")
		return attempt{stage: StageBridge, result: res}
	}
	log.WithField("tx_hash", res.TxHash).Info("bridge succeeded")
	return attempt{result: res}
}

// recordOutcome writes the attempt onto the record and releases the caller's lease.
// It ignores cancellation of ctx so the bookkeeping survives a dropped client.
func (o *Orchestrator) recordOutcome(ctx context.Context, id, lease string, path RetryPath, a attempt, log logrus.FieldLogger) (*models.PinWallet, error) {
	ctx = context.WithoutCancel(ctx)

	w, err := o.wallets.Mutate(ctx, id, func(w *models.PinWallet) error {
		if w.Status.Terminal() {
			return errAlreadySettled
		}
		now := o.now()
		w.LastBridgeAttempt = &now
		if a.succeeded() {
			w.Status = models.PinWalletSettled
			w.BridgeTxHash = a.result.TxHash
			w.SettledAt = &now
			w.LastBridgeError = ""
		} else {
			w.BridgeAttempts++
			w.LastBridgeError = a.failureText()
			w.Status = models.PinWalletPendingBridge
			if o.opts.Policy.Exhausted(path, w.BridgeAttempts) {
				w.Status = models.PinWalletFailed
			}
		}
		if w.LeaseOwner == lease {
			w.ReleaseLease()
		}
		return nil
	})
	if errors.Is(err, errAlreadySettled) {
		log.Error("record reached a final state while this attempt held no valid lease")
		return o.wallets.Get(ctx, id)
	}
	if err != nil {
		fields := logrus.Fields{"path": path.String()}
		if a.succeeded() {
			fields["tx_hash"] = a.result.TxHash
		}
		log.WithError(err).WithFields(fields).Error("failed to record settlement outcome, manual reconciliation needed")
		return nil, fmt.Errorf("failed to record outcome for %s: %w", id, err)
	}

	log.WithFields(logrus.Fields{
		"status":   w.Status,
		"attempts": w.BridgeAttempts,
		"path":     path.String(),
	}).Info("settlement outcome recorded")
	return w, nil
}

func (o *Orchestrator) buildResult(w *models.PinWallet, target Target, fees utils.FeeBreakdown, a attempt) *SettlementResult {
	res := &SettlementResult{
		Success:     a.succeeded(),
		WalletID:    w.ID,
		Status:      w.Status,
		Destination: target.Address,
		Chain:       target.Chain.Key,
		ChainName:   target.Chain.Name,
		GrossAmount: fees.GrossAmount,
		Fee:         fees.Fee,
		NetAmount:   fees.NetAmount,
		Attempts:    w.BridgeAttempts,
	}

	if res.Success {
		res.TxHash = a.result.TxHash
		res.ExplorerURL = a.result.ExplorerURL
		res.Message = fmt.Sprintf("Sent %s to %s on %s", fees.NetAmount.String(), target.Address, target.Chain.Name)
		return res
	}

	res.FailedAt = a.stage
	res.Error = a.failureText()
	switch {
	case w.Status == models.PinWalletFailed:
		res.Message = fmt.Sprintf("Settlement to %s failed after %d attempts. Contact an operator with wallet %s.",
			target.Chain.Name, w.BridgeAttempts, w.ID)
	case a.stage == StageAccounting:
		res.Message = fmt.Sprintf("Could not reach the accounting network, nothing was sent. Use wallet %s and your PIN to try again.", w.ID)
	default:
		res.Message = fmt.Sprintf("Transfer to %s did not complete. Your funds are held in wallet %s; use your PIN to retry.",
			target.Chain.Name, w.ID)
	}
	return res
}
