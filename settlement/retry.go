package settlement

import (
	"context"
	"errors"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/sirupsen/logrus"
)

// RetryPendingBridges makes one bridge attempt for every PENDING_BRIDGE record below
// the automatic attempt cap. No accounting channel is involved. Records leased by an
// in-flight attempt are skipped.
func (o *Orchestrator) RetryPendingBridges(ctx context.Context) (*RetryReport, error) {
	maxAttempts := o.opts.Policy.MaxAutoAttempts
	candidates, err := o.wallets.ListRetryable(ctx, maxAttempts)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{Checked: len(candidates), Items: []RetryItem{}}
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		log := o.log.WithFields(logrus.Fields{"wallet_id": c.ID, "chain": c.TargetChain})

		item, err := o.retryOne(ctx, c.ID, log)
		if errors.Is(err, errSkip) {
			report.Skipped++
			continue
		}
		if err != nil {
			log.WithError(err).Error("retry failed")
			report.Errors++
			report.Items = append(report.Items, RetryItem{WalletID: c.ID, Status: c.Status, Attempts: c.BridgeAttempts, Error: err.Error()})
			continue
		}

		switch item.Status {
		case models.PinWalletSettled:
			report.Settled++
		case models.PinWalletFailed:
			report.Failed++
		default:
			report.Retrying++
		}
		report.Items = append(report.Items, *item)
	}

	if report.Checked > 0 {
		o.log.WithFields(logrus.Fields{
			"checked":  report.Checked,
			"settled":  report.Settled,
			"retrying": report.Retrying,
			"failed":   report.Failed,
			"skipped":  report.Skipped,
		}).Info("retry sweep finished")
	}
	return report, nil
}

func (o *Orchestrator) retryOne(ctx context.Context, id string, log logrus.FieldLogger) (*RetryItem, error) {
	maxAttempts := o.opts.Policy.MaxAutoAttempts
	lease := newLeaseToken()

	w, err := o.wallets.Mutate(ctx, id, func(w *models.PinWallet) error {
		now := o.now()
		if w.Status != models.PinWalletPendingBridge || w.BridgeAttempts >= maxAttempts ||
			w.Destination == "" || w.TargetChain == "" || w.Leased(now) {
			return errSkip
		}
		w.Lease(lease, now.Add(o.opts.LeaseTTL))
		return nil
	})
	if err != nil {
		return nil, err
	}

	var a attempt
	chain, err := o.targets.Chains().Get(w.TargetChain)
	if err != nil {
		a = attempt{stage: StageBridge, err: InputError("retry pending bridge", err)}
	} else {
		fees, ferr := utils.CalculateFee(w.Amount)
		if ferr != nil {
			a = attempt{stage: StageBridge, err: InputError("retry pending bridge", ferr)}
		} else {
			res, berr := o.gateway.Bridge(ctx, Target{Chain: chain, Address: w.Destination}, fees.NetAmount)
			a = attempt{stage: StageBridge, result: res, err: berr}
		}
	}

	recorded, err := o.recordOutcome(ctx, id, lease, PathAuto, a, log)
	if err != nil {
		return nil, err
	}
	item := &RetryItem{
		WalletID: recorded.ID,
		Status:   recorded.Status,
		Attempts: recorded.BridgeAttempts,
		TxHash:   recorded.BridgeTxHash,
	}
	if !a.succeeded() {
		item.Error = a.failureText()
	}
	return item, nil
}
