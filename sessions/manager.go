// Package sessions accumulates kiosk deposits against an accounting channel and, when
// the customer is done, settles the balance or hands it to a PIN wallet.
package sessions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ki0xk/kiosk/models"
	"github.com/Ki0xk/kiosk/settlement"
	"github.com/Ki0xk/kiosk/store"
	"github.com/Ki0xk/kiosk/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type SessionRepository interface {
	Create(ctx context.Context, sess *models.Session) error
	Get(ctx context.Context, id string) (*models.Session, error)
	Mutate(ctx context.Context, id string, fn func(*models.Session) error) (*models.Session, error)
	ListByStatus(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error)
}

type WalletCreator interface {
	Create(ctx context.Context, p store.CreateParams) (*models.PinWallet, string, error)
}

type Manager struct {
	sessions SessionRepository
	wallets  WalletCreator
	gateway  *settlement.Gateway
	targets  *settlement.Targets
	log      logrus.FieldLogger
	now      func() time.Time
}

func NewManager(sessions SessionRepository, wallets WalletCreator, gateway *settlement.Gateway, targets *settlement.Targets, log logrus.FieldLogger) *Manager {
	return &Manager{
		sessions: sessions,
		wallets:  wallets,
		gateway:  gateway,
		targets:  targets,
		log:      log,
		now:      time.Now,
	}
}

// EndResult is the outcome of settling a session to a destination chain.
type EndResult struct {
	Success     bool            `json:"success"`
	Message     string          `json:"message"`
	Session     *models.Session `json:"session"`
	GrossAmount decimal.Decimal `json:"gross_amount"`
	Fee         decimal.Decimal `json:"fee"`
	NetAmount   decimal.Decimal `json:"net_amount"`
	TxHash      string          `json:"tx_hash,omitempty"`
	ExplorerURL string          `json:"explorer_url,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// Handoff is a session converted into a PIN wallet. Pin is shown to the customer once.
type Handoff struct {
	Session  *models.Session `json:"session"`
	WalletID string          `json:"wallet_id"`
	Pin      string          `json:"pin"`
	Amount   decimal.Decimal `json:"amount"`
	Error    string          `json:"error,omitempty"`
}

// StartSession opens a channel for the new session. When the channel cannot be
// opened the session is still created and deposits are tracked locally only.
func (m *Manager) StartSession(ctx context.Context, userIdentifier string) (*models.Session, error) {
	now := m.now()
	sess := &models.Session{
		ID:             uuid.NewString(),
		UserIdentifier: userIdentifier,
		TotalDeposited: decimal.Zero,
		CurrentBalance: decimal.Zero,
		StartedAt:      now,
		LastActivityAt: now,
		Status:         models.SessionActive,
	}
	log := m.log.WithField("session_id", sess.ID)

	channelID, err := m.gateway.OpenChannel(ctx)
	if err != nil {
		log.WithError(err).Warn("could not open channel, session runs in local-only mode")
		sess.Error = err.Error()
	} else {
		sess.ChannelID = &channelID
	}

	if err := m.sessions.Create(ctx, sess); err != nil {
		if sess.ChannelID != nil {
			m.gateway.CloseChannelIfExists(context.WithoutCancel(ctx), channelID, log)
		}
		return nil, err
	}
	log.WithField("degraded", sess.Degraded()).Info("session started")
	return sess, nil
}

func (m *Manager) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := m.sessions.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, settlement.NotFoundError("get session", settlement.ErrSessionNotFound)
	}
	return sess, err
}

func (m *Manager) ListSessions(ctx context.Context, status models.SessionStatus, limit int) ([]models.Session, error) {
	return m.sessions.ListByStatus(ctx, status, limit)
}

// DepositToSession adds amount to the session. The channel resize is best-effort:
// the local balance is updated even when it fails.
func (m *Manager) DepositToSession(ctx context.Context, id string, amount decimal.Decimal) (*models.Session, error) {
	const op = "deposit to session"
	if !amount.IsPositive() {
		return nil, settlement.InputError(op, utils.ErrInvalidAmount)
	}

	sess, err := m.activeSession(ctx, op, id)
	if err != nil {
		return nil, err
	}
	log := m.log.WithFields(logrus.Fields{"session_id": id, "amount": amount.String()})

	var resizeErr error
	if !sess.Degraded() {
		resizeErr = m.gateway.ResizeChannel(ctx, *sess.ChannelID, amount)
		if resizeErr != nil {
			log.WithError(resizeErr).Warn("channel resize failed, recording deposit locally")
		}
	}

	sess, err = m.sessions.Mutate(ctx, id, func(s *models.Session) error {
		if s.Status != models.SessionActive {
			return settlement.ConflictError(op, settlement.ErrSessionNotActive)
		}
		s.TotalDeposited = s.TotalDeposited.Add(amount)
		s.CurrentBalance = s.CurrentBalance.Add(amount)
		s.LastActivityAt = m.now()
		if resizeErr != nil {
			s.Error = resizeErr.Error()
		}
		return nil
	})
	if err != nil {
		return nil, m.wrap(op, err)
	}
	log.WithField("balance", sess.CurrentBalance.String()).Info("deposit recorded")
	return sess, nil
}

// EndSession bridges the full session balance to the destination and records the fee
// on the session. A failed bridge leaves the session FAILED with its balance intact
// for manual recovery.
func (m *Manager) EndSession(ctx context.Context, id, destination, chainKey string) (*EndResult, error) {
	const op = "end session"

	sess, err := m.activeSession(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !sess.CurrentBalance.IsPositive() {
		return nil, settlement.InputError(op, settlement.ErrNothingToSettle)
	}
	target, err := m.targets.Resolve(ctx, destination, chainKey)
	if err != nil {
		return nil, err
	}

	sess, err = m.beginSettling(ctx, op, id, func(s *models.Session) {
		s.DestinationAddress = target.Address
		s.DestinationChain = target.Chain.Key
	})
	if err != nil {
		return nil, err
	}
	fees, err := utils.CalculateFee(sess.CurrentBalance)
	if err != nil {
		return nil, settlement.InputError(op, err)
	}

	log := m.log.WithFields(logrus.Fields{
		"session_id": id,
		"chain":      target.Chain.Key,
		"amount":     fees.GrossAmount.String(),
	})
	if !sess.Degraded() {
		m.gateway.CloseChannelIfExists(context.WithoutCancel(ctx), *sess.ChannelID, log)
	}

	res, bridgeErr := m.gateway.Bridge(ctx, target, fees.GrossAmount)
	ok := bridgeErr == nil && res != nil && res.Success

	failure := ""
	if !ok {
		failure = "bridge reported failure"
		if bridgeErr != nil {
			failure = bridgeErr.Error()
		} else if res != nil && res.Error != "" {
			failure = res.Error
		}
	}

	sess, err = m.sessions.Mutate(context.WithoutCancel(ctx), id, func(s *models.Session) error {
		now := m.now()
		s.EndedAt = &now
		s.LastActivityAt = now
		if ok {
			s.Status = models.SessionSettled
			s.CurrentBalance = decimal.Zero
			s.BridgeTxHash = res.TxHash
			s.Fee = decimal.NewNullDecimal(fees.Fee)
			s.Error = ""
			return nil
		}
		s.Status = models.SessionFailed
		s.Error = failure
		return nil
	})
	if err != nil {
		fields := logrus.Fields{"bridge_ok": ok}
		if ok {
			fields["tx_hash"] = res.TxHash
		}
		log.WithError(err).WithFields(fields).Error("failed to record session outcome, manual reconciliation needed")
		return nil, fmt.Errorf("%s: failed to record outcome for %s: %w", op, id, err)
	}

	out := &EndResult{
		Success:     ok,
		Session:     sess,
		GrossAmount: fees.GrossAmount,
		Fee:         fees.Fee,
		NetAmount:   fees.NetAmount,
	}
	if ok {
		out.TxHash = res.TxHash
		out.ExplorerURL = res.ExplorerURL
		out.Message = fmt.Sprintf("Sent %s to %s on %s", fees.GrossAmount.String(), target.Address, target.Chain.Name)
		log.WithField("tx_hash", res.TxHash).Info("session settled")
	} else {
		out.Error = failure
		out.Message = fmt.Sprintf("Transfer to %s failed. Session %s needs operator attention.", target.Chain.Name, id)
		log.WithField("error", failure).Error("session settlement failed, balance kept for manual recovery")
	}
	return out, nil
}

// SessionToPin moves the session balance into a new PIN wallet. The session is
// marked SETTLED once the wallet exists; delivery then follows the wallet.
// Once the wallet exists the Handoff is always returned, even when the final session
// write fails, so the PIN reaches the customer. The error is returned alongside it.
func (m *Manager) SessionToPin(ctx context.Context, id string) (*Handoff, error) {
	const op = "session to pin"

	sess, err := m.activeSession(ctx, op, id)
	if err != nil {
		return nil, err
	}
	if !sess.CurrentBalance.IsPositive() {
		return nil, settlement.InputError(op, settlement.ErrNothingToSettle)
	}
	sess, err = m.beginSettling(ctx, op, id, nil)
	if err != nil {
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{"session_id": id, "amount": sess.CurrentBalance.String()})
	ctx = context.WithoutCancel(ctx)
	if !sess.Degraded() {
		m.gateway.CloseChannelIfExists(ctx, *sess.ChannelID, log)
	}

	amount := sess.CurrentBalance
	wallet, pin, err := m.wallets.Create(ctx, store.CreateParams{
		Amount:          amount,
		Status:          models.PinWalletPending,
		SourceSessionID: id,
	})
	if err != nil {
		log.WithError(err).Error("failed to create pin wallet for session")
		if _, markErr := m.sessions.Mutate(ctx, id, func(s *models.Session) error {
			now := m.now()
			s.Status = models.SessionFailed
			s.EndedAt = &now
			s.Error = err.Error()
			return nil
		}); markErr != nil {
			log.WithError(markErr).Error("failed to mark session failed")
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log = log.WithField("wallet_id", wallet.ID)
	sess, err = m.sessions.Mutate(ctx, id, func(s *models.Session) error {
		now := m.now()
		s.Status = models.SessionSettled
		s.CurrentBalance = decimal.Zero
		s.PinWalletID = wallet.ID
		s.EndedAt = &now
		s.LastActivityAt = now
		return nil
	})
	if err != nil {
		log.WithError(err).Error("pin wallet created but session could not be updated, manual reconciliation needed")
		stale, getErr := m.sessions.Get(ctx, id)
		if getErr != nil {
			stale = nil
		}
		return &Handoff{Session: stale, WalletID: wallet.ID, Pin: pin, Amount: amount, Error: err.Error()},
			fmt.Errorf("%s: wallet %s created but session not updated: %w", op, wallet.ID, err)
	}
	log.Info("session handed off to pin wallet")

	return &Handoff{Session: sess, WalletID: wallet.ID, Pin: pin, Amount: amount}, nil
}

func (m *Manager) activeSession(ctx context.Context, op, id string) (*models.Session, error) {
	sess, err := m.sessions.Get(ctx, id)
	if err != nil {
		return nil, m.wrap(op, err)
	}
	if sess.Status != models.SessionActive {
		return nil, settlement.ConflictError(op, settlement.ErrSessionNotActive)
	}
	return sess, nil
}

// beginSettling moves an ACTIVE session with a positive balance to SETTLING. Only one
// caller can win this transition.
func (m *Manager) beginSettling(ctx context.Context, op, id string, fill func(*models.Session)) (*models.Session, error) {
	sess, err := m.sessions.Mutate(ctx, id, func(s *models.Session) error {
		if s.Status != models.SessionActive {
			return settlement.ConflictError(op, settlement.ErrSessionNotActive)
		}
		if !s.CurrentBalance.IsPositive() {
			return settlement.InputError(op, settlement.ErrNothingToSettle)
		}
		s.Status = models.SessionSettling
		s.LastActivityAt = m.now()
		if fill != nil {
			fill(s)
		}
		return nil
	})
	if err != nil {
		return nil, m.wrap(op, err)
	}
	return sess, nil
}

func (m *Manager) wrap(op string, err error) error {
	var se *settlement.Error
	switch {
	case errors.As(err, &se):
		return err
	case errors.Is(err, store.ErrNotFound):
		return settlement.NotFoundError(op, settlement.ErrSessionNotFound)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
