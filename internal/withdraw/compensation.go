package withdraw

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/notification"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

var (
	// ErrUnknownReference indicates no withdrawal exists for the outcome's reference.
	ErrUnknownReference = errors.New("unknown withdrawal reference")

	// ErrReconciliationConflict indicates the outcome disagrees with the
	// recorded withdrawal on amount or wallet. Never auto-resolved; an
	// operator has to look at it.
	ErrReconciliationConflict = errors.New("reconciliation conflict")
)

// Outcome is the rail's asynchronous verdict on a dispatched payout. Amount
// and WalletID are optional cross-checks: when the rail echoes them back they
// must match the recorded withdrawal.
type Outcome struct {
	Reference string
	Success   bool
	Reason    string
	Amount    int64
	WalletID  string
}

// Disposition reports what an outcome did.
type Disposition string

const (
	DispositionCompleted Disposition = "COMPLETED"
	DispositionReversed  Disposition = "REVERSED"
	DispositionDuplicate Disposition = "DUPLICATE"
)

// Manager settles dispatched withdrawals. A success finalizes the QUEUED
// entry; a failure refunds amount plus fee and writes the reversal. Both
// branches key off the original reference and treat a repeated outcome for
// an already-terminal withdrawal as a no-op.
type Manager struct {
	wallets  wallet.Store
	ledger   ledger.Engine
	locks    *wallet.Locker
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewManager builds a compensation manager.
func NewManager(wallets wallet.Store, eng ledger.Engine, locks *wallet.Locker,
	notifier notification.Notifier, logger *slog.Logger) *Manager {
	return &Manager{wallets: wallets, ledger: eng, locks: locks, notifier: notifier, logger: logger}
}

// OnOutcome applies a payout outcome to the withdrawal it references.
func (m *Manager) OnOutcome(ctx context.Context, outcome Outcome) (Disposition, error) {
	entries, err := m.ledger.FindByReference(ctx, outcome.Reference)
	if err != nil {
		return "", err
	}
	var withdrawEntry ledger.Entry
	var feeAmount int64
	found := false
	for _, entry := range entries {
		switch entry.Kind {
		case ledger.KindWithdraw:
			withdrawEntry = entry
			found = true
		case ledger.KindFee:
			feeAmount = entry.Amount
		}
	}
	if !found {
		return "", ErrUnknownReference
	}

	if outcome.Amount != 0 && outcome.Amount != withdrawEntry.Amount {
		m.logger.Error("payout outcome amount mismatch: manual review required",
			"reference", outcome.Reference, "outcome_amount", outcome.Amount, "recorded_amount", withdrawEntry.Amount)
		return "", fmt.Errorf("%w: outcome amount %d, recorded %d",
			ErrReconciliationConflict, outcome.Amount, withdrawEntry.Amount)
	}
	if outcome.WalletID != "" && outcome.WalletID != withdrawEntry.WalletID {
		m.logger.Error("payout outcome wallet mismatch: manual review required",
			"reference", outcome.Reference, "outcome_wallet", outcome.WalletID, "recorded_wallet", withdrawEntry.WalletID)
		return "", fmt.Errorf("%w: outcome wallet %s, recorded %s",
			ErrReconciliationConflict, outcome.WalletID, withdrawEntry.WalletID)
	}

	if withdrawEntry.Status.Terminal() {
		return DispositionDuplicate, nil
	}

	if outcome.Success {
		return m.complete(ctx, withdrawEntry)
	}
	return m.reverse(ctx, withdrawEntry, feeAmount, outcome.Reason)
}

func (m *Manager) complete(ctx context.Context, withdrawEntry ledger.Entry) (Disposition, error) {
	if _, err := m.ledger.Append(ctx, ledger.Entry{
		WalletID:      withdrawEntry.WalletID,
		Kind:          ledger.KindWithdrawComplete,
		Amount:        withdrawEntry.Amount,
		Reference:     withdrawEntry.Reference,
		BalanceBefore: withdrawEntry.BalanceAfter,
		BalanceAfter:  withdrawEntry.BalanceAfter,
		Status:        ledger.StatusSuccess,
	}); err != nil {
		return "", err
	}
	if err := m.ledger.MarkStatus(ctx, withdrawEntry.ID, ledger.StatusSuccess); err != nil {
		return "", err
	}
	m.notify(ctx, withdrawEntry.WalletID,
		fmt.Sprintf("Withdrawal of %d completed", withdrawEntry.Amount))
	return DispositionCompleted, nil
}

// reverse refunds a failed withdrawal. The REVERSAL entry is the durable
// record of the refund: it is written PENDING before the money moves and
// flipped to SUCCESS after, so an at-least-once redelivery of the failure
// outcome can tell a committed refund from one that never happened and never
// pays twice. A PENDING reversal left behind by an interrupted attempt is in
// doubt and escalates to manual review.
func (m *Manager) reverse(ctx context.Context, withdrawEntry ledger.Entry, feeAmount int64, reason string) (Disposition, error) {
	unlock := m.locks.Lock(withdrawEntry.WalletID)
	defer unlock()

	refund := withdrawEntry.Amount + feeAmount

	entries, err := m.ledger.FindByReference(ctx, withdrawEntry.Reference)
	if err != nil {
		return "", err
	}
	for _, entry := range entries {
		if entry.Kind != ledger.KindReversal || entry.WalletID != withdrawEntry.WalletID {
			continue
		}
		switch entry.Status {
		case ledger.StatusSuccess:
			// The refund already committed; only the status flip is missing.
			if err := m.ledger.MarkStatus(ctx, withdrawEntry.ID, ledger.StatusFailed); err != nil {
				return "", err
			}
			m.logger.Info("withdrawal reversal completed on redelivery", "reference", withdrawEntry.Reference)
			return DispositionReversed, nil
		case ledger.StatusPending:
			m.logger.Error("withdrawal reversal in doubt: manual review required",
				"reference", withdrawEntry.Reference, "wallet", withdrawEntry.WalletID, "refund", refund)
			return "", fmt.Errorf("%w: reversal for %s in doubt", ErrReconciliationConflict, withdrawEntry.Reference)
		}
		// FAILED: the earlier attempt never refunded; write a fresh reversal.
	}

	w, err := m.wallets.Get(ctx, withdrawEntry.WalletID)
	if err != nil {
		return "", err
	}
	reversalID, err := m.ledger.Append(ctx, ledger.Entry{
		WalletID:      withdrawEntry.WalletID,
		Kind:          ledger.KindReversal,
		Amount:        refund,
		Reference:     withdrawEntry.Reference,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance + refund,
		Status:        ledger.StatusPending,
	})
	if err != nil {
		return "", err
	}

	for attempt := 0; ; attempt++ {
		current, err := m.wallets.Get(ctx, withdrawEntry.WalletID)
		if err != nil {
			return "", err
		}
		_, err = m.wallets.Mutate(ctx, withdrawEntry.WalletID, current.Version, refund)
		if err == nil {
			break
		}
		if !errors.Is(err, wallet.ErrVersionConflict) || attempt >= mutateRetries {
			if markErr := m.ledger.MarkStatus(ctx, reversalID, ledger.StatusFailed); markErr != nil {
				m.logger.Warn("mark reversal entry failed", "entry", reversalID, "error", markErr)
			}
			return "", err
		}
	}

	if err := m.ledger.MarkStatus(ctx, reversalID, ledger.StatusSuccess); err != nil {
		return "", err
	}
	if err := m.ledger.MarkStatus(ctx, withdrawEntry.ID, ledger.StatusFailed); err != nil {
		return "", err
	}

	m.logger.Info("withdrawal reversed", "reference", withdrawEntry.Reference, "refund", refund, "reason", reason)
	m.notify(ctx, withdrawEntry.WalletID,
		fmt.Sprintf("Withdrawal of %d failed and was refunded", withdrawEntry.Amount))
	return DispositionReversed, nil
}

func (m *Manager) notify(ctx context.Context, walletID, body string) {
	if m.notifier == nil {
		return
	}
	_ = m.notifier.Send(ctx, notification.Message{
		Kind:        notification.KindWithdrawalOutcome,
		Destination: walletID,
		Body:        body,
	})
}
