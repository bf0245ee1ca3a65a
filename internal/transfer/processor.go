package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/notification"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// ErrSelfTransfer rejects a transfer whose payer and payee are the same wallet.
var ErrSelfTransfer = errors.New("payer and payee are the same wallet")

const mutateRetries = 3

// Processor orchestrates internal wallet-to-wallet movements. Every
// precondition short-circuits before any mutation; once mutations start, a
// partial failure is compensated with reversal entries before the error is
// surfaced, so a retrying caller never observes partial credit.
type Processor struct {
	wallets    wallet.Store
	ledger     ledger.Engine
	fees       policy.FeePolicy
	limits     policy.LimitPolicy
	guard      *authz.Guard
	locks      *wallet.Locker
	notifier   notification.Notifier
	platformID string
	logger     *slog.Logger
}

// NewProcessor builds a transfer processor.
func NewProcessor(wallets wallet.Store, eng ledger.Engine, fees policy.FeePolicy, limits policy.LimitPolicy,
	guard *authz.Guard, locks *wallet.Locker, notifier notification.Notifier, platformID string, logger *slog.Logger) *Processor {
	return &Processor{
		wallets:    wallets,
		ledger:     eng,
		fees:       fees,
		limits:     limits,
		guard:      guard,
		locks:      locks,
		notifier:   notifier,
		platformID: platformID,
		logger:     logger,
	}
}

// Input captures the data needed to move funds between wallets.
type Input struct {
	PayerID string
	PayeeID string
	Amount  int64
	PIN     string
}

// Result describes the outcome of a transfer.
type Result struct {
	Reference    string
	PayerBalance int64
	Fee          int64
	CompletedAt  time.Time
}

// Transfer moves Amount from payer to payee plus the tiered fee to the
// platform wallet, writing one ledger entry set under a single reference.
func (p *Processor) Transfer(ctx context.Context, in Input) (Result, error) {
	if in.Amount <= 0 {
		return Result{}, policy.ErrInvalidAmount
	}
	if in.PayerID == in.PayeeID {
		return Result{}, ErrSelfTransfer
	}

	unlock := p.locks.Lock(in.PayerID, in.PayeeID, p.platformID)
	defer unlock()

	payer, err := p.wallets.Get(ctx, in.PayerID)
	if err != nil {
		return Result{}, err
	}
	if err := p.limits.CheckFrozen(payer); err != nil {
		return Result{}, err
	}
	if err := p.guard.VerifyPin(ctx, payer, in.PIN); err != nil {
		return Result{}, err
	}
	// Verification may have touched the attempt counter; reload for a fresh version.
	payer, err = p.wallets.Get(ctx, in.PayerID)
	if err != nil {
		return Result{}, err
	}

	fee := p.fees.Compute(in.Amount, payer.Class)
	if err := p.limits.CheckPerTransaction(in.Amount); err != nil {
		return Result{}, err
	}
	spent, windowStart, err := p.limits.CheckDaily(payer, in.Amount)
	if err != nil {
		return Result{}, err
	}
	if payer.Balance < in.Amount+fee {
		return Result{}, wallet.ErrInsufficientFunds
	}

	payee, err := p.wallets.GetOrCreate(ctx, in.PayeeID, wallet.ClassUser)
	if err != nil {
		return Result{}, err
	}
	platform, err := p.wallets.GetOrCreate(ctx, p.platformID, wallet.ClassPlatform)
	if err != nil {
		return Result{}, err
	}

	reference := uuid.NewString()

	outID, err := p.ledger.Append(ctx, ledger.Entry{
		WalletID:      payer.ID,
		Kind:          ledger.KindTransferOut,
		Amount:        in.Amount,
		Reference:     reference,
		BalanceBefore: payer.Balance,
		BalanceAfter:  payer.Balance - in.Amount,
		Status:        ledger.StatusPending,
	})
	if err != nil {
		return Result{}, err
	}
	var feeID string
	if fee > 0 {
		feeID, err = p.ledger.Append(ctx, ledger.Entry{
			WalletID:      payer.ID,
			Kind:          ledger.KindFee,
			Amount:        fee,
			Reference:     reference,
			BalanceBefore: payer.Balance - in.Amount,
			BalanceAfter:  payer.Balance - in.Amount - fee,
			Status:        ledger.StatusPending,
		})
		if err != nil {
			return Result{}, err
		}
	}
	inID, err := p.ledger.Append(ctx, ledger.Entry{
		WalletID:      payee.ID,
		Kind:          ledger.KindTransferIn,
		Amount:        in.Amount,
		Reference:     reference,
		BalanceBefore: payee.Balance,
		BalanceAfter:  payee.Balance + in.Amount,
		Status:        ledger.StatusPending,
	})
	if err != nil {
		return Result{}, err
	}
	entryIDs := []string{outID, inID}
	if feeID != "" {
		entryIDs = append(entryIDs, feeID)
	}

	var applied []appliedMutation

	payerAfter, err := p.wallets.Mutate(ctx, payer.ID, payer.Version, -(in.Amount + fee))
	if err != nil {
		p.markAll(ctx, entryIDs, ledger.StatusFailed)
		return Result{}, err
	}
	applied = append(applied, appliedMutation{walletID: payer.ID, delta: -(in.Amount + fee)})

	if _, err := p.creditWithRetry(ctx, payee.ID, in.Amount); err != nil {
		p.compensate(ctx, reference, applied)
		p.markAll(ctx, entryIDs, ledger.StatusFailed)
		return Result{}, err
	}
	applied = append(applied, appliedMutation{walletID: payee.ID, delta: in.Amount})

	if fee > 0 {
		if _, err := p.creditWithRetry(ctx, platform.ID, fee); err != nil {
			p.compensate(ctx, reference, applied)
			p.markAll(ctx, entryIDs, ledger.StatusFailed)
			return Result{}, err
		}
	}

	p.markAll(ctx, entryIDs, ledger.StatusSuccess)

	if err := p.wallets.SetDailySpent(ctx, payer.ID, spent+in.Amount, windowStart); err != nil {
		p.logger.Warn("persist daily spend", "wallet", payer.ID, "error", err)
	}

	if p.notifier != nil {
		_ = p.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindTransferCredit,
			Destination: payee.ID,
			Body:        fmt.Sprintf("You received %d from wallet %s", in.Amount, payer.ID),
		})
	}

	return Result{
		Reference:    reference,
		PayerBalance: payerAfter.Balance,
		Fee:          fee,
		CompletedAt:  time.Now().UTC(),
	}, nil
}

type appliedMutation struct {
	walletID string
	delta    int64
}

// creditWithRetry applies a positive delta, retrying on version conflicts.
// A credit cannot fail for insufficient funds, so a bounded retry absorbs
// races with writers outside the per-wallet locks.
func (p *Processor) creditWithRetry(ctx context.Context, walletID string, delta int64) (wallet.Wallet, error) {
	var lastErr error
	for attempt := 0; attempt < mutateRetries; attempt++ {
		w, err := p.wallets.Get(ctx, walletID)
		if err != nil {
			return wallet.Wallet{}, err
		}
		updated, err := p.wallets.Mutate(ctx, walletID, w.Version, delta)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, wallet.ErrVersionConflict) {
			return wallet.Wallet{}, err
		}
		lastErr = err
	}
	return wallet.Wallet{}, lastErr
}

// compensate undoes already-applied mutations in reverse order, writing a
// compensation entry per undone movement under the operation's reference. An
// undone debit gets a REVERSAL (credit); an undone credit gets a CLAWBACK
// (debit), so the wallet's signed entry stream still sums to its balance.
func (p *Processor) compensate(ctx context.Context, reference string, applied []appliedMutation) {
	for i := len(applied) - 1; i >= 0; i-- {
		m := applied[i]
		w, err := p.creditWithRetry(ctx, m.walletID, -m.delta)
		if err != nil {
			p.logger.Error("compensation failed; manual review required",
				"wallet", m.walletID, "reference", reference, "error", err)
			continue
		}
		kind := ledger.KindReversal
		amount := -m.delta
		if m.delta > 0 {
			kind = ledger.KindClawback
			amount = m.delta
		}
		if _, err := p.ledger.Append(ctx, ledger.Entry{
			WalletID:      m.walletID,
			Kind:          kind,
			Amount:        amount,
			Reference:     reference,
			BalanceBefore: w.Balance + m.delta,
			BalanceAfter:  w.Balance,
			Status:        ledger.StatusSuccess,
		}); err != nil {
			p.logger.Error("write compensation entry", "wallet", m.walletID, "reference", reference, "error", err)
		}
	}
}

func (p *Processor) markAll(ctx context.Context, entryIDs []string, status ledger.Status) {
	for _, id := range entryIDs {
		if err := p.ledger.MarkStatus(ctx, id, status); err != nil {
			p.logger.Warn("mark ledger entry", "entry", id, "status", status, "error", err)
		}
	}
}
