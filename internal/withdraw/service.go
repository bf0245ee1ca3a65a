package withdraw

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// ErrWrongAction indicates the pending authorization was issued for a
// different operation than the one being confirmed.
var ErrWrongAction = errors.New("pending authorization is for a different action")

const (
	actionWithdraw = "withdraw"
	mutateRetries  = 3
)

// otpPayload rides on the pending authorization between request and confirm.
type otpPayload struct {
	Amount int64 `json:"amount"`
	Fee    int64 `json:"fee"`
}

// Service runs the withdrawal flow: preview, OTP-gated request, and the
// debit-then-dispatch confirm. The wallet is charged before the payout is
// handed to the rail; only the compensation path can move it afterwards.
type Service struct {
	wallets    wallet.Store
	ledger     ledger.Engine
	fees       policy.FeePolicy
	limits     policy.LimitPolicy
	guard      *authz.Guard
	locks      *wallet.Locker
	dispatcher Dispatcher
	logger     *slog.Logger
}

// NewService builds a withdrawal service.
func NewService(wallets wallet.Store, eng ledger.Engine, fees policy.FeePolicy, limits policy.LimitPolicy,
	guard *authz.Guard, locks *wallet.Locker, dispatcher Dispatcher, logger *slog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = StaticDispatcher{}
	}
	return &Service{
		wallets:    wallets,
		ledger:     eng,
		fees:       fees,
		limits:     limits,
		guard:      guard,
		locks:      locks,
		dispatcher: dispatcher,
		logger:     logger,
	}
}

// Preview reports the fee and net amount for a prospective withdrawal without
// touching any state.
type Preview struct {
	Amount  int64
	Fee     int64
	Net     int64
	Balance int64
	Allowed bool
}

// PreviewWithdraw computes the fee breakdown and whether the withdrawal would
// pass the policy checks.
func (s *Service) PreviewWithdraw(ctx context.Context, walletID string, amount int64) (Preview, error) {
	if amount <= 0 {
		return Preview{}, policy.ErrInvalidAmount
	}
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return Preview{}, err
	}
	fee := s.fees.Compute(amount, w.Class)
	preview := Preview{Amount: amount, Fee: fee, Net: amount - fee, Balance: w.Balance}
	if err := s.limits.CheckFrozen(w); err != nil {
		return preview, nil
	}
	if err := s.limits.CheckPerTransaction(amount); err != nil {
		return preview, nil
	}
	if _, _, err := s.limits.CheckDaily(w, amount); err != nil {
		return preview, nil
	}
	if w.Balance < amount+fee {
		return preview, nil
	}
	preview.Allowed = true
	return preview, nil
}

// RequestOtp runs every withdrawal precondition and, if they all pass, issues
// a one-time code gating the debit. Nothing is charged yet.
func (s *Service) RequestOtp(ctx context.Context, walletID string, amount int64, pin string) (string, error) {
	if amount <= 0 {
		return "", policy.ErrInvalidAmount
	}
	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return "", err
	}
	if err := s.limits.CheckFrozen(w); err != nil {
		return "", err
	}
	if err := s.guard.VerifyPin(ctx, w, pin); err != nil {
		return "", err
	}
	fee := s.fees.Compute(amount, w.Class)
	if err := s.limits.CheckPerTransaction(amount); err != nil {
		return "", err
	}
	if _, _, err := s.limits.CheckDaily(w, amount); err != nil {
		return "", err
	}
	if w.Balance < amount+fee {
		return "", wallet.ErrInsufficientFunds
	}

	payload, err := json.Marshal(otpPayload{Amount: amount, Fee: fee})
	if err != nil {
		return "", err
	}
	return s.guard.IssueOtp(ctx, walletID, actionWithdraw, payload)
}

// ConfirmResult describes an accepted withdrawal.
type ConfirmResult struct {
	Reference string
	Balance   int64
	Amount    int64
	Fee       int64
}

// Confirm consumes the OTP, debits amount plus fee, writes the QUEUED
// withdrawal entry set and hands the payout to the rail. The dispatch itself
// is fire-and-continue; its outcome arrives later via the Manager.
func (s *Service) Confirm(ctx context.Context, walletID, otp string) (ConfirmResult, error) {
	auth, err := s.guard.ConfirmOtp(ctx, walletID, otp)
	if err != nil {
		return ConfirmResult{}, err
	}
	if auth.Action != actionWithdraw {
		return ConfirmResult{}, ErrWrongAction
	}
	var payload otpPayload
	if err := json.Unmarshal(auth.Payload, &payload); err != nil {
		return ConfirmResult{}, fmt.Errorf("decode pending payload: %w", err)
	}

	unlock := s.locks.Lock(walletID)
	locked := true
	release := func() {
		if locked {
			locked = false
			unlock()
		}
	}
	defer release()

	w, err := s.wallets.Get(ctx, walletID)
	if err != nil {
		return ConfirmResult{}, err
	}
	// Conditions may have shifted while the OTP was in flight; re-check.
	if err := s.limits.CheckFrozen(w); err != nil {
		return ConfirmResult{}, err
	}
	spent, windowStart, err := s.limits.CheckDaily(w, payload.Amount)
	if err != nil {
		return ConfirmResult{}, err
	}
	total := payload.Amount + payload.Fee
	if w.Balance < total {
		return ConfirmResult{}, wallet.ErrInsufficientFunds
	}

	reference := uuid.NewString()

	withdrawID, err := s.ledger.Append(ctx, ledger.Entry{
		WalletID:      walletID,
		Kind:          ledger.KindWithdraw,
		Amount:        payload.Amount,
		Reference:     reference,
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance - payload.Amount,
		Status:        ledger.StatusPending,
	})
	if err != nil {
		return ConfirmResult{}, err
	}
	var feeID string
	if payload.Fee > 0 {
		feeID, err = s.ledger.Append(ctx, ledger.Entry{
			WalletID:      walletID,
			Kind:          ledger.KindFee,
			Amount:        payload.Fee,
			Reference:     reference,
			BalanceBefore: w.Balance - payload.Amount,
			BalanceAfter:  w.Balance - total,
			Status:        ledger.StatusPending,
		})
		if err != nil {
			return ConfirmResult{}, err
		}
	}

	updated, err := s.wallets.Mutate(ctx, walletID, w.Version, -total)
	if err != nil {
		if markErr := s.ledger.MarkStatus(ctx, withdrawID, ledger.StatusFailed); markErr != nil {
			s.logger.Warn("mark withdraw entry failed", "entry", withdrawID, "error", markErr)
		}
		if feeID != "" {
			if markErr := s.ledger.MarkStatus(ctx, feeID, ledger.StatusFailed); markErr != nil {
				s.logger.Warn("mark fee entry failed", "entry", feeID, "error", markErr)
			}
		}
		return ConfirmResult{}, err
	}

	if err := s.ledger.MarkStatus(ctx, withdrawID, ledger.StatusQueued); err != nil {
		s.logger.Warn("mark withdraw entry queued", "entry", withdrawID, "error", err)
	}
	if feeID != "" {
		if err := s.ledger.MarkStatus(ctx, feeID, ledger.StatusSuccess); err != nil {
			s.logger.Warn("mark fee entry success", "entry", feeID, "error", err)
		}
	}

	if err := s.wallets.SetDailySpent(ctx, walletID, spent+payload.Amount, windowStart); err != nil {
		s.logger.Warn("persist daily spend", "wallet", walletID, "error", err)
	}

	// The debit is committed; dispatch happens outside the wallet lock so a
	// slow rail cannot stall other operations on this wallet.
	release()

	receipt, err := s.dispatcher.Dispatch(ctx, Payout{Reference: reference, WalletID: walletID, Amount: payload.Amount})
	if err != nil {
		// The rail never saw the instruction; compensate immediately.
		s.logger.Error("dispatch payout", "reference", reference, "error", err)
		mgr := &Manager{wallets: s.wallets, ledger: s.ledger, locks: s.locks, logger: s.logger}
		if _, reverseErr := mgr.OnOutcome(ctx, Outcome{Reference: reference, Success: false, Reason: "dispatch failed"}); reverseErr != nil {
			s.logger.Error("reverse undispatched withdrawal", "reference", reference, "error", reverseErr)
		}
		return ConfirmResult{}, err
	}
	s.logger.Info("payout dispatched", "reference", reference, "conversation_id", receipt.ConversationID)

	return ConfirmResult{
		Reference: reference,
		Balance:   updated.Balance,
		Amount:    payload.Amount,
		Fee:       payload.Fee,
	}, nil
}
