package withdraw

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/smart-pay/smart_pay/internal/authz"
	"github.com/smart-pay/smart_pay/internal/config"
	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/policy"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// recordingDispatcher captures dispatched payouts and can simulate a rail
// that refuses the instruction.
type recordingDispatcher struct {
	payouts []Payout
	fail    bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, payout Payout) (Receipt, error) {
	if d.fail {
		return Receipt{}, errors.New("rail unavailable")
	}
	d.payouts = append(d.payouts, payout)
	return Receipt{ConversationID: "conv-1", Accepted: true}, nil
}

type testEnv struct {
	svc        *Service
	mgr        *Manager
	store      wallet.Store
	ledger     ledger.Engine
	guard      *authz.Guard
	dispatcher *recordingDispatcher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := wallet.NewMemoryStore()
	eng := ledger.NewInMemory()
	guard := authz.NewGuard(store, authz.NewMemoryPendingStore(), 3, 30*time.Minute, 2*time.Minute)
	fees := policy.NewFeePolicy([]config.FeeTier{{UpTo: 1_000, Fee: 15}, {UpTo: 0, Fee: 50}})
	limits := policy.NewLimitPolicy(100_000, 10_000, false)
	locks := wallet.NewLocker()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dispatcher := &recordingDispatcher{}

	return &testEnv{
		svc:        NewService(store, eng, fees, limits, guard, locks, dispatcher, logger),
		mgr:        NewManager(store, eng, locks, nil, logger),
		store:      store,
		ledger:     eng,
		guard:      guard,
		dispatcher: dispatcher,
	}
}

func (e *testEnv) fundWithPin(t *testing.T, id string, amount int64, pin string) {
	t.Helper()
	ctx := context.Background()
	w, err := e.store.GetOrCreate(ctx, id, wallet.ClassUser)
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if _, err := e.store.Mutate(ctx, id, w.Version, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := e.ledger.Append(ctx, ledger.Entry{
		WalletID:  id,
		Kind:      ledger.KindTopup,
		Amount:    amount,
		Reference: "seed:" + id,
		Status:    ledger.StatusSuccess,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}
	if err := e.guard.SetPin(ctx, id, pin); err != nil {
		t.Fatalf("set pin: %v", err)
	}
}

func (e *testEnv) balance(t *testing.T, id string) int64 {
	t.Helper()
	w, err := e.store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get %s: %v", id, err)
	}
	return w.Balance
}

// withdraw runs the OTP request/confirm pair and returns the result.
func (e *testEnv) withdraw(t *testing.T, id string, amount int64, pin string) ConfirmResult {
	t.Helper()
	ctx := context.Background()
	code, err := e.svc.RequestOtp(ctx, id, amount, pin)
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	res, err := e.svc.Confirm(ctx, id, code)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	return res
}

func entryByKind(t *testing.T, entries []ledger.Entry, kind ledger.Kind) ledger.Entry {
	t.Helper()
	for _, e := range entries {
		if e.Kind == kind {
			return e
		}
	}
	t.Fatalf("no %s entry among %d entries", kind, len(entries))
	return ledger.Entry{}
}

func TestWithdrawDebitsAndQueues(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")
	if res.Fee != 15 {
		t.Fatalf("expected fee 15, got %d", res.Fee)
	}
	if res.Balance != 685 {
		t.Fatalf("expected balance 685, got %d", res.Balance)
	}

	entries, err := env.ledger.FindByReference(ctx, res.Reference)
	if err != nil {
		t.Fatalf("find by reference: %v", err)
	}
	if w := entryByKind(t, entries, ledger.KindWithdraw); w.Status != ledger.StatusQueued {
		t.Fatalf("withdraw entry status %s, want QUEUED", w.Status)
	}
	if f := entryByKind(t, entries, ledger.KindFee); f.Status != ledger.StatusSuccess {
		t.Fatalf("fee entry status %s, want SUCCESS", f.Status)
	}

	if len(env.dispatcher.payouts) != 1 || env.dispatcher.payouts[0].Amount != 300 {
		t.Fatalf("unexpected dispatched payouts: %+v", env.dispatcher.payouts)
	}

	replayed, err := ledger.ReplayBalance(ctx, env.ledger, "alice")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 685 {
		t.Fatalf("replayed balance %d, want 685", replayed)
	}
}

func TestPayoutFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")

	disp, err := env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false, Reason: "rail timeout"})
	if err != nil {
		t.Fatalf("on outcome: %v", err)
	}
	if disp != DispositionReversed {
		t.Fatalf("disposition %s, want REVERSED", disp)
	}
	if got := env.balance(t, "alice"); got != 1_000 {
		t.Fatalf("expected full refund to 1000, got %d", got)
	}

	entries, _ := env.ledger.FindByReference(ctx, res.Reference)
	if w := entryByKind(t, entries, ledger.KindWithdraw); w.Status != ledger.StatusFailed {
		t.Fatalf("withdraw entry status %s, want FAILED", w.Status)
	}
	if r := entryByKind(t, entries, ledger.KindReversal); r.Amount != 315 {
		t.Fatalf("reversal amount %d, want 315", r.Amount)
	}

	replayed, err := ledger.ReplayBalance(ctx, env.ledger, "alice")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1_000 {
		t.Fatalf("replayed balance %d, want 1000", replayed)
	}
}

// flakyEngine fails the first attempt to mark an entry FAILED, simulating a
// crash between the refund committing and the withdrawal being closed out.
type flakyEngine struct {
	ledger.Engine
	tripped bool
}

func (e *flakyEngine) MarkStatus(ctx context.Context, entryID string, status ledger.Status) error {
	if status == ledger.StatusFailed && !e.tripped {
		e.tripped = true
		return errors.New("ledger unavailable")
	}
	return e.Engine.MarkStatus(ctx, entryID, status)
}

func TestRedeliveredFailureOutcomeRefundsOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")

	eng := &flakyEngine{Engine: env.ledger}
	mgr := NewManager(env.store, eng, wallet.NewLocker(), nil, slog.New(slog.NewTextHandler(io.Discard, nil)))

	// First delivery: the refund and its reversal commit, then closing the
	// withdrawal fails. The wallet is already whole.
	if _, err := mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false, Reason: "rail timeout"}); err == nil {
		t.Fatal("expected the interrupted outcome to surface an error")
	}
	if got := env.balance(t, "alice"); got != 1_000 {
		t.Fatalf("balance after interrupted refund: %d, want 1000", got)
	}

	// Redelivery must finish the bookkeeping without paying again.
	disp, err := mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false, Reason: "rail timeout"})
	if err != nil {
		t.Fatalf("redelivered outcome: %v", err)
	}
	if disp != DispositionReversed {
		t.Fatalf("disposition %s, want REVERSED", disp)
	}
	if got := env.balance(t, "alice"); got != 1_000 {
		t.Fatalf("redelivery refunded again: balance %d, want 1000", got)
	}

	entries, _ := env.ledger.FindByReference(ctx, res.Reference)
	reversals := 0
	for _, e := range entries {
		if e.Kind == ledger.KindReversal {
			reversals++
		}
	}
	if reversals != 1 {
		t.Fatalf("expected exactly one reversal entry, got %d", reversals)
	}
	if w := entryByKind(t, entries, ledger.KindWithdraw); w.Status != ledger.StatusFailed {
		t.Fatalf("withdraw entry status %s, want FAILED", w.Status)
	}

	// A third delivery sees a terminal withdrawal.
	disp, err = mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false})
	if err != nil {
		t.Fatalf("third outcome: %v", err)
	}
	if disp != DispositionDuplicate {
		t.Fatalf("disposition %s, want DUPLICATE", disp)
	}

	replayed, err := ledger.ReplayBalance(ctx, env.ledger, "alice")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1_000 {
		t.Fatalf("replayed balance %d, want 1000", replayed)
	}
}

func TestPayoutSuccessCompletes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")

	disp, err := env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: true})
	if err != nil {
		t.Fatalf("on outcome: %v", err)
	}
	if disp != DispositionCompleted {
		t.Fatalf("disposition %s, want COMPLETED", disp)
	}
	if got := env.balance(t, "alice"); got != 685 {
		t.Fatalf("balance moved on completion: %d", got)
	}

	entries, _ := env.ledger.FindByReference(ctx, res.Reference)
	if w := entryByKind(t, entries, ledger.KindWithdraw); w.Status != ledger.StatusSuccess {
		t.Fatalf("withdraw entry status %s, want SUCCESS", w.Status)
	}
	entryByKind(t, entries, ledger.KindWithdrawComplete)
}

func TestDuplicateOutcomeIsNoOp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")
	if _, err := env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false}); err != nil {
		t.Fatalf("first outcome: %v", err)
	}
	disp, err := env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: false})
	if err != nil {
		t.Fatalf("second outcome: %v", err)
	}
	if disp != DispositionDuplicate {
		t.Fatalf("disposition %s, want DUPLICATE", disp)
	}
	if got := env.balance(t, "alice"); got != 1_000 {
		t.Fatalf("duplicate outcome moved balance: %d", got)
	}
}

func TestOutcomeConflictsNeedManualReview(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	res := env.withdraw(t, "alice", 300, "1234")

	_, err := env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: true, Amount: 999})
	if !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected ErrReconciliationConflict for amount mismatch, got %v", err)
	}
	_, err = env.mgr.OnOutcome(ctx, Outcome{Reference: res.Reference, Success: true, WalletID: "mallory"})
	if !errors.Is(err, ErrReconciliationConflict) {
		t.Fatalf("expected ErrReconciliationConflict for wallet mismatch, got %v", err)
	}
	// The withdrawal is still open and the balance untouched.
	if got := env.balance(t, "alice"); got != 685 {
		t.Fatalf("conflicting outcome moved balance: %d", got)
	}

	if _, err := env.mgr.OnOutcome(ctx, Outcome{Reference: "no-such-ref", Success: true}); !errors.Is(err, ErrUnknownReference) {
		t.Fatalf("expected ErrUnknownReference, got %v", err)
	}
}

func TestConfirmRejectsReplayedOtp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	code, err := env.svc.RequestOtp(ctx, "alice", 300, "1234")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, "alice", code); err != nil {
		t.Fatalf("first confirm: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, "alice", code); !errors.Is(err, authz.ErrNoPending) {
		t.Fatalf("expected ErrNoPending on replay, got %v", err)
	}
}

func TestDispatchFailureRefundsImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")
	env.dispatcher.fail = true

	code, err := env.svc.RequestOtp(ctx, "alice", 300, "1234")
	if err != nil {
		t.Fatalf("request otp: %v", err)
	}
	if _, err := env.svc.Confirm(ctx, "alice", code); err == nil {
		t.Fatal("expected confirm to surface the dispatch error")
	}
	if got := env.balance(t, "alice"); got != 1_000 {
		t.Fatalf("expected balance restored to 1000, got %d", got)
	}

	replayed, err := ledger.ReplayBalance(ctx, env.ledger, "alice")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replayed != 1_000 {
		t.Fatalf("replayed balance %d, want 1000", replayed)
	}
}

func TestRequestOtpPreconditions(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 100, "1234")

	if _, err := env.svc.RequestOtp(ctx, "alice", 0, "1234"); !errors.Is(err, policy.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if _, err := env.svc.PreviewWithdraw(ctx, "alice", -5); !errors.Is(err, policy.ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount from preview, got %v", err)
	}
	// 100 cannot cover 100 plus the 15 fee.
	if _, err := env.svc.RequestOtp(ctx, "alice", 100, "1234"); !errors.Is(err, wallet.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := env.svc.RequestOtp(ctx, "alice", 50, "9999"); !errors.Is(err, authz.ErrInvalidPin) {
		t.Fatalf("expected ErrInvalidPin, got %v", err)
	}
}

func TestPreviewWithdraw(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.fundWithPin(t, "alice", 1_000, "1234")

	preview, err := env.svc.PreviewWithdraw(ctx, "alice", 300)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	if preview.Fee != 15 || preview.Net != 285 || !preview.Allowed {
		t.Fatalf("unexpected preview: %+v", preview)
	}

	preview, err = env.svc.PreviewWithdraw(ctx, "alice", 990)
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// 990 + 15 exceeds the balance; the quote still comes back.
	if preview.Allowed {
		t.Fatalf("expected Allowed=false: %+v", preview)
	}
}
