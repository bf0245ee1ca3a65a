package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

func newTestReconciler(t *testing.T) (*Reconciler, wallet.Store, ledger.Engine, DedupeStore) {
	t.Helper()
	store := wallet.NewMemoryStore()
	eng := ledger.NewInMemory()
	dedupe := NewMemoryDedupeStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	r := NewReconciler(store, eng, dedupe, wallet.NewLocker(), nil, logger)
	return r, store, eng, dedupe
}

func TestProcessCreditsWallet(t *testing.T) {
	r, store, eng, _ := newTestReconciler(t)
	ctx := context.Background()

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 500}
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("process: %v", err)
	}

	w, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 500 {
		t.Fatalf("expected balance 500, got %d", w.Balance)
	}

	entry, err := eng.FindByExternalRef(ctx, "mpesa", "MP123")
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if entry.Kind != ledger.KindTopup || entry.Status != ledger.StatusSuccess {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestDuplicateDeliveryCreditsOnce(t *testing.T) {
	r, store, eng, _ := newTestReconciler(t)
	ctx := context.Background()

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 500}
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("second delivery: %v", err)
	}

	w, _ := store.Get(ctx, "alice")
	if w.Balance != 500 {
		t.Fatalf("expected balance 500 after duplicate, got %d", w.Balance)
	}
	entries, _ := eng.EntriesForWallet(ctx, "alice", 0)
	if len(entries) != 1 {
		t.Fatalf("expected one ledger entry, got %d", len(entries))
	}
}

func TestConcurrentDuplicateDelivery(t *testing.T) {
	r, store, _, _ := newTestReconciler(t)
	ctx := context.Background()

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 500}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Process(ctx, ev)
		}()
	}
	wg.Wait()

	w, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 500 {
		t.Fatalf("expected exactly one credit of 500, got balance %d", w.Balance)
	}
}

func TestProcessRejectsInvalidEvents(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	ctx := context.Background()

	cases := []GatewayEvent{
		{ExternalRef: "MP1", WalletID: "alice", Amount: 100},
		{Gateway: "mpesa", WalletID: "alice", Amount: 100},
		{Gateway: "mpesa", ExternalRef: "MP1", Amount: 100},
		{Gateway: "mpesa", ExternalRef: "MP1", WalletID: "alice", Amount: 0},
		{Gateway: "mpesa", ExternalRef: "MP1", WalletID: "alice", Amount: 100, Direction: "DEBIT"},
	}
	for _, ev := range cases {
		if err := r.Process(ctx, ev); !errors.Is(err, ErrInvalidEvent) {
			t.Fatalf("event %+v: expected ErrInvalidEvent, got %v", ev, err)
		}
	}
}

func TestDistinctRefsBothCredit(t *testing.T) {
	r, store, _, _ := newTestReconciler(t)
	ctx := context.Background()

	for _, ref := range []string{"MP1", "MP2"} {
		ev := GatewayEvent{Gateway: "mpesa", ExternalRef: ref, WalletID: "alice", Amount: 100}
		if err := r.Process(ctx, ev); err != nil {
			t.Fatalf("process %s: %v", ref, err)
		}
	}
	w, _ := store.Get(ctx, "alice")
	if w.Balance != 200 {
		t.Fatalf("expected balance 200, got %d", w.Balance)
	}
}

func TestStaleClaimWithoutCreditIsRetried(t *testing.T) {
	r, store, eng, dedupe := newTestReconciler(t)
	ctx := context.Background()

	// A crashed worker left the dedupe record behind with no matching ledger
	// entry. The record is well past any plausible processing time.
	claimed, err := dedupe.Claim(ctx, Record{
		Gateway:     "mpesa",
		ExternalRef: "MP123",
		WalletID:    "alice",
		Amount:      400,
		CreatedAt:   time.Now().UTC().Add(-5 * time.Minute),
	})
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 400}
	if err := r.Process(ctx, ev); err == nil {
		t.Fatal("expected the orphaned claim to surface an error for retry")
	}

	// The retry claims the released key and credits the wallet.
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("retry: %v", err)
	}
	w, err := store.Get(ctx, "alice")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Balance != 400 {
		t.Fatalf("expected balance 400 after retry, got %d", w.Balance)
	}
	entry, err := eng.FindByExternalRef(ctx, "mpesa", "MP123")
	if err != nil {
		t.Fatalf("find entry: %v", err)
	}
	if entry.Status != ledger.StatusSuccess {
		t.Fatalf("entry status %s, want SUCCESS", entry.Status)
	}
}

func TestFreshClaimWithoutCreditIsInFlight(t *testing.T) {
	r, _, eng, dedupe := newTestReconciler(t)
	ctx := context.Background()

	// Another worker holds a recent claim and is presumably mid-credit.
	claimed, err := dedupe.Claim(ctx, Record{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 400})
	if err != nil || !claimed {
		t.Fatalf("seed claim: claimed=%v err=%v", claimed, err)
	}

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 400}
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("expected in-flight duplicate to ack, got %v", err)
	}
	if _, err := eng.FindByExternalRef(ctx, "mpesa", "MP123"); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("expected no credit from the duplicate, got %v", err)
	}
}

func TestUnresolvedCreditNeedsManualReview(t *testing.T) {
	r, store, eng, dedupe := newTestReconciler(t)
	ctx := context.Background()

	// The credit entry exists but never reached a terminal status. That is
	// an operator problem, not something a redelivery should re-credit.
	if _, err := dedupe.Claim(ctx, Record{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 400}); err != nil {
		t.Fatalf("seed claim: %v", err)
	}
	if _, err := eng.Append(ctx, ledger.Entry{
		WalletID: "alice", Kind: ledger.KindTopup, Amount: 400,
		Reference: "mpesa:MP123", Gateway: "mpesa", ExternalRef: "MP123",
		Status: ledger.StatusPending,
	}); err != nil {
		t.Fatalf("seed entry: %v", err)
	}

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP123", WalletID: "alice", Amount: 400}
	if err := r.Process(ctx, ev); err != nil {
		t.Fatalf("expected ack pending manual review, got %v", err)
	}
	if _, err := store.Get(ctx, "alice"); !errors.Is(err, wallet.ErrNotFound) {
		t.Fatalf("expected no wallet credit, got %v", err)
	}
}

func TestReleaseAllowsReprocessing(t *testing.T) {
	dedupe := NewMemoryDedupeStore()
	ctx := context.Background()

	rec := Record{Gateway: "mpesa", ExternalRef: "MP1", WalletID: "alice", Amount: 100}
	claimed, err := dedupe.Claim(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("first claim: claimed=%v err=%v", claimed, err)
	}
	claimed, err = dedupe.Claim(ctx, rec)
	if err != nil || claimed {
		t.Fatalf("duplicate claim: claimed=%v err=%v", claimed, err)
	}
	if err := dedupe.Release(ctx, "mpesa", "MP1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claimed, err = dedupe.Claim(ctx, rec)
	if err != nil || !claimed {
		t.Fatalf("claim after release: claimed=%v err=%v", claimed, err)
	}
}
