package reconcile

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func TestWorkerProcessesEnqueuedEvents(t *testing.T) {
	r, store, _, _ := newTestReconciler(t)
	w := NewWorker(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Start()
	defer w.Stop()

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP900", WalletID: "alice", Amount: 250}
	if err := w.Enqueue(ev); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := store.Get(context.Background(), "alice")
		if err == nil && got.Balance == 250 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("wallet not credited in time (err=%v)", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	// Not started, so nothing drains the buffer.
	w := NewWorker(r, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev := GatewayEvent{Gateway: "mpesa", ExternalRef: "MP1", WalletID: "alice", Amount: 100}
	var err error
	for i := 0; i <= defaultBuffer; i++ {
		err = w.Enqueue(ev)
		if err != nil {
			break
		}
	}
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	r, _, _, _ := newTestReconciler(t)
	w := NewWorker(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.Start()
	w.Stop()
	w.Stop()
}
