package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/smart-pay/smart_pay/internal/ledger"
	"github.com/smart-pay/smart_pay/internal/notification"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// Direction of an external event relative to the wallet.
const (
	DirectionCredit = "CREDIT"
)

// ErrInvalidEvent indicates a malformed gateway event, rejected before any
// state change.
var ErrInvalidEvent = errors.New("invalid gateway event")

// GatewayEvent is the normalized inbound collection notification produced by
// a gateway adapter.
type GatewayEvent struct {
	Gateway     string
	ExternalRef string
	WalletID    string
	Amount      int64
	Direction   string
}

// Validate rejects events missing the dedupe key or carrying a non-positive
// amount.
func (e GatewayEvent) Validate() error {
	if e.Gateway == "" || e.ExternalRef == "" || e.WalletID == "" {
		return fmt.Errorf("%w: gateway, external ref and wallet id are required", ErrInvalidEvent)
	}
	if e.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidEvent)
	}
	if e.Direction != "" && e.Direction != DirectionCredit {
		return fmt.Errorf("%w: unsupported direction %q", ErrInvalidEvent, e.Direction)
	}
	return nil
}

// Reconciler credits wallets from inbound gateway events with at-most-once
// semantics. The dedupe claim happens before any write and is released again
// only when processing fails, so duplicate deliveries of a processed event
// are no-ops.
type Reconciler struct {
	wallets  wallet.Store
	ledger   ledger.Engine
	dedupe   DedupeStore
	locks    *wallet.Locker
	notifier notification.Notifier
	logger   *slog.Logger
}

// NewReconciler builds a reconciler.
func NewReconciler(wallets wallet.Store, eng ledger.Engine, dedupe DedupeStore,
	locks *wallet.Locker, notifier notification.Notifier, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		wallets:  wallets,
		ledger:   eng,
		dedupe:   dedupe,
		locks:    locks,
		notifier: notifier,
		logger:   logger,
	}
}

// Process applies one collection event. Returns nil for duplicates.
func (r *Reconciler) Process(ctx context.Context, ev GatewayEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}

	claimed, err := r.dedupe.Claim(ctx, Record{
		Gateway:     ev.Gateway,
		ExternalRef: ev.ExternalRef,
		WalletID:    ev.WalletID,
		Amount:      ev.Amount,
	})
	if err != nil {
		return err
	}
	if !claimed {
		return r.resolveDuplicate(ctx, ev)
	}

	if err := r.credit(ctx, ev); err != nil {
		// Give the claim back so the retry path can reprocess.
		if relErr := r.dedupe.Release(ctx, ev.Gateway, ev.ExternalRef); relErr != nil {
			r.logger.Error("release dedupe claim", "gateway", ev.Gateway, "external_ref", ev.ExternalRef, "error", relErr)
		}
		return err
	}
	return nil
}

// staleClaimAge is how old a claim must be before a missing credit is blamed
// on a crashed run rather than a concurrent delivery still in flight.
const staleClaimAge = time.Minute

// resolveDuplicate decides what a lost dedupe claim means. The ledger entry,
// not the claim, is the proof the credit landed: a claim with no entry behind
// it is an orphan from a run that died between claiming and crediting, and
// dropping the event on its account would lose the money.
func (r *Reconciler) resolveDuplicate(ctx context.Context, ev GatewayEvent) error {
	entry, err := r.ledger.FindByExternalRef(ctx, ev.Gateway, ev.ExternalRef)
	switch {
	case err == nil && entry.Status == ledger.StatusSuccess:
		r.logger.Info("duplicate collection event ignored", "gateway", ev.Gateway, "external_ref", ev.ExternalRef)
		return nil
	case err == nil:
		r.logger.Error("reconciliation conflict: collection entry unresolved, manual review required",
			"gateway", ev.Gateway, "external_ref", ev.ExternalRef, "status", entry.Status)
		return nil
	case !errors.Is(err, ledger.ErrNotFound):
		return err
	}

	rec, found, err := r.dedupe.Find(ctx, ev.Gateway, ev.ExternalRef)
	if err != nil {
		return err
	}
	if found && time.Since(rec.CreatedAt) <= staleClaimAge {
		// A concurrent delivery holds the claim and is still writing.
		r.logger.Info("duplicate collection event in flight", "gateway", ev.Gateway, "external_ref", ev.ExternalRef)
		return nil
	}
	if found {
		if err := r.dedupe.Release(ctx, ev.Gateway, ev.ExternalRef); err != nil {
			return err
		}
	}
	return fmt.Errorf("orphaned dedupe claim for %s:%s released, credit still missing", ev.Gateway, ev.ExternalRef)
}

func (r *Reconciler) credit(ctx context.Context, ev GatewayEvent) error {
	unlock := r.locks.Lock(ev.WalletID)
	defer unlock()

	w, err := r.wallets.GetOrCreate(ctx, ev.WalletID, wallet.ClassUser)
	if err != nil {
		return err
	}

	entryID, err := r.ledger.Append(ctx, ledger.Entry{
		WalletID:      w.ID,
		Kind:          ledger.KindTopup,
		Amount:        ev.Amount,
		Reference:     fmt.Sprintf("%s:%s", ev.Gateway, ev.ExternalRef),
		BalanceBefore: w.Balance,
		BalanceAfter:  w.Balance + ev.Amount,
		Status:        ledger.StatusPending,
		Gateway:       ev.Gateway,
		ExternalRef:   ev.ExternalRef,
	})
	if err != nil {
		return err
	}

	if _, err := r.wallets.Mutate(ctx, w.ID, w.Version, ev.Amount); err != nil {
		if markErr := r.ledger.MarkStatus(ctx, entryID, ledger.StatusFailed); markErr != nil {
			r.logger.Warn("mark topup entry failed", "entry", entryID, "error", markErr)
		}
		return err
	}
	if err := r.ledger.MarkStatus(ctx, entryID, ledger.StatusSuccess); err != nil {
		r.logger.Warn("mark topup entry success", "entry", entryID, "error", err)
	}

	if r.notifier != nil {
		_ = r.notifier.Send(ctx, notification.Message{
			Kind:        notification.KindCollectionCredit,
			Destination: w.ID,
			Body:        fmt.Sprintf("Wallet credited %d via %s", ev.Amount, ev.Gateway),
		})
	}
	return nil
}
