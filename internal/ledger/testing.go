package ledger

import "context"

func isCompensation(k Kind) bool {
	return k == KindReversal || k == KindClawback
}

// ReplayBalance reconstructs a wallet balance from its entry stream. Entries
// count when their balance effect committed: SUCCESS and QUEUED always did; a
// FAILED entry did only when a SUCCESS-status REVERSAL or CLAWBACK sharing
// its reference compensated it afterwards. A reversal that itself ended up
// FAILED never moved money and is skipped outright. Used by tests to assert
// the audit-trail invariant.
func ReplayBalance(ctx context.Context, e Engine, walletID string) (int64, error) {
	entries, err := e.EntriesForWallet(ctx, walletID, 0)
	if err != nil {
		return 0, err
	}

	reversed := make(map[string]bool)
	for _, entry := range entries {
		if isCompensation(entry.Kind) && entry.Status == StatusSuccess {
			reversed[entry.Reference] = true
		}
	}

	var sum int64
	for _, entry := range entries {
		switch entry.Status {
		case StatusSuccess, StatusQueued:
			sum += entry.SignedAmount()
		case StatusFailed:
			if isCompensation(entry.Kind) {
				continue
			}
			if reversed[entry.Reference] {
				sum += entry.SignedAmount()
			}
		}
	}
	return sum, nil
}
