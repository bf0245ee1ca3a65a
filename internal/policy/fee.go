package policy

import (
	"github.com/smart-pay/smart_pay/internal/config"
	"github.com/smart-pay/smart_pay/internal/wallet"
)

// FeePolicy computes the platform fee for a movement. The schedule is a
// tiered step function of the amount, so it is deterministic, never negative
// and non-decreasing within a tier.
type FeePolicy struct {
	tiers []config.FeeTier
}

// NewFeePolicy builds a fee policy from the configured tier schedule.
func NewFeePolicy(tiers []config.FeeTier) FeePolicy {
	return FeePolicy{tiers: tiers}
}

// Compute returns the fee for the given amount and payer class. Platform
// wallets move money fee-free.
func (p FeePolicy) Compute(amount int64, class wallet.Class) int64 {
	if amount <= 0 || class == wallet.ClassPlatform {
		return 0
	}
	for _, tier := range p.tiers {
		if tier.UpTo != 0 && amount <= tier.UpTo {
			return tier.Fee
		}
	}
	if n := len(p.tiers); n > 0 && p.tiers[n-1].UpTo == 0 {
		return p.tiers[n-1].Fee
	}
	return 0
}
