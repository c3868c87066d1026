package settlement

import (
	"math"

	"github.com/alecgard/creditgate/internal/ledger"
)

// Bounds are the per-request credit limits of a plan. Max == 0 means no upper
// bound.
type Bounds struct {
	Min int64
	Max int64
}

// BoundsOf reads the bounds from an authorization-time balance snapshot.
func BoundsOf(b ledger.Balance) Bounds {
	return Bounds{Min: b.MinCreditsPerRequest, Max: b.MaxCreditsPerRequest}
}

// Clamp limits amount to [b.Min, b.Max].
func Clamp(amount int64, b Bounds) int64 {
	if amount < b.Min {
		amount = b.Min
	}
	if b.Max > 0 && amount > b.Max {
		amount = b.Max
	}
	if amount < 0 {
		amount = 0
	}
	return amount
}

// MarginAmount returns ceil(raw * (1 + percent/100)). A relative tolerance
// absorbs floating point noise so that exact products are not rounded up.
// Products beyond the int64 range saturate at math.MaxInt64.
func MarginAmount(raw, percent float64) int64 {
	if raw <= 0 || math.IsNaN(raw) {
		return 0
	}
	v := raw * (100 + percent) / 100
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(math.Ceil(v - math.Min(1e-9, v*1e-12)))
}

// Outcome is how a task ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCanceled  Outcome = "canceled"
)

// Usage is what the terminal event reports about a finished task.
type Usage struct {
	Outcome     Outcome
	CreditsUsed *int64
	RawCost     *float64
}

// Amount computes the final redemption for cfg. It returns false with a reason
// when no final redemption is due.
func Amount(cfg Config, b Bounds, u Usage) (int64, bool, string) {
	if u.Outcome == OutcomeCanceled {
		return 0, false, "canceled"
	}
	if cfg.Timing() == Batch {
		return 0, false, "batch"
	}

	var amount int64
	switch p := cfg.Pricing().(type) {
	case Fixed:
		if u.Outcome != OutcomeCompleted {
			return 0, false, "failed"
		}
		return p.Credits, true, ""
	case Dynamic:
		if u.CreditsUsed == nil && u.Outcome != OutcomeCompleted {
			return 0, false, "no cost reported"
		}
		if u.CreditsUsed != nil {
			amount = *u.CreditsUsed
		}
	case Margin:
		if u.RawCost == nil && u.Outcome != OutcomeCompleted {
			return 0, false, "no cost reported"
		}
		if u.RawCost != nil {
			amount = MarginAmount(*u.RawCost, p.Percent)
		}
	default:
		return 0, false, "unconfigured"
	}

	amount = Clamp(amount, b)
	if amount <= 0 {
		return 0, false, "zero amount"
	}
	return amount, true, ""
}
