// Package settlement decides how many credits a capability call burns and
// redeems them against the ledger.
package settlement

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidConfig is returned for redemption settings that cannot be honoured.
var ErrInvalidConfig = errors.New("invalid redemption config")

// Pricing decides the amount of a redemption. It is one of Fixed, Dynamic or
// Margin.
type Pricing interface {
	Mode() string
	pricing()
}

// Fixed burns a constant number of credits.
type Fixed struct {
	Credits int64
}

// Dynamic burns the credits the executor reports, clamped to the plan bounds.
type Dynamic struct{}

// Margin burns an externally measured raw cost plus a percentage markup,
// clamped to the plan bounds.
type Margin struct {
	Percent float64
}

func (Fixed) Mode() string   { return "fixed" }
func (Dynamic) Mode() string { return "dynamic" }
func (Margin) Mode() string  { return "margin" }

func (Fixed) pricing()   {}
func (Dynamic) pricing() {}
func (Margin) pricing()  {}

// Timing decides when redemptions happen.
type Timing int

const (
	// Immediate redeems once after the terminal event.
	Immediate Timing = iota
	// Batch leaves redemption to the executor, which redeems partial amounts
	// while it runs.
	Batch
)

func (t Timing) String() string {
	if t == Batch {
		return "batch"
	}
	return "immediate"
}

// Config is a validated pricing and timing pair. The zero value is invalid;
// build one with NewConfig or FromDescriptor.
type Config struct {
	pricing Pricing
	timing  Timing
}

// NewConfig validates and combines p and t. Margin pricing is only valid with
// Immediate timing.
func NewConfig(p Pricing, t Timing) (Config, error) {
	switch v := p.(type) {
	case Fixed:
		if v.Credits <= 0 {
			return Config{}, fmt.Errorf("%w: fixed credits must be positive, got %d", ErrInvalidConfig, v.Credits)
		}
	case Dynamic:
	case Margin:
		if v.Percent < 0 {
			return Config{}, fmt.Errorf("%w: margin percent must not be negative, got %v", ErrInvalidConfig, v.Percent)
		}
		if t == Batch {
			return Config{}, fmt.Errorf("%w: margin redemption cannot be batched", ErrInvalidConfig)
		}
	case nil:
		return Config{}, fmt.Errorf("%w: pricing is required", ErrInvalidConfig)
	default:
		return Config{}, fmt.Errorf("%w: unknown pricing %T", ErrInvalidConfig, p)
	}
	if t != Immediate && t != Batch {
		return Config{}, fmt.Errorf("%w: unknown timing %d", ErrInvalidConfig, t)
	}
	return Config{pricing: p, timing: t}, nil
}

// MustConfig is NewConfig that panics on error. It is meant for literals.
func MustConfig(p Pricing, t Timing) Config {
	c, err := NewConfig(p, t)
	if err != nil {
		panic(err)
	}
	return c
}

// Pricing returns how the charge is computed.
func (c Config) Pricing() Pricing { return c.pricing }

// Timing returns when the charge is redeemed.
func (c Config) Timing() Timing { return c.timing }

// IsZero reports whether c was never built by NewConfig.
func (c Config) IsZero() bool { return c.pricing == nil }

// Mode returns the payment mode: "fixed", "dynamic" or "margin".
func (c Config) Mode() string {
	if c.pricing == nil {
		return ""
	}
	return c.pricing.Mode()
}

// Policy returns the redemption policy: "immediate", "batch" or "margin".
func (c Config) Policy() string {
	if _, ok := c.pricing.(Margin); ok {
		return "margin"
	}
	return c.timing.String()
}

func (c Config) String() string {
	return c.Mode() + "/" + c.Policy()
}

// Descriptor is the wire and file form of a redemption config as it appears in
// a capability's payment descriptor.
type Descriptor struct {
	PaymentType   string  `json:"paymentType" yaml:"payment_type"`
	Credits       int64   `json:"credits,omitempty" yaml:"credits"`
	UseBatch      bool    `json:"useBatch,omitempty" yaml:"use_batch"`
	UseMargin     bool    `json:"useMargin,omitempty" yaml:"use_margin"`
	MarginPercent float64 `json:"marginPercent,omitempty" yaml:"margin_percent"`
}

// FromDescriptor parses a Descriptor. UseMargin selects Margin pricing
// regardless of the payment type.
func FromDescriptor(d Descriptor) (Config, error) {
	timing := Immediate
	if d.UseBatch {
		timing = Batch
	}
	if d.UseMargin {
		return NewConfig(Margin{Percent: d.MarginPercent}, timing)
	}
	switch strings.ToLower(d.PaymentType) {
	case "fixed":
		return NewConfig(Fixed{Credits: d.Credits}, timing)
	case "dynamic":
		return NewConfig(Dynamic{}, timing)
	case "":
		return Config{}, fmt.Errorf("%w: payment type is required", ErrInvalidConfig)
	}
	return Config{}, fmt.Errorf("%w: unknown payment type %q", ErrInvalidConfig, d.PaymentType)
}

// Descriptor returns the wire form of c.
func (c Config) Descriptor() Descriptor {
	d := Descriptor{UseBatch: c.timing == Batch}
	switch p := c.pricing.(type) {
	case Fixed:
		d.PaymentType = "fixed"
		d.Credits = p.Credits
	case Dynamic:
		d.PaymentType = "dynamic"
	case Margin:
		d.PaymentType = "dynamic"
		d.UseMargin = true
		d.MarginPercent = p.Percent
	}
	return d
}

// Resolve picks the effective config: a server-level override always wins
// over the config a capability declares.
func Resolve(declared Config, override *Config) Config {
	if override != nil && !override.IsZero() {
		return *override
	}
	return declared
}
