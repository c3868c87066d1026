// Package capability describes the metered capabilities a gateway serves.
package capability

import (
	"errors"
	"fmt"
	"strings"

	"github.com/alecgard/creditgate/internal/settlement"
)

// ErrInvalidCard is returned by Validate.
var ErrInvalidCard = errors.New("invalid capability card")

// RedemptionConfig is the optional redemption block of a payment descriptor.
type RedemptionConfig struct {
	UseBatch      bool    `json:"useBatch,omitempty" yaml:"use_batch"`
	UseMargin     bool    `json:"useMargin,omitempty" yaml:"use_margin"`
	MarginPercent float64 `json:"marginPercent,omitempty" yaml:"margin_percent"`
}

// PaymentDescriptor declares how a capability is paid for.
type PaymentDescriptor struct {
	PaymentType      string            `json:"paymentType" yaml:"payment_type"`
	Credits          int64             `json:"credits,omitempty" yaml:"credits"`
	PlanID           string            `json:"planId" yaml:"plan_id"`
	AgentID          string            `json:"agentId" yaml:"agent_id"`
	RedemptionConfig *RedemptionConfig `json:"redemptionConfig,omitempty" yaml:"redemption_config"`
}

// Redemption parses the descriptor into a settlement config.
func (p PaymentDescriptor) Redemption() (settlement.Config, error) {
	d := settlement.Descriptor{PaymentType: p.PaymentType, Credits: p.Credits}
	if rc := p.RedemptionConfig; rc != nil {
		d.UseBatch = rc.UseBatch
		d.UseMargin = rc.UseMargin
		d.MarginPercent = rc.MarginPercent
	}
	return settlement.FromDescriptor(d)
}

// Card is a capability's public metadata.
type Card struct {
	AgentID     string            `json:"agentId" yaml:"agent_id"`
	Name        string            `json:"name" yaml:"name"`
	Description string            `json:"description,omitempty" yaml:"description"`
	Executor    string            `json:"-" yaml:"executor"`
	URL         string            `json:"url,omitempty" yaml:"-"`
	Streaming   bool              `json:"streaming" yaml:"-"`
	Payment     PaymentDescriptor `json:"payment" yaml:"payment"`
	// RateLimit caps calls per subscriber per rate window; zero falls back
	// to the server default.
	RateLimit int `json:"-" yaml:"rate_limit"`
	// Upstream is where the "upstream" executor forwards calls.
	Upstream *Upstream `json:"-" yaml:"upstream"`
}

// Upstream describes a remote agent endpoint. Endpoint may contain
// {variable} placeholders filled from Variables.
type Upstream struct {
	Endpoint  string            `yaml:"endpoint"`
	Variables map[string]string `yaml:"variables"`
	// AuthType is "bearer", "header" or "none".
	AuthType   string            `yaml:"auth_type"`
	AuthConfig map[string]string `yaml:"auth_config"`
}

// Endpoint is the path the capability is invoked on.
func (c *Card) Endpoint() string {
	return "/a2a/" + c.AgentID
}

// Validate checks the card's identity and payment descriptor.
func (c *Card) Validate() error {
	var problems []string
	if c.AgentID == "" {
		problems = append(problems, "agent_id is required")
	}
	if strings.ContainsAny(c.AgentID, "/?# ") {
		problems = append(problems, "agent_id must be a single path segment")
	}
	if c.RateLimit < 0 {
		problems = append(problems, "rate_limit must not be negative")
	}
	if c.Executor == "upstream" && (c.Upstream == nil || c.Upstream.Endpoint == "") {
		problems = append(problems, "upstream.endpoint is required by the upstream executor")
	}
	if c.Payment.PlanID == "" {
		problems = append(problems, "payment.plan_id is required")
	}
	if c.Payment.AgentID != "" && c.Payment.AgentID != c.AgentID {
		problems = append(problems, "payment.agent_id does not match agent_id")
	}
	if _, err := c.Payment.Redemption(); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w %q: %s", ErrInvalidCard, c.AgentID, strings.Join(problems, "; "))
	}
	return nil
}

// Redemption returns the card's declared settlement config. The card must
// have been validated.
func (c *Card) Redemption() settlement.Config {
	cfg, _ := c.Payment.Redemption()
	return cfg
}
