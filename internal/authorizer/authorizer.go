// Package authorizer opens metered agent requests against the remote ledger.
// It never settles; redemption belongs to the settlement package.
package authorizer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/ledger"
)

var (
	// ErrUnauthorized covers invalid or expired credentials and endpoint/verb
	// combinations the plan does not grant.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPaymentRequired covers exhausted balances and inactive subscriptions.
	ErrPaymentRequired = errors.New("payment required")
)

// MetricsRecorder is an optional interface for recording authorization outcomes.
type MetricsRecorder interface {
	IncAuthorization(result string)
}

// Authorizer validates credentials against endpoints through the ledger.
type Authorizer struct {
	ledger  ledger.Service
	now     func() time.Time
	metrics MetricsRecorder
}

// New creates an Authorizer backed by the given ledger.
func New(svc ledger.Service) *Authorizer {
	return &Authorizer{ledger: svc, now: time.Now}
}

// SetMetrics sets the optional metrics recorder.
func (a *Authorizer) SetMetrics(m MetricsRecorder) {
	a.metrics = m
}

// Authorize opens an AgentRequest for cred on endpoint/verb. Concurrent calls
// are independently authorized; the ledger serializes balance changes.
func (a *Authorizer) Authorize(ctx context.Context, cred *auth.Credential, endpoint, verb string) (*ledger.AgentRequest, error) {
	req, err := a.authorize(ctx, cred, endpoint, verb)
	a.record(err)
	return req, err
}

func (a *Authorizer) authorize(ctx context.Context, cred *auth.Credential, endpoint, verb string) (*ledger.AgentRequest, error) {
	if err := a.precheck(cred); err != nil {
		return nil, err
	}

	req, err := a.ledger.Authorize(ctx, ledger.AuthorizeInput{
		Endpoint:   endpoint,
		Verb:       verb,
		Credential: cred.Token,
	})
	if err != nil {
		return nil, classify(err)
	}

	if req.RequestID == "" {
		return nil, fmt.Errorf("ledger returned a request without id")
	}
	if req.PlanID != "" && req.PlanID != cred.PlanID() {
		return nil, fmt.Errorf("%w: credential plan %s does not match %s", ErrUnauthorized, cred.PlanID(), req.PlanID)
	}
	if req.Subscriber != "" && !strings.EqualFold(req.Subscriber, cred.Subscriber()) {
		return nil, fmt.Errorf("%w: credential subscriber does not match request", ErrUnauthorized)
	}
	if !req.Balance.IsSubscriber {
		return nil, fmt.Errorf("%w: subscription inactive", ErrPaymentRequired)
	}
	if req.Balance.Credits <= 0 {
		return nil, fmt.Errorf("%w: no credits remaining", ErrPaymentRequired)
	}
	if req.PlanID == "" {
		req.PlanID = cred.PlanID()
	}
	if req.Subscriber == "" {
		req.Subscriber = cred.Subscriber()
	}
	return req, nil
}

// IsValidRequest performs Authorize's validation without opening a billable
// request. A false result with a nil error means access is denied.
func (a *Authorizer) IsValidRequest(ctx context.Context, cred *auth.Credential, endpoint, verb string) (bool, error) {
	if err := a.precheck(cred); err != nil {
		return false, nil
	}
	ok, err := a.ledger.Validate(ctx, ledger.AuthorizeInput{
		Endpoint:   endpoint,
		Verb:       verb,
		Credential: cred.Token,
	})
	if err != nil {
		err = classify(err)
		if errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrPaymentRequired) {
			return false, nil
		}
		return false, err
	}
	return ok, nil
}

func (a *Authorizer) precheck(cred *auth.Credential) error {
	if cred == nil || cred.Token == "" {
		return fmt.Errorf("%w: missing credential", ErrUnauthorized)
	}
	if cred.Expired(a.now()) {
		return fmt.Errorf("%w: credential expired", ErrUnauthorized)
	}
	return nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ledger.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, ledger.ErrPaymentRequired):
		return fmt.Errorf("%w: %w", ErrPaymentRequired, err)
	}
	return fmt.Errorf("authorizing with ledger: %w", err)
}

func (a *Authorizer) record(err error) {
	if a.metrics == nil {
		return
	}
	switch {
	case err == nil:
		a.metrics.IncAuthorization("authorized")
	case errors.Is(err, ErrUnauthorized):
		a.metrics.IncAuthorization("unauthorized")
	case errors.Is(err, ErrPaymentRequired):
		a.metrics.IncAuthorization("payment_required")
	default:
		a.metrics.IncAuthorization("error")
	}
}
