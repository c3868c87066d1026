package ledger

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Errors reported by a ledger. StatusError values match them with errors.Is.
var (
	ErrUnauthorized        = errors.New("ledger: unauthorized")
	ErrPaymentRequired     = errors.New("ledger: payment required")
	ErrNotFound            = errors.New("ledger: not found")
	ErrDuplicateRedemption = errors.New("ledger: duplicate redemption")
	ErrRejected            = errors.New("ledger: redemption rejected")
)

// Balance is a snapshot of a subscriber's credits on a plan.
type Balance struct {
	Credits              int64 `json:"credits"`
	MinCreditsPerRequest int64 `json:"minCreditsPerRequest"`
	MaxCreditsPerRequest int64 `json:"maxCreditsPerRequest"`
	IsSubscriber         bool  `json:"isSubscriber"`
}

// AgentRequest is an authorized, billable capability call. RequestID is
// assigned by the ledger and is the root of every redemption key.
type AgentRequest struct {
	RequestID  string  `json:"requestId"`
	PlanID     string  `json:"planId"`
	AgentID    string  `json:"agentId,omitempty"`
	Subscriber string  `json:"subscriber"`
	Endpoint   string  `json:"endpoint"`
	Verb       string  `json:"verb"`
	Balance    Balance `json:"balance"`
}

// AuthorizeInput identifies the endpoint and verb a credential wants to call.
type AuthorizeInput struct {
	Endpoint   string `json:"endpoint"`
	Verb       string `json:"verb"`
	Credential string `json:"-"`
}

// SettleInput burns Amount credits against an AgentRequest. RedemptionKey
// deduplicates retries; it defaults to RequestID.
type SettleInput struct {
	RequestID     string `json:"-"`
	PlanID        string `json:"planId"`
	Subscriber    string `json:"subscriber"`
	Amount        int64  `json:"amount"`
	RedemptionKey string `json:"redemptionKey,omitempty"`
}

// Key returns the effective redemption key.
func (in SettleInput) Key() string {
	if in.RedemptionKey != "" {
		return in.RedemptionKey
	}
	return in.RequestID
}

// SettleResult is the ledger's answer to a redemption.
type SettleResult struct {
	Success bool   `json:"success"`
	TxRef   string `json:"txRef"`
	Amount  int64  `json:"amount"`
}

// Service is the remote balance/ledger collaborator.
type Service interface {
	Authorize(ctx context.Context, in AuthorizeInput) (*AgentRequest, error)
	Settle(ctx context.Context, in SettleInput) (*SettleResult, error)
	Validate(ctx context.Context, in AuthorizeInput) (bool, error)
}

// BalanceReader reads a subscriber's current balance.
type BalanceReader interface {
	Balance(ctx context.Context, planID, subscriber string) (*Balance, error)
}

// StatusError is a non-2xx ledger answer.
type StatusError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	// TxRef is set on duplicate redemptions to the original transaction.
	TxRef string `json:"txRef,omitempty"`
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("ledger returned %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Is maps HTTP status codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
	case ErrPaymentRequired:
		return e.StatusCode == http.StatusPaymentRequired
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrDuplicateRedemption:
		return e.StatusCode == http.StatusConflict
	case ErrRejected:
		return e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity
	}
	return false
}

// Temporary reports whether the failure is worth retrying.
func (e *StatusError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

func statusError(code int, errCode, format string, args ...any) *StatusError {
	return &StatusError{StatusCode: code, Code: errCode, Message: fmt.Sprintf(format, args...)}
}
