package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential decoding errors.
var (
	ErrMissingCredential = errors.New("missing credential")
	ErrInvalidCredential = errors.New("invalid credential")
	ErrExpiredCredential = errors.New("credential expired")
)

// Claims are the decoded claims of a subscriber credential. The gateway only
// reads them; signature verification belongs to the remote ledger.
type Claims struct {
	jwt.RegisteredClaims
	PlanID     string `json:"plan_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Delegation string `json:"delegation,omitempty"`
}

// Credential is a decoded bearer credential together with its raw token.
type Credential struct {
	Token  string
	Claims Claims

	// Delegation holds the decoded nested delegation token, if any.
	Delegation *Claims
}

// Subscriber returns the subscriber address the credential was issued to.
func (c *Credential) Subscriber() string {
	return c.Claims.Subject
}

// PlanID returns the payment plan the credential is scoped to.
func (c *Credential) PlanID() string {
	return c.Claims.PlanID
}

// Expired reports whether the credential carries an expiry that is before now.
func (c *Credential) Expired(now time.Time) bool {
	if c.Claims.ExpiresAt == nil {
		return false
	}
	return !now.Before(c.Claims.ExpiresAt.Time)
}

var parser = jwt.NewParser()

// Decode parses a credential token without verifying its signature. It rejects
// tokens that are malformed, expired at now, or missing the subscriber or plan
// claims.
func Decode(token string, now time.Time) (*Credential, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrMissingCredential
	}

	claims, err := decodeClaims(token)
	if err != nil {
		return nil, err
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subscriber", ErrInvalidCredential)
	}
	if claims.PlanID == "" {
		return nil, fmt.Errorf("%w: missing plan_id", ErrInvalidCredential)
	}

	cred := &Credential{Token: token, Claims: *claims}
	if cred.Expired(now) {
		return nil, ErrExpiredCredential
	}

	if claims.Delegation != "" {
		nested, err := decodeClaims(claims.Delegation)
		if err != nil {
			return nil, fmt.Errorf("decoding delegation: %w", err)
		}
		if nested.ExpiresAt != nil && !now.Before(nested.ExpiresAt.Time) {
			return nil, fmt.Errorf("delegation: %w", ErrExpiredCredential)
		}
		cred.Delegation = nested
	}

	return cred, nil
}

func decodeClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return claims, nil
}
