package authorizer

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/golang-jwt/jwt/v5"
)

// --- Fakes ---

type fakeLedger struct {
	req          *ledger.AgentRequest
	err          error
	valid        bool
	authorizeN   int
	settleCalled bool
}

func (f *fakeLedger) Authorize(_ context.Context, _ ledger.AuthorizeInput) (*ledger.AgentRequest, error) {
	f.authorizeN++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.req
	return &cp, nil
}

func (f *fakeLedger) Settle(_ context.Context, _ ledger.SettleInput) (*ledger.SettleResult, error) {
	f.settleCalled = true
	return &ledger.SettleResult{Success: true}, nil
}

func (f *fakeLedger) Validate(_ context.Context, _ ledger.AuthorizeInput) (bool, error) {
	return f.valid, f.err
}

type countingMetrics struct {
	results map[string]int
}

func (m *countingMetrics) IncAuthorization(result string) {
	if m.results == nil {
		m.results = map[string]int{}
	}
	m.results[result]++
}

// --- Helpers ---

func newCredential(expiresIn time.Duration) *auth.Credential {
	return &auth.Credential{
		Token: "token",
		Claims: auth.Claims{
			RegisteredClaims: jwt.RegisteredClaims{
				Subject:   "0xabc",
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			},
			PlanID: "plan-1",
		},
	}
}

func okRequest() *ledger.AgentRequest {
	return &ledger.AgentRequest{
		RequestID:  "req-1",
		PlanID:     "plan-1",
		Subscriber: "0xABC",
		Balance:    ledger.Balance{Credits: 15, MinCreditsPerRequest: 1, MaxCreditsPerRequest: 10, IsSubscriber: true},
	}
}

// --- Tests ---

func TestAuthorize_Success(t *testing.T) {
	fl := &fakeLedger{req: okRequest()}
	a := New(fl)
	m := &countingMetrics{}
	a.SetMetrics(m)

	req, err := a.Authorize(context.Background(), newCredential(time.Hour), "/a2a/echo", "POST")
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if req.RequestID != "req-1" {
		t.Errorf("unexpected request: %+v", req)
	}
	if fl.settleCalled {
		t.Error("authorization must not settle")
	}
	if m.results["authorized"] != 1 {
		t.Errorf("expected one authorized metric, got %v", m.results)
	}
}

func TestAuthorize_Failures(t *testing.T) {
	zero := okRequest()
	zero.Balance.Credits = 0
	inactive := okRequest()
	inactive.Balance.IsSubscriber = false
	otherPlan := okRequest()
	otherPlan.PlanID = "plan-2"

	tests := []struct {
		name      string
		cred      *auth.Credential
		ledger    *fakeLedger
		wantErr   error
		wantCalls int
	}{
		{"nil credential", nil, &fakeLedger{req: okRequest()}, ErrUnauthorized, 0},
		{"expired credential", newCredential(-time.Minute), &fakeLedger{req: okRequest()}, ErrUnauthorized, 0},
		{"ledger 401", newCredential(time.Hour), &fakeLedger{err: &ledger.StatusError{StatusCode: 401}}, ErrUnauthorized, 1},
		{"ledger 402", newCredential(time.Hour), &fakeLedger{err: &ledger.StatusError{StatusCode: 402}}, ErrPaymentRequired, 1},
		{"zero balance", newCredential(time.Hour), &fakeLedger{req: zero}, ErrPaymentRequired, 1},
		{"inactive subscription", newCredential(time.Hour), &fakeLedger{req: inactive}, ErrPaymentRequired, 1},
		{"plan mismatch", newCredential(time.Hour), &fakeLedger{req: otherPlan}, ErrUnauthorized, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.ledger).Authorize(context.Background(), tt.cred, "/a2a/echo", "POST")
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
			if tt.ledger.authorizeN != tt.wantCalls {
				t.Errorf("expected %d ledger calls, got %d", tt.wantCalls, tt.ledger.authorizeN)
			}
		})
	}
}

func TestAuthorize_TransientErrorIsNotClassified(t *testing.T) {
	fl := &fakeLedger{err: &ledger.StatusError{StatusCode: 503}}
	_, err := New(fl).Authorize(context.Background(), newCredential(time.Hour), "/a2a/echo", "POST")
	if err == nil || errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrPaymentRequired) {
		t.Errorf("expected unclassified error, got %v", err)
	}
}

func TestIsValidRequest(t *testing.T) {
	ctx := context.Background()

	ok, err := New(&fakeLedger{valid: true}).IsValidRequest(ctx, newCredential(time.Hour), "/a2a/echo", "POST")
	if err != nil || !ok {
		t.Errorf("expected valid, got %v, %v", ok, err)
	}

	fl := &fakeLedger{valid: true}
	ok, err = New(fl).IsValidRequest(ctx, newCredential(-time.Minute), "/a2a/echo", "POST")
	if err != nil || ok {
		t.Errorf("expected expired credential to be invalid, got %v, %v", ok, err)
	}

	ok, err = New(&fakeLedger{err: &ledger.StatusError{StatusCode: 402}}).IsValidRequest(ctx, newCredential(time.Hour), "/a2a/echo", "POST")
	if err != nil || ok {
		t.Errorf("expected payment required to be reported as invalid, got %v, %v", ok, err)
	}

	if fl.authorizeN != 0 {
		t.Error("pre-flight must not open a request")
	}
}

func TestAuthorize_AgainstMemoryLedger(t *testing.T) {
	m := ledger.NewMemory()
	m.AddPlan(ledger.Plan{ID: "plan-1", Endpoints: []ledger.Endpoint{{Pattern: "/a2a/*", Verb: "POST"}}})
	m.Mint("plan-1", "0xabc", 0)

	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "0xabc", ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))},
		PlanID:           "plan-1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	cred, err := auth.Decode(token, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	_, err = New(m).Authorize(context.Background(), cred, "/a2a/echo", "POST")
	if !errors.Is(err, ErrPaymentRequired) {
		t.Fatalf("expected payment required with zero balance, got %v", err)
	}

	m.Mint("plan-1", "0xabc", 5)
	req, err := New(m).Authorize(context.Background(), cred, "/a2a/echo", "POST")
	if err != nil {
		t.Fatalf("Authorize() error: %v", err)
	}
	if req.Balance.Credits != 5 {
		t.Errorf("expected snapshot of 5 credits, got %d", req.Balance.Credits)
	}
}
