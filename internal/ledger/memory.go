package ledger

import (
	"context"
	"errors"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/google/uuid"
)

// Endpoint is an endpoint pattern and verb a plan grants access to. Pattern
// uses path.Match syntax; a trailing "/**" matches any suffix. An empty or "*"
// verb matches every verb.
type Endpoint struct {
	Pattern string `yaml:"pattern" json:"pattern"`
	Verb    string `yaml:"verb" json:"verb"`
}

// Plan is a payment plan known to the in-memory ledger.
type Plan struct {
	ID                   string     `yaml:"id" json:"id"`
	MinCreditsPerRequest int64      `yaml:"min_credits" json:"minCredits"`
	MaxCreditsPerRequest int64      `yaml:"max_credits" json:"maxCredits"`
	Endpoints            []Endpoint `yaml:"endpoints" json:"endpoints"`
}

// Allows reports whether the plan covers endpoint and verb.
func (p *Plan) Allows(endpoint, verb string) bool {
	if len(p.Endpoints) == 0 {
		return true
	}
	for _, e := range p.Endpoints {
		if e.Verb != "" && e.Verb != "*" && !strings.EqualFold(e.Verb, verb) {
			continue
		}
		if MatchEndpoint(e.Pattern, endpoint) {
			return true
		}
	}
	return false
}

// MatchEndpoint matches an endpoint path against a pattern.
func MatchEndpoint(pattern, endpoint string) bool {
	if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
		return endpoint == prefix || strings.HasPrefix(endpoint, prefix+"/")
	}
	ok, err := path.Match(pattern, endpoint)
	return err == nil && ok
}

type balanceKey struct {
	plan       string
	subscriber string
}

// Memory is an in-process ledger. It backs development servers and tests and
// enforces the remote ledger's contract: per-key idempotent redemption and
// balances that never go negative.
type Memory struct {
	mu          sync.Mutex
	plans       map[string]*Plan
	balances    map[balanceKey]int64
	requests    map[string]*AgentRequest
	redemptions map[string]*SettleResult
	settleCalls int
	now         func() time.Time
}

// NewMemory creates an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{
		plans:       make(map[string]*Plan),
		balances:    make(map[balanceKey]int64),
		requests:    make(map[string]*AgentRequest),
		redemptions: make(map[string]*SettleResult),
		now:         time.Now,
	}
}

// AddPlan registers or replaces a plan.
func (m *Memory) AddPlan(p Plan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[p.ID] = &p
}

// Mint credits a subscriber on a plan, making them a subscriber if they were not.
func (m *Memory) Mint(planID, subscriber string, credits int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[balanceKey{planID, normalize(subscriber)}] += credits
}

// Authorize opens an AgentRequest for a credential that covers endpoint and verb.
func (m *Memory) Authorize(_ context.Context, in AuthorizeInput) (*AgentRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, cred, err := m.check(in)
	if err != nil {
		return nil, err
	}

	key := balanceKey{plan.ID, normalize(cred.Subscriber())}
	credits, subscribed := m.balances[key]
	if !subscribed {
		return nil, statusError(http.StatusPaymentRequired, "payment_required", "subscriber has no active subscription to plan %s", plan.ID)
	}
	if credits <= 0 {
		return nil, statusError(http.StatusPaymentRequired, "payment_required", "no credits left on plan %s", plan.ID)
	}

	req := &AgentRequest{
		RequestID:  uuid.NewString(),
		PlanID:     plan.ID,
		AgentID:    cred.Claims.AgentID,
		Subscriber: cred.Subscriber(),
		Endpoint:   in.Endpoint,
		Verb:       in.Verb,
		Balance: Balance{
			Credits:              credits,
			MinCreditsPerRequest: plan.MinCreditsPerRequest,
			MaxCreditsPerRequest: plan.MaxCreditsPerRequest,
			IsSubscriber:         true,
		},
	}
	m.requests[req.RequestID] = req
	cp := *req
	return &cp, nil
}

// Validate performs Authorize's checks without opening a request.
func (m *Memory) Validate(_ context.Context, in AuthorizeInput) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, cred, err := m.check(in)
	if err != nil {
		if errors.Is(err, ErrUnauthorized) {
			return false, nil
		}
		return false, err
	}
	return m.balances[balanceKey{plan.ID, normalize(cred.Subscriber())}] > 0, nil
}

// Settle burns credits. A redemption key that was already settled is rejected
// with a 409 carrying the original transaction reference.
func (m *Memory) Settle(_ context.Context, in SettleInput) (*SettleResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settleCalls++

	req, ok := m.requests[in.RequestID]
	if !ok {
		return nil, statusError(http.StatusNotFound, "not_found", "unknown request %s", in.RequestID)
	}
	if in.PlanID != req.PlanID || normalize(in.Subscriber) != normalize(req.Subscriber) {
		return nil, statusError(http.StatusUnprocessableEntity, "mismatch", "plan or subscriber does not match request %s", in.RequestID)
	}
	if in.Amount <= 0 {
		return nil, statusError(http.StatusBadRequest, "invalid_amount", "amount must be positive, got %d", in.Amount)
	}

	key := in.Key()
	if prev, dup := m.redemptions[key]; dup {
		serr := statusError(http.StatusConflict, "duplicate_redemption", "redemption %s already settled", key)
		serr.TxRef = prev.TxRef
		return nil, serr
	}

	bk := balanceKey{req.PlanID, normalize(req.Subscriber)}
	if m.balances[bk] < in.Amount {
		return nil, statusError(http.StatusUnprocessableEntity, "insufficient_balance", "balance %d is below %d", m.balances[bk], in.Amount)
	}
	m.balances[bk] -= in.Amount

	res := &SettleResult{Success: true, TxRef: "tx-" + uuid.NewString(), Amount: in.Amount}
	m.redemptions[key] = res
	cp := *res
	return &cp, nil
}

// Balance returns the subscriber's balance on a plan.
func (m *Memory) Balance(_ context.Context, planID, subscriber string) (*Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	plan, ok := m.plans[planID]
	if !ok {
		return nil, statusError(http.StatusNotFound, "not_found", "unknown plan %s", planID)
	}
	credits, subscribed := m.balances[balanceKey{planID, normalize(subscriber)}]
	return &Balance{
		Credits:              credits,
		MinCreditsPerRequest: plan.MinCreditsPerRequest,
		MaxCreditsPerRequest: plan.MaxCreditsPerRequest,
		IsSubscriber:         subscribed,
	}, nil
}

// SettleCalls returns how many Settle calls the ledger has received.
func (m *Memory) SettleCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settleCalls
}

// check validates the credential against the plan. Must be called with m.mu held.
func (m *Memory) check(in AuthorizeInput) (*Plan, *auth.Credential, error) {
	cred, err := auth.Decode(in.Credential, m.now())
	if err != nil {
		return nil, nil, statusError(http.StatusUnauthorized, "unauthorized", "%v", err)
	}
	plan, ok := m.plans[cred.PlanID()]
	if !ok {
		return nil, nil, statusError(http.StatusUnauthorized, "unauthorized", "unknown plan %s", cred.PlanID())
	}
	if !plan.Allows(in.Endpoint, in.Verb) {
		return nil, nil, statusError(http.StatusUnauthorized, "unauthorized", "plan %s does not cover %s %s", plan.ID, in.Verb, in.Endpoint)
	}
	return plan, cred, nil
}

func normalize(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
