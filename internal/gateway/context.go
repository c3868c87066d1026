package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/authorizer"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
)

// Executor runs a capability. It receives the call's RequestContext and
// publishes on the task bus exactly like a task.Executor.
type Executor interface {
	Execute(ctx context.Context, rc *RequestContext, bus *task.Bus) error
	Cancel(ctx context.Context, rc *RequestContext, bus *task.Bus) error
}

// RequestContext is everything a capability call knows about itself.
type RequestContext struct {
	Credential *auth.Credential
	Request    *ledger.AgentRequest
	Card       capability.Card
	Redemption settlement.Config

	TaskID    string
	ContextID string
	Message   *task.Message
	Metadata  map[string]any
	Endpoint  string
	Verb      string

	Authorizer *authorizer.Authorizer
	Settlement *settlement.Engine

	conn *Conn

	partialSeq atomic.Uint64
	redeemed   atomic.Int64

	mu        sync.Mutex
	lastTxRef string
	margin    *settlement.Result
}

// Ledger returns the call's ledger connection.
func (rc *RequestContext) Ledger() ledger.Service {
	if rc.conn == nil {
		return nil
	}
	return rc.conn.Ledger
}

// RedeemPartial burns amount credits now. It serves batch redemption: each
// call is a separate, independently idempotent redemption of this request.
func (rc *RequestContext) RedeemPartial(ctx context.Context, amount int64) (*settlement.Result, error) {
	seq := rc.partialSeq.Add(1)
	res, err := rc.Settlement.RedeemPartial(ctx, rc.conn.Ledger, rc.Request, rc.Redemption, seq, amount)
	if err != nil {
		return nil, err
	}
	rc.redeemed.Add(res.Amount)
	rc.mu.Lock()
	rc.lastTxRef = res.TxRef
	rc.mu.Unlock()
	return res, nil
}

// RedeemMargin redeems an externally measured raw cost plus the configured
// margin. It is the call's final redemption.
func (rc *RequestContext) RedeemMargin(ctx context.Context, rawCost float64) (*settlement.Result, error) {
	res, err := rc.Settlement.RedeemMargin(ctx, rc.conn.Ledger, rc.Request, rc.Redemption, rawCost)
	if err != nil {
		return nil, err
	}
	rc.mu.Lock()
	rc.margin = res
	rc.mu.Unlock()
	return res, nil
}

// Redeemed returns the credits burned by partial redemptions so far.
func (rc *RequestContext) Redeemed() int64 {
	return rc.redeemed.Load()
}

func (rc *RequestContext) partialTxRef() string {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.lastTxRef
}

func (rc *RequestContext) marginResult() *settlement.Result {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.margin
}

// taskExecutor adapts a capability Executor to the task engine.
type taskExecutor struct {
	exec Executor
	rc   *RequestContext
}

func (t taskExecutor) Execute(ctx context.Context, bus *task.Bus) error {
	return t.exec.Execute(ctx, t.rc, bus)
}

func (t taskExecutor) Cancel(ctx context.Context, bus *task.Bus) error {
	return t.exec.Cancel(ctx, t.rc, bus)
}
