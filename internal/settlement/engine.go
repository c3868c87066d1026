package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/metering"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrFailed is returned when the ledger rejects or never answers a redemption.
	ErrFailed = errors.New("settlement failed")
	// ErrInvalidAmount is returned for non-positive redemption amounts.
	ErrInvalidAmount = errors.New("invalid redemption amount")
)

// Settler burns credits on the ledger.
type Settler interface {
	Settle(ctx context.Context, in ledger.SettleInput) (*ledger.SettleResult, error)
}

// Journal records every redemption attempt.
type Journal interface {
	Record(rec metering.Redemption)
}

// MetricsRecorder is an optional interface for recording redemption outcomes.
type MetricsRecorder interface {
	RecordRedemption(kind, policy string, success bool, amount int64, latency time.Duration)
}

// Result is the outcome of a redemption.
type Result struct {
	RequestID     string `json:"requestId"`
	RedemptionKey string `json:"redemptionKey,omitempty"`
	Amount        int64  `json:"amount"`
	TxRef         string `json:"txRef,omitempty"`
	Success       bool   `json:"success"`
	// Skipped is set when no redemption was due; Reason says why.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

type cachedFinal struct {
	result  Result
	expires time.Time
}

// Engine redeems credits. It issues at most one final redemption per request
// id: concurrent attempts share one ledger call and successful results are
// remembered for the cache TTL. Partial redemptions pass straight through.
type Engine struct {
	journal Journal
	metrics MetricsRecorder
	logger  *slog.Logger
	now     func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	finals    map[string]cachedFinal
	ttl       time.Duration
	lastPrune time.Time
}

// NewEngine creates an Engine that remembers successful final redemptions for
// finalTTL.
func NewEngine(finalTTL time.Duration) *Engine {
	if finalTTL <= 0 {
		finalTTL = time.Hour
	}
	return &Engine{
		logger: slog.Default(),
		now:    time.Now,
		finals: make(map[string]cachedFinal),
		ttl:    finalTTL,
	}
}

// SetJournal sets the redemption journal.
func (e *Engine) SetJournal(j Journal) { e.journal = j }

// SetMetrics sets the optional metrics recorder.
func (e *Engine) SetMetrics(m MetricsRecorder) { e.metrics = m }

// SetLogger sets the logger.
func (e *Engine) SetLogger(l *slog.Logger) { e.logger = l }

// SettleFinal performs the final redemption for a finished task.
func (e *Engine) SettleFinal(ctx context.Context, s Settler, req *ledger.AgentRequest, cfg Config, u Usage) (*Result, error) {
	amount, due, reason := Amount(cfg, BoundsOf(req.Balance), u)
	if !due {
		return &Result{RequestID: req.RequestID, Skipped: true, Reason: reason}, nil
	}
	kind := metering.KindFinal
	var raw float64
	if _, ok := cfg.Pricing().(Margin); ok {
		kind = metering.KindMargin
		if u.RawCost != nil {
			raw = *u.RawCost
		}
	}
	return e.final(ctx, s, req, cfg, kind, amount, raw)
}

// RedeemMargin redeems a raw cost plus the configured margin immediately. It
// counts as the request's final redemption.
func (e *Engine) RedeemMargin(ctx context.Context, s Settler, req *ledger.AgentRequest, cfg Config, rawCost float64) (*Result, error) {
	m, ok := cfg.Pricing().(Margin)
	if !ok {
		return nil, fmt.Errorf("%w: %s pricing has no margin", ErrInvalidConfig, cfg.Mode())
	}
	amount := Clamp(MarginAmount(rawCost, m.Percent), BoundsOf(req.Balance))
	if amount <= 0 {
		return nil, fmt.Errorf("%w: raw cost %v yields %d credits", ErrInvalidAmount, rawCost, amount)
	}
	return e.final(ctx, s, req, cfg, metering.KindMargin, amount, rawCost)
}

// RedeemPartial burns amount as the seq-th partial redemption of req. Each
// partial has its own redemption key, so the ledger deduplicates retries of
// the same partial without merging distinct ones.
func (e *Engine) RedeemPartial(ctx context.Context, s Settler, req *ledger.AgentRequest, cfg Config, seq uint64, amount int64) (*Result, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	return e.redeem(ctx, s, req, cfg, PartialKey(req.RequestID, seq), metering.KindPartial, amount, 0)
}

// PartialKey returns the redemption key of the seq-th partial redemption.
func PartialKey(requestID string, seq uint64) string {
	return requestID + "#" + strconv.FormatUint(seq, 10)
}

func (e *Engine) final(ctx context.Context, s Settler, req *ledger.AgentRequest, cfg Config, kind string, amount int64, raw float64) (*Result, error) {
	id := req.RequestID
	if r, ok := e.cached(id); ok {
		return r, nil
	}

	v, err, _ := e.group.Do(id, func() (any, error) {
		if r, ok := e.cached(id); ok {
			return r, nil
		}
		r, err := e.redeem(ctx, s, req, cfg, id, kind, amount, raw)
		if err != nil {
			return nil, err
		}
		e.remember(id, *r)
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*Result)
	return &cp, nil
}

func (e *Engine) redeem(ctx context.Context, s Settler, req *ledger.AgentRequest, cfg Config, key, kind string, amount int64, raw float64) (*Result, error) {
	start := e.now()
	res, err := s.Settle(ctx, ledger.SettleInput{
		RequestID:     req.RequestID,
		PlanID:        req.PlanID,
		Subscriber:    req.Subscriber,
		Amount:        amount,
		RedemptionKey: key,
	})
	latency := e.now().Sub(start)

	var out *Result
	switch {
	case err == nil && res != nil && res.Success:
		out = &Result{RequestID: req.RequestID, RedemptionKey: key, Amount: amount, TxRef: res.TxRef, Success: true}
		if res.Amount > 0 {
			out.Amount = res.Amount
		}
	case errors.Is(err, ledger.ErrDuplicateRedemption):
		// Already burned by an earlier attempt.
		out = &Result{RequestID: req.RequestID, RedemptionKey: key, Amount: amount, Success: true}
		if serr, ok := ledger.AsStatusError(err); ok {
			out.TxRef = serr.TxRef
		}
		e.logger.Info("redemption already settled", "redemption_key", key, "tx_ref", out.TxRef)
		err = nil
	case err == nil:
		err = fmt.Errorf("%w: ledger declined redemption %s", ErrFailed, key)
	default:
		err = fmt.Errorf("%w: redemption %s: %w", ErrFailed, key, err)
	}

	rec := metering.Redemption{
		RequestID:     req.RequestID,
		RedemptionKey: key,
		AgentID:       req.AgentID,
		PlanID:        req.PlanID,
		Subscriber:    strings.ToLower(req.Subscriber),
		Kind:          kind,
		Policy:        cfg.Policy(),
		Amount:        amount,
		RawCost:       raw,
		Success:       err == nil,
		Timestamp:     start,
		LatencyMs:     latency.Milliseconds(),
	}
	if out != nil {
		rec.TxRef = out.TxRef
		rec.Amount = out.Amount
	}
	if err != nil {
		rec.Error = err.Error()
		e.logger.Error("redemption failed", "request_id", req.RequestID, "redemption_key", key, "amount", amount, "error", err)
	}
	if e.journal != nil {
		e.journal.Record(rec)
	}
	if e.metrics != nil {
		e.metrics.RecordRedemption(kind, cfg.Policy(), err == nil, rec.Amount, latency)
	}

	if err != nil {
		return nil, err
	}
	return out, nil
}

func (e *Engine) cached(id string) (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.finals[id]
	if !ok || e.now().After(c.expires) {
		return nil, false
	}
	r := c.result
	return &r, true
}

func (e *Engine) remember(id string, r Result) {
	now := e.now()
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finals[id] = cachedFinal{result: r, expires: now.Add(e.ttl)}
	if now.Sub(e.lastPrune) < e.ttl {
		return
	}
	e.lastPrune = now
	for k, c := range e.finals {
		if now.After(c.expires) {
			delete(e.finals, k)
		}
	}
}
