// Package gateway runs the authorize, execute and settle pipeline for metered
// capability calls.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/authorizer"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
)

var (
	// ErrUnauthorized is returned when the credential is missing or the
	// ledger does not grant the plan or endpoint.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrPaymentRequired is returned when the balance cannot cover the call.
	ErrPaymentRequired = errors.New("payment required")
	// ErrExecutionFailed marks an executor error surfaced to hooks.
	ErrExecutionFailed = errors.New("execution failed")
	// ErrSettlementFailed marks a redemption the ledger did not record.
	ErrSettlementFailed = errors.New("settlement failed")
	// ErrTaskNotFound is returned for unknown task ids and for tasks of
	// other subscribers.
	ErrTaskNotFound = errors.New("task not found")
	// ErrTaskNotCancelable is returned when cancelling a finished task.
	ErrTaskNotCancelable = errors.New("task not cancelable")
	// ErrResubscribeUnsupported is returned when a task's events are no
	// longer retained.
	ErrResubscribeUnsupported = errors.New("resubscribe not supported for this task")
	// ErrCapabilityNotFound is returned for an unregistered agent id.
	ErrCapabilityNotFound = errors.New("capability not found")
	// ErrInvalidParams is returned for malformed call parameters, including
	// a task id that is already in use.
	ErrInvalidParams = errors.New("invalid params")
)

// Metadata keys the gateway reads from and writes to terminal events.
const (
	MetaCreditsUsed     = "creditsUsed"
	MetaRawCost         = "rawCost"
	MetaTxRef           = "txRef"
	MetaRequestID       = "requestId"
	MetaSettlementError = "settlementError"
)

// Config configures a Gateway.
type Config struct {
	// LedgerURL is part of every connection key.
	LedgerURL string
	// Override replaces every capability's declared redemption config.
	Override *settlement.Config
	// SettleTimeout bounds the final redemption.
	SettleTimeout time.Duration
}

// MessageParams are the parameters of message/send and message/stream.
type MessageParams struct {
	Message  *task.Message
	Metadata map[string]any
}

// Gateway wires authorization, task execution and settlement together.
type Gateway struct {
	registry *Registry
	conns    *ConnCache
	tasks    *task.Engine
	settle   *settlement.Engine
	hooks    Hooks
	cfg      Config
	logger   *slog.Logger
}

// New creates a Gateway.
func New(registry *Registry, conns *ConnCache, tasks *task.Engine, settle *settlement.Engine, cfg Config) *Gateway {
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	return &Gateway{
		registry: registry,
		conns:    conns,
		tasks:    tasks,
		settle:   settle,
		cfg:      cfg,
		logger:   slog.Default(),
	}
}

// SetHooks sets the lifecycle hooks.
func (g *Gateway) SetHooks(h Hooks) { g.hooks = h }

// SetLogger sets the logger.
func (g *Gateway) SetLogger(l *slog.Logger) { g.logger = l }

// Card returns the card of a registered capability.
func (g *Gateway) Card(agentID string) (capability.Card, error) {
	card, _, ok := g.registry.Lookup(agentID)
	if !ok {
		return capability.Card{}, fmt.Errorf("%w: %s", ErrCapabilityNotFound, agentID)
	}
	return card, nil
}

// Cards returns every registered card.
func (g *Gateway) Cards() []capability.Card {
	return g.registry.Cards()
}

// Send runs a call to completion and returns the final task snapshot. If ctx
// ends first the task keeps running and ctx's error is returned.
func (g *Gateway) Send(ctx context.Context, cred *auth.Credential, agentID string, p MessageParams) (*task.Task, error) {
	snap, err := g.start(ctx, cred, agentID, p)
	if err != nil {
		return nil, err
	}
	return g.tasks.Wait(ctx, snap.ID)
}

// Stream starts a call and returns a subscription to all of its events.
func (g *Gateway) Stream(ctx context.Context, cred *auth.Credential, agentID string, p MessageParams) (*task.Subscription, error) {
	snap, err := g.start(ctx, cred, agentID, p)
	if err != nil {
		return nil, err
	}
	return g.tasks.Subscribe(snap.ID)
}

// Resubscribe resumes the events of a task the credential's subscriber owns.
func (g *Gateway) Resubscribe(_ context.Context, cred *auth.Credential, taskID string, cursor *uint64) (*task.Subscription, error) {
	if err := g.checkOwner(cred, taskID); err != nil {
		return nil, err
	}
	sub, err := g.tasks.Resubscribe(taskID, cursor)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return sub, nil
}

// Cancel cancels a running task the credential's subscriber owns.
func (g *Gateway) Cancel(ctx context.Context, cred *auth.Credential, taskID string) (*task.Task, error) {
	if err := g.checkOwner(cred, taskID); err != nil {
		return nil, err
	}
	snap, err := g.tasks.Cancel(ctx, taskID)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return snap, nil
}

// GetTask returns a snapshot of a task the credential's subscriber owns.
func (g *Gateway) GetTask(_ context.Context, cred *auth.Credential, taskID string) (*task.Task, error) {
	if err := g.checkOwner(cred, taskID); err != nil {
		return nil, err
	}
	snap, err := g.tasks.Get(taskID)
	if err != nil {
		return nil, mapTaskError(err)
	}
	return snap, nil
}

// Validate reports whether cred may call agentID without opening a billable
// request.
func (g *Gateway) Validate(ctx context.Context, cred *auth.Credential, agentID string) (bool, error) {
	card, _, ok := g.registry.Lookup(agentID)
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrCapabilityNotFound, agentID)
	}
	if cred == nil {
		return false, nil
	}
	conn, err := g.conns.Get(g.connKey(card, cred))
	if err != nil {
		return false, fmt.Errorf("opening ledger connection: %w", err)
	}
	return conn.Authorizer.IsValidRequest(ctx, cred, card.Endpoint(), http.MethodPost)
}

// Close releases the gateway's ledger connections.
func (g *Gateway) Close() {
	g.conns.Close()
}

// start authorizes the call and starts its task. No executor runs unless
// authorization succeeded.
func (g *Gateway) start(ctx context.Context, cred *auth.Credential, agentID string, p MessageParams) (*task.Task, error) {
	card, exec, ok := g.registry.Lookup(agentID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrCapabilityNotFound, agentID)
	}
	if p.Message == nil || len(p.Message.Parts) == 0 {
		return nil, fmt.Errorf("%w: message with at least one part is required", ErrInvalidParams)
	}

	rc := &RequestContext{
		Credential: cred,
		Card:       card,
		TaskID:     p.Message.TaskID,
		ContextID:  p.Message.ContextID,
		Message:    p.Message,
		Metadata:   p.Metadata,
		Endpoint:   card.Endpoint(),
		Verb:       http.MethodPost,
		Settlement: g.settle,
	}
	hooks := newHookRun(g.hooks, g.logger)
	hooks.runBefore(ctx, rc)

	if cred == nil {
		err := fmt.Errorf("%w: missing credential", ErrUnauthorized)
		hooks.runOnError(ctx, rc, err)
		return nil, err
	}

	if err := g.checkTaskIDFree(rc.TaskID); err != nil {
		hooks.runOnError(ctx, rc, err)
		return nil, err
	}

	conn, err := g.conns.Get(g.connKey(card, cred))
	if err != nil {
		err = fmt.Errorf("opening ledger connection: %w", err)
		hooks.runOnError(ctx, rc, err)
		return nil, err
	}
	rc.conn = conn
	rc.Authorizer = conn.Authorizer

	req, err := conn.Authorizer.Authorize(ctx, cred, rc.Endpoint, rc.Verb)
	if err != nil {
		err = mapAuthError(err)
		hooks.runOnError(ctx, rc, err)
		return nil, err
	}
	rc.Request = req
	rc.Redemption = settlement.Resolve(card.Redemption(), g.cfg.Override)

	snap, err := g.tasks.Start(ctx, task.StartOptions{
		TaskID:    rc.TaskID,
		ContextID: rc.ContextID,
		Owner:     owner(cred),
		Message:   p.Message,
		Executor:  taskExecutor{exec: exec, rc: rc},
		Finalize:  g.finalizer(rc, hooks),
		Metadata:  map[string]any{MetaRequestID: req.RequestID},
	})
	if err != nil {
		err = fmt.Errorf("starting task: %w", mapTaskError(err))
		hooks.runOnError(ctx, rc, err)
		return nil, err
	}
	rc.TaskID = snap.ID
	rc.ContextID = snap.ContextID

	g.logger.InfoContext(ctx, "task started",
		"task_id", snap.ID,
		"agent_id", card.AgentID,
		"request_id", req.RequestID,
		"redemption", rc.Redemption.String(),
	)
	return snap, nil
}

// finalizer settles the call on its terminal event and attaches settlement
// metadata to the event.
func (g *Gateway) finalizer(rc *RequestContext, hooks *hookRun) task.Finalizer {
	return func(ctx context.Context, ev *task.Event) {
		usage := settlement.Usage{Outcome: settlement.Outcome(ev.Status.State)}
		if v, ok := task.MetaInt64(ev.Metadata, MetaCreditsUsed); ok {
			usage.CreditsUsed = &v
		}
		if v, ok := task.MetaFloat64(ev.Metadata, MetaRawCost); ok {
			usage.RawCost = &v
		}

		sctx, cancel := context.WithTimeout(ctx, g.cfg.SettleTimeout)
		res, err := g.settle.SettleFinal(sctx, rc.conn.Ledger, rc.Request, rc.Redemption, usage)
		cancel()

		ev.Metadata[MetaRequestID] = rc.Request.RequestID
		out := Outcome{State: ev.Status.State, Settlement: res}
		credits := rc.Redeemed()
		txRef := rc.partialTxRef()

		if err != nil {
			err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
			out.SettlementErr = err
			ev.Metadata[MetaSettlementError] = err.Error()
			g.logger.Error("settlement failed", "task_id", ev.TaskID, "request_id", rc.Request.RequestID, "error", err)
			hooks.runOnError(ctx, rc, err)
		} else if !res.Skipped {
			credits += res.Amount
			txRef = res.TxRef
		} else if m := rc.marginResult(); m != nil {
			// Redeemed during execution.
			credits += m.Amount
			txRef = m.TxRef
		}
		ev.Metadata[MetaCreditsUsed] = credits
		if txRef != "" {
			ev.Metadata[MetaTxRef] = txRef
		}

		if ev.Status.State == task.StateFailed {
			hooks.runOnError(ctx, rc, fmt.Errorf("%w: %s", ErrExecutionFailed, ev.Status.Message.Text()))
			return
		}
		hooks.runAfter(ctx, rc, out)
	}
}

func (g *Gateway) connKey(card capability.Card, cred *auth.Credential) ConnKey {
	return ConnKey{BaseURL: g.cfg.LedgerURL, AgentID: card.AgentID, PlanID: cred.PlanID()}
}

func (g *Gateway) checkOwner(cred *auth.Credential, taskID string) error {
	got, err := g.tasks.Owner(taskID)
	if err != nil {
		return mapTaskError(err)
	}
	if cred == nil || got != owner(cred) {
		// Tasks of other subscribers are reported as unknown.
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// checkTaskIDFree rejects a caller-supplied task id that already names a
// task, whoever owns it, so that no ledger request is opened for a call that
// cannot start. The answer is the same for every subscriber.
func (g *Gateway) checkTaskIDFree(taskID string) error {
	if taskID == "" {
		return nil
	}
	if _, err := g.tasks.Owner(taskID); errors.Is(err, task.ErrNotFound) {
		return nil
	}
	return fmt.Errorf("%w: task id already in use", ErrInvalidParams)
}

func owner(cred *auth.Credential) string {
	return strings.ToLower(cred.Subscriber())
}

func mapAuthError(err error) error {
	switch {
	case errors.Is(err, authorizer.ErrUnauthorized):
		return fmt.Errorf("%w: %w", ErrUnauthorized, err)
	case errors.Is(err, authorizer.ErrPaymentRequired):
		return fmt.Errorf("%w: %w", ErrPaymentRequired, err)
	}
	return err
}

func mapTaskError(err error) error {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrTaskNotFound, err)
	case errors.Is(err, task.ErrFlushed), errors.Is(err, task.ErrCursorExpired):
		return fmt.Errorf("%w: %w", ErrResubscribeUnsupported, err)
	case errors.Is(err, task.ErrNotCancelable):
		return fmt.Errorf("%w: %w", ErrTaskNotCancelable, err)
	case errors.Is(err, task.ErrDuplicateTask):
		return fmt.Errorf("%w: %w", ErrInvalidParams, err)
	}
	return err
}
