package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
)

// Outcome is what AfterRequest observes.
type Outcome struct {
	State      task.State
	Settlement *settlement.Result
	// SettlementErr is set when the final redemption failed.
	SettlementErr error
}

// Hooks observe a call's lifecycle. Each runs at most once per call. Hook
// errors and panics are logged and never change the call's result.
type Hooks struct {
	// BeforeRequest runs before authorization.
	BeforeRequest func(ctx context.Context, rc *RequestContext) error
	// AfterRequest runs once a completed or canceled task has been settled.
	AfterRequest func(ctx context.Context, rc *RequestContext, out Outcome) error
	// OnError runs when authorization, execution or settlement fails.
	OnError func(ctx context.Context, rc *RequestContext, err error) error
}

type hookRun struct {
	hooks  Hooks
	logger *slog.Logger

	before sync.Once
	after  sync.Once
	onErr  sync.Once
}

func newHookRun(h Hooks, logger *slog.Logger) *hookRun {
	return &hookRun{hooks: h, logger: logger}
}

func (h *hookRun) runBefore(ctx context.Context, rc *RequestContext) {
	if h.hooks.BeforeRequest == nil {
		return
	}
	h.before.Do(func() {
		h.call(ctx, "before_request", func() error { return h.hooks.BeforeRequest(ctx, rc) })
	})
}

func (h *hookRun) runAfter(ctx context.Context, rc *RequestContext, out Outcome) {
	if h.hooks.AfterRequest == nil {
		return
	}
	h.after.Do(func() {
		h.call(ctx, "after_request", func() error { return h.hooks.AfterRequest(ctx, rc, out) })
	})
}

func (h *hookRun) runOnError(ctx context.Context, rc *RequestContext, err error) {
	if h.hooks.OnError == nil {
		return
	}
	h.onErr.Do(func() {
		h.call(ctx, "on_error", func() error { return h.hooks.OnError(ctx, rc, err) })
	})
}

func (h *hookRun) call(ctx context.Context, name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.ErrorContext(ctx, "hook panicked", "hook", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		h.logger.WarnContext(ctx, "hook failed", "hook", name, "error", err)
	}
}
