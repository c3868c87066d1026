// Package executors provides the built-in capabilities a gateway can serve
// without external code: one per redemption strategy.
package executors

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/task"
)

// Kinds of built-in executors.
const (
	KindEcho      = "echo"
	KindWordCount = "wordcount"
	KindChunked   = "chunked"
	KindMetered   = "metered"
)

// Options tune the built-in executors.
type Options struct {
	// StepDelay is slept between published progress events.
	StepDelay time.Duration
	// ChunkWords is the number of words per chunk of the chunked executor.
	ChunkWords int
	// CreditsPerChunk is redeemed for every chunk the chunked executor emits.
	CreditsPerChunk int64
	// CostPerWord is the raw cost per word the metered executor reports.
	CostPerWord float64
}

func (o *Options) withDefaults() {
	if o.ChunkWords <= 0 {
		o.ChunkWords = 3
	}
	if o.CreditsPerChunk <= 0 {
		o.CreditsPerChunk = 1
	}
	if o.CostPerWord <= 0 {
		o.CostPerWord = 0.5
	}
}

// New returns the built-in executor of the given kind.
func New(kind string, opts Options) (gateway.Executor, error) {
	opts.withDefaults()
	switch kind {
	case KindEcho:
		return &Echo{opts: opts}, nil
	case KindWordCount:
		return &WordCount{opts: opts}, nil
	case KindChunked:
		return &Chunked{opts: opts}, nil
	case KindMetered:
		return &Metered{opts: opts}, nil
	}
	return nil, fmt.Errorf("unknown executor kind %q", kind)
}

// Kinds lists the built-in executor kinds.
func Kinds() []string {
	return []string{KindEcho, KindWordCount, KindChunked, KindMetered}
}

// Echo replies with the input text. It suits fixed pricing.
type Echo struct {
	opts Options
}

func (e *Echo) Execute(ctx context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	if err := bus.Working("echoing", nil); err != nil {
		return err
	}
	if err := sleep(ctx, e.opts.StepDelay); err != nil {
		return err
	}
	return bus.Complete(rc.Message.Text(), nil)
}

func (e *Echo) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

// WordCount counts the input's words and reports one credit per word. It
// suits dynamic pricing.
type WordCount struct {
	opts Options
}

func (w *WordCount) Execute(ctx context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	words := strings.Fields(rc.Message.Text())
	if len(words) == 0 {
		return bus.Fail("no words to count", nil)
	}
	if err := bus.Working("counting", nil); err != nil {
		return err
	}
	if err := sleep(ctx, w.opts.StepDelay); err != nil {
		return err
	}
	return bus.Complete(fmt.Sprintf("%d words", len(words)), map[string]any{
		gateway.MetaCreditsUsed: int64(len(words)),
	})
}

func (w *WordCount) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

// Chunked streams the input back in chunks and redeems credits for each chunk
// as it goes. It suits batch timing.
type Chunked struct {
	opts Options
}

func (c *Chunked) Execute(ctx context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	words := strings.Fields(rc.Message.Text())
	if len(words) == 0 {
		return bus.Fail("nothing to stream", nil)
	}
	chunks := 0
	for start := 0; start < len(words); start += c.opts.ChunkWords {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+c.opts.ChunkWords, len(words))
		if _, err := rc.RedeemPartial(ctx, c.opts.CreditsPerChunk); err != nil {
			return fmt.Errorf("redeeming chunk %d: %w", chunks+1, err)
		}
		chunks++
		if err := bus.Working(strings.Join(words[start:end], " "), nil); err != nil {
			return err
		}
		if err := sleep(ctx, c.opts.StepDelay); err != nil {
			return err
		}
	}
	return bus.Complete(fmt.Sprintf("streamed %d chunks", chunks), nil)
}

func (c *Chunked) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

// Metered measures a raw cost for the input and redeems it plus the
// configured margin before completing. It suits margin pricing.
type Metered struct {
	opts Options
}

func (m *Metered) Execute(ctx context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	words := strings.Fields(rc.Message.Text())
	if err := bus.Working("metering", nil); err != nil {
		return err
	}
	if err := sleep(ctx, m.opts.StepDelay); err != nil {
		return err
	}
	raw := float64(len(words)) * m.opts.CostPerWord
	if raw <= 0 {
		return bus.Fail("no measurable work", nil)
	}
	if _, err := rc.RedeemMargin(ctx, raw); err != nil {
		return fmt.Errorf("redeeming raw cost %v: %w", raw, err)
	}
	return bus.Complete(fmt.Sprintf("processed %d words", len(words)), map[string]any{
		gateway.MetaRawCost: raw,
	})
}

func (m *Metered) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
