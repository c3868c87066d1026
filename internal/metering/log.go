package metering

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
)

// LogInserter writes journal batches to a structured logger and keeps the most
// recent records in memory. It is used when no database is configured.
type LogInserter struct {
	logger *slog.Logger
	keep   int

	mu     sync.Mutex
	recent []Redemption
}

// NewLogInserter creates a LogInserter keeping up to keep recent records.
func NewLogInserter(logger *slog.Logger, keep int) *LogInserter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogInserter{logger: logger, keep: keep}
}

// BatchInsert logs every record in the batch.
func (l *LogInserter) BatchInsert(ctx context.Context, recs []Redemption) error {
	for _, r := range recs {
		l.logger.LogAttrs(ctx, slog.LevelInfo, "redemption",
			slog.String("request_id", r.RequestID),
			slog.String("redemption_key", r.RedemptionKey),
			slog.String("plan_id", r.PlanID),
			slog.String("subscriber", r.Subscriber),
			slog.String("kind", r.Kind),
			slog.Int64("amount", r.Amount),
			slog.Bool("success", r.Success),
			slog.String("tx_ref", r.TxRef),
			slog.String("error", r.Error),
		)
	}

	if l.keep <= 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append(l.recent, recs...)
	if over := len(l.recent) - l.keep; over > 0 {
		l.recent = append([]Redemption(nil), l.recent[over:]...)
	}
	return nil
}

// Recent returns the retained records, newest last.
func (l *LogInserter) Recent() []Redemption {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Redemption, len(l.recent))
	copy(out, l.recent)
	return out
}

// Summarize aggregates the retained records matching q.
func (l *LogInserter) Summarize(q Query) Summary {
	var s Summary
	for _, r := range l.Recent() {
		if !q.matches(r) {
			continue
		}
		s.TotalRedemptions++
		if r.Success {
			s.SuccessCount++
			s.CreditsBurned += r.Amount
		} else {
			s.ErrorCount++
		}
	}
	return s
}

// GetSummary is Summarize with the Store's signature.
func (l *LogInserter) GetSummary(_ context.Context, q Query) (*Summary, error) {
	s := l.Summarize(q)
	return &s, nil
}

// List returns a page of retained records matching q, newest first. The
// cursor is an offset into the filtered records.
func (l *LogInserter) List(_ context.Context, q Query) ([]*Redemption, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := 0
	if q.Cursor != "" {
		n, err := strconv.Atoi(q.Cursor)
		if err != nil || n < 0 {
			return nil, "", fmt.Errorf("invalid cursor: %q", q.Cursor)
		}
		offset = n
	}

	recent := l.Recent()
	var out []*Redemption
	skipped := 0
	for i := len(recent) - 1; i >= 0; i-- {
		r := recent[i]
		if !q.matches(r) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(out) == limit {
			return out, strconv.Itoa(offset + limit), nil
		}
		out = append(out, &r)
	}
	return out, "", nil
}

func (q Query) matches(r Redemption) bool {
	switch {
	case q.AgentID != "" && q.AgentID != r.AgentID:
		return false
	case q.PlanID != "" && q.PlanID != r.PlanID:
		return false
	case q.RequestID != "" && q.RequestID != r.RequestID:
		return false
	case q.Subscriber != "" && !strings.EqualFold(q.Subscriber, r.Subscriber):
		return false
	case !q.From.IsZero() && r.Timestamp.Before(q.From):
		return false
	case !q.To.IsZero() && r.Timestamp.After(q.To):
		return false
	}
	return true
}
