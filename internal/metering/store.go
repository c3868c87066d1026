package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists the redemption journal in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of redemptions in a single multi-row INSERT
// statement. It is a no-op when recs is empty.
func (s *Store) BatchInsert(ctx context.Context, recs []Redemption) error {
	if len(recs) == 0 {
		return nil
	}

	const cols = 14 // number of columns per row (excluding server-generated id)
	args := make([]any, 0, len(recs)*cols)
	rows := make([]string, 0, len(recs))

	for i, r := range recs {
		base := i * cols
		placeholders := make([]string, cols)
		for j := range placeholders {
			placeholders[j] = "$" + strconv.Itoa(base+j+1)
		}
		rows = append(rows, "("+strings.Join(placeholders, ", ")+")")
		args = append(args,
			r.RequestID,
			r.RedemptionKey,
			r.AgentID,
			r.PlanID,
			r.Subscriber,
			r.Kind,
			r.Policy,
			r.Amount,
			r.RawCost,
			r.TxRef,
			r.Success,
			r.Error,
			r.Timestamp,
			r.LatencyMs,
		)
	}

	query := `INSERT INTO redemptions
		(request_id, redemption_key, agent_id, plan_id, subscriber, kind, policy,
		 amount, raw_cost, tx_ref, success, error, timestamp, latency_ms)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting redemptions: %w", err)
	}

	return nil
}

// GetSummary returns aggregate figures for redemptions matching the query.
func (s *Store) GetSummary(ctx context.Context, q Query) (*Summary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN success THEN amount ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN success THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN NOT success THEN 1 ELSE 0 END), 0)
	FROM redemptions` + where

	var summary Summary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalRedemptions,
		&summary.CreditsBurned,
		&summary.SuccessCount,
		&summary.ErrorCount,
	)
	if err != nil {
		return nil, fmt.Errorf("querying redemption summary: %w", err)
	}

	return &summary, nil
}

// List returns a page of redemptions matching the query, ordered by
// timestamp DESC, id DESC, and the cursor of the next page ("" when done).
func (s *Store) List(ctx context.Context, q Query) ([]*Redemption, string, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "timestamp|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (timestamp, id) < ($%d, $%d::uuid)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id::text, request_id, redemption_key, agent_id, plan_id, subscriber,
		kind, policy, amount, raw_cost, tx_ref, success, error, timestamp, latency_ms
	FROM redemptions` + where +
		` ORDER BY timestamp DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // one extra row tells us whether there is a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing redemptions: %w", err)
	}
	defer rows.Close()

	var recs []*Redemption
	for rows.Next() {
		var r Redemption
		if err := rows.Scan(
			&r.ID, &r.RequestID, &r.RedemptionKey, &r.AgentID, &r.PlanID, &r.Subscriber,
			&r.Kind, &r.Policy, &r.Amount, &r.RawCost, &r.TxRef, &r.Success, &r.Error,
			&r.Timestamp, &r.LatencyMs,
		); err != nil {
			return nil, "", fmt.Errorf("scanning redemption row: %w", err)
		}
		recs = append(recs, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating redemption rows: %w", err)
	}

	var nextCursor string
	if len(recs) > limit {
		last := recs[limit-1]
		nextCursor = encodeCursor(last.Timestamp, last.ID)
		recs = recs[:limit]
	}

	return recs, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// Query. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	eq := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	eq("agent_id", q.AgentID)
	eq("plan_id", q.PlanID)
	eq("subscriber", strings.ToLower(q.Subscriber))
	eq("request_id", q.RequestID)

	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("timestamp <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
