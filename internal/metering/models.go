package metering

import "time"

// Redemption kinds.
const (
	KindFinal   = "final"
	KindPartial = "partial"
	KindMargin  = "margin"
)

// Redemption is one settlement attempt against the ledger, successful or not.
type Redemption struct {
	ID            string    `json:"id"`
	RequestID     string    `json:"request_id"`
	RedemptionKey string    `json:"redemption_key"`
	AgentID       string    `json:"agent_id"`
	PlanID        string    `json:"plan_id"`
	Subscriber    string    `json:"subscriber"`
	Kind          string    `json:"kind"`
	Policy        string    `json:"policy"`
	Amount        int64     `json:"amount"`
	RawCost       float64   `json:"raw_cost,omitempty"`
	TxRef         string    `json:"tx_ref,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	LatencyMs     int64     `json:"latency_ms"`
}

// Summary holds aggregate figures for a set of redemptions.
type Summary struct {
	TotalRedemptions int64 `json:"total_redemptions"`
	CreditsBurned    int64 `json:"credits_burned"`
	SuccessCount     int64 `json:"success_count"`
	ErrorCount       int64 `json:"error_count"`
}

// Query defines filters and pagination for listing redemptions.
type Query struct {
	AgentID    string    `json:"agent_id,omitempty"`
	PlanID     string    `json:"plan_id,omitempty"`
	Subscriber string    `json:"subscriber,omitempty"`
	RequestID  string    `json:"request_id,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Cursor     string    `json:"cursor,omitempty"`
	Limit      int       `json:"limit"`
}
