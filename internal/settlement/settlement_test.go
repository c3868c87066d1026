package settlement

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/metering"
	"github.com/golang-jwt/jwt/v5"
)

// --- Fakes ---

type fakeSettler struct {
	mu    sync.Mutex
	calls []ledger.SettleInput
	seen  map[string]string
	errs  []error // returned in order before succeeding
	delay time.Duration
}

func (f *fakeSettler) Settle(_ context.Context, in ledger.SettleInput) (*ledger.SettleResult, error) {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	if f.seen == nil {
		f.seen = map[string]string{}
	}
	if tx, dup := f.seen[in.Key()]; dup {
		return nil, &ledger.StatusError{StatusCode: 409, Code: "duplicate_redemption", TxRef: tx}
	}
	tx := "tx-" + in.Key()
	f.seen[in.Key()] = tx
	return &ledger.SettleResult{Success: true, TxRef: tx, Amount: in.Amount}, nil
}

func (f *fakeSettler) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type recordingJournal struct {
	mu   sync.Mutex
	recs []metering.Redemption
}

func (j *recordingJournal) Record(r metering.Redemption) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, r)
}

// --- Helpers ---

func testRequest() *ledger.AgentRequest {
	return &ledger.AgentRequest{
		RequestID:  "req-1",
		PlanID:     "plan-1",
		Subscriber: "0xABC",
		Balance:    ledger.Balance{Credits: 100, MinCreditsPerRequest: 2, MaxCreditsPerRequest: 20, IsSubscriber: true},
	}
}

func i64(v int64) *int64 { return &v }

func f64(v float64) *float64 { return &v }

func completed() Usage { return Usage{Outcome: OutcomeCompleted} }

func withCredits(v int64) Usage { return Usage{Outcome: OutcomeCompleted, CreditsUsed: i64(v)} }

func openRequest(t *testing.T, m *ledger.Memory) *ledger.AgentRequest {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "0xabc",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PlanID: "plan-1",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	req, err := m.Authorize(context.Background(), ledger.AuthorizeInput{Endpoint: "/a2a/x", Verb: "POST", Credential: token})
	if err != nil {
		t.Fatalf("opening request: %v", err)
	}
	return req
}

// --- Config tests ---

func TestNewConfig(t *testing.T) {
	tests := []struct {
		name    string
		pricing Pricing
		timing  Timing
		wantErr bool
		policy  string
	}{
		{"fixed immediate", Fixed{Credits: 10}, Immediate, false, "immediate"},
		{"fixed batch", Fixed{Credits: 10}, Batch, false, "batch"},
		{"dynamic batch", Dynamic{}, Batch, false, "batch"},
		{"margin immediate", Margin{Percent: 20}, Immediate, false, "margin"},
		{"margin batch rejected", Margin{Percent: 20}, Batch, true, ""},
		{"zero fixed rejected", Fixed{}, Immediate, true, ""},
		{"negative margin rejected", Margin{Percent: -1}, Immediate, true, ""},
		{"nil pricing rejected", nil, Immediate, true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfig(tt.pricing, tt.timing)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidConfig) {
					t.Fatalf("expected ErrInvalidConfig, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("NewConfig() error: %v", err)
			}
			if cfg.Policy() != tt.policy {
				t.Errorf("Policy() = %q, want %q", cfg.Policy(), tt.policy)
			}
		})
	}
}

func TestFromDescriptor(t *testing.T) {
	cfg, err := FromDescriptor(Descriptor{PaymentType: "fixed", Credits: 10})
	if err != nil || cfg.Pricing() != (Fixed{Credits: 10}) || cfg.Timing() != Immediate {
		t.Fatalf("unexpected fixed config %v, %v", cfg, err)
	}

	cfg, err = FromDescriptor(Descriptor{PaymentType: "dynamic", UseMargin: true, MarginPercent: 15})
	if err != nil || cfg.Pricing() != (Margin{Percent: 15}) {
		t.Fatalf("unexpected margin config %v, %v", cfg, err)
	}
	if d := cfg.Descriptor(); !d.UseMargin || d.MarginPercent != 15 {
		t.Errorf("Descriptor() lost margin: %+v", d)
	}

	for _, d := range []Descriptor{
		{PaymentType: "dynamic", UseMargin: true, UseBatch: true},
		{PaymentType: "subscription"},
		{},
	} {
		if _, err := FromDescriptor(d); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("FromDescriptor(%+v): expected ErrInvalidConfig, got %v", d, err)
		}
	}
}

func TestResolve_OverrideWins(t *testing.T) {
	declared := MustConfig(Fixed{Credits: 10}, Immediate)
	override := MustConfig(Dynamic{}, Batch)

	if got := Resolve(declared, &override); got != override {
		t.Errorf("expected override, got %v", got)
	}
	if got := Resolve(declared, nil); got != declared {
		t.Errorf("expected declared config without override, got %v", got)
	}
	if got := Resolve(declared, &Config{}); got != declared {
		t.Errorf("expected declared config for empty override, got %v", got)
	}
}

// --- Amount tests ---

func TestMarginAmount(t *testing.T) {
	tests := []struct {
		raw, pct float64
		want     int64
	}{
		{10, 10, 11},
		{10, 0, 10},
		{9.5, 20, 12},
		{1, 50, 2},
		{0.1, 0, 1},
		{0, 50, 0},
		{-3, 50, 0},
		{1e-12, 0, 1},
		{1e-10, 20, 1},
		{1e15, 0, 1e15},
		{1e19, 10, math.MaxInt64},
		{math.Inf(1), 0, math.MaxInt64},
		{math.NaN(), 10, 0},
	}
	for _, tt := range tests {
		if got := MarginAmount(tt.raw, tt.pct); got != tt.want {
			t.Errorf("MarginAmount(%v, %v) = %d, want %d", tt.raw, tt.pct, got, tt.want)
		}
	}
}

func TestAmount(t *testing.T) {
	b := Bounds{Min: 2, Max: 20}
	fixed := MustConfig(Fixed{Credits: 10}, Immediate)
	dynamic := MustConfig(Dynamic{}, Immediate)
	margin := MustConfig(Margin{Percent: 10}, Immediate)
	batch := MustConfig(Dynamic{}, Batch)

	tests := []struct {
		name    string
		cfg     Config
		usage   Usage
		want    int64
		wantDue bool
	}{
		{"fixed completed is exact", fixed, withCredits(3), 10, true},
		{"fixed failed", fixed, Usage{Outcome: OutcomeFailed}, 0, false},
		{"canceled", dynamic, Usage{Outcome: OutcomeCanceled, CreditsUsed: i64(5)}, 0, false},
		{"batch has no final", batch, withCredits(5), 0, false},
		{"dynamic within bounds", dynamic, withCredits(7), 7, true},
		{"dynamic below min", dynamic, withCredits(1), 2, true},
		{"dynamic above max", dynamic, withCredits(50), 20, true},
		{"dynamic missing figure clamps to min", dynamic, completed(), 2, true},
		{"dynamic failed with figure", dynamic, Usage{Outcome: OutcomeFailed, CreditsUsed: i64(4)}, 4, true},
		{"dynamic failed without figure", dynamic, Usage{Outcome: OutcomeFailed}, 0, false},
		{"margin applied", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(10)}, 11, true},
		{"margin raw above max", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(19)}, 20, true},
		{"margin raw at max before markup", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(20)}, 20, true},
		{"margin tiny raw clamps to min", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(0.5)}, 2, true},
		{"margin raw beyond int64 caps at max", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(1e19)}, 20, true},
		{"margin infinite raw caps at max", margin, Usage{Outcome: OutcomeCompleted, RawCost: f64(math.Inf(1))}, 20, true},
		{"dynamic saturated figure caps at max", dynamic, withCredits(math.MaxInt64), 20, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, due, _ := Amount(tt.cfg, b, tt.usage)
			if got != tt.want || due != tt.wantDue {
				t.Errorf("Amount() = %d, %v; want %d, %v", got, due, tt.want, tt.wantDue)
			}
		})
	}
}

func TestAmount_NoUpperBound(t *testing.T) {
	got, due, _ := Amount(MustConfig(Dynamic{}, Immediate), Bounds{Min: 1}, withCredits(500))
	if !due || got != 500 {
		t.Errorf("expected 500 with no max, got %d %v", got, due)
	}
}

// --- Engine tests ---

func TestEngine_SettleFinalOnce(t *testing.T) {
	fs := &fakeSettler{}
	j := &recordingJournal{}
	e := NewEngine(time.Hour)
	e.SetJournal(j)
	cfg := MustConfig(Fixed{Credits: 10}, Immediate)

	r1, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed())
	if err != nil {
		t.Fatalf("SettleFinal() error: %v", err)
	}
	r2, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed())
	if err != nil {
		t.Fatalf("second SettleFinal() error: %v", err)
	}

	if fs.callCount() != 1 {
		t.Fatalf("expected exactly one ledger call, got %d", fs.callCount())
	}
	if r1.TxRef != r2.TxRef || r1.Amount != 10 {
		t.Errorf("unexpected results %+v %+v", r1, r2)
	}
	if got := fs.calls[0]; got.RedemptionKey != "req-1" || got.Amount != 10 {
		t.Errorf("unexpected settle input %+v", got)
	}
	if len(j.recs) != 1 || j.recs[0].Kind != metering.KindFinal || j.recs[0].Subscriber != "0xabc" {
		t.Errorf("unexpected journal %+v", j.recs)
	}
}

func TestEngine_ConcurrentFinalsCoalesce(t *testing.T) {
	fs := &fakeSettler{delay: 20 * time.Millisecond}
	e := NewEngine(time.Hour)
	cfg := MustConfig(Dynamic{}, Immediate)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, withCredits(5)); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SettleFinal() error: %v", err)
	}

	if fs.callCount() != 1 {
		t.Errorf("expected one ledger call, got %d", fs.callCount())
	}
}

func TestEngine_FailedFinalMayBeRetried(t *testing.T) {
	fs := &fakeSettler{errs: []error{&ledger.StatusError{StatusCode: 422, Code: "insufficient_balance"}}}
	j := &recordingJournal{}
	e := NewEngine(time.Hour)
	e.SetJournal(j)
	cfg := MustConfig(Fixed{Credits: 10}, Immediate)

	_, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed())
	if !errors.Is(err, ErrFailed) || !errors.Is(err, ledger.ErrRejected) {
		t.Fatalf("expected settlement failure wrapping the ledger rejection, got %v", err)
	}

	r, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed())
	if err != nil || !r.Success {
		t.Fatalf("expected retry to succeed, got %+v, %v", r, err)
	}
	if fs.callCount() != 2 {
		t.Errorf("expected two ledger calls, got %d", fs.callCount())
	}
	if len(j.recs) != 2 || j.recs[0].Success || j.recs[0].Error == "" || !j.recs[1].Success {
		t.Errorf("expected failed then successful journal records, got %+v", j.recs)
	}
}

func TestEngine_DuplicateIsAlreadySettled(t *testing.T) {
	fs := &fakeSettler{seen: map[string]string{"req-1": "tx-original"}}
	e := NewEngine(time.Hour)

	r, err := e.SettleFinal(context.Background(), fs, testRequest(), MustConfig(Fixed{Credits: 10}, Immediate), completed())
	if err != nil {
		t.Fatalf("expected duplicate to be treated as settled, got %v", err)
	}
	if !r.Success || r.TxRef != "tx-original" {
		t.Errorf("unexpected result %+v", r)
	}
}

func TestEngine_CacheExpires(t *testing.T) {
	fs := &fakeSettler{}
	e := NewEngine(time.Minute)
	now := time.Now()
	e.now = func() time.Time { return now }
	cfg := MustConfig(Fixed{Credits: 10}, Immediate)

	if _, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed()); err != nil {
		t.Fatal(err)
	}
	now = now.Add(2 * time.Minute)

	// Past the TTL the ledger is asked again; its duplicate answer keeps the
	// redemption idempotent.
	r, err := e.SettleFinal(context.Background(), fs, testRequest(), cfg, completed())
	if err != nil || !r.Success || r.TxRef != "tx-req-1" {
		t.Fatalf("unexpected result %+v, %v", r, err)
	}
	if fs.callCount() != 2 {
		t.Errorf("expected a second ledger call after expiry, got %d", fs.callCount())
	}
}

func TestEngine_SkipsWhenNothingDue(t *testing.T) {
	fs := &fakeSettler{}
	e := NewEngine(time.Hour)

	r, err := e.SettleFinal(context.Background(), fs, testRequest(), MustConfig(Fixed{Credits: 10}, Immediate), Usage{Outcome: OutcomeCanceled})
	if err != nil || !r.Skipped || r.Reason != "canceled" {
		t.Fatalf("expected skipped result, got %+v, %v", r, err)
	}
	if fs.callCount() != 0 {
		t.Errorf("expected no ledger calls, got %d", fs.callCount())
	}
}

func TestEngine_RedeemPartial(t *testing.T) {
	fs := &fakeSettler{}
	j := &recordingJournal{}
	e := NewEngine(time.Hour)
	e.SetJournal(j)
	cfg := MustConfig(Dynamic{}, Batch)
	req := testRequest()

	var total int64
	for i, amount := range []int64{3, 4, 3} {
		r, err := e.RedeemPartial(context.Background(), fs, req, cfg, uint64(i+1), amount)
		if err != nil {
			t.Fatalf("RedeemPartial(%d) error: %v", amount, err)
		}
		total += r.Amount
	}
	if total != 10 || fs.callCount() != 3 {
		t.Errorf("expected 3 calls burning 10, got %d calls burning %d", fs.callCount(), total)
	}
	for i, in := range fs.calls {
		if in.RequestID != "req-1" || in.RedemptionKey != PartialKey("req-1", uint64(i+1)) {
			t.Errorf("partial %d: unexpected input %+v", i, in)
		}
	}

	if _, err := e.RedeemPartial(context.Background(), fs, req, cfg, 4, 0); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}

	r, err := e.SettleFinal(context.Background(), fs, req, cfg, withCredits(10))
	if err != nil || !r.Skipped {
		t.Errorf("expected batch final to be skipped, got %+v, %v", r, err)
	}
	if len(j.recs) != 3 || j.recs[0].Kind != metering.KindPartial || j.recs[0].Policy != "batch" {
		t.Errorf("unexpected journal %+v", j.recs)
	}
}

func TestEngine_RedeemMarginCountsAsFinal(t *testing.T) {
	fs := &fakeSettler{}
	e := NewEngine(time.Hour)
	cfg := MustConfig(Margin{Percent: 10}, Immediate)

	r, err := e.RedeemMargin(context.Background(), fs, testRequest(), cfg, 10)
	if err != nil || r.Amount != 11 {
		t.Fatalf("RedeemMargin() = %+v, %v", r, err)
	}

	r, err = e.SettleFinal(context.Background(), fs, testRequest(), cfg, Usage{Outcome: OutcomeCompleted, RawCost: f64(10)})
	if err != nil || r.Amount != 11 {
		t.Fatalf("SettleFinal() = %+v, %v", r, err)
	}
	if fs.callCount() != 1 {
		t.Errorf("expected margin redemption to be final, got %d calls", fs.callCount())
	}

	if _, err := e.RedeemMargin(context.Background(), fs, testRequest(), MustConfig(Dynamic{}, Immediate), 10); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for non-margin pricing, got %v", err)
	}
}

func TestEngine_AgainstMemoryLedgerIsIdempotent(t *testing.T) {
	m := ledger.NewMemory()
	m.AddPlan(ledger.Plan{ID: "plan-1", MinCreditsPerRequest: 1, MaxCreditsPerRequest: 20})
	m.Mint("plan-1", "0xabc", 15)

	// Requests have to exist on the ledger, so open one directly.
	req := openRequest(t, m)
	cfg := MustConfig(Fixed{Credits: 10}, Immediate)

	// Two engines simulate a restart that lost the final cache.
	for _, e := range []*Engine{NewEngine(time.Hour), NewEngine(time.Hour)} {
		if _, err := e.SettleFinal(context.Background(), m, req, cfg, completed()); err != nil {
			t.Fatalf("SettleFinal() error: %v", err)
		}
	}

	bal, _ := m.Balance(context.Background(), "plan-1", "0xabc")
	if bal.Credits != 5 {
		t.Errorf("expected 5 credits left, got %d", bal.Credits)
	}
}
