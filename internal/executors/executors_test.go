package executors

import (
	"context"
	"testing"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
	"github.com/golang-jwt/jwt/v5"
)

func newGateway(t *testing.T, credits int64) (*gateway.Gateway, *gateway.Registry, *ledger.Memory, *auth.Credential) {
	t.Helper()
	mem := ledger.NewMemory()
	mem.AddPlan(ledger.Plan{ID: "plan-1"})
	mem.Mint("plan-1", "0xabc", credits)

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
	cred, err := auth.Decode(token, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	reg := gateway.NewRegistry()
	tasks := task.NewEngine(task.Options{})
	t.Cleanup(tasks.Stop)
	gw := gateway.New(reg, gateway.NewConnCache(gateway.SharedDialer(mem), time.Minute, 4), tasks, settlement.NewEngine(time.Hour), gateway.Config{})
	return gw, reg, mem, cred
}

func mustNew(t *testing.T, kind string, opts Options) gateway.Executor {
	t.Helper()
	exec, err := New(kind, opts)
	if err != nil {
		t.Fatal(err)
	}
	return exec
}

func run(t *testing.T, gw *gateway.Gateway, cred *auth.Credential, agentID, text string) *task.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := gw.Send(ctx, cred, agentID, gateway.MessageParams{Message: task.TextMessage("user", text)})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	return snap
}

func balance(t *testing.T, mem *ledger.Memory) int64 {
	t.Helper()
	b, err := mem.Balance(context.Background(), "plan-1", "0xabc")
	if err != nil {
		t.Fatal(err)
	}
	return b.Credits
}

func TestNew_UnknownKind(t *testing.T) {
	if _, err := New("teleport", Options{}); err == nil {
		t.Fatal("expected error for unknown kind")
	}
	for _, k := range Kinds() {
		if _, err := New(k, Options{}); err != nil {
			t.Errorf("New(%q): %v", k, err)
		}
	}
}

func TestEcho_Fixed(t *testing.T) {
	gw, reg, mem, cred := newGateway(t, 10)
	reg.Register(capability.Card{AgentID: "echo", Payment: capability.PaymentDescriptor{
		PaymentType: "fixed", Credits: 2, PlanID: "plan-1",
	}}, mustNew(t, KindEcho, Options{}))

	snap := run(t, gw, cred, "echo", "ping")
	if snap.Status.State != task.StateCompleted || snap.Status.Message.Text() != "ping" {
		t.Fatalf("unexpected final status: %+v", snap.Status)
	}
	if got := balance(t, mem); got != 8 {
		t.Errorf("expected balance 8, got %d", got)
	}
}

func TestWordCount_Dynamic(t *testing.T) {
	gw, reg, mem, cred := newGateway(t, 10)
	reg.Register(capability.Card{AgentID: "count", Payment: capability.PaymentDescriptor{
		PaymentType: "dynamic", PlanID: "plan-1",
	}}, mustNew(t, KindWordCount, Options{}))

	snap := run(t, gw, cred, "count", "one two three four")
	if v, _ := task.MetaInt64(snap.Metadata, gateway.MetaCreditsUsed); v != 4 {
		t.Errorf("expected creditsUsed 4, got %v", snap.Metadata)
	}
	if got := balance(t, mem); got != 6 {
		t.Errorf("expected balance 6, got %d", got)
	}

	snap = run(t, gw, cred, "count", "   ")
	if snap.Status.State != task.StateFailed {
		t.Errorf("expected empty input to fail, got %s", snap.Status.State)
	}
	if got := balance(t, mem); got != 6 {
		t.Errorf("expected failed call to be free, got balance %d", got)
	}
}

func TestChunked_Batch(t *testing.T) {
	gw, reg, mem, cred := newGateway(t, 10)
	reg.Register(capability.Card{AgentID: "chunks", Payment: capability.PaymentDescriptor{
		PaymentType: "dynamic", PlanID: "plan-1",
		RedemptionConfig: &capability.RedemptionConfig{UseBatch: true},
	}}, mustNew(t, KindChunked, Options{ChunkWords: 2, CreditsPerChunk: 2}))

	snap := run(t, gw, cred, "chunks", "a b c d e")
	if snap.Status.State != task.StateCompleted {
		t.Fatalf("expected completed, got %s", snap.Status.State)
	}
	if v, _ := task.MetaInt64(snap.Metadata, gateway.MetaCreditsUsed); v != 6 {
		t.Errorf("expected creditsUsed 6, got %v", snap.Metadata)
	}
	if got := balance(t, mem); got != 4 {
		t.Errorf("expected balance 4, got %d", got)
	}
	if got := mem.SettleCalls(); got != 3 {
		t.Errorf("expected 3 partial redemptions, got %d", got)
	}
}

func TestMetered_Margin(t *testing.T) {
	gw, reg, mem, cred := newGateway(t, 20)
	reg.Register(capability.Card{AgentID: "metered", Payment: capability.PaymentDescriptor{
		PaymentType: "dynamic", PlanID: "plan-1",
		RedemptionConfig: &capability.RedemptionConfig{UseMargin: true, MarginPercent: 10},
	}}, mustNew(t, KindMetered, Options{CostPerWord: 2.5}))

	// 4 words * 2.5 = 10 raw, plus 10% = 11.
	snap := run(t, gw, cred, "metered", "w x y z")
	if v, _ := task.MetaInt64(snap.Metadata, gateway.MetaCreditsUsed); v != 11 {
		t.Errorf("expected creditsUsed 11, got %v", snap.Metadata)
	}
	if got := balance(t, mem); got != 9 {
		t.Errorf("expected balance 9, got %d", got)
	}
	if got := mem.SettleCalls(); got != 1 {
		t.Errorf("expected a single redemption, got %d", got)
	}
}

func TestSleep_HonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleep(ctx, time.Hour); err == nil {
		t.Fatal("expected canceled context error")
	}
	if err := sleep(context.Background(), 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
