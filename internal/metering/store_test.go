package metering

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

// mockStore records all batches that were inserted.
type mockStore struct {
	mu       sync.Mutex
	batches  [][]Redemption
	insertFn func(ctx context.Context, recs []Redemption) error
}

func (m *mockStore) BatchInsert(ctx context.Context, recs []Redemption) error {
	if m.insertFn != nil {
		return m.insertFn(ctx, recs)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]Redemption, len(recs))
	copy(cp, recs)
	m.batches = append(m.batches, cp)
	return nil
}

func (m *mockStore) totalInserted() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func sampleRedemption(kind string, amount int64) Redemption {
	return Redemption{
		RequestID:     "req-1",
		RedemptionKey: "req-1",
		AgentID:       "agent-1",
		PlanID:        "plan-1",
		Subscriber:    "0xabc",
		Kind:          kind,
		Policy:        "immediate",
		Amount:        amount,
		Success:       true,
		Timestamp:     time.Now(),
	}
}

func TestCollector_RecordAddsToBuffer(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour) // large batch size, long interval

	c.Record(sampleRedemption(KindFinal, 10))
	c.Record(sampleRedemption(KindPartial, 3))

	c.mu.Lock()
	bufLen := len(c.buffer)
	c.mu.Unlock()

	if bufLen != 2 {
		t.Fatalf("expected buffer length 2, got %d", bufLen)
	}

	if ms.totalInserted() != 0 {
		t.Fatalf("expected 0 inserted before flush, got %d", ms.totalInserted())
	}
}

func TestCollector_RecordStampsTimestamp(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 1, time.Hour)

	c.Record(Redemption{RequestID: "req-1", Kind: KindFinal})

	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(ms.batches) != 1 || ms.batches[0][0].Timestamp.IsZero() {
		t.Fatalf("expected one stamped record, got %+v", ms.batches)
	}
}

func TestCollector_FlushOnBatchSize(t *testing.T) {
	tests := []struct {
		name      string
		batchSize int
		records   int
		wantFlush int // number of total records flushed
	}{
		{
			name:      "exact batch size triggers flush",
			batchSize: 3,
			records:   3,
			wantFlush: 3,
		},
		{
			name:      "under batch size does not flush",
			batchSize: 5,
			records:   3,
			wantFlush: 0,
		},
		{
			name:      "double batch size triggers two flushes",
			batchSize: 2,
			records:   4,
			wantFlush: 4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := &mockStore{}
			c := NewCollector(ms, tt.batchSize, time.Hour)

			for i := 0; i < tt.records; i++ {
				c.Record(sampleRedemption(KindPartial, 1))
			}

			got := ms.totalInserted()
			if got != tt.wantFlush {
				t.Errorf("expected %d flushed records, got %d", tt.wantFlush, got)
			}
		})
	}
}

func TestCollector_StopDoesFinalFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	c.Record(sampleRedemption(KindFinal, 10))
	c.Record(sampleRedemption(KindPartial, 3))
	c.Record(sampleRedemption(KindMargin, 7))

	c.Stop()
	c.Stop() // second Stop must not panic
	<-done

	got := ms.totalInserted()
	if got != 3 {
		t.Fatalf("expected 3 records after Stop, got %d", got)
	}
}

func TestCollector_TimerFlush(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 100, 50*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Start(ctx)

	c.Record(sampleRedemption(KindFinal, 10))

	// Wait for the flush interval to fire.
	time.Sleep(200 * time.Millisecond)

	got := ms.totalInserted()
	if got != 1 {
		t.Fatalf("expected 1 record after timer flush, got %d", got)
	}

	c.Stop()
}

func TestCollector_ConcurrentRecords(t *testing.T) {
	ms := &mockStore{}
	c := NewCollector(ms, 10, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		c.Start(ctx)
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Record(sampleRedemption(KindPartial, 1))
		}()
	}
	wg.Wait()

	c.Stop()
	<-done

	got := ms.totalInserted()
	if got != 50 {
		t.Fatalf("expected 50 records, got %d", got)
	}
}

type flushRecorder struct {
	mu      sync.Mutex
	buffer  int
	flushed int
	errs    int
}

func (f *flushRecorder) SetCollectorBuffer(n int) {
	f.mu.Lock()
	f.buffer = n
	f.mu.Unlock()
}

func (f *flushRecorder) RecordFlush(n int, err error, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err != nil {
		f.errs++
		return
	}
	f.flushed += n
}

func TestCollector_ReportsMetrics(t *testing.T) {
	calls := 0
	ms := &mockStore{insertFn: func(ctx context.Context, recs []Redemption) error {
		calls++
		if calls == 2 {
			return errors.New("db down")
		}
		return nil
	}}
	rec := &flushRecorder{}
	c := NewCollector(ms, 2, time.Hour)
	c.SetMetrics(rec)

	c.Record(sampleRedemption(KindFinal, 1))
	if rec.buffer != 1 {
		t.Errorf("expected buffer gauge 1, got %d", rec.buffer)
	}
	c.Record(sampleRedemption(KindFinal, 1)) // flush ok
	c.Record(sampleRedemption(KindFinal, 1))
	c.Record(sampleRedemption(KindFinal, 1)) // flush fails

	if rec.flushed != 2 || rec.errs != 1 || rec.buffer != 0 {
		t.Errorf("unexpected recorder state: %+v", rec)
	}
}

func TestLogInserter_KeepsRecentAndSummarizes(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogInserter(slog.New(slog.NewJSONHandler(&buf, nil)), 3)

	failed := sampleRedemption(KindFinal, 5)
	failed.Success = false
	failed.Error = "rejected"

	other := sampleRedemption(KindPartial, 4)
	other.PlanID = "plan-2"

	recs := []Redemption{
		sampleRedemption(KindPartial, 1),
		sampleRedemption(KindPartial, 3),
		failed,
		other,
	}
	if err := l.BatchInsert(context.Background(), recs); err != nil {
		t.Fatalf("BatchInsert() error: %v", err)
	}

	if got := len(l.Recent()); got != 3 {
		t.Fatalf("expected 3 retained records, got %d", got)
	}
	if !strings.Contains(buf.String(), `"redemption_key":"req-1"`) {
		t.Errorf("expected records to be logged, got %s", buf.String())
	}

	s := l.Summarize(Query{PlanID: "plan-1", Subscriber: "0xABC"})
	want := Summary{TotalRedemptions: 2, CreditsBurned: 3, SuccessCount: 1, ErrorCount: 1}
	if s != want {
		t.Errorf("Summarize() = %+v, want %+v", s, want)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 42, time.UTC)
	c := encodeCursor(ts, "3f2c")

	gotTS, gotID, err := decodeCursor(c)
	if err != nil {
		t.Fatalf("decodeCursor() error: %v", err)
	}
	if !gotTS.Equal(ts) || gotID != "3f2c" {
		t.Errorf("round trip mismatch: %v %q", gotTS, gotID)
	}

	if _, _, err := decodeCursor("!!"); err == nil {
		t.Error("expected error for garbage cursor")
	}
}

func TestBuildWhereClause(t *testing.T) {
	where, args := buildWhereClause(Query{PlanID: "plan-1", Subscriber: "0xABC"})
	if where != " WHERE plan_id = $1 AND subscriber = $2" {
		t.Errorf("unexpected where clause %q", where)
	}
	if len(args) != 2 || args[1] != "0xabc" {
		t.Errorf("unexpected args %v", args)
	}

	if where, args := buildWhereClause(Query{}); where != "" || args != nil {
		t.Errorf("expected empty clause, got %q %v", where, args)
	}
}

func TestLogInserter_ListPages(t *testing.T) {
	l := NewLogInserter(slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil)), 10)
	var recs []Redemption
	for i := int64(1); i <= 5; i++ {
		recs = append(recs, sampleRedemption(KindPartial, i))
	}
	other := sampleRedemption(KindFinal, 100)
	other.AgentID = "agent-2"
	recs = append(recs, other)
	if err := l.BatchInsert(context.Background(), recs); err != nil {
		t.Fatal(err)
	}

	q := Query{AgentID: "agent-1", Limit: 2}
	var amounts []int64
	for page := 0; page < 5; page++ {
		got, next, err := l.List(context.Background(), q)
		if err != nil {
			t.Fatalf("List() error: %v", err)
		}
		for _, r := range got {
			amounts = append(amounts, r.Amount)
		}
		if next == "" {
			break
		}
		q.Cursor = next
	}

	want := []int64{5, 4, 3, 2, 1}
	if len(amounts) != len(want) {
		t.Fatalf("expected %v, got %v", want, amounts)
	}
	for i := range want {
		if amounts[i] != want[i] {
			t.Fatalf("expected %v newest first, got %v", want, amounts)
		}
	}

	if _, _, err := l.List(context.Background(), Query{Cursor: "nope"}); err == nil {
		t.Error("expected an error for a malformed cursor")
	}

	s, err := l.GetSummary(context.Background(), Query{AgentID: "agent-2"})
	if err != nil || s.CreditsBurned != 100 {
		t.Errorf("GetSummary() = %+v, %v", s, err)
	}
}
