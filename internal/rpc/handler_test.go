package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/ledger"
	"github.com/alecgard/creditgate/internal/settlement"
	"github.com/alecgard/creditgate/internal/task"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

type echoExecutor struct{}

func (echoExecutor) Execute(_ context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	if err := bus.Working("thinking", nil); err != nil {
		return err
	}
	return bus.Complete(rc.Message.Text(), nil)
}

func (echoExecutor) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

type testServer struct {
	srv   *httptest.Server
	mem   *ledger.Memory
	token string
}

func newTestServer(t *testing.T, credits int64) *testServer {
	t.Helper()
	mem := ledger.NewMemory()
	mem.AddPlan(ledger.Plan{ID: "plan-1"})
	mem.Mint("plan-1", "0xabc", credits)

	reg := gateway.NewRegistry()
	if err := reg.Register(capability.Card{AgentID: "echo", Payment: capability.PaymentDescriptor{
		PaymentType: "fixed", Credits: 2, PlanID: "plan-1",
	}}, echoExecutor{}); err != nil {
		t.Fatal(err)
	}
	tasks := task.NewEngine(task.Options{})
	t.Cleanup(tasks.Stop)
	gw := gateway.New(reg, gateway.NewConnCache(gateway.SharedDialer(mem), time.Minute, 4), tasks, settlement.NewEngine(time.Hour), gateway.Config{})

	r := chi.NewRouter()
	r.With(auth.CredentialMiddleware(nil, WriteAuthError)).Post("/a2a/{agentID}", NewHandler(gw, 0).ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)

	return &testServer{srv: srv, mem: mem, token: signToken(t, "0xabc", "plan-1")}
}

func signToken(t *testing.T, subject, planID string) string {
	t.Helper()
	claims := auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		PlanID: planID,
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func (s *testServer) call(t *testing.T, token, body string, header http.Header) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/a2a/echo", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type rpcReply struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

func decodeReply(t *testing.T, resp *http.Response) rpcReply {
	t.Helper()
	var r rpcReply
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		t.Fatalf("decoding reply: %v", err)
	}
	return r
}

type sseFrame struct {
	id    uint64
	reply rpcReply
}

func readFrames(t *testing.T, resp *http.Response) []sseFrame {
	t.Helper()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected an event stream, got %q", ct)
	}
	var frames []sseFrame
	var cur sseFrame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			n, err := strconv.ParseUint(strings.TrimPrefix(line, "id: "), 10, 64)
			if err != nil {
				t.Fatalf("bad id line %q", line)
			}
			cur.id = n
		case strings.HasPrefix(line, "data: "):
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &cur.reply); err != nil {
				t.Fatalf("bad data line %q: %v", line, err)
			}
		case line == "":
			frames = append(frames, cur)
			cur = sseFrame{}
		}
	}
	return frames
}

func message(method, text string) string {
	return fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":%q,"params":{"message":{"role":"user","parts":[{"kind":"text","text":%q}]}}}`, method, text)
}

func TestSend_ReturnsSettledTask(t *testing.T) {
	s := newTestServer(t, 10)
	resp := s.call(t, s.token, message(MethodSend, "hello"), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	r := decodeReply(t, resp)
	if r.Error != nil {
		t.Fatalf("unexpected error: %+v", r.Error)
	}
	var snap task.Task
	if err := json.Unmarshal(r.Result, &snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status.State != task.StateCompleted {
		t.Errorf("expected completed, got %s", snap.Status.State)
	}
	if v, _ := task.MetaInt64(snap.Metadata, gateway.MetaCreditsUsed); v != 2 {
		t.Errorf("expected creditsUsed 2, got %v", snap.Metadata)
	}
	if string(r.ID) != "1" {
		t.Errorf("expected id 1 echoed, got %s", r.ID)
	}
}

func TestSend_AuthErrors(t *testing.T) {
	t.Run("missing credential", func(t *testing.T) {
		s := newTestServer(t, 10)
		resp := s.call(t, "", message(MethodSend, "hi"), nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", resp.StatusCode)
		}
		if r := decodeReply(t, resp); r.Error == nil || r.Error.Code != CodeUnauthorized {
			t.Errorf("expected code %d, got %+v", CodeUnauthorized, r.Error)
		}
	})
	t.Run("no balance", func(t *testing.T) {
		s := newTestServer(t, 0)
		resp := s.call(t, s.token, message(MethodSend, "hi"), nil)
		if resp.StatusCode != http.StatusPaymentRequired {
			t.Fatalf("expected 402, got %d", resp.StatusCode)
		}
		if r := decodeReply(t, resp); r.Error == nil || r.Error.Code != CodePaymentRequired {
			t.Errorf("expected code %d, got %+v", CodePaymentRequired, r.Error)
		}
	})
}

func TestProtocolErrors(t *testing.T) {
	s := newTestServer(t, 10)
	tests := []struct {
		name string
		body string
		code int
	}{
		{"parse error", `{not json`, CodeParseError},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"message/send"}`, CodeInvalidRequest},
		{"unknown method", `{"jsonrpc":"2.0","id":1,"method":"tasks/teleport","params":{}}`, CodeMethodNotFound},
		{"missing message", `{"jsonrpc":"2.0","id":1,"method":"message/send","params":{}}`, CodeInvalidParams},
		{"missing task id", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{}}`, CodeInvalidParams},
		{"unknown task", `{"jsonrpc":"2.0","id":1,"method":"tasks/get","params":{"id":"nope"}}`, CodeTaskNotFound},
		{"resubscribe unknown", `{"jsonrpc":"2.0","id":1,"method":"tasks/resubscribe","params":{"id":"nope"}}`, CodeTaskNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := decodeReply(t, s.call(t, s.token, tt.body, nil))
			if r.Error == nil || r.Error.Code != tt.code {
				t.Errorf("expected code %d, got %+v", tt.code, r.Error)
			}
		})
	}
}

func TestStream_FramesInOrderAndResubscribe(t *testing.T) {
	s := newTestServer(t, 10)
	frames := readFrames(t, s.call(t, s.token, message(MethodStream, "hi"), nil))
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	for i, f := range frames {
		if f.id != uint64(i+1) {
			t.Errorf("frame %d: expected id %d, got %d", i, i+1, f.id)
		}
	}

	var final task.StatusUpdate
	if err := json.Unmarshal(frames[2].reply.Result, &final); err != nil {
		t.Fatal(err)
	}
	if !final.Final || final.Status.State != task.StateCompleted {
		t.Fatalf("expected final completed frame, got %+v", final)
	}
	if final.Metadata[gateway.MetaTxRef] == nil {
		t.Error("expected txRef on the final frame")
	}

	var first task.Task
	if err := json.Unmarshal(frames[0].reply.Result, &first); err != nil {
		t.Fatal(err)
	}

	t.Run("afterSeq", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":2,"method":"tasks/resubscribe","params":{"id":%q,"afterSeq":1}}`, first.ID)
		got := readFrames(t, s.call(t, s.token, body, nil))
		if len(got) != 2 || got[0].id != 2 || got[1].id != 3 {
			t.Fatalf("expected frames 2 and 3, got %+v", got)
		}
	})

	t.Run("Last-Event-ID", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":3,"method":"tasks/resubscribe","params":{"id":%q}}`, first.ID)
		got := readFrames(t, s.call(t, s.token, body, http.Header{"Last-Event-Id": {"2"}}))
		if len(got) != 1 || got[0].id != 3 {
			t.Fatalf("expected frame 3 only, got %+v", got)
		}
	})

	t.Run("fully delivered yields final once", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":4,"method":"tasks/resubscribe","params":{"id":%q}}`, first.ID)
		got := readFrames(t, s.call(t, s.token, body, nil))
		if len(got) != 1 || got[0].id != 3 {
			t.Fatalf("expected the final frame once, got %+v", got)
		}
	})

	t.Run("cancel finished task", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":5,"method":"tasks/cancel","params":{"id":%q}}`, first.ID)
		r := decodeReply(t, s.call(t, s.token, body, nil))
		if r.Error == nil || r.Error.Code != CodeTaskNotCancelable {
			t.Errorf("expected code %d, got %+v", CodeTaskNotCancelable, r.Error)
		}
	})

	t.Run("get", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":6,"method":"tasks/get","params":{"id":%q}}`, first.ID)
		r := decodeReply(t, s.call(t, s.token, body, nil))
		if r.Error != nil {
			t.Fatalf("unexpected error: %+v", r.Error)
		}
	})

	t.Run("other subscriber", func(t *testing.T) {
		body := fmt.Sprintf(`{"jsonrpc":"2.0","id":7,"method":"tasks/get","params":{"id":%q}}`, first.ID)
		r := decodeReply(t, s.call(t, signToken(t, "0xdef", "plan-1"), body, nil))
		if r.Error == nil || r.Error.Code != CodeTaskNotFound {
			t.Errorf("expected code %d, got %+v", CodeTaskNotFound, r.Error)
		}
	})

	if got := s.mem.SettleCalls(); got != 1 {
		t.Errorf("expected a single redemption, got %d", got)
	}
}

func TestErrorFor(t *testing.T) {
	tests := []struct {
		err    error
		code   int
		status int
	}{
		{gateway.ErrUnauthorized, CodeUnauthorized, http.StatusUnauthorized},
		{gateway.ErrPaymentRequired, CodePaymentRequired, http.StatusPaymentRequired},
		{fmt.Errorf("x: %w", gateway.ErrTaskNotFound), CodeTaskNotFound, http.StatusOK},
		{gateway.ErrTaskNotCancelable, CodeTaskNotCancelable, http.StatusOK},
		{gateway.ErrResubscribeUnsupported, CodeResubscribeNotAllowed, http.StatusOK},
		{gateway.ErrCapabilityNotFound, CodeMethodNotFound, http.StatusNotFound},
		{fmt.Errorf("boom"), CodeInternalError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		e, status := errorFor(tt.err)
		if e.Code != tt.code || status != tt.status {
			t.Errorf("errorFor(%v) = %d/%d, want %d/%d", tt.err, e.Code, status, tt.code, tt.status)
		}
	}
}

func TestWriteRateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	WriteRateLimited(w, httptest.NewRequest(http.MethodPost, "/a2a/echo", nil), 1500*time.Millisecond)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	var resp struct {
		Error struct {
			Code int              `json:"code"`
			Data map[string]int64 `json:"data"`
		} `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatal(err)
	}
	if resp.Error.Code != CodeRateLimited || resp.Error.Data["retryAfterMs"] != 1500 {
		t.Errorf("unexpected error: %+v", resp.Error)
	}
}

type doneExecutor struct{}

func (doneExecutor) Execute(_ context.Context, bus *task.Bus) error { return bus.Complete("done", nil) }

func (doneExecutor) Cancel(context.Context, *task.Bus) error { return nil }

// brokenFlusher accepts writes into its buffer but fails every flush.
type brokenFlusher struct {
	*httptest.ResponseRecorder
}

func (brokenFlusher) FlushError() error { return errors.New("connection reset") }

func TestPump_AcksOnlyFlushedFrames(t *testing.T) {
	tasks := task.NewEngine(task.Options{})
	t.Cleanup(tasks.Stop)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	snap, err := tasks.Start(ctx, task.StartOptions{Executor: doneExecutor{}, Message: task.TextMessage("user", "hi")})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := tasks.Wait(ctx, snap.ID); err != nil {
		t.Fatal(err)
	}
	h := NewHandler(nil, 0)

	sub, err := tasks.Subscribe(snap.ID)
	if err != nil {
		t.Fatal(err)
	}
	h.pump(ctx, brokenFlusher{httptest.NewRecorder()}, json.RawMessage("1"), sub)
	if got := sub.Acked(); got != 0 {
		t.Fatalf("expected nothing acked after a failed flush, got %d", got)
	}

	resumed, err := tasks.Resubscribe(snap.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	h.pump(ctx, w, json.RawMessage("2"), resumed)
	if !strings.HasPrefix(w.Body.String(), "id: 1\n") {
		t.Errorf("expected the resumed stream to start at event 1, got %q", w.Body.String())
	}
	if got := resumed.Acked(); got < 2 {
		t.Errorf("expected flushed events to be acked, got %d", got)
	}
}
