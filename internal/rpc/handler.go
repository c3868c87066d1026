package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/task"
	"github.com/go-chi/chi/v5"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// Gateway is the pipeline the handler dispatches to.
type Gateway interface {
	Send(ctx context.Context, cred *auth.Credential, agentID string, p gateway.MessageParams) (*task.Task, error)
	Stream(ctx context.Context, cred *auth.Credential, agentID string, p gateway.MessageParams) (*task.Subscription, error)
	Resubscribe(ctx context.Context, cred *auth.Credential, taskID string, cursor *uint64) (*task.Subscription, error)
	Cancel(ctx context.Context, cred *auth.Credential, taskID string) (*task.Task, error)
	GetTask(ctx context.Context, cred *auth.Credential, taskID string) (*task.Task, error)
}

// MetricsRecorder is an optional interface for recording RPC traffic.
type MetricsRecorder interface {
	IncRPCRequests(method string, code int)
	IncActiveStreams()
	DecActiveStreams()
}

type messageParams struct {
	Message  *task.Message  `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type taskIDParams struct {
	ID string `json:"id"`
	// AfterSeq is the resume cursor of tasks/resubscribe.
	AfterSeq *uint64 `json:"afterSeq,omitempty"`
}

// Handler serves JSON-RPC on a capability endpoint.
type Handler struct {
	gw        Gateway
	logger    *slog.Logger
	metrics   MetricsRecorder
	keepAlive time.Duration
}

// NewHandler creates a Handler. keepAlive is the interval of SSE ping
// comments; zero disables them.
func NewHandler(gw Gateway, keepAlive time.Duration) *Handler {
	return &Handler{gw: gw, logger: slog.Default(), keepAlive: keepAlive}
}

// SetLogger sets the logger.
func (h *Handler) SetLogger(l *slog.Logger) { h.logger = l }

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) { h.metrics = m }

// ServeHTTP dispatches one JSON-RPC request. The capability is taken from the
// agentID route parameter and the credential from the request context.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		h.reply(w, "", http.StatusBadRequest, newError(nil, CodeParseError, "reading request body"))
		return
	}
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		h.reply(w, "", http.StatusBadRequest, newError(nil, CodeParseError, "invalid JSON"))
		return
	}
	if req.JSONRPC != Version || req.Method == "" {
		h.reply(w, "", http.StatusBadRequest, newError(req.ID, CodeInvalidRequest, "invalid JSON-RPC request"))
		return
	}

	agentID := chi.URLParam(r, "agentID")
	cred := auth.CredentialFromContext(r.Context())

	switch req.Method {
	case MethodSend:
		h.send(w, r, req, agentID, cred)
	case MethodStream:
		h.stream(w, r, req, agentID, cred)
	case MethodResubscribe:
		h.resubscribe(w, r, req, cred)
	case MethodCancel:
		h.taskCall(w, r, req, cred, h.gw.Cancel)
	case MethodGet:
		h.taskCall(w, r, req, cred, h.gw.GetTask)
	default:
		h.reply(w, "unknown", http.StatusOK, newError(req.ID, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method)))
	}
}

func (h *Handler) send(w http.ResponseWriter, r *http.Request, req Request, agentID string, cred *auth.Credential) {
	p, ok := h.messageParams(w, req)
	if !ok {
		return
	}
	snap, err := h.gw.Send(r.Context(), cred, agentID, p)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.reply(w, req.Method, http.StatusOK, newResult(req.ID, snap))
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, req Request, agentID string, cred *auth.Credential) {
	p, ok := h.messageParams(w, req)
	if !ok {
		return
	}
	sub, err := h.gw.Stream(r.Context(), cred, agentID, p)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.count(req.Method, 0)
	h.pump(r.Context(), w, req.ID, sub)
}

func (h *Handler) resubscribe(w http.ResponseWriter, r *http.Request, req Request, cred *auth.Credential) {
	var p taskIDParams
	if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
		h.reply(w, req.Method, http.StatusOK, newError(req.ID, CodeInvalidParams, "params.id is required"))
		return
	}
	cursor := p.AfterSeq
	if cursor == nil {
		if v := strings.TrimSpace(r.Header.Get("Last-Event-ID")); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				h.reply(w, req.Method, http.StatusOK, newError(req.ID, CodeInvalidParams, "Last-Event-ID must be a sequence number"))
				return
			}
			cursor = &n
		}
	}

	sub, err := h.gw.Resubscribe(r.Context(), cred, p.ID, cursor)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.count(req.Method, 0)
	h.pump(r.Context(), w, req.ID, sub)
}

func (h *Handler) taskCall(w http.ResponseWriter, r *http.Request, req Request, cred *auth.Credential,
	call func(context.Context, *auth.Credential, string) (*task.Task, error)) {
	var p taskIDParams
	if err := decodeParams(req.Params, &p); err != nil || p.ID == "" {
		h.reply(w, req.Method, http.StatusOK, newError(req.ID, CodeInvalidParams, "params.id is required"))
		return
	}
	snap, err := call(r.Context(), cred, p.ID)
	if err != nil {
		h.fail(w, req, err)
		return
	}
	h.reply(w, req.Method, http.StatusOK, newResult(req.ID, snap))
}

// pump relays subscription events as SSE frames until the terminal event,
// the subscription ends or the client goes away. The task itself is never
// canceled here.
//
// An event is acked once its frame has been flushed to the connection. A
// flushed frame can still be lost in transit, so a resubscribe without a
// Last-Event-ID or afterSeq cursor resumes on a best-effort basis; clients
// that must not miss events send their cursor.
func (h *Handler) pump(ctx context.Context, w http.ResponseWriter, id json.RawMessage, sub *task.Subscription) {
	defer sub.Close()
	if h.metrics != nil {
		h.metrics.IncActiveStreams()
		defer h.metrics.DecActiveStreams()
	}

	sse := newSSEWriter(w)

	var ping <-chan time.Time
	if h.keepAlive > 0 {
		t := time.NewTicker(h.keepAlive)
		defer t.Stop()
		ping = t.C
	}

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					_ = sse.frame(0, h.streamError(id, err))
				}
				return
			}
			if ev.Kind == task.KindError {
				_ = sse.frame(0, newError(id, CodeResubscribeNotAllowed, ev.Error))
				return
			}
			if err := sse.frame(ev.Seq, newResult(id, ev.Payload())); err != nil {
				h.logger.Debug("stream client gone", "task_id", ev.TaskID, "seq", ev.Seq, "error", err)
				return
			}
			sub.Ack(ev.Seq)
			if ev.Final {
				return
			}
		case <-ping:
			if err := sse.ping(); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) streamError(id json.RawMessage, err error) Response {
	if errors.Is(err, task.ErrCursorExpired) {
		return newError(id, CodeResubscribeNotAllowed, err.Error())
	}
	return newError(id, CodeInternalError, err.Error())
}

func (h *Handler) messageParams(w http.ResponseWriter, req Request) (gateway.MessageParams, bool) {
	var p messageParams
	if err := decodeParams(req.Params, &p); err != nil {
		h.reply(w, req.Method, http.StatusOK, newError(req.ID, CodeInvalidParams, err.Error()))
		return gateway.MessageParams{}, false
	}
	if p.Message == nil || len(p.Message.Parts) == 0 {
		h.reply(w, req.Method, http.StatusOK, newError(req.ID, CodeInvalidParams, "params.message with at least one part is required"))
		return gateway.MessageParams{}, false
	}
	if p.Message.Kind == "" {
		p.Message.Kind = "message"
	}
	return gateway.MessageParams{Message: p.Message, Metadata: p.Metadata}, true
}

func (h *Handler) fail(w http.ResponseWriter, req Request, err error) {
	rpcErr, status := errorFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("rpc call failed", "method", req.Method, "error", err)
	}
	h.reply(w, req.Method, status, Response{JSONRPC: Version, ID: nullID(req.ID), Error: rpcErr})
}

func (h *Handler) reply(w http.ResponseWriter, method string, status int, resp Response) {
	code := 0
	if resp.Error != nil {
		code = resp.Error.Code
	}
	h.count(method, code)
	writeResponse(w, status, resp)
}

func (h *Handler) count(method string, code int) {
	if h.metrics == nil {
		return
	}
	if method == "" {
		method = "unknown"
	}
	h.metrics.IncRPCRequests(method, code)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.New("params are required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("invalid params: %w", err)
	}
	return nil
}
