// Package proxy implements the upstream executor, which forwards capability
// calls to a remote agent over HTTP.
package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/alecgard/creditgate/internal/task"
)

// Kind is the executor name capability cards select.
const Kind = "upstream"

// Headers exchanged with the upstream agent.
const (
	HeaderRequestID  = "X-Creditgate-Request-Id"
	HeaderSubscriber = "X-Creditgate-Subscriber"
	// HeaderCredits reports the credits a call consumed, for dynamic pricing.
	HeaderCredits = "X-Creditgate-Credits"
	// HeaderCost reports a call's raw cost, for margin pricing.
	HeaderCost = "X-Creditgate-Cost"
)

// MetricsRecorder is an optional interface for recording upstream calls.
type MetricsRecorder interface {
	ObserveUpstream(agentID, outcome string, d time.Duration)
}

// Request is the body POSTed to the upstream agent.
type Request struct {
	TaskID    string         `json:"taskId"`
	ContextID string         `json:"contextId,omitempty"`
	RequestID string         `json:"requestId,omitempty"`
	Message   *task.Message  `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the JSON body an upstream agent answers with. Any other content
// type is taken verbatim as the reply text.
type Response struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Executor forwards calls to one upstream agent.
type Executor struct {
	agentID         string
	endpoint        string
	upstream        capability.Upstream
	client          *http.Client
	maxResponseSize int64
	metrics         MetricsRecorder
}

// New builds the upstream executor for card. The endpoint template is resolved
// once here so a misconfigured card fails at startup.
func New(card capability.Card, timeout time.Duration, maxResponseSize int64) (*Executor, error) {
	if card.Upstream == nil || card.Upstream.Endpoint == "" {
		return nil, fmt.Errorf("capability %q: no upstream endpoint", card.AgentID)
	}
	endpoint, err := ResolveTemplate(card.Upstream.Endpoint, card.Upstream.Variables)
	if err != nil {
		return nil, fmt.Errorf("capability %q: %w", card.AgentID, err)
	}
	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("capability %q: upstream endpoint %q is not an http(s) URL", card.AgentID, endpoint)
	}
	switch card.Upstream.AuthType {
	case "", "none", "bearer", "header":
	default:
		return nil, fmt.Errorf("capability %q: unknown upstream auth type %q", card.AgentID, card.Upstream.AuthType)
	}
	return &Executor{
		agentID:         card.AgentID,
		endpoint:        endpoint,
		upstream:        *card.Upstream,
		client:          &http.Client{Timeout: timeout},
		maxResponseSize: maxResponseSize,
	}, nil
}

// SetMetrics sets the optional metrics recorder.
func (e *Executor) SetMetrics(m MetricsRecorder) {
	e.metrics = m
}

// Execute forwards the call and completes the task with the upstream reply.
// Non-2xx answers fail the task; transport errors are returned.
func (e *Executor) Execute(ctx context.Context, rc *gateway.RequestContext, bus *task.Bus) error {
	if err := bus.Working("forwarding to upstream agent", nil); err != nil {
		return err
	}

	payload := Request{
		TaskID:    rc.TaskID,
		ContextID: rc.ContextID,
		Message:   rc.Message,
		Metadata:  rc.Metadata,
	}
	if rc.Request != nil {
		payload.RequestID = rc.Request.RequestID
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding upstream request: %w", err)
	}

	outReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building upstream request: %w", err)
	}
	outReq.Header.Set("Content-Type", "application/json")
	outReq.Header.Set("Accept", "application/json, text/plain")
	if payload.RequestID != "" {
		outReq.Header.Set(HeaderRequestID, payload.RequestID)
	}
	if rc.Credential != nil {
		outReq.Header.Set(HeaderSubscriber, rc.Credential.Subscriber())
	}
	e.injectAuth(outReq)

	start := time.Now()
	resp, err := e.client.Do(outReq)
	latency := time.Since(start)
	if err != nil {
		e.observe(classifyUpstreamError(err), latency)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, e.maxResponseSize+1))
	if err != nil {
		e.observe(classifyUpstreamError(err), latency)
		return fmt.Errorf("reading upstream response: %w", err)
	}
	if int64(len(data)) > e.maxResponseSize {
		e.observe("too_large", latency)
		return bus.Fail(fmt.Sprintf("upstream response exceeds %d bytes", e.maxResponseSize), nil)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		e.observe(fmt.Sprintf("%dxx", resp.StatusCode/100), latency)
		return bus.Fail(fmt.Sprintf("upstream returned status %d", resp.StatusCode), nil)
	}
	e.observe("ok", latency)

	out := parseResponse(resp.Header.Get("Content-Type"), data)
	meta := make(map[string]any, len(out.Metadata)+2)
	for k, v := range out.Metadata {
		meta[k] = v
	}
	// Reported usage headers take precedence over the body's metadata.
	if v := resp.Header.Get(HeaderCredits); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
			meta[gateway.MetaCreditsUsed] = n
		}
	}
	if v := resp.Header.Get(HeaderCost); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			meta[gateway.MetaRawCost] = f
		}
	}
	return bus.Complete(out.Text, meta)
}

// Cancel is a no-op: cancellation aborts the in-flight upstream request
// through the execution context.
func (e *Executor) Cancel(context.Context, *gateway.RequestContext, *task.Bus) error { return nil }

func (e *Executor) injectAuth(req *http.Request) {
	switch e.upstream.AuthType {
	case "bearer":
		req.Header.Set("Authorization", "Bearer "+e.upstream.AuthConfig["key"])
	case "header":
		if name := e.upstream.AuthConfig["header_name"]; name != "" {
			req.Header.Set(name, e.upstream.AuthConfig["key"])
		}
	}
}

func (e *Executor) observe(outcome string, d time.Duration) {
	if e.metrics != nil {
		e.metrics.ObserveUpstream(e.agentID, outcome, d)
	}
}

func parseResponse(contentType string, data []byte) Response {
	if mt, _, err := mime.ParseMediaType(contentType); err == nil && mt == "application/json" {
		var r Response
		if err := json.Unmarshal(data, &r); err == nil {
			return r
		}
	}
	return Response{Text: strings.TrimSpace(string(data))}
}

// classifyUpstreamError categorizes an upstream HTTP client error.
func classifyUpstreamError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		if netErr.Op == "dial" {
			return "connection_refused"
		}
		return "network"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "dns"
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return "timeout"
	}
	return "other"
}
