package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/alecgard/creditgate/internal/capability"
	"github.com/alecgard/creditgate/internal/gateway"
	"github.com/go-chi/chi/v5"
)

// capabilitiesHandler serves capability cards and access checks.
type capabilitiesHandler struct {
	caps      Capabilities
	publicURL string
}

func newCapabilitiesHandler(caps Capabilities, publicURL string) *capabilitiesHandler {
	return &capabilitiesHandler{caps: caps, publicURL: strings.TrimRight(publicURL, "/")}
}

// baseURL is the configured public URL, or the one the request came in on.
func (h *capabilitiesHandler) baseURL(r *http.Request) string {
	return publicBase(h.publicURL, r)
}

func publicBase(configured string, r *http.Request) string {
	if configured != "" {
		return strings.TrimRight(configured, "/")
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p == "http" || p == "https" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

// present fills in the fields a card only has once it is served.
func present(card capability.Card, base string) capability.Card {
	card.URL = base + card.Endpoint()
	card.Streaming = true
	return card
}

// ListCards handles GET /a2a.
func (h *capabilitiesHandler) ListCards(w http.ResponseWriter, r *http.Request) {
	if h.caps == nil {
		writeJSON(w, http.StatusOK, map[string]any{"capabilities": []capability.Card{}})
		return
	}
	base := h.baseURL(r)
	cards := h.caps.Cards()
	for i := range cards {
		cards[i] = present(cards[i], base)
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": cards})
}

// GetCard handles GET /a2a/{agentID}/card.
func (h *capabilitiesHandler) GetCard(w http.ResponseWriter, r *http.Request) {
	card, ok := h.lookup(w, chi.URLParam(r, "agentID"))
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, present(card, h.baseURL(r)))
}

type accessResponse struct {
	AgentID    string `json:"agentId"`
	PlanID     string `json:"planId"`
	Subscriber string `json:"subscriber"`
	Allowed    bool   `json:"allowed"`
}

// CheckAccess handles GET /a2a/{agentID}/access. It asks the ledger whether
// the caller's credential covers the capability without opening a request.
func (h *capabilitiesHandler) CheckAccess(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if _, ok := h.lookup(w, agentID); !ok {
		return
	}
	cred := auth.CredentialFromContext(r.Context())
	allowed, err := h.caps.Validate(r.Context(), cred, agentID)
	if err != nil {
		if errors.Is(err, gateway.ErrCapabilityNotFound) {
			writeError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		slog.Error("access check failed", "agent_id", agentID, "error", err)
		writeError(w, http.StatusBadGateway, "ledger_unavailable", "could not reach the payment ledger")
		return
	}

	resp := accessResponse{AgentID: agentID, Allowed: allowed}
	if cred != nil {
		resp.PlanID = cred.PlanID()
		resp.Subscriber = cred.Subscriber()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *capabilitiesHandler) lookup(w http.ResponseWriter, agentID string) (capability.Card, bool) {
	if h.caps == nil {
		writeError(w, http.StatusNotFound, "not_found", "capability not found")
		return capability.Card{}, false
	}
	card, err := h.caps.Card(agentID)
	if err != nil {
		writeError(w, http.StatusNotFound, "not_found", "capability not found")
		return capability.Card{}, false
	}
	return card, true
}

// rateFor returns a capability's per-subscriber rate limit, zero for the
// default.
func (h *capabilitiesHandler) rateFor(agentID string) int {
	if h.caps == nil {
		return 0
	}
	card, err := h.caps.Card(agentID)
	if err != nil {
		return 0
	}
	return card.RateLimit
}
