package api

import (
	"net/http"

	"github.com/alecgard/creditgate/internal/rpc"
)

type manifest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Version     string            `json:"version"`
	Protocol    string            `json:"protocol"`
	Auth        manifestAuth      `json:"auth"`
	Methods     []string          `json:"methods"`
	Endpoints   map[string]string `json:"endpoints"`
	// Capabilities lists the agent ids served under /a2a/{agentID}.
	Capabilities []string `json:"capabilities"`
	Health       string   `json:"health"`
}

type manifestAuth struct {
	Type   string `json:"type"`
	Header string `json:"header"`
	Format string `json:"format"`
}

// wellKnownHandler serves /.well-known/creditgate.json.
func wellKnownHandler(caps Capabilities, publicURL, version string) http.HandlerFunc {
	if version == "" {
		version = "dev"
	}
	return func(w http.ResponseWriter, r *http.Request) {
		base := publicBase(publicURL, r)
		m := manifest{
			Name:        "creditgate",
			Description: "Metered agent gateway settling every call against a credit ledger",
			Version:     version,
			Protocol:    "jsonrpc-2.0+sse",
			Auth: manifestAuth{
				Type:   "bearer",
				Header: "Authorization",
				Format: "jwt",
			},
			Methods:   []string{rpc.MethodSend, rpc.MethodStream, rpc.MethodResubscribe, rpc.MethodCancel, rpc.MethodGet},
			Endpoints: map[string]string{
				"capabilities": base + "/a2a",
				"invoke":       base + "/a2a/{agentID}",
				"card":         base + "/a2a/{agentID}/card",
				"access":       base + "/a2a/{agentID}/access",
			},
			Capabilities: []string{},
			Health:       base + "/health",
		}
		if caps != nil {
			for _, c := range caps.Cards() {
				m.Capabilities = append(m.Capabilities, c.AgentID)
			}
		}
		writeJSON(w, http.StatusOK, m)
	}
}
