package ledger

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/alecgard/creditgate/internal/auth"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// NewServer exposes an in-memory ledger over the same HTTP API Client speaks.
// It is used by the development "ledger" command and by client tests.
func NewServer(m *Memory) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)

	r.Post("/api/v1/requests/authorize", func(w http.ResponseWriter, r *http.Request) {
		var in AuthorizeInput
		if err := readBody(r, &in); err != nil {
			writeStatusError(w, statusError(http.StatusBadRequest, "bad_request", "invalid JSON body"))
			return
		}
		in.Credential = auth.BearerToken(r)
		req, err := m.Authorize(r.Context(), in)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeBody(w, http.StatusOK, req)
	})

	r.Post("/api/v1/requests/{requestID}/settle", func(w http.ResponseWriter, r *http.Request) {
		var in SettleInput
		if err := readBody(r, &in); err != nil {
			writeStatusError(w, statusError(http.StatusBadRequest, "bad_request", "invalid JSON body"))
			return
		}
		in.RequestID = chi.URLParam(r, "requestID")
		res, err := m.Settle(r.Context(), in)
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeBody(w, http.StatusOK, res)
	})

	r.Get("/api/v1/requests/validate", func(w http.ResponseWriter, r *http.Request) {
		ok, err := m.Validate(r.Context(), AuthorizeInput{
			Endpoint:   r.URL.Query().Get("endpoint"),
			Verb:       r.URL.Query().Get("verb"),
			Credential: auth.BearerToken(r),
		})
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeBody(w, http.StatusOK, map[string]bool{"authorized": ok})
	})

	r.Get("/api/v1/plans/{planID}/balances/{subscriber}", func(w http.ResponseWriter, r *http.Request) {
		b, err := m.Balance(r.Context(), chi.URLParam(r, "planID"), chi.URLParam(r, "subscriber"))
		if err != nil {
			writeStatusError(w, err)
			return
		}
		writeBody(w, http.StatusOK, b)
	})

	return r
}

func readBody(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeStatusError(w http.ResponseWriter, err error) {
	var serr *StatusError
	if !errors.As(err, &serr) {
		serr = statusError(http.StatusInternalServerError, "internal_error", "%v", err)
	}
	writeBody(w, serr.StatusCode, map[string]*StatusError{"error": serr})
}
