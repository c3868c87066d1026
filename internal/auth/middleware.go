package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type contextKey int

const credentialContextKey contextKey = iota

// ContextWithCredential returns a new context carrying the given credential.
func ContextWithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialContextKey, cred)
}

// CredentialFromContext extracts the credential from the context, or nil if not present.
func CredentialFromContext(ctx context.Context) *Credential {
	cred, _ := ctx.Value(credentialContextKey).(*Credential)
	return cred
}

// ErrorWriter renders an authentication failure. It lets protocol handlers
// answer in their own envelope.
type ErrorWriter func(w http.ResponseWriter, r *http.Request, err error)

// CredentialMiddleware returns middleware that decodes the bearer credential
// once per request and injects it into the request context. Requests without a
// decodable, unexpired credential are rejected before reaching next.
func CredentialMiddleware(now func() time.Time, onFail ErrorWriter) func(http.Handler) http.Handler {
	if now == nil {
		now = time.Now
	}
	if onFail == nil {
		onFail = func(w http.ResponseWriter, _ *http.Request, err error) {
			writeUnauthorized(w, err.Error())
		}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				onFail(w, r, ErrMissingCredential)
				return
			}

			cred, err := Decode(token, now())
			if err != nil {
				onFail(w, r, err)
				return
			}

			ctx := ContextWithCredential(r.Context(), cred)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminKeyMiddleware protects operator routes with a bcrypt-hashed admin key.
// An empty hash disables the check.
func AdminKeyMiddleware(keyHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if keyHash == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := BearerToken(r)
			if token == "" {
				writeUnauthorized(w, "missing or malformed authorization header")
				return
			}
			if err := bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(token)); err != nil {
				writeUnauthorized(w, "invalid admin key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BearerToken returns the token from an "Authorization: Bearer" header, or ""
// when the header is missing or malformed.
func BearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(errorResponse{
		Error: errorBody{
			Code:    "unauthorized",
			Message: message,
		},
	})
}
