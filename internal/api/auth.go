package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
)

// OperatorHeader names the caller on whose behalf a job is queued.
const OperatorHeader = "X-Invoiceflow-User"

type operatorKey struct{}

// BearerAuth rejects requests without the expected token. An empty token
// rejects everything. Authenticated requests carry the operator from
// OperatorHeader, or "api" when the header is absent.
func BearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !tokenMatches(r.Header.Get("Authorization"), token) {
				w.Header().Set("WWW-Authenticate", `Bearer realm="invoiceflow"`)
				httpError(w, http.StatusUnauthorized, "authentication_error", "invalid or missing bearer token")
				return
			}
			op := strings.TrimSpace(r.Header.Get(OperatorHeader))
			if op == "" {
				op = "api"
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), operatorKey{}, op)))
		})
	}
}

func tokenMatches(header, token string) bool {
	const prefix = "Bearer "
	if token == "" || !strings.HasPrefix(header, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(header[len(prefix):]), []byte(token)) == 1
}

// Operator returns the caller identity set by BearerAuth.
func Operator(ctx context.Context) string {
	op, _ := ctx.Value(operatorKey{}).(string)
	return op
}
