// ABOUTME: HTTP middleware for JWT authentication on agent endpoints
// ABOUTME: Accepts a bearer header or a ?token= query parameter for browser sockets

package auth

import (
	"net/http"
	"strings"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// requestToken returns the token from the Authorization header, falling back
// to the "token" query parameter. Browsers cannot set headers on WebSocket
// handshakes, so agent dashboards pass it in the URL.
func requestToken(r *http.Request) (string, string) {
	token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
	if errMsg == "" {
		return token, ""
	}
	if q := r.URL.Query().Get("token"); q != "" {
		return q, ""
	}
	return "", errMsg
}

// AgentMiddleware rejects requests without a valid agent token and adds the
// AuthContext to the request context. A nil verifier disables the check and
// every request is treated as an anonymous agent.
func AgentMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), &AuthContext{Role: AgentRole})))
				return
			}

			token, errMsg := requestToken(r)
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				http.Error(w, `{"error":"invalid token"}`, http.StatusUnauthorized)
				return
			}

			authCtx := &AuthContext{PrincipalID: principalID, Role: AgentRole}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}

// OptionalAgentMiddleware attaches an AuthContext when a valid agent token is
// present and lets every other request through anonymously.
func OptionalAgentMiddleware(verifier TokenVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if verifier == nil {
				next.ServeHTTP(w, r)
				return
			}

			token, errMsg := requestToken(r)
			if errMsg != "" {
				next.ServeHTTP(w, r)
				return
			}

			principalID, err := verifier.Verify(token)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			authCtx := &AuthContext{PrincipalID: principalID, Role: AgentRole}
			next.ServeHTTP(w, r.WithContext(WithAuth(r.Context(), authCtx)))
		})
	}
}
