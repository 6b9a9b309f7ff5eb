package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/splax/localvercel/pipeline/pkg/jwt"
)

type authContextKey string

type authInfo struct {
	Subject string
	Scopes  []string
}

const contextKeyAuth authContextKey = "pipeline-auth-info"

// requireAuth ensures the request carries a valid service token granting
// scope before invoking the handler.
func (r *Router) requireAuth(scope string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx, ok := r.ensureAuth(w, req, scope)
		if !ok {
			return
		}
		next(w, req.WithContext(ctx))
	}
}

// ensureAuth validates the bearer token and enriches the context.
func (r *Router) ensureAuth(w http.ResponseWriter, req *http.Request, scope string) (context.Context, bool) {
	token, err := bearerToken(req.Header.Get("Authorization"))
	if err != nil && websocketOrStream(req) {
		// Browsers cannot set headers on websocket and EventSource requests.
		token = strings.TrimSpace(req.URL.Query().Get("access_token"))
		if token != "" {
			err = nil
		}
	}
	if err != nil {
		r.logger.Warn("authorization header invalid", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication required")
		return req.Context(), false
	}
	claims, err := jwt.Parse(token, r.jwtSecret)
	if err != nil {
		r.logger.Warn("token validation failed", "error", err, "path", req.URL.Path)
		writeError(w, http.StatusUnauthorized, "authentication failed")
		return req.Context(), false
	}
	if scope != "" && !claims.HasScope(scope) {
		r.logger.Warn("token scope missing", "subject", claims.Subject, "scope", scope, "path", req.URL.Path)
		writeError(w, http.StatusForbidden, "token lacks scope "+scope)
		return req.Context(), false
	}
	info := authInfo{Subject: claims.Subject, Scopes: claims.Scopes}
	return context.WithValue(req.Context(), contextKeyAuth, info), true
}

// authInfoFromContext extracts auth metadata from context.
func authInfoFromContext(ctx context.Context) (authInfo, bool) {
	info, ok := ctx.Value(contextKeyAuth).(authInfo)
	return info, ok
}

func bearerToken(header string) (string, error) {
	if strings.TrimSpace(header) == "" {
		return "", errors.New("missing authorization header")
	}
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", errors.New("invalid authorization header format")
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

func websocketOrStream(req *http.Request) bool {
	return strings.EqualFold(req.Header.Get("Upgrade"), "websocket") || wantsEventStream(req)
}

func wantsEventStream(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/event-stream")
}
