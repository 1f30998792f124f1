package gate

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"parishhub-auth/internal/model"
	"parishhub-auth/internal/service"
	"parishhub-auth/internal/token"
	"parishhub-auth/internal/util"
)

// ClientEnvHeader declares which client surface is calling. Requests from
// surfaces outside the allow-list never reach the finer-grained checks.
const ClientEnvHeader = "X-Client-Env"

type contextKey string

const claimsKey contextKey = "session_claims"

// ClaimsFromContext returns the validated session claims, if any.
func ClaimsFromContext(ctx context.Context) (*token.Claims, bool) {
	claims, ok := ctx.Value(claimsKey).(*token.Claims)
	return claims, ok
}

// Gate is the coarse, cheap check layer that runs before authentication
// proper: client-environment allow-list, login-enabled flag, system-locked
// flag. Every check fails closed: a flag that cannot be read denies.
type Gate struct {
	auth     *service.AuthService
	settings *service.SettingsService
	allowed  map[string]bool
}

func New(auth *service.AuthService, settings *service.SettingsService, allowedClients []string) *Gate {
	allowed := make(map[string]bool, len(allowedClients))
	for _, c := range allowedClients {
		allowed[strings.ToLower(c)] = true
	}
	return &Gate{auth: auth, settings: settings, allowed: allowed}
}

// ClientEnv rejects requests whose declared client environment is not
// allow-listed. Identity-independent and applied uniformly.
func (g *Gate) ClientEnv(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		env := strings.ToLower(strings.TrimSpace(r.Header.Get(ClientEnvHeader)))
		if env == "" || !g.allowed[env] {
			util.Warn("Gate rejected client environment",
				zap.String("client_env", env),
				zap.String("path", r.URL.Path))
			deny(w, http.StatusForbidden, "unsupported client")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireSession validates the bearer credential (signature, expiry, and
// the single-active-session fingerprint) and enforces the gate flags:
// system-locked and login-disabled each force out every non-admin session
// on its next check. Admin sessions survive both so an administrator can
// flip the flags back.
func (g *Gate) RequireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r.Header.Get("Authorization"))
		if tokenString == "" {
			deny(w, http.StatusUnauthorized, "missing credentials")
			return
		}

		claims, err := g.auth.ValidateSession(r.Context(), tokenString)
		if err != nil {
			deny(w, http.StatusUnauthorized, "session invalid or expired")
			return
		}

		flags, err := g.settings.Flags(r.Context())
		if err != nil {
			deny(w, http.StatusServiceUnavailable, "temporarily unavailable")
			return
		}
		if claims.Role != model.RoleAdmin {
			if flags.SystemLocked {
				deny(w, http.StatusUnauthorized, "system is locked")
				return
			}
			if !flags.LoginEnabled {
				deny(w, http.StatusUnauthorized, "logins are disabled")
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsKey, claims)))
	})
}

// RequireRole gates a route on the session's role claim. Must run inside
// RequireSession.
func (g *Gate) RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok || claims.Role != role {
				deny(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(header string) string {
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return header[7:]
	}
	return ""
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"success":false,"error":"` + msg + `"}`))
}
