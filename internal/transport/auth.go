package transport

import (
	"context"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/config"
	"github.com/hexfin/loanreview/model"
)

type claimsKey struct{}

// ClaimsFrom extracts verified JWT claims from the request context.
func ClaimsFrom(ctx context.Context) map[string]any {
	claims, _ := ctx.Value(claimsKey{}).(map[string]any)
	return claims
}

// BearerAuth returns middleware that verifies HMAC-signed bearer tokens.
// Auth is disabled when the configured secret variable is empty or unset;
// the middleware then passes all requests through.
func BearerAuth(cfg config.AuthConfig, logger *zap.Logger) func(http.Handler) http.Handler {
	var secret []byte
	if cfg.SecretEnv != "" {
		secret = []byte(os.Getenv(cfg.SecretEnv))
	}
	if len(secret) == 0 {
		if cfg.SecretEnv != "" {
			logger.Warn("bearer auth disabled: secret variable is unset",
				zap.String("secret_env", cfg.SecretEnv),
			)
		}
		return func(next http.Handler) http.Handler { return next }
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithLeeway(30 * time.Second),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if auth == "" {
				WriteError(w, r, model.NewUnauthorizedError("Missing authorization header"))
				return
			}
			if !strings.HasPrefix(auth, "Bearer ") {
				WriteError(w, r, model.NewUnauthorizedError("Invalid authorization header format"))
				return
			}

			token, err := jwt.Parse(auth[7:],
				func(*jwt.Token) (any, error) { return secret, nil },
				opts...,
			)
			if err != nil {
				WriteError(w, r, model.NewUnauthorizedError(classifyJWTError(err)))
				return
			}

			claims, ok := token.Claims.(jwt.MapClaims)
			if !ok || !token.Valid {
				WriteError(w, r, model.NewUnauthorizedError("Invalid token"))
				return
			}

			ctx := context.WithValue(r.Context(), claimsKey{}, map[string]any(claims))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func classifyJWTError(err error) string {
	s := err.Error()
	switch {
	case strings.Contains(s, "expired"):
		return "Token expired"
	case strings.Contains(s, "issuer"):
		return "Invalid token issuer"
	case strings.Contains(s, "audience"):
		return "Invalid token audience"
	case strings.Contains(s, "signing method"):
		return "Disallowed signing algorithm"
	case strings.Contains(s, "signature"):
		return "Invalid token signature"
	default:
		return "Invalid token"
	}
}
