package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/hexfin/loanreview/internal/config"
)

const testSecret = "test-secret-key"

func authConfig() config.AuthConfig {
	return config.AuthConfig{
		Issuer:    "https://auth.example.com",
		Audience:  "loanreview",
		SecretEnv: "LOANREVIEW_TEST_AUTH_SECRET",
	}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "reviewer-1",
		"iss": "https://auth.example.com",
		"aud": "loanreview",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func authHandler(t *testing.T, cfg config.AuthConfig) http.Handler {
	t.Helper()
	var gotClaims map[string]any
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFrom(r.Context())
		_ = gotClaims
		w.WriteHeader(http.StatusOK)
	})
	return BearerAuth(cfg, zap.NewNop())(inner)
}

func TestBearerAuth_disabledWithoutSecret(t *testing.T) {
	cfg := authConfig()
	cfg.SecretEnv = "LOANREVIEW_TEST_AUTH_SECRET_UNSET"

	rec := httptest.NewRecorder()
	authHandler(t, cfg).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/workflow/start", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 (auth disabled)", rec.Code)
	}
}

func TestBearerAuth_missingHeader(t *testing.T) {
	t.Setenv("LOANREVIEW_TEST_AUTH_SECRET", testSecret)

	rec := httptest.NewRecorder()
	authHandler(t, authConfig()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBearerAuth_malformedHeader(t *testing.T) {
	t.Setenv("LOANREVIEW_TEST_AUTH_SECRET", testSecret)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	rec := httptest.NewRecorder()
	authHandler(t, authConfig()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestBearerAuth_validToken(t *testing.T) {
	t.Setenv("LOANREVIEW_TEST_AUTH_SECRET", testSecret)

	var claims map[string]any
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims = ClaimsFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	})
	handler := BearerAuth(authConfig(), zap.NewNop())(inner)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, validClaims()))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if claims["sub"] != "reviewer-1" {
		t.Errorf("claims[sub] = %v, want reviewer-1", claims["sub"])
	}
}

func TestBearerAuth_rejectsBadTokens(t *testing.T) {
	t.Setenv("LOANREVIEW_TEST_AUTH_SECRET", testSecret)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()

	wrongIssuer := validClaims()
	wrongIssuer["iss"] = "https://rogue.example.com"

	wrongAudience := validClaims()
	wrongAudience["aud"] = "other-service"

	noExpiry := validClaims()
	delete(noExpiry, "exp")

	tests := []struct {
		name  string
		token string
	}{
		{"expired", signToken(t, expired)},
		{"wrong issuer", signToken(t, wrongIssuer)},
		{"wrong audience", signToken(t, wrongAudience)},
		{"no expiry", signToken(t, noExpiry)},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+tt.token)
			rec := httptest.NewRecorder()
			authHandler(t, authConfig()).ServeHTTP(rec, req)
			if rec.Code != http.StatusUnauthorized {
				t.Errorf("status = %d, want 401", rec.Code)
			}
		})
	}
}

func TestBearerAuth_rejectsWrongSignature(t *testing.T) {
	t.Setenv("LOANREVIEW_TEST_AUTH_SECRET", testSecret)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims()).SignedString([]byte("different-secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	authHandler(t, authConfig()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}
