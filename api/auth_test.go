package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "tasksync",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		err    error
	}{
		{name: "ok", header: "Bearer header.payload.signature", want: "header.payload.signature"},
		{name: "padded", header: "  Bearer a.b.c  ", want: "a.b.c"},
		{name: "missing", header: "", err: errMissingAuthorization},
		{name: "scheme", header: "Basic a.b.c", err: errBadAuthorization},
		{name: "empty token", header: "Bearer ", err: errBadAuthorization},
		{name: "many periods", header: "Bearer " + strings.Repeat(".", 1000), err: errBadAuthorization},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := bearerToken(tt.header)
			if err != tt.err {
				t.Fatalf("expected error %v, got %v", tt.err, err)
			}
			if got != tt.want {
				t.Fatalf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestAuthHS256(t *testing.T) {
	auth, err := NewAuth(AuthConfig{Mode: AuthModeHS256, Secret: []byte("test-secret"), Audience: "tasksync", Issuer: "https://issuer/"})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, "test-secret", validClaims()))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Hour).Unix()
	wrongAudience := validClaims()
	wrongAudience["aud"] = "someone-else"
	noSubject := validClaims()
	delete(noSubject, "sub")

	rejected := map[string]string{
		"wrong secret":   signHS256(t, "other-secret", validClaims()),
		"expired":        signHS256(t, "test-secret", expired),
		"wrong audience": signHS256(t, "test-secret", wrongAudience),
		"no subject":     signHS256(t, "test-secret", noSubject),
	}
	for name, token := range rejected {
		if _, err := auth.UserIDFromAuthHeader("Bearer " + token); err == nil {
			t.Fatalf("%s: expected token to be rejected", name)
		}
	}
}

func TestAuthNoneTrustsBearerValue(t *testing.T) {
	auth, err := NewAuth(AuthConfig{Mode: AuthModeNone})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	if id, err := auth.UserIDFromAuthHeader("Bearer alice"); err != nil || id != "alice" {
		t.Fatalf("expected alice, got %q %v", id, err)
	}
	if _, err := auth.UserIDFromAuthHeader(""); err != errMissingAuthorization {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestNewAuthRejectsIncompleteConfig(t *testing.T) {
	for _, cfg := range []AuthConfig{
		{Mode: AuthModeJWKS},
		{Mode: AuthModeHS256},
		{Mode: "magic"},
	} {
		if _, err := NewAuth(cfg); err == nil {
			t.Fatalf("expected %q config to be rejected", cfg.Mode)
		}
	}
}

func TestCheckClaimsReportsFirstProblem(t *testing.T) {
	auth, err := NewAuth(AuthConfig{Mode: AuthModeHS256, Secret: []byte("s"), Audience: "tasksync", Issuer: "https://issuer/"})
	if err != nil {
		t.Fatalf("new auth: %v", err)
	}
	now := time.Now()
	tests := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{name: "valid", mutate: func(jwt.MapClaims) {}},
		{name: "expired", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-2 * time.Minute).Unix() }, want: errTokenExpired},
		{name: "within skew", mutate: func(c jwt.MapClaims) { c["exp"] = now.Add(-30 * time.Second).Unix() }},
		{name: "not yet valid", mutate: func(c jwt.MapClaims) { c["nbf"] = now.Add(5 * time.Minute).Unix() }, want: errTokenNotYet},
		{name: "audience", mutate: func(c jwt.MapClaims) { c["aud"] = "other" }, want: errTokenAudience},
		{name: "issuer", mutate: func(c jwt.MapClaims) { c["iss"] = "https://elsewhere/" }, want: errTokenIssuer},
		{name: "subject", mutate: func(c jwt.MapClaims) { c["sub"] = "" }, want: errTokenSubject},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims()
			tt.mutate(claims)
			// parsed tokens carry numeric claims as float64
			for k, v := range claims {
				if n, ok := v.(int64); ok {
					claims[k] = float64(n)
				}
			}
			if err := auth.checkClaims(claims, now); err != tt.want {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestSigningKeysExpire(t *testing.T) {
	keys := &signingKeys{ttl: time.Hour}
	keys.put("k1", "secret")
	keys.put("", "ignored")
	if got, ok := keys.get("k1"); !ok || got != "secret" {
		t.Fatalf("expected cached key, got %v %v", got, ok)
	}
	if _, ok := keys.get(""); ok {
		t.Fatal("empty kid must not be cached")
	}
	keys.entries.Store("old", signingKey{key: "stale", expires: time.Now().Add(-time.Second)})
	if _, ok := keys.get("old"); ok {
		t.Fatal("expired key returned")
	}
	if _, ok := keys.entries.Load("old"); ok {
		t.Fatal("expired key not evicted")
	}
}
