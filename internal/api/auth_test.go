package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signToken(t *testing.T, method jwt.SigningMethod, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatal(err)
	}
	return token
}

func TestVerifyToken(t *testing.T) {
	valid := signToken(t, jwt.SigningMethodHS256, "jwt-secret", jwt.MapClaims{
		"sub": "render-farm",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	if sub, err := verifyToken(valid, "jwt-secret"); err != nil || sub != "render-farm" {
		t.Errorf("expected render-farm, got %q %v", sub, err)
	}

	cases := map[string]string{
		"wrong secret": signToken(t, jwt.SigningMethodHS256, "other", jwt.MapClaims{"sub": "x"}),
		"expired":      signToken(t, jwt.SigningMethodHS256, "jwt-secret", jwt.MapClaims{"sub": "x", "exp": time.Now().Add(-time.Hour).Unix()}),
		"no subject":   signToken(t, jwt.SigningMethodHS256, "jwt-secret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()}),
		"garbage":      "not.a.token",
	}
	for name, token := range cases {
		if _, err := verifyToken(token, "jwt-secret"); err == nil {
			t.Errorf("%s: expected rejection", name)
		}
	}
}

func TestAuthorizationWithJWT(t *testing.T) {
	env := newTestEnv(t, Options{APIKey: "secret", JWTSecret: "jwt-secret"}, nil)

	token := signToken(t, jwt.SigningMethodHS256, "jwt-secret", jwt.MapClaims{
		"sub": "render-farm",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	forged := signToken(t, jwt.SigningMethodHS256, "guess", jwt.MapClaims{"sub": "render-farm"})

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"jwt", token, http.StatusOK},
		{"static key still accepted", "secret", http.StatusOK},
		{"forged jwt", forged, http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodGet, "/queue/metrics", "", map[string]string{"Authorization": "Bearer " + tc.token})
			if w.Code != tc.want {
				t.Errorf("expected %d, got %d", tc.want, w.Code)
			}
		})
	}
}
