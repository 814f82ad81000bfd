package httpapi

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/swiftgrid/worker/internal/platform/logger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestExtractBearerTokenParsesAuthorizationHeader(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/", nil)
	c.Request.Header.Set("Authorization", "Bearer abc.def.ghi")

	if got := extractBearerToken(c); got != "abc.def.ghi" {
		t.Fatalf("got %q, want %q", got, "abc.def.ghi")
	}
}

func TestExtractBearerTokenRejectsMissingOrMalformedHeader(t *testing.T) {
	cases := []string{"", "Basic abc", "Bearerabc"}
	for _, h := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/", nil)
		if h != "" {
			c.Request.Header.Set("Authorization", h)
		}
		if got := extractBearerToken(c); got != "" {
			t.Fatalf("header %q: got %q, want empty string", h, got)
		}
	}
}

func sign(t *testing.T, secret string, claims jwt.RegisteredClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{RegisteredClaims: claims})
	s, err := tok.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func runThroughAuth(t *testing.T, secret, authHeader string) int {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	mw := NewAuthMiddleware(log, secret)

	r := gin.New()
	r.Use(mw.RequireAuth())
	r.GET("/protected", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest("GET", "/protected", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireAuthAcceptsValidToken(t *testing.T) {
	secret := "test-secret"
	token := sign(t, secret, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if code := runThroughAuth(t, secret, "Bearer "+token); code != http.StatusOK {
		t.Fatalf("got status %d, want 200", code)
	}
}

func TestRequireAuthRejectsMissingToken(t *testing.T) {
	if code := runThroughAuth(t, "test-secret", ""); code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", code)
	}
}

func TestRequireAuthRejectsExpiredToken(t *testing.T) {
	secret := "test-secret"
	token := sign(t, secret, jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Hour))})
	if code := runThroughAuth(t, secret, "Bearer "+token); code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", code)
	}
}

func TestRequireAuthRejectsWrongSecret(t *testing.T) {
	token := sign(t, "right-secret", jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour))})
	if code := runThroughAuth(t, "wrong-secret", "Bearer "+token); code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", code)
	}
}
