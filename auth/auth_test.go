package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/hazyhaar/tenantdb/kit"
)

var secret = []byte(strings.Repeat("k", MinSecretLen))

func TestGenerateToken_WeakSecret(t *testing.T) {
	if _, err := GenerateToken([]byte("short"), &Claims{Username: "ops"}, time.Hour); err != ErrWeakSecret {
		t.Fatalf("err = %v, want ErrWeakSecret", err)
	}
}

func TestValidateToken(t *testing.T) {
	tok, err := GenerateToken(secret, &Claims{Username: "ops", Role: RoleOperator}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	c, err := ValidateToken(secret, tok)
	if err != nil {
		t.Fatal(err)
	}
	if c.Username != "ops" || c.Role != RoleOperator || c.Subject != "ops" {
		t.Errorf("claims = %+v", c)
	}

	if _, err := ValidateToken([]byte(strings.Repeat("x", MinSecretLen)), tok); err == nil {
		t.Error("foreign secret accepted")
	}

	expired, _ := GenerateToken(secret, &Claims{Username: "ops"}, -time.Minute)
	if _, err := ValidateToken(secret, expired); err == nil {
		t.Error("expired token accepted")
	}
}

// WHAT: a token signed with another algorithm is rejected even with the
// right key.
// WHY: algorithm confusion would let anyone holding a public value forge tokens.
func TestValidateToken_PinnedAlgorithm(t *testing.T) {
	claims := &Claims{Username: "ops", Role: RoleAdmin}
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS512, claims).SignedString(secret)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ValidateToken(secret, tok); err == nil {
		t.Fatal("HS512 token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	var user string
	h := Middleware(secret)(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user = kit.GetUserID(r.Context())
	})))

	call := func(token string) int {
		req := httptest.NewRequest("DELETE", "/tenants/acme", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w.Code
	}

	if code := call(""); code != http.StatusUnauthorized {
		t.Errorf("no token = %d", code)
	}
	if code := call("garbage"); code != http.StatusUnauthorized {
		t.Errorf("bad token = %d", code)
	}
	op, _ := GenerateToken(secret, &Claims{Username: "op", Role: RoleOperator}, time.Hour)
	if code := call(op); code != http.StatusForbidden {
		t.Errorf("operator = %d", code)
	}
	admin, _ := GenerateToken(secret, &Claims{Username: "root", Role: RoleAdmin}, time.Hour)
	if code := call(admin); code != http.StatusOK || user != "root" {
		t.Errorf("admin = %d, user = %q", code, user)
	}
}

func TestRequireAuth(t *testing.T) {
	h := RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/tenants", nil))
	if w.Code != http.StatusUnauthorized || w.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("code = %d", w.Code)
	}
}
