package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

func newLoginServer(roles RoleResolver) (*echo.Echo, *MemoryNonceStore) {
	nonces := NewMemoryNonceStore()
	h := NewLoginHandler(nonces, NewTokenIssuer(testSigningKey, "medclaim", time.Hour),
		roles, "medclaim.test", time.Minute, zerolog.Nop())
	e := echo.New()
	h.RegisterRoutes(e.Group("/api/v1"))
	return e, nonces
}

func post(e *echo.Echo, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestLogin_FullFlow(t *testing.T) {
	key := newKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	e, _ := newLoginServer(fixedRoles{addr: "insurer"})

	rec := post(e, "/api/v1/auth/challenge", `{"address":"`+addr.Hex()+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("challenge: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var ch challengeResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &ch); err != nil {
		t.Fatalf("decode challenge: %v", err)
	}
	if !strings.Contains(ch.Message, ch.Nonce) || !strings.Contains(ch.Message, addr.Hex()) {
		t.Errorf("message should name address and nonce: %q", ch.Message)
	}

	sig := hexutil.Encode(personalSign(t, key, ch.Message))
	rec = post(e, "/api/v1/auth/login", `{"address":"`+addr.Hex()+`","signature":"`+sig+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var lr loginResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &lr); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if lr.Role != "insurer" || lr.Address != addr.Hex() || lr.Token == "" {
		t.Errorf("unexpected login response: %+v", lr)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+lr.Token)
	c, err := runMiddleware(t, JWTMiddleware(JWTConfig{SigningKey: testSigningKey, Issuer: "medclaim"}), req)
	if err != nil {
		t.Fatalf("issued token rejected: %v", err)
	}
	if caller, _ := CallerFromContext(c.Request().Context()); caller != addr {
		t.Errorf("token subject %s, expected %s", caller.Hex(), addr.Hex())
	}

	rec = post(e, "/api/v1/auth/login", `{"address":"`+addr.Hex()+`","signature":"`+sig+`"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("replayed login: expected 401, got %d", rec.Code)
	}
}

func TestLogin_WrongSigner(t *testing.T) {
	key := newKey(t)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	e, nonces := newLoginServer(fixedRoles{})

	rec := post(e, "/api/v1/auth/challenge", `{"address":"`+addr.Hex()+`"}`)
	var ch challengeResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &ch)

	sig := hexutil.Encode(personalSign(t, newKey(t), ch.Message))
	rec = post(e, "/api/v1/auth/login", `{"address":"`+addr.Hex()+`","signature":"`+sig+`"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if _, err := nonces.Take(context.Background(), addr); err != ErrNonceNotFound {
		t.Error("failed login must still consume the nonce")
	}
}

func TestLogin_BadRequests(t *testing.T) {
	e, _ := newLoginServer(fixedRoles{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"challenge bad json", "/api/v1/auth/challenge", `{`, http.StatusBadRequest},
		{"challenge bad address", "/api/v1/auth/challenge", `{"address":"bob"}`, http.StatusBadRequest},
		{"login missing signature", "/api/v1/auth/login", `{"address":"` + testWallet.Hex() + `"}`, http.StatusBadRequest},
		{"login without challenge", "/api/v1/auth/login", `{"address":"` + testWallet.Hex() + `","signature":"0x00"}`, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := post(e, tt.path, tt.body)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d: %s", tt.want, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestMemoryNonceStore(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewMemoryNonceStore()
	s.now = func() time.Time { return now }

	_ = s.Put(ctx, testWallet, "first", time.Minute)
	_ = s.Put(ctx, testWallet, "second", time.Minute)
	got, err := s.Take(ctx, testWallet)
	if err != nil || got != "second" {
		t.Fatalf("expected latest nonce, got %q %v", got, err)
	}
	if _, err := s.Take(ctx, testWallet); err != ErrNonceNotFound {
		t.Errorf("nonce must be single use, got %v", err)
	}

	_ = s.Put(ctx, testWallet, "late", time.Minute)
	now = now.Add(2 * time.Minute)
	if _, err := s.Take(ctx, testWallet); err != ErrNonceNotFound {
		t.Errorf("expired nonce must be refused, got %v", err)
	}
}

func TestNewNonce(t *testing.T) {
	a, b := NewNonce(), NewNonce()
	if a == b {
		t.Error("nonces should differ")
	}
	if len(a) != 32 || strings.Contains(a, "-") {
		t.Errorf("unexpected nonce format %q", a)
	}
}

func TestTokenIssuer_Expiry(t *testing.T) {
	issued := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ti := NewTokenIssuer(testSigningKey, "medclaim", 15*time.Minute)
	ti.now = func() time.Time { return issued }

	_, exp, err := ti.Issue(testWallet, []string{"patient"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if !exp.Equal(issued.Add(15 * time.Minute)) {
		t.Errorf("unexpected expiry %v", exp)
	}
}
