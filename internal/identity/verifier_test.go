package identity

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testClientID = "clinicdesk-web.apps.googleusercontent.com"

type provider struct {
	key       *rsa.PrivateKey
	kid       string
	jwksCalls atomic.Int32
	jwksDown  atomic.Bool
	failNext  atomic.Int32
	userinfo  func(w http.ResponseWriter, r *http.Request)
	server    *httptest.Server
}

func newProvider(t *testing.T) *provider {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	p := &provider{key: key, kid: "kid-1"}

	mux := http.NewServeMux()
	mux.HandleFunc("/certs", func(w http.ResponseWriter, r *http.Request) {
		p.jwksCalls.Add(1)
		if p.jwksDown.Load() || p.failNext.Add(-1) >= 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(jwksDocument{Keys: []jwk{{
			Kty: "RSA",
			Kid: p.kid,
			N:   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		}}})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		if p.userinfo != nil {
			p.userinfo(w, r)
			return
		}
		w.WriteHeader(http.StatusUnauthorized)
	})
	p.server = httptest.NewServer(mux)
	t.Cleanup(p.server.Close)
	return p
}

func (p *provider) verifier(t *testing.T, now func() time.Time) *Verifier {
	t.Helper()
	v, err := NewVerifier(Config{
		JWKSURL:     p.server.URL + "/certs",
		UserInfoURL: p.server.URL + "/userinfo",
		ClientID:    testClientID,
	}, WithHTTPClient(p.server.Client()), WithClock(now))
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

func (p *provider) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = p.kid
	signed, err := token.SignedString(p.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func baseClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":            "https://accounts.google.com",
		"aud":            testClientID,
		"sub":            "1089",
		"email":          "Ana@Example.com",
		"email_verified": true,
		"name":           "Ana",
		"iat":            testNow.Add(-time.Minute).Unix(),
		"exp":            testNow.Add(time.Hour).Unix(),
	}
}

func TestVerifyIDToken(t *testing.T) {
	p := newProvider(t)
	v := p.verifier(t, func() time.Time { return testNow })

	id, err := v.Verify(context.Background(), p.sign(t, baseClaims()))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Email != "ana@example.com" || id.Subject != "1089" || id.Name != "Ana" {
		t.Fatalf("identity = %+v", id)
	}
}

func TestVerifyIDTokenRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(jwt.MapClaims)
		want   error
	}{
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = "someone-else" }, ErrInvalidIDToken},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "https://evil.example" }, ErrInvalidIDToken},
		{"expired", func(c jwt.MapClaims) { c["exp"] = testNow.Add(-time.Second).Unix() }, ErrInvalidIDToken},
		{"no email", func(c jwt.MapClaims) { delete(c, "email") }, ErrMissingEmail},
		{"unverified email", func(c jwt.MapClaims) { c["email_verified"] = "false" }, ErrEmailNotVerified},
	}

	p := newProvider(t)
	v := p.verifier(t, func() time.Time { return testNow })
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			claims := baseClaims()
			tc.mutate(claims)
			_, err := v.Verify(context.Background(), p.sign(t, claims))
			if !errors.Is(err, tc.want) {
				t.Fatalf("Verify = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestVerifyIDTokenSignedByUnknownKey(t *testing.T) {
	p := newProvider(t)
	v := p.verifier(t, func() time.Time { return testNow })

	other, _ := rsa.GenerateKey(rand.Reader, 2048)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims())
	token.Header["kid"] = p.kid
	forged, _ := token.SignedString(other)

	if _, err := v.Verify(context.Background(), forged); !errors.Is(err, ErrInvalidIDToken) {
		t.Fatalf("forged token: %v", err)
	}
}

func TestKeysAreCachedAcrossVerifications(t *testing.T) {
	p := newProvider(t)
	v := p.verifier(t, func() time.Time { return testNow })
	token := p.sign(t, baseClaims())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := v.Verify(context.Background(), token); err != nil {
				t.Errorf("Verify: %v", err)
			}
		}()
	}
	wg.Wait()
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := p.jwksCalls.Load(); got != 1 {
		t.Fatalf("expected one jwks fetch, got %d", got)
	}
}

type movingClock struct{ nanos atomic.Int64 }

func newMovingClock(at time.Time) *movingClock {
	c := &movingClock{}
	c.nanos.Store(at.UnixNano())
	return c
}

func (c *movingClock) Now() time.Time { return time.Unix(0, c.nanos.Load()).UTC() }

func (c *movingClock) Advance(d time.Duration) { c.nanos.Add(int64(d)) }

func fastRetries(v *Verifier) {
	v.keys.retryBase = time.Millisecond
	v.keys.retryMax = 2 * time.Millisecond
}

func waitForCalls(t *testing.T, p *provider, want int32) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for p.jwksCalls.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d jwks fetches, got %d", want, p.jwksCalls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestJWKSFetchRetriesTransientFailures(t *testing.T) {
	p := newProvider(t)
	p.failNext.Store(2)
	v := p.verifier(t, func() time.Time { return testNow })
	fastRetries(v)

	if _, err := v.Verify(context.Background(), p.sign(t, baseClaims())); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got := p.jwksCalls.Load(); got != 3 {
		t.Fatalf("expected 3 jwks fetches, got %d", got)
	}
}

func TestJWKSFetchGivesUpAfterRetries(t *testing.T) {
	p := newProvider(t)
	p.jwksDown.Store(true)
	v := p.verifier(t, func() time.Time { return testNow })
	fastRetries(v)

	if _, err := v.Verify(context.Background(), p.sign(t, baseClaims())); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
	if got := p.jwksCalls.Load(); got != defaultJWKSRetryAttempts {
		t.Fatalf("expected %d jwks fetches, got %d", defaultJWKSRetryAttempts, got)
	}
}

func TestStaleKeysServedDuringProviderOutage(t *testing.T) {
	p := newProvider(t)
	clock := newMovingClock(testNow)
	v := p.verifier(t, clock.Now)
	fastRetries(v)

	claims := baseClaims()
	claims["exp"] = testNow.Add(2 * time.Hour).Unix()
	token := p.sign(t, claims)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	p.jwksDown.Store(true)
	clock.Advance(defaultJWKSCacheTTL + time.Minute)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("stale key should still verify: %v", err)
	}
	// The background refresh keeps failing and the stale keys stay put.
	waitForCalls(t, p, 1+defaultJWKSRetryAttempts)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("stale key should survive a failed refresh: %v", err)
	}

	waitForRefreshIdle(t, v)
	clock.Advance(defaultJWKSMaxStale)
	if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable past the stale window, got %v", err)
	}
}

func TestStaleKeysRefreshInBackground(t *testing.T) {
	p := newProvider(t)
	clock := newMovingClock(testNow)
	v := p.verifier(t, clock.Now)
	token := p.sign(t, baseClaims())
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	clock.Advance(defaultJWKSCacheTTL + time.Second)
	if _, err := v.Verify(context.Background(), token); err != nil {
		t.Fatalf("Verify: %v", err)
	}
	waitForCalls(t, p, 2)
	waitForRefreshIdle(t, v)
	if _, state := v.keys.lookup(p.kid); state != keyFresh {
		t.Fatalf("expected keys to be fresh after background refresh, got state %d", state)
	}
}

func waitForRefreshIdle(t *testing.T, v *Verifier) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		v.keys.refreshMu.Lock()
		idle := v.keys.refreshCh == nil
		v.keys.refreshMu.Unlock()
		if idle {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("background refresh did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestVerifyAccessTokenViaUserInfo(t *testing.T) {
	p := newProvider(t)
	p.userinfo = func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ya29.good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"sub":"1089","email":"ana@example.com","email_verified":true,"name":"Ana"}`))
	}
	v := p.verifier(t, func() time.Time { return testNow })

	id, err := v.Verify(context.Background(), "ya29.good")
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if id.Email != "ana@example.com" {
		t.Fatalf("identity = %+v", id)
	}

	if _, err := v.Verify(context.Background(), "ya29.revoked"); !errors.Is(err, ErrUserInfoRejected) {
		t.Fatalf("expected ErrUserInfoRejected, got %v", err)
	}
	if p.jwksCalls.Load() != 0 {
		t.Fatalf("opaque tokens must not touch the signing keys")
	}
}

func TestVerifyAccessTokenWithoutEmail(t *testing.T) {
	p := newProvider(t)
	p.userinfo = func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"sub":"1089"}`))
	}
	v := p.verifier(t, func() time.Time { return testNow })

	if _, err := v.Verify(context.Background(), "ya29.noemail"); !errors.Is(err, ErrMissingEmail) {
		t.Fatalf("expected ErrMissingEmail, got %v", err)
	}
}

func TestVerifyUnsupportedToken(t *testing.T) {
	p := newProvider(t)
	v := p.verifier(t, func() time.Time { return testNow })

	for _, token := range []string{"", "plain-opaque", "a.b", "a..c", "x.y.z!"} {
		if _, err := v.Verify(context.Background(), token); !errors.Is(err, ErrUnsupportedToken) {
			t.Fatalf("Verify(%q) = %v, want ErrUnsupportedToken", token, err)
		}
	}
}

func TestNewVerifierRequiresClientID(t *testing.T) {
	if _, err := NewVerifier(Config{}); err == nil {
		t.Fatalf("expected error without client id")
	}
}
