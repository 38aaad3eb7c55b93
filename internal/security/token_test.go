package security

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer("test-secret", WithTokenClock(fixedClock(now)))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}

	cases := []Claims{
		{SessionID: "s1", UserID: "u1", Email: "a@b.com", Role: "DOCTOR", Tenant: "acme_clinic1"},
		{SessionID: "s2", UserID: "u2", Tenant: "north"},
		{SessionID: "s3", UserID: "u3", Email: "nurse@clinic.io", Role: "NURSE", Tenant: "_clinic"},
	}
	for _, want := range cases {
		token, expiresAt, err := issuer.Issue(want)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		if !expiresAt.Equal(now.Add(SessionTTL)) {
			t.Fatalf("expiresAt = %v, want %v", expiresAt, now.Add(SessionTTL))
		}
		got, err := issuer.Verify(token)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if got != want {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
		}
	}
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := now
	issuer, err := NewTokenIssuer("test-secret", WithTokenClock(func() time.Time { return clock }))
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	token, _, err := issuer.Issue(Claims{SessionID: "s", UserID: "u", Tenant: "t"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	clock = now.Add(SessionTTL - time.Minute)
	if _, err := issuer.Verify(token); err != nil {
		t.Fatalf("expected token valid before expiry, got %v", err)
	}

	clock = now.Add(SessionTTL + time.Second)
	if _, err := issuer.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken after expiry, got %v", err)
	}
}

func TestVerifyRejectsForeignSignature(t *testing.T) {
	mine, _ := NewTokenIssuer("secret-a")
	theirs, _ := NewTokenIssuer("secret-b")

	token, _, err := theirs.Issue(Claims{SessionID: "s", UserID: "u", Tenant: "t"})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	if _, err := mine.Verify(token); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}

	parts := strings.Split(token, ".")
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	if _, err := theirs.Verify(tampered); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken for tampered signature, got %v", err)
	}
}

func TestVerifyRejectsNoneAlgorithm(t *testing.T) {
	issuer, _ := NewTokenIssuer("secret")
	token := jwt.NewWithClaims(jwt.SigningMethodNone, tokenClaims{
		Claims: Claims{SessionID: "s", UserID: "u", Tenant: "t"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign none: %v", err)
	}
	if _, err := issuer.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}

func TestVerifyRejectsIncompleteClaims(t *testing.T) {
	issuer, _ := NewTokenIssuer("secret")

	cases := map[string]Claims{
		"missing sid":    {UserID: "u", Tenant: "t"},
		"missing uid":    {SessionID: "s", Tenant: "t"},
		"missing tenant": {SessionID: "s", UserID: "u"},
		"blank tenant":   {SessionID: "s", UserID: "u", Tenant: "  "},
	}
	for name, claims := range cases {
		t.Run(name, func(t *testing.T) {
			token, _, err := issuer.Issue(claims)
			if err != nil {
				t.Fatalf("Issue: %v", err)
			}
			_, err = issuer.Verify(token)
			if !errors.Is(err, ErrInvalidPayload) {
				t.Fatalf("expected ErrInvalidPayload, got %v", err)
			}
			if errors.Is(err, ErrInvalidToken) {
				t.Fatalf("payload failure must not be reported as a signature failure")
			}
		})
	}
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	for _, secret := range []string{"", "   "} {
		if _, err := NewTokenIssuer(secret); !errors.Is(err, ErrMissingSigningSecret) {
			t.Fatalf("NewTokenIssuer(%q) error = %v, want ErrMissingSigningSecret", secret, err)
		}
	}
}

func TestDigestToken(t *testing.T) {
	a := DigestToken("token-a")
	if len(a) != 64 {
		t.Fatalf("expected hex sha256 digest, got %q", a)
	}
	if a != DigestToken("token-a") {
		t.Fatalf("digest must be deterministic")
	}
	if DigestsEqual(a, DigestToken("token-b")) {
		t.Fatalf("different tokens produced equal digests")
	}
	if !DigestsEqual(a, DigestToken("token-a")) {
		t.Fatalf("DigestsEqual returned false for equal digests")
	}
}
