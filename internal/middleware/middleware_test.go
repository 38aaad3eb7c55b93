package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"clinicdesk/internal/authn"
	"clinicdesk/internal/models"
	"clinicdesk/internal/tenant"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubAuthenticator struct {
	principal authn.Principal
	err       error
	seen      authn.Request
}

func (s *stubAuthenticator) Authenticate(_ context.Context, req authn.Request) (authn.Principal, error) {
	s.seen = req
	return s.principal, s.err
}

func newRouter(auth Authenticator, extra ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	handlers := append([]gin.HandlerFunc{RequestID(), Auth(auth, zerolog.Nop())}, extra...)
	handlers = append(handlers, func(c *gin.Context) {
		p, ok := authn.PrincipalFromContext(c.Request.Context())
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "no principal"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"tenant": p.Tenant, "userId": p.UserID})
	})
	r.GET("/api/v1/tenant/context", handlers...)
	return r
}

func TestAuthAttachesPrincipal(t *testing.T) {
	stub := &stubAuthenticator{principal: authn.Principal{UserID: "u1", Tenant: "acme", Role: models.UserRoleAdmin}}
	r := newRouter(stub)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tenant/context", nil)
	req.Header.Set("Authorization", "Bearer abc")
	req.Header.Set("X-Tenant", "other_clinic")
	req.Header.Set("X-Schema", "other_clinic")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if !strings.Contains(rec.Body.String(), `"tenant":"acme"`) {
		t.Fatalf("tenant must come from the token, body = %s", rec.Body)
	}
	if stub.seen.Authorization != "Bearer abc" || stub.seen.Path != "/api/v1/tenant/context" {
		t.Fatalf("authenticator saw %+v", stub.seen)
	}
}

func TestAuthCollapsesRejectionsTo401(t *testing.T) {
	reasons := []authn.Reason{
		authn.ReasonMissingToken,
		authn.ReasonInvalidToken,
		authn.ReasonSessionRevoked,
		authn.ReasonSessionExpired,
		authn.ReasonTenantNoLongerAllowed,
		authn.ReasonTenantNotFound,
	}
	for _, reason := range reasons {
		r := newRouter(&stubAuthenticator{err: &authn.Rejection{Reason: reason}})
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tenant/context", nil))

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: status = %d", reason, rec.Code)
		}
		if strings.TrimSpace(rec.Body.String()) != `{"error":"unauthorized"}` {
			t.Fatalf("%s: body leaks detail: %s", reason, rec.Body)
		}
	}
}

func TestAuthReportsInfrastructureFailureAs503(t *testing.T) {
	r := newRouter(&stubAuthenticator{err: &authn.Rejection{
		Reason: authn.ReasonCatalogUnavailable,
		Err:    tenant.ErrCatalogUnavailable,
	}})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tenant/context", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestAuthUnknownErrorIs401(t *testing.T) {
	r := newRouter(&stubAuthenticator{err: errors.New("boom")})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tenant/context", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequireRoles(t *testing.T) {
	cases := []struct {
		role models.UserRole
		want int
	}{
		{models.UserRoleAdmin, http.StatusOK},
		{models.UserRoleDoctor, http.StatusForbidden},
	}
	for _, tc := range cases {
		stub := &stubAuthenticator{principal: authn.Principal{UserID: "u1", Tenant: "acme", Role: tc.role}}
		r := newRouter(stub, RequireRoles(models.UserRoleAdmin))
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/tenant/context", nil))
		if rec.Code != tc.want {
			t.Fatalf("%s: status = %d, want %d", tc.role, rec.Code, tc.want)
		}
	}
}

func TestIPLimiter(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l := NewIPLimiter(60, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("1.1.1.1") || !l.Allow("1.1.1.1") {
		t.Fatalf("burst should be allowed")
	}
	if l.Allow("1.1.1.1") {
		t.Fatalf("third request within the same instant should be limited")
	}
	if !l.Allow("2.2.2.2") {
		t.Fatalf("limits are per IP")
	}

	now = now.Add(time.Second)
	if !l.Allow("1.1.1.1") {
		t.Fatalf("one token per second should have refilled")
	}

	now = now.Add(10 * time.Minute)
	l.Allow("3.3.3.3")
	l.mu.Lock()
	_, kept := l.buckets["2.2.2.2"]
	l.mu.Unlock()
	if kept {
		t.Fatalf("idle bucket should be swept")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	r := gin.New()
	r.POST("/login", RateLimit(NewIPLimiter(1, 1)), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	first := httptest.NewRecorder()
	r.ServeHTTP(first, httptest.NewRequest(http.MethodPost, "/login", nil))
	second := httptest.NewRecorder()
	r.ServeHTTP(second, httptest.NewRequest(http.MethodPost, "/login", nil))

	if first.Code != http.StatusNoContent || second.Code != http.StatusTooManyRequests {
		t.Fatalf("codes = %d, %d", first.Code, second.Code)
	}
}

func TestRequestIDReplacesUnsafeValues(t *testing.T) {
	r := gin.New()
	r.Use(RequestID())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := map[string]bool{
		"abc-123_x.y":             true,
		"":                        false,
		"bad id\nforged log line": false,
		strings.Repeat("a", 65):   false,
		strings.Repeat("a", 64):   true,
	}
	for in, kept := range cases {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if in != "" {
			req.Header.Set(requestIDHeader, in)
		}
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)

		got := rec.Header().Get(requestIDHeader)
		if got == "" {
			t.Fatalf("%q: no request id assigned", in)
		}
		if (got == in) != kept {
			t.Fatalf("%q: got %q, kept = %v", in, got, kept)
		}
	}
}

func TestCORS(t *testing.T) {
	r := gin.New()
	r.Use(CORS([]string{"https://app.clinicdesk.test/"}))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	req.Header.Set("Origin", "https://app.clinicdesk.test")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent || rec.Header().Get("Access-Control-Allow-Origin") != "https://app.clinicdesk.test" {
		t.Fatalf("preflight = %d %v", rec.Code, rec.Header())
	}
	if rec.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("credentials must not be allowed")
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://evil.test")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin allowed")
	}
}

func TestRecoveryAnswers500(t *testing.T) {
	r := gin.New()
	r.Use(RequestID(), Recovery(zerolog.Nop()))
	r.GET("/", func(*gin.Context) { panic("boom") })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusInternalServerError || !strings.Contains(rec.Body.String(), "internal_server_error") {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body)
	}
}
