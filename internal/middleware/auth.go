package middleware

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"clinicdesk/internal/authn"
	"clinicdesk/internal/metrics"
)

const principalKey = "principal"

type Authenticator interface {
	Authenticate(ctx context.Context, req authn.Request) (authn.Principal, error)
}

// Auth runs the authenticator and attaches the principal. Every credential
// failure is answered with the same 401 body; only the log carries the reason.
func Auth(authenticator Authenticator, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal, err := authenticator.Authenticate(c.Request.Context(), authn.Request{
			Authorization: c.GetHeader("Authorization"),
			Path:          c.Request.URL.Path,
		})
		if err != nil {
			reason := authn.Reason("unknown")
			retryable := false
			var rejection *authn.Rejection
			if errors.As(err, &rejection) {
				reason = rejection.Reason
				retryable = rejection.Retryable()
			}
			metrics.AuthRejected(string(reason))

			event := log.Warn()
			if retryable {
				event = log.Error()
			}
			event.
				Err(err).
				Str("reason", string(reason)).
				Str("path", c.Request.URL.Path).
				Str("request_id", c.Writer.Header().Get(requestIDHeader)).
				Msg("request rejected")

			if retryable {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "service_unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Set(principalKey, principal)
		c.Request = c.Request.WithContext(authn.WithPrincipal(c.Request.Context(), principal))

		c.Next()
	}
}

// CurrentPrincipal returns the principal attached by Auth.
func CurrentPrincipal(c *gin.Context) (authn.Principal, bool) {
	val, exists := c.Get(principalKey)
	if !exists {
		return authn.Principal{}, false
	}
	principal, ok := val.(authn.Principal)
	return principal, ok
}
