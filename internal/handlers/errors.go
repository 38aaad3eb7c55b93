package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"clinicdesk/internal/identity"
	"clinicdesk/internal/repository"
	"clinicdesk/internal/service"
	"clinicdesk/internal/tenant"
)

// writeError maps service errors to responses. Credential and tenant
// membership failures share one 401 body.
func (h HandlerSet) writeError(c *gin.Context, err error) {
	status, code := classify(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("request failed")
	} else if status == http.StatusUnauthorized {
		h.log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("credentials rejected")
	}
	c.JSON(status, gin.H{"error": code})
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, tenant.ErrInvalidInput):
		return http.StatusBadRequest, "invalid_schema"
	case errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, service.ErrCannotRevokeCurrent):
		return http.StatusBadRequest, "use_logout"
	case errors.Is(err, service.ErrEmailNotVerified):
		return http.StatusForbidden, "email_not_verified"
	case errors.Is(err, service.ErrVerificationRequired):
		return http.StatusForbidden, "verification_required"
	case errors.Is(err, service.ErrEmailAlreadyRegistered):
		return http.StatusConflict, "email_already_registered"
	case errors.Is(err, service.ErrIdentityDisabled):
		return http.StatusNotFound, "not_enabled"
	case errors.Is(err, repository.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found"
	case errors.Is(err, repository.ErrUserNotFound):
		return http.StatusNotFound, "user_not_found"
	case errors.Is(err, tenant.ErrCatalogUnavailable),
		errors.Is(err, identity.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, "service_unavailable"
	case errors.Is(err, service.ErrInvalidCredentials),
		errors.Is(err, service.ErrTenantForbidden),
		errors.Is(err, service.ErrNoTenant),
		errors.Is(err, tenant.ErrNotFound),
		errors.Is(err, identity.ErrUnsupportedToken),
		errors.Is(err, identity.ErrInvalidIDToken),
		errors.Is(err, identity.ErrMissingEmail),
		errors.Is(err, identity.ErrEmailNotVerified),
		errors.Is(err, identity.ErrUserInfoRejected):
		return http.StatusUnauthorized, "unauthorized"
	default:
		return http.StatusInternalServerError, "internal_server_error"
	}
}
