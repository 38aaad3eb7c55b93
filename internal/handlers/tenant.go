package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"clinicdesk/internal/tenant"
)

// CheckTenant validates a tenant name passed directly by the client. Unlike
// the bearer flow, a malformed name is a 400 and an unknown one a 404.
func (h HandlerSet) CheckTenant(c *gin.Context) {
	name, err := h.gate.AssertExists(c.Request.Context(), c.Param("schema"))
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"schemaName": name})
	case errors.Is(err, tenant.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_schema"})
	case errors.Is(err, tenant.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "schema_not_found"})
	default:
		h.writeError(c, err)
	}
}

func (h HandlerSet) TenantContext(c *gin.Context) {
	principal := mustPrincipal(c)
	c.JSON(http.StatusOK, gin.H{
		"schemaName": principal.Tenant,
		"principal":  principal,
	})
}
