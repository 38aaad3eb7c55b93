package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// GrantAccess adds the caller's tenant to a user. The tenant always comes
// from the caller's token, never from the request.
func (h HandlerSet) GrantAccess(c *gin.Context) {
	if err := h.authService.GrantTenant(c.Request.Context(), mustPrincipal(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) RevokeAccess(c *gin.Context) {
	if err := h.authService.RevokeTenant(c.Request.Context(), mustPrincipal(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
