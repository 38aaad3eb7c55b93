package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

type sessionResponse struct {
	ID        string     `json:"id"`
	IPAddress string     `json:"ipAddress"`
	UserAgent string     `json:"userAgent"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	Current   bool       `json:"current"`
}

func (h HandlerSet) ListSessions(c *gin.Context) {
	principal := mustPrincipal(c)
	sessions, err := h.authService.ListSessions(c.Request.Context(), principal)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]sessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, sessionResponse{
			ID:        s.ID,
			IPAddress: s.IPAddress,
			UserAgent: s.UserAgent,
			CreatedAt: s.CreatedAt,
			ExpiresAt: s.ExpiresAt,
			RevokedAt: s.RevokedAt,
			Current:   s.ID == principal.SessionID,
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": resp})
}

func (h HandlerSet) RevokeSession(c *gin.Context) {
	if err := h.authService.RevokeSession(c.Request.Context(), mustPrincipal(c), c.Param("id")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
