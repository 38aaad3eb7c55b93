package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"clinicdesk/internal/authn"
	"clinicdesk/internal/middleware"
	"clinicdesk/internal/service"
)

type registerRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
	Name     string `json:"name" binding:"required"`
	Phone    string `json:"phone"`
	Schema   string `json:"schema" binding:"required"`
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
	Schema   string `json:"schema"`
}

type identityLoginRequest struct {
	Token  string `json:"token" binding:"required"`
	Schema string `json:"schema"`
}

type resetPasswordRequest struct {
	Email       string `json:"email" binding:"required,email"`
	NewPassword string `json:"newPassword" binding:"required"`
	Schema      string `json:"schema"`
}

type switchTenantRequest struct {
	Schema string `json:"schema" binding:"required"`
}

type authResponse struct {
	Token      string       `json:"token"`
	SchemaName string       `json:"schemaName"`
	ExpiresAt  time.Time    `json:"expiresAt"`
	User       userResponse `json:"user"`
}

type userResponse struct {
	ID        string   `json:"id"`
	Email     string   `json:"email"`
	Name      string   `json:"name"`
	Phone     string   `json:"phone"`
	Role      string   `json:"role"`
	Companies []string `json:"companies"`
}

func (h HandlerSet) RegisterUser(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.Register(c.Request.Context(), service.RegisterInput{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Phone:    req.Phone,
		Schema:   req.Schema,
		Client:   clientInfo(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	sendAuthResponse(c, http.StatusCreated, result)
}

func (h HandlerSet) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.Login(c.Request.Context(), service.LoginInput{
		Email:    req.Email,
		Password: req.Password,
		Schema:   req.Schema,
		Client:   clientInfo(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	sendAuthResponse(c, http.StatusOK, result)
}

func (h HandlerSet) LoginWithGoogle(c *gin.Context) {
	var req identityLoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.LoginWithIdentity(c.Request.Context(), service.IdentityLoginInput{
		Token:  req.Token,
		Schema: req.Schema,
		Client: clientInfo(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	sendAuthResponse(c, http.StatusOK, result)
}

func (h HandlerSet) ResetPassword(c *gin.Context) {
	var req resetPasswordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.ResetPassword(c.Request.Context(), service.ResetPasswordInput{
		Email:       req.Email,
		NewPassword: req.NewPassword,
		Schema:      req.Schema,
		Client:      clientInfo(c),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	sendAuthResponse(c, http.StatusOK, result)
}

func (h HandlerSet) Session(c *gin.Context) {
	principal := mustPrincipal(c)
	c.JSON(http.StatusOK, principal)
}

func (h HandlerSet) Logout(c *gin.Context) {
	if err := h.authService.Logout(c.Request.Context(), mustPrincipal(c)); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h HandlerSet) LogoutAll(c *gin.Context) {
	revoked, err := h.authService.LogoutAll(c.Request.Context(), mustPrincipal(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"revoked": revoked})
}

func (h HandlerSet) SwitchTenant(c *gin.Context) {
	var req switchTenantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.authService.SwitchTenant(c.Request.Context(), mustPrincipal(c), req.Schema, clientInfo(c))
	if err != nil {
		h.writeError(c, err)
		return
	}

	sendAuthResponse(c, http.StatusOK, result)
}

func sendAuthResponse(c *gin.Context, status int, result service.AuthResult) {
	companies := result.User.Companies
	if companies == nil {
		companies = []string{}
	}
	c.JSON(status, authResponse{
		Token:      result.Token,
		SchemaName: result.Tenant,
		ExpiresAt:  result.ExpiresAt,
		User: userResponse{
			ID:        result.User.ID,
			Email:     result.User.Email,
			Name:      result.User.Name,
			Phone:     result.User.Phone,
			Role:      string(result.User.Role),
			Companies: companies,
		},
	})
}

func clientInfo(c *gin.Context) service.ClientInfo {
	return service.ClientInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
}

// mustPrincipal is only used behind middleware.Auth.
func mustPrincipal(c *gin.Context) authn.Principal {
	principal, ok := middleware.CurrentPrincipal(c)
	if !ok {
		panic("handlers: route registered without auth middleware")
	}
	return principal
}
