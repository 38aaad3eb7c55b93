package handlers

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"clinicdesk/internal/config"
	"clinicdesk/internal/middleware"
	"clinicdesk/internal/models"
	"clinicdesk/internal/service"
)

// HealthCheck is one dependency reported by /healthz.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type TenantGate interface {
	AssertExists(ctx context.Context, raw string) (string, error)
}

type HandlerSet struct {
	log           zerolog.Logger
	cfg           *config.AppConfig
	authService   *service.AuthService
	authenticator middleware.Authenticator
	gate          TenantGate
	loginLimiter  *middleware.IPLimiter
	checks        []HealthCheck
}

func NewHandlerSet(
	log zerolog.Logger,
	cfg *config.AppConfig,
	authService *service.AuthService,
	authenticator middleware.Authenticator,
	gate TenantGate,
	checks ...HealthCheck,
) HandlerSet {
	return HandlerSet{
		log:           log,
		cfg:           cfg,
		authService:   authService,
		authenticator: authenticator,
		gate:          gate,
		loginLimiter:  middleware.NewIPLimiter(cfg.Security.LoginRateLimit, cfg.Security.LoginBurst),
		checks:        checks,
	}
}

func (h HandlerSet) Register(router *gin.RouterGroup) {
	router.GET("/healthz", h.Health)

	requireAuth := middleware.Auth(h.authenticator, h.log)

	v1 := router.Group("/v1")
	{
		public := v1.Group("/auth")
		public.Use(middleware.RateLimit(h.loginLimiter))
		public.POST("/register", h.RegisterUser)
		public.POST("/login", h.Login)
		public.POST("/google", h.LoginWithGoogle)
		public.POST("/password/reset", h.ResetPassword)

		v1.GET("/tenants/:schema", middleware.RateLimit(h.loginLimiter), h.CheckTenant)

		protected := v1.Group("/auth")
		protected.Use(requireAuth)
		protected.GET("/session", h.Session)
		protected.GET("/sessions", h.ListSessions)
		protected.DELETE("/sessions/:id", h.RevokeSession)
		protected.POST("/logout", h.Logout)
		protected.POST("/logout-all", h.LogoutAll)
		protected.POST("/switch-tenant", h.SwitchTenant)
	}

	scoped := v1.Group("/tenant")
	scoped.Use(requireAuth)
	scoped.GET("/context", h.TenantContext)

	admin := scoped.Group("/admin")
	admin.Use(middleware.RequireRoles(models.UserRoleAdmin))
	admin.PUT("/users/:id/access", h.GrantAccess)
	admin.DELETE("/users/:id/access", h.RevokeAccess)
}
