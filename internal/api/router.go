package api

import (
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	echoSwagger "github.com/swaggo/echo-swagger"

	_ "github.com/villagehealth/portal/docs"
	"github.com/villagehealth/portal/internal/api/handler"
	"github.com/villagehealth/portal/internal/api/middleware"
	"github.com/villagehealth/portal/internal/core/domain"
	"github.com/villagehealth/portal/internal/core/ports"
)

// Deps carries everything the router wires into handlers.
type Deps struct {
	Auth          ports.Authenticator
	Consultations ports.ConsultationService
	Notifications ports.NotificationService
	Dispatcher    handler.NotificationDispatcher
	JWTSecret     string
	Checks        map[string]handler.DependencyCheck
	Log           zerolog.Logger
	// Registry receives the HTTP metrics. Nil means the default registry.
	Registry *prometheus.Registry
}

// NewRouter builds and returns the Echo instance with all routes registered.
func NewRouter(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = NewHTTPErrorHandler(d.Log)
	e.Validator = handler.NewValidator()

	// --- Global middleware ---
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.RequestID())
	e.Use(echomiddleware.Logger())
	e.Use(echoprometheus.NewMiddlewareWithConfig(metricsConfig(d.Registry)))

	// --- Handlers ---
	authHandler := handler.NewAuthHandler(d.Auth)
	consultationHandler := handler.NewConsultationHandler(d.Consultations, d.Log)
	notificationHandler := handler.NewNotificationHandler(d.Notifications, d.Dispatcher, d.Log)
	authMiddleware := middleware.Auth(d.JWTSecret)

	// --- Auth routes ---
	e.POST("/auth/register", authHandler.Register)
	e.POST("/auth/login", authHandler.Login)

	// --- Consultations ---
	v1 := e.Group("/v1", authMiddleware)
	participants := middleware.RBAC(domain.RoleVillager, domain.RoleDoctor)

	v1.POST("/consultations", consultationHandler.Create, middleware.RBAC(domain.RoleDoctor, domain.RoleAdmin))
	v1.GET("/consultations/:id", consultationHandler.Get, participants)
	v1.GET("/consultations/:id/messages", consultationHandler.History, participants)
	v1.POST("/consultations/:id/close", consultationHandler.Close, participants)
	v1.GET("/consultations/:id/ws", consultationHandler.Stream, participants)

	// --- Notifications ---
	admin := middleware.RBAC(domain.RoleAdmin)

	v1.GET("/notifications/ws", notificationHandler.Stream)
	v1.GET("/notifications", notificationHandler.Unread)
	v1.POST("/notifications/:id/read", notificationHandler.MarkRead)
	v1.POST("/notifications", notificationHandler.Ingest, admin)
	v1.POST("/notifications/batch", notificationHandler.IngestBatch, admin)

	// --- Health probes and tooling (no auth required) ---
	healthHandler := handler.NewHealthHandler()
	readinessHandler := handler.NewReadinessHandler(d.Checks)

	e.GET("/health", healthHandler.Liveness)           // liveness  – is the process alive?
	e.GET("/health/ready", readinessHandler.Readiness) // readiness – are dependencies up?
	e.GET("/metrics", metricsHandler(d.Registry))
	e.GET("/swagger/*", echoSwagger.WrapHandler)

	return e
}

func metricsConfig(reg *prometheus.Registry) echoprometheus.MiddlewareConfig {
	cfg := echoprometheus.MiddlewareConfig{Subsystem: "portal"}
	if reg != nil {
		cfg.Registerer = reg
	}
	return cfg
}

func metricsHandler(reg *prometheus.Registry) echo.HandlerFunc {
	if reg == nil {
		return echoprometheus.NewHandler()
	}
	return echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg})
}
