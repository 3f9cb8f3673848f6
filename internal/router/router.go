package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/stemsi/exstem-client/internal/config"
	"github.com/stemsi/exstem-client/internal/handler"
	"github.com/stemsi/exstem-client/internal/metrics"
	"github.com/stemsi/exstem-client/internal/middleware"
	"github.com/stemsi/exstem-client/internal/response"
	"github.com/stemsi/exstem-client/internal/service"
)

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Auth    *handler.AuthHandler
	Attempt *handler.AttemptHandler
	Subject *handler.SubjectHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// tokenLimiter may be nil to leave token issuance unthrottled.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	tokenLimiter *middleware.RateLimiter,
	cfg *config.Config,
) *gin.Engine {
	gin.SetMode(cfg.GinMode)
	router := gin.Default()

	// ─── CORS ──────────────────────────────────────────────────────────
	// If AllowedOrigins is set in config, restrict to that list;
	// otherwise allow all (*) so dev works without extra config.
	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	// Apply request ID middleware globally so every response includes metadata.
	router.Use(response.RequestIDMiddleware())

	metrics.Init()
	router.Use(metrics.MetricsMiddleware())
	router.GET("/metrics", metrics.PrometheusHandler())

	router.NoRoute(func(c *gin.Context) {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
	})

	// Health check.
	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	// ─── 1. Auth Group (Public, Rate Limited) ──────────────────────────
	auth := router.Group("/api/v1/auth")
	if tokenLimiter != nil {
		auth.Use(tokenLimiter.Middleware())
	}
	{
		auth.POST("/student/token", handlers.Auth.IssueStudentToken)
	}

	// ─── 2. Student Group (JWT + Single Device) ────────────────────────
	studentAPI := router.Group("/api/v1/student")
	studentAPI.Use(
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService),
		middleware.NoStore(),
	)
	{
		studentAPI.GET("/subjects", handlers.Subject.ListSubjects)
		studentAPI.POST("/subjects/:subject_id/attempts", handlers.Attempt.StartAttempt)
		studentAPI.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
		studentAPI.GET("/attempts/:attempt_id/result", handlers.Attempt.GetResult)
	}

	// ─── 3. Teardown Group (token in body) ─────────────────────────────
	// No single-device check: a superseded token may still hand in its attempt.
	teardown := router.Group("/api/v1/student")
	{
		teardown.POST("/attempts/:attempt_id/teardown-submit", handlers.Attempt.TeardownSubmit)
	}

	// ─── 4. WebSocket Group (Student WS Auth) ──────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(middleware.RequireStudentWSAuth(authService))
	{
		ws.GET("/student/stream", handlers.WS.StudentStream)
	}

	return router
}
