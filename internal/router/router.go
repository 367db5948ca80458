package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/handler"
	"github.com/stemsi/exstem-attempt/internal/middleware"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// questionsMaxAge is how long clients may reuse a fetched question set.
const questionsMaxAge = 300

// Handlers groups all handler instances for route setup.
type Handlers struct {
	Attempt *handler.AttemptHandler
	WS      *handler.WSHandler
}

// SetupRouter configures all Gin route groups with appropriate middlewares.
// violationLimiter caps violation reports per attempt.
func SetupRouter(
	authService *service.AuthService,
	handlers *Handlers,
	violationLimiter *middleware.RateLimiter,
	cfg *config.Config,
	log zerolog.Logger,
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
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", "X-Request-ID"}
	corsConfig.ExposeHeaders = []string{"X-Request-ID", "Retry-After"}
	corsConfig.MaxAge = 12 * time.Hour
	router.Use(cors.New(corsConfig))

	router.Use(response.RequestIDMiddleware())
	router.Use(middleware.Brotli())

	router.GET("/health", func(c *gin.Context) {
		response.Success(c, http.StatusOK, gin.H{"status": "ok"})
	})

	studentAuth := []gin.HandlerFunc{
		middleware.RequireStudentJWT(authService),
		middleware.CheckSingleDeviceSession(authService, log),
	}

	// ─── 1. Attempt API (JWT + Single Device) ──────────────────────────
	api := router.Group("/api/v1")
	api.Use(studentAuth...)
	{
		api.POST("/exams/:exam_id/attempts", handlers.Attempt.StartAttempt)
		api.GET("/exams/:exam_id", handlers.Attempt.GetExam)
		api.GET("/exams/:exam_id/questions",
			middleware.CacheControl(questionsMaxAge),
			handlers.Attempt.GetQuestions,
		)

		api.GET("/attempts/:attempt_id", handlers.Attempt.GetAttempt)
		api.GET("/attempts/:attempt_id/answers", handlers.Attempt.GetAnswers)
		api.PUT("/attempts/:attempt_id/answers/:question_id", handlers.Attempt.SaveAnswer)
		api.POST("/attempts/:attempt_id/submit", handlers.Attempt.SubmitAttempt)
		api.POST("/attempts/:attempt_id/violations",
			violationLimiter.Middleware(),
			handlers.Attempt.ReportViolation,
		)
		api.GET("/attempts/:attempt_id/answer-details", handlers.Attempt.GetAnswerDetails)
	}

	// ─── 2. WebSocket Group (token in query) ───────────────────────────
	ws := router.Group("/ws/v1")
	ws.Use(studentAuth...)
	{
		ws.GET("/attempts/:attempt_id/stream", handlers.WS.AttemptStream)
	}

	return router
}

// AttemptSubject keys a rate limit by the attempt in the path.
func AttemptSubject(c *gin.Context) string {
	return c.Param("attempt_id")
}
