package middleware

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
)

// CheckSingleDeviceSession validates the JWT's JTI against the active session in Redis.
// A token replaced by a newer one, or revoked, is rejected. A Redis failure
// is a 503 so a cache outage does not sign every student out.
func CheckSingleDeviceSession(authService *service.AuthService, log zerolog.Logger) gin.HandlerFunc {
	log = log.With().Str("component", "session_check").Logger()
	return func(c *gin.Context) {
		claims := GetClaims(c)
		if claims == nil {
			response.AbortFail(c, http.StatusUnauthorized, response.ErrTokenRequired)
			return
		}

		err := authService.ValidateStudentSession(c.Request.Context(), claims.UserID, claims.ID)
		switch {
		case err == nil:
			c.Next()
		case errors.Is(err, service.ErrNoActiveSession), errors.Is(err, service.ErrSessionInvalidated):
			response.AbortFail(c, http.StatusUnauthorized, response.ErrSessionInvalidated)
		default:
			log.Error().Err(err).Int("student_id", claims.UserID).Msg("Session check failed")
			response.AbortRetry(c, http.StatusServiceUnavailable, response.ErrServiceUnavailable, time.Second)
		}
	}
}
