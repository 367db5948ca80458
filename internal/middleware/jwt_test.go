package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stemsi/exstem-attempt/internal/config"
	"github.com/stemsi/exstem-attempt/internal/response"
	"github.com/stemsi/exstem-attempt/internal/service"
	"github.com/stretchr/testify/require"
)

const testSecret = "middleware-test-secret"

func signed(t *testing.T, tokenType service.TokenType, userID int) string {
	t.Helper()
	claims := service.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        "jti-1",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: tokenType,
		UserID:    userID,
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func serveJWT(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, *service.Claims) {
	t.Helper()
	auth := service.NewAuthService(&config.Config{JWTSecret: testSecret}, nil)
	var got *service.Claims
	r := gin.New()
	r.Use(RequireStudentJWT(auth))
	r.GET("/x", func(c *gin.Context) {
		got = GetClaims(c)
		c.Status(http.StatusNoContent)
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec, got
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) response.ErrCode {
	t.Helper()
	var body response.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.NotNil(t, body.Error)
	return body.Error.Code
}

func TestRequireStudentJWTHeaderAndQuery(t *testing.T) {
	token := signed(t, service.TokenTypeStudent, 9)

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec, claims := serveJWT(t, req)
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, 9, claims.UserID)

	rec, claims = serveJWT(t, httptest.NewRequest(http.MethodGet, "/x?token="+token, nil))
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "jti-1", claims.ID)
}

func TestRequireStudentJWTRejections(t *testing.T) {
	rec, _ := serveJWT(t, httptest.NewRequest(http.MethodGet, "/x", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, response.ErrTokenRequired, errCode(t, rec))

	rec, _ = serveJWT(t, httptest.NewRequest(http.MethodGet, "/x?token=not-a-jwt", nil))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, response.ErrTokenInvalid, errCode(t, rec))

	other := signed(t, service.TokenType("staff"), 1)
	rec, _ = serveJWT(t, httptest.NewRequest(http.MethodGet, "/x?token="+other, nil))
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Equal(t, response.ErrStudentAccessOnly, errCode(t, rec))
}
