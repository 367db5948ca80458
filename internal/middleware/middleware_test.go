package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(t *testing.T, h gin.HandlerFunc, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	r := gin.New()
	r.Use(h)
	r.GET("/x", func(c *gin.Context) {
		c.String(http.StatusOK, body)
	})
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestBrotliCompressesLargeBodies(t *testing.T) {
	body := strings.Repeat("question text ", 200)
	w := serve(t, Brotli(), body, http.Header{"Accept-Encoding": {"gzip, br"}})

	require.Equal(t, "br", w.Header().Get("Content-Encoding"))
	out, err := io.ReadAll(brotli.NewReader(bytes.NewReader(w.Body.Bytes())))
	require.NoError(t, err)
	require.Equal(t, body, string(out))
}

func TestBrotliLeavesSmallBodiesPlain(t *testing.T) {
	w := serve(t, Brotli(), "ok", http.Header{"Accept-Encoding": {"br"}})
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "ok", w.Body.String())
}

func TestBrotliRespectsAcceptEncoding(t *testing.T) {
	body := strings.Repeat("x", 4096)

	w := serve(t, Brotli(), body, http.Header{"Accept-Encoding": {"gzip"}})
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, body, w.Body.String())

	w = serve(t, Brotli(), body, http.Header{"Accept-Encoding": {"br;q=0"}})
	require.Empty(t, w.Header().Get("Content-Encoding"))
}

func TestCacheControl(t *testing.T) {
	w := serve(t, CacheControl(60), "ok", nil)
	require.Equal(t, "private, max-age=60", w.Header().Get("Cache-Control"))
}
