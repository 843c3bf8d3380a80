package errorpages

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmbeddedTemplates(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	for _, status := range []int{http.StatusTooManyRequests, http.StatusBadGateway, http.StatusGatewayTimeout} {
		rec := httptest.NewRecorder()
		rec.Header().Set("Retry-After", "1")
		Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), status)

		assert.Equal(t, status, rec.Code)
		assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
		assert.Equal(t, "1", rec.Header().Get("Retry-After"))
		assert.Contains(t, rec.Body.String(), http.StatusText(status))
	}
}

func TestRenderFallsBackToPlainText(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	rec := httptest.NewRecorder()
	Render(rec, httptest.NewRequest(http.MethodGet, "/", nil), http.StatusTeapot)

	assert.Equal(t, http.StatusTeapot, rec.Code)
	assert.Equal(t, "418 I'm a teapot", rec.Body.String())
}

func TestLoadPrefersOverrideDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "502.html"), []byte("custom"), 0o644))
	t.Setenv("HOP_ERROR_PAGES_DIR", dir)

	data, ok := Load(http.StatusBadGateway)
	require.True(t, ok)
	assert.Equal(t, "custom", string(data))
}

func TestRenderHeadOmitsBody(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	rec := httptest.NewRecorder()
	Render(rec, httptest.NewRequest(http.MethodHead, "/", nil), http.StatusBadGateway)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestRenderIncludesEscapedRequestID(t *testing.T) {
	t.Setenv("HOP_ERROR_PAGES_DIR", t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "<abc>")
	rec := httptest.NewRecorder()
	Render(rec, req, http.StatusGatewayTimeout)

	assert.Contains(t, rec.Body.String(), "&lt;abc&gt;")
	assert.NotContains(t, rec.Body.String(), "<abc>")
	assert.NotContains(t, rec.Body.String(), "{{")
}
