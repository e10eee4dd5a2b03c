package middleware

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecurityHeaders_SetsAllHeaders(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/api/v1/indicators")

	h := SecurityHeaders()(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, h(c))

	expected := map[string]string{
		"X-Content-Type-Options":  "nosniff",
		"X-Frame-Options":         "DENY",
		"Content-Security-Policy": "default-src 'none'; frame-ancestors 'none'",
		"Referrer-Policy":         "no-referrer",
		"Cache-Control":           "no-store",
	}
	for header, want := range expected {
		assert.Equal(t, want, rec.Header().Get(header), header)
	}
}

func TestSecurityHeaders_PresentOnErrors(t *testing.T) {
	c, rec := newContext(http.MethodPost, "/api/v1/reports")

	h := SecurityHeaders()(func(c echo.Context) error {
		return echo.ErrNotFound
	})

	assert.ErrorIs(t, h(c), echo.ErrNotFound)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}
