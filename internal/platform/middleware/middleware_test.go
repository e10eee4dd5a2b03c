package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newContext(method, path string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(method, path, nil)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestRequestID_GeneratesNew(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return c.String(http.StatusOK, "ok")
	})

	require.NoError(t, h(c))
	assert.Len(t, seen, 36)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))
}

func TestRequestID_PreservesExisting(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, "my-custom-id")

	var seen string
	h := RequestID()(func(c echo.Context) error {
		seen, _ = c.Get("request_id").(string)
		return c.NoContent(http.StatusOK)
	})

	require.NoError(t, h(c))
	assert.Equal(t, "my-custom-id", seen)
	assert.Equal(t, "my-custom-id", rec.Header().Get(RequestIDHeader))
}

func TestRequestID_ReplacesOversized(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")
	c.Request().Header.Set(RequestIDHeader, strings.Repeat("a", 500))

	h := RequestID()(func(c echo.Context) error { return nil })

	require.NoError(t, h(c))
	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	c, _ := newContext(http.MethodGet, "/api/v1/indicators")
	c.Set("request_id", "rid-1")

	h := Logger(logger)(func(c echo.Context) error {
		zerolog.Ctx(c.Request().Context()).Info().Msg("inside")
		return c.String(http.StatusOK, "ok")
	})
	require.NoError(t, h(c))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "inside", lines[0]["message"])
	assert.Equal(t, "rid-1", lines[0]["request_id"])

	assert.Equal(t, "request", lines[1]["message"])
	assert.Equal(t, "info", lines[1]["level"])
	assert.Equal(t, "GET", lines[1]["method"])
	assert.Equal(t, "/api/v1/indicators", lines[1]["path"])
	assert.EqualValues(t, 200, lines[1]["status"])
}

func TestLogger_UsesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodPost, "/api/v1/reports")

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "missing parameter")
	})
	err := h(c)
	require.Error(t, err)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warn", lines[0]["level"])
	assert.EqualValues(t, 422, lines[0]["status"])
}

func TestLogger_ServerErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/")

	h := Logger(zerolog.New(&buf))(func(c echo.Context) error {
		return errors.New("boom")
	})
	require.Error(t, h(c))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.EqualValues(t, 500, lines[0]["status"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestRecovery_CatchesPanic(t *testing.T) {
	var buf bytes.Buffer
	c, _ := newContext(http.MethodGet, "/")
	c.Set("request_id", "rid-2")

	h := Recovery(zerolog.New(&buf))(func(c echo.Context) error {
		panic("test panic")
	})

	err := h(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusInternalServerError, he.Code)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "test panic", lines[0]["panic"])
	assert.Equal(t, "rid-2", lines[0]["request_id"])
}

func TestRecovery_PassesThrough(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")

	h := Recovery(zerolog.Nop())(func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})

	require.NoError(t, h(c))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusOf(t *testing.T) {
	c, _ := newContext(http.MethodGet, "/")
	assert.Equal(t, http.StatusOK, StatusOf(c, nil))
	assert.Equal(t, http.StatusNotFound, StatusOf(c, echo.ErrNotFound))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(c, errors.New("x")))

	c2, _ := newContext(http.MethodGet, "/")
	require.NoError(t, c2.NoContent(http.StatusAccepted))
	assert.Equal(t, http.StatusAccepted, StatusOf(c2, errors.New("late")))
}

func TestWriteError(t *testing.T) {
	c, rec := newContext(http.MethodGet, "/")

	require.NoError(t, WriteError(c, http.StatusServiceUnavailable, "data_access", "store down"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ErrorBody{Error: "data_access", Message: "store down"}, body)

	// committed responses are left alone
	require.NoError(t, WriteError(c, http.StatusTeapot, "x", "y"))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
