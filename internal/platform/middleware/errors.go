package middleware

import "github.com/labstack/echo/v4"

// ErrorBody is the JSON error envelope shared by the middlewares and the
// reporting handlers.
type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// WriteError writes an ErrorBody unless the response is already committed.
func WriteError(c echo.Context, status int, code, message string) error {
	if c.Response().Committed {
		return nil
	}
	return c.JSON(status, ErrorBody{Error: code, Message: message})
}
