package api

import (
	"errors"
	"io/fs"
	"net/http"

	"github.com/labstack/echo/v5"
)

// ErrorBody is the JSON error envelope.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ErrorBody{Message: msg, Type: errType},
	})
}

func fileError(c *echo.Context, err error, missing string) error {
	if errors.Is(err, fs.ErrNotExist) {
		return writeNotFound(c, missing)
	}
	return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
}
