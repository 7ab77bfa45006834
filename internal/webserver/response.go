package webserver

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RestResult is the uniform response envelope: status is success or
// error, the rest depends on the action.
type RestResult struct {
	Status  string      `json:"status"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func ok(c echo.Context, data interface{}) error {
	return c.JSON(http.StatusOK, RestResult{Status: "success", Data: data})
}

func okMessage(c echo.Context, message string) error {
	return c.JSON(http.StatusOK, RestResult{Status: "success", Message: message})
}

func fail(c echo.Context, status int, code string, message string, detail interface{}) error {
	return c.JSON(status, RestResult{Status: "error", Code: code, Message: message, Data: detail})
}

// Exported helpers for handler packages.

func Ok(c echo.Context, data interface{}) error {
	return ok(c, data)
}

func OkMessage(c echo.Context, message string) error {
	return okMessage(c, message)
}

func Fail(c echo.Context, status int, code string, message string, detail interface{}) error {
	return fail(c, status, code, message, detail)
}
