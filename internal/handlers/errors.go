package handlers

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// APIError is the JSON body of every error response.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func TooLarge(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusRequestEntityTooLarge)
}

func FileTooLarge(maxMB int) *echo.HTTPError {
	return TooLarge("file_too_large", fmt.Sprintf("File too large. Maximum allowed size is %dMB.", maxMB))
}

// BodyLimit caps request bodies a little above maxMB to leave room for
// multipart framing, and reports oversized bodies as file_too_large.
func BodyLimit(maxMB int) echo.MiddlewareFunc {
	limit := middleware.BodyLimit(fmt.Sprintf("%dM", maxMB+1))
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		h := limit(next)
		return func(c echo.Context) error {
			err := h(c)
			if errors.Is(err, echo.ErrStatusRequestEntityTooLarge) {
				return FileTooLarge(maxMB)
			}
			return err
		}
	}
}

func UnsupportedMediaType(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusUnsupportedMediaType)
}

func Unprocessable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusUnprocessableEntity)
}

func Unavailable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusServiceUnavailable)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
