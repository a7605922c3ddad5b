// Package middleware holds the fiber middleware of the operator API.
package middleware

import (
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"autoreply_worker/pkg/apperr"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrorResponse is the standard error response format
type ErrorResponse struct {
	Success   bool        `json:"success"`
	Error     ErrorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func errorResponse(c *fiber.Ctx, code, message string, details map[string]any) ErrorResponse {
	requestID, _ := c.Locals("request_id").(string)
	return ErrorResponse{
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Error:     ErrorDetail{Code: code, Message: message, Details: details},
	}
}

// ErrorHandler renders AppError, fiber.Error and anything else as ErrorResponse.
func ErrorHandler(log zerolog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		requestID, _ := c.Locals("request_id").(string)

		var appErr *apperr.AppError
		var fiberErr *fiber.Error
		switch {
		case errors.As(err, &appErr):
			ev := log.Warn()
			if appErr.Status >= 500 {
				ev = log.Error()
			}
			ev.Err(appErr.Err).
				Str("request_id", requestID).
				Str("error_code", appErr.Code).
				Msg(appErr.Message)
			return c.Status(appErr.Status).JSON(errorResponse(c, appErr.Code, appErr.Message, appErr.Details))

		case errors.As(err, &fiberErr):
			return c.Status(fiberErr.Code).JSON(errorResponse(c, mapHTTPStatusToCode(fiberErr.Code), fiberErr.Message, nil))

		default:
			log.Error().Err(err).Str("request_id", requestID).Msg("unexpected error")
			return c.Status(fiber.StatusInternalServerError).
				JSON(errorResponse(c, apperr.CodeInternalError, "An unexpected error occurred", nil))
		}
	}
}

// RequestID middleware adds a unique request ID to each request
func RequestID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		requestID := c.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Locals("request_id", requestID)
		c.Set("X-Request-ID", requestID)
		return c.Next()
	}
}

// RequestLogger logs each request at a level chosen by status.
func RequestLogger(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = apperr.AsAppError(err).Status
			}
		}

		ev := log.Debug()
		switch {
		case status >= 500:
			ev = log.Error()
		case status >= 400:
			ev = log.Warn()
		}
		requestID, _ := c.Locals("request_id").(string)
		ev.Str("request_id", requestID).
			Str("method", c.Method()).
			Str("path", c.Path()).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request")
		return err
	}
}

// Recover turns a handler panic into a 500 response.
func Recover(log zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) (err error) {
		defer func() {
			if r := recover(); r != nil {
				requestID, _ := c.Locals("request_id").(string)
				log.Error().
					Str("request_id", requestID).
					Str("panic", fmt.Sprint(r)).
					Str("path", c.Path()).
					Str("stack", string(debug.Stack())).
					Msg("panic recovered")
				err = c.Status(fiber.StatusInternalServerError).
					JSON(errorResponse(c, apperr.CodeInternalError, "An unexpected error occurred", nil))
			}
		}()
		return c.Next()
	}
}

func mapHTTPStatusToCode(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return apperr.CodeBadRequest
	case fiber.StatusNotFound:
		return apperr.CodeNotFound
	case fiber.StatusServiceUnavailable:
		return apperr.CodeUnavailable
	case fiber.StatusGatewayTimeout:
		return apperr.CodeTimeout
	default:
		return apperr.CodeInternalError
	}
}
