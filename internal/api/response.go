package api

import (
	"errors"
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/logging"
)

// Response is the envelope of every JSON response
type Response struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Details []string `json:"details,omitempty"`
}

func ok(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data})
}

// ErrorHandler turns handler errors into the envelope. Classified errors map
// to their status; anything else is a 500 whose text is logged, not sent.
func ErrorHandler(logger *slog.Logger) fiber.ErrorHandler {
	return func(c *fiber.Ctx, err error) error {
		var fe *fiber.Error
		if errors.As(err, &fe) {
			return c.Status(fe.Code).JSON(Response{Error: fe.Message})
		}

		var ae *apperror.Error
		if !errors.As(err, &ae) {
			logging.LogError(logger, "unhandled error", err,
				slog.String("method", c.Method()),
				slog.String("path", c.Path()))
			return c.Status(fiber.StatusInternalServerError).JSON(Response{Error: "internal server error"})
		}

		status := ae.Kind.HTTPStatus()
		if status >= fiber.StatusInternalServerError {
			logging.LogError(logger, "request failed", err,
				slog.String("method", c.Method()),
				slog.String("path", c.Path()),
				slog.String("kind", ae.Kind.String()))
		}
		return c.Status(status).JSON(Response{Error: ae.Message, Details: ae.Details})
	}
}

// NotFound answers unknown routes
func NotFound(c *fiber.Ctx) error {
	return c.Status(fiber.StatusNotFound).JSON(Response{Error: "endpoint not found"})
}
