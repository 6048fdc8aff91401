package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/transitlive/tracker_core/internal/apperror"
)

// CacheHitLocal is the c.Locals key handlers set when they answered from cache
const CacheHitLocal = "cache_hit"

// RequestRecorder receives one observation per served request
type RequestRecorder interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Analytics records every request against its matched route pattern and
// adds timing headers to the response.
func Analytics(rec RequestRecorder) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()

		elapsed := time.Since(start)

		// the app error handler runs after this returns, so derive the status
		// it is going to write
		status := c.Response().StatusCode()
		if err != nil {
			status = statusOf(err)
		}

		route := c.Path()
		if r := c.Route(); r != nil {
			route = r.Path
		}
		rec.ObserveRequest(c.Method(), route, status, elapsed)

		cacheHit, _ := c.Locals(CacheHitLocal).(bool)
		c.Set("X-Response-Time", elapsed.String())
		c.Set("X-Cache-Hit", strconv.FormatBool(cacheHit))

		return err
	}
}

func statusOf(err error) int {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return apperror.KindOf(err).HTTPStatus()
}
