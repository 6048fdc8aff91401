package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/eta"
	"github.com/transitlive/tracker_core/internal/middleware"
	"github.com/transitlive/tracker_core/internal/models"
)

const healthTimeout = 2 * time.Second

// Ingestor accepts fixes and serves positions
type Ingestor interface {
	Process(ctx context.Context, raw []byte, apiKey string) (models.PositionFix, error)
	LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error)
	History(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error)
}

// Estimator answers arrival queries
type Estimator interface {
	CalculateETA(ctx context.Context, vehicleID, stopID string) (models.ETAResult, error)
	ETAsForStop(ctx context.Context, stopID, routeID string) ([]models.ETAResult, error)
	BatchETA(ctx context.Context, pairs []eta.Pair) ([]eta.BatchItem, error)
}

// Network answers stop and route lookups
type Network interface {
	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
	SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error)
	RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error)
	GetRoute(ctx context.Context, routeID string) (*models.Route, error)
	MapToRoute(ctx context.Context, lat, lon, toleranceMeters float64) (*models.RouteMatch, error)
}

// HealthCheck is one dependency probed by /health
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Handlers serves the HTTP API. Metrics, Live and IngestLimit are optional.
type Handlers struct {
	Ingest    Ingestor
	ETA       Estimator
	Network   Network
	Checks    []HealthCheck
	Metrics   http.Handler
	Live      fiber.Handler
	LiveGuard fiber.Handler

	IngestLimit *middleware.RateLimiter
}

// Register mounts every route on app
func Register(app *fiber.App, h *Handlers) {
	app.Get("/health", h.Health)
	if h.Metrics != nil {
		app.Get("/metrics", adaptor.HTTPHandler(h.Metrics))
	}
	if h.Live != nil {
		guard := h.LiveGuard
		if guard == nil {
			guard = func(c *fiber.Ctx) error { return c.Next() }
		}
		app.Get("/ws", guard, h.Live)
	}

	if h.IngestLimit != nil {
		app.Post("/gps", h.IngestLimit.Handler(), h.PostGPS)
	} else {
		app.Post("/gps", h.PostGPS)
	}
	app.Get("/gps/:vehicleId/history", h.GetHistory)
	app.Get("/gps/:vehicleId", h.GetPosition)

	app.Post("/eta/batch", h.PostBatchETA)
	app.Get("/eta/stop/:stopId", h.GetStopETAs)
	app.Get("/eta/:vehicleId/:stopId", h.GetETA)

	app.Get("/stops/search", h.SearchStops)
	app.Get("/stops/:stopId", h.GetStop)
	app.Get("/routes/match", h.MatchRoute)
	app.Get("/routes/:routeId/stops", h.GetRouteStops)

	app.Use(NotFound)
}

// PostGPS handles POST /gps
func (h *Handlers) PostGPS(c *fiber.Ctx) error {
	fix, err := h.Ingest.Process(c.UserContext(), c.Body(), c.Get(middleware.APIKeyHeader))
	if err != nil {
		return err
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"success":    true,
		"message":    "GPS update received",
		"vehicle_id": fix.VehicleID,
	})
}

// GetPosition handles GET /gps/:vehicleId
func (h *Handlers) GetPosition(c *fiber.Ctx) error {
	fix, err := h.Ingest.LatestPosition(c.UserContext(), c.Params("vehicleId"))
	if err != nil {
		return err
	}
	if fix == nil {
		return apperror.New(apperror.KindNotFound, "Position not found for vehicle")
	}
	return ok(c, fix)
}

// GetHistory handles GET /gps/:vehicleId/history?limit=
func (h *Handlers) GetHistory(c *fiber.Ctx) error {
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	fixes, err := h.Ingest.History(c.UserContext(), c.Params("vehicleId"), limit)
	if err != nil {
		return err
	}
	return ok(c, fixes)
}

// GetETA handles GET /eta/:vehicleId/:stopId
func (h *Handlers) GetETA(c *fiber.Ctx) error {
	result, err := h.ETA.CalculateETA(c.UserContext(), c.Params("vehicleId"), c.Params("stopId"))
	if err != nil {
		return err
	}
	c.Locals(middleware.CacheHitLocal, result.Cached)
	return ok(c, result)
}

// GetStopETAs handles GET /eta/stop/:stopId?routeId=
func (h *Handlers) GetStopETAs(c *fiber.Ctx) error {
	results, err := h.ETA.ETAsForStop(c.UserContext(), c.Params("stopId"), c.Query("routeId"))
	if err != nil {
		return err
	}
	return ok(c, results)
}

type batchRequest struct {
	Requests []eta.Pair `json:"requests"`
}

// PostBatchETA handles POST /eta/batch
func (h *Handlers) PostBatchETA(c *fiber.Ctx) error {
	var req batchRequest
	if err := json.Unmarshal(c.Body(), &req); err != nil {
		return apperror.New(apperror.KindValidation, "body must be a JSON object with a requests list")
	}
	items, err := h.ETA.BatchETA(c.UserContext(), req.Requests)
	if err != nil {
		return err
	}
	return ok(c, items)
}

// SearchStops handles GET /stops/search?q=&limit=
func (h *Handlers) SearchStops(c *fiber.Ctx) error {
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		return apperror.New(apperror.KindValidation, "query parameter q is required")
	}
	limit, err := intQuery(c, "limit")
	if err != nil {
		return err
	}
	stops, err := h.Network.SearchStops(c.UserContext(), q, limit)
	if err != nil {
		return err
	}
	return ok(c, stops)
}

// GetStop handles GET /stops/:stopId
func (h *Handlers) GetStop(c *fiber.Ctx) error {
	stopID := c.Params("stopId")
	stop, err := h.Network.GetStop(c.UserContext(), stopID)
	if err != nil {
		return err
	}
	if stop == nil {
		return apperror.New(apperror.KindNotFound, "stop not found: "+stopID)
	}
	return ok(c, stop)
}

// GetRouteStops handles GET /routes/:routeId/stops?direction=inbound|outbound
func (h *Handlers) GetRouteStops(c *fiber.Ctx) error {
	routeID := c.Params("routeId")
	direction := c.Query("direction", "outbound")
	if direction != "inbound" && direction != "outbound" {
		return apperror.New(apperror.KindValidation, "direction must be inbound or outbound")
	}

	route, err := h.Network.GetRoute(c.UserContext(), routeID)
	if err != nil {
		return err
	}
	if route == nil {
		return apperror.New(apperror.KindNotFound, "route not found: "+routeID)
	}

	stops, err := h.Network.RouteStops(c.UserContext(), routeID, models.ParseDirection(direction))
	if err != nil {
		return err
	}
	return ok(c, stops)
}

// MatchRoute handles GET /routes/match?lat=&lon=&tolerance=
func (h *Handlers) MatchRoute(c *fiber.Ctx) error {
	lat, err := floatQuery(c, "lat", true)
	if err != nil {
		return err
	}
	lon, err := floatQuery(c, "lon", true)
	if err != nil {
		return err
	}
	tolerance, err := floatQuery(c, "tolerance", false)
	if err != nil {
		return err
	}
	if lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return apperror.New(apperror.KindValidation, "lat/lon out of range")
	}

	match, err := h.Network.MapToRoute(c.UserContext(), lat, lon, tolerance)
	if err != nil {
		return err
	}
	if match == nil {
		return apperror.New(apperror.KindNotFound, "no route near this position")
	}
	return ok(c, match)
}

// Health handles GET /health
func (h *Handlers) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), healthTimeout)
	defer cancel()

	status := "ok"
	checks := make(map[string]string, len(h.Checks))
	for _, hc := range h.Checks {
		if err := hc.Check(ctx); err != nil {
			checks[hc.Name] = "unavailable"
			status = "degraded"
			continue
		}
		checks[hc.Name] = "ok"
	}

	code := fiber.StatusOK
	if status != "ok" {
		code = fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(Response{
		Success: code == fiber.StatusOK,
		Data: fiber.Map{
			"status": status,
			"checks": checks,
			"time":   time.Now().UTC(),
		},
	})
}

func intQuery(c *fiber.Ctx, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperror.New(apperror.KindValidation, name+" must be a non-negative integer")
	}
	return n, nil
}

func floatQuery(c *fiber.Ctx, name string, required bool) (float64, error) {
	raw := c.Query(name)
	if raw == "" {
		if required {
			return 0, apperror.New(apperror.KindValidation, "query parameter "+name+" is required")
		}
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, apperror.New(apperror.KindValidation, name+" must be a number")
	}
	return f, nil
}
