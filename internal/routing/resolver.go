package routing

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/geo"
	"github.com/transitlive/tracker_core/internal/metrics"
	"github.com/transitlive/tracker_core/internal/models"
)

const (
	DefaultToleranceMeters = 50.0

	DefaultSearchLimit = 20
	MaxSearchLimit     = 100
)

// Store is the read side of the durable store the resolver needs
type Store interface {
	ShapePoints(ctx context.Context) ([]models.ShapePoint, error)
	ListRoutes(ctx context.Context) ([]models.Route, error)
	GetRoute(ctx context.Context, routeID string) (*models.Route, error)
	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
	SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error)
	RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error)
}

type vertex struct {
	routeID  string
	lat, lon float64
}

// Resolver keeps every route-shape vertex in memory for coordinate to route
// matching and answers stop and route lookups from the store.
type Resolver struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Collector

	tolerance float64

	loadMu sync.Mutex // serializes Load

	mu       sync.RWMutex
	vertices []vertex
	routes   map[string]models.Route
	loaded   bool
}

type Option func(*Resolver)

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

func WithMetrics(m *metrics.Collector) Option {
	return func(r *Resolver) { r.metrics = m }
}

// WithDefaultTolerance sets the tolerance used when a caller passes <= 0
func WithDefaultTolerance(meters float64) Option {
	return func(r *Resolver) {
		if meters > 0 {
			r.tolerance = meters
		}
	}
}

func NewResolver(store Store, opts ...Option) *Resolver {
	r := &Resolver{
		store:     store,
		logger:    slog.Default(),
		tolerance: DefaultToleranceMeters,
		routes:    make(map[string]models.Route),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Load reads all shape vertices and routes from the store and swaps them in
func (r *Resolver) Load(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	startTime := time.Now()

	points, err := r.store.ShapePoints(ctx)
	if err != nil {
		return fmt.Errorf("failed to load shapes: %w", err)
	}
	routeList, err := r.store.ListRoutes(ctx)
	if err != nil {
		return fmt.Errorf("failed to load routes: %w", err)
	}

	vertices := make([]vertex, 0, len(points))
	for _, p := range points {
		vertices = append(vertices, vertex{routeID: p.RouteID, lat: p.Lat, lon: p.Lon})
	}
	routes := make(map[string]models.Route, len(routeList))
	for _, rt := range routeList {
		routes[rt.RouteID] = rt
	}

	r.mu.Lock()
	r.vertices = vertices
	r.routes = routes
	r.loaded = true
	r.mu.Unlock()

	r.metrics.SetRouteVertices(len(vertices))
	r.logger.Info("route index loaded",
		slog.Int("vertices", len(vertices)),
		slog.Int("routes", len(routes)),
		slog.Duration("duration", time.Since(startTime)))
	return nil
}

// IsLoaded returns true once the index has been loaded
func (r *Resolver) IsLoaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *Resolver) ensureLoaded(ctx context.Context) error {
	if r.IsLoaded() {
		return nil
	}
	if err := r.Load(ctx); err != nil {
		return apperror.Wrap(apperror.KindStorage, err, "failed to load route index")
	}
	return nil
}

// StartRefresh reloads the index every interval until ctx is done.
// A failed reload keeps serving the previous index.
func (r *Resolver) StartRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.Load(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("route index refresh failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

// MapToRoute returns the route whose shape passes closest to (lat, lon),
// or nil when no vertex lies within toleranceMeters. Equal distances go to
// the smallest route_id.
func (r *Resolver) MapToRoute(ctx context.Context, lat, lon, toleranceMeters float64) (*models.RouteMatch, error) {
	if err := r.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	if toleranceMeters <= 0 {
		toleranceMeters = r.tolerance
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best     *vertex
		bestDist float64
	)
	for i := range r.vertices {
		v := &r.vertices[i]
		d := geo.Haversine(lat, lon, v.lat, v.lon)
		if d > toleranceMeters {
			continue
		}
		if best == nil || d < bestDist || (d == bestDist && v.routeID < best.routeID) {
			best = v
			bestDist = d
		}
	}
	if best == nil {
		return nil, nil
	}

	route, ok := r.routes[best.routeID]
	if !ok {
		route = models.Route{RouteID: best.routeID}
	}
	return &models.RouteMatch{Route: route, DistanceMeters: bestDist}, nil
}

func (r *Resolver) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	stop, err := r.store.GetStop(ctx, stopID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to load stop")
	}
	return stop, nil
}

// SearchStops matches name or code case-insensitively, ordered by name.
// limit is clamped to [1, MaxSearchLimit]; 0 means DefaultSearchLimit.
func (r *Resolver) SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error) {
	if strings.TrimSpace(query) == "" {
		return []models.Stop{}, nil
	}
	switch {
	case limit <= 0:
		limit = DefaultSearchLimit
	case limit > MaxSearchLimit:
		limit = MaxSearchLimit
	}

	stops, err := r.store.SearchStops(ctx, query, limit)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to search stops")
	}
	return stops, nil
}

// RouteStops lists the stops served by a route in one direction, by sequence
func (r *Resolver) RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error) {
	stops, err := r.store.RouteStops(ctx, routeID, direction)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to load route stops")
	}
	return stops, nil
}

func (r *Resolver) GetRoute(ctx context.Context, routeID string) (*models.Route, error) {
	r.mu.RLock()
	route, ok := r.routes[routeID]
	r.mu.RUnlock()
	if ok {
		return &route, nil
	}

	found, err := r.store.GetRoute(ctx, routeID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to load route")
	}
	return found, nil
}

// Routes returns every route known to the store
func (r *Resolver) Routes(ctx context.Context) ([]models.Route, error) {
	routes, err := r.store.ListRoutes(ctx)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to list routes")
	}
	return routes, nil
}
