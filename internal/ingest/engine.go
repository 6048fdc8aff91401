// Package ingest accepts GPS fixes from vehicles: it authenticates the
// device, validates and deduplicates the payload, persists it and keeps the
// latest-position cache current.
package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/auth"
	"github.com/transitlive/tracker_core/internal/cache"
	"github.com/transitlive/tracker_core/internal/logging"
	"github.com/transitlive/tracker_core/internal/metrics"
	"github.com/transitlive/tracker_core/internal/models"
)

const (
	// PositionTTL is how long the latest-position snapshot lives in the cache
	PositionTTL = 5 * time.Minute
	// LastSeenTTL is how long the dedup timestamp lives in the cache
	LastSeenTTL = 60 * time.Second

	DefaultDedupWindow = time.Second

	EventPositionUpdate = "position_update"
)

// Store is the slice of the durable store the ingest path uses
type Store interface {
	InsertPosition(ctx context.Context, fix models.PositionFix) (bool, error)
	LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error)
	PositionHistory(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error)
}

// Publisher fans events out to live subscribers
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any, topics ...string) error
}

// PositionEvent is the payload of a position_update broadcast
type PositionEvent struct {
	VehicleID string   `json:"vehicle_id"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp int64    `json:"timestamp"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// VehicleTopic is the broadcast topic for one vehicle
func VehicleTopic(vehicleID string) string {
	return "vehicle:" + vehicleID
}

// AllVehiclesTopic receives every position update
const AllVehiclesTopic = "vehicles"

// Engine authenticates, validates, deduplicates, stores and publishes GPS fixes
type Engine struct {
	store       Store
	cache       cache.Store
	credentials auth.Resolver
	publisher   Publisher
	metrics     *metrics.Collector
	logger      *slog.Logger
	dedupWindow time.Duration
	now         func() time.Time
}

// Option configures an Engine
type Option func(*Engine)

// WithPublisher sends position_update events to live subscribers
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records accepted and rejected fixes
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithDedupWindow sets the minimum spacing between two fixes of one vehicle.
// Values <= 0 keep the default.
func WithDedupWindow(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.dedupWindow = d
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine over the durable store, the positional cache
// and the credential resolver
func NewEngine(store Store, c cache.Store, credentials auth.Resolver, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		cache:       c,
		credentials: credentials,
		logger:      slog.Default(),
		dedupWindow: DefaultDedupWindow,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Process runs one raw payload through the pipeline and returns the stored fix
func (e *Engine) Process(ctx context.Context, raw []byte, apiKey string) (models.PositionFix, error) {
	start := e.now()

	principal, err := e.credentials.Resolve(ctx, apiKey)
	if err != nil {
		e.metrics.FixRejected("storage")
		return models.PositionFix{}, apperror.Wrap(apperror.KindStorage, err, "failed to verify API key")
	}
	if principal == nil {
		e.metrics.FixRejected("unauthorized")
		return models.PositionFix{}, apperror.New(apperror.KindUnauthorized, "invalid or missing API key")
	}

	fix, err := Validate(raw)
	if err != nil {
		e.metrics.FixRejected("validation")
		return models.PositionFix{}, err
	}

	if !principal.CanReport(fix.VehicleID) {
		e.metrics.FixRejected("unauthorized")
		return models.PositionFix{}, apperror.New(apperror.KindUnauthorized,
			"API key is not authorized for vehicle "+fix.VehicleID)
	}

	duplicate, err := e.IsDuplicate(ctx, fix.VehicleID, fix.Timestamp)
	if err != nil {
		// the store still rejects exact duplicates
		logging.LogError(e.logger, "dedup cache unavailable", err, slog.String("vehicle_id", fix.VehicleID))
	}
	if duplicate {
		e.metrics.FixRejected("duplicate")
		return models.PositionFix{}, apperror.New(apperror.KindConflict, "duplicate GPS fix")
	}

	// a client hanging up must not leave the fix half written
	writeCtx := context.WithoutCancel(ctx)

	fix.CreatedAt = e.now().UTC()
	inserted, err := e.store.InsertPosition(writeCtx, fix)
	if err != nil {
		e.metrics.FixRejected("storage")
		return models.PositionFix{}, apperror.Wrap(apperror.KindStorage, err, "failed to store GPS data")
	}
	if !inserted {
		e.metrics.FixRejected("duplicate")
		return models.PositionFix{}, apperror.New(apperror.KindConflict, "duplicate GPS fix")
	}

	e.cacheFix(writeCtx, fix)

	if e.publisher != nil {
		logging.NonCritical(writeCtx, e.logger, "publish position update", func(ctx context.Context) error {
			return e.publisher.Publish(ctx, EventPositionUpdate, PositionEvent{
				VehicleID: fix.VehicleID,
				Latitude:  fix.Latitude,
				Longitude: fix.Longitude,
				Timestamp: fix.Timestamp,
				Speed:     fix.Speed,
				Heading:   fix.Heading,
			}, VehicleTopic(fix.VehicleID), AllVehiclesTopic)
		})
	}

	e.metrics.FixAccepted(e.now().Sub(start))
	logging.LogOperation(e.logger, "gps fix stored",
		slog.String("vehicle_id", fix.VehicleID),
		slog.Int64("timestamp", fix.Timestamp),
		slog.String("device", principal.Label))

	return fix, nil
}

func (e *Engine) cacheFix(ctx context.Context, fix models.PositionFix) {
	logging.NonCritical(ctx, e.logger, "cache latest position", func(ctx context.Context) error {
		return cache.SetJSON(ctx, e.cache, cache.LatestPositionKey(fix.VehicleID), fix, PositionTTL)
	})
	logging.NonCritical(ctx, e.logger, "cache last seen", func(ctx context.Context) error {
		ms := strconv.FormatInt(fix.Timestamp*1000, 10)
		return e.cache.Set(ctx, cache.LastSeenKey(fix.VehicleID), []byte(ms), LastSeenTTL)
	})
}

// IsDuplicate reports whether a fix at timestamp (Unix seconds) falls within
// the dedup window of the last accepted fix. The cached value is in
// milliseconds, so with the default 1 s window only an equal second matches.
func (e *Engine) IsDuplicate(ctx context.Context, vehicleID string, timestamp int64) (bool, error) {
	data, err := e.cache.Get(ctx, cache.LastSeenKey(vehicleID))
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil
	}

	lastMs, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return false, err
	}

	diff := timestamp*1000 - lastMs
	if diff < 0 {
		diff = -diff
	}
	return diff < e.dedupWindow.Milliseconds(), nil
}

// LatestPosition returns the most recent fix of a vehicle, or nil when it
// never reported. The cache is consulted first; a miss is served from the
// store and written back.
func (e *Engine) LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error) {
	var cached models.PositionFix
	found, err := cache.GetJSON(ctx, e.cache, cache.LatestPositionKey(vehicleID), &cached)
	if err != nil {
		logging.LogError(e.logger, "position cache read failed", err, slog.String("vehicle_id", vehicleID))
	}
	if found {
		return &cached, nil
	}

	fix, err := e.store.LatestPosition(ctx, vehicleID)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to load position")
	}
	if fix == nil {
		return nil, nil
	}

	logging.NonCritical(context.WithoutCancel(ctx), e.logger, "cache latest position", func(ctx context.Context) error {
		return cache.SetJSON(ctx, e.cache, cache.LatestPositionKey(vehicleID), fix, PositionTTL)
	})
	return fix, nil
}

// History returns recent fixes newest first
func (e *Engine) History(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error) {
	fixes, err := e.store.PositionHistory(ctx, vehicleID, limit)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindStorage, err, "failed to load position history")
	}
	return fixes, nil
}
