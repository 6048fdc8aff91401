// Package eta estimates when a vehicle reaches a stop. Live estimates come
// from a travel-time oracle; results are cached briefly and an expired entry
// is served, downgraded to low confidence, when a live computation fails.
package eta

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/cache"
	"github.com/transitlive/tracker_core/internal/geo"
	"github.com/transitlive/tracker_core/internal/logging"
	"github.com/transitlive/tracker_core/internal/metrics"
	"github.com/transitlive/tracker_core/internal/models"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCacheTTL      = 30 * time.Second
	DefaultStaleWindow   = 10 * time.Minute
	DefaultSafetyBuffer  = time.Minute
	DefaultOracleTimeout = 5 * time.Second
	DefaultApproach      = 2

	// approachNoticeTTL stops the same vehicle/stop pair notifying twice
	approachNoticeTTL = 5 * time.Minute

	MaxBatchSize     = 50
	batchConcurrency = 8

	EventETAUpdate = "eta_update"
)

// Positions yields the latest known fix of a vehicle, nil when unknown
type Positions interface {
	LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error)
}

// Network resolves stops and maps coordinates to routes
type Network interface {
	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
	MapToRoute(ctx context.Context, lat, lon, toleranceMeters float64) (*models.RouteMatch, error)
}

// Recorder stores prediction history and passenger notifications
type Recorder interface {
	RecordPrediction(ctx context.Context, rec models.PredictionRecord) error
	NotifyApproaching(ctx context.Context, notice models.ApproachNotice) (int, error)
}

// Publisher fans events out to live subscribers
type Publisher interface {
	Publish(ctx context.Context, eventType string, data any, topics ...string) error
}

// Config tunes the engine
type Config struct {
	CacheTTL        time.Duration
	StaleWindow     time.Duration // how long an expired estimate stays available as a fallback
	SafetyBuffer    time.Duration
	OracleTimeout   time.Duration
	ApproachMinutes int
	RouteTolerance  float64
}

func (c Config) withDefaults() Config {
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.StaleWindow < 0 {
		c.StaleWindow = 0
	}
	if c.SafetyBuffer < 0 {
		c.SafetyBuffer = 0
	}
	if c.OracleTimeout <= 0 {
		c.OracleTimeout = DefaultOracleTimeout
	}
	return c
}

// cachedEstimate is what lives under eta:{vehicle}:{stop}. The key outlives
// FreshUntil by the stale window.
type cachedEstimate struct {
	Result     models.ETAResult `json:"result"`
	FreshUntil time.Time        `json:"fresh_until"`
}

// Engine computes, caches and serves arrival estimates
type Engine struct {
	positions Positions
	network   Network
	oracle    Oracle
	cache     cache.Store
	recorder  Recorder
	publisher Publisher
	metrics   *metrics.Collector
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time

	// stopLocks serializes read-modify-write of one stop's batch
	stopLocks sync.Map
}

// Option configures an Engine
type Option func(*Engine)

// WithRecorder stores prediction records and approach notifications
func WithRecorder(r Recorder) Option {
	return func(e *Engine) { e.recorder = r }
}

// WithPublisher sends eta_update events to live subscribers
func WithPublisher(p Publisher) Option {
	return func(e *Engine) { e.publisher = p }
}

// WithMetrics records ETA outcomes
func WithMetrics(m *metrics.Collector) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine logger
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine builds an engine; zero Config fields take their defaults
func NewEngine(positions Positions, network Network, oracle Oracle, c cache.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		positions: positions,
		network:   network,
		oracle:    oracle,
		cache:     c,
		logger:    slog.Default(),
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ConfidenceForAge grades an estimate by the age of the fix behind it
func ConfidenceForAge(age time.Duration) models.Confidence {
	switch {
	case age < 5*time.Minute:
		return models.ConfidenceHigh
	case age < 10*time.Minute:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

// CalculateETA returns the arrival estimate of vehicleID at stopID
func (e *Engine) CalculateETA(ctx context.Context, vehicleID, stopID string) (models.ETAResult, error) {
	key := cache.ETAKey(vehicleID, stopID)

	var entry cachedEstimate
	found, err := cache.GetJSON(ctx, e.cache, key, &entry)
	if err != nil {
		logging.LogError(e.logger, "eta cache read failed", err, slog.String("key", key))
		found = false
	}
	if found && e.now().Before(entry.FreshUntil) {
		e.metrics.ETAOutcome("cache_hit")
		result := entry.Result
		result.Cached = true
		return result, nil
	}

	result, travel, err := e.compute(ctx, vehicleID, stopID)
	if err != nil {
		if found {
			e.metrics.ETAOutcome("stale")
			e.logger.Warn("serving stale eta",
				slog.String("vehicle_id", vehicleID),
				slog.String("stop_id", stopID),
				slog.String("error", err.Error()))
			stale := entry.Result
			stale.Cached = true
			stale.Confidence = models.ConfidenceLow
			return stale, nil
		}
		e.metrics.ETAOutcome("error")
		return models.ETAResult{}, err
	}

	e.metrics.ETAOutcome("computed")
	e.afterCompute(context.WithoutCancel(ctx), result, travel)
	return result, nil
}

type travelInfo struct {
	minutes    float64
	distanceKm float64
}

func (e *Engine) compute(ctx context.Context, vehicleID, stopID string) (models.ETAResult, travelInfo, error) {
	pos, err := e.positions.LatestPosition(ctx, vehicleID)
	if err != nil {
		return models.ETAResult{}, travelInfo{}, err
	}
	if pos == nil {
		return models.ETAResult{}, travelInfo{}, apperror.New(apperror.KindNotFound, "no position available for vehicle "+vehicleID)
	}

	stop, err := e.network.GetStop(ctx, stopID)
	if err != nil {
		return models.ETAResult{}, travelInfo{}, err
	}
	if stop == nil {
		return models.ETAResult{}, travelInfo{}, apperror.New(apperror.KindNotFound, "stop not found: "+stopID)
	}

	var routeID string
	match, err := e.network.MapToRoute(ctx, pos.Latitude, pos.Longitude, e.cfg.RouteTolerance)
	if err != nil {
		logging.LogError(e.logger, "route matching failed", err, slog.String("vehicle_id", vehicleID))
	} else if match != nil {
		routeID = match.RouteID
	}

	oracleCtx, cancel := context.WithTimeout(ctx, e.cfg.OracleTimeout)
	defer cancel()

	travel, err := e.oracle.TravelTime(oracleCtx, pos.Latitude, pos.Longitude, stop.Lat, stop.Lon)
	if err != nil {
		return models.ETAResult{}, travelInfo{}, classifyOracleError(oracleCtx, err)
	}

	now := e.now()
	total := travel.Duration + e.cfg.SafetyBuffer
	buffered := total.Minutes()
	arrival := now.Add(total)

	distanceKm := travel.DistanceMeters / 1000
	if distanceKm == 0 {
		distanceKm = geo.Haversine(pos.Latitude, pos.Longitude, stop.Lat, stop.Lon) / 1000
	}

	result := models.ETAResult{
		VehicleID:    vehicleID,
		StopID:       stopID,
		RouteID:      routeID,
		ETAMinutes:   int(math.Round(buffered)),
		ETATimestamp: arrival.UTC().Truncate(time.Second),
		Confidence:   ConfidenceForAge(now.Sub(pos.Time())),
	}
	return result, travelInfo{minutes: buffered, distanceKm: distanceKm}, nil
}

func classifyOracleError(oracleCtx context.Context, err error) error {
	var appErr *apperror.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(oracleCtx.Err(), context.DeadlineExceeded) {
		return apperror.Wrap(apperror.KindUpstream, err, "travel time service timed out")
	}
	return apperror.Wrap(apperror.KindUpstream, err, "travel time service error")
}

// afterCompute caches a live result and runs the best-effort follow-ups
func (e *Engine) afterCompute(ctx context.Context, result models.ETAResult, travel travelInfo) {
	now := e.now()

	logging.NonCritical(ctx, e.logger, "cache eta", func(ctx context.Context) error {
		entry := cachedEstimate{Result: result, FreshUntil: now.Add(e.cfg.CacheTTL)}
		return cache.SetJSON(ctx, e.cache, cache.ETAKey(result.VehicleID, result.StopID), entry, e.cfg.CacheTTL+e.cfg.StaleWindow)
	})

	logging.NonCritical(ctx, e.logger, "cache stop etas", func(ctx context.Context) error {
		return e.upsertStopETA(ctx, result)
	})

	if e.recorder != nil {
		logging.NonCritical(ctx, e.logger, "record prediction", func(ctx context.Context) error {
			return e.recorder.RecordPrediction(ctx, models.PredictionRecord{
				VehicleID:        result.VehicleID,
				StopID:           result.StopID,
				RouteID:          result.RouteID,
				PredictedMinutes: travel.minutes,
				DistanceKm:       travel.distanceKm,
				HourOfDay:        now.Hour(),
				DayOfWeek:        int(now.Weekday()),
				CreatedAt:        now.UTC(),
			})
		})

		if result.RouteID != "" && result.ETAMinutes <= e.cfg.ApproachMinutes {
			logging.NonCritical(ctx, e.logger, "notify approaching", func(ctx context.Context) error {
				return e.notifyApproaching(ctx, result)
			})
		}
	}

	if e.publisher != nil {
		logging.NonCritical(ctx, e.logger, "publish eta update", func(ctx context.Context) error {
			return e.publisher.Publish(ctx, EventETAUpdate, result,
				"stop:"+result.StopID, "vehicle:"+result.VehicleID)
		})
	}
}

// upsertStopETA replaces the vehicle's entry in the stop batch and drops
// entries whose freshness has run out.
func (e *Engine) upsertStopETA(ctx context.Context, result models.ETAResult) error {
	defer e.lockStop(result.StopID)()

	key := cache.StopETAsKey(result.StopID)
	now := e.now()

	var batch []cachedEstimate
	if _, err := cache.GetJSON(ctx, e.cache, key, &batch); err != nil {
		return err
	}

	kept := batch[:0]
	for _, entry := range batch {
		if entry.Result.VehicleID == result.VehicleID || !now.Before(entry.FreshUntil) {
			continue
		}
		kept = append(kept, entry)
	}
	kept = append(kept, cachedEstimate{Result: result, FreshUntil: now.Add(e.cfg.CacheTTL)})
	return cache.SetJSON(ctx, e.cache, key, kept, e.cfg.CacheTTL)
}

func (e *Engine) lockStop(stopID string) func() {
	v, _ := e.stopLocks.LoadOrStore(stopID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) notifyApproaching(ctx context.Context, result models.ETAResult) error {
	key := cache.ApproachNoticeKey(result.VehicleID, result.StopID)
	sent, err := e.cache.Exists(ctx, key)
	if err != nil {
		return err
	}
	if sent {
		return nil
	}

	n, err := e.recorder.NotifyApproaching(ctx, models.ApproachNotice{
		VehicleID:  result.VehicleID,
		RouteID:    result.RouteID,
		StopID:     result.StopID,
		ETAMinutes: result.ETAMinutes,
	})
	if err != nil {
		return err
	}
	if n > 0 {
		e.logger.Info("approach notifications sent",
			slog.String("vehicle_id", result.VehicleID),
			slog.String("stop_id", result.StopID),
			slog.Int("recipients", n))
	}
	return e.cache.Set(ctx, key, []byte("1"), approachNoticeTTL)
}

// ETAsForStop returns the estimates cached for a stop by earlier live
// computations that are still within the cache TTL. Nothing is computed
// here, so a stop no one asked about recently yields an empty list.
// routeID, when set, filters the result.
func (e *Engine) ETAsForStop(ctx context.Context, stopID, routeID string) ([]models.ETAResult, error) {
	var batch []cachedEstimate
	if _, err := cache.GetJSON(ctx, e.cache, cache.StopETAsKey(stopID), &batch); err != nil {
		logging.LogError(e.logger, "stop eta cache read failed", err, slog.String("stop_id", stopID))
	}

	now := e.now()
	results := make([]models.ETAResult, 0, len(batch))
	for _, entry := range batch {
		if !now.Before(entry.FreshUntil) {
			continue
		}
		r := entry.Result
		if routeID != "" && r.RouteID != routeID {
			continue
		}
		r.Cached = true
		results = append(results, r)
	}
	return results, nil
}

// Pair identifies one vehicle/stop request of a batch
type Pair struct {
	VehicleID string `json:"vehicle_id"`
	StopID    string `json:"stop_id"`
}

// BatchItem is the outcome of one pair; exactly one of Result or Error is set
type BatchItem struct {
	VehicleID string            `json:"vehicle_id"`
	StopID    string            `json:"stop_id"`
	Result    *models.ETAResult `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
}

// BatchETA computes every pair concurrently and returns the outcomes in
// input order. A failing pair does not fail the batch.
func (e *Engine) BatchETA(ctx context.Context, pairs []Pair) ([]BatchItem, error) {
	if len(pairs) == 0 {
		return nil, apperror.New(apperror.KindValidation, "requests must contain at least one pair")
	}
	if len(pairs) > MaxBatchSize {
		return nil, apperror.New(apperror.KindValidation, "requests must contain at most 50 pairs")
	}

	items := make([]BatchItem, len(pairs))
	var g errgroup.Group
	g.SetLimit(batchConcurrency)

	for i, p := range pairs {
		items[i] = BatchItem{VehicleID: p.VehicleID, StopID: p.StopID}
		if p.VehicleID == "" || p.StopID == "" {
			items[i].Error = "vehicle_id and stop_id are required"
			continue
		}

		i, p := i, p
		g.Go(func() error {
			result, err := e.CalculateETA(ctx, p.VehicleID, p.StopID)
			if err != nil {
				items[i].Error = apperror.PublicMessage(err)
				return nil
			}
			items[i].Result = &result
			return nil
		})
	}

	_ = g.Wait()
	return items, nil
}
