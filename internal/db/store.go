package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/transitlive/tracker_core/internal/gtfs"
	"github.com/transitlive/tracker_core/internal/models"
)

// Store is the durable store behind the tracking core. Lookups return
// (nil, nil) when the row does not exist; errors are storage failures only.
type Store interface {
	InsertPosition(ctx context.Context, fix models.PositionFix) (bool, error)
	LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error)
	PositionHistory(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error)

	GetStop(ctx context.Context, stopID string) (*models.Stop, error)
	SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error)
	RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error)
	GetRoute(ctx context.Context, routeID string) (*models.Route, error)
	ListRoutes(ctx context.Context) ([]models.Route, error)
	ShapePoints(ctx context.Context) ([]models.ShapePoint, error)

	RecordPrediction(ctx context.Context, rec models.PredictionRecord) error
	NotifyApproaching(ctx context.Context, notice models.ApproachNotice) (int, error)

	LookupDeviceKey(ctx context.Context, keyHash string) (*models.DeviceKey, error)
	AddDeviceKey(ctx context.Context, key models.DeviceKey) error

	ImportFeed(ctx context.Context, feed *gtfs.Feed) (ImportStats, error)

	Ping(ctx context.Context) error
	Close() error
}

// ImportStats counts the rows written by ImportFeed
type ImportStats struct {
	Stops       int
	Routes      int
	Trips       int
	StopTimes   int
	ShapePoints int
}

func (s ImportStats) String() string {
	return fmt.Sprintf("%d stops, %d routes, %d trips, %d stop_times, %d shape points",
		s.Stops, s.Routes, s.Trips, s.StopTimes, s.ShapePoints)
}

const (
	// notificationType is stored on bus-approaching notifications
	notificationType = "bus_approaching"
	approachTitle    = "Bus Approaching"

	maxHistoryLimit = 1000
)

// likePattern turns a free-text query into a case-insensitive LIKE pattern,
// escaping the LIKE wildcards with a backslash.
func likePattern(query string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(strings.ToLower(strings.TrimSpace(query))) + "%"
}

func approachMessage(n models.ApproachNotice) string {
	unit := "minutes"
	if n.ETAMinutes == 1 {
		unit = "minute"
	}
	return fmt.Sprintf("Your bus %s is arriving in %d %s", n.VehicleID, n.ETAMinutes, unit)
}

func approachData(n models.ApproachNotice) string {
	data, _ := json.Marshal(map[string]any{
		"vehicle_id":  n.VehicleID,
		"route_id":    n.RouteID,
		"stop_id":     n.StopID,
		"eta_minutes": n.ETAMinutes,
	})
	return string(data)
}

func clampHistory(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Open connects the store selected by driver. pg is used for postgres,
// sqlitePath for sqlite.
func Open(ctx context.Context, driver string, pg Config, sqlitePath string) (Store, error) {
	switch driver {
	case DriverPostgres:
		p, err := NewPostgres(ctx, pg)
		if err != nil {
			return nil, err
		}
		return p, nil
	case DriverSQLite:
		s, err := NewSQLite(ctx, sqlitePath)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}
}

// Migrator is implemented by stores whose schema is applied on demand
type Migrator interface {
	Migrate(ctx context.Context) error
}
