package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transitlive/tracker_core/internal/models"
)

//go:embed schema_postgres.sql
var postgresSchema string

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
	SSLMode  string
	MinConns int32
	MaxConns int32
}

// Postgres is the production Store backed by a pgx connection pool
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates and verifies a connection pool
func NewPostgres(ctx context.Context, config Config) (*Postgres, error) {
	connString := fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		config.Host,
		config.Port,
		config.Database,
		config.User,
		config.Password,
		config.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse connection string: %w", err)
	}

	poolConfig.MinConns = config.MinConns
	poolConfig.MaxConns = config.MaxConns
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	// Transaction-mode poolers (pgbouncer on 6543) reject named prepared statements
	if config.Port == 6543 {
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return &Postgres{pool: pool}, nil
}

// Migrate creates the tables the tracking core reads and writes
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping performs a health check on the database connection
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// Close closes the database connection pool
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

// InsertPosition stores a fix. A row with the same (vehicle_id, timestamp)
// is left untouched and inserted is false.
func (p *Postgres) InsertPosition(ctx context.Context, fix models.PositionFix) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO bus_positions (vehicle_id, timestamp, latitude, longitude, speed, heading, accuracy, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (vehicle_id, timestamp) DO NOTHING
	`, fix.VehicleID, fix.Time().UTC(), fix.Latitude, fix.Longitude,
		fix.Speed, fix.Heading, fix.Accuracy, fix.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to insert position: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

const positionColumns = `vehicle_id, timestamp, latitude, longitude, speed, heading, accuracy, created_at`

func scanPgPosition(row pgx.Row) (models.PositionFix, error) {
	var (
		fix models.PositionFix
		ts  time.Time
	)
	err := row.Scan(&fix.VehicleID, &ts, &fix.Latitude, &fix.Longitude,
		&fix.Speed, &fix.Heading, &fix.Accuracy, &fix.CreatedAt)
	fix.Timestamp = ts.Unix()
	return fix, err
}

// LatestPosition returns the most recent fix by timestamp, or nil
func (p *Postgres) LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error) {
	fix, err := scanPgPosition(p.pool.QueryRow(ctx, `
		SELECT `+positionColumns+`
		FROM bus_positions
		WHERE vehicle_id = $1
		ORDER BY timestamp DESC
		LIMIT 1
	`, vehicleID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest position: %w", err)
	}
	return &fix, nil
}

// PositionHistory returns up to limit fixes, newest first
func (p *Postgres) PositionHistory(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+positionColumns+`
		FROM bus_positions
		WHERE vehicle_id = $1
		ORDER BY timestamp DESC
		LIMIT $2
	`, vehicleID, clampHistory(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load position history: %w", err)
	}
	defer rows.Close()

	fixes := []models.PositionFix{}
	for rows.Next() {
		fix, err := scanPgPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		fixes = append(fixes, fix)
	}
	return fixes, rows.Err()
}

const stopColumns = `s.stop_id, s.stop_name, s.stop_lat, s.stop_lon, COALESCE(s.stop_code, ''), COALESCE(s.stop_desc, '')`

func scanStop(row interface{ Scan(...any) error }) (models.Stop, error) {
	var s models.Stop
	err := row.Scan(&s.StopID, &s.Name, &s.Lat, &s.Lon, &s.Code, &s.Description)
	return s, err
}

// GetStop returns a stop by ID, or nil
func (p *Postgres) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	stop, err := scanStop(p.pool.QueryRow(ctx, `SELECT `+stopColumns+` FROM stops s WHERE s.stop_id = $1`, stopID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stop: %w", err)
	}
	return &stop, nil
}

// SearchStops matches the query against stop names and codes, ordered by name
func (p *Postgres) SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+stopColumns+`
		FROM stops s
		WHERE LOWER(s.stop_name) LIKE $1 ESCAPE '\'
		   OR LOWER(COALESCE(s.stop_code, '')) LIKE $1 ESCAPE '\'
		ORDER BY s.stop_name, s.stop_id
		LIMIT $2
	`, likePattern(query), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search stops: %w", err)
	}
	return collectPgStops(rows)
}

// RouteStops returns the stops served by a route in one direction, in sequence order
func (p *Postgres) RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+stopColumns+`
		FROM stops s
		JOIN (
			SELECT st.stop_id, MIN(st.stop_sequence) AS seq
			FROM stop_times st
			JOIN trips t ON t.trip_id = st.trip_id
			WHERE t.route_id = $1 AND t.direction_id = $2
			GROUP BY st.stop_id
		) served ON served.stop_id = s.stop_id
		ORDER BY served.seq, s.stop_id
	`, routeID, int(direction))
	if err != nil {
		return nil, fmt.Errorf("failed to load route stops: %w", err)
	}
	return collectPgStops(rows)
}

func collectPgStops(rows pgx.Rows) ([]models.Stop, error) {
	defer rows.Close()

	stops := []models.Stop{}
	for rows.Next() {
		stop, err := scanStop(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stop: %w", err)
		}
		stops = append(stops, stop)
	}
	return stops, rows.Err()
}

const routeColumns = `route_id, COALESCE(route_short_name, ''), COALESCE(route_long_name, ''), route_type,
	COALESCE(route_color, ''), COALESCE(route_text_color, '')`

func scanRoute(row interface{ Scan(...any) error }) (models.Route, error) {
	var r models.Route
	err := row.Scan(&r.RouteID, &r.ShortName, &r.LongName, &r.RouteType, &r.Color, &r.TextColor)
	return r, err
}

// GetRoute returns a route by ID, or nil
func (p *Postgres) GetRoute(ctx context.Context, routeID string) (*models.Route, error) {
	route, err := scanRoute(p.pool.QueryRow(ctx, `SELECT `+routeColumns+` FROM routes WHERE route_id = $1`, routeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route: %w", err)
	}
	return &route, nil
}

// ListRoutes returns every route ordered by short name
func (p *Postgres) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY route_short_name, route_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	defer rows.Close()

	routes := []models.Route{}
	for rows.Next() {
		route, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}
		routes = append(routes, route)
	}
	return routes, rows.Err()
}

// ShapePoints returns every shape vertex attached to a route
func (p *Postgres) ShapePoints(ctx context.Context) ([]models.ShapePoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT route_id, shape_id, shape_pt_lat, shape_pt_lon, shape_pt_sequence
		FROM shapes
		ORDER BY route_id, shape_id, shape_pt_sequence
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load shapes: %w", err)
	}
	defer rows.Close()

	var points []models.ShapePoint
	for rows.Next() {
		var sp models.ShapePoint
		if err := rows.Scan(&sp.RouteID, &sp.ShapeID, &sp.Lat, &sp.Lon, &sp.Sequence); err != nil {
			return nil, fmt.Errorf("failed to scan shape point: %w", err)
		}
		points = append(points, sp)
	}
	return points, rows.Err()
}

// RecordPrediction stores an ETA for later accuracy analysis
func (p *Postgres) RecordPrediction(ctx context.Context, rec models.PredictionRecord) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO ml_eta_training_data
			(vehicle_id, stop_id, route_id, predicted_eta_minutes, distance_km, hour_of_day, day_of_week, created_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8)
	`, rec.VehicleID, rec.StopID, rec.RouteID, rec.PredictedMinutes, rec.DistanceKm,
		rec.HourOfDay, rec.DayOfWeek, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

// NotifyApproaching creates a notification for every active passenger who
// favorited the stop, the route or the vehicle. Returns how many were created.
func (p *Postgres) NotifyApproaching(ctx context.Context, notice models.ApproachNotice) (int, error) {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO notifications (user_id, notification_type, title, message, data)
		SELECT DISTINCT u.id, $4::text, $5::text, $6::text, $7::jsonb
		FROM users u
		JOIN passenger_favorites pf ON pf.user_id = u.id
		WHERE u.role = 'passenger'
		  AND u.is_active = TRUE
		  AND ((pf.favorite_type = 'stop' AND pf.favorite_id = $1)
		    OR (pf.favorite_type = 'route' AND pf.favorite_id = $2)
		    OR (pf.favorite_type = 'bus' AND pf.favorite_id = $3))
	`, notice.StopID, notice.RouteID, notice.VehicleID,
		notificationType, approachTitle, approachMessage(notice), approachData(notice))
	if err != nil {
		return 0, fmt.Errorf("failed to create notifications: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// LookupDeviceKey returns the device key with the given sha256 hash, or nil
func (p *Postgres) LookupDeviceKey(ctx context.Context, keyHash string) (*models.DeviceKey, error) {
	var k models.DeviceKey
	err := p.pool.QueryRow(ctx, `
		SELECT key_hash, label, COALESCE(vehicle_id, ''), is_active
		FROM device_keys
		WHERE key_hash = $1
		  AND (expires_at IS NULL OR expires_at > NOW())
	`, keyHash).Scan(&k.KeyHash, &k.Label, &k.VehicleID, &k.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device key: %w", err)
	}

	// last_used_at is informational only
	_, _ = p.pool.Exec(ctx, `UPDATE device_keys SET last_used_at = NOW() WHERE key_hash = $1`, keyHash)

	return &k, nil
}

// AddDeviceKey registers a hashed device key
func (p *Postgres) AddDeviceKey(ctx context.Context, key models.DeviceKey) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO device_keys (key_hash, label, vehicle_id, is_active)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (key_hash) DO UPDATE
		SET label = EXCLUDED.label,
		    vehicle_id = EXCLUDED.vehicle_id,
		    is_active = EXCLUDED.is_active
	`, key.KeyHash, key.Label, key.VehicleID, key.Active)
	if err != nil {
		return fmt.Errorf("failed to add device key: %w", err)
	}
	return nil
}
