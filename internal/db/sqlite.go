package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/transitlive/tracker_core/internal/gtfs"
	"github.com/transitlive/tracker_core/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite is a single-file Store for local development and tests.
// Timestamps are stored as Unix seconds, created_at as Unix milliseconds.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates a SQLite database at path and applies the schema.
// ":memory:" gives a private in-memory database.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if path == ":memory:" {
		// every connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	} else {
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enable WAL: %w", err)
		}
		if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set busy timeout: %w", err)
		}
	}

	if err := createSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

func createSchema(ctx context.Context, db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS routes (
		route_id TEXT PRIMARY KEY,
		route_short_name TEXT,
		route_long_name TEXT,
		route_type INTEGER NOT NULL DEFAULT 3,
		route_color TEXT,
		route_text_color TEXT
	);

	CREATE TABLE IF NOT EXISTS stops (
		stop_id TEXT PRIMARY KEY,
		stop_name TEXT NOT NULL,
		stop_lat REAL NOT NULL,
		stop_lon REAL NOT NULL,
		stop_code TEXT,
		stop_desc TEXT
	);

	CREATE TABLE IF NOT EXISTS trips (
		trip_id TEXT PRIMARY KEY,
		route_id TEXT NOT NULL,
		direction_id INTEGER NOT NULL DEFAULT 0,
		shape_id TEXT
	);

	CREATE TABLE IF NOT EXISTS stop_times (
		trip_id TEXT NOT NULL,
		stop_id TEXT NOT NULL,
		stop_sequence INTEGER NOT NULL,
		PRIMARY KEY (trip_id, stop_sequence)
	);

	CREATE TABLE IF NOT EXISTS shapes (
		route_id TEXT NOT NULL,
		shape_id TEXT NOT NULL,
		shape_pt_lat REAL NOT NULL,
		shape_pt_lon REAL NOT NULL,
		shape_pt_sequence INTEGER NOT NULL,
		PRIMARY KEY (route_id, shape_id, shape_pt_sequence)
	);

	CREATE TABLE IF NOT EXISTS bus_positions (
		vehicle_id TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		speed REAL,
		heading REAL,
		accuracy REAL,
		created_at INTEGER NOT NULL,
		PRIMARY KEY (vehicle_id, timestamp)
	);

	CREATE TABLE IF NOT EXISTS ml_eta_training_data (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		vehicle_id TEXT NOT NULL,
		stop_id TEXT NOT NULL,
		route_id TEXT,
		predicted_eta_minutes REAL NOT NULL,
		actual_arrival_minutes REAL,
		distance_km REAL,
		hour_of_day INTEGER,
		day_of_week INTEGER,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		role TEXT NOT NULL DEFAULT 'passenger',
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS passenger_favorites (
		user_id INTEGER NOT NULL,
		favorite_type TEXT NOT NULL,
		favorite_id TEXT NOT NULL,
		PRIMARY KEY (user_id, favorite_type, favorite_id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL,
		notification_type TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		data TEXT,
		is_read INTEGER NOT NULL DEFAULT 0,
		created_at TEXT DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS device_keys (
		key_hash TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		vehicle_id TEXT,
		is_active INTEGER NOT NULL DEFAULT 1
	);

	CREATE INDEX IF NOT EXISTS idx_trips_route ON trips(route_id, direction_id);
	CREATE INDEX IF NOT EXISTS idx_stop_times_stop ON stop_times(stop_id);
	`

	_, err := db.ExecContext(ctx, schema)
	return err
}

// Ping checks the database is reachable
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *SQLite) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle
func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) InsertPosition(ctx context.Context, fix models.PositionFix) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bus_positions (vehicle_id, timestamp, latitude, longitude, speed, heading, accuracy, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (vehicle_id, timestamp) DO NOTHING
	`, fix.VehicleID, fix.Timestamp, fix.Latitude, fix.Longitude,
		nullFloat(fix.Speed), nullFloat(fix.Heading), nullFloat(fix.Accuracy), fix.CreatedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("failed to insert position: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to insert position: %w", err)
	}
	return n > 0, nil
}

func scanSQLitePosition(row interface{ Scan(...any) error }) (models.PositionFix, error) {
	var (
		fix                      models.PositionFix
		speed, heading, accuracy sql.NullFloat64
		createdMs                int64
	)
	err := row.Scan(&fix.VehicleID, &fix.Timestamp, &fix.Latitude, &fix.Longitude,
		&speed, &heading, &accuracy, &createdMs)
	fix.Speed = floatPtr(speed)
	fix.Heading = floatPtr(heading)
	fix.Accuracy = floatPtr(accuracy)
	fix.CreatedAt = time.UnixMilli(createdMs).UTC()
	return fix, err
}

func (s *SQLite) LatestPosition(ctx context.Context, vehicleID string) (*models.PositionFix, error) {
	fix, err := scanSQLitePosition(s.db.QueryRowContext(ctx, `
		SELECT `+positionColumns+`
		FROM bus_positions
		WHERE vehicle_id = ?
		ORDER BY timestamp DESC
		LIMIT 1
	`, vehicleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest position: %w", err)
	}
	return &fix, nil
}

func (s *SQLite) PositionHistory(ctx context.Context, vehicleID string, limit int) ([]models.PositionFix, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+positionColumns+`
		FROM bus_positions
		WHERE vehicle_id = ?
		ORDER BY timestamp DESC
		LIMIT ?
	`, vehicleID, clampHistory(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to load position history: %w", err)
	}
	defer rows.Close()

	fixes := []models.PositionFix{}
	for rows.Next() {
		fix, err := scanSQLitePosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		fixes = append(fixes, fix)
	}
	return fixes, rows.Err()
}

func (s *SQLite) GetStop(ctx context.Context, stopID string) (*models.Stop, error) {
	stop, err := scanStop(s.db.QueryRowContext(ctx, `SELECT `+stopColumns+` FROM stops s WHERE s.stop_id = ?`, stopID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load stop: %w", err)
	}
	return &stop, nil
}

func (s *SQLite) SearchStops(ctx context.Context, query string, limit int) ([]models.Stop, error) {
	pattern := likePattern(query)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stopColumns+`
		FROM stops s
		WHERE LOWER(s.stop_name) LIKE ? ESCAPE '\'
		   OR LOWER(COALESCE(s.stop_code, '')) LIKE ? ESCAPE '\'
		ORDER BY s.stop_name, s.stop_id
		LIMIT ?
	`, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search stops: %w", err)
	}
	return collectSQLiteStops(rows)
}

func (s *SQLite) RouteStops(ctx context.Context, routeID string, direction models.Direction) ([]models.Stop, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+stopColumns+`
		FROM stops s
		JOIN (
			SELECT st.stop_id, MIN(st.stop_sequence) AS seq
			FROM stop_times st
			JOIN trips t ON t.trip_id = st.trip_id
			WHERE t.route_id = ? AND t.direction_id = ?
			GROUP BY st.stop_id
		) served ON served.stop_id = s.stop_id
		ORDER BY served.seq, s.stop_id
	`, routeID, int(direction))
	if err != nil {
		return nil, fmt.Errorf("failed to load route stops: %w", err)
	}
	return collectSQLiteStops(rows)
}

func collectSQLiteStops(rows *sql.Rows) ([]models.Stop, error) {
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

func (s *SQLite) GetRoute(ctx context.Context, routeID string) (*models.Route, error) {
	route, err := scanRoute(s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE route_id = ?`, routeID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load route: %w", err)
	}
	return &route, nil
}

func (s *SQLite) ListRoutes(ctx context.Context) ([]models.Route, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+routeColumns+` FROM routes ORDER BY route_short_name, route_id`)
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

func (s *SQLite) ShapePoints(ctx context.Context) ([]models.ShapePoint, error) {
	rows, err := s.db.QueryContext(ctx, `
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

func (s *SQLite) RecordPrediction(ctx context.Context, rec models.PredictionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ml_eta_training_data
			(vehicle_id, stop_id, route_id, predicted_eta_minutes, distance_km, hour_of_day, day_of_week, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?)
	`, rec.VehicleID, rec.StopID, rec.RouteID, rec.PredictedMinutes, rec.DistanceKm,
		rec.HourOfDay, rec.DayOfWeek, rec.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to record prediction: %w", err)
	}
	return nil
}

func (s *SQLite) NotifyApproaching(ctx context.Context, notice models.ApproachNotice) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (user_id, notification_type, title, message, data)
		SELECT DISTINCT u.id, ?, ?, ?, ?
		FROM users u
		JOIN passenger_favorites pf ON pf.user_id = u.id
		WHERE u.role = 'passenger'
		  AND u.is_active = 1
		  AND ((pf.favorite_type = 'stop' AND pf.favorite_id = ?)
		    OR (pf.favorite_type = 'route' AND pf.favorite_id = ?)
		    OR (pf.favorite_type = 'bus' AND pf.favorite_id = ?))
	`, notificationType, approachTitle, approachMessage(notice), approachData(notice),
		notice.StopID, notice.RouteID, notice.VehicleID)
	if err != nil {
		return 0, fmt.Errorf("failed to create notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to create notifications: %w", err)
	}
	return int(n), nil
}

func (s *SQLite) LookupDeviceKey(ctx context.Context, keyHash string) (*models.DeviceKey, error) {
	var (
		k      models.DeviceKey
		active int
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT key_hash, label, COALESCE(vehicle_id, ''), is_active
		FROM device_keys
		WHERE key_hash = ?
	`, keyHash).Scan(&k.KeyHash, &k.Label, &k.VehicleID, &active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up device key: %w", err)
	}
	k.Active = active != 0
	return &k, nil
}

func (s *SQLite) AddDeviceKey(ctx context.Context, key models.DeviceKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO device_keys (key_hash, label, vehicle_id, is_active)
		VALUES (?, ?, NULLIF(?, ''), ?)
		ON CONFLICT (key_hash) DO UPDATE
		SET label = excluded.label,
		    vehicle_id = excluded.vehicle_id,
		    is_active = excluded.is_active
	`, key.KeyHash, key.Label, key.VehicleID, boolInt(key.Active))
	if err != nil {
		return fmt.Errorf("failed to add device key: %w", err)
	}
	return nil
}

// ImportFeed upserts a parsed feed in a single transaction
func (s *SQLite) ImportFeed(ctx context.Context, feed *gtfs.Feed) (ImportStats, error) {
	var stats ImportStats
	shapePoints := gtfs.RouteShapePoints(feed.Trips, feed.Shapes)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	steps := []struct {
		name  string
		query string
		n     int
		args  func(i int) []any
	}{
		{
			name:  "stops",
			query: `INSERT OR REPLACE INTO stops (stop_id, stop_name, stop_lat, stop_lon, stop_code, stop_desc) VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
			n:     len(feed.Stops),
			args: func(i int) []any {
				st := feed.Stops[i]
				return []any{st.StopID, st.StopName, st.Lat, st.Lon, st.StopCode, st.StopDesc}
			},
		},
		{
			name:  "routes",
			query: `INSERT OR REPLACE INTO routes (route_id, route_short_name, route_long_name, route_type, route_color, route_text_color) VALUES (?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))`,
			n:     len(feed.Routes),
			args: func(i int) []any {
				r := feed.Routes[i]
				return []any{r.RouteID, r.ShortName, r.LongName, r.RouteType, r.RouteColor, r.RouteTextColor}
			},
		},
		{
			name:  "trips",
			query: `INSERT OR REPLACE INTO trips (trip_id, route_id, direction_id, shape_id) VALUES (?, ?, ?, NULLIF(?, ''))`,
			n:     len(feed.Trips),
			args: func(i int) []any {
				t := feed.Trips[i]
				return []any{t.TripID, t.RouteID, t.Direction, t.ShapeID}
			},
		},
		{
			name:  "stop_times",
			query: `INSERT OR REPLACE INTO stop_times (trip_id, stop_id, stop_sequence) VALUES (?, ?, ?)`,
			n:     len(feed.StopTimes),
			args: func(i int) []any {
				st := feed.StopTimes[i]
				return []any{st.TripID, st.StopID, st.StopSequence}
			},
		},
		{
			name:  "shapes",
			query: `INSERT OR IGNORE INTO shapes (route_id, shape_id, shape_pt_lat, shape_pt_lon, shape_pt_sequence) VALUES (?, ?, ?, ?, ?)`,
			n:     len(shapePoints),
			args: func(i int) []any {
				sp := shapePoints[i]
				return []any{sp.RouteID, sp.ShapeID, sp.Lat, sp.Lon, sp.Sequence}
			},
		},
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM shapes`); err != nil {
		return stats, fmt.Errorf("failed to clear shapes: %w", err)
	}

	for _, step := range steps {
		if err := execEach(ctx, tx, step.query, step.n, step.args); err != nil {
			return stats, fmt.Errorf("failed to import %s: %w", step.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("failed to commit transaction: %w", err)
	}

	stats = ImportStats{
		Stops:       len(feed.Stops),
		Routes:      len(feed.Routes),
		Trips:       len(feed.Trips),
		StopTimes:   len(feed.StopTimes),
		ShapePoints: len(shapePoints),
	}
	return stats, nil
}

func execEach(ctx context.Context, tx *sql.Tx, query string, n int, args func(i int) []any) error {
	if n == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := 0; i < n; i++ {
		if _, err := stmt.ExecContext(ctx, args(i)...); err != nil {
			return fmt.Errorf("row %d: %w", i, err)
		}
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func floatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
