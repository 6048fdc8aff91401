package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/transitlive/tracker_core/internal/gtfs"
	"github.com/transitlive/tracker_core/internal/models"
)

const (
	batchSize     = 1000
	stopTimeChunk = 50000
)

// ImportFeed upserts a parsed feed. Stops, routes, trips and shapes go in one
// transaction; stop_times are written in separate chunked transactions.
func (p *Postgres) ImportFeed(ctx context.Context, feed *gtfs.Feed) (ImportStats, error) {
	var stats ImportStats
	shapePoints := gtfs.RouteShapePoints(feed.Trips, feed.Shapes)

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = sendBatched(ctx, tx, len(feed.Stops), func(b *pgx.Batch, i int) {
		s := feed.Stops[i]
		b.Queue(`
			INSERT INTO stops (stop_id, stop_name, stop_lat, stop_lon, stop_code, stop_desc)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
			ON CONFLICT (stop_id) DO UPDATE
			SET stop_name = EXCLUDED.stop_name,
			    stop_lat = EXCLUDED.stop_lat,
			    stop_lon = EXCLUDED.stop_lon,
			    stop_code = EXCLUDED.stop_code,
			    stop_desc = EXCLUDED.stop_desc
		`, s.StopID, s.StopName, s.Lat, s.Lon, s.StopCode, s.StopDesc)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to import stops: %w", err)
	}
	stats.Stops = len(feed.Stops)

	err = sendBatched(ctx, tx, len(feed.Routes), func(b *pgx.Batch, i int) {
		r := feed.Routes[i]
		b.Queue(`
			INSERT INTO routes (route_id, route_short_name, route_long_name, route_type, route_color, route_text_color)
			VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''))
			ON CONFLICT (route_id) DO UPDATE
			SET route_short_name = EXCLUDED.route_short_name,
			    route_long_name = EXCLUDED.route_long_name,
			    route_type = EXCLUDED.route_type,
			    route_color = EXCLUDED.route_color,
			    route_text_color = EXCLUDED.route_text_color
		`, r.RouteID, r.ShortName, r.LongName, r.RouteType, r.RouteColor, r.RouteTextColor)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to import routes: %w", err)
	}
	stats.Routes = len(feed.Routes)

	err = sendBatched(ctx, tx, len(feed.Trips), func(b *pgx.Batch, i int) {
		t := feed.Trips[i]
		b.Queue(`
			INSERT INTO trips (trip_id, route_id, direction_id, shape_id)
			VALUES ($1, $2, $3, NULLIF($4, ''))
			ON CONFLICT (trip_id) DO UPDATE
			SET route_id = EXCLUDED.route_id,
			    direction_id = EXCLUDED.direction_id,
			    shape_id = EXCLUDED.shape_id
		`, t.TripID, t.RouteID, t.Direction, t.ShapeID)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to import trips: %w", err)
	}
	stats.Trips = len(feed.Trips)

	// shapes are replaced wholesale so stale vertices never linger in the index
	if _, err := tx.Exec(ctx, `DELETE FROM shapes`); err != nil {
		return stats, fmt.Errorf("failed to clear shapes: %w", err)
	}
	err = sendBatched(ctx, tx, len(shapePoints), func(b *pgx.Batch, i int) {
		sp := shapePoints[i]
		b.Queue(`
			INSERT INTO shapes (route_id, shape_id, shape_pt_lat, shape_pt_lon, shape_pt_sequence)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, sp.RouteID, sp.ShapeID, sp.Lat, sp.Lon, sp.Sequence)
	})
	if err != nil {
		return stats, fmt.Errorf("failed to import shapes: %w", err)
	}
	stats.ShapePoints = len(shapePoints)

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("failed to commit transaction: %w", err)
	}

	// stop_times are too large for a single transaction
	for start := 0; start < len(feed.StopTimes); start += stopTimeChunk {
		end := min(start+stopTimeChunk, len(feed.StopTimes))
		chunk := feed.StopTimes[start:end]

		if err := p.importStopTimes(ctx, chunk); err != nil {
			return stats, fmt.Errorf("failed to import stop_times at %d: %w", start, err)
		}
		stats.StopTimes = end
	}

	return stats, nil
}

func (p *Postgres) importStopTimes(ctx context.Context, chunk []models.GTFSStopTime) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	err = sendBatched(ctx, tx, len(chunk), func(b *pgx.Batch, i int) {
		st := chunk[i]
		b.Queue(`
			INSERT INTO stop_times (trip_id, stop_id, stop_sequence)
			VALUES ($1, $2, $3)
			ON CONFLICT (trip_id, stop_sequence) DO UPDATE
			SET stop_id = EXCLUDED.stop_id
		`, st.TripID, st.StopID, st.StopSequence)
	})
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// sendBatched queues n statements and flushes them every batchSize rows
func sendBatched(ctx context.Context, tx pgx.Tx, n int, queue func(b *pgx.Batch, i int)) error {
	batch := &pgx.Batch{}

	flush := func() error {
		results := tx.SendBatch(ctx, batch)
		defer results.Close()
		for i := 0; i < batch.Len(); i++ {
			if _, err := results.Exec(); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		batch = &pgx.Batch{}
		return nil
	}

	for i := 0; i < n; i++ {
		queue(batch, i)
		if batch.Len() >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if batch.Len() > 0 {
		return flush()
	}
	return nil
}
