// Package dbtest provides an in-memory store seeded with a small network
// for package tests.
package dbtest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/db"
	"github.com/transitlive/tracker_core/internal/gtfs"
	"github.com/transitlive/tracker_core/internal/models"
)

// NewStore opens an empty in-memory SQLite store closed at test cleanup
func NewStore(t *testing.T) *db.SQLite {
	t.Helper()

	store, err := db.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// NewSeededStore opens an in-memory store loaded with SampleFeed
func NewSeededStore(t *testing.T) *db.SQLite {
	t.Helper()

	store := NewStore(t)
	_, err := store.ImportFeed(context.Background(), SampleFeed())
	require.NoError(t, err)
	return store
}

// SampleFeed is a two-route network around Dakar Plateau.
//
//	R1 outbound: CENTRAL -> MARKET -> UNIV   (shape SH1)
//	R1 inbound:  UNIV -> MARKET -> CENTRAL
//	R2 outbound: CENTRAL -> HARBOR           (shape SH2)
//
// Both shapes start at CENTRAL.
func SampleFeed() *gtfs.Feed {
	return &gtfs.Feed{
		Stops: []models.GTFSStop{
			{StopID: "CENTRAL", StopName: "Central Station", StopCode: "CS", Lat: 14.6928, Lon: -17.4467},
			{StopID: "MARKET", StopName: "Market Square", Lat: 14.6950, Lon: -17.4440},
			{StopID: "UNIV", StopName: "University Gate", StopDesc: "North entrance", Lat: 14.7000, Lon: -17.4400},
			{StopID: "HARBOR", StopName: "Harbor_Point", Lat: 14.6800, Lon: -17.4300},
		},
		Routes: []models.GTFSRoute{
			{RouteID: "R1", ShortName: "1", LongName: "Downtown Loop", RouteType: 3, RouteColor: "FF0000"},
			{RouteID: "R2", ShortName: "2", LongName: "Harbor Express", RouteType: 3},
		},
		Trips: []models.GTFSTrip{
			{TripID: "T1", RouteID: "R1", Direction: 0, ShapeID: "SH1"},
			{TripID: "T2", RouteID: "R1", Direction: 1, ShapeID: "SH1"},
			{TripID: "T3", RouteID: "R2", Direction: 0, ShapeID: "SH2"},
		},
		StopTimes: []models.GTFSStopTime{
			{TripID: "T1", StopID: "CENTRAL", StopSequence: 1},
			{TripID: "T1", StopID: "MARKET", StopSequence: 2},
			{TripID: "T1", StopID: "UNIV", StopSequence: 3},
			{TripID: "T2", StopID: "UNIV", StopSequence: 1},
			{TripID: "T2", StopID: "MARKET", StopSequence: 2},
			{TripID: "T2", StopID: "CENTRAL", StopSequence: 3},
			{TripID: "T3", StopID: "CENTRAL", StopSequence: 1},
			{TripID: "T3", StopID: "HARBOR", StopSequence: 2},
		},
		Shapes: []models.GTFSShapePoint{
			{ShapeID: "SH1", Lat: 14.6928, Lon: -17.4467, Sequence: 1},
			{ShapeID: "SH1", Lat: 14.6950, Lon: -17.4440, Sequence: 2},
			{ShapeID: "SH1", Lat: 14.7000, Lon: -17.4400, Sequence: 3},
			{ShapeID: "SH2", Lat: 14.6928, Lon: -17.4467, Sequence: 1},
			{ShapeID: "SH2", Lat: 14.6800, Lon: -17.4300, Sequence: 2},
		},
	}
}

// AddPassenger creates an active passenger with the given favorites
// ("stop", "route" or "bus" mapped to ids) and returns its id.
func AddPassenger(t *testing.T, store *db.SQLite, favorites map[string][]string) int64 {
	t.Helper()

	id := Exec(t, store, `INSERT INTO users (role, is_active) VALUES ('passenger', 1)`)

	for favType, ids := range favorites {
		for _, favID := range ids {
			Exec(t, store,
				`INSERT INTO passenger_favorites (user_id, favorite_type, favorite_id) VALUES (?, ?, ?)`,
				id, favType, favID)
		}
	}
	return id
}

// Exec runs a raw statement against tables the Store interface does not
// write to and returns the last inserted row id.
func Exec(t *testing.T, store *db.SQLite, query string, args ...any) int64 {
	t.Helper()

	res, err := store.DB().ExecContext(context.Background(), query, args...)
	require.NoError(t, err)
	id, err := res.LastInsertId()
	require.NoError(t, err)
	return id
}

// Count runs a single-value query such as a COUNT(*)
func Count(t *testing.T, store *db.SQLite, query string, args ...any) int64 {
	t.Helper()

	var n int64
	require.NoError(t, store.DB().QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
