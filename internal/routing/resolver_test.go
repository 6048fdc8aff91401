package routing

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/dbtest"
	"github.com/transitlive/tracker_core/internal/logging"
	"github.com/transitlive/tracker_core/internal/models"
)

// shapeStore serves synthetic shapes; everything else is empty
type shapeStore struct {
	points []models.ShapePoint
	routes []models.Route
	err    error
	loads  atomic.Int32
}

func (s *shapeStore) ShapePoints(context.Context) ([]models.ShapePoint, error) {
	s.loads.Add(1)
	return s.points, s.err
}
func (s *shapeStore) ListRoutes(context.Context) ([]models.Route, error) { return s.routes, s.err }
func (s *shapeStore) GetRoute(context.Context, string) (*models.Route, error) {
	return nil, s.err
}
func (s *shapeStore) GetStop(context.Context, string) (*models.Stop, error) { return nil, s.err }
func (s *shapeStore) SearchStops(context.Context, string, int) ([]models.Stop, error) {
	return []models.Stop{}, s.err
}
func (s *shapeStore) RouteStops(context.Context, string, models.Direction) ([]models.Stop, error) {
	return []models.Stop{}, s.err
}

func point(routeID string, lat, lon float64) models.ShapePoint {
	return models.ShapePoint{RouteID: routeID, ShapeID: "S-" + routeID, Lat: lat, Lon: lon, Sequence: 1}
}

// 0.0004 degrees of latitude is about 44.5 m
func TestMapToRouteTolerance(t *testing.T) {
	store := &shapeStore{
		points: []models.ShapePoint{point("RX", 0.0004, 0)},
		routes: []models.Route{{RouteID: "RX", ShortName: "X", LongName: "Crosstown"}},
	}
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx := context.Background()

	tests := []struct {
		name      string
		tolerance float64
		wantRoute string
	}{
		{"within tolerance", 50, "RX"},
		{"outside tolerance", 40, ""},
		{"default tolerance", 0, "RX"},
		{"wide tolerance", 1000, "RX"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			match, err := r.MapToRoute(ctx, 0, 0, tt.tolerance)
			require.NoError(t, err)
			if tt.wantRoute == "" {
				assert.Nil(t, match)
				return
			}
			require.NotNil(t, match)
			assert.Equal(t, tt.wantRoute, match.RouteID)
			assert.Equal(t, "Crosstown", match.LongName)
			assert.InDelta(t, 44.48, match.DistanceMeters, 0.05)
		})
	}
}

func TestMapToRouteNearestAndTies(t *testing.T) {
	store := &shapeStore{points: []models.ShapePoint{
		point("FAR", 0.0003, 0),
		point("NEAR", 0.0001, 0),
		point("R2", 1.0, 1.0),
		point("R1", 1.0, 1.0),
	}}
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx := context.Background()

	match, err := r.MapToRoute(ctx, 0, 0, 50)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "NEAR", match.RouteID)

	match, err = r.MapToRoute(ctx, 1.0, 1.0, 50)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "R1", match.RouteID)
	assert.Zero(t, match.DistanceMeters)
}

func TestMapToRouteLoadsLazilyOnce(t *testing.T) {
	store := &shapeStore{points: []models.ShapePoint{point("RX", 0, 0)}}
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx := context.Background()

	assert.False(t, r.IsLoaded())
	for i := 0; i < 3; i++ {
		_, err := r.MapToRoute(ctx, 0, 0, 10)
		require.NoError(t, err)
	}
	assert.True(t, r.IsLoaded())
	assert.EqualValues(t, 1, store.loads.Load())
}

func TestMapToRouteStorageFailure(t *testing.T) {
	r := NewResolver(&shapeStore{err: errors.New("db down")}, WithLogger(logging.Discard()))

	_, err := r.MapToRoute(context.Background(), 0, 0, 50)
	require.Error(t, err)
	assert.Equal(t, apperror.KindStorage, apperror.KindOf(err))
	assert.False(t, r.IsLoaded())
}

func TestLoadSwapsIndex(t *testing.T) {
	store := &shapeStore{points: []models.ShapePoint{point("OLD", 0, 0)}}
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx := context.Background()
	require.NoError(t, r.Load(ctx))

	store.points = []models.ShapePoint{point("NEW", 0, 0)}
	require.NoError(t, r.Load(ctx))

	match, err := r.MapToRoute(ctx, 0, 0, 10)
	require.NoError(t, err)
	require.NotNil(t, match)
	assert.Equal(t, "NEW", match.RouteID)
}

func TestStartRefresh(t *testing.T) {
	store := &shapeStore{points: []models.ShapePoint{point("RX", 0, 0)}}
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.StartRefresh(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool {
		return store.loads.Load() >= 2
	}, time.Second, 5*time.Millisecond)
}

func TestResolverAgainstStore(t *testing.T) {
	store := dbtest.NewSeededStore(t)
	r := NewResolver(store, WithLogger(logging.Discard()))
	ctx := context.Background()
	require.NoError(t, r.Load(ctx))

	t.Run("shared first vertex goes to smallest route", func(t *testing.T) {
		match, err := r.MapToRoute(ctx, 14.6928, -17.4467, 50)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "R1", match.RouteID)
		assert.Equal(t, "Downtown Loop", match.LongName)
	})

	t.Run("harbor is on route 2", func(t *testing.T) {
		match, err := r.MapToRoute(ctx, 14.6801, -17.4300, 50)
		require.NoError(t, err)
		require.NotNil(t, match)
		assert.Equal(t, "R2", match.RouteID)
	})

	t.Run("open sea", func(t *testing.T) {
		match, err := r.MapToRoute(ctx, 14.5, -17.6, 50)
		require.NoError(t, err)
		assert.Nil(t, match)
	})

	t.Run("stop lookups", func(t *testing.T) {
		stop, err := r.GetStop(ctx, "MARKET")
		require.NoError(t, err)
		require.NotNil(t, stop)
		assert.Equal(t, "Market Square", stop.Name)

		missing, err := r.GetStop(ctx, "NOPE")
		require.NoError(t, err)
		assert.Nil(t, missing)
	})

	t.Run("search", func(t *testing.T) {
		stops, err := r.SearchStops(ctx, "station", 0)
		require.NoError(t, err)
		require.Len(t, stops, 1)
		assert.Equal(t, "CENTRAL", stops[0].StopID)

		stops, err = r.SearchStops(ctx, "a", 2)
		require.NoError(t, err)
		assert.Len(t, stops, 2)

		stops, err = r.SearchStops(ctx, "  ", 10)
		require.NoError(t, err)
		assert.Empty(t, stops)
	})

	t.Run("route stops", func(t *testing.T) {
		stops, err := r.RouteStops(ctx, "R1", models.ParseDirection("inbound"))
		require.NoError(t, err)
		require.Len(t, stops, 3)
		assert.Equal(t, "UNIV", stops[0].StopID)
	})

	t.Run("routes", func(t *testing.T) {
		route, err := r.GetRoute(ctx, "R2")
		require.NoError(t, err)
		require.NotNil(t, route)
		assert.Equal(t, "Harbor Express", route.LongName)

		missing, err := r.GetRoute(ctx, "R9")
		require.NoError(t, err)
		assert.Nil(t, missing)

		routes, err := r.Routes(ctx)
		require.NoError(t, err)
		assert.Len(t, routes, 2)
	})
}
