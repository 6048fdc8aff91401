package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/auth"
	"github.com/transitlive/tracker_core/internal/cache"
	"github.com/transitlive/tracker_core/internal/db"
	"github.com/transitlive/tracker_core/internal/dbtest"
	"github.com/transitlive/tracker_core/internal/logging"
	"github.com/transitlive/tracker_core/internal/models"
)

const testKey = "test-secret"

type publishedEvent struct {
	eventType string
	data      any
	topics    []string
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, eventType string, data any, topics ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{eventType, data, topics})
	return p.err
}

type brokenCache struct{}

func (brokenCache) Get(context.Context, string) ([]byte, error) { return nil, errors.New("cache down") }
func (brokenCache) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("cache down")
}
func (brokenCache) Del(context.Context, string) error            { return errors.New("cache down") }
func (brokenCache) Exists(context.Context, string) (bool, error) { return false, errors.New("cache down") }
func (brokenCache) Ping(context.Context) error                   { return errors.New("cache down") }
func (brokenCache) Close() error                                 { return nil }

type failingStore struct{ Store }

func (failingStore) InsertPosition(context.Context, models.PositionFix) (bool, error) {
	return false, errors.New("disk full")
}

type testRig struct {
	engine *Engine
	store  *db.SQLite
	cache  *cache.Memory
	pub    *recordingPublisher
}

func newRig(t *testing.T, opts ...Option) *testRig {
	t.Helper()

	store := dbtest.NewStore(t)
	mem := cache.NewMemory(100)
	t.Cleanup(func() { _ = mem.Close() })
	pub := &recordingPublisher{}

	resolver := auth.Chain{
		auth.NewStatic(testKey, auth.StaticKey{Label: "bus two", Key: "bus-two-key", VehicleID: "BUS002"}),
		auth.NewStoreResolver(store),
	}
	opts = append([]Option{WithPublisher(pub), WithLogger(logging.Discard())}, opts...)

	return &testRig{
		engine: NewEngine(store, mem, resolver, opts...),
		store:  store,
		cache:  mem,
		pub:    pub,
	}
}

func (r *testRig) rowCount(t *testing.T, vehicleID string) int64 {
	t.Helper()
	n := dbtest.Count(t, r.store, `SELECT COUNT(*) FROM bus_positions WHERE vehicle_id = ?`, vehicleID)
	return n
}

const bus001Payload = `{"vehicle_id":"BUS001","timestamp":1704067200,"latitude":6.9271,"longitude":79.8612,"speed":45.5}`

func TestProcessStoresAndCachesFix(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	fix, err := rig.engine.Process(ctx, []byte(bus001Payload), testKey)
	require.NoError(t, err)
	assert.Equal(t, "BUS001", fix.VehicleID)

	stored, err := rig.store.LatestPosition(ctx, "BUS001")
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, int64(1704067200), stored.Timestamp)
	assert.Equal(t, 6.9271, stored.Latitude)
	assert.Equal(t, 79.8612, stored.Longitude)
	require.NotNil(t, stored.Speed)
	assert.Equal(t, 45.5, *stored.Speed)
	assert.Nil(t, stored.Heading)

	var cached models.PositionFix
	found, err := cache.GetJSON(ctx, rig.cache, cache.LatestPositionKey("BUS001"), &cached)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, fix.Timestamp, cached.Timestamp)

	latest, err := rig.engine.LatestPosition(ctx, "BUS001")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, 6.9271, latest.Latitude)

	require.Len(t, rig.pub.events, 1)
	ev := rig.pub.events[0]
	assert.Equal(t, EventPositionUpdate, ev.eventType)
	assert.Equal(t, []string{"vehicle:BUS001", "vehicles"}, ev.topics)
	data, ok := ev.data.(PositionEvent)
	require.True(t, ok)
	assert.Equal(t, 79.8612, data.Longitude)
}

func TestProcessRejectsOutOfRangeWithoutWriting(t *testing.T) {
	rig := newRig(t)

	_, err := rig.engine.Process(context.Background(),
		[]byte(`{"vehicle_id":"BUS001","timestamp":1704067200,"latitude":100,"longitude":79.8612}`), testKey)
	require.Error(t, err)
	assert.Equal(t, apperror.KindValidation, apperror.KindOf(err))
	assert.Equal(t, 400, apperror.KindOf(err).HTTPStatus())

	assert.EqualValues(t, 0, rig.rowCount(t, "BUS001"))
	assert.Empty(t, rig.pub.events)
}

func TestProcessDuplicateIsConflict(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	_, err := rig.engine.Process(ctx, []byte(bus001Payload), testKey)
	require.NoError(t, err)

	_, err = rig.engine.Process(ctx, []byte(bus001Payload), testKey)
	require.Error(t, err)
	assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
	assert.EqualValues(t, 1, rig.rowCount(t, "BUS001"))

	t.Run("store catches duplicates once the cache forgot", func(t *testing.T) {
		require.NoError(t, rig.cache.Del(ctx, cache.LastSeenKey("BUS001")))

		_, err := rig.engine.Process(ctx, []byte(bus001Payload), testKey)
		require.Error(t, err)
		assert.Equal(t, apperror.KindConflict, apperror.KindOf(err))
		assert.EqualValues(t, 1, rig.rowCount(t, "BUS001"))
	})

	t.Run("next second is accepted", func(t *testing.T) {
		_, err := rig.engine.Process(ctx,
			[]byte(`{"vehicle_id":"BUS001","timestamp":1704067201,"latitude":6.9272,"longitude":79.8612}`), testKey)
		require.NoError(t, err)
		assert.EqualValues(t, 2, rig.rowCount(t, "BUS001"))
	})
}

func TestProcessAuthentication(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()
	require.NoError(t, rig.store.AddDeviceKey(ctx, models.DeviceKey{
		KeyHash: auth.HashKey("db-key"), Label: "tablet", Active: true,
	}))

	tests := []struct {
		name    string
		key     string
		payload string
		wantErr bool
	}{
		{"missing key", "", bus001Payload, true},
		{"wrong key", "guess", bus001Payload, true},
		{"key bound to another vehicle", "bus-two-key", bus001Payload, true},
		{"key bound to this vehicle", "bus-two-key",
			`{"vehicle_id":"BUS002","timestamp":1704067200,"latitude":6.9,"longitude":79.8}`, false},
		{"key from the store", "db-key",
			`{"vehicle_id":"BUS003","timestamp":1704067200,"latitude":6.9,"longitude":79.8}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := rig.engine.Process(ctx, []byte(tt.payload), tt.key)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
		})
	}

	assert.EqualValues(t, 0, rig.rowCount(t, "BUS001"))
}

func TestProcessUnauthorizedBeforeValidation(t *testing.T) {
	rig := newRig(t)

	_, err := rig.engine.Process(context.Background(), []byte(`{"latitude":100}`), "")
	assert.Equal(t, apperror.KindUnauthorized, apperror.KindOf(err))
}

func TestProcessStorageFailureIsFatal(t *testing.T) {
	rig := newRig(t)
	engine := NewEngine(failingStore{rig.store}, rig.cache, auth.NewStatic(testKey), WithLogger(logging.Discard()))

	_, err := engine.Process(context.Background(), []byte(bus001Payload), testKey)
	require.Error(t, err)
	assert.Equal(t, apperror.KindStorage, apperror.KindOf(err))
	assert.Equal(t, "failed to store GPS data", apperror.PublicMessage(err))

	found, err := rig.cache.Exists(context.Background(), cache.LatestPositionKey("BUS001"))
	require.NoError(t, err)
	assert.False(t, found)
}

func TestProcessSurvivesBrokenCacheAndPublisher(t *testing.T) {
	store := dbtest.NewStore(t)
	pub := &recordingPublisher{err: errors.New("no subscribers reachable")}
	engine := NewEngine(store, brokenCache{}, auth.NewStatic(testKey),
		WithPublisher(pub), WithLogger(logging.Discard()))
	ctx := context.Background()

	_, err := engine.Process(ctx, []byte(bus001Payload), testKey)
	require.NoError(t, err)

	latest, err := engine.LatestPosition(ctx, "BUS001")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1704067200), latest.Timestamp)
}

func TestProcessPersistsAfterCallerCancels(t *testing.T) {
	rig := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := rig.engine.Process(ctx, []byte(bus001Payload), testKey)
	require.NoError(t, err)
	assert.EqualValues(t, 1, rig.rowCount(t, "BUS001"))
}

func TestIsDuplicateWindow(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name   string
		window time.Duration
		last   int64
		next   int64
		want   bool
	}{
		{"same second", time.Second, 1704067200, 1704067200, true},
		{"one second later", time.Second, 1704067200, 1704067201, false},
		{"older fix inside a wide window", 5 * time.Second, 1704067200, 1704067197, true},
		{"outside a wide window", 5 * time.Second, 1704067200, 1704067205, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig := newRig(t, WithDedupWindow(tt.window))
			rig.engine.cacheFix(ctx, models.PositionFix{VehicleID: "BUS001", Timestamp: tt.last})

			dup, err := rig.engine.IsDuplicate(ctx, "BUS001", tt.next)
			require.NoError(t, err)
			assert.Equal(t, tt.want, dup)
		})
	}

	t.Run("no previous fix", func(t *testing.T) {
		rig := newRig(t)
		dup, err := rig.engine.IsDuplicate(ctx, "BUS404", 1704067200)
		require.NoError(t, err)
		assert.False(t, dup)
	})
}

func TestLatestPositionFallsBackToStore(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	_, err := rig.store.InsertPosition(ctx, models.PositionFix{
		VehicleID: "BUS005", Timestamp: 1704067300, Latitude: 6.9, Longitude: 79.8, CreatedAt: time.Now(),
	})
	require.NoError(t, err)

	latest, err := rig.engine.LatestPosition(ctx, "BUS005")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, int64(1704067300), latest.Timestamp)

	found, err := rig.cache.Exists(ctx, cache.LatestPositionKey("BUS005"))
	require.NoError(t, err)
	assert.True(t, found)

	missing, err := rig.engine.LatestPosition(ctx, "BUS404")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestHistory(t *testing.T) {
	rig := newRig(t)
	ctx := context.Background()

	for _, ts := range []string{"1704067200", "1704067210", "1704067220"} {
		_, err := rig.engine.Process(ctx,
			[]byte(`{"vehicle_id":"BUS001","timestamp":`+ts+`,"latitude":6.9,"longitude":79.8}`), testKey)
		require.NoError(t, err)
	}

	history, err := rig.engine.History(ctx, "BUS001", 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, int64(1704067220), history[0].Timestamp)
}
