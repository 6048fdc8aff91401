package eta

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/apperror"
)

func directionsServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "14.6928,-17.4467", q.Get("origin"))
		assert.Equal(t, "14.695,-17.444", q.Get("destination"))
		assert.Equal(t, "driving", q.Get("mode"))
		assert.Equal(t, "now", q.Get("departure_time"))
		assert.Equal(t, "test-key", q.Get("key"))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleDirections(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		want     TravelTime
		wantKind apperror.Kind
	}{
		{
			name:   "traffic duration preferred",
			status: http.StatusOK,
			body: `{"status":"OK","routes":[{"legs":[{"duration":{"value":300},
				"duration_in_traffic":{"value":420},"distance":{"value":1800}}]}]}`,
			want: TravelTime{Duration: 7 * time.Minute, DistanceMeters: 1800},
		},
		{
			name:   "plain duration",
			status: http.StatusOK,
			body:   `{"status":"OK","routes":[{"legs":[{"duration":{"value":90}}]}]}`,
			want:   TravelTime{Duration: 90 * time.Second},
		},
		{
			name:     "quota exceeded",
			status:   http.StatusOK,
			body:     `{"status":"OVER_QUERY_LIMIT","routes":[]}`,
			wantKind: apperror.KindRateLimited,
		},
		{
			name:     "http 429",
			status:   http.StatusTooManyRequests,
			body:     `{}`,
			wantKind: apperror.KindRateLimited,
		},
		{
			name:     "no route",
			status:   http.StatusOK,
			body:     `{"status":"ZERO_RESULTS","routes":[]}`,
			wantKind: apperror.KindNotFound,
		},
		{
			name:     "no legs",
			status:   http.StatusOK,
			body:     `{"status":"OK","routes":[]}`,
			wantKind: apperror.KindNotFound,
		},
		{
			name:     "request denied",
			status:   http.StatusOK,
			body:     `{"status":"REQUEST_DENIED","error_message":"bad key"}`,
			wantKind: apperror.KindUpstream,
		},
		{
			name:     "server error",
			status:   http.StatusInternalServerError,
			body:     `oops`,
			wantKind: apperror.KindUpstream,
		},
		{
			name:     "malformed body",
			status:   http.StatusOK,
			body:     `{"status":`,
			wantKind: apperror.KindUpstream,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := directionsServer(t, tt.status, tt.body)
			oracle := NewGoogleDirections(OracleConfig{BaseURL: srv.URL, APIKey: "test-key"})

			got, err := oracle.TravelTime(context.Background(), 14.6928, -17.4467, 14.695, -17.444)
			if tt.wantKind != 0 {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperror.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGoogleDirectionsWithoutKey(t *testing.T) {
	oracle := NewGoogleDirections(OracleConfig{})

	_, err := oracle.TravelTime(context.Background(), 0, 0, 1, 1)
	require.Error(t, err)
	assert.Equal(t, apperror.KindUpstream, apperror.KindOf(err))
	assert.Equal(t, "travel time service is not configured", apperror.PublicMessage(err))
}

func TestGoogleDirectionsClientQuota(t *testing.T) {
	srv := directionsServer(t, http.StatusOK, `{"status":"OK","routes":[{"legs":[{"duration":{"value":60}}]}]}`)
	oracle := NewGoogleDirections(OracleConfig{BaseURL: srv.URL, APIKey: "test-key", RatePerSecond: 0.001})
	ctx := context.Background()

	_, err := oracle.TravelTime(ctx, 14.6928, -17.4467, 14.695, -17.444)
	require.NoError(t, err)

	_, err = oracle.TravelTime(ctx, 14.6928, -17.4467, 14.695, -17.444)
	require.Error(t, err)
	assert.Equal(t, apperror.KindRateLimited, apperror.KindOf(err))
}

func TestGoogleDirectionsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(srv.Close)
	oracle := NewGoogleDirections(OracleConfig{BaseURL: srv.URL, APIKey: "test-key"})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := oracle.TravelTime(ctx, 0, 0, 1, 1)
	require.Error(t, err)
	assert.Equal(t, apperror.KindUpstream, apperror.KindOf(err))
	assert.Equal(t, "travel time service timed out", apperror.PublicMessage(err))
}
