package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/metrics"
	"golang.org/x/time/rate"
)

const DefaultOracleURL = "https://maps.googleapis.com/maps/api/directions/json"

// TravelTime is an oracle estimate between two coordinates
type TravelTime struct {
	Duration       time.Duration
	DistanceMeters float64
}

// Oracle estimates driving time between two points. Errors are classified:
// RateLimited on quota, NotFound when no route exists, Upstream otherwise.
type Oracle interface {
	TravelTime(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (TravelTime, error)
}

// GoogleDirections calls the Google Directions API with live traffic
type GoogleDirections struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *metrics.Collector
}

type OracleConfig struct {
	BaseURL string
	APIKey  string
	// RatePerSecond caps outbound calls; 0 disables the client-side quota
	RatePerSecond float64
	Metrics       *metrics.Collector
}

func NewGoogleDirections(cfg OracleConfig) *GoogleDirections {
	g := &GoogleDirections{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{},
		metrics:    cfg.Metrics,
	}
	if g.baseURL == "" {
		g.baseURL = DefaultOracleURL
	}
	if cfg.RatePerSecond > 0 {
		burst := int(cfg.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return g
}

type directionsResponse struct {
	Status       string `json:"status"`
	ErrorMessage string `json:"error_message"`
	Routes       []struct {
		Legs []struct {
			Duration          *directionsValue `json:"duration"`
			DurationInTraffic *directionsValue `json:"duration_in_traffic"`
			Distance          *directionsValue `json:"distance"`
		} `json:"legs"`
	} `json:"routes"`
}

type directionsValue struct {
	Value float64 `json:"value"`
}

func (g *GoogleDirections) TravelTime(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (TravelTime, error) {
	start := time.Now()
	tt, err := g.travelTime(ctx, fromLat, fromLon, toLat, toLon)
	kind := ""
	if err != nil {
		kind = apperror.KindOf(err).String()
	}
	g.metrics.OracleCall(time.Since(start), kind)
	return tt, err
}

func (g *GoogleDirections) travelTime(ctx context.Context, fromLat, fromLon, toLat, toLon float64) (TravelTime, error) {
	if g.apiKey == "" {
		return TravelTime{}, apperror.New(apperror.KindUpstream, "travel time service is not configured")
	}
	if g.limiter != nil && !g.limiter.Allow() {
		return TravelTime{}, apperror.New(apperror.KindRateLimited, "travel time service quota exceeded")
	}

	q := url.Values{}
	q.Set("origin", formatLatLon(fromLat, fromLon))
	q.Set("destination", formatLatLon(toLat, toLon))
	q.Set("mode", "driving")
	q.Set("departure_time", "now")
	q.Set("traffic_model", "best_guess")
	q.Set("key", g.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return TravelTime{}, apperror.Wrap(apperror.KindUpstream, err, "travel time request failed")
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return TravelTime{}, apperror.Wrap(apperror.KindUpstream, err, "travel time service timed out")
		}
		return TravelTime{}, apperror.Wrap(apperror.KindUpstream, err, "travel time request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusTooManyRequests {
		return TravelTime{}, apperror.New(apperror.KindRateLimited, "travel time service quota exceeded")
	}
	if resp.StatusCode != http.StatusOK {
		return TravelTime{}, apperror.Wrap(apperror.KindUpstream,
			fmt.Errorf("HTTP %d", resp.StatusCode), "travel time service error")
	}

	var body directionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return TravelTime{}, apperror.Wrap(apperror.KindUpstream, err, "malformed travel time response")
	}

	switch body.Status {
	case "OK":
	case "OVER_QUERY_LIMIT", "OVER_DAILY_LIMIT":
		return TravelTime{}, apperror.New(apperror.KindRateLimited, "travel time service quota exceeded")
	case "ZERO_RESULTS", "NOT_FOUND":
		return TravelTime{}, apperror.New(apperror.KindNotFound, "no route found to stop")
	default:
		return TravelTime{}, apperror.Wrap(apperror.KindUpstream,
			fmt.Errorf("status %s: %s", body.Status, body.ErrorMessage), "travel time service error")
	}

	if len(body.Routes) == 0 || len(body.Routes[0].Legs) == 0 {
		return TravelTime{}, apperror.New(apperror.KindNotFound, "no route found to stop")
	}

	leg := body.Routes[0].Legs[0]
	duration := leg.DurationInTraffic
	if duration == nil {
		duration = leg.Duration
	}
	if duration == nil {
		return TravelTime{}, apperror.New(apperror.KindUpstream, "malformed travel time response")
	}

	tt := TravelTime{Duration: time.Duration(duration.Value * float64(time.Second))}
	if leg.Distance != nil {
		tt.DistanceMeters = leg.Distance.Value
	}
	return tt, nil
}

func formatLatLon(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', -1, 64) + "," + strconv.FormatFloat(lon, 'f', -1, 64)
}
