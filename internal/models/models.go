package models

import "time"

// Confidence grades how much an arrival estimate can be trusted
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Direction is the GTFS direction_id of a trip
type Direction int

const (
	DirectionOutbound Direction = 0
	DirectionInbound  Direction = 1
)

// ParseDirection maps "inbound"/"outbound" to a Direction.
// Anything other than "inbound" is treated as outbound.
func ParseDirection(s string) Direction {
	if s == "inbound" {
		return DirectionInbound
	}
	return DirectionOutbound
}

// PositionFix is one GPS report from a vehicle
type PositionFix struct {
	VehicleID string    `json:"vehicle_id"`
	Timestamp int64     `json:"timestamp"` // Unix seconds
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Speed     *float64  `json:"speed,omitempty"`   // km/h
	Heading   *float64  `json:"heading,omitempty"` // degrees
	Accuracy  *float64  `json:"accuracy,omitempty"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// Time returns the fix timestamp as a time.Time
func (p PositionFix) Time() time.Time {
	return time.Unix(p.Timestamp, 0)
}

// Stop represents a physical transit stop location
type Stop struct {
	StopID      string  `json:"stop_id"`
	Name        string  `json:"name"`
	Lat         float64 `json:"lat"`
	Lon         float64 `json:"lon"`
	Code        string  `json:"code,omitempty"`
	Description string  `json:"description,omitempty"`
}

// Route represents a transit route (line)
type Route struct {
	RouteID   string `json:"route_id"`
	ShortName string `json:"short_name"`
	LongName  string `json:"long_name"`
	RouteType int    `json:"route_type"`
	Color     string `json:"color,omitempty"`
	TextColor string `json:"text_color,omitempty"`
}

// RouteMatch is the route whose shape passes closest to a coordinate
type RouteMatch struct {
	Route
	DistanceMeters float64 `json:"distance_meters"`
}

// ShapePoint is one vertex of a route shape
type ShapePoint struct {
	RouteID  string
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence int
}

// ETAResult is an arrival estimate for a vehicle at a stop
type ETAResult struct {
	VehicleID    string     `json:"vehicle_id"`
	StopID       string     `json:"stop_id"`
	RouteID      string     `json:"route_id,omitempty"`
	ETAMinutes   int        `json:"eta_minutes"`
	ETATimestamp time.Time  `json:"eta_timestamp"`
	Confidence   Confidence `json:"confidence"`
	Cached       bool       `json:"cached"`
}

// PredictionRecord is a logged ETA used to evaluate prediction quality later
type PredictionRecord struct {
	VehicleID        string
	StopID           string
	RouteID          string
	PredictedMinutes float64
	DistanceKm       float64
	HourOfDay        int
	DayOfWeek        int
	CreatedAt        time.Time
}

// ApproachNotice describes a vehicle about to reach a stop
type ApproachNotice struct {
	VehicleID  string
	RouteID    string
	StopID     string
	ETAMinutes int
}

// DeviceKey is a hashed API key issued to a tracking device
type DeviceKey struct {
	KeyHash   string
	Label     string
	VehicleID string // empty when the key is not bound to a vehicle
	Active    bool
}

// GTFS data structures for import

// GTFSStop represents a stop from stops.txt
type GTFSStop struct {
	StopID   string
	StopName string
	StopCode string
	StopDesc string
	Lat      float64
	Lon      float64
}

// GTFSRoute represents a route from routes.txt
type GTFSRoute struct {
	RouteID        string
	AgencyID       string
	ShortName      string
	LongName       string
	RouteType      int
	RouteColor     string
	RouteTextColor string
}

// GTFSTrip represents a trip from trips.txt
type GTFSTrip struct {
	RouteID   string
	ServiceID string
	TripID    string
	Headsign  string
	Direction int
	ShapeID   string
}

// GTFSStopTime represents a stop time from stop_times.txt
type GTFSStopTime struct {
	TripID        string
	ArrivalTime   string
	DepartureTime string
	StopID        string
	StopSequence  int
}

// GTFSShapePoint represents a row from shapes.txt
type GTFSShapePoint struct {
	ShapeID  string
	Lat      float64
	Lon      float64
	Sequence int
}
