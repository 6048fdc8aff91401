package gtfs

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/transitlive/tracker_core/internal/models"
)

func TestValidateAndCleanStops(t *testing.T) {
	tests := []struct {
		name     string
		stops    []models.GTFSStop
		expected int
	}{
		{
			name: "All valid stops",
			stops: []models.GTFSStop{
				{StopID: "1", Lat: 6.93, Lon: 79.85},
				{StopID: "2", Lat: 6.94, Lon: 79.86},
			},
			expected: 2,
		},
		{
			name: "Filter invalid latitude",
			stops: []models.GTFSStop{
				{StopID: "1", Lat: 6.93, Lon: 79.85},
				{StopID: "2", Lat: 95.0, Lon: 79.86},
			},
			expected: 1,
		},
		{
			name: "Filter null island",
			stops: []models.GTFSStop{
				{StopID: "1", Lat: 6.93, Lon: 79.85},
				{StopID: "2", Lat: 0.0, Lon: 0.0},
			},
			expected: 1,
		},
		{
			name: "Filter invalid longitude",
			stops: []models.GTFSStop{
				{StopID: "1", Lat: 6.93, Lon: 79.85},
				{StopID: "2", Lat: 6.94, Lon: 200.0},
			},
			expected: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ValidateAndCleanStops(tt.stops, nil)
			assert.Equal(t, tt.expected, len(result))
		})
	}
}

func TestDeduplicateStops(t *testing.T) {
	stops := []models.GTFSStop{
		{StopID: "A", Lat: 6.9271, Lon: 79.8612},
		{StopID: "A-dup", Lat: 6.92711, Lon: 79.86121}, // about 1.5m away
		{StopID: "B", Lat: 6.9371, Lon: 79.8612},
	}

	kept, mapping := DeduplicateStops(stops, 30, nil)

	require.Len(t, kept, 2)
	assert.Equal(t, "A", mapping["A-dup"])
	assert.Equal(t, "B", mapping["B"])

	stopTimes := []models.GTFSStopTime{{TripID: "T1", StopID: "A-dup", StopSequence: 1}}
	RemapStopTimes(stopTimes, mapping)
	assert.Equal(t, "A", stopTimes[0].StopID)
}

func TestDeduplicateStopsDisabled(t *testing.T) {
	stops := []models.GTFSStop{
		{StopID: "A", Lat: 6.9271, Lon: 79.8612},
		{StopID: "A-dup", Lat: 6.9271, Lon: 79.8612},
	}

	kept, mapping := DeduplicateStops(stops, 0, nil)
	assert.Len(t, kept, 2)
	assert.Equal(t, "A-dup", mapping["A-dup"])
}

func TestRouteShapePoints(t *testing.T) {
	trips := []models.GTFSTrip{
		{TripID: "T1", RouteID: "R2", ShapeID: "S1"},
		{TripID: "T2", RouteID: "R1", ShapeID: "S1"},
		{TripID: "T3", RouteID: "R1", ShapeID: "S1"},
		{TripID: "T4", RouteID: "R3"},
	}
	shapes := []models.GTFSShapePoint{
		{ShapeID: "S1", Lat: 6.90, Lon: 79.80, Sequence: 1},
		{ShapeID: "S1", Lat: 6.91, Lon: 79.81, Sequence: 2},
		{ShapeID: "orphan", Lat: 6.95, Lon: 79.85, Sequence: 1},
	}

	points := RouteShapePoints(trips, shapes)

	require.Len(t, points, 4)
	assert.Equal(t, "R1", points[0].RouteID)
	assert.Equal(t, "R2", points[1].RouteID)
	assert.Equal(t, 2, points[2].Sequence)
}

func TestParseShapesFromReader(t *testing.T) {
	csv := "shape_id,shape_pt_lat,shape_pt_lon,shape_pt_sequence\n" +
		"S1,6.9271,79.8612,1\n" +
		"S1,not-a-number,79.8612,2\n" +
		"S1,6.9281,79.8612,3\n"

	points, err := parseShapesFromReader(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, points, 2)
	assert.Equal(t, 3, points[1].Sequence)
}

func TestParseStopsFromReaderHandlesBOMAndOptionalColumns(t *testing.T) {
	csv := "\ufeffstop_id,stop_code,stop_name,stop_lat,stop_lon\n" +
		"STOP1,FT01,Fort Station,6.9344,79.8428\n" +
		",X,Missing id,6.9,79.8\n"

	stops, err := parseStopsFromReader(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, "STOP1", stops[0].StopID)
	assert.Equal(t, "FT01", stops[0].StopCode)
	assert.Equal(t, "Fort Station", stops[0].StopName)
}

func TestParseTripsKeepsShapeAndDirection(t *testing.T) {
	csv := "route_id,service_id,trip_id,direction_id,shape_id\n" +
		"R1,WK,T1,1,S1\n"

	trips, err := parseTripsFromReader(strings.NewReader(csv))
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, 1, trips[0].Direction)
	assert.Equal(t, "S1", trips[0].ShapeID)
}
