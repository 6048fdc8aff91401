package gtfs

import (
	"log/slog"
	"sort"

	"github.com/transitlive/tracker_core/internal/geo"
	"github.com/transitlive/tracker_core/internal/models"
)

// DeduplicateStops removes duplicate stops within a threshold distance.
// Returns deduplicated stops and a mapping from old stop IDs to kept stop IDs.
func DeduplicateStops(stops []models.GTFSStop, thresholdMeters float64, logger *slog.Logger) ([]models.GTFSStop, map[string]string) {
	stopMapping := make(map[string]string, len(stops)) // old_id -> kept_id
	if len(stops) == 0 || thresholdMeters <= 0 {
		for _, s := range stops {
			stopMapping[s.StopID] = s.StopID
		}
		return stops, stopMapping
	}

	deduplicated := []models.GTFSStop{}
	skipIndices := make(map[int]bool)

	for i := 0; i < len(stops); i++ {
		if skipIndices[i] {
			continue
		}

		currentStop := stops[i]
		deduplicated = append(deduplicated, currentStop)
		stopMapping[currentStop.StopID] = currentStop.StopID

		for j := i + 1; j < len(stops); j++ {
			if skipIndices[j] {
				continue
			}

			distance := geo.Haversine(currentStop.Lat, currentStop.Lon, stops[j].Lat, stops[j].Lon)
			if distance < thresholdMeters {
				skipIndices[j] = true
				stopMapping[stops[j].StopID] = currentStop.StopID
			}
		}
	}

	if logger != nil && len(deduplicated) < len(stops) {
		logger.Info("deduplicated stops",
			slog.Int("before", len(stops)),
			slog.Int("after", len(deduplicated)))
	}

	return deduplicated, stopMapping
}

// RemapStopTimes points stop_times at the stops kept by DeduplicateStops
func RemapStopTimes(stopTimes []models.GTFSStopTime, mapping map[string]string) {
	for i := range stopTimes {
		if newID, ok := mapping[stopTimes[i].StopID]; ok {
			stopTimes[i].StopID = newID
		}
	}
}

// ValidateAndCleanStops removes stops with invalid coordinates
func ValidateAndCleanStops(stops []models.GTFSStop, logger *slog.Logger) []models.GTFSStop {
	cleaned := []models.GTFSStop{}

	for _, stop := range stops {
		if stop.Lat < -90 || stop.Lat > 90 || stop.Lon < -180 || stop.Lon > 180 {
			if logger != nil {
				logger.Warn("skipping stop with invalid coordinates", slog.String("stop_id", stop.StopID))
			}
			continue
		}
		if stop.Lat == 0 && stop.Lon == 0 {
			if logger != nil {
				logger.Warn("skipping stop at null island", slog.String("stop_id", stop.StopID))
			}
			continue
		}

		cleaned = append(cleaned, stop)
	}

	return cleaned
}

// RouteShapePoints attaches each shape vertex to the route whose trips use
// that shape. Shapes no trip references are dropped. A shape shared by
// several routes is emitted once per route.
func RouteShapePoints(trips []models.GTFSTrip, shapes []models.GTFSShapePoint) []models.ShapePoint {
	routesByShape := make(map[string]map[string]struct{})
	for _, trip := range trips {
		if trip.ShapeID == "" {
			continue
		}
		if routesByShape[trip.ShapeID] == nil {
			routesByShape[trip.ShapeID] = make(map[string]struct{})
		}
		routesByShape[trip.ShapeID][trip.RouteID] = struct{}{}
	}

	var points []models.ShapePoint
	for _, sp := range shapes {
		routes := routesByShape[sp.ShapeID]
		routeIDs := make([]string, 0, len(routes))
		for id := range routes {
			routeIDs = append(routeIDs, id)
		}
		sort.Strings(routeIDs)

		for _, routeID := range routeIDs {
			points = append(points, models.ShapePoint{
				RouteID:  routeID,
				ShapeID:  sp.ShapeID,
				Lat:      sp.Lat,
				Lon:      sp.Lon,
				Sequence: sp.Sequence,
			})
		}
	}

	return points
}
