package gtfs

import (
	"archive/zip"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"github.com/transitlive/tracker_core/internal/models"
)

// Feed represents a parsed GTFS feed
type Feed struct {
	Stops     []models.GTFSStop
	Routes    []models.GTFSRoute
	Trips     []models.GTFSTrip
	StopTimes []models.GTFSStopTime
	Shapes    []models.GTFSShapePoint
}

// ParseZip parses a GTFS ZIP file without extracting it to disk
func ParseZip(zipPath string, logger *slog.Logger) (*Feed, error) {
	reader, err := zip.OpenReader(zipPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open zip: %w", err)
	}
	defer reader.Close()

	files := make(map[string]*zip.File)
	for _, f := range reader.File {
		if f.FileInfo().IsDir() {
			continue
		}
		files[path.Base(f.Name)] = f
	}

	feed := &Feed{}

	// stops, routes, trips and stop_times are required
	if feed.Stops, err = parseEntry(files, "stops.txt", parseStopsFromReader); err != nil {
		return nil, err
	}
	if feed.Routes, err = parseEntry(files, "routes.txt", parseRoutesFromReader); err != nil {
		return nil, err
	}
	if feed.Trips, err = parseEntry(files, "trips.txt", parseTripsFromReader); err != nil {
		return nil, err
	}
	if feed.StopTimes, err = parseEntry(files, "stop_times.txt", parseStopTimesFromReader); err != nil {
		return nil, err
	}

	// shapes.txt is optional in GTFS but without it no route can be matched
	if _, ok := files["shapes.txt"]; ok {
		if feed.Shapes, err = parseEntry(files, "shapes.txt", parseShapesFromReader); err != nil {
			return nil, err
		}
	} else if logger != nil {
		logger.Warn("feed has no shapes.txt, route matching will find nothing")
	}

	if logger != nil {
		logger.Info("parsed GTFS feed",
			slog.Int("stops", len(feed.Stops)),
			slog.Int("routes", len(feed.Routes)),
			slog.Int("trips", len(feed.Trips)),
			slog.Int("stop_times", len(feed.StopTimes)),
			slog.Int("shape_points", len(feed.Shapes)))
	}

	return feed, nil
}

func parseEntry[T any](files map[string]*zip.File, name string, parse func(io.Reader) ([]T, error)) ([]T, error) {
	f, ok := files[name]
	if !ok {
		return nil, fmt.Errorf("missing required file %s", name)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}
	defer rc.Close()

	rows, err := parse(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", name, err)
	}
	return rows, nil
}

func parseStopsFromReader(reader io.Reader) ([]models.GTFSStop, error) {
	return readRows(reader, func(get func(string) string) (models.GTFSStop, bool) {
		stopID := get("stop_id")
		latStr := get("stop_lat")
		lonStr := get("stop_lon")

		// Skip stops without required fields
		if stopID == "" || latStr == "" || lonStr == "" {
			return models.GTFSStop{}, false
		}

		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return models.GTFSStop{}, false
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return models.GTFSStop{}, false
		}

		return models.GTFSStop{
			StopID:   stopID,
			StopName: get("stop_name"),
			StopCode: get("stop_code"),
			StopDesc: get("stop_desc"),
			Lat:      lat,
			Lon:      lon,
		}, true
	})
}

func parseRoutesFromReader(reader io.Reader) ([]models.GTFSRoute, error) {
	return readRows(reader, func(get func(string) string) (models.GTFSRoute, bool) {
		routeID := get("route_id")
		if routeID == "" {
			return models.GTFSRoute{}, false
		}
		routeType, _ := strconv.Atoi(get("route_type"))

		return models.GTFSRoute{
			RouteID:        routeID,
			AgencyID:       get("agency_id"),
			ShortName:      get("route_short_name"),
			LongName:       get("route_long_name"),
			RouteType:      routeType,
			RouteColor:     get("route_color"),
			RouteTextColor: get("route_text_color"),
		}, true
	})
}

func parseTripsFromReader(reader io.Reader) ([]models.GTFSTrip, error) {
	return readRows(reader, func(get func(string) string) (models.GTFSTrip, bool) {
		tripID := get("trip_id")
		routeID := get("route_id")
		if tripID == "" || routeID == "" {
			return models.GTFSTrip{}, false
		}
		direction, _ := strconv.Atoi(get("direction_id"))

		return models.GTFSTrip{
			RouteID:   routeID,
			ServiceID: get("service_id"),
			TripID:    tripID,
			Headsign:  get("trip_headsign"),
			Direction: direction,
			ShapeID:   get("shape_id"),
		}, true
	})
}

func parseStopTimesFromReader(reader io.Reader) ([]models.GTFSStopTime, error) {
	return readRows(reader, func(get func(string) string) (models.GTFSStopTime, bool) {
		tripID := get("trip_id")
		stopID := get("stop_id")
		sequence, err := strconv.Atoi(get("stop_sequence"))
		if tripID == "" || stopID == "" || err != nil {
			return models.GTFSStopTime{}, false
		}

		return models.GTFSStopTime{
			TripID:        tripID,
			ArrivalTime:   get("arrival_time"),
			DepartureTime: get("departure_time"),
			StopID:        stopID,
			StopSequence:  sequence,
		}, true
	})
}

func parseShapesFromReader(reader io.Reader) ([]models.GTFSShapePoint, error) {
	return readRows(reader, func(get func(string) string) (models.GTFSShapePoint, bool) {
		shapeID := get("shape_id")
		if shapeID == "" {
			return models.GTFSShapePoint{}, false
		}
		lat, errLat := strconv.ParseFloat(get("shape_pt_lat"), 64)
		lon, errLon := strconv.ParseFloat(get("shape_pt_lon"), 64)
		seq, errSeq := strconv.Atoi(get("shape_pt_sequence"))
		if errLat != nil || errLon != nil || errSeq != nil {
			return models.GTFSShapePoint{}, false
		}

		return models.GTFSShapePoint{
			ShapeID:  shapeID,
			Lat:      lat,
			Lon:      lon,
			Sequence: seq,
		}, true
	})
}

// readRows reads a CSV with a header row and maps every record through build.
// Malformed records and rows rejected by build are skipped.
func readRows[T any](reader io.Reader, build func(get func(string) string) (T, bool)) ([]T, error) {
	csvReader := csv.NewReader(reader)
	csvReader.TrimLeadingSpace = true
	csvReader.FieldsPerRecord = -1

	header, err := csvReader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	colMap := makeColumnMap(header)
	var rows []T

	for {
		record, err := csvReader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			continue
		}

		get := func(field string) string { return getField(record, colMap, field) }
		if row, ok := build(get); ok {
			rows = append(rows, row)
		}
	}

	return rows, nil
}

// Helper functions

func makeColumnMap(header []string) map[string]int {
	colMap := make(map[string]int)
	for i, col := range header {
		// strip a UTF-8 BOM some exporters put on the first column
		colMap[strings.TrimPrefix(strings.TrimSpace(col), "\ufeff")] = i
	}
	return colMap
}

func getField(record []string, colMap map[string]int, fieldName string) string {
	if idx, ok := colMap[fieldName]; ok && idx < len(record) {
		return strings.TrimSpace(record[idx])
	}
	return ""
}
