package ingest

import (
	"encoding/json"
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/transitlive/tracker_core/internal/apperror"
	"github.com/transitlive/tracker_core/internal/models"
)

// fixPayload mirrors the wire format. Pointers distinguish a missing field
// from a zero value.
type fixPayload struct {
	VehicleID *string  `json:"vehicle_id" validate:"required,min=1,max=64"`
	Timestamp *int64   `json:"timestamp" validate:"required,gt=0,lte=253402300799"`
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
	Speed     *float64 `json:"speed" validate:"omitempty,gte=0,lte=200"`
	Heading   *float64 `json:"heading" validate:"omitempty,gte=0,lt=360"`
	Accuracy  *float64 `json:"accuracy" validate:"omitempty,gte=0"`
}

// maxTimestamp is 9999-12-31T23:59:59Z; the bound keeps millisecond
// arithmetic on timestamps within int64.
const maxTimestamp = 253402300799

// fieldOrder fixes the order violations are reported in
var fieldOrder = []string{"vehicle_id", "timestamp", "latitude", "longitude", "speed", "heading", "accuracy"}

var rangeMessages = map[string]string{
	"vehicle_id": "vehicle_id must be a non-empty string of at most 64 characters",
	"timestamp":  "timestamp must be a positive Unix time in seconds, no later than year 9999",
	"latitude":   "latitude must be between -90 and 90",
	"longitude":  "longitude must be between -180 and 180",
	"speed":      "speed must be between 0 and 200",
	"heading":    "heading must be between 0 and 360",
	"accuracy":   "accuracy must be non-negative",
}

var typeMessages = map[string]string{
	"vehicle_id": "vehicle_id must be a string",
	"timestamp":  "timestamp must be an integer",
	"latitude":   "latitude must be a number",
	"longitude":  "longitude must be a number",
	"speed":      "speed must be a number",
	"heading":    "heading must be a number",
	"accuracy":   "accuracy must be a number",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("json"), ",")
		return name
	})
	return v
}

// Validate parses a raw GPS payload. On failure the returned error is a
// validation *apperror.Error listing every violated constraint.
func Validate(raw []byte) (models.PositionFix, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return models.PositionFix{}, apperror.Validation([]string{"body must be a JSON object"})
	}

	var (
		p          fixPayload
		violations = map[string]string{}
	)
	targets := map[string]any{
		"vehicle_id": &p.VehicleID,
		"timestamp":  &p.Timestamp,
		"latitude":   &p.Latitude,
		"longitude":  &p.Longitude,
		"speed":      &p.Speed,
		"heading":    &p.Heading,
		"accuracy":   &p.Accuracy,
	}
	for name, target := range targets {
		value, ok := fields[name]
		if !ok {
			continue
		}
		if err := json.Unmarshal(value, target); err != nil {
			violations[name] = typeMessages[name]
		}
	}

	if p.VehicleID != nil {
		trimmed := strings.TrimSpace(*p.VehicleID)
		p.VehicleID = &trimmed
	}

	if err := validate.Struct(p); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return models.PositionFix{}, apperror.Wrap(apperror.KindInternal, err, "failed to validate GPS data")
		}
		for _, fe := range fieldErrs {
			name := fe.Field()
			if _, seen := violations[name]; seen {
				continue
			}
			if fe.Tag() == "required" {
				violations[name] = name + " is required"
			} else {
				violations[name] = rangeMessages[name]
			}
		}
	}

	if len(violations) > 0 {
		details := make([]string, 0, len(violations))
		for _, name := range fieldOrder {
			if msg, ok := violations[name]; ok {
				details = append(details, msg)
			}
		}
		return models.PositionFix{}, apperror.Validation(details)
	}

	return models.PositionFix{
		VehicleID: *p.VehicleID,
		Timestamp: *p.Timestamp,
		Latitude:  *p.Latitude,
		Longitude: *p.Longitude,
		Speed:     p.Speed,
		Heading:   p.Heading,
		Accuracy:  p.Accuracy,
	}, nil
}
