package marker

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"changeobserver/internal/fault"
)

const (
	MinLongitude = -180.0
	MaxLongitude = 180.0
	MinLatitude  = -90.0
	MaxLatitude  = 90.0
)

// Coordinate is a WGS84 point. Both bounds are inclusive.
type Coordinate struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
}

// NewCoordinate validates and returns a coordinate.
func NewCoordinate(lon, lat float64) (Coordinate, error) {
	c := Coordinate{Longitude: lon, Latitude: lat}
	if err := c.Validate(); err != nil {
		return Coordinate{}, err
	}
	return c, nil
}

// ParseCoordinate accepts textual values as they arrive from request bodies.
// Non-numeric input is a validation error.
func ParseCoordinate(lon, lat string) (Coordinate, error) {
	lo, err := strconv.ParseFloat(strings.TrimSpace(lon), 64)
	if err != nil {
		return Coordinate{}, fault.Validationf("coordinate", "longitude %q is not numeric", lon)
	}
	la, err := strconv.ParseFloat(strings.TrimSpace(lat), 64)
	if err != nil {
		return Coordinate{}, fault.Validationf("coordinate", "latitude %q is not numeric", lat)
	}
	return NewCoordinate(lo, la)
}

func (c Coordinate) Validate() error {
	if math.IsNaN(c.Longitude) || c.Longitude < MinLongitude || c.Longitude > MaxLongitude {
		return fault.Validationf("coordinate", "longitude %v must be between -180 and 180", c.Longitude)
	}
	if math.IsNaN(c.Latitude) || c.Latitude < MinLatitude || c.Latitude > MaxLatitude {
		return fault.Validationf("coordinate", "latitude %v must be between -90 and 90", c.Latitude)
	}
	return nil
}

func (c Coordinate) Valid() bool { return c.Validate() == nil }

// UnmarshalJSON accepts numbers and numeric strings. Older records store
// both components as strings.
func (c *Coordinate) UnmarshalJSON(b []byte) error {
	var raw struct {
		Longitude json.RawMessage `json:"longitude"`
		Latitude  json.RawMessage `json:"latitude"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	lon, err := flexFloat(raw.Longitude, "longitude")
	if err != nil {
		return err
	}
	lat, err := flexFloat(raw.Latitude, "latitude")
	if err != nil {
		return err
	}
	c.Longitude, c.Latitude = lon, lat
	return nil
}

func flexFloat(raw json.RawMessage, name string) (float64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fault.Validationf("coordinate", "%s is missing", name)
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, err
		}
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, fault.Validationf("coordinate", "%s %q is not numeric", name, s)
		}
		return f, nil
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, fault.Validationf("coordinate", "%s is not numeric", name)
	}
	return f, nil
}

func (c Coordinate) String() string {
	return strconv.FormatFloat(c.Latitude, 'f', -1, 64) + "," + strconv.FormatFloat(c.Longitude, 'f', -1, 64)
}
