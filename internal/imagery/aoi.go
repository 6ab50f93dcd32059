package imagery

import (
	"math"

	"github.com/golang/geo/s1"
	"github.com/golang/geo/s2"

	"changeobserver/internal/fault"
	"changeobserver/internal/marker"
)

// DefaultBuffer is the half-width of the area of interest in degrees.
const DefaultBuffer = 0.005

const earthRadiusMeters = 6371008.8

// maxDimension is the largest output edge the process API accepts.
const maxDimension = 2500

// AOI is a lon/lat bounding box around a marker.
type AOI struct {
	Center marker.Coordinate
	Rect   s2.Rect
}

// AreaOfInterest builds the ±buffer degree box around c. Latitude is
// clamped at the poles and longitude at the antimeridian.
func AreaOfInterest(c marker.Coordinate, buffer float64) (AOI, error) {
	if err := c.Validate(); err != nil {
		return AOI{}, err
	}
	if !(buffer > 0) {
		return AOI{}, fault.Validationf("imagery.aoi", "buffer must be positive, got %v", buffer)
	}
	lo := s2.LatLngFromDegrees(math.Max(c.Latitude-buffer, marker.MinLatitude), math.Max(c.Longitude-buffer, marker.MinLongitude))
	hi := s2.LatLngFromDegrees(math.Min(c.Latitude+buffer, marker.MaxLatitude), math.Min(c.Longitude+buffer, marker.MaxLongitude))
	return AOI{Center: c, Rect: s2.RectFromLatLng(lo).AddPoint(hi)}, nil
}

// BBox returns [minLon, minLat, maxLon, maxLat] in degrees.
func (a AOI) BBox() [4]float64 {
	lo, hi := a.Rect.Lo(), a.Rect.Hi()
	return [4]float64{lo.Lng.Degrees(), lo.Lat.Degrees(), hi.Lng.Degrees(), hi.Lat.Degrees()}
}

// Dimensions converts the box to pixel width and height at resolution
// meters per pixel, measured along the box's center lines.
func (a AOI) Dimensions(resolution float64) (int, int) {
	if resolution <= 0 {
		resolution = 10
	}
	lo, hi := a.Rect.Lo(), a.Rect.Hi()
	mid := a.Rect.Center()
	width := s2.LatLng{Lat: mid.Lat, Lng: lo.Lng}.Distance(s2.LatLng{Lat: mid.Lat, Lng: hi.Lng})
	height := s2.LatLng{Lat: lo.Lat, Lng: mid.Lng}.Distance(s2.LatLng{Lat: hi.Lat, Lng: mid.Lng})
	return pixels(width, resolution), pixels(height, resolution)
}

func pixels(a s1.Angle, resolution float64) int {
	n := int(math.Round(a.Radians() * earthRadiusMeters / resolution))
	if n < 1 {
		return 1
	}
	if n > maxDimension {
		return maxDimension
	}
	return n
}
