// Package geo provides the spherical geometry and zone-cell primitives the
// rest of the core builds on. Zones are H3 hexagonal cells; the platform only
// ever exposes resolutions 7–9 (cell edges roughly 1.2 km down to 170 m).
package geo

import (
	"errors"
	"math"
	"strconv"

	h3 "github.com/uber/h3-go/v4"
)

// EarthRadiusMeters is the WGS-84 mean sphere radius.
const EarthRadiusMeters = 6_371_000.0

const (
	// MinResolution is the coarsest zone resolution the platform exposes.
	MinResolution = 7
	// MaxResolution is the finest zone resolution the platform exposes.
	MaxResolution = 9
)

var (
	// ErrOutOfRange rejects coordinates outside the valid lat/lon domain.
	ErrOutOfRange = errors.New("coordinates out of range")
	// ErrInvalidZone rejects malformed or invalid zone identifiers.
	ErrInvalidZone = errors.New("invalid zone id")
)

// Coordinates is a raw WGS-84 fix. Values of this type exist only inside the
// emergency path and as transient inputs to the obfuscator.
type Coordinates struct {
	Lat float64 `json:"latitude"`
	Lon float64 `json:"longitude"`
}

// Valid reports whether the fix is inside the WGS-84 domain.
func (c Coordinates) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

// Haversine returns the great-circle distance between two fixes in meters.
func Haversine(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * EarthRadiusMeters * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// Bearing returns the initial great-circle bearing from a to b, normalised
// to [0, 360) degrees.
func Bearing(a, b Coordinates) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLon := (b.Lon - a.Lon) * math.Pi / 180

	y := math.Sin(dLon) * math.Cos(lat2)
	x := math.Cos(lat1)*math.Sin(lat2) - math.Sin(lat1)*math.Cos(lat2)*math.Cos(dLon)
	deg := math.Atan2(y, x) * 180 / math.Pi
	return math.Mod(deg+360, 360)
}

// ClampResolution bounds a requested resolution to the supported range.
func ClampResolution(res int) int {
	if res < MinResolution {
		return MinResolution
	}
	if res > MaxResolution {
		return MaxResolution
	}
	return res
}

// ZoneID returns the hex-encoded H3 cell containing the fix at the given
// (clamped) resolution.
func ZoneID(c Coordinates, res int) (string, error) {
	if !c.Valid() {
		return "", ErrOutOfRange
	}
	cell := h3.LatLngToCell(h3.NewLatLng(c.Lat, c.Lon), ClampResolution(res))
	return cell.String(), nil
}

// ZoneCenter returns the center fix of a zone cell.
func ZoneCenter(zoneID string) (Coordinates, error) {
	cell, err := parseZone(zoneID)
	if err != nil {
		return Coordinates{}, err
	}
	ll := h3.CellToLatLng(cell)
	return Coordinates{Lat: ll.Lat, Lon: ll.Lng}, nil
}

// ZoneResolution returns the resolution encoded in a zone cell id.
func ZoneResolution(zoneID string) (int, error) {
	cell, err := parseZone(zoneID)
	if err != nil {
		return 0, err
	}
	return cell.Resolution(), nil
}

func parseZone(zoneID string) (h3.Cell, error) {
	raw, err := strconv.ParseUint(zoneID, 16, 64)
	if err != nil {
		return 0, ErrInvalidZone
	}
	cell := h3.Cell(raw)
	if !cell.IsValid() {
		return 0, ErrInvalidZone
	}
	return cell, nil
}
