// Package location turns raw GPS fixes into coarse, privacy-preserving zone
// identifiers. Nothing outside the emergency path ever sees the raw fix again
// once it has passed through here.
package location

import (
	"time"

	"github.com/123ashny/KENYASHIP/internal/geo"
)

// MovementState classifies driver motion as inferred from history. The
// obfuscator itself always reports Unknown; the security monitor overwrites
// it once it has enough history.
type MovementState string

const (
	Stationary MovementState = "stationary"
	Moving     MovementState = "moving"
	Unknown    MovementState = "unknown"
)

// Obfuscated is the only location shape that circulates outside the
// emergency path. Producing it from raw coordinates is one-way: the zone id
// cannot be inverted beyond the cell's extent, and the timestamp is coarse.
type Obfuscated struct {
	ZoneID        string        `json:"zoneId"`
	ApproxTime    time.Time     `json:"approxTime"`
	MovementState MovementState `json:"movementState"`
	Resolution    int           `json:"resolution"`
}

// DefaultResolution is used when a caller does not request one.
const DefaultResolution = 8

// Obfuscate maps a raw fix to its zone cell at the clamped resolution.
// The approximate timestamp is truncated to the minute.
func Obfuscate(raw geo.Coordinates, resolution int) (Obfuscated, error) {
	res := geo.ClampResolution(resolution)
	zone, err := geo.ZoneID(raw, res)
	if err != nil {
		return Obfuscated{}, err
	}
	return Obfuscated{
		ZoneID:        zone,
		ApproxTime:    time.Now().UTC().Truncate(time.Minute),
		MovementState: Unknown,
		Resolution:    res,
	}, nil
}
