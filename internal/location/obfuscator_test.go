package location_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/123ashny/KENYASHIP/internal/geo"
	"github.com/123ashny/KENYASHIP/internal/location"
)

var nairobiCBD = geo.Coordinates{Lat: -1.286, Lon: 36.817}

func TestObfuscate(t *testing.T) {
	obs, err := location.Obfuscate(nairobiCBD, 8)
	require.NoError(t, err)

	assert.NotEmpty(t, obs.ZoneID)
	assert.Equal(t, 8, obs.Resolution)
	assert.Equal(t, location.Unknown, obs.MovementState)
	assert.Zero(t, obs.ApproxTime.Second(), "time is truncated to the minute")
	assert.Zero(t, obs.ApproxTime.Nanosecond())
	assert.WithinDuration(t, time.Now().UTC(), obs.ApproxTime, 2*time.Minute)
}

func TestObfuscate_ResolutionClamped(t *testing.T) {
	low, err := location.Obfuscate(nairobiCBD, 1)
	require.NoError(t, err)
	assert.Equal(t, geo.MinResolution, low.Resolution)

	high, err := location.Obfuscate(nairobiCBD, 15)
	require.NoError(t, err)
	assert.Equal(t, geo.MaxResolution, high.Resolution)
}

func TestObfuscate_InvalidCoordinates(t *testing.T) {
	_, err := location.Obfuscate(geo.Coordinates{Lat: -120, Lon: 0}, 8)
	assert.ErrorIs(t, err, geo.ErrOutOfRange)
}

// The serialized form is what reaches audit metadata and broadcast payloads;
// it must never leak the raw fix.
func TestObfuscate_NoRawCoordinatesInOutput(t *testing.T) {
	obs, err := location.Obfuscate(nairobiCBD, 8)
	require.NoError(t, err)

	raw, err := json.Marshal(obs)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "latitude")
	assert.NotContains(t, string(raw), "longitude")
	assert.NotContains(t, string(raw), "36.817")
}

func TestObfuscate_NearbyPointsShareZone(t *testing.T) {
	a, err := location.Obfuscate(nairobiCBD, 7)
	require.NoError(t, err)
	b, err := location.Obfuscate(geo.Coordinates{Lat: -1.2861, Lon: 36.8171}, 7)
	require.NoError(t, err)
	assert.Equal(t, a.ZoneID, b.ZoneID, "points 16 m apart fall in the same res-7 cell")
}
