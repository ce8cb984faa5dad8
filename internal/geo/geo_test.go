package geo_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/123ashny/KENYASHIP/internal/geo"
)

var (
	nairobiCBD  = geo.Coordinates{Lat: -1.286, Lon: 36.817}
	nearbyPoint = geo.Coordinates{Lat: -1.2861, Lon: 36.8171}
	mombasa     = geo.Coordinates{Lat: -4.0435, Lon: 39.6682}
)

func TestHaversine_NearbyPoints(t *testing.T) {
	d := geo.Haversine(nairobiCBD, nearbyPoint)
	assert.InDelta(t, 16, d, 3, "adjacent street corners are ~16 m apart")
}

func TestHaversine_NairobiMombasa(t *testing.T) {
	d := geo.Haversine(nairobiCBD, mombasa)
	assert.InDelta(t, 440_000, d, 15_000)
}

func TestHaversine_ZeroDistance(t *testing.T) {
	assert.Zero(t, geo.Haversine(nairobiCBD, nairobiCBD))
}

func TestBearing_Range(t *testing.T) {
	b := geo.Bearing(nairobiCBD, mombasa)
	assert.GreaterOrEqual(t, b, 0.0)
	assert.Less(t, b, 360.0)
	// Mombasa lies southeast of Nairobi.
	assert.Greater(t, b, 90.0)
	assert.Less(t, b, 180.0)
}

func TestClampResolution(t *testing.T) {
	assert.Equal(t, geo.MinResolution, geo.ClampResolution(2))
	assert.Equal(t, 8, geo.ClampResolution(8))
	assert.Equal(t, geo.MaxResolution, geo.ClampResolution(12))
}

func TestZoneID_RoundTrip(t *testing.T) {
	zone, err := geo.ZoneID(nairobiCBD, 8)
	require.NoError(t, err)
	require.NotEmpty(t, zone)

	res, err := geo.ZoneResolution(zone)
	require.NoError(t, err)
	assert.Equal(t, 8, res)

	center, err := geo.ZoneCenter(zone)
	require.NoError(t, err)
	// A res-8 hexagon spans well under 2 km; the center must stay close.
	assert.Less(t, geo.Haversine(nairobiCBD, center), 2000.0)
}

func TestZoneID_SamePointSameZone(t *testing.T) {
	a, err := geo.ZoneID(nairobiCBD, 8)
	require.NoError(t, err)
	b, err := geo.ZoneID(nairobiCBD, 8)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestZoneID_OutOfRange(t *testing.T) {
	_, err := geo.ZoneID(geo.Coordinates{Lat: 99, Lon: 0}, 8)
	assert.ErrorIs(t, err, geo.ErrOutOfRange)
}

func TestZoneCenter_InvalidZone(t *testing.T) {
	for _, zone := range []string{"", "nonsense", "zzzz"} {
		_, err := geo.ZoneCenter(zone)
		assert.ErrorIs(t, err, geo.ErrInvalidZone, "zone %q", zone)
	}
}
