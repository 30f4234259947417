package geo

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"guardtrack-engine/internal/models"
)

func TestHaversineDistance_KnownDistance(t *testing.T) {
	// 北京天安门 → 上海人民广场，约 1068 km
	beijing := Point{Lat: 39.9087, Lng: 116.3975}
	shanghai := Point{Lat: 31.2304, Lng: 121.4737}

	dist, err := HaversineDistance(beijing, shanghai)

	require.NoError(t, err)
	assert.InDelta(t, 1068000, dist, 10000)
}

func TestHaversineDistance_SamePoint(t *testing.T) {
	p := Point{Lat: 10.0, Lng: 20.0}

	dist, err := HaversineDistance(p, p)

	require.NoError(t, err)
	assert.InDelta(t, 0, dist, 0.001)
}

func TestHaversineDistance_InvalidLatitude(t *testing.T) {
	_, err := HaversineDistance(Point{Lat: 91.0, Lng: 0}, Point{Lat: 0, Lng: 0})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestHaversineDistance_InvalidLongitude(t *testing.T) {
	_, err := HaversineDistance(Point{Lat: 0, Lng: 0}, Point{Lat: 0, Lng: -180.5})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}

func TestDistanceToPolyline_EmptyRoute(t *testing.T) {
	_, err := DistanceToPolyline(Point{Lat: 0, Lng: 0}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidRoute)
}

func TestDistanceToPolyline_SingleWaypoint(t *testing.T) {
	p := Point{Lat: 10.0, Lng: 20.0}
	waypoints := []models.Waypoint{{Lat: 10.001, Lng: 20.0}}

	dist, err := DistanceToPolyline(p, waypoints)
	require.NoError(t, err)

	direct, err := HaversineDistance(p, Point{Lat: 10.001, Lng: 20.0})
	require.NoError(t, err)
	assert.InDelta(t, direct, dist, 0.1)
}

func TestDistanceToPolyline_PointOnSegment(t *testing.T) {
	// 点在两航点连线的中点上，距离应接近 0
	waypoints := []models.Waypoint{
		{Lat: 10.0, Lng: 20.0},
		{Lat: 10.0, Lng: 20.01},
	}
	p := Point{Lat: 10.0, Lng: 20.005}

	dist, err := DistanceToPolyline(p, waypoints)

	require.NoError(t, err)
	assert.Less(t, dist, 1.0)
}

func TestDistanceToPolyline_NeverExceedsNearestWaypoint(t *testing.T) {
	// 性质：到折线的距离 ≤ 到任一航点的最小距离
	waypoints := []models.Waypoint{
		{Lat: 10.0, Lng: 20.0},
		{Lat: 10.01, Lng: 20.01},
		{Lat: 10.02, Lng: 20.0},
		{Lat: 10.03, Lng: 20.02},
	}
	points := []Point{
		{Lat: 10.005, Lng: 20.005},
		{Lat: 10.0, Lng: 20.1},
		{Lat: 9.99, Lng: 19.99},
		{Lat: 10.015, Lng: 20.005},
	}

	for _, p := range points {
		polyDist, err := DistanceToPolyline(p, waypoints)
		require.NoError(t, err)

		minWaypointDist := math.MaxFloat64
		for _, w := range waypoints {
			d, err := HaversineDistance(p, Point{Lat: w.Lat, Lng: w.Lng})
			require.NoError(t, err)
			if d < minWaypointDist {
				minWaypointDist = d
			}
		}

		assert.LessOrEqual(t, polyDist, minWaypointDist+0.001,
			"polyline distance must not exceed nearest waypoint distance")
	}
}

func TestDistanceToPolyline_InvalidWaypoint(t *testing.T) {
	waypoints := []models.Waypoint{
		{Lat: 10.0, Lng: 20.0},
		{Lat: 95.0, Lng: 20.0},
	}

	_, err := DistanceToPolyline(Point{Lat: 10.0, Lng: 20.0}, waypoints)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidCoordinate)
}
