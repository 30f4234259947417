package evaluator

import (
	"context"
	"testing"
	"time"

	"guardtrack-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 路线沿纬线 10.0，经度 20.0 → 20.01
// 纬度偏移 0.0025° ≈ 278m（超 200m 阈值），0.02° ≈ 2224m（超 3 倍阈值）
func routeRefdata() *fakeRefdata {
	routeID := int64(1)
	return &fakeRefdata{
		loaded: true,
		routes: map[int64]models.Route{
			routeID: {
				ID:   routeID,
				Name: "north patrol",
				Waypoints: []models.Waypoint{
					{Lat: 10.0, Lng: 20.0},
					{Lat: 10.0, Lng: 20.005},
					{Lat: 10.0, Lng: 20.01},
				},
				IsActive: true,
			},
		},
		subjects: map[int64]models.Subject{
			7: {ID: 7, EmployeeID: "E-7", AssignedRouteID: &routeID},
		},
	}
}

func TestRouteDeviationOnRouteNeverAlerts(t *testing.T) {
	e, _ := setupEvaluator(t, routeRefdata())
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	for i := 0; i < 10; i++ {
		candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0, 20.0+float64(i)*0.001, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}
}

func TestRouteDeviationSustainedCount(t *testing.T) {
	e, _ := setupEvaluator(t, routeRefdata())
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	// 前两次超阈值：计数累积，尚不报警
	for i := 0; i < 2; i++ {
		candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0025, 20.005, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}

	// 第三次：达到持续门槛，报警一次
	candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0025, 20.005, base.Add(2*time.Minute)))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.AlertRouteDeviation, candidates[0].Type)
	assert.Equal(t, models.PriorityMedium, candidates[0].Priority)
	assert.Equal(t, "route_1", candidates[0].DedupQualifier)

	// 继续偏移：同一偏移期不重复报警
	candidates, err = e.EvaluateLocation(ctx, locationEvent(7, 10.0025, 20.005, base.Add(3*time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRouteDeviationResetsOnReturn(t *testing.T) {
	e, _ := setupEvaluator(t, routeRefdata())
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	// 两次偏移后回到路线上：计数清零
	for i := 0; i < 2; i++ {
		_, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0025, 20.005, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
	}
	candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0, 20.005, base.Add(2*time.Minute)))
	require.NoError(t, err)
	assert.Empty(t, candidates)

	// 再偏移两次：从零开始计数，不报警
	for i := 3; i < 5; i++ {
		candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.0025, 20.005, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		assert.Empty(t, candidates)
	}
}

func TestRouteDeviationLargeOffsetEscalates(t *testing.T) {
	e, _ := setupEvaluator(t, routeRefdata())
	ctx := context.Background()
	base := time.Unix(1700000000, 0)

	var last []models.AlertCandidate
	for i := 0; i < 3; i++ {
		candidates, err := e.EvaluateLocation(ctx, locationEvent(7, 10.02, 20.005, base.Add(time.Duration(i)*time.Minute)))
		require.NoError(t, err)
		last = candidates
	}

	require.Len(t, last, 1)
	assert.Equal(t, models.PriorityHigh, last[0].Priority)
}

func TestRouteDeviationNoAssignedRoute(t *testing.T) {
	refdata := routeRefdata()
	refdata.subjects[7] = models.Subject{ID: 7, EmployeeID: "E-7"}
	e, _ := setupEvaluator(t, refdata)

	candidates, err := e.EvaluateLocation(context.Background(), locationEvent(7, 10.02, 20.005, time.Unix(1700000000, 0)))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestRouteDeviationRouteMissingFromSnapshot(t *testing.T) {
	refdata := routeRefdata()
	missing := int64(99)
	refdata.subjects[7] = models.Subject{ID: 7, EmployeeID: "E-7", AssignedRouteID: &missing}
	e, _ := setupEvaluator(t, refdata)

	// 路线不在快照中：降级跳过，不报错
	candidates, err := e.EvaluateLocation(context.Background(), locationEvent(7, 10.02, 20.005, time.Unix(1700000000, 0)))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
