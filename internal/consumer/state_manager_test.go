package consumer

import (
	"context"
	"testing"
	"time"

	"guardtrack-engine/internal/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupStateManager(t *testing.T) (*miniredis.Miniredis, *StateManager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := &config.Config{}
	cfg.Engine.State.KeyPrefix = "guardtrack:state:"
	cfg.Engine.State.TTL = 86400
	cfg.Engine.Liveness.DeviceKeyPrefix = "guardtrack:device:"
	cfg.Engine.Liveness.DeviceKeySuffix = ":state"

	return mr, NewStateManager(cfg, client, zap.NewNop())
}

func TestStateKeys(t *testing.T) {
	_, sm := setupStateManager(t)

	assert.Equal(t, "guardtrack:state:subject:7:stress", sm.SubjectStateKey(7, "stress"))
	assert.Equal(t, "guardtrack:state:subject:7:geofence:3", sm.GeofenceStateKey(7, 3))
	assert.Equal(t, "guardtrack:device:dev-7:state", sm.DeviceStateKey("dev-7"))
}

func TestSetGetState(t *testing.T) {
	_, sm := setupStateManager(t)
	ctx := context.Background()

	key := sm.GeofenceStateKey(7, 3)
	in := &GeofenceState{Inside: true, SinceTS: 1700000000}

	err := sm.SetState(ctx, key, in, sm.StateTTL())
	require.NoError(t, err)

	var out GeofenceState
	err = sm.GetState(ctx, key, &out)
	require.NoError(t, err)
	assert.True(t, out.Inside)
	assert.Equal(t, int64(1700000000), out.SinceTS)
}

func TestGetStateNotFound(t *testing.T) {
	_, sm := setupStateManager(t)

	var out GeofenceState
	err := sm.GetState(context.Background(), sm.GeofenceStateKey(7, 99), &out)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestDeleteState(t *testing.T) {
	_, sm := setupStateManager(t)
	ctx := context.Background()

	key := sm.SubjectStateKey(7, "stress")
	require.NoError(t, sm.SetState(ctx, key, &StressState{ConsecutiveHigh: 2}, sm.StateTTL()))

	exists, err := sm.ExistsState(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, sm.DeleteState(ctx, key))

	exists, err = sm.ExistsState(ctx, key)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestStateTTLEviction(t *testing.T) {
	mr, sm := setupStateManager(t)
	ctx := context.Background()

	key := sm.SubjectStateKey(7, "route_deviation")
	require.NoError(t, sm.SetState(ctx, key, &RouteDeviationState{ConsecutiveBeyond: 1}, time.Minute))

	// TTL 到期后按空闲淘汰
	mr.FastForward(2 * time.Minute)

	var out RouteDeviationState
	err := sm.GetState(ctx, key, &out)
	assert.ErrorIs(t, err, ErrStateNotFound)
}

func TestScanDeviceStates(t *testing.T) {
	_, sm := setupStateManager(t)
	ctx := context.Background()

	battery := 80
	require.NoError(t, sm.SetState(ctx, sm.DeviceStateKey("dev-1"),
		&DeviceState{PersonID: 1, LastSeen: 1700000000, BatteryLevel: &battery}, sm.StateTTL()))
	require.NoError(t, sm.SetState(ctx, sm.DeviceStateKey("dev-2"),
		&DeviceState{PersonID: 2, LastSeen: 1700000100, Offline: true, OfflineSince: 1700000200}, sm.StateTTL()))

	// 其它前缀的键不应被扫描到
	require.NoError(t, sm.SetState(ctx, sm.SubjectStateKey(1, "stress"),
		&StressState{ConsecutiveHigh: 1}, sm.StateTTL()))

	states, err := sm.ScanDeviceStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)

	require.Contains(t, states, "dev-1")
	require.Contains(t, states, "dev-2")
	assert.Equal(t, int64(1), states["dev-1"].PersonID)
	require.NotNil(t, states["dev-1"].BatteryLevel)
	assert.Equal(t, 80, *states["dev-1"].BatteryLevel)
	assert.True(t, states["dev-2"].Offline)
}
