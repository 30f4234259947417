package evaluator

import (
	"context"
	"testing"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeRefdata 内存参考数据快照
type fakeRefdata struct {
	geofences []models.Geofence
	routes    map[int64]models.Route
	subjects  map[int64]models.Subject
	byDevice  map[string]int64
	loaded    bool
}

func (f *fakeRefdata) ActiveGeofences() []models.Geofence { return f.geofences }

func (f *fakeRefdata) RouteByID(id int64) (models.Route, bool) {
	r, ok := f.routes[id]
	return r, ok
}

func (f *fakeRefdata) SubjectByID(id int64) (models.Subject, bool) {
	s, ok := f.subjects[id]
	return s, ok
}

func (f *fakeRefdata) SubjectByDevice(deviceID string) (models.Subject, bool) {
	id, ok := f.byDevice[deviceID]
	if !ok {
		return models.Subject{}, false
	}
	return f.SubjectByID(id)
}

func (f *fakeRefdata) Loaded() bool { return f.loaded }

func testEngineConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Engine.State.KeyPrefix = "guardtrack:state:"
	cfg.Engine.State.TTL = 86400
	cfg.Engine.RouteDeviation.ThresholdMeters = 200
	cfg.Engine.RouteDeviation.SustainedCount = 3
	cfg.Engine.RouteDeviation.HighMultiplier = 3.0
	cfg.Engine.Health.HeartRateMin = 40
	cfg.Engine.Health.HeartRateMax = 180
	cfg.Engine.Health.SpO2Critical = 90
	cfg.Engine.Health.StressThreshold = 85
	cfg.Engine.Health.StressSustainedCount = 3
	cfg.Engine.Liveness.OfflineThreshold = 600
	cfg.Engine.Liveness.ScanInterval = 60
	cfg.Engine.Liveness.DeviceKeyPrefix = "guardtrack:device:"
	cfg.Engine.Liveness.DeviceKeySuffix = ":state"
	return cfg
}

func setupEvaluator(t *testing.T, refdata *fakeRefdata) (*Evaluator, *consumer.StateManager) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cfg := testEngineConfig()
	sm := consumer.NewStateManager(cfg, client, zap.NewNop())
	return NewEvaluator(cfg, sm, refdata, zap.NewNop()), sm
}

func locationEvent(personID int64, lat, lng float64, ts time.Time) models.LocationEvent {
	return models.LocationEvent{
		PersonID:  personID,
		Latitude:  lat,
		Longitude: lng,
		Timestamp: ts,
		DeviceID:  "dev-test",
	}
}

func TestEvaluateLocationInvalidCoordinate(t *testing.T) {
	e, _ := setupEvaluator(t, &fakeRefdata{loaded: true})

	_, err := e.EvaluateLocation(context.Background(), locationEvent(7, 91.0, 0.0, time.Now()))
	assert.Error(t, err)
}

func TestEvaluateLocationRefdataNotLoaded(t *testing.T) {
	e, _ := setupEvaluator(t, &fakeRefdata{loaded: false})

	candidates, err := e.EvaluateLocation(context.Background(), locationEvent(7, 10.0, 20.0, time.Now()))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestEvaluateLocationUnknownSubject(t *testing.T) {
	e, _ := setupEvaluator(t, &fakeRefdata{loaded: true, subjects: map[int64]models.Subject{}})

	candidates, err := e.EvaluateLocation(context.Background(), locationEvent(99, 10.0, 20.0, time.Now()))
	require.NoError(t, err)
	assert.Empty(t, candidates)
}
