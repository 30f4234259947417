package alert

import (
	"context"
	"errors"
	"testing"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeStore 内存报警存储
type fakeStore struct {
	created   []*models.Alert
	updated   []*models.Alert
	createErr error
}

func (s *fakeStore) CreateAlert(_ context.Context, alert *models.Alert) error {
	if s.createErr != nil {
		return s.createErr
	}
	copied := *alert
	s.created = append(s.created, &copied)
	return nil
}

func (s *fakeStore) UpdateAlert(_ context.Context, alert *models.Alert) error {
	copied := *alert
	s.updated = append(s.updated, &copied)
	return nil
}

func newTestManager(store AlertStore) *Manager {
	cfg := &config.Config{}
	cfg.Engine.Alert.CooldownSeconds = 1800
	return NewManager(cfg, store, NopAuditSink{}, zap.NewNop())
}

func testCandidate() models.AlertCandidate {
	return models.AlertCandidate{
		PersonID:          7,
		Type:              models.AlertGeofenceBreach,
		Priority:          models.PriorityMedium,
		Title:             "Geofence breach: depot",
		Message:           "Subject E-7 entered geofence depot",
		RecommendedAction: "Verify authorization",
		Metadata:          map[string]interface{}{"geofence_id": int64(3)},
		DedupQualifier:    "geofence_3",
		TriggeredAt:       time.Unix(1700000000, 0),
	}
}

func TestSubmitCreatesAlert(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	alert, suppressed, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)
	assert.False(t, suppressed)
	require.NotNil(t, alert)
	assert.NotEmpty(t, alert.ID)
	assert.Equal(t, int64(7), alert.PersonID)
	assert.Equal(t, models.AlertGeofenceBreach, alert.Type)
	assert.False(t, alert.IsAcknowledged)
	assert.Nil(t, alert.ResolvedAt)
	assert.Len(t, store.created, 1)
}

func TestSubmitSuppressedByOpenAlert(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	first, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	// 冷却窗口之外，但同键报警仍未解决：依然抑制
	later := now.Add(2 * time.Hour)
	second, suppressed, err := m.Submit(context.Background(), testCandidate(), later)
	require.NoError(t, err)
	assert.True(t, suppressed)
	require.NotNil(t, second)
	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, store.created, 1)
}

func TestSubmitSuppressedByCooldown(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	first, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), first.ID, now.Add(time.Minute))
	require.NoError(t, err)

	// 已解决但仍在冷却窗口内：抑制且无未解决报警可返回
	second, suppressed, err := m.Submit(context.Background(), testCandidate(), now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.True(t, suppressed)
	assert.Nil(t, second)

	// 冷却窗口过后：新报警
	third, suppressed, err := m.Submit(context.Background(), testCandidate(), now.Add(31*time.Minute))
	require.NoError(t, err)
	assert.False(t, suppressed)
	require.NotNil(t, third)
	assert.NotEqual(t, first.ID, third.ID)
	assert.Len(t, store.created, 2)
}

func TestSubmitDifferentQualifiersNotDeduped(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	_, suppressed, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)
	assert.False(t, suppressed)

	other := testCandidate()
	other.DedupQualifier = "geofence_4"
	_, suppressed, err = m.Submit(context.Background(), other, now)
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.Len(t, store.created, 2)
}

func TestSubmitInvalidType(t *testing.T) {
	m := newTestManager(&fakeStore{})

	cand := testCandidate()
	cand.Type = "volcano_eruption"
	_, _, err := m.Submit(context.Background(), cand, time.Now())
	assert.Error(t, err)
}

func TestSubmitStoreFailureNotIndexed(t *testing.T) {
	store := &fakeStore{createErr: errors.New("connection refused")}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	_, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.Error(t, err)

	// 持久化失败不应占用冷却窗口
	store.createErr = nil
	alert, suppressed, err := m.Submit(context.Background(), testCandidate(), now.Add(time.Second))
	require.NoError(t, err)
	assert.False(t, suppressed)
	assert.NotNil(t, alert)
}

func TestAcknowledge(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	alert, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	acked, err := m.Acknowledge(context.Background(), alert.ID, 42, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, acked.IsAcknowledged)
	require.NotNil(t, acked.AcknowledgedBy)
	assert.Equal(t, int64(42), *acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Len(t, store.updated, 1)

	// 同一用户重复确认：幂等
	again, err := m.Acknowledge(context.Background(), alert.ID, 42, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, acked.AcknowledgedAt.Unix(), again.AcknowledgedAt.Unix())
	assert.Len(t, store.updated, 1)

	// 其他用户确认：冲突
	_, err = m.Acknowledge(context.Background(), alert.ID, 99, now.Add(3*time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyAcknowledged)
}

func TestAcknowledgeNotFound(t *testing.T) {
	m := newTestManager(&fakeStore{})

	_, err := m.Acknowledge(context.Background(), "no-such-id", 42, time.Now())
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestAcknowledgeResolvedAlert(t *testing.T) {
	m := newTestManager(&fakeStore{})
	now := time.Unix(1700000000, 0)

	alert, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), alert.ID, now.Add(time.Minute))
	require.NoError(t, err)

	_, err = m.Acknowledge(context.Background(), alert.ID, 42, now.Add(2*time.Minute))
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveIdempotent(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	alert, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, m.OpenAlertCount())

	resolved, err := m.Resolve(context.Background(), alert.ID, now.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, resolved.ResolvedAt)
	assert.Equal(t, 0, m.OpenAlertCount())

	// 重复解决：幂等，时间戳不变
	again, err := m.Resolve(context.Background(), alert.ID, now.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, resolved.ResolvedAt.Unix(), again.ResolvedAt.Unix())
	assert.Len(t, store.updated, 1)
}

func TestResolvedAlertsEvictedAfterCooldown(t *testing.T) {
	store := &fakeStore{}
	m := newTestManager(store)
	now := time.Unix(1700000000, 0)

	first, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	_, err = m.Resolve(context.Background(), first.ID, now.Add(time.Minute))
	require.NoError(t, err)

	// 冷却窗口内：已解决的报警仍可查询
	_, ok := m.GetAlert(first.ID)
	assert.True(t, ok)

	// 冷却窗口过后提交触发淘汰：索引中不再保留旧报警
	second, suppressed, err := m.Submit(context.Background(), testCandidate(), now.Add(31*time.Minute))
	require.NoError(t, err)
	assert.False(t, suppressed)
	require.NotNil(t, second)

	_, ok = m.GetAlert(first.ID)
	assert.False(t, ok)

	_, err = m.Acknowledge(context.Background(), first.ID, 42, now.Add(32*time.Minute))
	assert.ErrorIs(t, err, ErrAlertNotFound)

	// 新报警不受淘汰影响
	got, ok := m.GetAlert(second.ID)
	require.True(t, ok)
	assert.Equal(t, second.ID, got.ID)
}

func TestResolveNotFound(t *testing.T) {
	m := newTestManager(&fakeStore{})

	_, err := m.Resolve(context.Background(), "no-such-id", time.Now())
	assert.ErrorIs(t, err, ErrAlertNotFound)
}

func TestResolveSkipsAcknowledged(t *testing.T) {
	m := newTestManager(&fakeStore{})
	now := time.Unix(1700000000, 0)

	// Acknowledged 可跳过：Open 直接 Resolve 合法
	alert, _, err := m.Submit(context.Background(), testCandidate(), now)
	require.NoError(t, err)

	resolved, err := m.Resolve(context.Background(), alert.ID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.False(t, resolved.IsAcknowledged)
	assert.NotNil(t, resolved.ResolvedAt)
}
