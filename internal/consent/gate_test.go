package consent

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"guardtrack-engine/internal/models"
)

// fakeConsentSource 测试用同意记录来源
type fakeConsentSource struct {
	records map[int64]map[string]models.ConsentRecord
}

func (f *fakeConsentSource) ConsentFor(personID int64, category string) (models.ConsentRecord, bool) {
	byCategory, ok := f.records[personID]
	if !ok {
		return models.ConsentRecord{}, false
	}
	rec, ok := byCategory[category]
	return rec, ok
}

func newFakeSource(recs ...models.ConsentRecord) *fakeConsentSource {
	f := &fakeConsentSource{records: make(map[int64]map[string]models.ConsentRecord)}
	for _, rec := range recs {
		if f.records[rec.PersonID] == nil {
			f.records[rec.PersonID] = make(map[string]models.ConsentRecord)
		}
		f.records[rec.PersonID][rec.ConsentType] = rec
	}
	return f
}

func timePtr(t time.Time) *time.Time { return &t }

func TestGate_NoRecord_FailClosed(t *testing.T) {
	gate := NewGate(newFakeSource(), zap.NewNop())

	decision := gate.EvaluateLocation(1, time.Now())

	assert.False(t, decision.Allowed)
	assert.Equal(t, models.ConsentGPSTracking, decision.BlockedCategory)
	assert.Equal(t, int64(1), gate.BlockedCount())
}

func TestGate_GrantedConsent_Allows(t *testing.T) {
	now := time.Now()
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    1,
		ConsentType: models.ConsentGPSTracking,
		IsGranted:   true,
		GrantedAt:   timePtr(now.Add(-time.Hour)),
	}), zap.NewNop())

	decision := gate.EvaluateLocation(1, now)

	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.BlockedCategory)
	assert.Equal(t, int64(0), gate.BlockedCount())
}

func TestGate_RevokedInPast_Blocks(t *testing.T) {
	now := time.Now()
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    2,
		ConsentType: models.ConsentHealthMonitoring,
		IsGranted:   true,
		GrantedAt:   timePtr(now.Add(-48 * time.Hour)),
		RevokedAt:   timePtr(now.Add(-time.Hour)),
	}), zap.NewNop())

	decision := gate.EvaluateHealth(2, now)

	assert.False(t, decision.Allowed)
	assert.Equal(t, models.ConsentHealthMonitoring, decision.BlockedCategory)
}

func TestGate_FutureRevocation_StillActive(t *testing.T) {
	now := time.Now()
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    3,
		ConsentType: models.ConsentGPSTracking,
		IsGranted:   true,
		RevokedAt:   timePtr(now.Add(time.Hour)),
	}), zap.NewNop())

	assert.True(t, gate.IsCategoryActive(3, models.ConsentGPSTracking, now))
}

func TestGate_Expired_Blocks(t *testing.T) {
	now := time.Now()
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    4,
		ConsentType: models.ConsentGPSTracking,
		IsGranted:   true,
		ExpiryDate:  timePtr(now.Add(-time.Minute)),
	}), zap.NewNop())

	decision := gate.EvaluateLocation(4, now)

	assert.False(t, decision.Allowed)
}

func TestGate_NotGranted_Blocks(t *testing.T) {
	now := time.Now()
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    5,
		ConsentType: models.ConsentHealthMonitoring,
		IsGranted:   false,
	}), zap.NewNop())

	assert.False(t, gate.IsCategoryActive(5, models.ConsentHealthMonitoring, now))
}

func TestGate_WrongCategory_DoesNotCrossAuthorize(t *testing.T) {
	now := time.Now()
	// 仅有 GPS 同意，健康事件应被拦截
	gate := NewGate(newFakeSource(models.ConsentRecord{
		ID:          1,
		PersonID:    6,
		ConsentType: models.ConsentGPSTracking,
		IsGranted:   true,
	}), zap.NewNop())

	decision := gate.EvaluateHealth(6, now)

	assert.False(t, decision.Allowed)
	assert.Equal(t, models.ConsentHealthMonitoring, decision.BlockedCategory)
}
