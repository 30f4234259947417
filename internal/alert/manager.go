package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	// ErrAlertNotFound 报警不存在
	ErrAlertNotFound = errors.New("alert not found")
	// ErrAlreadyResolved 报警已进入终态，不能再确认
	ErrAlreadyResolved = errors.New("alert already resolved")
	// ErrAlreadyAcknowledged 报警已被其他用户确认
	ErrAlreadyAcknowledged = errors.New("alert already acknowledged")
)

// AlertStore 报警持久化接口
type AlertStore interface {
	CreateAlert(ctx context.Context, alert *models.Alert) error
	UpdateAlert(ctx context.Context, alert *models.Alert) error
}

// Manager 报警生命周期管理器
// 所有评估器产出的候选汇聚到这里做去重与冷却，再持久化并审计；
// 同一去重键的检查-创建在单把锁内完成，并发提交不会产生重复报警
type Manager struct {
	config *config.Config
	store  AlertStore
	audit  AuditSink
	logger *zap.Logger

	mu sync.Mutex
	// 按报警 ID 的全量索引（本进程生命周期内创建的报警）
	alerts map[string]*models.Alert
	// 按去重键的未解决报警索引
	openByKey map[string]*models.Alert
	// 去重键最近一次创建时间（冷却窗口判定）
	lastCreated map[string]time.Time
	// 已解决报警的淘汰队列（按解决时间先后）
	resolved []resolvedEntry
}

// resolvedEntry 已解决报警的淘汰登记
// 冷却窗口过后从索引中移除，索引不随进程生命周期无界增长
type resolvedEntry struct {
	alertID  string
	dedupKey string
	evictAt  time.Time
}

// NewManager 创建报警生命周期管理器
func NewManager(cfg *config.Config, store AlertStore, audit AuditSink, logger *zap.Logger) *Manager {
	return &Manager{
		config:      cfg,
		store:       store,
		audit:       audit,
		logger:      logger,
		alerts:      make(map[string]*models.Alert),
		openByKey:   make(map[string]*models.Alert),
		lastCreated: make(map[string]time.Time),
	}
}

// Submit 提交一条报警候选
// 返回 (生效的报警, 是否被抑制)：去重键存在未解决报警或处于冷却窗口内时抑制；
// 抑制时返回已存在的未解决报警（冷却命中且无未解决报警时为 nil）
func (m *Manager) Submit(ctx context.Context, cand models.AlertCandidate, now time.Time) (*models.Alert, bool, error) {
	if !cand.Type.Valid() {
		return nil, false, fmt.Errorf("invalid alert type: %s", cand.Type)
	}
	if !cand.Priority.Valid() {
		return nil, false, fmt.Errorf("invalid alert priority: %s", cand.Priority)
	}

	key := cand.DedupKey()
	cooldown := m.cooldown()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictExpired(now)

	if open, ok := m.openByKey[key]; ok {
		m.logger.Debug("Alert suppressed: open alert exists",
			zap.String("dedup_key", key),
			zap.String("alert_id", open.ID),
		)
		return open, true, nil
	}
	if created, ok := m.lastCreated[key]; ok && now.Sub(created) < cooldown {
		m.logger.Debug("Alert suppressed: within cooldown window",
			zap.String("dedup_key", key),
			zap.Time("last_created", created),
		)
		return nil, true, nil
	}

	alert := m.buildAlert(cand, now, key)
	if err := m.store.CreateAlert(ctx, alert); err != nil {
		return nil, false, fmt.Errorf("failed to persist alert: %w", err)
	}

	m.alerts[alert.ID] = alert
	m.openByKey[key] = alert
	m.lastCreated[key] = now

	m.logger.Info("Alert created",
		zap.String("alert_id", alert.ID),
		zap.Int64("person_id", alert.PersonID),
		zap.String("alert_type", string(alert.Type)),
		zap.String("priority", string(alert.Priority)),
	)

	m.audit.Record(AuditEntry{
		Action:       "alert.created",
		ResourceType: "alert",
		ResourceID:   alert.ID,
		NewValues:    alertValues(alert),
		Timestamp:    now,
	})

	return alert, false, nil
}

// Acknowledge 确认报警
// 同一用户重复确认幂等返回；不同用户确认返回 ErrAlreadyAcknowledged；
// 已解决的报警返回 ErrAlreadyResolved
func (m *Manager) Acknowledge(ctx context.Context, alertID string, userID int64, now time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if alert.IsResolved() {
		return nil, ErrAlreadyResolved
	}
	if alert.IsAcknowledged {
		if alert.AcknowledgedBy != nil && *alert.AcknowledgedBy == userID {
			return alert, nil
		}
		return nil, ErrAlreadyAcknowledged
	}

	old := alertValues(alert)

	updated := *alert
	updated.IsAcknowledged = true
	updated.AcknowledgedBy = &userID
	ackAt := now
	updated.AcknowledgedAt = &ackAt

	if err := m.store.UpdateAlert(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist acknowledgement: %w", err)
	}

	*alert = updated

	m.logger.Info("Alert acknowledged",
		zap.String("alert_id", alertID),
		zap.Int64("user_id", userID),
	)

	m.audit.Record(AuditEntry{
		Action:       "alert.acknowledged",
		ResourceType: "alert",
		ResourceID:   alertID,
		OldValues:    old,
		NewValues:    alertValues(alert),
		Timestamp:    now,
	})

	return alert, nil
}

// Resolve 解决报警（终态，幂等）
// 解决后该去重键的新候选不再被未解决报警抑制，仅受冷却窗口约束
func (m *Manager) Resolve(ctx context.Context, alertID string, now time.Time) (*models.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, ErrAlertNotFound
	}
	if alert.IsResolved() {
		// 重复解决幂等
		return alert, nil
	}

	old := alertValues(alert)

	updated := *alert
	resolvedAt := now
	updated.ResolvedAt = &resolvedAt

	if err := m.store.UpdateAlert(ctx, &updated); err != nil {
		return nil, fmt.Errorf("failed to persist resolution: %w", err)
	}

	*alert = updated
	if open, ok := m.openByKey[alert.DedupKey]; ok && open.ID == alertID {
		delete(m.openByKey, alert.DedupKey)
	}
	m.resolved = append(m.resolved, resolvedEntry{
		alertID:  alertID,
		dedupKey: alert.DedupKey,
		evictAt:  now.Add(m.cooldown()),
	})

	m.logger.Info("Alert resolved",
		zap.String("alert_id", alertID),
	)

	m.audit.Record(AuditEntry{
		Action:       "alert.resolved",
		ResourceType: "alert",
		ResourceID:   alertID,
		OldValues:    old,
		NewValues:    alertValues(alert),
		Timestamp:    now,
	})

	return alert, nil
}

// GetAlert 按 ID 查询报警
func (m *Manager) GetAlert(alertID string) (*models.Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alert, ok := m.alerts[alertID]
	if !ok {
		return nil, false
	}
	copied := *alert
	return &copied, true
}

// OpenAlertCount 当前未解决报警数
func (m *Manager) OpenAlertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.openByKey)
}

// cooldown 冷却窗口时长
func (m *Manager) cooldown() time.Duration {
	return time.Duration(m.config.Engine.Alert.CooldownSeconds) * time.Second
}

// evictExpired 淘汰冷却窗口已过的已解决报警
// 调用方持锁；队列按解决时间有序，遇到首个未到期条目即停
func (m *Manager) evictExpired(now time.Time) {
	for len(m.resolved) > 0 && !m.resolved[0].evictAt.After(now) {
		entry := m.resolved[0]
		m.resolved = m.resolved[1:]

		delete(m.alerts, entry.alertID)
		if created, ok := m.lastCreated[entry.dedupKey]; ok && now.Sub(created) >= m.cooldown() {
			delete(m.lastCreated, entry.dedupKey)
		}
	}
}

// buildAlert 从候选构建报警记录
func (m *Manager) buildAlert(cand models.AlertCandidate, now time.Time, key string) *models.Alert {
	alert := &models.Alert{
		ID:        uuid.New().String(),
		PersonID:  cand.PersonID,
		Type:      cand.Type,
		Priority:  cand.Priority,
		Title:     cand.Title,
		Message:   cand.Message,
		Metadata:  cand.Metadata,
		CreatedAt: now,
		DedupKey:  key,
	}
	if cand.RecommendedAction != "" {
		action := cand.RecommendedAction
		alert.RecommendedAction = &action
	}
	return alert
}

// alertValues 提取报警的审计字段快照
func alertValues(a *models.Alert) map[string]interface{} {
	values := map[string]interface{}{
		"person_id":       a.PersonID,
		"alert_type":      string(a.Type),
		"priority":        string(a.Priority),
		"is_acknowledged": a.IsAcknowledged,
	}
	if a.AcknowledgedBy != nil {
		values["acknowledged_by"] = *a.AcknowledgedBy
	}
	if a.AcknowledgedAt != nil {
		values["acknowledged_at"] = a.AcknowledgedAt.Unix()
	}
	if a.ResolvedAt != nil {
		values["resolved_at"] = a.ResolvedAt.Unix()
	}
	return values
}
