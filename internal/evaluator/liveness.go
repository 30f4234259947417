package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// LivenessMonitor 设备存活监控器
// 唯一由定时扫描驱动的评估器：对每个最后心跳早于离线阈值且尚未标记离线的设备
// 产生一条 device_offline 候选；同一段连续离线期不重复报警，
// 扫描基于快照，允许不规则间隔调用（暂停后补扫）
type LivenessMonitor struct {
	config       *config.Config
	stateManager *consumer.StateManager
	refdata      RefdataProvider
	logger       *zap.Logger
}

// NewLivenessMonitor 创建设备存活监控器
func NewLivenessMonitor(
	cfg *config.Config,
	stateManager *consumer.StateManager,
	refdata RefdataProvider,
	logger *zap.Logger,
) *LivenessMonitor {
	return &LivenessMonitor{
		config:       cfg,
		stateManager: stateManager,
		refdata:      refdata,
		logger:       logger,
	}
}

// HandleHeartbeat 处理一条设备心跳
// 更新最后心跳时间；若设备已标记离线则清除离线标志（恢复默认不报警）；
// 晚到的旧心跳不回退状态
func (m *LivenessMonitor) HandleHeartbeat(ctx context.Context, hb models.DeviceHeartbeat) error {
	stateKey := m.stateManager.DeviceStateKey(hb.DeviceID)

	var state consumer.DeviceState
	if err := m.stateManager.GetState(ctx, stateKey, &state); err != nil {
		if !errors.Is(err, consumer.ErrStateNotFound) {
			return err
		}
	}

	seen := hb.LastSeen.Unix()
	if state.LastSeen > 0 && seen <= state.LastSeen {
		// 乱序心跳：记录异常，不回退状态机
		m.logger.Warn("Out-of-order heartbeat ignored",
			zap.String("device_id", hb.DeviceID),
			zap.Int64("event_ts", seen),
			zap.Int64("last_seen", state.LastSeen),
		)
		return nil
	}

	wasOffline := state.Offline
	state.PersonID = hb.PersonID
	state.LastSeen = seen
	state.BatteryLevel = hb.BatteryLevel
	state.Offline = false
	state.OfflineSince = 0

	if err := m.stateManager.SetState(ctx, stateKey, &state, m.stateManager.StateTTL()); err != nil {
		return err
	}

	if wasOffline {
		m.logger.Info("Device back online",
			zap.String("device_id", hb.DeviceID),
			zap.Int64("person_id", hb.PersonID),
		)
	}

	return nil
}

// CheckOnce 执行一次离线扫描
// now 由调用方传入，评估器内部不读取墙钟
func (m *LivenessMonitor) CheckOnce(ctx context.Context, now time.Time) ([]models.AlertCandidate, error) {
	states, err := m.stateManager.ScanDeviceStates(ctx)
	if err != nil {
		return nil, err
	}

	threshold := int64(m.config.Engine.Liveness.OfflineThreshold)

	var candidates []models.AlertCandidate
	for deviceID, state := range states {
		if state.Offline {
			// 同一段连续离线期已报过警
			continue
		}
		gap := now.Unix() - state.LastSeen
		if gap <= threshold {
			continue
		}

		candidates = append(candidates, m.buildOfflineCandidate(deviceID, state, now, gap))

		// 标记离线，避免下次扫描重复报警
		state.Offline = true
		state.OfflineSince = now.Unix()
		stateKey := m.stateManager.DeviceStateKey(deviceID)
		if err := m.stateManager.SetState(ctx, stateKey, state, m.stateManager.StateTTL()); err != nil {
			return nil, err
		}
	}

	return candidates, nil
}

// Run 启动周期扫描循环
// emit 回调把候选交给报警生命周期管理器
func (m *LivenessMonitor) Run(ctx context.Context, emit func(context.Context, []models.AlertCandidate)) {
	interval := time.Duration(m.config.Engine.Liveness.ScanInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Liveness monitor stopped")
			return
		case tick := <-ticker.C:
			candidates, err := m.CheckOnce(ctx, tick)
			if err != nil {
				m.logger.Error("Failed to run liveness scan",
					zap.Error(err),
				)
				continue
			}
			if len(candidates) > 0 {
				emit(ctx, candidates)
			}
		}
	}
}

// buildOfflineCandidate 构建设备离线报警候选
// 在岗人员的设备升级为 high
func (m *LivenessMonitor) buildOfflineCandidate(deviceID string, state *consumer.DeviceState, now time.Time, gapSeconds int64) models.AlertCandidate {
	priority := models.PriorityMedium
	if subject, ok := m.refdata.SubjectByID(state.PersonID); ok && subject.IsOnDuty {
		priority = models.PriorityHigh
	}

	metadata := map[string]interface{}{
		"device_id":   deviceID,
		"gap_seconds": gapSeconds,
		"last_seen":   state.LastSeen,
	}
	if state.BatteryLevel != nil {
		metadata["battery_level"] = *state.BatteryLevel
	}

	return models.AlertCandidate{
		PersonID:          state.PersonID,
		Type:              models.AlertDeviceOffline,
		Priority:          priority,
		Title:             "Device offline",
		Message:           fmt.Sprintf("Device %s silent for %ds (threshold %ds)", deviceID, gapSeconds, m.config.Engine.Liveness.OfflineThreshold),
		RecommendedAction: "Attempt to reach subject via alternate channel and verify device power",
		Metadata:          metadata,
		DedupQualifier:    deviceID,
		TriggeredAt:       now,
	}
}
