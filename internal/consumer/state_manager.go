package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"guardtrack-engine/internal/config"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// ErrStateNotFound 状态不存在
var ErrStateNotFound = errors.New("state not found")

// StateManager 评估器状态管理器
// 按 (subject_id, evaluator_kind[, geofence_id]) 维度存储引擎唯一的可变状态，
// 带 TTL 实现空闲淘汰
type StateManager struct {
	config      *config.Config
	redisClient *redis.Client
	logger      *zap.Logger
}

// NewStateManager 创建状态管理器
func NewStateManager(
	cfg *config.Config,
	redisClient *redis.Client,
	logger *zap.Logger,
) *StateManager {
	return &StateManager{
		config:      cfg,
		redisClient: redisClient,
		logger:      logger,
	}
}

// SubjectStateKey 构建人员维度的状态键
func (s *StateManager) SubjectStateKey(personID int64, stateType string) string {
	return fmt.Sprintf("%ssubject:%d:%s",
		s.config.Engine.State.KeyPrefix,
		personID,
		stateType,
	)
}

// GeofenceStateKey 构建 (人员, 围栏) 维度的状态键
func (s *StateManager) GeofenceStateKey(personID, geofenceID int64) string {
	return fmt.Sprintf("%ssubject:%d:geofence:%d",
		s.config.Engine.State.KeyPrefix,
		personID,
		geofenceID,
	)
}

// DeviceStateKey 构建设备维度的状态键
func (s *StateManager) DeviceStateKey(deviceID string) string {
	return fmt.Sprintf("%s%s%s",
		s.config.Engine.Liveness.DeviceKeyPrefix,
		deviceID,
		s.config.Engine.Liveness.DeviceKeySuffix,
	)
}

// SetState 设置状态（带 TTL）
func (s *StateManager) SetState(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	// 序列化值
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	// 写入 Redis
	err = s.redisClient.Set(ctx, key, jsonData, ttl).Err()
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}

	return nil
}

// GetState 获取状态
func (s *StateManager) GetState(ctx context.Context, key string, dest interface{}) error {
	// 从 Redis 读取
	val, err := s.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("%w: %s", ErrStateNotFound, key)
		}
		return fmt.Errorf("failed to get state: %w", err)
	}

	// 反序列化
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return nil
}

// DeleteState 删除状态
func (s *StateManager) DeleteState(ctx context.Context, key string) error {
	err := s.redisClient.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to delete state: %w", err)
	}
	return nil
}

// ExistsState 检查状态是否存在
func (s *StateManager) ExistsState(ctx context.Context, key string) (bool, error) {
	count, err := s.redisClient.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check state existence: %w", err)
	}
	return count > 0, nil
}

// ScanDeviceStates 快照式扫描所有设备状态键
// 先收集键列表再逐个读取，避免在扫描期间持有集合锁
func (s *StateManager) ScanDeviceStates(ctx context.Context) (map[string]*DeviceState, error) {
	pattern := fmt.Sprintf("%s*%s",
		s.config.Engine.Liveness.DeviceKeyPrefix,
		s.config.Engine.Liveness.DeviceKeySuffix,
	)

	var keys []string
	iter := s.redisClient.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan device state keys: %w", err)
	}

	states := make(map[string]*DeviceState, len(keys))
	for _, key := range keys {
		// 提取 device_id（去掉前缀和后缀）
		deviceID := key[len(s.config.Engine.Liveness.DeviceKeyPrefix):]
		deviceID = deviceID[:len(deviceID)-len(s.config.Engine.Liveness.DeviceKeySuffix)]

		var state DeviceState
		if err := s.GetState(ctx, key, &state); err != nil {
			if errors.Is(err, ErrStateNotFound) {
				// 键在扫描和读取之间过期，跳过
				continue
			}
			return nil, err
		}
		states[deviceID] = &state
	}

	return states, nil
}

// StateTTL 配置的状态空闲淘汰时长
func (s *StateManager) StateTTL() time.Duration {
	return time.Duration(s.config.Engine.State.TTL) * time.Second
}

// GeofenceState (人员, 围栏) 的包含状态
type GeofenceState struct {
	Inside  bool  `json:"inside"`             // 当前是否在围栏内
	SinceTS int64 `json:"since_ts,omitempty"` // 进入当前状态的时间（Unix 秒）
}

// RouteDeviationState 路线偏移的持续计数状态
type RouteDeviationState struct {
	ConsecutiveBeyond int     `json:"consecutive_beyond"` // 连续超阈值的定位次数
	CumulativeMeters  float64 `json:"cumulative_meters"`  // 累计偏移距离
	Alerted           bool    `json:"alerted"`            // 本次偏移期间是否已报警
}

// StressState 压力指标的持续计数状态
type StressState struct {
	ConsecutiveHigh int `json:"consecutive_high"` // 连续超阈值的采样次数
}

// DeviceState 设备存活状态
type DeviceState struct {
	PersonID     int64 `json:"person_id"`
	LastSeen     int64 `json:"last_seen"` // 最后心跳时间（Unix 秒）
	BatteryLevel *int  `json:"battery_level,omitempty"`
	Offline      bool  `json:"offline"`                 // 是否已标记离线
	OfflineSince int64 `json:"offline_since,omitempty"` // 标记离线的时间（Unix 秒）
}

// SubjectCursor 人员事件处理游标（用于拒绝乱序事件驱动状态机）
type SubjectCursor struct {
	LastProcessed int64 `json:"last_processed"` // 最后处理的事件时间戳（Unix 秒）
}
