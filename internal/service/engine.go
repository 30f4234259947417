package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"guardtrack-engine/internal/alert"
	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/consent"
	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/evaluator"
	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// ErrEngineClosed 引擎已关闭，不再接收事件
var ErrEngineClosed = errors.New("engine is closed")

// subjectLockShards 人员锁分片数
const subjectLockShards = 64

// DeviceSyncStore 设备同步状态持久化（可选，nil 时跳过）
type DeviceSyncStore interface {
	UpsertHeartbeat(ctx context.Context, hb *models.DeviceHeartbeat) error
	MarkOffline(ctx context.Context, deviceID string, asOf time.Time) error
}

// Result 单条事件的处理结果
type Result struct {
	Blocked         bool                    // 是否被同意门禁拦截
	BlockedCategory string                  // 拦截时缺失的同意类别
	Late            bool                    // 是否为乱序晚到事件（已跳过）
	Candidates      []models.AlertCandidate // 评估器产出的候选
	Alerts          []*models.Alert         // 实际创建的报警
	Suppressed      int                     // 被去重/冷却抑制的候选数
}

// Engine 事件评估引擎
// 同一人员的事件串行处理（锁分片），不同人员并行；
// 每个评估维度维护独立游标，晚到的旧事件只记录不驱动状态机
type Engine struct {
	config       *config.Config
	logger       *zap.Logger
	stateManager *consumer.StateManager
	evaluator    *evaluator.Evaluator
	liveness     *evaluator.LivenessMonitor
	gate         *consent.Gate
	alertManager *alert.Manager
	deviceSync   DeviceSyncStore

	subjectLocks [subjectLockShards]sync.Mutex
	closed       int32
}

// NewEngine 创建事件评估引擎
func NewEngine(
	cfg *config.Config,
	stateManager *consumer.StateManager,
	eval *evaluator.Evaluator,
	liveness *evaluator.LivenessMonitor,
	gate *consent.Gate,
	alertManager *alert.Manager,
	deviceSync DeviceSyncStore,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		config:       cfg,
		logger:       logger,
		stateManager: stateManager,
		evaluator:    eval,
		liveness:     liveness,
		gate:         gate,
		alertManager: alertManager,
		deviceSync:   deviceSync,
	}
}

// Close 关闭引擎，后续事件被拒绝
func (e *Engine) Close() {
	atomic.StoreInt32(&e.closed, 1)
}

func (e *Engine) isClosed() bool {
	return atomic.LoadInt32(&e.closed) == 1
}

func (e *Engine) lockFor(personID int64) *sync.Mutex {
	return &e.subjectLocks[uint64(personID)%subjectLockShards]
}

// SubmitLocation 处理一条定位事件
// 同意门禁 → 乱序检查 → 空间评估 → 报警提交
func (e *Engine) SubmitLocation(ctx context.Context, ev models.LocationEvent) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	// 同意门禁在任何评估之前
	decision := e.gate.EvaluateLocation(ev.PersonID, ev.Timestamp)
	if !decision.Allowed {
		return &Result{Blocked: true, BlockedCategory: decision.BlockedCategory}, nil
	}

	lock := e.lockFor(ev.PersonID)
	lock.Lock()
	defer lock.Unlock()

	late, err := e.checkCursor(ctx, ev.PersonID, "location_cursor", ev.Timestamp)
	if err != nil {
		return nil, err
	}
	if late {
		e.logger.Warn("Out-of-order location event skipped",
			zap.Int64("person_id", ev.PersonID),
			zap.Time("event_ts", ev.Timestamp),
		)
		return &Result{Late: true}, nil
	}

	candidates, err := e.evaluator.EvaluateLocation(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate location event: %w", err)
	}

	if err := e.advanceCursor(ctx, ev.PersonID, "location_cursor", ev.Timestamp); err != nil {
		return nil, err
	}

	return e.submitCandidates(ctx, candidates)
}

// SubmitHealth 处理一条健康数据事件
func (e *Engine) SubmitHealth(ctx context.Context, ev models.HealthEvent) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	decision := e.gate.EvaluateHealth(ev.PersonID, ev.Timestamp)
	if !decision.Allowed {
		return &Result{Blocked: true, BlockedCategory: decision.BlockedCategory}, nil
	}

	lock := e.lockFor(ev.PersonID)
	lock.Lock()
	defer lock.Unlock()

	late, err := e.checkCursor(ctx, ev.PersonID, "health_cursor", ev.Timestamp)
	if err != nil {
		return nil, err
	}
	if late {
		e.logger.Warn("Out-of-order health event skipped",
			zap.Int64("person_id", ev.PersonID),
			zap.Time("event_ts", ev.Timestamp),
		)
		return &Result{Late: true}, nil
	}

	candidates, err := e.evaluator.EvaluateHealth(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate health event: %w", err)
	}

	if err := e.advanceCursor(ctx, ev.PersonID, "health_cursor", ev.Timestamp); err != nil {
		return nil, err
	}

	return e.submitCandidates(ctx, candidates)
}

// SubmitHeartbeat 处理一条设备心跳
// 心跳不属于受同意约束的遥测类别，不经过门禁
func (e *Engine) SubmitHeartbeat(ctx context.Context, hb models.DeviceHeartbeat) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	if err := e.liveness.HandleHeartbeat(ctx, hb); err != nil {
		return nil, fmt.Errorf("failed to handle heartbeat: %w", err)
	}

	// 同步状态持久化为尽力而为，失败不影响存活跟踪
	if e.deviceSync != nil {
		if err := e.deviceSync.UpsertHeartbeat(ctx, &hb); err != nil {
			e.logger.Error("Failed to persist device sync state",
				zap.String("device_id", hb.DeviceID),
				zap.Error(err),
			)
		}
	}

	return &Result{}, nil
}

// SubmitPanic 处理一条紧急按钮事件
// 不经过评估器和同意门禁：按下即为明确求助，始终产生 critical 候选
func (e *Engine) SubmitPanic(ctx context.Context, ev models.PanicEvent) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}

	candidate := models.AlertCandidate{
		PersonID:          ev.PersonID,
		Type:              models.AlertPanicButton,
		Priority:          models.PriorityCritical,
		Title:             "Panic button pressed",
		Message:           fmt.Sprintf("Panic button pressed at (%.5f, %.5f)", ev.Latitude, ev.Longitude),
		RecommendedAction: "Dispatch response team to reported position immediately",
		Metadata: map[string]interface{}{
			"latitude":  ev.Latitude,
			"longitude": ev.Longitude,
			"device_id": ev.DeviceID,
		},
		DedupQualifier: "panic",
		TriggeredAt:    ev.Timestamp,
	}

	return e.submitCandidates(ctx, []models.AlertCandidate{candidate})
}

// SubmitCandidates 提交评估器外部产生的候选（存活扫描等定时来源）
func (e *Engine) SubmitCandidates(ctx context.Context, candidates []models.AlertCandidate) (*Result, error) {
	if e.isClosed() {
		return nil, ErrEngineClosed
	}
	return e.submitCandidates(ctx, candidates)
}

// RunLiveness 启动设备存活扫描循环（阻塞直到 ctx 取消）
func (e *Engine) RunLiveness(ctx context.Context) {
	e.liveness.Run(ctx, func(ctx context.Context, candidates []models.AlertCandidate) {
		if _, err := e.submitCandidates(ctx, candidates); err != nil {
			e.logger.Error("Failed to submit liveness candidates",
				zap.Error(err),
			)
		}
	})
}

// checkCursor 判断事件是否晚于该维度已处理的最新事件
func (e *Engine) checkCursor(ctx context.Context, personID int64, kind string, ts time.Time) (bool, error) {
	key := e.stateManager.SubjectStateKey(personID, kind)

	var cursor consumer.SubjectCursor
	if err := e.stateManager.GetState(ctx, key, &cursor); err != nil {
		if errors.Is(err, consumer.ErrStateNotFound) {
			return false, nil
		}
		return false, err
	}

	return ts.Unix() < cursor.LastProcessed, nil
}

// advanceCursor 推进该维度的处理游标
func (e *Engine) advanceCursor(ctx context.Context, personID int64, kind string, ts time.Time) error {
	key := e.stateManager.SubjectStateKey(personID, kind)
	cursor := consumer.SubjectCursor{LastProcessed: ts.Unix()}
	return e.stateManager.SetState(ctx, key, &cursor, e.stateManager.StateTTL())
}

// submitCandidates 将候选逐条交给报警生命周期管理器
// 单条失败不中断其余候选
func (e *Engine) submitCandidates(ctx context.Context, candidates []models.AlertCandidate) (*Result, error) {
	result := &Result{Candidates: candidates}

	for _, cand := range candidates {
		// 存活扫描判定离线的设备同步回 device_sync 表
		if cand.Type == models.AlertDeviceOffline {
			e.markDeviceOffline(ctx, cand)
		}

		created, suppressed, err := e.alertManager.Submit(ctx, cand, cand.TriggeredAt)
		if err != nil {
			e.logger.Error("Failed to submit alert candidate",
				zap.Int64("person_id", cand.PersonID),
				zap.String("alert_type", string(cand.Type)),
				zap.Error(err),
			)
			continue
		}
		if suppressed {
			result.Suppressed++
			continue
		}
		result.Alerts = append(result.Alerts, created)
	}

	return result, nil
}

// markDeviceOffline 将离线判定同步回设备同步存储
// 尽力而为：持久化失败不影响报警链路
func (e *Engine) markDeviceOffline(ctx context.Context, cand models.AlertCandidate) {
	if e.deviceSync == nil {
		return
	}

	deviceID, _ := cand.Metadata["device_id"].(string)
	if deviceID == "" {
		deviceID = cand.DedupQualifier
	}
	if deviceID == "" {
		return
	}

	if err := e.deviceSync.MarkOffline(ctx, deviceID, cand.TriggeredAt); err != nil {
		e.logger.Error("Failed to mark device offline in sync store",
			zap.String("device_id", deviceID),
			zap.Error(err),
		)
	}
}

// HandleLocation 实现 consumer.EventHandler
func (e *Engine) HandleLocation(ctx context.Context, ev models.LocationEvent) error {
	_, err := e.SubmitLocation(ctx, ev)
	return err
}

// HandleHealth 实现 consumer.EventHandler
func (e *Engine) HandleHealth(ctx context.Context, ev models.HealthEvent) error {
	_, err := e.SubmitHealth(ctx, ev)
	return err
}

// HandleHeartbeat 实现 consumer.EventHandler
func (e *Engine) HandleHeartbeat(ctx context.Context, hb models.DeviceHeartbeat) error {
	_, err := e.SubmitHeartbeat(ctx, hb)
	return err
}

// HandlePanic 实现 consumer.EventHandler
func (e *Engine) HandlePanic(ctx context.Context, ev models.PanicEvent) error {
	_, err := e.SubmitPanic(ctx, ev)
	return err
}
