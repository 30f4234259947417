package evaluator

import (
	"context"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/geo"
	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// RefdataProvider 参考数据快照（由 consumer.RefdataCache 实现）
type RefdataProvider interface {
	ActiveGeofences() []models.Geofence
	RouteByID(id int64) (models.Route, bool)
	SubjectByID(id int64) (models.Subject, bool)
	SubjectByDevice(deviceID string) (models.Subject, bool)
	Loaded() bool
}

// Evaluator 风险评估器（地理围栏、路线偏移、健康阈值的统一入口）
type Evaluator struct {
	config       *config.Config
	stateManager *consumer.StateManager
	refdata      RefdataProvider
	logger       *zap.Logger

	// 各类评估器
	geofence *GeofenceEvaluator
	route    *RouteDeviationEvaluator
	health   *HealthEvaluator
}

// NewEvaluator 创建评估器
func NewEvaluator(
	cfg *config.Config,
	stateManager *consumer.StateManager,
	refdata RefdataProvider,
	logger *zap.Logger,
) *Evaluator {
	e := &Evaluator{
		config:       cfg,
		stateManager: stateManager,
		refdata:      refdata,
		logger:       logger,
	}

	// 初始化各类评估器
	e.geofence = NewGeofenceEvaluator(e)
	e.route = NewRouteDeviationEvaluator(e)
	e.health = NewHealthEvaluator(e)

	return e
}

// EvaluateLocation 评估一条定位事件，返回报警候选列表
// 坐标非法时整条事件被拒绝；参考数据未就绪时跳过评估（降级，不猜测）
func (e *Evaluator) EvaluateLocation(ctx context.Context, ev models.LocationEvent) ([]models.AlertCandidate, error) {
	// 坐标校验一次，所有空间评估器共用
	pos := geo.Point{Lat: ev.Latitude, Lng: ev.Longitude}
	if err := pos.Validate(); err != nil {
		return nil, err
	}

	if !e.refdata.Loaded() {
		e.logger.Warn("Refdata snapshot not loaded, skipping location evaluation",
			zap.Int64("person_id", ev.PersonID),
		)
		return nil, nil
	}

	subject, ok := e.refdata.SubjectByID(ev.PersonID)
	if !ok {
		e.logger.Warn("Unknown subject for location event",
			zap.Int64("person_id", ev.PersonID),
		)
		return nil, nil
	}

	var candidates []models.AlertCandidate

	// 地理围栏评估
	geofenceCandidates, err := e.geofence.Evaluate(ctx, subject, ev)
	if err != nil {
		e.logger.Error("Failed to evaluate geofences",
			zap.Int64("person_id", ev.PersonID),
			zap.Error(err),
		)
	} else {
		candidates = append(candidates, geofenceCandidates...)
	}

	// 路线偏移评估
	routeCandidates, err := e.route.Evaluate(ctx, subject, ev)
	if err != nil {
		e.logger.Error("Failed to evaluate route deviation",
			zap.Int64("person_id", ev.PersonID),
			zap.Error(err),
		)
	} else {
		candidates = append(candidates, routeCandidates...)
	}

	return candidates, nil
}

// EvaluateHealth 评估一条健康数据事件，返回报警候选列表
func (e *Evaluator) EvaluateHealth(ctx context.Context, ev models.HealthEvent) ([]models.AlertCandidate, error) {
	return e.health.Evaluate(ctx, ev)
}
