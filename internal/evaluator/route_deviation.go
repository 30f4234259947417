package evaluator

import (
	"context"
	"errors"
	"fmt"

	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/geo"
	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// RouteDeviationEvaluator 路线偏移评估器
// 维护连续超阈值计数，避免单次噪声定位触发报警；
// 回到阈值以内即清零，未分配路线的人员直接跳过
type RouteDeviationEvaluator struct {
	evaluator *Evaluator
}

// NewRouteDeviationEvaluator 创建路线偏移评估器
func NewRouteDeviationEvaluator(evaluator *Evaluator) *RouteDeviationEvaluator {
	return &RouteDeviationEvaluator{
		evaluator: evaluator,
	}
}

// Evaluate 评估一条定位事件相对指定路线的偏移
func (r *RouteDeviationEvaluator) Evaluate(ctx context.Context, subject models.Subject, ev models.LocationEvent) ([]models.AlertCandidate, error) {
	// 未分配路线不是错误
	if subject.AssignedRouteID == nil {
		return nil, nil
	}

	route, ok := r.evaluator.refdata.RouteByID(*subject.AssignedRouteID)
	if !ok {
		// 路线快照缺失：降级跳过，不猜测
		r.evaluator.logger.Warn("Assigned route not in refdata snapshot, skipping deviation check",
			zap.Int64("person_id", subject.ID),
			zap.Int64("route_id", *subject.AssignedRouteID),
		)
		return nil, nil
	}

	pos := geo.Point{Lat: ev.Latitude, Lng: ev.Longitude}
	dist, err := geo.DistanceToPolyline(pos, route.Waypoints)
	if err != nil {
		return nil, err
	}

	threshold := r.evaluator.config.Engine.RouteDeviation.ThresholdMeters
	stateKey := r.evaluator.stateManager.SubjectStateKey(subject.ID, "route_deviation")

	var state consumer.RouteDeviationState
	if err := r.evaluator.stateManager.GetState(ctx, stateKey, &state); err != nil {
		if !errors.Is(err, consumer.ErrStateNotFound) {
			return nil, err
		}
	}

	if dist <= threshold {
		// 回到阈值以内：清空持续计数
		if state.ConsecutiveBeyond > 0 || state.Alerted {
			if err := r.evaluator.stateManager.DeleteState(ctx, stateKey); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	state.ConsecutiveBeyond++
	state.CumulativeMeters += dist

	var candidates []models.AlertCandidate
	if state.ConsecutiveBeyond >= r.evaluator.config.Engine.RouteDeviation.SustainedCount && !state.Alerted {
		candidates = append(candidates, r.buildDeviationCandidate(subject, route, ev, dist, threshold, state.ConsecutiveBeyond))
		state.Alerted = true
	}

	if err := r.evaluator.stateManager.SetState(ctx, stateKey, &state, r.evaluator.stateManager.StateTTL()); err != nil {
		return nil, err
	}

	return candidates, nil
}

// buildDeviationCandidate 构建路线偏移报警候选
// 优先级随偏移幅度升级：阈值的 HighMultiplier 倍以上为 high
func (r *RouteDeviationEvaluator) buildDeviationCandidate(subject models.Subject, route models.Route, ev models.LocationEvent, dist, threshold float64, samples int) models.AlertCandidate {
	priority := models.PriorityMedium
	if dist >= threshold*r.evaluator.config.Engine.RouteDeviation.HighMultiplier {
		priority = models.PriorityHigh
	}

	return models.AlertCandidate{
		PersonID:          subject.ID,
		Type:              models.AlertRouteDeviation,
		Priority:          priority,
		Title:             fmt.Sprintf("Route deviation: %s", route.Name),
		Message:           fmt.Sprintf("Subject %s is %.0fm off route %s (threshold %.0fm, %d consecutive fixes)", subject.EmployeeID, dist, route.Name, threshold, samples),
		RecommendedAction: "Contact subject to confirm reason for leaving assigned route",
		Metadata: map[string]interface{}{
			"route_id":     route.ID,
			"route_name":   route.Name,
			"distance_m":   dist,
			"threshold_m":  threshold,
			"sample_count": samples,
		},
		DedupQualifier: fmt.Sprintf("route_%d", route.ID),
		TriggeredAt:    ev.Timestamp,
	}
}
