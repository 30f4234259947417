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

// GeofenceEvaluator 地理围栏评估器
// 每个 (人员, 围栏) 维护 Outside → Inside → Outside 状态机，
// 仅在 Outside→Inside 跳变时产生 geofence_breach 候选（边沿触发）
type GeofenceEvaluator struct {
	evaluator *Evaluator
}

// NewGeofenceEvaluator 创建地理围栏评估器
func NewGeofenceEvaluator(evaluator *Evaluator) *GeofenceEvaluator {
	return &GeofenceEvaluator{
		evaluator: evaluator,
	}
}

// Evaluate 对一条定位事件评估全部活跃围栏
// 每条事件的代价是 O(活跃围栏数)；围栏集合来自快照，可替换为空间索引而不影响契约
func (g *GeofenceEvaluator) Evaluate(ctx context.Context, subject models.Subject, ev models.LocationEvent) ([]models.AlertCandidate, error) {
	pos := geo.Point{Lat: ev.Latitude, Lng: ev.Longitude}

	var candidates []models.AlertCandidate
	for _, gf := range g.evaluator.refdata.ActiveGeofences() {
		dist, err := geo.HaversineDistance(pos, geo.Point{Lat: gf.CenterLat, Lng: gf.CenterLng})
		if err != nil {
			return nil, err
		}
		inside := dist <= gf.RadiusMeters

		stateKey := g.evaluator.stateManager.GeofenceStateKey(subject.ID, gf.ID)
		var state consumer.GeofenceState
		if err := g.evaluator.stateManager.GetState(ctx, stateKey, &state); err != nil {
			if !errors.Is(err, consumer.ErrStateNotFound) {
				return nil, err
			}
			// 首次见到该 (人员, 围栏)，初始为 Outside
		}

		if inside == state.Inside {
			continue
		}

		if inside {
			// Outside → Inside：进入围栏，产生候选
			candidates = append(candidates, g.buildBreachCandidate(subject, gf, ev, dist))
		} else if g.evaluator.config.Engine.Geofence.AlertOnExit {
			// Inside → Outside：默认不报警，可配置开启
			candidates = append(candidates, g.buildExitCandidate(subject, gf, ev, dist))
		}

		// 更新状态机
		state.Inside = inside
		state.SinceTS = ev.Timestamp.Unix()
		if err := g.evaluator.stateManager.SetState(ctx, stateKey, &state, g.evaluator.stateManager.StateTTL()); err != nil {
			return nil, err
		}

		g.evaluator.logger.Debug("Geofence containment transition",
			zap.Int64("person_id", subject.ID),
			zap.Int64("geofence_id", gf.ID),
			zap.Bool("inside", inside),
			zap.Float64("distance_m", dist),
		)
	}

	return candidates, nil
}

// buildBreachCandidate 构建进入围栏的报警候选
func (g *GeofenceEvaluator) buildBreachCandidate(subject models.Subject, gf models.Geofence, ev models.LocationEvent, dist float64) models.AlertCandidate {
	priority := models.PriorityMedium
	if gf.IsSensitive {
		priority = models.PriorityHigh
	}

	return models.AlertCandidate{
		PersonID:          subject.ID,
		Type:              models.AlertGeofenceBreach,
		Priority:          priority,
		Title:             fmt.Sprintf("Geofence breach: %s", gf.Name),
		Message:           fmt.Sprintf("Subject %s entered geofence %s (%.0fm from center, radius %.0fm)", subject.EmployeeID, gf.Name, dist, gf.RadiusMeters),
		RecommendedAction: "Verify subject authorization for this zone and contact if unexpected",
		Metadata: map[string]interface{}{
			"geofence_id":   gf.ID,
			"geofence_name": gf.Name,
			"distance_m":    dist,
			"radius_m":      gf.RadiusMeters,
			"transition":    "enter",
		},
		DedupQualifier: fmt.Sprintf("geofence_%d", gf.ID),
		TriggeredAt:    ev.Timestamp,
	}
}

// buildExitCandidate 构建离开围栏的报警候选（仅在配置开启时使用）
func (g *GeofenceEvaluator) buildExitCandidate(subject models.Subject, gf models.Geofence, ev models.LocationEvent, dist float64) models.AlertCandidate {
	return models.AlertCandidate{
		PersonID:          subject.ID,
		Type:              models.AlertGeofenceBreach,
		Priority:          models.PriorityMedium,
		Title:             fmt.Sprintf("Geofence exit: %s", gf.Name),
		Message:           fmt.Sprintf("Subject %s left geofence %s (%.0fm from center, radius %.0fm)", subject.EmployeeID, gf.Name, dist, gf.RadiusMeters),
		RecommendedAction: "Confirm subject movement is expected",
		Metadata: map[string]interface{}{
			"geofence_id":   gf.ID,
			"geofence_name": gf.Name,
			"distance_m":    dist,
			"radius_m":      gf.RadiusMeters,
			"transition":    "exit",
		},
		DedupQualifier: fmt.Sprintf("geofence_%d_exit", gf.ID),
		TriggeredAt:    ev.Timestamp,
	}
}
