package evaluator

import (
	"context"
	"errors"
	"fmt"

	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/models"
)

// HealthEvaluator 健康风险评估器
// 逐指标独立评估阈值规则；空字段跳过而非视为违规；
// 同一采样可同时产生多条候选（不合并），各自携带触发指标
type HealthEvaluator struct {
	evaluator *Evaluator
}

// NewHealthEvaluator 创建健康风险评估器
func NewHealthEvaluator(evaluator *Evaluator) *HealthEvaluator {
	return &HealthEvaluator{
		evaluator: evaluator,
	}
}

// Evaluate 评估一条健康数据事件
// 心率/血氧为逐采样无状态规则；压力为持续计数规则；
// 深睡时长仅用于趋势报表，不做实时报警
func (h *HealthEvaluator) Evaluate(ctx context.Context, ev models.HealthEvent) ([]models.AlertCandidate, error) {
	cfg := h.evaluator.config.Engine.Health
	var candidates []models.AlertCandidate

	// 心率规则
	if ev.HeartRate != nil {
		hr := *ev.HeartRate
		if hr < cfg.HeartRateMin || hr > cfg.HeartRateMax {
			candidates = append(candidates, h.buildCandidate(ev, "heart_rate", models.PriorityHigh,
				"Abnormal heart rate",
				fmt.Sprintf("Heart rate %d bpm outside safe range [%d,%d]", hr, cfg.HeartRateMin, cfg.HeartRateMax),
				"Contact subject immediately and dispatch medical support if unresponsive",
				map[string]interface{}{
					"metric":    "heart_rate",
					"value":     hr,
					"range_min": cfg.HeartRateMin,
					"range_max": cfg.HeartRateMax,
				},
			))
		}
	}

	// 血氧规则
	if ev.SpO2 != nil {
		spo2 := *ev.SpO2
		if spo2 < cfg.SpO2Critical {
			candidates = append(candidates, h.buildCandidate(ev, "spo2", models.PriorityCritical,
				"Critical blood oxygen level",
				fmt.Sprintf("SpO2 %d%% below critical threshold %d%%", spo2, cfg.SpO2Critical),
				"Dispatch medical support immediately",
				map[string]interface{}{
					"metric":    "spo2",
					"value":     spo2,
					"threshold": cfg.SpO2Critical,
				},
			))
		}
	}

	// 压力规则（持续计数）
	if ev.StressLevel != nil {
		stressCandidate, err := h.evaluateStress(ctx, ev)
		if err != nil {
			return nil, err
		}
		if stressCandidate != nil {
			candidates = append(candidates, *stressCandidate)
		}
	}

	return candidates, nil
}

// evaluateStress 压力指标的持续超阈值检测
func (h *HealthEvaluator) evaluateStress(ctx context.Context, ev models.HealthEvent) (*models.AlertCandidate, error) {
	cfg := h.evaluator.config.Engine.Health
	stateKey := h.evaluator.stateManager.SubjectStateKey(ev.PersonID, "stress")

	var state consumer.StressState
	if err := h.evaluator.stateManager.GetState(ctx, stateKey, &state); err != nil {
		if !errors.Is(err, consumer.ErrStateNotFound) {
			return nil, err
		}
	}

	if *ev.StressLevel < cfg.StressThreshold {
		// 回落到阈值以下：清空计数
		if state.ConsecutiveHigh > 0 {
			if err := h.evaluator.stateManager.DeleteState(ctx, stateKey); err != nil {
				return nil, err
			}
		}
		return nil, nil
	}

	state.ConsecutiveHigh++
	if err := h.evaluator.stateManager.SetState(ctx, stateKey, &state, h.evaluator.stateManager.StateTTL()); err != nil {
		return nil, err
	}

	if state.ConsecutiveHigh < cfg.StressSustainedCount {
		return nil, nil
	}

	candidate := h.buildCandidate(ev, "stress_level", models.PriorityHigh,
		"Sustained high stress level",
		fmt.Sprintf("Stress level %d at or above %d for %d consecutive samples", *ev.StressLevel, cfg.StressThreshold, state.ConsecutiveHigh),
		"Check in with subject and consider rotation or rest",
		map[string]interface{}{
			"metric":       "stress_level",
			"value":        *ev.StressLevel,
			"threshold":    cfg.StressThreshold,
			"sample_count": state.ConsecutiveHigh,
		},
	)
	return &candidate, nil
}

// buildCandidate 构建健康风险报警候选（去重限定符为触发指标名）
func (h *HealthEvaluator) buildCandidate(ev models.HealthEvent, metric string, priority models.AlertPriority, title, message, action string, metadata map[string]interface{}) models.AlertCandidate {
	return models.AlertCandidate{
		PersonID:          ev.PersonID,
		Type:              models.AlertHealthRisk,
		Priority:          priority,
		Title:             title,
		Message:           message,
		RecommendedAction: action,
		Metadata:          metadata,
		DedupQualifier:    metric,
		TriggeredAt:       ev.Timestamp,
	}
}
