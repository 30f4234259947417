package consent

import (
	"sync/atomic"
	"time"

	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// ConsentSource 同意记录来源（由参考数据快照实现）
type ConsentSource interface {
	ConsentFor(personID int64, category string) (models.ConsentRecord, bool)
}

// Decision 同意门控结果
// 被拦截不是错误：是同意驱动的有意抑制，事件在到达任何评估器之前被丢弃
type Decision struct {
	Allowed         bool   `json:"allowed"`
	BlockedCategory string `json:"blocked_category,omitempty"`
}

// Allow 放行结果
func Allow() Decision {
	return Decision{Allowed: true}
}

// Block 拦截结果（携带缺失同意的数据类别）
func Block(category string) Decision {
	return Decision{Allowed: false, BlockedCategory: category}
}

// Gate 同意门控
// 缺失同意记录按未生效处理（fail closed）
type Gate struct {
	source ConsentSource
	logger *zap.Logger

	blockedCount int64 // 拦截计数（唯一允许的拦截副作用）
}

// NewGate 创建同意门控
func NewGate(source ConsentSource, logger *zap.Logger) *Gate {
	return &Gate{
		source: source,
		logger: logger,
	}
}

// IsCategoryActive 判断人员在指定类别下的同意在指定时刻是否有效
func (g *Gate) IsCategoryActive(personID int64, category string, asOf time.Time) bool {
	rec, ok := g.source.ConsentFor(personID, category)
	if !ok {
		// 没有同意记录，默认拒绝
		return false
	}
	return rec.IsActiveAt(asOf)
}

// EvaluateLocation 门控定位事件（需要 gps_tracking 同意）
func (g *Gate) EvaluateLocation(personID int64, asOf time.Time) Decision {
	return g.evaluate(personID, models.ConsentGPSTracking, asOf)
}

// EvaluateHealth 门控健康事件（需要 health_monitoring 同意）
func (g *Gate) EvaluateHealth(personID int64, asOf time.Time) Decision {
	return g.evaluate(personID, models.ConsentHealthMonitoring, asOf)
}

func (g *Gate) evaluate(personID int64, category string, asOf time.Time) Decision {
	if g.IsCategoryActive(personID, category, asOf) {
		return Allow()
	}

	atomic.AddInt64(&g.blockedCount, 1)
	g.logger.Debug("Event blocked by consent gate",
		zap.Int64("person_id", personID),
		zap.String("category", category),
	)

	return Block(category)
}

// BlockedCount 累计拦截数
func (g *Gate) BlockedCount() int64 {
	return atomic.LoadInt64(&g.blockedCount)
}
