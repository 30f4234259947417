package models

import (
	"fmt"
	"time"
)

// AlertType 报警类型（封闭枚举，对应 alert_type enum）
type AlertType string

const (
	AlertRouteDeviation AlertType = "route_deviation"
	AlertGeofenceBreach AlertType = "geofence_breach"
	AlertHealthRisk     AlertType = "health_risk"
	AlertDeviceOffline  AlertType = "device_offline"
	AlertPanicButton    AlertType = "panic_button"
)

// Valid 判断报警类型是否为已知类型
func (t AlertType) Valid() bool {
	switch t {
	case AlertRouteDeviation, AlertGeofenceBreach, AlertHealthRisk, AlertDeviceOffline, AlertPanicButton:
		return true
	}
	return false
}

// AlertPriority 报警优先级（封闭枚举，对应 alert_priority enum）
type AlertPriority string

const (
	PriorityLow      AlertPriority = "low"
	PriorityMedium   AlertPriority = "medium"
	PriorityHigh     AlertPriority = "high"
	PriorityCritical AlertPriority = "critical"
)

// Valid 判断优先级是否为已知级别
func (p AlertPriority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AlertCandidate 报警候选（评估器产出，生命周期管理器消费，不直接持久化）
type AlertCandidate struct {
	PersonID          int64                  `json:"person_id"`
	Type              AlertType              `json:"alert_type"`
	Priority          AlertPriority          `json:"priority"`
	Title             string                 `json:"title"`
	Message           string                 `json:"message"`
	RecommendedAction string                 `json:"recommended_action,omitempty"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	// DedupQualifier 去重限定符（geofence_id、指标名等，区分同类型下的不同条件）
	DedupQualifier string    `json:"dedup_qualifier,omitempty"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// DedupKey 构建去重键：同一 (person, type, qualifier) 视为同一持续条件
func (c *AlertCandidate) DedupKey() string {
	return fmt.Sprintf("%d:%s:%s", c.PersonID, c.Type, c.DedupQualifier)
}

// Alert 报警记录（alerts 表）
// 生命周期：Open → Acknowledged → Resolved（Resolved 为终态，Acknowledged 可跳过）
type Alert struct {
	ID                string                 `json:"id" db:"id"`
	PersonID          int64                  `json:"person_id" db:"person_id"`
	Type              AlertType              `json:"alert_type" db:"alert_type"`
	Priority          AlertPriority          `json:"priority" db:"priority"`
	Title             string                 `json:"title" db:"title"`
	Message           string                 `json:"message" db:"message"`
	RecommendedAction *string                `json:"recommended_action,omitempty" db:"recommended_action"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	IsAcknowledged    bool                   `json:"is_acknowledged" db:"is_acknowledged"`
	AcknowledgedBy    *int64                 `json:"acknowledged_by,omitempty" db:"acknowledged_by"`
	AcknowledgedAt    *time.Time             `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	ResolvedAt        *time.Time             `json:"resolved_at,omitempty" db:"resolved_at"`
	CreatedAt         time.Time              `json:"created_at" db:"created_at"`

	// 去重键（引擎内部使用，不进入持久层的列集合）
	DedupKey string `json:"-"`
}

// IsResolved 判断报警是否已进入终态
func (a *Alert) IsResolved() bool {
	return a.ResolvedAt != nil
}
