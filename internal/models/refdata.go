package models

import (
	"time"
)

// 同意类别常量（对应 consents.consent_type）
const (
	ConsentGPSTracking      = "gps_tracking"
	ConsentHealthMonitoring = "health_monitoring"
	ConsentDataProcessing   = "data_processing"
)

// Subject 被监控人员（people 表的评估视图，只保留引擎需要的字段）
type Subject struct {
	ID               int64  `json:"id" db:"id"`
	EmployeeID       string `json:"employee_id" db:"employee_id"`
	AssignedRouteID  *int64 `json:"assigned_route_id,omitempty" db:"assigned_route_id"`
	AssignedDeviceID string `json:"assigned_device_id" db:"assigned_device_id"`
	IsOnDuty         bool   `json:"is_on_duty" db:"is_on_duty"`
}

// Geofence 圆形地理围栏（geofences 表）
type Geofence struct {
	ID           int64   `json:"id" db:"id"`
	Name         string  `json:"name" db:"name"`
	CenterLat    float64 `json:"center_lat" db:"center_lat"`
	CenterLng    float64 `json:"center_lng" db:"center_lng"`
	RadiusMeters float64 `json:"radius_meters" db:"radius_meters"`
	IsSensitive  bool    `json:"is_sensitive" db:"is_sensitive"`
	IsActive     bool    `json:"is_active" db:"is_active"`
}

// Waypoint 路线航点（有序坐标）
type Waypoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Route 巡逻路线（routes 表；waypoints 在持久层为 JSON 文本，引擎侧为结构化序列）
type Route struct {
	ID          int64      `json:"id" db:"id"`
	Name        string     `json:"name" db:"name"`
	Waypoints   []Waypoint `json:"waypoints"`
	GeofenceIDs []int64    `json:"geofence_ids,omitempty"`
	IsActive    bool       `json:"is_active" db:"is_active"`
}

// ConsentRecord 同意记录（consents 表）
type ConsentRecord struct {
	ID          int64      `json:"id" db:"id"`
	PersonID    int64      `json:"person_id" db:"person_id"`
	ConsentType string     `json:"consent_type" db:"consent_type"`
	IsGranted   bool       `json:"is_granted" db:"is_granted"`
	GrantedAt   *time.Time `json:"granted_at,omitempty" db:"granted_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty" db:"revoked_at"`
	ExpiryDate  *time.Time `json:"expiry_date,omitempty" db:"expiry_date"`
}

// IsActiveAt 判断同意在指定时刻是否有效
// 有效条件：已授予、未撤销、且（无过期时间或过期时间在未来）
func (c *ConsentRecord) IsActiveAt(asOf time.Time) bool {
	if !c.IsGranted {
		return false
	}
	if c.RevokedAt != nil && !c.RevokedAt.After(asOf) {
		return false
	}
	if c.ExpiryDate != nil && !c.ExpiryDate.After(asOf) {
		return false
	}
	return true
}
