package models

import (
	"time"
)

// LocationEvent GPS定位事件（引擎输入，对应 gps_locations 表的瞬态形式）
type LocationEvent struct {
	PersonID  int64     `json:"person_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Altitude  *float64  `json:"altitude,omitempty"`
	Accuracy  *float64  `json:"accuracy,omitempty"`
	Speed     *float64  `json:"speed,omitempty"`
	Heading   *float64  `json:"heading,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
	IsSynced  bool      `json:"is_synced"`
}

// HealthEvent 健康数据事件（引擎输入，对应 health_data 表的瞬态形式）
type HealthEvent struct {
	PersonID         int64     `json:"person_id"`
	HeartRate        *int      `json:"heart_rate,omitempty"`
	SpO2             *int      `json:"spo2,omitempty"`
	DeepSleepMinutes *int      `json:"deep_sleep_minutes,omitempty"`
	StressLevel      *int      `json:"stress_level,omitempty"` // 0-100
	Timestamp        time.Time `json:"timestamp"`
	DeviceID         string    `json:"device_id"`
	IsSynced         bool      `json:"is_synced"`
}

// DeviceHeartbeat 设备心跳（引擎输入，对应 device_sync 表的瞬态形式）
type DeviceHeartbeat struct {
	DeviceID       string    `json:"device_id"`
	PersonID       int64     `json:"person_id"`
	LastSeen       time.Time `json:"last_seen"`
	BatteryLevel   *int      `json:"battery_level,omitempty"`
	PendingRecords int       `json:"pending_records"`
	IsOnline       bool      `json:"is_online"`
}

// PanicEvent 紧急按钮事件（客户端直接上报，不经过评估器）
type PanicEvent struct {
	PersonID  int64     `json:"person_id"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
	DeviceID  string    `json:"device_id"`
}
