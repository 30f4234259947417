package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// DeviceSyncRepository 设备同步状态仓库（device_sync 表）
// 记录每台设备最近一次心跳的可观测状态，供报表与排障查询
type DeviceSyncRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewDeviceSyncRepository 创建设备同步状态仓库
func NewDeviceSyncRepository(db *sql.DB, logger *zap.Logger) *DeviceSyncRepository {
	return &DeviceSyncRepository{
		db:     db,
		logger: logger,
	}
}

// UpsertHeartbeat 记录一次设备心跳（按 device_id 覆盖）
func (r *DeviceSyncRepository) UpsertHeartbeat(ctx context.Context, hb *models.DeviceHeartbeat) error {
	if hb == nil {
		return fmt.Errorf("heartbeat is required")
	}
	if hb.DeviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		INSERT INTO device_sync (
			device_id,
			person_id,
			last_sync_at,
			battery_level,
			pending_records,
			is_online
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		ON CONFLICT (device_id) DO UPDATE SET
			person_id = EXCLUDED.person_id,
			last_sync_at = EXCLUDED.last_sync_at,
			battery_level = EXCLUDED.battery_level,
			pending_records = EXCLUDED.pending_records,
			is_online = EXCLUDED.is_online
	`

	_, err := r.db.ExecContext(ctx,
		query,
		hb.DeviceID,
		hb.PersonID,
		hb.LastSeen,
		hb.BatteryLevel,
		hb.PendingRecords,
		hb.IsOnline,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert device sync: %w", err)
	}

	return nil
}

// MarkOffline 将设备标记为离线（存活扫描判定后调用）
func (r *DeviceSyncRepository) MarkOffline(ctx context.Context, deviceID string, asOf time.Time) error {
	if deviceID == "" {
		return fmt.Errorf("device_id is required")
	}

	query := `
		UPDATE device_sync
		SET is_online = false
		WHERE device_id = $1
		  AND last_sync_at <= $2
	`

	_, err := r.db.ExecContext(ctx, query, deviceID, asOf)
	if err != nil {
		return fmt.Errorf("failed to mark device offline: %w", err)
	}

	return nil
}
