package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// AlertsRepository 报警记录仓库（alerts 表）
type AlertsRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAlertsRepository 创建报警记录仓库
func NewAlertsRepository(db *sql.DB, logger *zap.Logger) *AlertsRepository {
	return &AlertsRepository{
		db:     db,
		logger: logger,
	}
}

// CreateAlert 创建报警记录
func (r *AlertsRepository) CreateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	metadataJSON, err := marshalMetadata(alert.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal alert metadata: %w", err)
	}

	query := `
		INSERT INTO alerts (
			id,
			person_id,
			alert_type,
			priority,
			title,
			message,
			recommended_action,
			metadata,
			is_acknowledged,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		)
	`

	_, err = r.db.ExecContext(ctx,
		query,
		alert.ID,
		alert.PersonID,
		string(alert.Type),
		string(alert.Priority),
		alert.Title,
		alert.Message,
		alert.RecommendedAction,
		metadataJSON,
		alert.IsAcknowledged,
		alert.AcknowledgedBy,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
		alert.CreatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}

	return nil
}

// UpdateAlert 更新报警的生命周期字段（确认与解决）
func (r *AlertsRepository) UpdateAlert(ctx context.Context, alert *models.Alert) error {
	if alert == nil {
		return fmt.Errorf("alert is required")
	}
	if alert.ID == "" {
		return fmt.Errorf("alert id is required")
	}

	query := `
		UPDATE alerts
		SET is_acknowledged = $1,
		    acknowledged_by = $2,
		    acknowledged_at = $3,
		    resolved_at = $4
		WHERE id = $5
	`

	result, err := r.db.ExecContext(ctx,
		query,
		alert.IsAcknowledged,
		alert.AcknowledgedBy,
		alert.AcknowledgedAt,
		alert.ResolvedAt,
		alert.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update alert: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("alert not found: id=%s", alert.ID)
	}

	return nil
}

// GetAlert 根据 id 获取报警记录
func (r *AlertsRepository) GetAlert(ctx context.Context, alertID string) (*models.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("alert id is required")
	}

	query := `
		SELECT
			id,
			person_id,
			alert_type,
			priority,
			title,
			message,
			recommended_action,
			metadata,
			is_acknowledged,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			created_at
		FROM alerts
		WHERE id = $1
	`

	alert, err := scanAlert(r.db.QueryRowContext(ctx, query, alertID))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("alert not found: id=%s", alertID)
		}
		return nil, fmt.Errorf("failed to get alert: %w", err)
	}

	return alert, nil
}

// ListOpenAlerts 查询全部未解决的报警（按创建时间倒序）
func (r *AlertsRepository) ListOpenAlerts(ctx context.Context) ([]*models.Alert, error) {
	query := `
		SELECT
			id,
			person_id,
			alert_type,
			priority,
			title,
			message,
			recommended_action,
			metadata,
			is_acknowledged,
			acknowledged_by,
			acknowledged_at,
			resolved_at,
			created_at
		FROM alerts
		WHERE resolved_at IS NULL
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query open alerts: %w", err)
	}
	defer rows.Close()

	alerts := []*models.Alert{}
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		alerts = append(alerts, alert)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alerts: %w", err)
	}

	return alerts, nil
}

// rowScanner 统一 QueryRow 与 Rows 的扫描入口
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanAlert 扫描一行报警记录
func scanAlert(row rowScanner) (*models.Alert, error) {
	var alert models.Alert
	var alertType, priority string
	var recommendedAction sql.NullString
	var acknowledgedBy sql.NullInt64
	var acknowledgedAt, resolvedAt sql.NullTime
	var metadata []byte

	err := row.Scan(
		&alert.ID,
		&alert.PersonID,
		&alertType,
		&priority,
		&alert.Title,
		&alert.Message,
		&recommendedAction,
		&metadata,
		&alert.IsAcknowledged,
		&acknowledgedBy,
		&acknowledgedAt,
		&resolvedAt,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.Type = models.AlertType(alertType)
	alert.Priority = models.AlertPriority(priority)

	// 处理可空字段
	if recommendedAction.Valid {
		alert.RecommendedAction = &recommendedAction.String
	}
	if acknowledgedBy.Valid {
		alert.AcknowledgedBy = &acknowledgedBy.Int64
	}
	if acknowledgedAt.Valid {
		alert.AcknowledgedAt = &acknowledgedAt.Time
	}
	if resolvedAt.Valid {
		alert.ResolvedAt = &resolvedAt.Time
	}

	// 处理 JSONB 字段
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &alert.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal alert metadata: %w", err)
		}
	}

	return &alert, nil
}

// marshalMetadata 序列化 metadata（空 map 统一落为 '{}'）
func marshalMetadata(metadata map[string]interface{}) ([]byte, error) {
	if len(metadata) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(metadata)
}
