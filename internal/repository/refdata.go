package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// RefdataRepository 参考数据仓库
// 为快照缓存提供围栏、路线、人员和同意记录的整表读取
type RefdataRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewRefdataRepository 创建参考数据仓库
func NewRefdataRepository(db *sql.DB, logger *zap.Logger) *RefdataRepository {
	return &RefdataRepository{
		db:     db,
		logger: logger,
	}
}

// GetActiveGeofences 获取全部活跃围栏
func (r *RefdataRepository) GetActiveGeofences(ctx context.Context) ([]models.Geofence, error) {
	query := `
		SELECT
			id,
			name,
			center_lat,
			center_lng,
			radius_meters,
			is_sensitive,
			is_active
		FROM geofences
		WHERE is_active = true
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query geofences: %w", err)
	}
	defer rows.Close()

	geofences := []models.Geofence{}
	for rows.Next() {
		var gf models.Geofence
		err := rows.Scan(
			&gf.ID,
			&gf.Name,
			&gf.CenterLat,
			&gf.CenterLng,
			&gf.RadiusMeters,
			&gf.IsSensitive,
			&gf.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan geofence: %w", err)
		}
		geofences = append(geofences, gf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate geofences: %w", err)
	}

	return geofences, nil
}

// GetActiveRoutes 获取全部活跃路线
// waypoints 与 geofence_ids 在表中为 JSON 文本，读取时解析为结构化序列
func (r *RefdataRepository) GetActiveRoutes(ctx context.Context) ([]models.Route, error) {
	query := `
		SELECT
			id,
			name,
			waypoints,
			geofence_ids,
			is_active
		FROM routes
		WHERE is_active = true
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query routes: %w", err)
	}
	defer rows.Close()

	routes := []models.Route{}
	for rows.Next() {
		var route models.Route
		var waypointsJSON []byte
		var geofenceIDsJSON sql.NullString

		err := rows.Scan(
			&route.ID,
			&route.Name,
			&waypointsJSON,
			&geofenceIDsJSON,
			&route.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan route: %w", err)
		}

		if len(waypointsJSON) > 0 {
			if err := json.Unmarshal(waypointsJSON, &route.Waypoints); err != nil {
				// 航点损坏的路线跳过而非中断整个快照
				r.logger.Error("Failed to parse route waypoints, skipping route",
					zap.Int64("route_id", route.ID),
					zap.Error(err),
				)
				continue
			}
		}
		if geofenceIDsJSON.Valid && geofenceIDsJSON.String != "" {
			if err := json.Unmarshal([]byte(geofenceIDsJSON.String), &route.GeofenceIDs); err != nil {
				r.logger.Warn("Failed to parse route geofence ids",
					zap.Int64("route_id", route.ID),
					zap.Error(err),
				)
			}
		}

		routes = append(routes, route)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate routes: %w", err)
	}

	return routes, nil
}

// GetSubjects 获取全部被监控人员
func (r *RefdataRepository) GetSubjects(ctx context.Context) ([]models.Subject, error) {
	query := `
		SELECT
			id,
			employee_id,
			assigned_route_id,
			assigned_device_id,
			is_on_duty
		FROM people
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query people: %w", err)
	}
	defer rows.Close()

	subjects := []models.Subject{}
	for rows.Next() {
		var subject models.Subject
		var assignedRouteID sql.NullInt64
		var assignedDeviceID sql.NullString

		err := rows.Scan(
			&subject.ID,
			&subject.EmployeeID,
			&assignedRouteID,
			&assignedDeviceID,
			&subject.IsOnDuty,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan person: %w", err)
		}

		if assignedRouteID.Valid {
			subject.AssignedRouteID = &assignedRouteID.Int64
		}
		if assignedDeviceID.Valid {
			subject.AssignedDeviceID = assignedDeviceID.String
		}

		subjects = append(subjects, subject)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate people: %w", err)
	}

	return subjects, nil
}

// GetConsents 获取全部同意记录
// 有效性判定留给引擎侧（按事件时间），这里不做过滤
func (r *RefdataRepository) GetConsents(ctx context.Context) ([]models.ConsentRecord, error) {
	query := `
		SELECT
			id,
			person_id,
			consent_type,
			is_granted,
			granted_at,
			revoked_at,
			expiry_date
		FROM consents
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query consents: %w", err)
	}
	defer rows.Close()

	consents := []models.ConsentRecord{}
	for rows.Next() {
		var rec models.ConsentRecord
		var grantedAt, revokedAt, expiryDate sql.NullTime

		err := rows.Scan(
			&rec.ID,
			&rec.PersonID,
			&rec.ConsentType,
			&rec.IsGranted,
			&grantedAt,
			&revokedAt,
			&expiryDate,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}

		if grantedAt.Valid {
			rec.GrantedAt = &grantedAt.Time
		}
		if revokedAt.Valid {
			rec.RevokedAt = &revokedAt.Time
		}
		if expiryDate.Valid {
			rec.ExpiryDate = &expiryDate.Time
		}

		consents = append(consents, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate consents: %w", err)
	}

	return consents, nil
}
