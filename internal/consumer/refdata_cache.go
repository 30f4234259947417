package consumer

import (
	"context"
	"sync"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/models"

	"go.uber.org/zap"
)

// RefdataSource 参考数据来源（由记录存储的仓库层实现）
type RefdataSource interface {
	GetActiveGeofences(ctx context.Context) ([]models.Geofence, error)
	GetActiveRoutes(ctx context.Context) ([]models.Route, error)
	GetSubjects(ctx context.Context) ([]models.Subject, error)
	GetConsents(ctx context.Context) ([]models.ConsentRecord, error)
}

// RefdataCache 参考数据快照缓存
// 周期性整体刷新（而非逐事件查询），评估器读取的是稳定一致的快照；
// 刷新失败时保留上一份快照并置降级标志
type RefdataCache struct {
	config *config.Config
	source RefdataSource
	logger *zap.Logger

	mu              sync.RWMutex
	geofences       []models.Geofence
	routes          map[int64]models.Route
	subjects        map[int64]models.Subject
	subjectByDevice map[string]int64
	consents        map[int64]map[string]models.ConsentRecord
	loaded          bool
	degraded        bool
	lastRefresh     time.Time
}

// NewRefdataCache 创建参考数据缓存
func NewRefdataCache(
	cfg *config.Config,
	source RefdataSource,
	logger *zap.Logger,
) *RefdataCache {
	return &RefdataCache{
		config:          cfg,
		source:          source,
		logger:          logger,
		routes:          make(map[int64]models.Route),
		subjects:        make(map[int64]models.Subject),
		subjectByDevice: make(map[string]int64),
		consents:        make(map[int64]map[string]models.ConsentRecord),
	}
}

// Start 启动周期性刷新循环
func (c *RefdataCache) Start(ctx context.Context) {
	interval := time.Duration(c.config.Engine.Refdata.RefreshInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// 立即刷新一次
	if err := c.Refresh(ctx); err != nil {
		c.logger.Error("Failed to refresh refdata on startup",
			zap.Error(err),
		)
	}

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Refdata cache refresh loop stopped")
			return
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				c.logger.Error("Failed to refresh refdata",
					zap.Error(err),
				)
				// 保留上一份快照，继续运行
			}
		}
	}
}

// Refresh 从记录存储拉取一份完整快照
func (c *RefdataCache) Refresh(ctx context.Context) error {
	geofences, err := c.source.GetActiveGeofences(ctx)
	if err != nil {
		c.markDegraded()
		return err
	}
	routes, err := c.source.GetActiveRoutes(ctx)
	if err != nil {
		c.markDegraded()
		return err
	}
	subjects, err := c.source.GetSubjects(ctx)
	if err != nil {
		c.markDegraded()
		return err
	}
	consents, err := c.source.GetConsents(ctx)
	if err != nil {
		c.markDegraded()
		return err
	}

	c.ApplySnapshot(geofences, routes, subjects, consents)

	c.logger.Debug("Refdata snapshot refreshed",
		zap.Int("geofence_count", len(geofences)),
		zap.Int("route_count", len(routes)),
		zap.Int("subject_count", len(subjects)),
		zap.Int("consent_count", len(consents)),
	)

	return nil
}

// ApplySnapshot 原子替换当前快照
func (c *RefdataCache) ApplySnapshot(
	geofences []models.Geofence,
	routes []models.Route,
	subjects []models.Subject,
	consents []models.ConsentRecord,
) {
	routeMap := make(map[int64]models.Route, len(routes))
	for _, r := range routes {
		routeMap[r.ID] = r
	}

	subjectMap := make(map[int64]models.Subject, len(subjects))
	deviceMap := make(map[string]int64, len(subjects))
	for _, s := range subjects {
		subjectMap[s.ID] = s
		if s.AssignedDeviceID != "" {
			deviceMap[s.AssignedDeviceID] = s.ID
		}
	}

	// 同一类别取最新的记录（按 id 递增覆盖）
	consentMap := make(map[int64]map[string]models.ConsentRecord)
	for _, rec := range consents {
		byCategory, ok := consentMap[rec.PersonID]
		if !ok {
			byCategory = make(map[string]models.ConsentRecord)
			consentMap[rec.PersonID] = byCategory
		}
		if existing, ok := byCategory[rec.ConsentType]; !ok || rec.ID > existing.ID {
			byCategory[rec.ConsentType] = rec
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.geofences = geofences
	c.routes = routeMap
	c.subjects = subjectMap
	c.subjectByDevice = deviceMap
	c.consents = consentMap
	c.loaded = true
	c.degraded = false
	c.lastRefresh = time.Now()
}

func (c *RefdataCache) markDegraded() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.degraded = true
}

// ActiveGeofences 返回当前快照中的活跃围栏
func (c *RefdataCache) ActiveGeofences() []models.Geofence {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.geofences
}

// RouteByID 按 ID 查找路线
func (c *RefdataCache) RouteByID(id int64) (models.Route, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.routes[id]
	return r, ok
}

// SubjectByID 按 ID 查找人员
func (c *RefdataCache) SubjectByID(id int64) (models.Subject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.subjects[id]
	return s, ok
}

// SubjectByDevice 按绑定设备查找人员
func (c *RefdataCache) SubjectByDevice(deviceID string) (models.Subject, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.subjectByDevice[deviceID]
	if !ok {
		return models.Subject{}, false
	}
	s, ok := c.subjects[id]
	return s, ok
}

// ConsentFor 查找人员在指定类别下的同意记录
func (c *RefdataCache) ConsentFor(personID int64, category string) (models.ConsentRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	byCategory, ok := c.consents[personID]
	if !ok {
		return models.ConsentRecord{}, false
	}
	rec, ok := byCategory[category]
	return rec, ok
}

// Loaded 是否已成功加载过快照
func (c *RefdataCache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// Degraded 最近一次刷新是否失败（降级信号）
func (c *RefdataCache) Degraded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.degraded
}
