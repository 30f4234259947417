package service

import (
	"context"
	"database/sql"
	"fmt"

	"guardtrack-engine/internal/alert"
	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/consent"
	"guardtrack-engine/internal/consumer"
	"guardtrack-engine/internal/evaluator"
	"guardtrack-engine/internal/repository"
	"guardtrack-engine/pkg/database"
	"guardtrack-engine/pkg/mqttx"
	"guardtrack-engine/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// EngineService 评估引擎服务（整合各层）
type EngineService struct {
	config      *config.Config
	db          *sql.DB
	redisClient *redis.Client
	mqttClient  *mqttx.Client
	logger      *zap.Logger

	// 各层组件
	refdataRepo    *repository.RefdataRepository
	alertsRepo     *repository.AlertsRepository
	deviceSyncRepo *repository.DeviceSyncRepository
	refdataCache   *consumer.RefdataCache
	stateManager   *consumer.StateManager
	streamConsumer *consumer.StreamConsumer
	consentGate    *consent.Gate
	alertManager   *alert.Manager
	auditSink      alert.AuditSink
	engine         *Engine

	cancel context.CancelFunc
}

// NewEngineService 创建评估引擎服务
func NewEngineService(cfg *config.Config, logger *zap.Logger) (*EngineService, error) {
	// 1. 连接数据库
	db, err := database.NewPostgresDB(&cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	// 2. 连接 Redis
	redisClient := redisx.NewRedisClient(&cfg.Redis)
	if err := redisx.Ping(context.Background(), redisClient); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	// 3. 创建 Repository 层
	refdataRepo := repository.NewRefdataRepository(db, logger)
	alertsRepo := repository.NewAlertsRepository(db, logger)
	deviceSyncRepo := repository.NewDeviceSyncRepository(db, logger)

	// 4. 创建快照缓存和状态管理器
	refdataCache := consumer.NewRefdataCache(cfg, refdataRepo, logger)
	stateManager := consumer.NewStateManager(cfg, redisClient, logger)

	// 5. 创建同意门禁
	consentGate := consent.NewGate(refdataCache, logger)

	// 6. 创建审计端（MQTT 可选，关闭时走结构化日志）
	var mqttClient *mqttx.Client
	var auditSink alert.AuditSink
	if cfg.Engine.Alert.AuditEnabled {
		mqttClient, err = mqttx.NewClient(&cfg.MQTT)
		if err != nil {
			return nil, fmt.Errorf("failed to connect mqtt broker: %w", err)
		}
		auditSink = alert.NewMQTTAuditSink(
			mqttClient,
			cfg.Engine.Alert.AuditTopic,
			cfg.MQTT.QoS,
			cfg.Engine.Alert.AuditBuffer,
			logger,
		)
	} else {
		auditSink = alert.NewLogAuditSink(logger)
	}

	// 7. 创建报警生命周期管理器
	alertManager := alert.NewManager(cfg, alertsRepo, auditSink, logger)

	// 8. 创建评估器和存活监控
	eval := evaluator.NewEvaluator(cfg, stateManager, refdataCache, logger)
	liveness := evaluator.NewLivenessMonitor(cfg, stateManager, refdataCache, logger)

	// 9. 组装引擎
	engine := NewEngine(cfg, stateManager, eval, liveness, consentGate, alertManager, deviceSyncRepo, logger)

	// 10. 创建事件消费者
	streamConsumer := consumer.NewStreamConsumer(cfg, redisClient, engine, logger)

	return &EngineService{
		config:         cfg,
		db:             db,
		redisClient:    redisClient,
		mqttClient:     mqttClient,
		logger:         logger,
		refdataRepo:    refdataRepo,
		alertsRepo:     alertsRepo,
		deviceSyncRepo: deviceSyncRepo,
		refdataCache:   refdataCache,
		stateManager:   stateManager,
		streamConsumer: streamConsumer,
		consentGate:    consentGate,
		alertManager:   alertManager,
		auditSink:      auditSink,
		engine:         engine,
	}, nil
}

// Engine 返回事件评估引擎
func (s *EngineService) Engine() *Engine {
	return s.engine
}

// AlertManager 返回报警生命周期管理器
func (s *EngineService) AlertManager() *alert.Manager {
	return s.alertManager
}

// Start 启动服务
// 先同步加载一次参考数据快照，再启动刷新循环、事件消费和存活扫描
func (s *EngineService) Start(ctx context.Context) error {
	s.logger.Info("Starting guardtrack engine service")

	ctx, s.cancel = context.WithCancel(ctx)

	if err := s.refdataCache.Refresh(ctx); err != nil {
		// 启动时刷新失败不致命：刷新循环会重试，快照就绪前事件被降级跳过
		s.logger.Error("Failed to load initial refdata snapshot",
			zap.Error(err),
		)
	}
	go s.refdataCache.Start(ctx)

	if err := s.streamConsumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start stream consumer: %w", err)
	}

	go s.engine.RunLiveness(ctx)

	return nil
}

// Stop 停止服务
func (s *EngineService) Stop() error {
	s.logger.Info("Stopping guardtrack engine service")

	s.engine.Close()
	if s.cancel != nil {
		s.cancel()
	}
	s.streamConsumer.Wait()

	if sink, ok := s.auditSink.(*alert.MQTTAuditSink); ok {
		sink.Close()
	}
	if s.mqttClient != nil {
		s.mqttClient.Disconnect()
	}

	if err := redisx.Close(s.redisClient); err != nil {
		s.logger.Error("Failed to close redis client",
			zap.Error(err),
		)
	}
	if err := database.Close(s.db); err != nil {
		s.logger.Error("Failed to close database",
			zap.Error(err),
		)
	}

	return nil
}
