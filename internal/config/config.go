package config

import (
	"os"
	"strconv"

	pkgconfig "guardtrack-engine/pkg/config"
)

// Config 引擎服务配置
type Config struct {
	Database pkgconfig.DatabaseConfig
	Redis    pkgconfig.RedisConfig
	MQTT     pkgconfig.MQTTConfig

	// 引擎特定配置
	Engine struct {
		// Redis Streams 事件输入配置
		Streams struct {
			Location      string // 定位事件流
			Health        string // 健康数据流
			Heartbeat     string // 设备心跳流
			Panic         string // 紧急按钮流
			ConsumerGroup string
			ConsumerName  string
			BatchSize     int64
		}

		// 评估器状态缓存配置
		State struct {
			KeyPrefix string // 状态键前缀，如 "guardtrack:state:"
			TTL       int    // 状态 TTL（秒），到期即按空闲淘汰
		}

		// 参考数据快照配置
		Refdata struct {
			RefreshInterval int // 快照刷新间隔（秒）
		}

		// 地理围栏评估配置
		Geofence struct {
			AlertOnExit bool // 是否在离开围栏时报警（默认关闭）
		}

		// 路线偏移检测配置
		RouteDeviation struct {
			ThresholdMeters float64 // 偏移距离阈值（米）
			SustainedCount  int     // 连续超阈值的定位次数
			HighMultiplier  float64 // 偏移超过阈值该倍数时升级为 high
		}

		// 健康风险阈值配置
		Health struct {
			HeartRateMin         int // 心率下限
			HeartRateMax         int // 心率上限
			SpO2Critical         int // 血氧临界值（低于即 critical）
			StressThreshold      int // 压力阈值（0-100）
			StressSustainedCount int // 连续超阈值的采样次数
		}

		// 设备存活监控配置
		Liveness struct {
			OfflineThreshold int    // 离线判定阈值（秒）
			ScanInterval     int    // 扫描间隔（秒）
			DeviceKeyPrefix  string // 设备状态键前缀，如 "guardtrack:device:"
			DeviceKeySuffix  string // 设备状态键后缀，如 ":state"
		}

		// 报警生命周期配置
		Alert struct {
			CooldownSeconds int    // 去重冷却窗口（秒）
			AuditTopic      string // 审计事件 MQTT 主题
			AuditBuffer     int    // 审计队列缓冲大小
			AuditEnabled    bool   // 是否启用 MQTT 审计发布
		}
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 基础设施配置：先填默认值，再按前缀从环境变量覆盖
	cfg.Database = pkgconfig.DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		User:     "postgres",
		Password: "postgres",
		Database: "guardtrack",
		SSLMode:  "disable",
	}
	cfg.Database.LoadFromEnv("DB")

	cfg.Redis = pkgconfig.RedisConfig{
		Addr: "localhost:6379",
	}
	cfg.Redis.LoadFromEnv("REDIS")

	cfg.MQTT = pkgconfig.MQTTConfig{
		Broker:   "tcp://localhost:1883",
		ClientID: "guardtrack-engine",
		QoS:      1,
	}
	cfg.MQTT.LoadFromEnv("MQTT")

	// 事件流配置
	cfg.Engine.Streams.Location = getEnv("STREAM_LOCATION", "guardtrack:events:location")
	cfg.Engine.Streams.Health = getEnv("STREAM_HEALTH", "guardtrack:events:health")
	cfg.Engine.Streams.Heartbeat = getEnv("STREAM_HEARTBEAT", "guardtrack:events:heartbeat")
	cfg.Engine.Streams.Panic = getEnv("STREAM_PANIC", "guardtrack:events:panic")
	cfg.Engine.Streams.ConsumerGroup = getEnv("STREAM_CONSUMER_GROUP", "guardtrack-engine")
	cfg.Engine.Streams.ConsumerName = getEnv("STREAM_CONSUMER_NAME", "engine-1")
	cfg.Engine.Streams.BatchSize = int64(getEnvInt("STREAM_BATCH_SIZE", 32))

	// 状态缓存配置
	cfg.Engine.State.KeyPrefix = getEnv("STATE_KEY_PREFIX", "guardtrack:state:")
	cfg.Engine.State.TTL = getEnvInt("STATE_TTL", 86400) // 24小时空闲淘汰

	// 参考数据快照配置
	cfg.Engine.Refdata.RefreshInterval = getEnvInt("REFDATA_REFRESH_INTERVAL", 30)

	// 地理围栏配置
	cfg.Engine.Geofence.AlertOnExit = getEnvBool("GEOFENCE_ALERT_ON_EXIT", false)

	// 路线偏移配置
	cfg.Engine.RouteDeviation.ThresholdMeters = float64(getEnvInt("ROUTE_DEVIATION_THRESHOLD_METERS", 200))
	cfg.Engine.RouteDeviation.SustainedCount = getEnvInt("ROUTE_DEVIATION_SUSTAINED_COUNT", 3)
	cfg.Engine.RouteDeviation.HighMultiplier = 3.0

	// 健康风险阈值配置
	cfg.Engine.Health.HeartRateMin = getEnvInt("HEALTH_HEART_RATE_MIN", 40)
	cfg.Engine.Health.HeartRateMax = getEnvInt("HEALTH_HEART_RATE_MAX", 180)
	cfg.Engine.Health.SpO2Critical = getEnvInt("HEALTH_SPO2_CRITICAL", 90)
	cfg.Engine.Health.StressThreshold = getEnvInt("HEALTH_STRESS_THRESHOLD", 85)
	cfg.Engine.Health.StressSustainedCount = getEnvInt("HEALTH_STRESS_SUSTAINED_COUNT", 3)

	// 设备存活监控配置
	cfg.Engine.Liveness.OfflineThreshold = getEnvInt("LIVENESS_OFFLINE_THRESHOLD", 600) // 10分钟
	cfg.Engine.Liveness.ScanInterval = getEnvInt("LIVENESS_SCAN_INTERVAL", 60)
	cfg.Engine.Liveness.DeviceKeyPrefix = getEnv("LIVENESS_DEVICE_KEY_PREFIX", "guardtrack:device:")
	cfg.Engine.Liveness.DeviceKeySuffix = ":state"

	// 报警生命周期配置
	cfg.Engine.Alert.CooldownSeconds = getEnvInt("ALERT_COOLDOWN_SECONDS", 1800) // 30分钟
	cfg.Engine.Alert.AuditTopic = getEnv("ALERT_AUDIT_TOPIC", "guardtrack/audit/alerts")
	cfg.Engine.Alert.AuditBuffer = getEnvInt("ALERT_AUDIT_BUFFER", 256)
	cfg.Engine.Alert.AuditEnabled = getEnvBool("ALERT_AUDIT_ENABLED", false)

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
