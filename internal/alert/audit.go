package alert

import (
	"encoding/json"
	"sync"
	"time"

	"guardtrack-engine/pkg/mqttx"

	"go.uber.org/zap"
)

// AuditEntry 审计条目（对应 audit_logs 表的 action/resource/old/new 结构）
type AuditEntry struct {
	Action       string                 `json:"action"`
	ResourceType string                 `json:"resource_type"`
	ResourceID   string                 `json:"resource_id"`
	OldValues    map[string]interface{} `json:"old_values,omitempty"`
	NewValues    map[string]interface{} `json:"new_values,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
}

// AuditSink 审计事件接收端
// 实现必须尽力而为且不阻塞：审计失败绝不能使生命周期转换失败
type AuditSink interface {
	Record(entry AuditEntry)
}

// NopAuditSink 空审计端（测试用）
type NopAuditSink struct{}

// Record 丢弃条目
func (NopAuditSink) Record(AuditEntry) {}

// LogAuditSink 基于结构化日志的审计端
type LogAuditSink struct {
	logger *zap.Logger
}

// NewLogAuditSink 创建日志审计端
func NewLogAuditSink(logger *zap.Logger) *LogAuditSink {
	return &LogAuditSink{logger: logger}
}

// Record 以结构化日志输出审计条目
func (s *LogAuditSink) Record(entry AuditEntry) {
	s.logger.Info("Audit event",
		zap.String("action", entry.Action),
		zap.String("resource_type", entry.ResourceType),
		zap.String("resource_id", entry.ResourceID),
		zap.Any("old_values", entry.OldValues),
		zap.Any("new_values", entry.NewValues),
		zap.Time("audit_ts", entry.Timestamp),
	)
}

// MQTTAuditSink 基于 MQTT 的审计端
// 条目进入有界队列由后台协程发布；队列满时丢弃并计日志，不阻塞调用方
type MQTTAuditSink struct {
	client *mqttx.Client
	topic  string
	qos    byte
	queue  chan AuditEntry
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// NewMQTTAuditSink 创建 MQTT 审计端并启动发布协程
func NewMQTTAuditSink(client *mqttx.Client, topic string, qos byte, buffer int, logger *zap.Logger) *MQTTAuditSink {
	s := &MQTTAuditSink{
		client: client,
		topic:  topic,
		qos:    qos,
		queue:  make(chan AuditEntry, buffer),
		logger: logger,
	}
	go s.publishLoop()
	return s
}

// Record 入队审计条目（非阻塞）
// 关闭后的条目直接丢弃，与 Close 并发调用安全
func (s *MQTTAuditSink) Record(entry AuditEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		s.logger.Warn("Audit sink closed, dropping entry",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
		)
		return
	}

	select {
	case s.queue <- entry:
	default:
		s.logger.Warn("Audit queue full, dropping entry",
			zap.String("action", entry.Action),
			zap.String("resource_id", entry.ResourceID),
		)
	}
}

// Close 停止接收新条目并关闭队列，发布协程排空后退出
// 重复调用幂等
func (s *MQTTAuditSink) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	close(s.queue)
}

func (s *MQTTAuditSink) publishLoop() {
	for entry := range s.queue {
		payload, err := json.Marshal(entry)
		if err != nil {
			s.logger.Error("Failed to marshal audit entry",
				zap.Error(err),
			)
			continue
		}
		if err := s.client.Publish(s.topic, s.qos, false, payload); err != nil {
			// 尽力而为：发布失败只记录，不重试
			s.logger.Error("Failed to publish audit entry",
				zap.String("action", entry.Action),
				zap.Error(err),
			)
		}
	}
}
