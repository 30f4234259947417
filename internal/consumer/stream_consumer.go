package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"guardtrack-engine/internal/config"
	"guardtrack-engine/internal/models"
	"guardtrack-engine/pkg/redisx"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// Metrics 监控指标
type Metrics struct {
	mu sync.RWMutex

	// 消息处理统计
	MessagesProcessed int64 // 处理的消息总数
	MessagesSucceeded int64 // 成功处理的消息数
	MessagesFailed    int64 // 处理失败的消息数
	MessagesBlocked   int64 // 被同意门禁拦截的消息数

	// 错误分类统计
	ErrorsParse    int64 // 解析错误
	ErrorsEvaluate int64 // 评估失败
	ErrorsPersist  int64 // 持久化失败

	// 性能指标
	TotalProcessingTime time.Duration // 总处理时间
	LastProcessTime     time.Time     // 最后处理时间

	// 启动时间
	StartTime time.Time
}

// GetSnapshot 获取指标快照（线程安全）
func (m *Metrics) GetSnapshot() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Metrics{
		MessagesProcessed:   m.MessagesProcessed,
		MessagesSucceeded:   m.MessagesSucceeded,
		MessagesFailed:      m.MessagesFailed,
		MessagesBlocked:     m.MessagesBlocked,
		ErrorsParse:         m.ErrorsParse,
		ErrorsEvaluate:      m.ErrorsEvaluate,
		ErrorsPersist:       m.ErrorsPersist,
		TotalProcessingTime: m.TotalProcessingTime,
		LastProcessTime:     m.LastProcessTime,
		StartTime:           m.StartTime,
	}
}

// IncrementProcessed 增加处理计数
func (m *Metrics) IncrementProcessed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesProcessed++
}

// IncrementSucceeded 增加成功计数
func (m *Metrics) IncrementSucceeded(duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesSucceeded++
	m.TotalProcessingTime += duration
	m.LastProcessTime = time.Now()
}

// IncrementFailed 增加失败计数
func (m *Metrics) IncrementFailed(errorType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesFailed++
	switch errorType {
	case "parse":
		m.ErrorsParse++
	case "evaluate":
		m.ErrorsEvaluate++
	case "persist":
		m.ErrorsPersist++
	}
}

// IncrementBlocked 增加同意拦截计数
func (m *Metrics) IncrementBlocked() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MessagesBlocked++
}

// EventHandler 事件处理入口（由引擎服务实现）
type EventHandler interface {
	HandleLocation(ctx context.Context, ev models.LocationEvent) error
	HandleHealth(ctx context.Context, ev models.HealthEvent) error
	HandleHeartbeat(ctx context.Context, hb models.DeviceHeartbeat) error
	HandlePanic(ctx context.Context, ev models.PanicEvent) error
}

// StreamConsumer Redis Streams 事件消费者
// 每条输入流一个消费协程，同一消费者组内按批读取、逐条处理；
// 单条失败不中断批次，读取失败走指数退避
type StreamConsumer struct {
	config      *config.Config
	redisClient *redis.Client
	handler     EventHandler
	logger      *zap.Logger
	metrics     *Metrics

	wg sync.WaitGroup
}

// NewStreamConsumer 创建事件消费者
func NewStreamConsumer(
	cfg *config.Config,
	redisClient *redis.Client,
	handler EventHandler,
	logger *zap.Logger,
) *StreamConsumer {
	return &StreamConsumer{
		config:      cfg,
		redisClient: redisClient,
		handler:     handler,
		logger:      logger,
		metrics: &Metrics{
			StartTime: time.Now(),
		},
	}
}

// Metrics 返回指标收集器
func (c *StreamConsumer) Metrics() *Metrics {
	return c.metrics
}

// Start 启动全部消费循环
// 为每条输入流创建消费者组（幂等），每条流一个消费协程
func (c *StreamConsumer) Start(ctx context.Context) error {
	streams := []string{
		c.config.Engine.Streams.Location,
		c.config.Engine.Streams.Health,
		c.config.Engine.Streams.Heartbeat,
		c.config.Engine.Streams.Panic,
	}

	for _, stream := range streams {
		if err := redisx.CreateConsumerGroup(ctx, c.redisClient, stream, c.config.Engine.Streams.ConsumerGroup); err != nil {
			return fmt.Errorf("failed to create consumer group for stream %s: %w", stream, err)
		}
	}

	for _, stream := range streams {
		c.wg.Add(1)
		go func(s string) {
			defer c.wg.Done()
			c.consumeLoop(ctx, s)
		}(stream)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.reportMetrics(ctx)
	}()

	c.logger.Info("Stream consumer started",
		zap.Strings("streams", streams),
		zap.String("consumer_group", c.config.Engine.Streams.ConsumerGroup),
		zap.String("consumer_name", c.config.Engine.Streams.ConsumerName),
	)

	return nil
}

// Wait 等待全部消费协程退出
func (c *StreamConsumer) Wait() {
	c.wg.Wait()
}

// consumeLoop 单条流的消费循环（指数退避）
func (c *StreamConsumer) consumeLoop(ctx context.Context, stream string) {
	backoffDuration := time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Stream consume loop stopped",
				zap.String("stream", stream),
			)
			return
		default:
			if err := c.consumeStream(ctx, stream); err != nil {
				if ctx.Err() != nil {
					return
				}
				c.logger.Error("Failed to consume stream",
					zap.String("stream", stream),
					zap.Error(err),
					zap.Duration("backoff", backoffDuration),
				)

				// 指数退避：等待后重试
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoffDuration):
					backoffDuration *= 2
					if backoffDuration > maxBackoff {
						backoffDuration = maxBackoff
					}
				}
			} else {
				// 成功时重置退避时间
				backoffDuration = time.Second
			}
		}
	}
}

// consumeStream 读取并处理一批消息
func (c *StreamConsumer) consumeStream(ctx context.Context, stream string) error {
	messages, err := redisx.ReadFromStream(
		ctx,
		c.redisClient,
		stream,
		c.config.Engine.Streams.ConsumerGroup,
		c.config.Engine.Streams.ConsumerName,
		c.config.Engine.Streams.BatchSize,
	)
	if err != nil {
		return fmt.Errorf("failed to read from stream: %w", err)
	}

	for _, msg := range messages {
		c.metrics.IncrementProcessed()
		if err := c.processMessage(ctx, stream, msg); err != nil {
			c.logger.Error("Failed to process message",
				zap.String("stream", stream),
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
			// 继续处理下一条消息，不中断
		}

		// 无论成败都确认，避免毒消息堆积在 pending 列表
		if err := redisx.AckMessage(ctx, c.redisClient, stream, c.config.Engine.Streams.ConsumerGroup, msg.ID); err != nil {
			c.logger.Error("Failed to ack message",
				zap.String("stream", stream),
				zap.String("stream_id", msg.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

// processMessage 处理单条消息
// 按来源流解码为对应事件类型后交给引擎
func (c *StreamConsumer) processMessage(ctx context.Context, stream string, msg redisx.StreamMessage) error {
	startTime := time.Now()

	dataStr, err := extractData(msg)
	if err != nil {
		c.metrics.IncrementFailed("parse")
		return err
	}

	switch stream {
	case c.config.Engine.Streams.Location:
		var ev models.LocationEvent
		if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
			c.metrics.IncrementFailed("parse")
			return fmt.Errorf("failed to unmarshal location event: %w", err)
		}
		if err := c.handler.HandleLocation(ctx, ev); err != nil {
			c.metrics.IncrementFailed("evaluate")
			return fmt.Errorf("failed to handle location event: %w", err)
		}

	case c.config.Engine.Streams.Health:
		var ev models.HealthEvent
		if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
			c.metrics.IncrementFailed("parse")
			return fmt.Errorf("failed to unmarshal health event: %w", err)
		}
		if err := c.handler.HandleHealth(ctx, ev); err != nil {
			c.metrics.IncrementFailed("evaluate")
			return fmt.Errorf("failed to handle health event: %w", err)
		}

	case c.config.Engine.Streams.Heartbeat:
		var hb models.DeviceHeartbeat
		if err := json.Unmarshal([]byte(dataStr), &hb); err != nil {
			c.metrics.IncrementFailed("parse")
			return fmt.Errorf("failed to unmarshal heartbeat: %w", err)
		}
		if err := c.handler.HandleHeartbeat(ctx, hb); err != nil {
			c.metrics.IncrementFailed("evaluate")
			return fmt.Errorf("failed to handle heartbeat: %w", err)
		}

	case c.config.Engine.Streams.Panic:
		var ev models.PanicEvent
		if err := json.Unmarshal([]byte(dataStr), &ev); err != nil {
			c.metrics.IncrementFailed("parse")
			return fmt.Errorf("failed to unmarshal panic event: %w", err)
		}
		if err := c.handler.HandlePanic(ctx, ev); err != nil {
			c.metrics.IncrementFailed("evaluate")
			return fmt.Errorf("failed to handle panic event: %w", err)
		}

	default:
		c.metrics.IncrementFailed("parse")
		return fmt.Errorf("unknown stream: %s", stream)
	}

	c.metrics.IncrementSucceeded(time.Since(startTime))

	return nil
}

// extractData 提取消息的 data 字段
func extractData(msg redisx.StreamMessage) (string, error) {
	val, ok := msg.Values["data"]
	if !ok {
		return "", fmt.Errorf("missing data field in message")
	}
	str, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("invalid data format in message")
	}
	return str, nil
}

// reportMetrics 定期报告指标（每60秒）
func (c *StreamConsumer) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snapshot := c.metrics.GetSnapshot()
			uptime := time.Since(snapshot.StartTime)

			var avgProcessingTime time.Duration
			if snapshot.MessagesSucceeded > 0 {
				avgProcessingTime = snapshot.TotalProcessingTime / time.Duration(snapshot.MessagesSucceeded)
			}

			successRate := float64(0)
			if snapshot.MessagesProcessed > 0 {
				successRate = float64(snapshot.MessagesSucceeded) / float64(snapshot.MessagesProcessed) * 100
			}

			c.logger.Info("Metrics report",
				zap.Int64("messages_processed", snapshot.MessagesProcessed),
				zap.Int64("messages_succeeded", snapshot.MessagesSucceeded),
				zap.Int64("messages_failed", snapshot.MessagesFailed),
				zap.Int64("messages_blocked", snapshot.MessagesBlocked),
				zap.Float64("success_rate", successRate),
				zap.Int64("errors_parse", snapshot.ErrorsParse),
				zap.Int64("errors_evaluate", snapshot.ErrorsEvaluate),
				zap.Int64("errors_persist", snapshot.ErrorsPersist),
				zap.Duration("avg_processing_time", avgProcessingTime),
				zap.Duration("uptime", uptime),
			)
		}
	}
}
