package alert

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func newTestMQTTAuditSink(buffer int) *MQTTAuditSink {
	// 不启动发布协程：只验证入队与关闭语义
	return &MQTTAuditSink{
		queue:  make(chan AuditEntry, buffer),
		logger: zap.NewNop(),
	}
}

func auditEntry(action string) AuditEntry {
	return AuditEntry{
		Action:       action,
		ResourceType: "alert",
		ResourceID:   "a-1",
		Timestamp:    time.Unix(1700000000, 0),
	}
}

func TestMQTTAuditSinkRecordAfterClose(t *testing.T) {
	sink := newTestMQTTAuditSink(4)

	sink.Record(auditEntry("alert.created"))
	sink.Close()

	// 关闭后的条目丢弃，不恐慌
	sink.Record(auditEntry("alert.resolved"))

	assert.Len(t, sink.queue, 1)
}

func TestMQTTAuditSinkCloseIdempotent(t *testing.T) {
	sink := newTestMQTTAuditSink(1)

	sink.Close()
	sink.Close()
}

func TestMQTTAuditSinkDropsWhenFull(t *testing.T) {
	sink := newTestMQTTAuditSink(1)

	sink.Record(auditEntry("alert.created"))
	sink.Record(auditEntry("alert.acknowledged"))

	assert.Len(t, sink.queue, 1)
}

func TestMQTTAuditSinkConcurrentRecordAndClose(t *testing.T) {
	sink := newTestMQTTAuditSink(8)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.Record(auditEntry("alert.created"))
		}()
	}
	sink.Close()
	wg.Wait()
}
