package attest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

type flakyAppender struct {
	mu        sync.Mutex
	failures  int
	delivered []string
}

func (f *flakyAppender) AppendMessage(_ context.Context, topic string, _ []byte) (Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return Receipt{}, errors.New("consensus node unavailable")
	}
	f.delivered = append(f.delivered, topic)
	return Receipt{SequenceNumber: uint64(len(f.delivered)), ConsensusAt: time.Now()}, nil
}

func TestReportDeliversEvent(t *testing.T) {
	appender := NewMemoryAppender()
	reporter := NewReporter(appender)

	status := 200
	reporter.Report(Event{
		Kind:           KindExecutionSuccess,
		Topic:          "0.0.100",
		AgentID:        "agent-1",
		ExecutionID:    "exec-1",
		Cost:           "4",
		UpstreamStatus: &status,
	})
	reporter.Flush()

	messages := appender.Messages()
	if len(messages) != 1 {
		t.Fatalf("预期 1 条消息, 实际 %d", len(messages))
	}
	if messages[0].Topic != "0.0.100" {
		t.Fatalf("topic 不正确: %s", messages[0].Topic)
	}

	var decoded Event
	if err := json.Unmarshal(messages[0].Payload, &decoded); err != nil {
		t.Fatalf("解析消息失败: %v", err)
	}
	if decoded.Kind != KindExecutionSuccess || decoded.ExecutionID != "exec-1" {
		t.Fatalf("事件内容不正确: %+v", decoded)
	}
	if decoded.OccurredAt.IsZero() {
		t.Fatal("OccurredAt 应被自动填充")
	}
}

func TestReportRetriesTransientFailure(t *testing.T) {
	appender := &flakyAppender{failures: 2}
	reporter := NewReporter(appender, WithRetry(2, time.Millisecond))

	reporter.Report(Event{Kind: KindExecutionFailure, Topic: "0.0.200"})
	reporter.Flush()

	appender.mu.Lock()
	delivered := len(appender.delivered)
	appender.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("重试后应投递成功, 实际 %d 条", delivered)
	}
}

func TestReportNeverFailsCaller(t *testing.T) {
	appender := &flakyAppender{failures: 100}
	reporter := NewReporter(appender, WithRetry(1, time.Millisecond))

	// 投递失败不会传播给调用方，Flush 也必须正常返回。
	reporter.Report(Event{Kind: KindCommerceComplete, Topic: "0.0.300"})
	reporter.Flush()
}

func TestNilReporterIsNoop(t *testing.T) {
	var reporter *Reporter
	reporter.Report(Event{Kind: KindExecutionSuccess})
	reporter.Flush()
}
