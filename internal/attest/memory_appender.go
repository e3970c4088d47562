package attest

import (
	"context"
	"sync"
	"time"
)

// MemoryAppender 将公证消息留在进程内，用于测试与开发环境。
type MemoryAppender struct {
	mu       sync.Mutex
	sequence uint64
	messages []AppendedMessage
}

// AppendedMessage 记录一次写入的原始内容。
type AppendedMessage struct {
	Topic    string
	Payload  []byte
	Sequence uint64
}

// NewMemoryAppender 创建内存公证日志。
func NewMemoryAppender() *MemoryAppender {
	return &MemoryAppender{}
}

func (a *MemoryAppender) AppendMessage(_ context.Context, topic string, payload []byte) (Receipt, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sequence++
	cloned := make([]byte, len(payload))
	copy(cloned, payload)
	a.messages = append(a.messages, AppendedMessage{Topic: topic, Payload: cloned, Sequence: a.sequence})
	return Receipt{SequenceNumber: a.sequence, ConsensusAt: time.Now()}, nil
}

// Messages 返回已写入消息的副本。
func (a *MemoryAppender) Messages() []AppendedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	cloned := make([]AppendedMessage, len(a.messages))
	copy(cloned, a.messages)
	return cloned
}

var _ Appender = (*MemoryAppender)(nil)
