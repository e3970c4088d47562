package attest

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"AgentPay-Chain/pkg/logger"
)

// Kind 表示外部公证日志中的事件类型。
type Kind string

const (
	KindExecutionSuccess Kind = "execution_success"
	KindExecutionFailure Kind = "execution_failure"
	KindCommerceComplete Kind = "commerce_complete"
)

// Event 描述一条待公证的事件。金额以字符串形式携带，避免精度丢失。
type Event struct {
	Kind           Kind      `json:"kind"`
	Topic          string    `json:"topic"`
	AgentID        string    `json:"agent_id"`
	ToolID         string    `json:"tool_id,omitempty"`
	ExecutionID    string    `json:"execution_id,omitempty"`
	ChainID        uint64    `json:"chain_id,omitempty"`
	Cost           string    `json:"cost,omitempty"`
	UpstreamStatus *int      `json:"upstream_status,omitempty"`
	ParamsHash     string    `json:"params_hash,omitempty"`
	ResultHash     string    `json:"result_hash,omitempty"`
	CommerceNonce  string    `json:"commerce_nonce,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Receipt 是公证日志返回的写入凭据。
type Receipt struct {
	SequenceNumber uint64    `json:"sequence_number"`
	ConsensusAt    time.Time `json:"consensus_at"`
}

// Appender 抽象外部的追加式共识日志。
type Appender interface {
	AppendMessage(ctx context.Context, topic string, payload []byte) (Receipt, error)
}

// Reporter 将事件以"尽力而为"的方式投递到公证日志：
// 不阻塞调用方、不把投递失败转化为调用方错误，只在权威状态落库之后调用。
type Reporter struct {
	appender   Appender
	maxRetries int
	backoff    time.Duration
	timeout    time.Duration
	wg         sync.WaitGroup
}

// ReporterOption 定义上报器的可选配置。
type ReporterOption func(*Reporter)

// WithRetry 覆盖投递失败后的重试次数与退避间隔。
func WithRetry(maxRetries int, backoff time.Duration) ReporterOption {
	return func(r *Reporter) {
		if maxRetries >= 0 {
			r.maxRetries = maxRetries
		}
		if backoff > 0 {
			r.backoff = backoff
		}
	}
}

// NewReporter 构造上报器。
func NewReporter(appender Appender, opts ...ReporterOption) *Reporter {
	r := &Reporter{
		appender:   appender,
		maxRetries: 2,
		backoff:    500 * time.Millisecond,
		timeout:    10 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Report 异步投递事件。任何失败只记录日志。
func (r *Reporter) Report(event Event) {
	if r == nil || r.appender == nil {
		return
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.deliver(event)
	}()
}

// Flush 等待所有在途投递结束，用于进程退出与测试。
func (r *Reporter) Flush() {
	if r == nil {
		return
	}
	r.wg.Wait()
}

func (r *Reporter) deliver(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		logger.L().Error("公证事件序列化失败",
			slog.String("kind", string(event.Kind)),
			slog.Any("error", err),
		)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(r.backoff * time.Duration(attempt)):
			}
			if ctx.Err() != nil {
				break
			}
		}
		receipt, err := r.appender.AppendMessage(ctx, event.Topic, payload)
		if err == nil {
			logger.Audit().Info("公证事件已写入",
				slog.String("kind", string(event.Kind)),
				slog.String("topic", event.Topic),
				slog.String("execution_id", event.ExecutionID),
				slog.Uint64("sequence", receipt.SequenceNumber),
			)
			return
		}
		lastErr = err
	}
	logger.L().Warn("公证事件投递失败",
		slog.String("kind", string(event.Kind)),
		slog.String("topic", event.Topic),
		slog.String("execution_id", event.ExecutionID),
		slog.Any("error", lastErr),
	)
}
