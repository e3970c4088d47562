package attest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// HTTPAppender 通过网关的 REST 接口写入外部共识日志。
type HTTPAppender struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAppender 创建 HTTP 公证日志客户端。
func NewHTTPAppender(baseURL string) (*HTTPAppender, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("公证日志地址不能为空")
	}
	return &HTTPAppender{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

type appendRequest struct {
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message"`
}

type appendResponse struct {
	SequenceNumber uint64 `json:"sequence_number"`
	ConsensusAt    int64  `json:"consensus_timestamp"`
}

// AppendMessage 将消息追加到指定 topic。
func (a *HTTPAppender) AppendMessage(ctx context.Context, topic string, payload []byte) (Receipt, error) {
	body, err := json.Marshal(appendRequest{Topic: topic, Message: payload})
	if err != nil {
		return Receipt{}, fmt.Errorf("编码公证请求失败: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/topics/messages", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, fmt.Errorf("构造公证请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return Receipt{}, fmt.Errorf("写入公证日志失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Receipt{}, fmt.Errorf("公证日志返回状态 %d", resp.StatusCode)
	}
	var decoded appendResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Receipt{}, fmt.Errorf("解析公证回执失败: %w", err)
	}
	return Receipt{
		SequenceNumber: decoded.SequenceNumber,
		ConsensusAt:    time.Unix(decoded.ConsensusAt, 0),
	}, nil
}

var _ Appender = (*HTTPAppender)(nil)
