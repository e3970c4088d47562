package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Config 描述了 AgentPay 守护进程在启动阶段需要加载的核心配置。
// 签名私钥不允许写进配置文件，只能通过 Operator.KeyEnv 指定的环境变量注入。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Storage  StorageConfig  `json:"storage"`
	Nonce    NonceConfig    `json:"nonce"`
	Settle   SettleConfig   `json:"settle"`
	Web3     Web3Config     `json:"web3"`
	Attest   AttestConfig   `json:"attest"`
	Operator OperatorConfig `json:"operator"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address string `json:"address"`
}

// StorageConfig 描述账本存储的后端选择。
type StorageConfig struct {
	Ledger LedgerStoreConfig `json:"ledger"`
}

// LedgerStoreConfig 支持 memory 与 mysql 两种驱动。
type LedgerStoreConfig struct {
	Driver string `json:"driver"`
	DSN    string `json:"dsn"`
}

// NonceConfig 描述链上 nonce 协调器使用的共享存储。
// memory 驱动只适合单实例部署，多实例必须用 redis。
type NonceConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// SettleConfig 描述结算队列与批处理参数。
type SettleConfig struct {
	Queue         QueueConfig       `json:"queue"`
	Contracts     map[string]string `json:"contracts"`
	BatchSize     int               `json:"batch_size"`
	FlushInterval Duration          `json:"flush_interval"`
}

// QueueConfig 支持 memory、redis、rabbitmq 三种驱动。
type QueueConfig struct {
	Driver   string `json:"driver"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	URL      string `json:"url"`
	Name     string `json:"name"`
}

// Web3Config 指向链定义文件。
type Web3Config struct {
	ChainsFile string `json:"chains_file"`
}

// AttestConfig 描述外部公证日志的接入方式。driver 为空或 memory 时
// 使用进程内实现，http 时通过网关写入。
type AttestConfig struct {
	Driver  string `json:"driver"`
	BaseURL string `json:"base_url"`
}

// OperatorConfig 指定携带签名私钥的环境变量名。
type OperatorConfig struct {
	KeyEnv string `json:"key_env"`
}

// Duration 让 JSON 配置可以写 "15s" 这样的时长字符串。
type Duration time.Duration

// UnmarshalJSON 实现 json.Unmarshaler。
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("解析时长失败: %w", err)
	}
	*d = Duration(parsed)
	return nil
}

// Std 返回标准库的 time.Duration。
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.Ledger.Driver == "" {
		c.Storage.Ledger.Driver = "memory"
	}

	if c.Nonce.Driver == "" {
		c.Nonce.Driver = "memory"
	}

	if c.Settle.Queue.Driver == "" {
		c.Settle.Queue.Driver = "memory"
	}
	if c.Settle.BatchSize <= 0 {
		c.Settle.BatchSize = 20
	}
	if c.Settle.FlushInterval <= 0 {
		c.Settle.FlushInterval = Duration(15 * time.Second)
	}

	if c.Web3.ChainsFile == "" {
		c.Web3.ChainsFile = filepath.Join(baseDir, "chains.yaml")
	} else if !filepath.IsAbs(c.Web3.ChainsFile) {
		c.Web3.ChainsFile = filepath.Join(baseDir, c.Web3.ChainsFile)
	}

	if c.Attest.Driver == "" {
		c.Attest.Driver = "memory"
	}

	if c.Operator.KeyEnv == "" {
		c.Operator.KeyEnv = "AGENTPAY_OPERATOR_KEY"
	}
}
