package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"

	"AgentPay-Chain/internal/api"
	"AgentPay-Chain/internal/attest"
	"AgentPay-Chain/internal/config"
	"AgentPay-Chain/internal/ledger"
	"AgentPay-Chain/internal/nonce"
	"AgentPay-Chain/internal/proxy"
	"AgentPay-Chain/internal/relayer"
	"AgentPay-Chain/internal/settle"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/provider"
	"AgentPay-Chain/pkg/logger"
)

// main 是 AgentPay 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("agentpayd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	configPath := os.Getenv("AGENTPAY_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("configs", "agentpay.json")
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	// 签名私钥只从环境变量读取。
	operatorKey := strings.TrimSpace(os.Getenv(cfg.Operator.KeyEnv))
	if operatorKey == "" {
		return fmt.Errorf("缺少签名私钥: 请设置环境变量 %s", cfg.Operator.KeyEnv)
	}
	operator, err := web3.NewOperator(operatorKey)
	if err != nil {
		return err
	}

	chainDefs, err := web3.LoadChainDefinitions(cfg.Web3.ChainsFile)
	if err != nil {
		return err
	}
	registry, err := provider.NewRegistry(chainDefs, operator)
	if err != nil {
		return err
	}
	defer registry.Close()

	// nonce 协调器使用的共享存储。
	var nonceStore nonce.Store
	switch cfg.Nonce.Driver {
	case "", "memory":
		nonceStore = nonce.NewMemoryStore()
	case "redis":
		store, err := nonce.NewRedisStore(nonce.RedisStoreConfig{
			Address:  cfg.Nonce.Address,
			Password: cfg.Nonce.Password,
			DB:       cfg.Nonce.DB,
		})
		if err != nil {
			return err
		}
		defer store.Close()
		nonceStore = store
	default:
		return fmt.Errorf("未知的 nonce 存储驱动: %s", cfg.Nonce.Driver)
	}
	coordinator := nonce.NewCoordinator(nonceStore, registry)

	rly := relayer.New(registry, coordinator)

	// 账本存储。
	var store ledger.Store
	switch cfg.Storage.Ledger.Driver {
	case "", "memory":
		store = ledger.NewMemoryStore()
	case "mysql":
		mysqlStore, err := ledger.NewMySQLStore(cfg.Storage.Ledger.DSN)
		if err != nil {
			return err
		}
		store = mysqlStore
	default:
		return fmt.Errorf("未知的账本存储驱动: %s", cfg.Storage.Ledger.Driver)
	}
	defer store.Close()

	// 公证日志。
	var appender attest.Appender
	switch cfg.Attest.Driver {
	case "", "memory":
		appender = attest.NewMemoryAppender()
	case "http":
		httpAppender, err := attest.NewHTTPAppender(cfg.Attest.BaseURL)
		if err != nil {
			return err
		}
		appender = httpAppender
	default:
		return fmt.Errorf("未知的公证日志驱动: %s", cfg.Attest.Driver)
	}
	reporter := attest.NewReporter(appender)
	defer reporter.Flush()

	// 结算队列与批处理器。
	queue, err := buildSettleQueue(cfg.Settle.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("关闭结算队列失败: %v", err)
		}
	}()

	contracts, err := parseSettleContracts(cfg.Settle.Contracts)
	if err != nil {
		return err
	}
	batcher := settle.NewBatcher(store, queue, rly, registry, contracts,
		settle.WithBatchSize(cfg.Settle.BatchSize),
		settle.WithFlushInterval(cfg.Settle.FlushInterval.Std()),
	)

	batcherCtx, batcherCancel := context.WithCancel(ctx)
	defer batcherCancel()
	go func() {
		if err := batcher.Run(batcherCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("结算批处理器异常退出: %v", err)
		}
	}()

	executionProxy := proxy.New(store, reporter, queue)

	server := api.NewServer(cfg.Server.Address, executionProxy, store, registry, rly)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func buildSettleQueue(cfg config.QueueConfig) (settle.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return settle.NewMemoryQueue(1024), nil
	case "redis":
		return settle.NewRedisQueue(settle.RedisQueueConfig{
			Address:  cfg.Address,
			Password: cfg.Password,
			DB:       cfg.DB,
			Queue:    cfg.Name,
		})
	case "rabbitmq":
		return settle.NewRabbitMQQueue(settle.RabbitMQConfig{
			URL:     cfg.URL,
			Queue:   cfg.Name,
			Durable: true,
		})
	default:
		return nil, fmt.Errorf("未知的结算队列驱动: %s", cfg.Driver)
	}
}

// parseSettleContracts 把配置中的链 ID 到合约地址映射转换为内部表示。
func parseSettleContracts(raw map[string]string) (map[uint64]common.Address, error) {
	contracts := make(map[uint64]common.Address, len(raw))
	for chainID, address := range raw {
		parsed, err := strconv.ParseUint(chainID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("结算合约配置的链 ID 非法: %s", chainID)
		}
		if !common.IsHexAddress(address) {
			return nil, fmt.Errorf("结算合约地址非法: %s", address)
		}
		contracts[parsed] = common.HexToAddress(address)
	}
	return contracts, nil
}
