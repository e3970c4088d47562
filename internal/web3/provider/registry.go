package provider

import (
	"context"
	"sort"
	"strings"
	"sync"

	xerrors "AgentPay-Chain/internal/errors"
	"AgentPay-Chain/internal/web3"
	"AgentPay-Chain/internal/web3/ethereum"
)

// Dialer 构造指定链的访问句柄，测试中可以替换为内存实现。
type Dialer func(ctx context.Context, chain web3.ChainDescriptor) (web3.Backend, error)

// Registry 管理全部已注册链的静态描述与懒加载的客户端句柄。
// 同一条链并发首次访问时只会构造一个客户端。
type Registry struct {
	operator *web3.Operator
	dial     Dialer

	descriptors map[string]web3.ChainDescriptor
	keysByID    map[uint64]string

	mu      sync.Mutex
	clients map[string]web3.Backend
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithDialer 覆盖默认的 RPC 拨号逻辑。
func WithDialer(dial Dialer) Option {
	return func(r *Registry) {
		if dial != nil {
			r.dial = dial
		}
	}
}

// NewRegistry 加载链定义并构造注册表。客户端在首次使用时才会拨号。
func NewRegistry(defs web3.ChainDefinitions, operator *web3.Operator, opts ...Option) (*Registry, error) {
	if len(defs.Chains) == 0 {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置任何链")
	}

	descriptors := make(map[string]web3.ChainDescriptor, len(defs.Chains))
	keysByID := make(map[uint64]string, len(defs.Chains))
	for key, def := range defs.Chains {
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "链的 key 不能为空")
		}
		if existing, ok := keysByID[def.ChainID]; ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument,
				"链 "+key+" 与 "+existing+" 使用了相同的 chain_id")
		}
		descriptors[key] = web3.ChainDescriptor{
			Key:         key,
			ChainID:     def.ChainID,
			Name:        def.Name,
			Currency:    def.Currency,
			RPCURL:      def.RPCURL,
			ExplorerURL: def.ExplorerURL,
		}
		keysByID[def.ChainID] = key
	}

	r := &Registry{
		operator:    operator,
		descriptors: descriptors,
		keysByID:    keysByID,
		clients:     make(map[string]web3.Backend, len(descriptors)),
		dial: func(ctx context.Context, chain web3.ChainDescriptor) (web3.Backend, error) {
			return ethereum.NewClient(ctx, ethereum.Config{Name: chain.Key, RPCURL: chain.RPCURL})
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Describe 返回指定链的静态描述。
func (r *Registry) Describe(chainKey string) (web3.ChainDescriptor, error) {
	desc, ok := r.descriptors[chainKey]
	if !ok {
		return web3.ChainDescriptor{}, xerrors.New(xerrors.CodeUnknownChain, "",
			xerrors.WithMetadata("chain", chainKey))
	}
	return desc, nil
}

// ResolveChainKeyByID 通过数字链 ID 反查链的 key。
func (r *Registry) ResolveChainKeyByID(chainID uint64) (string, error) {
	key, ok := r.keysByID[chainID]
	if !ok {
		return "", xerrors.New(xerrors.CodeUnknownChain, "chain id not registered")
	}
	return key, nil
}

// ReadClient 返回指定链的只读访问句柄，按需构造并缓存。
func (r *Registry) ReadClient(ctx context.Context, chainKey string) (web3.Backend, error) {
	desc, err := r.Describe(chainKey)
	if err != nil {
		return nil, err
	}
	return r.client(ctx, desc)
}

// WriteClient 返回绑定操作员签名器的写入句柄。所有链共用同一把操作员私钥。
func (r *Registry) WriteClient(ctx context.Context, chainKey string) (*web3.SigningBackend, error) {
	desc, err := r.Describe(chainKey)
	if err != nil {
		return nil, err
	}
	if r.operator == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "注册表未配置操作员私钥")
	}
	backend, err := r.client(ctx, desc)
	if err != nil {
		return nil, err
	}
	return &web3.SigningBackend{Backend: backend, Chain: desc, Operator: r.operator}, nil
}

// TransactionCount 查询操作员地址在指定链上的交易计数，
// 是 nonce 协调器冷启动时的引导数据来源。
func (r *Registry) TransactionCount(ctx context.Context, chainID uint64) (uint64, error) {
	key, err := r.ResolveChainKeyByID(chainID)
	if err != nil {
		return 0, err
	}
	client, err := r.ReadClient(ctx, key)
	if err != nil {
		return 0, err
	}
	return client.TransactionCount(ctx, r.operator.Address())
}

// Operator 返回共享的操作员签名器。
func (r *Registry) Operator() *web3.Operator {
	return r.operator
}

// Chains 返回已注册链的描述列表，按 key 排序。
func (r *Registry) Chains() []web3.ChainDescriptor {
	keys := make([]string, 0, len(r.descriptors))
	for key := range r.descriptors {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	chains := make([]web3.ChainDescriptor, 0, len(keys))
	for _, key := range keys {
		chains = append(chains, r.descriptors[key])
	}
	return chains
}

// Close 释放全部已构造的客户端。
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, client := range r.clients {
		if client != nil {
			client.Close()
		}
		delete(r.clients, key)
	}
}

func (r *Registry) client(ctx context.Context, desc web3.ChainDescriptor) (web3.Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if client, ok := r.clients[desc.Key]; ok {
		return client, nil
	}
	client, err := r.dial(ctx, desc)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "初始化链 "+desc.Key+" 失败")
	}
	r.clients[desc.Key] = client
	return client, nil
}
