package chain

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var supportedTypes = []string{"ethereum", "polygon", "bsc", "arbitrum", "optimism"}

// Manager 单链管理器
type Manager struct {
	mu        sync.RWMutex
	sendMu    sync.Mutex                         // 串行发送交易，避免 nonce 冲突
	contracts map[common.Address]*EscrowContract // 活动托管合约缓存
	client    *ethclient.Client
	abi       abi.ABI
	key       *ecdsa.PrivateKey
	config    config.ChainConfig
	nextNonce uint64 // 已签名但可能尚未广播的交易之后的 nonce
}

// NewManager 创建单链管理器
func NewManager(cfg config.ChainConfig) (*Manager, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	parsedABI, err := LoadABI(cfg.ABIPath)
	if err != nil {
		return nil, err
	}

	key, err := parsePrivateKey(cfg.PrivateKey)
	if err != nil {
		return nil, err
	}

	manager := &Manager{
		contracts: make(map[common.Address]*EscrowContract),
		abi:       parsedABI,
		key:       key,
		config:    cfg,
	}

	if err := manager.initClient(cfg); err != nil {
		return nil, fmt.Errorf("failed to initialize client: %w", err)
	}
	return manager, nil
}

func validateConfig(cfg config.ChainConfig) error {
	if cfg.RpcUrl == "" {
		return fmt.Errorf("no RPC URL configured")
	}
	for _, t := range supportedTypes {
		if cfg.ChainType == t {
			return nil
		}
	}
	return fmt.Errorf("unsupported chain type %s, supported types: %s", cfg.ChainType, strings.Join(supportedTypes, ", "))
}

// parsePrivateKey 未配置私钥时只读
func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	if hexKey == "" {
		return nil, nil
	}
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// initClient 初始化客户端
func (m *Manager) initClient(cfg config.ChainConfig) error {
	logger.Info("Creating %s client connection (chain id: %d)", cfg.ChainType, cfg.ChainId)

	client, err := ethclient.Dial(cfg.RpcUrl)
	if err != nil {
		return fmt.Errorf("failed to create %s client: %w", cfg.ChainType, err)
	}

	if _, err := client.BlockNumber(context.Background()); err != nil {
		client.Close()
		return fmt.Errorf("client connection test failed (%s): %w", cfg.ChainType, err)
	}

	m.client = client
	logger.Info("Successfully created %s client", cfg.ChainType)
	return nil
}

// GetClient 获取客户端
func (m *Manager) GetClient() *ethclient.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// GetABI 获取托管合约ABI
func (m *Manager) GetABI() abi.ABI {
	return m.abi
}

// GetConfig 获取链配置
func (m *Manager) GetConfig() config.ChainConfig {
	return m.config
}

// Contract 获取活动的托管合约，首次访问时绑定
func (m *Manager) Contract(address string) (*EscrowContract, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	addr := common.HexToAddress(address)

	m.mu.RLock()
	contract, ok := m.contracts[addr]
	m.mu.RUnlock()
	if ok {
		return contract, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if contract, ok := m.contracts[addr]; ok {
		return contract, nil
	}
	contract = NewEscrowContract(addr, m.abi, m.client)
	m.contracts[addr] = contract
	return contract, nil
}

// Send 以管理员身份串行发送一笔交易
func (m *Manager) Send(ctx context.Context, fn func(opts *bind.TransactOpts) (string, error)) (string, error) {
	if m.key == nil {
		return "", fmt.Errorf("no private key configured for chain %s", m.config.ChainType)
	}
	opts, err := bind.NewKeyedTransactorWithChainID(m.key, big.NewInt(m.config.ChainId))
	if err != nil {
		return "", fmt.Errorf("failed to create transactor: %w", err)
	}
	opts.Context = ctx

	m.sendMu.Lock()
	defer m.sendMu.Unlock()

	reserved := false
	if m.nextNonce > 0 && m.client != nil {
		pending, err := m.client.PendingNonceAt(ctx, crypto.PubkeyToAddress(m.key.PublicKey))
		if err != nil {
			return "", fmt.Errorf("failed to get pending nonce: %w", err)
		}
		if m.nextNonce > pending {
			opts.Nonce = new(big.Int).SetUint64(m.nextNonce)
			reserved = true
		}
	}
	hash, err := fn(opts)
	if err == nil && reserved {
		m.reserveNonce(opts.Nonce.Uint64())
	}
	return hash, err
}

// reserveNonce 记录离线签名占用的 nonce，调用方需持有 sendMu
func (m *Manager) reserveNonce(nonce uint64) {
	if nonce+1 > m.nextNonce {
		m.nextNonce = nonce + 1
	}
}

// GetHealthStatus 获取健康状态
func (m *Manager) GetHealthStatus(ctx context.Context) map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	health := map[string]interface{}{
		"chain_type":    m.config.ChainType,
		"chain_id":      m.config.ChainId,
		"client_status": "connected",
		"contracts":     len(m.contracts),
		"read_only":     m.key == nil,
	}
	if m.client == nil {
		health["client_status"] = "not_initialized"
	} else if head, err := m.client.BlockNumber(ctx); err != nil {
		health["client_status"] = "disconnected"
	} else {
		health["head_block"] = head
	}
	return health
}

// Close 关闭管理器
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil {
		m.client.Close()
	}
	logger.Info("Chain manager closed")
	return nil
}
