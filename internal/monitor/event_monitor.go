package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/blues/mfs/internal/chain"
	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/idempotency"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/panjf2000/ants/v2"
)

const (
	defaultPoolSize = 8
	// maxEventAttempts 事件处理失败的最大重放次数
	maxEventAttempts = 5
	retryBatchSize   = 100
)

// LogSource 日志来源，生产环境为 chain.Block
type LogSource interface {
	GetBatchBlockLogs(ctx context.Context, contractAddresses []common.Address, fromBlock, toBlock int64) ([]types.Log, error)
	GetCurrentBlockNumber(ctx context.Context) (int64, error)
}

// EventMonitor 区块链事件监控器
type EventMonitor struct {
	source     LogSource
	abi        abi.ABI
	store      repository.Store
	processors *ProcessorManager
	dedupe     idempotency.Store
	dedupeTTL  time.Duration
	cfg        config.ChainConfig
	pool       *ants.Pool

	mu              sync.RWMutex // 保护 startBlockNum 与重试状态
	startBlockNum   int64
	retryCount      int
	backoffDuration time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// NewEventMonitor 创建事件监控器
func NewEventMonitor(source LogSource, parsedABI abi.ABI, store repository.Store, engine *logic.Engine,
	dedupe idempotency.Store, dedupeTTL time.Duration, cfg config.ChainConfig) (*EventMonitor, error) {
	pool, err := ants.NewPool(defaultPoolSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create monitor pool: %w", err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if dedupeTTL <= 0 {
		dedupeTTL = 7 * 24 * time.Hour
	}
	return &EventMonitor{
		source:     source,
		abi:        parsedABI,
		store:      store,
		processors: NewProcessorManager(engine, store),
		dedupe:     dedupe,
		dedupeTTL:  dedupeTTL,
		cfg:        cfg,
		pool:       pool,

		startBlockNum: cfg.StartBlock,
	}, nil
}

// Start 检查连接并启动轮询
func (m *EventMonitor) Start(ctx context.Context) error {
	logger.Info("Starting blockchain event monitor")

	currentBlock, err := m.source.GetCurrentBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to connect to blockchain: %w", err)
	}
	logger.Info("Connected to blockchain, current block: %d", currentBlock)

	startBlock, err := m.resolveStartBlock(ctx)
	if err != nil {
		return err
	}
	m.updateStartBlockNum(startBlock)
	logger.Info("Starting monitor from block %d", startBlock)

	loopCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.loop(loopCtx)
	return nil
}

// Stop 停止监控并释放协程池
func (m *EventMonitor) Stop() {
	logger.Info("Stopping blockchain event monitor")
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
	m.pool.Release()
}

func (m *EventMonitor) loop(ctx context.Context) {
	defer close(m.done)

	interval := time.Duration(m.cfg.PollInterval) * time.Second
	if interval <= 0 {
		interval = 30 * time.Second
	}
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Monitor stopped")
			return
		case <-timer.C:
			if err := m.Poll(ctx); err != nil {
				m.handleError(err)
			} else {
				m.resetBackoff()
			}
			timer.Reset(interval + m.currentBackoff())
		}
	}
}

// resolveStartBlock 配置起点与已处理最大区块取较大者
func (m *EventMonitor) resolveStartBlock(ctx context.Context) (int64, error) {
	maxProcessed, err := m.store.MaxEventBlock(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to get max processed block: %w", err)
	}
	start := m.cfg.StartBlock
	if maxProcessed >= start {
		start = maxProcessed + 1
	}
	logger.Info("Final start block: %d (config: %d, db: %d)", start, m.cfg.StartBlock, maxProcessed)
	return start, nil
}

// Poll 处理从起始区块到已确认区块之间的日志
func (m *EventMonitor) Poll(ctx context.Context) error {
	head, err := m.source.GetCurrentBlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get current block number: %w", err)
	}

	// 只处理达到确认数的区块，避免链重组
	safeHead := head
	if m.cfg.Confirmations > 1 {
		safeHead = head - m.cfg.Confirmations + 1
	}

	campaigns, err := m.store.ListCampaignsWithContract(ctx)
	if err != nil {
		return fmt.Errorf("failed to list campaign contracts: %w", err)
	}
	if len(campaigns) == 0 {
		logger.Debug("No campaign contracts to monitor")
		return nil
	}

	m.retryUnprocessed(ctx, campaigns)

	from := m.getStartBlockNum()
	for from <= safeHead {
		to := from + m.cfg.BatchSize - 1
		if to > safeHead {
			to = safeHead
		}
		if err := m.processBatchBlocks(ctx, campaigns, from, to); err != nil {
			return err
		}
		m.updateStartBlockNum(to + 1)
		from = to + 1
	}
	return nil
}

// processBatchBlocks 拉取一批区块的日志，按合约分组后在协程池中处理
func (m *EventMonitor) processBatchBlocks(ctx context.Context, campaigns []model.CampaignModel, fromBlock, toBlock int64) error {
	addresses := make([]common.Address, 0, len(campaigns))
	byAddress := make(map[common.Address]*model.CampaignModel, len(campaigns))
	for i := range campaigns {
		if !common.IsHexAddress(campaigns[i].ContractAddress) {
			logger.Warn("Campaign %d has invalid contract address %q", campaigns[i].Id, campaigns[i].ContractAddress)
			continue
		}
		address := common.HexToAddress(campaigns[i].ContractAddress)
		addresses = append(addresses, address)
		byAddress[address] = &campaigns[i]
	}
	if len(addresses) == 0 {
		return nil
	}

	logs, err := m.source.GetBatchBlockLogs(ctx, addresses, fromBlock, toBlock)
	if err != nil {
		return fmt.Errorf("error getting logs for blocks %d-%d: %w", fromBlock, toBlock, err)
	}
	if len(logs) == 0 {
		logger.Debug("No logs found for blocks %d-%d", fromBlock, toBlock)
		return nil
	}
	logger.Debug("Found %d logs for blocks %d-%d", len(logs), fromBlock, toBlock)

	// 同一合约的日志保持顺序，不同合约并发
	var wg sync.WaitGroup
	for address, contractLogs := range groupLogsByContract(logs) {
		campaign := byAddress[address]
		if campaign == nil {
			logger.Warn("Unknown contract address: %s", address.Hex())
			continue
		}
		contractLogs := contractLogs
		wg.Add(1)
		if err := m.pool.Submit(func() {
			defer wg.Done()
			m.processContractLogs(ctx, campaign, contractLogs)
		}); err != nil {
			wg.Done()
			logger.Error("Failed to submit task to pool: %v", err)
			m.processContractLogs(ctx, campaign, contractLogs)
		}
	}
	wg.Wait()
	return nil
}

// processContractLogs 处理单个合约的日志
func (m *EventMonitor) processContractLogs(ctx context.Context, campaign *model.CampaignModel, logs []types.Log) {
	contract := chain.NewEscrowContract(common.HexToAddress(campaign.ContractAddress), m.abi, nil)
	for _, log := range logs {
		if log.Removed {
			continue
		}
		if err := m.processLog(ctx, campaign, contract, log); err != nil {
			logger.Error("Error processing event %s:%d for campaign %d: %v", log.TxHash.Hex(), log.Index, campaign.Id, err)
		}
	}
}

func (m *EventMonitor) processLog(ctx context.Context, campaign *model.CampaignModel, contract *chain.EscrowContract, log types.Log) error {
	eventId := fmt.Sprintf("%s:%d", strings.ToLower(log.TxHash.Hex()), log.Index)
	isNew, err := m.dedupe.MarkProcessed(ctx, eventId, m.dedupeTTL)
	if err != nil {
		return err
	}
	if !isNew {
		logger.Debug("Skipping already processed event %s", eventId)
		return nil
	}

	if err := m.handleLog(ctx, campaign, contract, log); err != nil {
		// 撤销标记，事件行保持未处理，由后续轮询重放
		if ferr := m.dedupe.Forget(context.WithoutCancel(ctx), eventId); ferr != nil {
			logger.Error("Failed to forget event %s: %v", eventId, ferr)
		}
		return err
	}
	return nil
}

// handleLog 落库并执行处理器，已存在且未处理完成的事件行会被重新执行
func (m *EventMonitor) handleLog(ctx context.Context, campaign *model.CampaignModel, contract *chain.EscrowContract, log types.Log) error {
	event, err := contract.ParseEvent(log)
	if err != nil {
		return err
	}
	if event.Name == "" {
		return nil
	}

	data, err := json.Marshal(event.Fields)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	record := &model.EventModel{
		CampaignId:      campaign.Id,
		ContractAddress: campaign.ContractAddress,
		EventName:       event.Name,
		TxHash:          event.TxHash,
		LogIndex:        event.LogIndex,
		BlockNum:        event.BlockNumber,
		Data:            string(data),
	}
	inserted, err := m.store.SaveEvent(ctx, record)
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	if !inserted {
		record, err = m.store.GetEvent(ctx, event.TxHash, event.LogIndex)
		if err != nil {
			return err
		}
		if record.Processed {
			return nil
		}
	}

	if err := m.processors.ProcessEvent(ctx, campaign, event); err != nil {
		// 对账差异重放结果不变
		if errors.Is(err, logic.ErrChainReconciliationMismatch) {
			logger.Error("Reconciliation mismatch from event %s:%d: %v", event.TxHash, event.LogIndex, err)
			return m.store.UpdateEvent(ctx, record.Id, map[string]interface{}{"processed": true, "error": err.Error()})
		}
		m.recordFailure(ctx, campaign, record, err)
		return err
	}
	return m.store.UpdateEvent(ctx, record.Id, map[string]interface{}{"processed": true, "error": ""})
}

// recordFailure 累计失败次数，达到上限后登记对账差异等待人工处理
func (m *EventMonitor) recordFailure(ctx context.Context, campaign *model.CampaignModel, record *model.EventModel, cause error) {
	ctx = context.WithoutCancel(ctx)
	attempts := record.Attempts + 1
	if err := m.store.UpdateEvent(ctx, record.Id, map[string]interface{}{"attempts": attempts, "error": cause.Error()}); err != nil {
		logger.Error("Failed to record failure of event %d: %v", record.Id, err)
		return
	}
	record.Attempts = attempts
	if attempts < maxEventAttempts {
		logger.Warn("Event %s:%d failed (attempt %d/%d), will retry: %v", record.TxHash, record.LogIndex, attempts, maxEventAttempts, cause)
		return
	}

	logger.Error("Event %s:%d on campaign %d failed %d times, giving up: %v", record.TxHash, record.LogIndex, campaign.Id, attempts, cause)
	if err := m.store.CreateMismatch(ctx, &model.ReconciliationMismatchModel{
		CampaignId:    campaign.Id,
		Field:         "chain_event",
		OffchainValue: "unprocessed",
		OnchainValue:  fmt.Sprintf("%s:%d", record.TxHash, record.LogIndex),
		Detail:        fmt.Sprintf("%s event failed %d times: %v", record.EventName, attempts, cause),
	}); err != nil {
		logger.Error("Failed to record mismatch for event %d: %v", record.Id, err)
	}
}

// retryUnprocessed 重新拉取处理失败事件所在区块的日志并重放
func (m *EventMonitor) retryUnprocessed(ctx context.Context, campaigns []model.CampaignModel) {
	events, err := m.store.ListUnprocessedEvents(ctx, maxEventAttempts, retryBatchSize)
	if err != nil {
		logger.Error("Failed to list unprocessed events: %v", err)
		return
	}
	if len(events) == 0 {
		return
	}

	byId := make(map[int64]*model.CampaignModel, len(campaigns))
	for i := range campaigns {
		byId[campaigns[i].Id] = &campaigns[i]
	}
	for i := range events {
		record := &events[i]
		campaign := byId[record.CampaignId]
		if campaign == nil || !common.IsHexAddress(campaign.ContractAddress) {
			continue
		}
		address := common.HexToAddress(campaign.ContractAddress)
		logs, err := m.source.GetBatchBlockLogs(ctx, []common.Address{address}, record.BlockNum, record.BlockNum)
		if err != nil {
			logger.Error("Error getting logs for block %d: %v", record.BlockNum, err)
			return
		}
		log, ok := findLog(logs, record.TxHash, record.LogIndex)
		if !ok {
			m.recordFailure(ctx, campaign, record, fmt.Errorf("log not found in block %d", record.BlockNum))
			continue
		}
		contract := chain.NewEscrowContract(address, m.abi, nil)
		if err := m.handleLog(ctx, campaign, contract, log); err != nil {
			logger.Error("Error replaying event %s:%d for campaign %d: %v", record.TxHash, record.LogIndex, campaign.Id, err)
		}
	}
}

func findLog(logs []types.Log, txHash string, logIndex int64) (types.Log, bool) {
	for _, log := range logs {
		if !log.Removed && int64(log.Index) == logIndex && strings.EqualFold(log.TxHash.Hex(), txHash) {
			return log, true
		}
	}
	return types.Log{}, false
}

func (m *EventMonitor) getStartBlockNum() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.startBlockNum
}

func (m *EventMonitor) updateStartBlockNum(blockNum int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startBlockNum = blockNum
}

// handleError 线性增加退避，最多5分钟
func (m *EventMonitor) handleError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retryCount++
	if m.retryCount > 5 || isAPIRateLimitError(err) {
		m.backoffDuration = 5 * time.Minute
	} else {
		m.backoffDuration = time.Duration(m.retryCount) * 10 * time.Second
	}
	logger.Error("Monitor encountered error (retry %d): %v", m.retryCount, err)
}

func (m *EventMonitor) resetBackoff() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retryCount = 0
	m.backoffDuration = 0
}

func (m *EventMonitor) currentBackoff() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backoffDuration
}

// GetStatus 获取监控状态
func (m *EventMonitor) GetStatus() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]interface{}{
		"start_block": m.startBlockNum,
		"retry_count": m.retryCount,
		"backoff":     m.backoffDuration.String(),
		"pool": map[string]interface{}{
			"running": m.pool.Running(),
			"free":    m.pool.Free(),
			"cap":     m.pool.Cap(),
		},
	}
}

func isAPIRateLimitError(err error) bool {
	return strings.Contains(err.Error(), "Too Many Requests")
}

// groupLogsByContract 按合约地址分组日志
func groupLogsByContract(logs []types.Log) map[common.Address][]types.Log {
	logsByContract := make(map[common.Address][]types.Log)
	for _, log := range logs {
		logsByContract[log.Address] = append(logsByContract[log.Address], log)
	}
	return logsByContract
}
