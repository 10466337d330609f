package monitor

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/blues/mfs/internal/chain"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/ethereum/go-ethereum/common"
)

// EventProcessor 单类合约事件的处理器
type EventProcessor interface {
	Process(ctx context.Context, campaign *model.CampaignModel, event *chain.Event) error
	GetEventType() string
}

// ProcessorManager 事件处理器管理器
type ProcessorManager struct {
	mu         sync.RWMutex
	processors map[string]EventProcessor
}

// NewProcessorManager 注册托管合约的全部处理器
func NewProcessorManager(engine *logic.Engine, store repository.Store) *ProcessorManager {
	manager := &ProcessorManager{
		processors: make(map[string]EventProcessor),
	}
	manager.RegisterProcessor(&ContributedProcessor{ledger: engine.Contributions, store: store})
	manager.RegisterProcessor(&ReleasedProcessor{escrow: engine.Escrow, store: store})
	manager.RegisterProcessor(&VotingOpenedProcessor{})

	logger.Info("ProcessorManager initialized with %d processors", len(manager.processors))
	return manager
}

// RegisterProcessor 注册事件处理器
func (pm *ProcessorManager) RegisterProcessor(processor EventProcessor) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.processors[processor.GetEventType()] = processor
}

// ProcessEvent 未注册的事件类型直接跳过
func (pm *ProcessorManager) ProcessEvent(ctx context.Context, campaign *model.CampaignModel, event *chain.Event) error {
	pm.mu.RLock()
	processor, ok := pm.processors[event.Name]
	pm.mu.RUnlock()
	if !ok {
		logger.Debug("No processor found for event type: %s", event.Name)
		return nil
	}
	return processor.Process(ctx, campaign, event)
}

// ContributedProcessor 链上贡献入账，不足一个账本单位的 wei 登记为对账差异
type ContributedProcessor struct {
	ledger *logic.ContributionLogic
	store  repository.Store
}

func (p *ContributedProcessor) GetEventType() string {
	return chain.EventContributed
}

func (p *ContributedProcessor) Process(ctx context.Context, campaign *model.CampaignModel, event *chain.Event) error {
	backer, ok := event.Fields["backer"].(common.Address)
	if !ok {
		return fmt.Errorf("contributed event %s missing backer", event.TxHash)
	}
	amountWei, ok := event.Fields["amount"].(*big.Int)
	if !ok {
		return fmt.Errorf("contributed event %s missing amount", event.TxHash)
	}

	// 同一交易可能包含多笔贡献，日志下标区分
	txKey := fmt.Sprintf("%s:%d", event.TxHash, event.LogIndex)
	units, remainder := chain.SplitWei(amountWei)
	if units > 0 {
		result, err := p.ledger.Confirm(ctx, logic.ContributionInput{
			CampaignId:    campaign.Id,
			BackerId:      strings.ToLower(backer.Hex()),
			BackerAddress: backer.Hex(),
			Amount:        units,
			TxHash:        txKey,
			BlockNum:      event.BlockNumber,
		})
		if err != nil {
			return err
		}
		if warn := result.Warning(); warn != nil {
			logger.Warn("Contribution %s on campaign %d: %v", event.TxHash, campaign.Id, warn)
		}
	}
	if remainder.Sign() == 0 {
		return nil
	}

	logger.Error("Contribution %s on campaign %d has %s wei below ledger unit", txKey, campaign.Id, remainder)
	if err := p.store.CreateMismatch(ctx, &model.ReconciliationMismatchModel{
		CampaignId:    campaign.Id,
		Field:         "contribution_amount",
		OffchainValue: chain.ToWei(units).String(),
		OnchainValue:  amountWei.String(),
		Detail:        fmt.Sprintf("contribution %s from %s: %s wei not credited", txKey, backer.Hex(), remainder),
	}); err != nil {
		return fmt.Errorf("failed to record reconciliation mismatch: %w", err)
	}
	return nil
}

// ReleasedProcessor 链上释放与托管记录比对
type ReleasedProcessor struct {
	escrow *logic.EscrowLogic
	store  repository.Store
}

func (p *ReleasedProcessor) GetEventType() string {
	return chain.EventMilestoneReleased
}

func (p *ReleasedProcessor) Process(ctx context.Context, campaign *model.CampaignModel, event *chain.Event) error {
	index, ok := event.Fields["milestone"].(*big.Int)
	if !ok {
		return fmt.Errorf("release event %s missing milestone", event.TxHash)
	}
	amountWei, _ := event.Fields["amount"].(*big.Int)
	units, remainder := chain.SplitWei(amountWei)
	if err := p.escrow.ObserveRelease(ctx, logic.ReleaseEvent{
		Contract:       campaign.ContractAddress,
		MilestoneIndex: index.Int64(),
		Amount:         units,
		TxHash:         event.TxHash,
		BlockNum:       event.BlockNumber,
	}); err != nil {
		return err
	}
	if remainder.Sign() == 0 {
		return nil
	}

	logger.Error("Release %s on campaign %d has %s wei below ledger unit", event.TxHash, campaign.Id, remainder)
	if err := p.store.CreateMismatch(ctx, &model.ReconciliationMismatchModel{
		CampaignId:    campaign.Id,
		Field:         "release_amount",
		OffchainValue: chain.ToWei(units).String(),
		OnchainValue:  amountWei.String(),
		Detail:        fmt.Sprintf("release %s of milestone %d: %s wei below ledger unit", event.TxHash, index.Int64(), remainder),
	}); err != nil {
		return fmt.Errorf("failed to record reconciliation mismatch: %w", err)
	}
	return nil
}

// VotingOpenedProcessor 只记录
type VotingOpenedProcessor struct{}

func (p *VotingOpenedProcessor) GetEventType() string {
	return chain.EventVotingOpened
}

func (p *VotingOpenedProcessor) Process(ctx context.Context, campaign *model.CampaignModel, event *chain.Event) error {
	logger.Info("Voting opened on chain for campaign %d: %v", campaign.Id, event.Fields)
	return nil
}
