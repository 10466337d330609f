package logic

import (
	"context"
	"fmt"

	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"go.uber.org/zap"
)

// Allocation 单个里程碑的分配明细
type Allocation struct {
	MilestoneId int64 `json:"milestone_id"`
	Order       int   `json:"order"`
	Amount      int64 `json:"amount"`
	Before      int64 `json:"before"`
	After       int64 `json:"after"`
	Filled      bool  `json:"filled"`
}

// AllocationResult 一次分配的结果
type AllocationResult struct {
	CampaignId     int64        `json:"campaign_id"`
	ContributionId int64        `json:"contribution_id,omitempty"`
	Requested      int64        `json:"requested"`
	Allocated      int64        `json:"allocated"`
	Unallocated    int64        `json:"unallocated"`
	Overfunded     bool         `json:"overfunded"`
	HeldForGate    bool         `json:"held_for_gate"` // 后续里程碑仍有空间，但被未通过的前置里程碑挡住
	Duplicate      bool         `json:"duplicate"`
	Allocations    []Allocation `json:"allocations"`
}

// Warning 剩余资金未分配时返回 ErrOverfunded，分配本身仍然生效
func (r *AllocationResult) Warning() error {
	if r == nil || !r.Overfunded {
		return nil
	}
	return fmt.Errorf("%w: %d left unallocated", ErrOverfunded, r.Unallocated)
}

// Availability 活动当前可接收资金的里程碑
type Availability struct {
	CampaignId  int64                         `json:"campaign_id"`
	Milestone   *model.MilestoneModel         `json:"milestone"`
	Remaining   int64                         `json:"remaining"`
	Unallocated int64                         `json:"unallocated"`
	Gated       bool                          `json:"gated"`
	Completed   bool                          `json:"completed"`
	Counts      map[model.MilestoneStatus]int `json:"counts"`
}

// AllocationLogic 里程碑资金分配
type AllocationLogic struct {
	store repository.Store
}

// NewAllocationLogic 创建分配逻辑
func NewAllocationLogic(store repository.Store) *AllocationLogic {
	return &AllocationLogic{store: store}
}

// IsEligible milestones 需按 order 升序且连续，idx 为待判断里程碑的下标
func IsEligible(milestones []model.MilestoneModel, idx int) bool {
	m := milestones[idx]
	if m.CurrentAmount >= m.AmountTarget {
		return false
	}
	if m.Status != model.MilestoneStatusActive && m.Status != model.MilestoneStatusPending {
		return false
	}
	if m.Order == 1 {
		return true
	}
	if idx == 0 {
		return false
	}
	prev := milestones[idx-1]
	return prev.Order == m.Order-1 && prev.Status == model.MilestoneStatusApproved
}

// Allocate 把活动未分配余额中的 amount 按顺序分配给可用里程碑
func (a *AllocationLogic) Allocate(ctx context.Context, campaignId int64, amount int64) (*AllocationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}

	var result *AllocationResult
	err := a.store.WithCampaignLock(ctx, campaignId, func(tx repository.Store) error {
		var err error
		result, err = a.allocateLocked(ctx, tx, campaignId, amount)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allocatePool 分配活动全部未分配余额，里程碑通过后调用
func (a *AllocationLogic) allocatePool(ctx context.Context, tx repository.Store, campaignId int64) (*AllocationResult, error) {
	campaign, err := tx.GetCampaign(ctx, campaignId)
	if err != nil {
		return nil, err
	}
	milestones, err := tx.ListMilestones(ctx, campaignId)
	if err != nil {
		return nil, err
	}
	pool := campaign.CurrentAmount - sumAllocated(milestones)
	if pool <= 0 {
		return &AllocationResult{CampaignId: campaignId}, nil
	}
	return a.distribute(ctx, tx, campaign, milestones, pool)
}

// allocateLocked 调用方必须持有活动锁
func (a *AllocationLogic) allocateLocked(ctx context.Context, tx repository.Store, campaignId int64, amount int64) (*AllocationResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidAmount, amount)
	}
	campaign, err := tx.GetCampaign(ctx, campaignId)
	if err != nil {
		return nil, err
	}
	milestones, err := tx.ListMilestones(ctx, campaignId)
	if err != nil {
		return nil, err
	}

	pool := campaign.CurrentAmount - sumAllocated(milestones)
	if amount > pool {
		return nil, fmt.Errorf("%w: %d exceeds unallocated balance %d of campaign %d", ErrInvalidAmount, amount, pool, campaignId)
	}
	return a.distribute(ctx, tx, campaign, milestones, amount)
}

func (a *AllocationLogic) distribute(ctx context.Context, tx repository.Store, campaign *model.CampaignModel, milestones []model.MilestoneModel, amount int64) (*AllocationResult, error) {
	result := &AllocationResult{CampaignId: campaign.Id, Requested: amount}
	remaining := amount

	for i := range milestones {
		if remaining == 0 {
			break
		}
		if !IsEligible(milestones, i) {
			continue
		}
		m := &milestones[i]

		if m.Status == model.MilestoneStatusPending {
			if err := transition(ctx, tx, m, model.MilestoneStatusActive, nil); err != nil {
				return nil, err
			}
		}

		share := remaining
		if m.Remaining() < share {
			share = m.Remaining()
		}
		before := m.CurrentAmount
		m.CurrentAmount += share
		remaining -= share

		updates := map[string]interface{}{"current_amount": m.CurrentAmount}
		filled := m.CurrentAmount == m.AmountTarget
		if filled {
			if err := transition(ctx, tx, m, model.MilestoneStatusAwaitingProof, updates); err != nil {
				return nil, err
			}
		} else if err := tx.UpdateMilestone(ctx, m.Id, updates); err != nil {
			return nil, fmt.Errorf("failed to update milestone %d amount: %w", m.Id, err)
		}

		result.Allocations = append(result.Allocations, Allocation{
			MilestoneId: m.Id,
			Order:       m.Order,
			Amount:      share,
			Before:      before,
			After:       m.CurrentAmount,
			Filled:      filled,
		})
		logger.Audit("milestone_allocation",
			zap.Int64("campaign_id", campaign.Id),
			zap.Int64("milestone_id", m.Id),
			zap.Int("order", m.Order),
			zap.Int64("amount", share),
			zap.Int64("before", before),
			zap.Int64("after", m.CurrentAmount),
			zap.Int64("target", m.AmountTarget),
		)
	}

	result.Allocated = amount - remaining
	result.Unallocated = remaining
	if remaining > 0 {
		result.Overfunded = true
		for _, m := range milestones {
			if m.CurrentAmount < m.AmountTarget {
				result.HeldForGate = true
				break
			}
		}
		logger.Warn("Campaign %d: %d left unallocated (held for gate: %v)", campaign.Id, remaining, result.HeldForGate)
	}

	return result, nil
}

// Availability 查询当前可接收资金的里程碑
func (a *AllocationLogic) Availability(ctx context.Context, campaignId int64) (*Availability, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignId)
	if err != nil {
		return nil, err
	}
	milestones, err := a.store.ListMilestones(ctx, campaignId)
	if err != nil {
		return nil, err
	}

	availability := &Availability{
		CampaignId:  campaignId,
		Unallocated: campaign.CurrentAmount - sumAllocated(milestones),
		Completed:   campaign.Status == model.CampaignStatusCompleted,
		Counts:      make(map[model.MilestoneStatus]int),
	}
	for i := range milestones {
		availability.Counts[milestones[i].Status]++
		if availability.Milestone == nil && IsEligible(milestones, i) {
			m := milestones[i]
			availability.Milestone = &m
			availability.Remaining = m.Remaining()
		}
	}
	if availability.Milestone == nil && !availability.Completed {
		for _, m := range milestones {
			if m.CurrentAmount < m.AmountTarget {
				availability.Gated = true
				break
			}
		}
	}
	return availability, nil
}

func sumAllocated(milestones []model.MilestoneModel) int64 {
	var sum int64
	for _, m := range milestones {
		sum += m.CurrentAmount
	}
	return sum
}
