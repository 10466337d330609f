package logic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// allowedTransitions 里程碑状态迁移表，不允许跳过任何状态
var allowedTransitions = map[model.MilestoneStatus][]model.MilestoneStatus{
	model.MilestoneStatusPending:       {model.MilestoneStatusActive},
	model.MilestoneStatusActive:        {model.MilestoneStatusAwaitingProof},
	model.MilestoneStatusAwaitingProof: {model.MilestoneStatusVoting},
	model.MilestoneStatusVoting:        {model.MilestoneStatusApproved, model.MilestoneStatusRejected},
}

// CanTransition 判断状态迁移是否合法
func CanTransition(from, to model.MilestoneStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// transition 条件更新里程碑状态，成功后同步修改 m
func transition(ctx context.Context, tx repository.Store, m *model.MilestoneModel, to model.MilestoneStatus, updates map[string]interface{}) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: milestone %d %s -> %s", ErrInvalidTransition, m.Id, m.Status, to)
	}
	if err := tx.UpdateMilestoneStatus(ctx, m.Id, m.Status, to, updates); err != nil {
		return err
	}
	logger.Info("Milestone %d (campaign %d, order %d) %s -> %s", m.Id, m.CampaignId, m.Order, m.Status, to)
	m.Status = to
	return nil
}

// MilestonePlan 创建活动时的单个里程碑
type MilestonePlan struct {
	Order        int    `json:"order" validate:"gte=1"`
	Title        string `json:"title" validate:"required"`
	Description  string `json:"description"`
	AmountTarget int64  `json:"amount_target" validate:"gt=0"`
}

// CampaignPlan 创建活动请求
type CampaignPlan struct {
	Title           string          `json:"title" validate:"required"`
	CreatorId       string          `json:"creator_id" validate:"required"`
	CreatorAddress  string          `json:"creator_address" validate:"required"`
	ContractAddress string          `json:"contract_address"`
	TargetAmount    int64           `json:"target_amount" validate:"gt=0"`
	Milestones      []MilestonePlan `json:"milestones" validate:"dive"`
}

// MilestoneStats 活动的里程碑统计
type MilestoneStats struct {
	CampaignId     int64                         `json:"campaign_id"`
	Total          int                           `json:"total"`
	Counts         map[model.MilestoneStatus]int `json:"counts"`
	TargetAmount   int64                         `json:"target_amount"`
	CurrentAmount  int64                         `json:"current_amount"`
	Allocated      int64                         `json:"allocated"`
	ReleasedAmount int64                         `json:"released_amount"`
	RefundedAmount int64                         `json:"refunded_amount"`
	Alerts         int                           `json:"alerts"`
	Status         model.CampaignStatus          `json:"status"`
}

// MilestoneLogic 里程碑状态机
type MilestoneLogic struct {
	store    repository.Store
	alloc    *AllocationLogic
	escrow   *EscrowLogic
	cfg      config.EngineConfig
	validate *validator.Validate
	now      func() time.Time
}

// NewMilestoneLogic 创建里程碑状态机
func NewMilestoneLogic(store repository.Store, alloc *AllocationLogic, escrow *EscrowLogic, cfg config.EngineConfig, validate *validator.Validate, now func() time.Time) *MilestoneLogic {
	return &MilestoneLogic{
		store:    store,
		alloc:    alloc,
		escrow:   escrow,
		cfg:      cfg,
		validate: validate,
		now:      now,
	}
}

// CreateCampaign 创建活动及其里程碑，第一个里程碑为 ACTIVE，其余为 PENDING
func (m *MilestoneLogic) CreateCampaign(ctx context.Context, plan CampaignPlan) (*model.CampaignModel, []model.MilestoneModel, error) {
	if err := m.validatePlan(&plan); err != nil {
		return nil, nil, err
	}

	campaign := &model.CampaignModel{
		Title:              plan.Title,
		CreatorId:          plan.CreatorId,
		CreatorAddress:     plan.CreatorAddress,
		ContractAddress:    plan.ContractAddress,
		TargetAmount:       plan.TargetAmount,
		RequiresMilestones: len(plan.Milestones) > 0,
		Status:             model.CampaignStatusActive,
	}

	var milestones []model.MilestoneModel
	err := m.store.InTransaction(ctx, func(tx repository.Store) error {
		if err := tx.CreateCampaign(ctx, campaign); err != nil {
			return fmt.Errorf("failed to create campaign: %w", err)
		}
		for _, p := range plan.Milestones {
			status := model.MilestoneStatusPending
			if p.Order == 1 {
				status = model.MilestoneStatusActive
			}
			milestones = append(milestones, model.MilestoneModel{
				CampaignId:   campaign.Id,
				Order:        p.Order,
				Title:        p.Title,
				Description:  p.Description,
				AmountTarget: p.AmountTarget,
				Status:       status,
			})
		}
		if err := tx.CreateMilestones(ctx, milestones); err != nil {
			return fmt.Errorf("failed to create milestones: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Created campaign %d with %d milestones, target %d", campaign.Id, len(milestones), campaign.TargetAmount)
	return campaign, milestones, nil
}

// validatePlan 校验里程碑计划，并按 order 排序
func (m *MilestoneLogic) validatePlan(plan *CampaignPlan) error {
	if err := m.validate.Struct(plan); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPlan, err)
	}

	if len(plan.Milestones) == 0 {
		if m.cfg.MilestonesRequiredFrom > 0 && plan.TargetAmount >= m.cfg.MilestonesRequiredFrom {
			return fmt.Errorf("%w: campaigns with target >= %d require milestones", ErrInvalidPlan, m.cfg.MilestonesRequiredFrom)
		}
		return nil
	}

	if len(plan.Milestones) < m.cfg.MinMilestones {
		return fmt.Errorf("%w: at least %d milestones required", ErrInvalidPlan, m.cfg.MinMilestones)
	}

	sort.Slice(plan.Milestones, func(i, j int) bool {
		return plan.Milestones[i].Order < plan.Milestones[j].Order
	})

	var total int64
	for i, p := range plan.Milestones {
		if p.Order != i+1 {
			return fmt.Errorf("%w: milestone orders must be contiguous from 1", ErrInvalidPlan)
		}
		total += p.AmountTarget
	}
	if total != plan.TargetAmount {
		return fmt.Errorf("%w: milestone targets sum to %d, campaign target is %d", ErrInvalidPlan, total, plan.TargetAmount)
	}

	if capBps := m.cfg.FirstMilestoneMaxBps; capBps > 0 && plan.Milestones[0].AmountTarget*10000 > plan.TargetAmount*capBps {
		return fmt.Errorf("%w: first milestone exceeds %d bps of target", ErrInvalidPlan, capBps)
	}
	if capBps := m.cfg.SecondMilestoneMaxBps; capBps > 0 && len(plan.Milestones) > 1 &&
		plan.Milestones[1].AmountTarget*10000 > plan.TargetAmount*capBps {
		return fmt.Errorf("%w: second milestone exceeds %d bps of target", ErrInvalidPlan, capBps)
	}

	return nil
}

// GetMilestone 获取里程碑
func (m *MilestoneLogic) GetMilestone(ctx context.Context, id int64) (*model.MilestoneModel, error) {
	return m.store.GetMilestone(ctx, id)
}

// ListMilestones 获取活动全部里程碑
func (m *MilestoneLogic) ListMilestones(ctx context.Context, campaignId int64) ([]model.MilestoneModel, error) {
	return m.store.ListMilestones(ctx, campaignId)
}

// SubmitProof 创建者提交完成证明，开启投票窗口
func (m *MilestoneLogic) SubmitProof(ctx context.Context, milestoneId int64, evidence string) (*model.MilestoneModel, error) {
	if strings.TrimSpace(evidence) == "" {
		return nil, fmt.Errorf("%w: evidence is required", ErrInvalidInput)
	}

	current, err := m.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return nil, err
	}

	var milestone *model.MilestoneModel
	err = m.store.WithCampaignLock(ctx, current.CampaignId, func(tx repository.Store) error {
		ms, err := tx.LockMilestone(ctx, milestoneId, false)
		if err != nil {
			return err
		}

		switch ms.Status {
		case model.MilestoneStatusAwaitingProof:
		case model.MilestoneStatusPending, model.MilestoneStatusActive:
			return fmt.Errorf("%w: milestone %d is %s and not fully funded", ErrMilestoneNotEligible, ms.Id, ms.Status)
		default:
			return fmt.Errorf("%w: milestone %d is %s", ErrInvalidState, ms.Id, ms.Status)
		}

		now := m.now()
		start := now.Add(m.cfg.VoteBuffer())
		end := start.Add(m.cfg.VoteDuration())
		if err := transition(ctx, tx, ms, model.MilestoneStatusVoting, map[string]interface{}{
			"evidence":        evidence,
			"submitted_at":    now,
			"vote_start_time": start,
			"vote_end_time":   end,
			"votes_for":       0,
			"votes_against":   0,
		}); err != nil {
			return err
		}
		ms.Evidence = evidence
		ms.SubmittedAt = &now
		ms.VoteStartTime = &start
		ms.VoteEndTime = &end
		milestone = ms
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Proof submitted for milestone %d, voting %s - %s",
		milestone.Id, milestone.VoteStartTime.Format(time.RFC3339), milestone.VoteEndTime.Format(time.RFC3339))

	m.escrow.AnnounceVoting(ctx, milestone)
	return milestone, nil
}

// applyOutcome 在活动锁内落地投票结果，返回需要提交到链上的托管记录
func (m *MilestoneLogic) applyOutcome(ctx context.Context, tx repository.Store, campaign *model.CampaignModel, ms *model.MilestoneModel, outcome model.MilestoneStatus, votesFor, votesAgainst int64) ([]int64, error) {
	now := m.now()
	if err := transition(ctx, tx, ms, outcome, map[string]interface{}{
		"votes_for":     votesFor,
		"votes_against": votesAgainst,
		"resolved_at":   now,
	}); err != nil {
		return nil, err
	}
	ms.VotesFor = votesFor
	ms.VotesAgainst = votesAgainst
	ms.ResolvedAt = &now

	if outcome == model.MilestoneStatusRejected {
		if err := tx.UpdateCampaign(ctx, campaign.Id, map[string]interface{}{"status": model.CampaignStatusDisputed}); err != nil {
			return nil, err
		}
		logger.Warn("Campaign %d flagged for dispute: milestone %d rejected (%d for / %d against)",
			campaign.Id, ms.Id, votesFor, votesAgainst)
		return m.escrow.recordRefunds(ctx, tx, campaign, ms)
	}

	record, err := m.escrow.recordIntent(ctx, tx, campaign, ms, model.EscrowKindRelease, model.EscrowMethodFinalize, campaign.CreatorAddress, ms.CurrentAmount)
	if err != nil {
		return nil, err
	}

	milestones, err := tx.ListMilestones(ctx, campaign.Id)
	if err != nil {
		return nil, err
	}
	var next *model.MilestoneModel
	for i := range milestones {
		if milestones[i].Order == ms.Order+1 {
			next = &milestones[i]
			break
		}
	}

	if next == nil {
		if err := tx.UpdateCampaign(ctx, campaign.Id, map[string]interface{}{"status": model.CampaignStatusCompleted}); err != nil {
			return nil, err
		}
		logger.Info("Campaign %d completed: final milestone %d approved", campaign.Id, ms.Id)
		return []int64{record.Id}, nil
	}

	if next.Status == model.MilestoneStatusPending {
		if err := transition(ctx, tx, next, model.MilestoneStatusActive, nil); err != nil {
			return nil, err
		}
	}
	if _, err := m.alloc.allocatePool(ctx, tx, campaign.Id); err != nil {
		return nil, err
	}
	return []int64{record.Id}, nil
}

// Reset 管理员重置活动：第一个里程碑恢复 ACTIVE，其余 PENDING，金额、投票、证明、托管记录全部清空
func (m *MilestoneLogic) Reset(ctx context.Context, campaignId int64) error {
	return m.store.WithCampaignLock(ctx, campaignId, func(tx repository.Store) error {
		inflight, err := tx.ListEscrowTransactions(ctx, repository.EscrowFilter{
			CampaignId: campaignId,
			Statuses:   []model.EscrowStatus{model.EscrowStatusSubmitted},
		})
		if err != nil {
			return err
		}
		if len(inflight) > 0 {
			return fmt.Errorf("%w: campaign %d has %d escrow transactions in flight", ErrInvalidState, campaignId, len(inflight))
		}

		campaign, err := tx.GetCampaign(ctx, campaignId)
		if err != nil {
			return err
		}
		milestones, err := tx.ListMilestones(ctx, campaignId)
		if err != nil {
			return err
		}

		ids := make([]int64, 0, len(milestones))
		for _, ms := range milestones {
			ids = append(ids, ms.Id)
		}
		if err := tx.SoftDeleteVotes(ctx, ids); err != nil {
			return fmt.Errorf("failed to clear votes: %w", err)
		}
		if err := tx.SoftDeleteContributions(ctx, campaignId); err != nil {
			return fmt.Errorf("failed to clear contributions: %w", err)
		}
		if err := tx.SoftDeleteEscrowTransactions(ctx, campaignId); err != nil {
			return fmt.Errorf("failed to clear escrow transactions: %w", err)
		}

		for _, ms := range milestones {
			status := model.MilestoneStatusPending
			if ms.Order == 1 {
				status = model.MilestoneStatusActive
			}
			if err := tx.UpdateMilestone(ctx, ms.Id, map[string]interface{}{
				"status":          status,
				"current_amount":  0,
				"vote_start_time": nil,
				"vote_end_time":   nil,
				"votes_for":       0,
				"votes_against":   0,
				"evidence":        "",
				"submitted_at":    nil,
				"resolved_at":     nil,
				"release_tx_hash": "",
				"escrow_alert":    "",
			}); err != nil {
				return fmt.Errorf("failed to reset milestone %d: %w", ms.Id, err)
			}
			logger.Audit("milestone_reset",
				zap.Int64("campaign_id", campaignId),
				zap.Int64("milestone_id", ms.Id),
				zap.String("status_before", string(ms.Status)),
				zap.Int64("before", ms.CurrentAmount),
				zap.Int64("after", 0),
			)
		}

		if err := tx.UpdateCampaign(ctx, campaignId, map[string]interface{}{
			"current_amount":  0,
			"released_amount": 0,
			"refunded_amount": 0,
			"status":          model.CampaignStatusActive,
			"reset_epoch":     gorm.Expr("reset_epoch + ?", 1),
		}); err != nil {
			return fmt.Errorf("failed to reset campaign %d: %w", campaignId, err)
		}
		logger.Audit("campaign_reset",
			zap.Int64("campaign_id", campaignId),
			zap.Int64("before", campaign.CurrentAmount),
			zap.Int64("after", 0),
			zap.Int64("released_before", campaign.ReleasedAmount),
			zap.Int64("refunded_before", campaign.RefundedAmount),
		)
		return nil
	})
}

// Stats 活动里程碑统计
func (m *MilestoneLogic) Stats(ctx context.Context, campaignId int64) (*MilestoneStats, error) {
	campaign, err := m.store.GetCampaign(ctx, campaignId)
	if err != nil {
		return nil, err
	}
	milestones, err := m.store.ListMilestones(ctx, campaignId)
	if err != nil {
		return nil, err
	}

	stats := &MilestoneStats{
		CampaignId:     campaignId,
		Total:          len(milestones),
		Counts:         make(map[model.MilestoneStatus]int),
		TargetAmount:   campaign.TargetAmount,
		CurrentAmount:  campaign.CurrentAmount,
		ReleasedAmount: campaign.ReleasedAmount,
		RefundedAmount: campaign.RefundedAmount,
		Status:         campaign.Status,
	}
	for _, ms := range milestones {
		stats.Counts[ms.Status]++
		stats.Allocated += ms.CurrentAmount
		if ms.EscrowAlert != "" {
			stats.Alerts++
		}
	}
	return stats, nil
}
