package logic

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ContributionInput 支付确认回调的输入，TxHash 为贡献的唯一标识
type ContributionInput struct {
	CampaignId    int64  `json:"campaign_id" validate:"gt=0"`
	BackerId      string `json:"backer_id" validate:"required"`
	BackerAddress string `json:"backer_address"`
	Amount        int64  `json:"amount"`
	TxHash        string `json:"tx_hash" validate:"required"`
	BlockNum      int64  `json:"block_num"`
}

// ContributionLogic 贡献账本
type ContributionLogic struct {
	store    repository.Store
	alloc    *AllocationLogic
	validate *validator.Validate
	now      func() time.Time
}

// NewContributionLogic 创建贡献账本
func NewContributionLogic(store repository.Store, alloc *AllocationLogic, validate *validator.Validate, now func() time.Time) *ContributionLogic {
	return &ContributionLogic{
		store:    store,
		alloc:    alloc,
		validate: validate,
		now:      now,
	}
}

func (c *ContributionLogic) validateInput(in *ContributionInput) error {
	if in.Amount <= 0 {
		return fmt.Errorf("%w: contribution amount %d", ErrInvalidAmount, in.Amount)
	}
	if err := c.validate.Struct(in); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// RecordPending 记录尚未确认的贡献
func (c *ContributionLogic) RecordPending(ctx context.Context, in ContributionInput) (*model.ContributionModel, error) {
	if err := c.validateInput(&in); err != nil {
		return nil, err
	}

	existing, err := c.store.GetContributionByTxHash(ctx, in.TxHash)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	contribution := &model.ContributionModel{
		CampaignId:    in.CampaignId,
		BackerId:      in.BackerId,
		BackerAddress: in.BackerAddress,
		Amount:        in.Amount,
		Status:        model.ContributionStatusPending,
		TxHash:        in.TxHash,
		BlockNum:      in.BlockNum,
	}
	if err := c.store.CreateContribution(ctx, contribution); err != nil {
		return nil, fmt.Errorf("failed to record pending contribution: %w", err)
	}
	return contribution, nil
}

// Confirm 支付确认回调：记录贡献、更新活动总额并分配到里程碑，三者在同一事务内完成。
// 同一 TxHash 重放时返回 Duplicate 结果，不会重复分配。
func (c *ContributionLogic) Confirm(ctx context.Context, in ContributionInput) (*AllocationResult, error) {
	if err := c.validateInput(&in); err != nil {
		return nil, err
	}

	var result *AllocationResult
	err := c.store.WithCampaignLock(ctx, in.CampaignId, func(tx repository.Store) error {
		existing, err := tx.GetContributionByTxHash(ctx, in.TxHash)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		var contribution *model.ContributionModel
		if existing != nil {
			if existing.CampaignId != in.CampaignId || existing.Amount != in.Amount {
				logger.Error("Contribution %s conflicts with recorded one (campaign %d/%d, amount %d/%d)",
					in.TxHash, existing.CampaignId, in.CampaignId, existing.Amount, in.Amount)
				return fmt.Errorf("%w: contribution %s was recorded with different campaign or amount", ErrChainReconciliationMismatch, in.TxHash)
			}
			if existing.DeletedAt.Valid || existing.Status == model.ContributionStatusConfirmed {
				logger.Info("Duplicate confirmation for contribution %s ignored", in.TxHash)
				result = &AllocationResult{
					CampaignId:     in.CampaignId,
					ContributionId: existing.Id,
					Requested:      in.Amount,
					Duplicate:      true,
				}
				return nil
			}
			if existing.Status == model.ContributionStatusFailed {
				return fmt.Errorf("%w: contribution %s already marked failed", ErrInvalidState, in.TxHash)
			}
			if err := tx.UpdateContribution(ctx, existing.Id, map[string]interface{}{
				"status":    model.ContributionStatusConfirmed,
				"block_num": in.BlockNum,
			}); err != nil {
				return err
			}
			contribution = existing
		} else {
			contribution = &model.ContributionModel{
				CampaignId:    in.CampaignId,
				BackerId:      in.BackerId,
				BackerAddress: in.BackerAddress,
				Amount:        in.Amount,
				Status:        model.ContributionStatusConfirmed,
				TxHash:        in.TxHash,
				BlockNum:      in.BlockNum,
			}
			if err := tx.CreateContribution(ctx, contribution); err != nil {
				return fmt.Errorf("failed to create contribution: %w", err)
			}
		}

		campaign, err := tx.GetCampaign(ctx, in.CampaignId)
		if err != nil {
			return err
		}
		if err := tx.IncrementCampaign(ctx, in.CampaignId, "current_amount", in.Amount); err != nil {
			return fmt.Errorf("failed to update campaign total: %w", err)
		}
		logger.Audit("contribution_confirmed",
			zap.Int64("campaign_id", in.CampaignId),
			zap.String("contribution", in.TxHash),
			zap.String("backer_id", in.BackerId),
			zap.Int64("amount", in.Amount),
			zap.Int64("before", campaign.CurrentAmount),
			zap.Int64("after", campaign.CurrentAmount+in.Amount),
		)

		if campaign.RequiresMilestones {
			result, err = c.alloc.allocateLocked(ctx, tx, in.CampaignId, in.Amount)
			if err != nil {
				return err
			}
		} else {
			result = &AllocationResult{CampaignId: in.CampaignId, Requested: in.Amount, Unallocated: in.Amount}
		}
		result.ContributionId = contribution.Id

		return tx.UpdateContribution(ctx, contribution.Id, map[string]interface{}{"allocated_at": c.now()})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkFailed 支付失败。已确认的贡献不会被改写，只报告不一致
func (c *ContributionLogic) MarkFailed(ctx context.Context, txHash string) error {
	existing, err := c.store.GetContributionByTxHash(ctx, txHash)
	if err != nil {
		return err
	}

	confirmed := false
	err = c.store.WithCampaignLock(ctx, existing.CampaignId, func(tx repository.Store) error {
		contribution, err := tx.GetContributionByTxHash(ctx, txHash)
		if err != nil {
			return err
		}
		switch contribution.Status {
		case model.ContributionStatusFailed:
			return nil
		case model.ContributionStatusConfirmed:
			confirmed = true
			return nil
		}
		return tx.UpdateContribution(ctx, contribution.Id, map[string]interface{}{"status": model.ContributionStatusFailed})
	})
	if err != nil || !confirmed {
		return err
	}

	if err := c.store.CreateMismatch(ctx, &model.ReconciliationMismatchModel{
		CampaignId:    existing.CampaignId,
		Field:         "contribution_status",
		OffchainValue: string(model.ContributionStatusConfirmed),
		OnchainValue:  string(model.ContributionStatusFailed),
		Detail:        fmt.Sprintf("confirmed contribution %s reported as failed", txHash),
	}); err != nil {
		return err
	}
	logger.Error("Confirmed contribution %s reported as failed, manual review required", txHash)
	return fmt.Errorf("%w: contribution %s is already confirmed", ErrChainReconciliationMismatch, txHash)
}

// Weight 支持者在活动中的投票权重，即其已确认出资总额
func (c *ContributionLogic) Weight(ctx context.Context, campaignId int64, backerId string) (int64, error) {
	if backerId == "" {
		return 0, nil
	}
	return c.store.SumConfirmedContributions(ctx, campaignId, backerId)
}

// VerifyTotals 重新计算活动总额与里程碑分配，发现不一致时记录并返回错误
func (c *ContributionLogic) VerifyTotals(ctx context.Context, campaignId int64) error {
	campaign, err := c.store.GetCampaign(ctx, campaignId)
	if err != nil {
		return err
	}
	confirmed, err := c.store.SumConfirmedContributions(ctx, campaignId, "")
	if err != nil {
		return err
	}
	milestones, err := c.store.ListMilestones(ctx, campaignId)
	if err != nil {
		return err
	}

	var problems []*model.ReconciliationMismatchModel
	if confirmed != campaign.CurrentAmount {
		problems = append(problems, &model.ReconciliationMismatchModel{
			CampaignId:    campaignId,
			Field:         "campaign_current_amount",
			OffchainValue: strconv.FormatInt(campaign.CurrentAmount, 10),
			OnchainValue:  strconv.FormatInt(confirmed, 10),
			Detail:        "campaign total differs from sum of confirmed contributions",
		})
	}
	if allocated := sumAllocated(milestones); allocated > campaign.CurrentAmount {
		problems = append(problems, &model.ReconciliationMismatchModel{
			CampaignId:    campaignId,
			Field:         "milestone_allocation",
			OffchainValue: strconv.FormatInt(allocated, 10),
			OnchainValue:  strconv.FormatInt(campaign.CurrentAmount, 10),
			Detail:        "milestone allocations exceed campaign total",
		})
	}
	for _, m := range milestones {
		if m.CurrentAmount < 0 || m.CurrentAmount > m.AmountTarget {
			problems = append(problems, &model.ReconciliationMismatchModel{
				CampaignId:    campaignId,
				MilestoneId:   m.Id,
				Field:         "milestone_current_amount",
				OffchainValue: strconv.FormatInt(m.CurrentAmount, 10),
				OnchainValue:  strconv.FormatInt(m.AmountTarget, 10),
				Detail:        "milestone amount outside [0, target]",
			})
		}
	}
	if len(problems) == 0 {
		return nil
	}

	for _, p := range problems {
		open, err := c.store.HasOpenMismatch(ctx, campaignId, 0, p.Field)
		if err != nil {
			return err
		}
		if open {
			continue
		}
		if err := c.store.CreateMismatch(ctx, p); err != nil {
			return err
		}
		logger.Error("Ledger mismatch on campaign %d: %s (%s vs %s)", campaignId, p.Detail, p.OffchainValue, p.OnchainValue)
	}
	return fmt.Errorf("%w: campaign %d has %d ledger inconsistencies", ErrChainReconciliationMismatch, campaignId, len(problems))
}
