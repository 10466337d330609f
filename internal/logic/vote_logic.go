package logic

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var bpsDenominator = decimal.NewFromInt(10000)

// VoteStats 里程碑投票统计
type VoteStats struct {
	MilestoneId      int64                 `json:"milestone_id"`
	Status           model.MilestoneStatus `json:"status"`
	VotesFor         int64                 `json:"votes_for"`
	VotesAgainst     int64                 `json:"votes_against"`
	TotalPower       int64                 `json:"total_power"`
	Voters           int                   `json:"voters"`
	ApprovalPercent  string                `json:"approval_percent"`
	QuorumPercent    string                `json:"quorum_percent"` // 已投票权重占活动目标的比例
	QuorumMet        bool                  `json:"quorum_met"`
	VoteStartTime    *time.Time            `json:"vote_start_time"`
	VoteEndTime      *time.Time            `json:"vote_end_time"`
	SecondsRemaining int64                 `json:"seconds_remaining"`
	UserVotingPower  int64                 `json:"user_voting_power"`
	UserHasVoted     bool                  `json:"user_has_voted"`
	UserDirection    model.VoteDirection   `json:"user_direction,omitempty"`
}

// VoteLogic 投票计票
type VoteLogic struct {
	store      repository.Store
	milestones *MilestoneLogic
	ledger     *ContributionLogic
	escrow     *EscrowLogic
	cfg        config.EngineConfig
	now        func() time.Time
}

// NewVoteLogic 创建投票逻辑
func NewVoteLogic(store repository.Store, milestones *MilestoneLogic, ledger *ContributionLogic, escrow *EscrowLogic, cfg config.EngineConfig, now func() time.Time) *VoteLogic {
	return &VoteLogic{
		store:      store,
		milestones: milestones,
		ledger:     ledger,
		escrow:     escrow,
		cfg:        cfg,
		now:        now,
	}
}

// Tally 汇总赞成与反对权重
func Tally(votes []model.VoteModel) (votesFor, votesAgainst int64) {
	for _, v := range votes {
		switch v.Direction {
		case model.VoteApprove:
			votesFor += v.Weight
		case model.VoteReject:
			votesAgainst += v.Weight
		}
	}
	return votesFor, votesAgainst
}

// Decide 严格多数通过，平票或无人投票否决；quorumBps > 0 时投票权重不足目标的该比例也否决
func Decide(votesFor, votesAgainst, campaignTarget, quorumBps int64) model.MilestoneStatus {
	if quorumBps > 0 {
		required := decimal.NewFromInt(campaignTarget).Mul(decimal.NewFromInt(quorumBps)).Div(bpsDenominator)
		if decimal.NewFromInt(votesFor + votesAgainst).LessThan(required) {
			return model.MilestoneStatusRejected
		}
	}
	if votesFor > votesAgainst {
		return model.MilestoneStatusApproved
	}
	return model.MilestoneStatusRejected
}

// checkWindow 投票只在 [voteStartTime, voteEndTime) 内接受
func checkWindow(m *model.MilestoneModel, now time.Time) error {
	if m.Status != model.MilestoneStatusVoting || m.VoteStartTime == nil || m.VoteEndTime == nil {
		return fmt.Errorf("%w: milestone %d is %s", ErrVotingClosed, m.Id, m.Status)
	}
	if now.Before(*m.VoteStartTime) {
		return fmt.Errorf("%w: voting for milestone %d opens at %s", ErrVotingClosed, m.Id, m.VoteStartTime.Format(time.RFC3339))
	}
	if !now.Before(*m.VoteEndTime) {
		return fmt.Errorf("%w: voting for milestone %d ended at %s", ErrVotingClosed, m.Id, m.VoteEndTime.Format(time.RFC3339))
	}
	return nil
}

// CastVote 记录投票，同一支持者重复投票覆盖之前的投票
func (v *VoteLogic) CastVote(ctx context.Context, milestoneId int64, backerId string, direction model.VoteDirection, weight int64) (*model.VoteModel, error) {
	if !direction.Valid() {
		return nil, fmt.Errorf("%w: vote direction %q", ErrInvalidInput, direction)
	}
	if backerId == "" {
		return nil, fmt.Errorf("%w: backer id is required", ErrInvalidInput)
	}
	if weight <= 0 {
		return nil, fmt.Errorf("%w: backer %s has no confirmed contribution", ErrNotBacker, backerId)
	}

	var vote *model.VoteModel
	err := v.store.InTransaction(ctx, func(tx repository.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneId, true)
		if err != nil {
			return err
		}
		now := v.now()
		if err := checkWindow(m, now); err != nil {
			return err
		}
		vote = &model.VoteModel{
			MilestoneId: milestoneId,
			BackerId:    backerId,
			Weight:      weight,
			Direction:   direction,
			CastAt:      now,
		}
		return tx.UpsertVote(ctx, vote)
	})
	if err != nil {
		return nil, err
	}

	logger.Info("Vote cast on milestone %d by %s: %s (weight %d)", milestoneId, backerId, direction, weight)
	return vote, nil
}

// CastBackerVote 以支持者在活动中的已确认出资作为权重投票
func (v *VoteLogic) CastBackerVote(ctx context.Context, milestoneId int64, backerId string, direction model.VoteDirection) (*model.VoteModel, error) {
	m, err := v.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return nil, err
	}
	weight, err := v.ledger.Weight(ctx, m.CampaignId, backerId)
	if err != nil {
		return nil, err
	}
	return v.CastVote(ctx, milestoneId, backerId, direction, weight)
}

// Resolve 投票窗口结束后计票，重复调用返回已记录的结果
func (v *VoteLogic) Resolve(ctx context.Context, milestoneId int64) (model.MilestoneStatus, error) {
	current, err := v.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return "", err
	}
	if current.Status.IsTerminal() {
		return current.Status, nil
	}

	var outcome model.MilestoneStatus
	var pending []int64
	err = v.store.WithCampaignLock(ctx, current.CampaignId, func(tx repository.Store) error {
		m, err := tx.LockMilestone(ctx, milestoneId, false)
		if err != nil {
			return err
		}
		if m.Status.IsTerminal() {
			outcome = m.Status
			return nil
		}
		if m.Status != model.MilestoneStatusVoting || m.VoteEndTime == nil {
			return fmt.Errorf("%w: milestone %d is %s", ErrInvalidState, m.Id, m.Status)
		}
		if v.now().Before(*m.VoteEndTime) {
			return fmt.Errorf("%w: milestone %d closes at %s", ErrVotingOpen, m.Id, m.VoteEndTime.Format(time.RFC3339))
		}

		votes, err := tx.ListVotes(ctx, m.Id)
		if err != nil {
			return err
		}
		campaign, err := tx.GetCampaign(ctx, m.CampaignId)
		if err != nil {
			return err
		}

		votesFor, votesAgainst := Tally(votes)
		outcome = Decide(votesFor, votesAgainst, campaign.TargetAmount, v.cfg.QuorumBps)
		logger.Audit("milestone_resolution",
			zap.Int64("campaign_id", campaign.Id),
			zap.Int64("milestone_id", m.Id),
			zap.Int64("votes_for", votesFor),
			zap.Int64("votes_against", votesAgainst),
			zap.Int("voters", len(votes)),
			zap.String("outcome", string(outcome)),
			zap.Int64("amount", m.CurrentAmount),
		)

		pending, err = v.milestones.applyOutcome(ctx, tx, campaign, m, outcome, votesFor, votesAgainst)
		return err
	})
	if err != nil {
		return "", err
	}

	// 链上调用失败不影响投票结果，由重试任务继续
	v.escrow.DispatchAll(ctx, pending)
	return outcome, nil
}

// SweepExpired 处理所有投票窗口已结束的里程碑
func (v *VoteLogic) SweepExpired(ctx context.Context, limit int) (int, error) {
	expired, err := v.store.ListExpiredVoting(ctx, v.now(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to list expired voting milestones: %w", err)
	}

	resolved := 0
	for _, m := range expired {
		outcome, err := v.Resolve(ctx, m.Id)
		if err != nil {
			if errors.Is(err, ErrVotingOpen) {
				continue
			}
			logger.Error("Failed to resolve milestone %d: %v", m.Id, err)
			continue
		}
		logger.Info("Milestone %d resolved as %s", m.Id, outcome)
		resolved++
	}
	return resolved, nil
}

// Stats 投票统计，backerId 可为空
func (v *VoteLogic) Stats(ctx context.Context, milestoneId int64, backerId string) (*VoteStats, error) {
	m, err := v.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return nil, err
	}
	campaign, err := v.store.GetCampaign(ctx, m.CampaignId)
	if err != nil {
		return nil, err
	}
	votes, err := v.store.ListVotes(ctx, milestoneId)
	if err != nil {
		return nil, err
	}

	votesFor, votesAgainst := Tally(votes)
	total := votesFor + votesAgainst
	stats := &VoteStats{
		MilestoneId:     m.Id,
		Status:          m.Status,
		VotesFor:        votesFor,
		VotesAgainst:    votesAgainst,
		TotalPower:      total,
		Voters:          len(votes),
		ApprovalPercent: percent(votesFor, total),
		QuorumPercent:   percent(total, campaign.TargetAmount),
		VoteStartTime:   m.VoteStartTime,
		VoteEndTime:     m.VoteEndTime,
	}
	stats.QuorumMet = v.cfg.QuorumBps == 0 ||
		decimal.NewFromInt(total).Mul(bpsDenominator).GreaterThanOrEqual(decimal.NewFromInt(campaign.TargetAmount*v.cfg.QuorumBps))

	if m.Status == model.MilestoneStatusVoting && m.VoteEndTime != nil {
		if remaining := m.VoteEndTime.Sub(v.now()); remaining > 0 {
			stats.SecondsRemaining = int64(remaining / time.Second)
		}
	}

	if backerId != "" {
		power, err := v.ledger.Weight(ctx, m.CampaignId, backerId)
		if err != nil {
			return nil, err
		}
		stats.UserVotingPower = power
		for _, vote := range votes {
			if vote.BackerId == backerId {
				stats.UserHasVoted = true
				stats.UserDirection = vote.Direction
				break
			}
		}
	}
	return stats, nil
}

// percent 保留两位小数的百分比
func percent(part, whole int64) string {
	if whole <= 0 {
		return "0.00"
	}
	return decimal.NewFromInt(part).Mul(decimal.NewFromInt(100)).Div(decimal.NewFromInt(whole)).StringFixed(2)
}
