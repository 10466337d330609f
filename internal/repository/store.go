package repository

import (
	"context"
	"errors"
	"time"

	"github.com/blues/mfs/internal/model"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrConcurrentUpdate 条件更新未命中，记录已被并发修改
	ErrConcurrentUpdate = errors.New("record was modified concurrently")
)

// EscrowFilter 托管记录查询条件
type EscrowFilter struct {
	CampaignId  int64
	MilestoneId int64
	Statuses    []model.EscrowStatus
	DueBefore   *time.Time // next_attempt_at <= DueBefore
	Limit       int
}

// Store 业务层使用的持久化接口
type Store interface {
	// WithCampaignLock 在持有活动锁的单个事务中执行 fn，fn 内只能使用传入的 tx
	WithCampaignLock(ctx context.Context, campaignId int64, fn func(tx Store) error) error
	// InTransaction 在普通事务中执行 fn
	InTransaction(ctx context.Context, fn func(tx Store) error) error

	CreateCampaign(ctx context.Context, campaign *model.CampaignModel) error
	GetCampaign(ctx context.Context, id int64) (*model.CampaignModel, error)
	ListCampaignsWithContract(ctx context.Context) ([]model.CampaignModel, error)
	GetCampaignByContract(ctx context.Context, address string) (*model.CampaignModel, error)
	UpdateCampaign(ctx context.Context, id int64, updates map[string]interface{}) error
	IncrementCampaign(ctx context.Context, id int64, column string, delta int64) error

	CreateMilestones(ctx context.Context, milestones []model.MilestoneModel) error
	GetMilestone(ctx context.Context, id int64) (*model.MilestoneModel, error)
	// LockMilestone 读取里程碑并加行锁，shared 为 true 时加共享锁
	LockMilestone(ctx context.Context, id int64, shared bool) (*model.MilestoneModel, error)
	ListMilestones(ctx context.Context, campaignId int64) ([]model.MilestoneModel, error)
	UpdateMilestone(ctx context.Context, id int64, updates map[string]interface{}) error
	UpdateMilestoneStatus(ctx context.Context, id int64, from, to model.MilestoneStatus, updates map[string]interface{}) error
	ListExpiredVoting(ctx context.Context, now time.Time, limit int) ([]model.MilestoneModel, error)
	// ListAlertedCampaigns 存在托管告警的活动
	ListAlertedCampaigns(ctx context.Context) ([]int64, error)

	CreateContribution(ctx context.Context, contribution *model.ContributionModel) error
	GetContributionByTxHash(ctx context.Context, txHash string) (*model.ContributionModel, error)
	UpdateContribution(ctx context.Context, id int64, updates map[string]interface{}) error
	SumConfirmedContributions(ctx context.Context, campaignId int64, backerId string) (int64, error)
	ListBackerStakes(ctx context.Context, campaignId int64) ([]model.BackerStake, error)
	SoftDeleteContributions(ctx context.Context, campaignId int64) error

	UpsertVote(ctx context.Context, vote *model.VoteModel) error
	GetVote(ctx context.Context, milestoneId int64, backerId string) (*model.VoteModel, error)
	ListVotes(ctx context.Context, milestoneId int64) ([]model.VoteModel, error)
	SoftDeleteVotes(ctx context.Context, milestoneIds []int64) error

	CreateEscrowTransaction(ctx context.Context, record *model.EscrowTransactionModel) error
	GetEscrowTransaction(ctx context.Context, id int64) (*model.EscrowTransactionModel, error)
	GetEscrowTransactionByKey(ctx context.Context, key string) (*model.EscrowTransactionModel, error)
	ListEscrowTransactions(ctx context.Context, filter EscrowFilter) ([]model.EscrowTransactionModel, error)
	UpdateEscrowTransaction(ctx context.Context, id int64, updates map[string]interface{}) error
	ClaimEscrowTransaction(ctx context.Context, id int64, attempts int, updates map[string]interface{}) error
	SoftDeleteEscrowTransactions(ctx context.Context, campaignId int64) error

	CreateMismatch(ctx context.Context, mismatch *model.ReconciliationMismatchModel) error
	ListMismatches(ctx context.Context, campaignId int64, onlyOpen bool) ([]model.ReconciliationMismatchModel, error)
	HasOpenMismatch(ctx context.Context, campaignId, escrowTransactionId int64, field string) (bool, error)

	SaveEvent(ctx context.Context, event *model.EventModel) (bool, error)
	GetEvent(ctx context.Context, txHash string, logIndex int64) (*model.EventModel, error)
	ListUnprocessedEvents(ctx context.Context, maxAttempts, limit int) ([]model.EventModel, error)
	UpdateEvent(ctx context.Context, id int64, updates map[string]interface{}) error
	MaxEventBlock(ctx context.Context) (int64, error)
}
