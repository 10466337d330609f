package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/blues/mfs/internal/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore Store 的 gorm 实现
type GormStore struct {
	db     *gorm.DB
	locks  *campaignLocks
	inTx   bool
	locked int64 // 当前事务持有锁的活动
}

// NewGormStore 创建 gorm 存储
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db, locks: newCampaignLocks()}
}

// DB 底层连接
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

func (s *GormStore) child(tx *gorm.DB, campaignId int64) *GormStore {
	return &GormStore{db: tx, locks: s.locks, inTx: true, locked: campaignId}
}

// WithCampaignLock 实现 Store
func (s *GormStore) WithCampaignLock(ctx context.Context, campaignId int64, fn func(tx Store) error) error {
	if s.inTx {
		if s.locked == campaignId {
			return fn(s)
		}
		if err := lockCampaignRow(s.db.WithContext(ctx), campaignId); err != nil {
			return err
		}
		return fn(s.child(s.db, campaignId))
	}

	unlock := s.locks.lock(campaignId)
	defer unlock()

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockCampaignRow(tx, campaignId); err != nil {
			return err
		}
		return fn(s.child(tx, campaignId))
	})
}

// InTransaction 实现 Store
func (s *GormStore) InTransaction(ctx context.Context, fn func(tx Store) error) error {
	if s.inTx {
		return fn(s)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(s.child(tx, 0))
	})
}

// lockCampaignRow postgres 下对活动行加 FOR UPDATE 锁，同时确认活动存在
func lockCampaignRow(tx *gorm.DB, campaignId int64) error {
	query := tx.Model(&model.CampaignModel{}).Where("id = ?", campaignId)
	if tx.Dialector.Name() == "postgres" {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var ids []int64
	if err := query.Pluck("id", &ids).Error; err != nil {
		return fmt.Errorf("failed to lock campaign %d: %w", campaignId, err)
	}
	if len(ids) == 0 {
		return fmt.Errorf("campaign %d: %w", campaignId, ErrNotFound)
	}
	return nil
}

func notFound(err error, what string, id interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %v: %w", what, id, ErrNotFound)
	}
	return err
}

// ---- campaign ----

func (s *GormStore) CreateCampaign(ctx context.Context, campaign *model.CampaignModel) error {
	return s.db.WithContext(ctx).Create(campaign).Error
}

func (s *GormStore) GetCampaign(ctx context.Context, id int64) (*model.CampaignModel, error) {
	var campaign model.CampaignModel
	if err := s.db.WithContext(ctx).First(&campaign, id).Error; err != nil {
		return nil, notFound(err, "campaign", id)
	}
	return &campaign, nil
}

func (s *GormStore) ListCampaignsWithContract(ctx context.Context) ([]model.CampaignModel, error) {
	var campaigns []model.CampaignModel
	err := s.db.WithContext(ctx).Where("contract_address <> ''").Order("id").Find(&campaigns).Error
	return campaigns, err
}

func (s *GormStore) GetCampaignByContract(ctx context.Context, address string) (*model.CampaignModel, error) {
	var campaign model.CampaignModel
	if err := s.db.WithContext(ctx).Where("LOWER(contract_address) = LOWER(?)", address).First(&campaign).Error; err != nil {
		return nil, notFound(err, "campaign with contract", address)
	}
	return &campaign, nil
}

func (s *GormStore) UpdateCampaign(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.CampaignModel{}).Where("id = ?", id).Updates(updates).Error
}

// IncrementCampaign 原子增减金额字段
func (s *GormStore) IncrementCampaign(ctx context.Context, id int64, column string, delta int64) error {
	return s.db.WithContext(ctx).Model(&model.CampaignModel{}).Where("id = ?", id).
		Update(column, gorm.Expr(column+" + ?", delta)).Error
}

// ---- milestone ----

func (s *GormStore) CreateMilestones(ctx context.Context, milestones []model.MilestoneModel) error {
	if len(milestones) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Create(&milestones).Error
}

func (s *GormStore) GetMilestone(ctx context.Context, id int64) (*model.MilestoneModel, error) {
	var milestone model.MilestoneModel
	if err := s.db.WithContext(ctx).First(&milestone, id).Error; err != nil {
		return nil, notFound(err, "milestone", id)
	}
	return &milestone, nil
}

func (s *GormStore) LockMilestone(ctx context.Context, id int64, shared bool) (*model.MilestoneModel, error) {
	query := s.db.WithContext(ctx)
	if s.db.Dialector.Name() == "postgres" {
		strength := "UPDATE"
		if shared {
			strength = "SHARE"
		}
		query = query.Clauses(clause.Locking{Strength: strength})
	}
	var milestone model.MilestoneModel
	if err := query.First(&milestone, id).Error; err != nil {
		return nil, notFound(err, "milestone", id)
	}
	return &milestone, nil
}

// ListMilestones 按 order 升序
func (s *GormStore) ListMilestones(ctx context.Context, campaignId int64) ([]model.MilestoneModel, error) {
	var milestones []model.MilestoneModel
	err := s.db.WithContext(ctx).Where("campaign_id = ?", campaignId).Order("milestone_order ASC").Find(&milestones).Error
	return milestones, err
}

func (s *GormStore) UpdateMilestone(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.MilestoneModel{}).Where("id = ?", id).Updates(updates).Error
}

// UpdateMilestoneStatus 仅当当前状态为 from 时更新
func (s *GormStore) UpdateMilestoneStatus(ctx context.Context, id int64, from, to model.MilestoneStatus, updates map[string]interface{}) error {
	values := map[string]interface{}{"status": to}
	for k, v := range updates {
		values[k] = v
	}
	result := s.db.WithContext(ctx).Model(&model.MilestoneModel{}).
		Where("id = ? AND status = ?", id, from).
		Updates(values)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("milestone %d is no longer %s: %w", id, from, ErrConcurrentUpdate)
	}
	return nil
}

func (s *GormStore) ListExpiredVoting(ctx context.Context, now time.Time, limit int) ([]model.MilestoneModel, error) {
	var milestones []model.MilestoneModel
	query := s.db.WithContext(ctx).
		Where("status = ? AND vote_end_time <= ?", model.MilestoneStatusVoting, now).
		Order("vote_end_time ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Find(&milestones).Error
	return milestones, err
}

// ---- contribution ----

func (s *GormStore) ListAlertedCampaigns(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.db.WithContext(ctx).Model(&model.MilestoneModel{}).
		Where("escrow_alert <> ''").
		Distinct().
		Order("campaign_id").
		Pluck("campaign_id", &ids).Error
	return ids, err
}

func (s *GormStore) CreateContribution(ctx context.Context, contribution *model.ContributionModel) error {
	return s.db.WithContext(ctx).Create(contribution).Error
}

// GetContributionByTxHash 包含已被重置软删除的记录，用于去重
func (s *GormStore) GetContributionByTxHash(ctx context.Context, txHash string) (*model.ContributionModel, error) {
	var contribution model.ContributionModel
	if err := s.db.WithContext(ctx).Unscoped().Where("tx_hash = ?", txHash).First(&contribution).Error; err != nil {
		return nil, notFound(err, "contribution", txHash)
	}
	return &contribution, nil
}

func (s *GormStore) UpdateContribution(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.ContributionModel{}).Where("id = ?", id).Updates(updates).Error
}

// SumConfirmedContributions backerId 为空时汇总整个活动
func (s *GormStore) SumConfirmedContributions(ctx context.Context, campaignId int64, backerId string) (int64, error) {
	var sum int64
	query := s.db.WithContext(ctx).Model(&model.ContributionModel{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("campaign_id = ? AND status = ?", campaignId, model.ContributionStatusConfirmed)
	if backerId != "" {
		query = query.Where("backer_id = ?", backerId)
	}
	if err := query.Scan(&sum).Error; err != nil {
		return 0, err
	}
	return sum, nil
}

func (s *GormStore) ListBackerStakes(ctx context.Context, campaignId int64) ([]model.BackerStake, error) {
	var stakes []model.BackerStake
	err := s.db.WithContext(ctx).Model(&model.ContributionModel{}).
		Select("backer_id, MAX(backer_address) AS backer_address, SUM(amount) AS amount").
		Where("campaign_id = ? AND status = ?", campaignId, model.ContributionStatusConfirmed).
		Group("backer_id").
		Order("backer_id ASC").
		Scan(&stakes).Error
	return stakes, err
}

func (s *GormStore) SoftDeleteContributions(ctx context.Context, campaignId int64) error {
	return s.db.WithContext(ctx).Where("campaign_id = ?", campaignId).Delete(&model.ContributionModel{}).Error
}

// ---- vote ----

// UpsertVote 同一支持者的新投票覆盖旧投票
func (s *GormStore) UpsertVote(ctx context.Context, vote *model.VoteModel) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "milestone_id"}, {Name: "backer_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"weight":     vote.Weight,
			"direction":  vote.Direction,
			"cast_at":    vote.CastAt,
			"updated_at": vote.CastAt,
			"deleted_at": nil,
		}),
	}).Create(vote).Error
}

func (s *GormStore) GetVote(ctx context.Context, milestoneId int64, backerId string) (*model.VoteModel, error) {
	var vote model.VoteModel
	err := s.db.WithContext(ctx).Where("milestone_id = ? AND backer_id = ?", milestoneId, backerId).First(&vote).Error
	if err != nil {
		return nil, notFound(err, "vote", backerId)
	}
	return &vote, nil
}

func (s *GormStore) ListVotes(ctx context.Context, milestoneId int64) ([]model.VoteModel, error) {
	var votes []model.VoteModel
	err := s.db.WithContext(ctx).Where("milestone_id = ?", milestoneId).Order("id ASC").Find(&votes).Error
	return votes, err
}

func (s *GormStore) SoftDeleteVotes(ctx context.Context, milestoneIds []int64) error {
	if len(milestoneIds) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Where("milestone_id IN ?", milestoneIds).Delete(&model.VoteModel{}).Error
}

// ---- escrow ----

func (s *GormStore) CreateEscrowTransaction(ctx context.Context, record *model.EscrowTransactionModel) error {
	return s.db.WithContext(ctx).Create(record).Error
}

func (s *GormStore) GetEscrowTransaction(ctx context.Context, id int64) (*model.EscrowTransactionModel, error) {
	var record model.EscrowTransactionModel
	if err := s.db.WithContext(ctx).First(&record, id).Error; err != nil {
		return nil, notFound(err, "escrow transaction", id)
	}
	return &record, nil
}

func (s *GormStore) GetEscrowTransactionByKey(ctx context.Context, key string) (*model.EscrowTransactionModel, error) {
	var record model.EscrowTransactionModel
	if err := s.db.WithContext(ctx).Where("idempotency_key = ?", key).First(&record).Error; err != nil {
		return nil, notFound(err, "escrow transaction", key)
	}
	return &record, nil
}

func (s *GormStore) ListEscrowTransactions(ctx context.Context, filter EscrowFilter) ([]model.EscrowTransactionModel, error) {
	var records []model.EscrowTransactionModel
	query := s.db.WithContext(ctx).Model(&model.EscrowTransactionModel{})
	if filter.CampaignId > 0 {
		query = query.Where("campaign_id = ?", filter.CampaignId)
	}
	if filter.MilestoneId > 0 {
		query = query.Where("milestone_id = ?", filter.MilestoneId)
	}
	if len(filter.Statuses) > 0 {
		query = query.Where("status IN ?", filter.Statuses)
	}
	if filter.DueBefore != nil {
		query = query.Where("next_attempt_at IS NULL OR next_attempt_at <= ?", *filter.DueBefore)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	err := query.Order("id ASC").Find(&records).Error
	return records, err
}

func (s *GormStore) UpdateEscrowTransaction(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.EscrowTransactionModel{}).Where("id = ?", id).Updates(updates).Error
}

// ClaimEscrowTransaction 以尝试次数做乐观锁，保证同一时刻只有一个调用者向链上发送
func (s *GormStore) ClaimEscrowTransaction(ctx context.Context, id int64, attempts int, updates map[string]interface{}) error {
	result := s.db.WithContext(ctx).Model(&model.EscrowTransactionModel{}).
		Where("id = ? AND attempts = ? AND chain_tx_hash = ''", id, attempts).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("escrow transaction %d: %w", id, ErrConcurrentUpdate)
	}
	return nil
}

func (s *GormStore) SoftDeleteEscrowTransactions(ctx context.Context, campaignId int64) error {
	return s.db.WithContext(ctx).Where("campaign_id = ?", campaignId).Delete(&model.EscrowTransactionModel{}).Error
}

// ---- reconciliation ----

func (s *GormStore) CreateMismatch(ctx context.Context, mismatch *model.ReconciliationMismatchModel) error {
	return s.db.WithContext(ctx).Create(mismatch).Error
}

func (s *GormStore) ListMismatches(ctx context.Context, campaignId int64, onlyOpen bool) ([]model.ReconciliationMismatchModel, error) {
	var mismatches []model.ReconciliationMismatchModel
	query := s.db.WithContext(ctx).Model(&model.ReconciliationMismatchModel{})
	if campaignId > 0 {
		query = query.Where("campaign_id = ?", campaignId)
	}
	if onlyOpen {
		query = query.Where("resolved = ?", false)
	}
	err := query.Order("id ASC").Find(&mismatches).Error
	return mismatches, err
}

func (s *GormStore) HasOpenMismatch(ctx context.Context, campaignId, escrowTransactionId int64, field string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&model.ReconciliationMismatchModel{}).
		Where("campaign_id = ? AND escrow_transaction_id = ? AND field = ? AND resolved = ?", campaignId, escrowTransactionId, field, false).
		Count(&count).Error
	return count > 0, err
}

// ---- chain events ----

// SaveEvent 返回是否为新事件
func (s *GormStore) SaveEvent(ctx context.Context, event *model.EventModel) (bool, error) {
	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tx_hash"}, {Name: "log_index"}},
		DoNothing: true,
	}).Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (s *GormStore) GetEvent(ctx context.Context, txHash string, logIndex int64) (*model.EventModel, error) {
	var event model.EventModel
	if err := s.db.WithContext(ctx).Where("tx_hash = ? AND log_index = ?", txHash, logIndex).First(&event).Error; err != nil {
		return nil, notFound(err, "event", fmt.Sprintf("%s:%d", txHash, logIndex))
	}
	return &event, nil
}

// ListUnprocessedEvents 处理失败且未超过重试次数的事件，按链上顺序
func (s *GormStore) ListUnprocessedEvents(ctx context.Context, maxAttempts, limit int) ([]model.EventModel, error) {
	var events []model.EventModel
	query := s.db.WithContext(ctx).Where("processed = ?", false)
	if maxAttempts > 0 {
		query = query.Where("attempts < ?", maxAttempts)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}
	err := query.Order("block_num ASC, log_index ASC").Find(&events).Error
	return events, err
}

func (s *GormStore) UpdateEvent(ctx context.Context, id int64, updates map[string]interface{}) error {
	return s.db.WithContext(ctx).Model(&model.EventModel{}).Where("id = ?", id).Updates(updates).Error
}

func (s *GormStore) MaxEventBlock(ctx context.Context) (int64, error) {
	var maxBlock int64
	err := s.db.WithContext(ctx).Model(&model.EventModel{}).
		Select("COALESCE(MAX(block_num), 0)").
		Scan(&maxBlock).Error
	return maxBlock, err
}

var _ Store = (*GormStore)(nil)
