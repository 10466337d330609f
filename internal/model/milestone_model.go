package model

import (
	"time"
)

// MilestoneModel 资金里程碑
type MilestoneModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignId    int64           `json:"campaign_id" gorm:"not null;uniqueIndex:idx_milestone_campaign_order"`
	Order         int             `json:"order" gorm:"column:milestone_order;not null;uniqueIndex:idx_milestone_campaign_order"`
	Title         string          `json:"title" gorm:"not null"`
	Description   string          `json:"description" gorm:"type:text"`
	AmountTarget  int64           `json:"amount_target" gorm:"not null"`
	CurrentAmount int64           `json:"current_amount" gorm:"not null;default:0"`
	Status        MilestoneStatus `json:"status" gorm:"not null;index"`
	VoteStartTime *time.Time      `json:"vote_start_time"`
	VoteEndTime   *time.Time      `json:"vote_end_time" gorm:"index"`
	VotesFor      int64           `json:"votes_for" gorm:"not null;default:0"`
	VotesAgainst  int64           `json:"votes_against" gorm:"not null;default:0"`
	Evidence      string          `json:"evidence" gorm:"type:text"`
	SubmittedAt   *time.Time      `json:"submitted_at"`
	ResolvedAt    *time.Time      `json:"resolved_at"`
	ReleaseTxHash string          `json:"release_tx_hash"`
	EscrowAlert   string          `json:"escrow_alert" gorm:"type:text"` // 托管重试耗尽后的持久告警
}

// TableName 自定义表名
func (MilestoneModel) TableName() string {
	return "milestone"
}

// ChainIndex 合约中的里程碑下标
func (m *MilestoneModel) ChainIndex() int64 {
	return int64(m.Order - 1)
}

// Remaining 距目标还差的金额
func (m *MilestoneModel) Remaining() int64 {
	return m.AmountTarget - m.CurrentAmount
}

// MilestoneStatus 里程碑状态
type MilestoneStatus string

const (
	MilestoneStatusPending       MilestoneStatus = "PENDING"        // 未轮到
	MilestoneStatusActive        MilestoneStatus = "ACTIVE"         // 接受资金分配
	MilestoneStatusAwaitingProof MilestoneStatus = "AWAITING_PROOF" // 已筹满，等待提交证明
	MilestoneStatusVoting        MilestoneStatus = "VOTING"         // 投票中
	MilestoneStatusApproved      MilestoneStatus = "APPROVED"       // 通过
	MilestoneStatusRejected      MilestoneStatus = "REJECTED"       // 否决
)

// IsTerminal 是否为终态
func (s MilestoneStatus) IsTerminal() bool {
	return s == MilestoneStatusApproved || s == MilestoneStatusRejected
}
