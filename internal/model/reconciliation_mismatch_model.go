package model

import (
	"time"
)

// ReconciliationMismatchModel 链上链下状态不一致记录，只报告不自动修正
type ReconciliationMismatchModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	CampaignId          int64  `json:"campaign_id" gorm:"not null;index"`
	MilestoneId         int64  `json:"milestone_id" gorm:"index"`
	EscrowTransactionId int64  `json:"escrow_transaction_id" gorm:"index"`
	Field               string `json:"field" gorm:"not null"`
	OffchainValue       string `json:"offchain_value"`
	OnchainValue        string `json:"onchain_value"`
	Detail              string `json:"detail" gorm:"type:text"`
	Resolved            bool   `json:"resolved" gorm:"not null;default:false"`
}

// TableName 自定义表名
func (ReconciliationMismatchModel) TableName() string {
	return "reconciliation_mismatch"
}
