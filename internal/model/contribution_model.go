package model

import (
	"time"

	"gorm.io/gorm"
)

// ContributionModel 贡献记录
type ContributionModel struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	CampaignId    int64              `json:"campaign_id" gorm:"not null;index:idx_contribution_campaign_backer"`
	BackerId      string             `json:"backer_id" gorm:"not null;index:idx_contribution_campaign_backer"`
	BackerAddress string             `json:"backer_address"`
	Amount        int64              `json:"amount" gorm:"not null"`
	Status        ContributionStatus `json:"status" gorm:"not null"`
	TxHash        string             `json:"tx_hash" gorm:"uniqueIndex"` // 去重键
	BlockNum      int64              `json:"block_num"`
	AllocatedAt   *time.Time         `json:"allocated_at"`
}

// TableName 自定义表名
func (ContributionModel) TableName() string {
	return "contribution"
}

// ContributionStatus 贡献状态
type ContributionStatus string

const (
	ContributionStatusPending   ContributionStatus = "PENDING"
	ContributionStatusConfirmed ContributionStatus = "CONFIRMED"
	ContributionStatusFailed    ContributionStatus = "FAILED"
)

// BackerStake 支持者在活动中的已确认出资
type BackerStake struct {
	BackerId      string `json:"backer_id"`
	BackerAddress string `json:"backer_address"`
	Amount        int64  `json:"amount"`
}
