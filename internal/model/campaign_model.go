package model

import (
	"time"
)

// CampaignModel 众筹活动
type CampaignModel struct {
	Id        int64     `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Title              string         `json:"title" gorm:"not null"`
	CreatorId          string         `json:"creator_id" gorm:"not null;index"`
	CreatorAddress     string         `json:"creator_address" gorm:"not null"`
	ContractAddress    string         `json:"contract_address" gorm:"index"`
	TargetAmount       int64          `json:"target_amount" gorm:"not null"`
	CurrentAmount      int64          `json:"current_amount" gorm:"not null;default:0"` // 已确认贡献总额
	ReleasedAmount     int64          `json:"released_amount" gorm:"not null;default:0"`
	RefundedAmount     int64          `json:"refunded_amount" gorm:"not null;default:0"`
	RequiresMilestones bool           `json:"requires_milestones" gorm:"not null"`
	Status             CampaignStatus `json:"status" gorm:"not null;default:'active'"`
	ResetEpoch         int64          `json:"reset_epoch" gorm:"not null;default:0"` // 管理员重置次数
}

// TableName 自定义表名
func (CampaignModel) TableName() string {
	return "campaign"
}

// CampaignStatus 活动状态
type CampaignStatus string

const (
	CampaignStatusActive    CampaignStatus = "active"    // 进行中
	CampaignStatusCompleted CampaignStatus = "completed" // 全部里程碑已通过
	CampaignStatusDisputed  CampaignStatus = "disputed"  // 里程碑被否决，等待争议处理
)
