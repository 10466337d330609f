package model

import (
	"time"

	"gorm.io/gorm"
)

// VoteModel 里程碑投票
type VoteModel struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	MilestoneId int64         `json:"milestone_id" gorm:"not null;uniqueIndex:idx_vote_milestone_backer"`
	BackerId    string        `json:"backer_id" gorm:"not null;uniqueIndex:idx_vote_milestone_backer"`
	Weight      int64         `json:"weight" gorm:"not null"`
	Direction   VoteDirection `json:"direction" gorm:"not null"`
	CastAt      time.Time     `json:"cast_at"`
}

// TableName 自定义表名
func (VoteModel) TableName() string {
	return "vote"
}

// VoteDirection 投票方向
type VoteDirection string

const (
	VoteApprove VoteDirection = "APPROVE"
	VoteReject  VoteDirection = "REJECT"
)

// Valid 是否为合法方向
func (d VoteDirection) Valid() bool {
	return d == VoteApprove || d == VoteReject
}
