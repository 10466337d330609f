package model

import (
	"time"

	"gorm.io/gorm"
)

// EscrowTransactionModel 托管资金的链上释放/退款记录
type EscrowTransactionModel struct {
	Id        int64          `json:"id" gorm:"primaryKey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Reference      string       `json:"reference" gorm:"not null;uniqueIndex"`
	IdempotencyKey string       `json:"idempotency_key" gorm:"not null;uniqueIndex"`
	CampaignId     int64        `json:"campaign_id" gorm:"not null;index"`
	MilestoneId    int64        `json:"milestone_id" gorm:"not null;index"`
	Kind           EscrowKind   `json:"kind" gorm:"not null"`
	Method         string       `json:"method" gorm:"not null"` // finalize / adminRelease / adminRefund
	Recipient      string       `json:"recipient" gorm:"not null"`
	Amount         int64        `json:"amount" gorm:"not null"`
	ChainTxHash    string       `json:"chain_tx_hash" gorm:"index"`
	SignedTx       string       `json:"-" gorm:"type:text"` // 退款只签名一次，重试广播同一笔交易
	SignedTxHash   string       `json:"signed_tx_hash"`
	Status         EscrowStatus `json:"status" gorm:"not null;index"`
	Attempts       int          `json:"attempts" gorm:"not null;default:0"`
	Retryable      bool         `json:"retryable" gorm:"not null"`
	LastError      string       `json:"last_error" gorm:"type:text"`
	LastAttemptAt  *time.Time   `json:"last_attempt_at"`
	NextAttemptAt  *time.Time   `json:"next_attempt_at" gorm:"index"`
	ConfirmedAt    *time.Time   `json:"confirmed_at"`
	BlockNum       int64        `json:"block_num"`
}

// TableName 自定义表名
func (EscrowTransactionModel) TableName() string {
	return "escrow_transaction"
}

// EscrowKind 托管操作类型
type EscrowKind string

const (
	EscrowKindRelease EscrowKind = "RELEASE"
	EscrowKindRefund  EscrowKind = "REFUND"
)

// EscrowStatus 托管记录状态
type EscrowStatus string

const (
	EscrowStatusSubmitted EscrowStatus = "SUBMITTED"
	EscrowStatusConfirmed EscrowStatus = "CONFIRMED"
	EscrowStatusFailed    EscrowStatus = "FAILED"
)

// 合约方法
const (
	EscrowMethodFinalize     = "finalize"
	EscrowMethodAdminRelease = "adminRelease"
	EscrowMethodAdminRefund  = "adminRefund"
)
