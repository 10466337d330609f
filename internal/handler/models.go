package handler

import (
	"github.com/blues/mfs/internal/model"
)

// 通用响应结构
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Data    interface{} `json:"data"`
}

// CampaignResponse 创建活动的响应
type CampaignResponse struct {
	Campaign   *model.CampaignModel   `json:"campaign"`
	Milestones []model.MilestoneModel `json:"milestones"`
}

// ProofRequest 提交里程碑证明
type ProofRequest struct {
	Evidence string `json:"evidence" binding:"required"`
}

// VoteRequest 投票请求，weight 为空时按已确认出资计算
type VoteRequest struct {
	BackerId  string              `json:"backer_id" binding:"required"`
	Direction model.VoteDirection `json:"direction" binding:"required"`
	Weight    int64               `json:"weight"`
}

// ResolveResponse 投票结算结果
type ResolveResponse struct {
	MilestoneId int64                 `json:"milestone_id"`
	Outcome     model.MilestoneStatus `json:"outcome"`
}

// EscrowResponse 活动的托管记录与对账差异
type EscrowResponse struct {
	Transactions []model.EscrowTransactionModel      `json:"transactions"`
	Mismatches   []model.ReconciliationMismatchModel `json:"mismatches"`
}
