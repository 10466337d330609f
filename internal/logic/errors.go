package logic

import (
	"errors"

	"github.com/blues/mfs/internal/repository"
)

var (
	// ErrInvalidAmount 金额非正或超过可分配余额
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrOverfunded 资金超出所有可分配里程碑，剩余部分保留未分配
	ErrOverfunded = errors.New("campaign overfunded")
	// ErrMilestoneNotEligible 里程碑尚未轮到
	ErrMilestoneNotEligible = errors.New("milestone not eligible")
	// ErrVotingClosed 投票窗口外投票
	ErrVotingClosed = errors.New("voting closed")
	// ErrVotingOpen 投票窗口尚未结束
	ErrVotingOpen = errors.New("voting window still open")
	// ErrEscrowTransactionFailed 链上托管调用失败
	ErrEscrowTransactionFailed = errors.New("escrow transaction failed")
	// ErrChainReconciliationMismatch 链上链下状态不一致，需人工介入
	ErrChainReconciliationMismatch = errors.New("chain reconciliation mismatch")
	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("invalid state")
	// ErrInvalidTransition 非法的状态迁移
	ErrInvalidTransition = errors.New("invalid milestone transition")
	// ErrNotBacker 没有已确认出资的用户不能投票
	ErrNotBacker = errors.New("not a backer of this campaign")
	// ErrInvalidPlan 里程碑计划不合法
	ErrInvalidPlan = errors.New("invalid milestone plan")
	// ErrInvalidInput 请求参数不合法
	ErrInvalidInput = errors.New("invalid input")

	ErrNotFound         = repository.ErrNotFound
	ErrConcurrentUpdate = repository.ErrConcurrentUpdate
)
