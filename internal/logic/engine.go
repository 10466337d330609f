package logic

import (
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/repository"
	"github.com/go-playground/validator/v10"
)

// Engine 里程碑资金与治理引擎的全部组件
type Engine struct {
	Contributions *ContributionLogic
	Allocation    *AllocationLogic
	Milestones    *MilestoneLogic
	Votes         *VoteLogic
	Escrow        *EscrowLogic
}

// NewEngine 组装引擎，clock 为 nil 时使用 UTC 当前时间
func NewEngine(store repository.Store, chain Chain, engineCfg config.EngineConfig, escrowCfg config.EscrowConfig, clock func() time.Time) *Engine {
	if clock == nil {
		clock = func() time.Time { return time.Now().UTC() }
	}
	validate := validator.New()

	alloc := NewAllocationLogic(store)
	escrow := NewEscrowLogic(store, chain, escrowCfg, clock)
	ledger := NewContributionLogic(store, alloc, validate, clock)
	milestones := NewMilestoneLogic(store, alloc, escrow, engineCfg, validate, clock)
	votes := NewVoteLogic(store, milestones, ledger, escrow, engineCfg, clock)

	return &Engine{
		Contributions: ledger,
		Allocation:    alloc,
		Milestones:    milestones,
		Votes:         votes,
		Escrow:        escrow,
	}
}
