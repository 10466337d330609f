package task

import (
	"context"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/go-co-op/gocron/v2"
)

// EscrowRetryJob 重新提交到期的失败托管交易
type EscrowRetryJob struct {
	escrow *logic.EscrowLogic
	config config.TaskConfig
}

// NewEscrowRetryJob 创建重试任务
func NewEscrowRetryJob(escrow *logic.EscrowLogic, cfg config.TaskConfig) *EscrowRetryJob {
	return &EscrowRetryJob{
		escrow: escrow,
		config: cfg,
	}
}

// GetName 获取任务名称
func (j *EscrowRetryJob) GetName() string {
	return "escrow_retrier"
}

// GetSchedule 获取调度配置
func (j *EscrowRetryJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(seconds(j.config.RetryInterval, 60)) * time.Second)
}

// Execute 执行任务
func (j *EscrowRetryJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	submitted, err := j.escrow.RetryFailed(ctx, seconds(j.config.SweepBatch, 100))
	if err != nil {
		logger.Error("Escrow retry failed: %v", err)
		return
	}
	if submitted > 0 {
		logger.Info("Re-submitted %d failed escrow transactions", submitted)
	}
}
