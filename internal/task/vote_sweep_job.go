package task

import (
	"context"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// VoteSweepJob 结算投票窗口已关闭的里程碑，不依赖用户触发
type VoteSweepJob struct {
	votes  *logic.VoteLogic
	config config.TaskConfig
}

// NewVoteSweepJob 创建投票结算任务
func NewVoteSweepJob(votes *logic.VoteLogic, cfg config.TaskConfig) *VoteSweepJob {
	return &VoteSweepJob{
		votes:  votes,
		config: cfg,
	}
}

// GetName 获取任务名称
func (j *VoteSweepJob) GetName() string {
	return "vote_resolution_sweeper"
}

// GetSchedule 获取调度配置
func (j *VoteSweepJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(seconds(j.config.SweepInterval, 60)) * time.Second)
}

// Execute 执行任务
func (j *VoteSweepJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	j.run(ctx)
}

func (j *VoteSweepJob) run(ctx context.Context) int {
	log := logger.With(zap.String("job", j.GetName()), zap.String("run_id", uuid.NewString()))

	resolved, err := j.votes.SweepExpired(ctx, seconds(j.config.SweepBatch, 100))
	if err != nil {
		log.Error("Vote sweep failed after resolving %d milestones: %v", resolved, err)
		return resolved
	}
	if resolved > 0 {
		log.Info("Resolved %d expired votes", resolved)
	}
	return resolved
}
