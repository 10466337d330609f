package task

import (
	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/repository"
	"github.com/go-co-op/gocron/v2"
)

// Job 定时任务
type Job interface {
	GetName() string
	GetSchedule() gocron.JobDefinition
	Execute()
}

// Manager 任务管理器
type Manager struct {
	scheduler gocron.Scheduler
	jobs      []Job
}

// NewManager 创建任务管理器并注册引擎的全部任务
func NewManager(engine *logic.Engine, store repository.Store, cfg config.TaskConfig) (*Manager, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}

	m := &Manager{scheduler: s}
	m.jobs = []Job{
		NewVoteSweepJob(engine.Votes, cfg),
		NewEscrowReconcileJob(engine.Escrow, engine.Contributions, store, cfg),
		NewEscrowRetryJob(engine.Escrow, cfg),
	}
	for _, job := range m.jobs {
		m.RegisterJob(job)
	}
	return m, nil
}

// RegisterJob 注册任务，上一次未结束时顺延
func (m *Manager) RegisterJob(job Job) {
	_, err := m.scheduler.NewJob(
		job.GetSchedule(),
		gocron.NewTask(job.Execute),
		gocron.WithName(job.GetName()),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		logger.Error("Failed to register job %s: %v", job.GetName(), err)
		return
	}
	logger.Info("Registered job %s", job.GetName())
}

// Start 启动调度器
func (m *Manager) Start() {
	m.scheduler.Start()
	logger.Info("Task manager started successfully")
}

// Stop 停止任务管理器
func (m *Manager) Stop() {
	if err := m.scheduler.Shutdown(); err != nil {
		logger.Error("Failed to shutdown scheduler: %v", err)
	}
	logger.Info("Task manager stopped")
}

func seconds(n, fallback int) int {
	if n <= 0 {
		return fallback
	}
	return n
}
