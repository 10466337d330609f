package task

import (
	"context"
	"errors"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/repository"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// EscrowReconcileJob 对账已提交的托管交易，并复核存在告警的活动账目
type EscrowReconcileJob struct {
	escrow *logic.EscrowLogic
	ledger *logic.ContributionLogic
	store  repository.Store
	config config.TaskConfig
}

// NewEscrowReconcileJob 创建对账任务
func NewEscrowReconcileJob(escrow *logic.EscrowLogic, ledger *logic.ContributionLogic, store repository.Store, cfg config.TaskConfig) *EscrowReconcileJob {
	return &EscrowReconcileJob{
		escrow: escrow,
		ledger: ledger,
		store:  store,
		config: cfg,
	}
}

// GetName 获取任务名称
func (j *EscrowReconcileJob) GetName() string {
	return "escrow_reconciler"
}

// GetSchedule 获取调度配置
func (j *EscrowReconcileJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(time.Duration(seconds(j.config.ReconcileInterval, 30)) * time.Second)
}

// Execute 执行任务
func (j *EscrowReconcileJob) Execute() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	j.run(ctx)
}

func (j *EscrowReconcileJob) run(ctx context.Context) *logic.ReconcileReport {
	log := logger.With(zap.String("job", j.GetName()), zap.String("run_id", uuid.NewString()))

	report, err := j.escrow.Reconcile(ctx, seconds(j.config.SweepBatch, 100))
	if err != nil {
		log.Error("Escrow reconciliation failed: %v", err)
		return report
	}
	if report.Checked > 0 || report.Dispatched > 0 {
		log.Info("Escrow reconciliation: checked %d, confirmed %d, failed %d, pending %d, dispatched %d, mismatches %d, errors %d",
			report.Checked, report.Confirmed, report.Failed, report.Pending, report.Dispatched, report.Mismatches, report.Errors)
	}

	campaignIds, err := j.store.ListAlertedCampaigns(ctx)
	if err != nil {
		log.Error("Failed to list alerted campaigns: %v", err)
		return report
	}
	for _, id := range campaignIds {
		if err := j.ledger.VerifyTotals(ctx, id); err != nil {
			if errors.Is(err, logic.ErrChainReconciliationMismatch) {
				report.Mismatches++
			}
			log.Error("Ledger totals check failed for campaign %d: %v", id, err)
		}
	}
	return report
}
