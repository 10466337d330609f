package task

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/logic"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

var dbSeq int64

func init() {
	logger.SetDefaultLogger(logger.NewNop())
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setupEngine(t *testing.T) (*logic.Engine, *repository.GormStore, *clock) {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repository.Open(sqlite.Open(fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbSeq, 1))))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, repository.Migrate(db))
	store := repository.NewGormStore(db)

	c := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	engine := logic.NewEngine(store, nil,
		config.EngineConfig{VoteBufferSeconds: 60, VoteDurationSeconds: 3600, MinMilestones: 1},
		config.EscrowConfig{MaxAttempts: 3, RetryInitialSeconds: 10, RetryMaxSeconds: 60, ConfirmTimeoutSeconds: 600},
		c.Now)
	return engine, store, c
}

func fundedVotingMilestone(t *testing.T, engine *logic.Engine) (*model.CampaignModel, int64) {
	t.Helper()
	ctx := context.Background()
	campaign, milestones, err := engine.Milestones.CreateCampaign(ctx, logic.CampaignPlan{
		Title:          "swept",
		CreatorId:      "creator",
		CreatorAddress: "0x00000000000000000000000000000000000000aa",
		TargetAmount:   500,
		Milestones:     []logic.MilestonePlan{{Order: 1, Title: "only", AmountTarget: 500}},
	})
	require.NoError(t, err)
	_, err = engine.Contributions.Confirm(ctx, logic.ContributionInput{
		CampaignId: campaign.Id, BackerId: "alice", BackerAddress: "0xalice", Amount: 500, TxHash: "0x" + campaign.Title,
	})
	require.NoError(t, err)
	_, err = engine.Milestones.SubmitProof(ctx, milestones[0].Id, "ipfs://proof")
	require.NoError(t, err)
	return campaign, milestones[0].Id
}

func TestVoteSweepJob(t *testing.T) {
	engine, store, c := setupEngine(t)
	_, milestoneId := fundedVotingMilestone(t, engine)
	job := NewVoteSweepJob(engine.Votes, config.TaskConfig{SweepBatch: 10})
	ctx := context.Background()

	assert.Equal(t, "vote_resolution_sweeper", job.GetName())
	assert.Equal(t, 0, job.run(ctx))

	c.Advance(2 * time.Hour)
	assert.Equal(t, 1, job.run(ctx))

	m, err := store.GetMilestone(ctx, milestoneId)
	require.NoError(t, err)
	assert.Equal(t, model.MilestoneStatusRejected, m.Status)
	assert.Equal(t, 0, job.run(ctx))
}

func TestEscrowReconcileJob_VerifiesAlertedCampaigns(t *testing.T) {
	engine, store, _ := setupEngine(t)
	campaign, milestoneId := fundedVotingMilestone(t, engine)
	job := NewEscrowReconcileJob(engine.Escrow, engine.Contributions, store, config.TaskConfig{})
	ctx := context.Background()

	report := job.run(ctx)
	require.NotNil(t, report)
	assert.Equal(t, 0, report.Mismatches)

	require.NoError(t, store.UpdateMilestone(ctx, milestoneId, map[string]interface{}{"escrow_alert": "release exhausted"}))
	require.NoError(t, store.IncrementCampaign(ctx, campaign.Id, "current_amount", 50))

	report = job.run(ctx)
	require.NotNil(t, report)
	assert.Equal(t, 1, report.Mismatches)

	mismatches, err := store.ListMismatches(ctx, campaign.Id, true)
	require.NoError(t, err)
	assert.NotEmpty(t, mismatches)
}

func TestNewManager_RegistersJobs(t *testing.T) {
	engine, store, _ := setupEngine(t)
	m, err := NewManager(engine, store, config.TaskConfig{SweepInterval: 1, ReconcileInterval: 1, RetryInterval: 1})
	require.NoError(t, err)
	defer m.Stop()

	var names []string
	for _, job := range m.scheduler.Jobs() {
		names = append(names, job.Name())
	}
	assert.ElementsMatch(t, []string{"vote_resolution_sweeper", "escrow_reconciler", "escrow_retrier"}, names)
}
