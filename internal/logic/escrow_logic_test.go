package logic

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "c7:e0:m12:RELEASE", IdempotencyKey(7, 0, 12, model.EscrowKindRelease, "0xcreator"))
	assert.Equal(t, "c7:e2:m12:REFUND:0xbacker", IdempotencyKey(7, 2, 12, model.EscrowKindRefund, "0xbacker"))
}

func TestSplitProRata(t *testing.T) {
	tests := []struct {
		name    string
		total   int64
		weights []int64
		want    []int64
	}{
		{"exact split", 1000, []int64{500, 300, 200}, []int64{500, 300, 200}},
		{"even thirds", 100, []int64{1, 1, 1}, []int64{34, 33, 33}},
		{"largest remainder wins", 1000, []int64{600, 400, 500}, []int64{400, 267, 333}},
		{"zero weights", 10, []int64{0, 0}, []int64{0, 0}},
		{"nothing to split", 0, []int64{5}, []int64{0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SplitProRata(tt.total, tt.weights)
			assert.Equal(t, tt.want, got)
		})
	}

	shares := SplitProRata(999_999_937, []int64{3, 7, 11, 13, 17, 19})
	var sum int64
	for _, s := range shares {
		sum += s
	}
	assert.Equal(t, int64(999_999_937), sum)
}

// approveFirst 把单个里程碑推进到 APPROVED，返回释放记录
func approveFirst(t *testing.T, env *testEnv, target int64) (*model.CampaignModel, *model.MilestoneModel, *model.EscrowTransactionModel) {
	t.Helper()
	campaign, milestones := env.createCampaign(t, target)
	env.contribute(t, campaign.Id, "alice", target)
	require.Equal(t, model.MilestoneStatusApproved, env.resolveWith(t, milestones[0].Id, 1, 0))
	return campaign, &milestones[0], releaseRecord(t, env, campaign.Id)
}

func releaseRecord(t *testing.T, env *testEnv, campaignId int64) *model.EscrowTransactionModel {
	t.Helper()
	records, err := env.engine.Escrow.ListTransactions(env.ctx, campaignId)
	require.NoError(t, err)
	for i := range records {
		if records[i].Kind == model.EscrowKindRelease {
			return &records[i]
		}
	}
	t.Fatalf("no release record for campaign %d", campaignId)
	return nil
}

func TestRelease_RetryNeverConfirmsTwice(t *testing.T) {
	env := setupTestEnv(t)
	env.chain.failSends = 1
	campaign, milestone, record := approveFirst(t, env, 1000)

	assert.Equal(t, model.EscrowStatusFailed, record.Status)
	assert.Equal(t, 1, record.Attempts)
	assert.True(t, record.Retryable)
	require.NotNil(t, record.NextAttemptAt)
	assert.True(t, record.NextAttemptAt.Equal(env.clock.Now().Add(10*time.Second)))

	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted, "retry is not due yet")

	env.clock.Advance(10 * time.Second)
	submitted, err = env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)

	// 同一里程碑再次请求释放只返回已有记录
	again, err := env.engine.Escrow.Release(env.ctx, milestone.Id, campaign.CreatorAddress, 1000)
	require.NoError(t, err)
	assert.Equal(t, record.Id, again.Id)

	env.chain.setMilestone(0, 1000, true)
	env.chain.mine(true)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 0, report.Mismatches)

	submitted, err = env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	_, err = env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)

	var confirmed int64
	require.NoError(t, env.store.DB().Model(&model.EscrowTransactionModel{}).
		Where("milestone_id = ? AND kind = ? AND status = ?", milestone.Id, model.EscrowKindRelease, model.EscrowStatusConfirmed).
		Count(&confirmed).Error)
	assert.Equal(t, int64(1), confirmed)
	assert.Equal(t, 2, env.chain.callCount("finalize"))

	updated, err := env.store.GetCampaign(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), updated.ReleasedAmount)

	stored, err := env.store.GetMilestone(env.ctx, milestone.Id)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ReleaseTxHash)
}

func TestRelease_AlreadyReleasedOnChainIsNotResent(t *testing.T) {
	env := setupTestEnv(t)
	env.chain.failSends = 1
	campaign, milestone, record := approveFirst(t, env, 1000)
	require.Equal(t, model.EscrowStatusFailed, record.Status)

	env.chain.setMilestone(0, 1000, true)
	env.clock.Advance(time.Minute)
	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 1, env.chain.callCount("finalize"))

	latest, err := env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.False(t, latest.Retryable)

	mismatches, err := env.engine.Escrow.Mismatches(env.ctx, campaign.Id, true)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "released", mismatches[0].Field)

	stored, err := env.store.GetMilestone(env.ctx, milestone.Id)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.EscrowAlert)
}

func TestRelease_ExhaustedAttemptsRaiseAlertThenForceRelease(t *testing.T) {
	env := setupTestEnv(t)
	env.chain.sendErr = errors.New("nonce too low")
	campaign, milestone, record := approveFirst(t, env, 1000)

	for i := 0; i < 2; i++ {
		env.clock.Advance(time.Minute)
		_, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
		require.NoError(t, err)
	}

	latest, err := env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusFailed, latest.Status)
	assert.Equal(t, 3, latest.Attempts)
	assert.Nil(t, latest.NextAttemptAt)

	stored, err := env.store.GetMilestone(env.ctx, milestone.Id)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.EscrowAlert)

	env.clock.Advance(time.Hour)
	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 3, env.chain.callCount("finalize"))

	stats, err := env.engine.Milestones.Stats(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Alerts)

	env.chain.mu.Lock()
	env.chain.sendErr = nil
	env.chain.mu.Unlock()

	forced, err := env.engine.Escrow.ForceRelease(env.ctx, milestone.Id)
	require.NoError(t, err)
	assert.Equal(t, record.Id, forced.Id)
	assert.Equal(t, model.EscrowMethodAdminRelease, forced.Method)
	assert.Equal(t, model.EscrowStatusSubmitted, forced.Status)
	assert.NotEmpty(t, forced.ChainTxHash)
	assert.Equal(t, 1, env.chain.callCount("adminRelease:0"))

	stored, err = env.store.GetMilestone(env.ctx, milestone.Id)
	require.NoError(t, err)
	assert.Empty(t, stored.EscrowAlert)

	_, err = env.engine.Escrow.ForceRelease(env.ctx, milestone.Id)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestReconcile_RevertedAndTimedOut(t *testing.T) {
	env := setupTestEnv(t)
	_, _, record := approveFirst(t, env, 1000)
	require.NotEmpty(t, record.ChainTxHash)

	env.chain.mine(false)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	latest, err := env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusFailed, latest.Status)
	assert.True(t, latest.Retryable)
	assert.Empty(t, latest.ChainTxHash)
	assert.Contains(t, latest.LastError, "reverted")

	// 重新提交后迟迟没有回执
	env.clock.Advance(time.Minute)
	_, err = env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)

	report, err = env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Pending)

	env.clock.Advance(11 * time.Minute)
	report, err = env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	latest, err = env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusFailed, latest.Status)
	assert.Contains(t, latest.LastError, "not mined")
}

func TestReconcile_ReportsOnchainMismatch(t *testing.T) {
	env := setupTestEnv(t)
	campaign, _, record := approveFirst(t, env, 1000)

	env.chain.setMilestone(0, 900, false)
	env.chain.mine(true)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	assert.Equal(t, 1, report.Mismatches)

	// 差异只报告，不修改链下记录
	latest, err := env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusConfirmed, latest.Status)

	mismatches, err := env.engine.Escrow.Mismatches(env.ctx, campaign.Id, true)
	require.NoError(t, err)
	fields := make([]string, 0, len(mismatches))
	for _, m := range mismatches {
		fields = append(fields, m.Field)
	}
	assert.ElementsMatch(t, []string{"released", "milestone_amount"}, fields)
}

func TestRejection_RefundsProRata(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000, 1000)
	env.contribute(t, campaign.Id, "alice", 600)
	env.contribute(t, campaign.Id, "bob", 400)
	env.contribute(t, campaign.Id, "carol", 500)

	require.Equal(t, model.MilestoneStatusRejected, env.resolveWith(t, milestones[0].Id, 0, 1))

	records, err := env.engine.Escrow.ListTransactions(env.ctx, campaign.Id)
	require.NoError(t, err)
	require.Len(t, records, 3)
	got := map[string]int64{}
	for _, r := range records {
		assert.Equal(t, model.EscrowKindRefund, r.Kind)
		assert.Equal(t, model.EscrowStatusSubmitted, r.Status)
		got[r.Recipient] = r.Amount
	}
	assert.Equal(t, map[string]int64{"0xalice": 400, "0xbob": 267, "0xcarol": 333}, got)
	assert.Equal(t, 3, env.chain.callCount("signAdminRefund"))
	assert.Equal(t, 3, env.chain.callCount("broadcast"))

	env.chain.mine(true)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Confirmed)

	updated, err := env.store.GetCampaign(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), updated.RefundedAmount)
	assert.Equal(t, model.CampaignStatusDisputed, updated.Status)
}

func TestRefund_RetryRebroadcastsSameSignedTx(t *testing.T) {
	env := setupTestEnv(t)
	env.chain.lostResponses = 1
	campaign, milestones := env.createCampaign(t, 1000)
	env.contribute(t, campaign.Id, "alice", 1000)
	require.Equal(t, model.MilestoneStatusRejected, env.resolveWith(t, milestones[0].Id, 0, 0))

	records, err := env.engine.Escrow.ListTransactions(env.ctx, campaign.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EscrowStatusFailed, records[0].Status)
	assert.True(t, records[0].Retryable)
	require.NotEmpty(t, records[0].SignedTxHash)
	signedHash := records[0].SignedTxHash

	env.clock.Advance(time.Hour)
	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, env.chain.callCount("signAdminRefund"))
	assert.Equal(t, 2, env.chain.callCount("broadcast:"+signedHash))
	assert.Equal(t, 1, env.chain.payouts("0xalice"))

	stored, err := env.store.GetEscrowTransaction(env.ctx, records[0].Id)
	require.NoError(t, err)
	assert.Equal(t, model.EscrowStatusSubmitted, stored.Status)
	assert.Equal(t, signedHash, stored.ChainTxHash)

	env.chain.mine(true)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Confirmed)
	updated, err := env.store.GetCampaign(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), updated.RefundedAmount)
}

func TestRefund_TimeoutRebroadcastsSameSignedTx(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000)
	env.contribute(t, campaign.Id, "alice", 1000)
	require.Equal(t, model.MilestoneStatusRejected, env.resolveWith(t, milestones[0].Id, 0, 0))

	env.clock.Advance(testEscrowConfig().ConfirmTimeout() + time.Minute)
	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	env.clock.Advance(time.Hour)
	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, submitted)
	assert.Equal(t, 1, env.chain.callCount("signAdminRefund"))
	assert.Equal(t, 2, env.chain.callCount("broadcast"))
	assert.Equal(t, 1, env.chain.payouts("0xalice"))
}

func TestRefund_SupersededSignatureNeedsManualAction(t *testing.T) {
	env := setupTestEnv(t)
	env.chain.sendErr = fmt.Errorf("%w: nonce too low", ErrSignedTxSuperseded)
	campaign, milestones := env.createCampaign(t, 1000)
	env.contribute(t, campaign.Id, "alice", 1000)
	require.Equal(t, model.MilestoneStatusRejected, env.resolveWith(t, milestones[0].Id, 0, 0))

	records, err := env.engine.Escrow.ListTransactions(env.ctx, campaign.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EscrowStatusFailed, records[0].Status)
	assert.False(t, records[0].Retryable)

	env.clock.Advance(time.Hour)
	submitted, err := env.engine.Escrow.RetryFailed(env.ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, submitted)
	assert.Equal(t, 1, env.chain.callCount("broadcast"))
	assert.Zero(t, env.chain.payouts("0xalice"))

	stored, err := env.store.GetMilestone(env.ctx, milestones[0].Id)
	require.NoError(t, err)
	assert.NotEmpty(t, stored.EscrowAlert)
}

// failingEscrowStore 托管记录写入失败
type failingEscrowStore struct {
	repository.Store
}

func (failingEscrowStore) UpdateEscrowTransaction(context.Context, int64, map[string]interface{}) error {
	return errors.New("database is locked")
}

func TestReconcile_CountsBookkeepingErrors(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000)
	env.contribute(t, campaign.Id, "alice", 1000)
	require.Equal(t, model.MilestoneStatusApproved, env.resolveWith(t, milestones[0].Id, 1, 0))
	env.chain.mine(false)

	escrow := NewEscrowLogic(failingEscrowStore{Store: env.store}, env.chain, testEscrowConfig(), env.clock.Now)
	report, err := escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 1, report.Errors)

	records, err := env.engine.Escrow.ListTransactions(env.ctx, campaign.Id)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.EscrowStatusSubmitted, records[0].Status)

	report, err = env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 0, report.Errors)
}

func TestReleaseAndRefund_Guards(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000)

	_, err := env.engine.Escrow.Release(env.ctx, milestones[0].Id, campaign.CreatorAddress, 0)
	assert.ErrorIs(t, err, ErrInvalidAmount)
	_, err = env.engine.Escrow.Release(env.ctx, milestones[0].Id, campaign.CreatorAddress, 100)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = env.engine.Escrow.Refund(env.ctx, milestones[0].Id, "", 100)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestObserveRelease(t *testing.T) {
	env := setupTestEnv(t)
	campaign, _, record := approveFirst(t, env, 1000)

	require.NoError(t, env.engine.Escrow.ObserveRelease(env.ctx, ReleaseEvent{
		Contract:       testContract,
		MilestoneIndex: 0,
		Amount:         1000,
		TxHash:         record.ChainTxHash,
	}))
	mismatches, err := env.engine.Escrow.Mismatches(env.ctx, campaign.Id, true)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, env.engine.Escrow.ObserveRelease(env.ctx, ReleaseEvent{
		Contract:       testContract,
		MilestoneIndex: 0,
		Amount:         1000,
		TxHash:         "0xforeign",
	}))
	mismatches, err = env.engine.Escrow.Mismatches(env.ctx, campaign.Id, true)
	require.NoError(t, err)
	require.Len(t, mismatches, 1)
	assert.Equal(t, "release_tx_hash", mismatches[0].Field)
	assert.Equal(t, "0xforeign", mismatches[0].OnchainValue)

	err = env.engine.Escrow.ObserveRelease(env.ctx, ReleaseEvent{Contract: "0xunknown", MilestoneIndex: 0, TxHash: "0x1"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestReconcile_DispatchesRecordedIntents(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000)
	env.contribute(t, campaign.Id, "alice", 1000)

	// 模拟事务提交后进程退出、未来得及发送
	var record *model.EscrowTransactionModel
	require.NoError(t, env.store.WithCampaignLock(env.ctx, campaign.Id, func(tx repository.Store) error {
		c, err := tx.GetCampaign(env.ctx, campaign.Id)
		if err != nil {
			return err
		}
		record, err = env.engine.Escrow.recordIntent(env.ctx, tx, c, &milestones[0], model.EscrowKindRelease, model.EscrowMethodFinalize, c.CreatorAddress, 1000)
		return err
	}))

	report, err := env.engine.Escrow.Reconcile(env.ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Dispatched)

	latest, err := env.store.GetEscrowTransaction(env.ctx, record.Id)
	require.NoError(t, err)
	assert.NotEmpty(t, latest.ChainTxHash)
	assert.Equal(t, 1, latest.Attempts)
}
