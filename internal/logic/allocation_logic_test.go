package logic

import (
	"fmt"
	"sync"
	"testing"

	"github.com/blues/mfs/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsEligible(t *testing.T) {
	ms := func(order int, status model.MilestoneStatus, current, target int64) model.MilestoneModel {
		return model.MilestoneModel{Order: order, Status: status, CurrentAmount: current, AmountTarget: target}
	}

	tests := []struct {
		name       string
		milestones []model.MilestoneModel
		idx        int
		want       bool
	}{
		{
			name:       "first active milestone under target",
			milestones: []model.MilestoneModel{ms(1, model.MilestoneStatusActive, 0, 100)},
			idx:        0,
			want:       true,
		},
		{
			name:       "first milestone full",
			milestones: []model.MilestoneModel{ms(1, model.MilestoneStatusActive, 100, 100)},
			idx:        0,
			want:       false,
		},
		{
			name: "second milestone gated by unapproved predecessor",
			milestones: []model.MilestoneModel{
				ms(1, model.MilestoneStatusAwaitingProof, 100, 100),
				ms(2, model.MilestoneStatusPending, 0, 100),
			},
			idx:  1,
			want: false,
		},
		{
			name: "second milestone after approval",
			milestones: []model.MilestoneModel{
				ms(1, model.MilestoneStatusApproved, 100, 100),
				ms(2, model.MilestoneStatusPending, 0, 100),
			},
			idx:  1,
			want: true,
		},
		{
			name: "voting milestone never eligible",
			milestones: []model.MilestoneModel{
				ms(1, model.MilestoneStatusVoting, 50, 100),
			},
			idx:  0,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsEligible(tt.milestones, tt.idx))
		})
	}
}

func TestAllocation_HeldFundsFlowAfterApproval(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 3000, 4000, 3000)

	result := env.contribute(t, campaign.Id, "alice", 5000)
	assert.Equal(t, int64(3000), result.Allocated)
	assert.Equal(t, int64(2000), result.Unallocated)
	assert.True(t, result.Overfunded)
	assert.True(t, result.HeldForGate)
	assert.ErrorIs(t, result.Warning(), ErrOverfunded)
	require.Len(t, result.Allocations, 1)
	assert.True(t, result.Allocations[0].Filled)

	assert.Equal(t, []int64{3000, 0, 0}, env.amounts(t, campaign.Id))
	assert.Equal(t, []model.MilestoneStatus{
		model.MilestoneStatusAwaitingProof,
		model.MilestoneStatusPending,
		model.MilestoneStatusPending,
	}, env.statuses(t, campaign.Id))

	outcome := env.resolveWith(t, milestones[0].Id, 6, 4)
	assert.Equal(t, model.MilestoneStatusApproved, outcome)

	assert.Equal(t, []int64{3000, 2000, 0}, env.amounts(t, campaign.Id))
	assert.Equal(t, []model.MilestoneStatus{
		model.MilestoneStatusApproved,
		model.MilestoneStatusActive,
		model.MilestoneStatusPending,
	}, env.statuses(t, campaign.Id))
}

func TestAllocation_GatedWhilePredecessorUnapproved(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000, 1000)

	env.contribute(t, campaign.Id, "alice", 1000)
	result := env.contribute(t, campaign.Id, "bob", 500)
	assert.Equal(t, int64(0), result.Allocated)
	assert.True(t, result.HeldForGate)

	env.openVoting(t, milestones[0].Id)
	result = env.contribute(t, campaign.Id, "carol", 200)
	assert.Equal(t, int64(0), result.Allocated)

	assert.Equal(t, []int64{1000, 0}, env.amounts(t, campaign.Id))
	assert.Equal(t, model.MilestoneStatusPending, env.milestones(t, campaign.Id)[1].Status)
}

func TestAllocate_FromUnallocatedPool(t *testing.T) {
	env := setupTestEnv(t)
	campaign, _ := env.createCampaign(t, 1000, 1000)
	require.NoError(t, env.store.IncrementCampaign(env.ctx, campaign.Id, "current_amount", 800))

	result, err := env.engine.Allocation.Allocate(env.ctx, campaign.Id, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(500), result.Allocated)
	assert.False(t, result.Overfunded)

	_, err = env.engine.Allocation.Allocate(env.ctx, campaign.Id, 400)
	assert.ErrorIs(t, err, ErrInvalidAmount)

	result, err = env.engine.Allocation.Allocate(env.ctx, campaign.Id, 300)
	require.NoError(t, err)
	assert.Equal(t, int64(300), result.Allocated)
	assert.Equal(t, []int64{800, 0}, env.amounts(t, campaign.Id))
}

func TestAllocate_RejectsNonPositiveAmounts(t *testing.T) {
	env := setupTestEnv(t)
	campaign, _ := env.createCampaign(t, 1000)

	for _, amount := range []int64{0, -5} {
		_, err := env.engine.Allocation.Allocate(env.ctx, campaign.Id, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	}
	assert.Equal(t, []int64{0}, env.amounts(t, campaign.Id))
}

func TestAllocation_ConcurrentContributionsNeverOverfundMilestone(t *testing.T) {
	env := setupTestEnv(t)
	campaign, _ := env.createCampaign(t, 5000, 5000)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := env.engine.Contributions.Confirm(env.ctx, ContributionInput{
				CampaignId: campaign.Id,
				BackerId:   fmt.Sprintf("backer-%d", i),
				Amount:     300,
				TxHash:     fmt.Sprintf("0xconcurrent%d", i),
			})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	updated, err := env.store.GetCampaign(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(6000), updated.CurrentAmount)

	amounts := env.amounts(t, campaign.Id)
	assert.Equal(t, []int64{5000, 0}, amounts)
	assert.LessOrEqual(t, amounts[0]+amounts[1], updated.CurrentAmount)
	assert.Equal(t, model.MilestoneStatusAwaitingProof, env.milestones(t, campaign.Id)[0].Status)
}

func TestAvailability(t *testing.T) {
	env := setupTestEnv(t)
	campaign, milestones := env.createCampaign(t, 1000, 2000)

	availability, err := env.engine.Allocation.Availability(env.ctx, campaign.Id)
	require.NoError(t, err)
	require.NotNil(t, availability.Milestone)
	assert.Equal(t, milestones[0].Id, availability.Milestone.Id)
	assert.Equal(t, int64(1000), availability.Remaining)
	assert.False(t, availability.Gated)

	env.contribute(t, campaign.Id, "alice", 1200)

	availability, err = env.engine.Allocation.Availability(env.ctx, campaign.Id)
	require.NoError(t, err)
	assert.Nil(t, availability.Milestone)
	assert.True(t, availability.Gated)
	assert.Equal(t, int64(200), availability.Unallocated)
	assert.Equal(t, 1, availability.Counts[model.MilestoneStatusAwaitingProof])
	assert.Equal(t, 1, availability.Counts[model.MilestoneStatusPending])
}
