package logic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
)

const testContract = "0x00000000000000000000000000000000000000c0"

var (
	dbSeq int64
	txSeq int64
)

func init() {
	logger.SetDefaultLogger(logger.NewNop())
}

func setupTestStore(t *testing.T) *repository.GormStore {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", name, atomic.AddInt64(&dbSeq, 1))

	db, err := repository.Open(sqlite.Open(dsn))
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, repository.Migrate(db))
	return repository.NewGormStore(db)
}

// testClock 可手动推进的时钟
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeChain 内存版托管合约
type fakeChain struct {
	mu        sync.Mutex
	seq       int
	failSends int
	sendErr   error
	// lostResponses 次广播已上链但调用方收到错误
	lostResponses int
	calls         []string
	sent          []string
	signed        map[string]string // raw -> hash
	payees        map[string]string // hash -> recipient
	landed        map[string]bool
	receipts      map[string]*Receipt
	states        map[int64]*OnchainMilestone
	voting        []int64
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		signed:   make(map[string]string),
		payees:   make(map[string]string),
		landed:   make(map[string]bool),
		receipts: make(map[string]*Receipt),
		states:   make(map[int64]*OnchainMilestone),
	}
}

func (f *fakeChain) send(call string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	if f.failSends > 0 {
		f.failSends--
		return "", errors.New("rpc unavailable")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	f.sent = append(f.sent, hash)
	return hash, nil
}

func (f *fakeChain) Finalize(_ context.Context, _ string, idx int64) (string, error) {
	return f.send(fmt.Sprintf("finalize:%d", idx))
}

func (f *fakeChain) AdminRelease(_ context.Context, _ string, idx int64) (string, error) {
	return f.send(fmt.Sprintf("adminRelease:%d", idx))
}

func (f *fakeChain) SignAdminRefund(_ context.Context, _ string, to string, amount int64) (*SignedTx, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("signAdminRefund:%s:%d", to, amount))
	f.seq++
	hash := fmt.Sprintf("0x%064x", f.seq)
	raw := fmt.Sprintf("raw:%s:%s:%d", hash, to, amount)
	f.signed[raw] = hash
	f.payees[hash] = to
	return &SignedTx{Hash: hash, Raw: raw}, nil
}

// Broadcast 同一笔已签名交易只会上链一次
func (f *fakeChain) Broadcast(_ context.Context, raw string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.signed[raw]
	if !ok {
		return "", fmt.Errorf("unknown raw transaction %q", raw)
	}
	f.calls = append(f.calls, "broadcast:"+hash)
	if f.failSends > 0 {
		f.failSends--
		return "", errors.New("rpc unavailable")
	}
	if f.sendErr != nil {
		return "", f.sendErr
	}
	if !f.landed[hash] {
		f.landed[hash] = true
		f.sent = append(f.sent, hash)
	}
	if f.lostResponses > 0 {
		f.lostResponses--
		return "", errors.New("connection reset by peer")
	}
	return hash, nil
}

// payouts 已上链转给 recipient 的退款笔数
func (f *fakeChain) payouts(recipient string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for hash := range f.landed {
		if f.payees[hash] == recipient {
			n++
		}
	}
	return n
}

func (f *fakeChain) OpenVoting(_ context.Context, _ string, idx int64, _, _ time.Time) (string, error) {
	f.mu.Lock()
	f.voting = append(f.voting, idx)
	f.mu.Unlock()
	return "0xvoting", nil
}

func (f *fakeChain) GetReceipt(_ context.Context, txHash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.receipts[txHash], nil
}

func (f *fakeChain) GetMilestoneState(_ context.Context, _ string, idx int64) (*OnchainMilestone, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.states[idx]; ok {
		copied := *s
		return &copied, nil
	}
	return &OnchainMilestone{}, nil
}

// mine 为所有已发送的交易生成回执
func (f *fakeChain) mine(success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, hash := range f.sent {
		if _, ok := f.receipts[hash]; !ok {
			f.receipts[hash] = &Receipt{Success: success, BlockNumber: int64(100 + i), Confirmed: true}
		}
	}
}

func (f *fakeChain) setMilestone(idx int64, amount int64, released bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[idx] = &OnchainMilestone{Amount: amount, Released: released}
}

func (f *fakeChain) callCount(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func testEngineConfig() config.EngineConfig {
	return config.EngineConfig{
		VoteBufferSeconds:   60,
		VoteDurationSeconds: 3600,
		MinMilestones:       1,
	}
}

func testEscrowConfig() config.EscrowConfig {
	return config.EscrowConfig{
		MaxAttempts:           3,
		RetryInitialSeconds:   10,
		RetryMaxSeconds:       60,
		ConfirmTimeoutSeconds: 600,
	}
}

type testEnv struct {
	engine *Engine
	store  *repository.GormStore
	chain  *fakeChain
	clock  *testClock
	ctx    context.Context
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := setupTestStore(t)
	chain := newFakeChain()
	clock := newTestClock()
	return &testEnv{
		engine: NewEngine(store, chain, testEngineConfig(), testEscrowConfig(), clock.Now),
		store:  store,
		chain:  chain,
		clock:  clock,
		ctx:    context.Background(),
	}
}

func (e *testEnv) createCampaign(t *testing.T, targets ...int64) (*model.CampaignModel, []model.MilestoneModel) {
	t.Helper()
	plan := CampaignPlan{
		Title:           "solar kiosk",
		CreatorId:       "creator-1",
		CreatorAddress:  "0x00000000000000000000000000000000000000aa",
		ContractAddress: testContract,
	}
	for i, target := range targets {
		plan.TargetAmount += target
		plan.Milestones = append(plan.Milestones, MilestonePlan{
			Order:        i + 1,
			Title:        fmt.Sprintf("phase %d", i+1),
			AmountTarget: target,
		})
	}
	campaign, milestones, err := e.engine.Milestones.CreateCampaign(e.ctx, plan)
	require.NoError(t, err)
	return campaign, milestones
}

func (e *testEnv) contribute(t *testing.T, campaignId int64, backer string, amount int64) *AllocationResult {
	t.Helper()
	result, err := e.engine.Contributions.Confirm(e.ctx, ContributionInput{
		CampaignId:    campaignId,
		BackerId:      backer,
		BackerAddress: "0x" + backer,
		Amount:        amount,
		TxHash:        fmt.Sprintf("0xtx%d", atomic.AddInt64(&txSeq, 1)),
	})
	require.NoError(t, err)
	return result
}

func (e *testEnv) milestones(t *testing.T, campaignId int64) []model.MilestoneModel {
	t.Helper()
	milestones, err := e.store.ListMilestones(e.ctx, campaignId)
	require.NoError(t, err)
	return milestones
}

func (e *testEnv) amounts(t *testing.T, campaignId int64) []int64 {
	t.Helper()
	var out []int64
	for _, m := range e.milestones(t, campaignId) {
		out = append(out, m.CurrentAmount)
	}
	return out
}

func (e *testEnv) statuses(t *testing.T, campaignId int64) []model.MilestoneStatus {
	t.Helper()
	var out []model.MilestoneStatus
	for _, m := range e.milestones(t, campaignId) {
		out = append(out, m.Status)
	}
	return out
}

// openVoting 提交证明并把时钟推进到投票窗口内
func (e *testEnv) openVoting(t *testing.T, milestoneId int64) *model.MilestoneModel {
	t.Helper()
	m, err := e.engine.Milestones.SubmitProof(e.ctx, milestoneId, "ipfs://proof")
	require.NoError(t, err)
	e.clock.Advance(testEngineConfig().VoteBuffer())
	return m
}

// resolveWith 投票后推进到窗口结束并计票
func (e *testEnv) resolveWith(t *testing.T, milestoneId int64, votesFor, votesAgainst int64) model.MilestoneStatus {
	t.Helper()
	e.openVoting(t, milestoneId)
	if votesFor > 0 {
		_, err := e.engine.Votes.CastVote(e.ctx, milestoneId, "yes-voter", model.VoteApprove, votesFor)
		require.NoError(t, err)
	}
	if votesAgainst > 0 {
		_, err := e.engine.Votes.CastVote(e.ctx, milestoneId, "no-voter", model.VoteReject, votesAgainst)
		require.NoError(t, err)
	}
	e.clock.Advance(testEngineConfig().VoteDuration())
	outcome, err := e.engine.Votes.Resolve(e.ctx, milestoneId)
	require.NoError(t, err)
	return outcome
}
