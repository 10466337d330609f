package logic

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/blues/mfs/internal/config"
	"github.com/blues/mfs/internal/logger"
	"github.com/blues/mfs/internal/model"
	"github.com/blues/mfs/internal/repository"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

var (
	// ErrChainDisabled 未配置链时的所有链上调用返回该错误
	ErrChainDisabled = errors.New("chain integration disabled")
	// ErrSignedTxSuperseded 已签名交易的 nonce 被其他交易占用，该交易永远不会上链
	ErrSignedTxSuperseded = errors.New("signed transaction superseded")
)

// Chain 托管合约的链上操作，milestoneIndex 为链上下标（order - 1）
type Chain interface {
	Finalize(ctx context.Context, contract string, milestoneIndex int64) (string, error)
	AdminRelease(ctx context.Context, contract string, milestoneIndex int64) (string, error)
	// SignAdminRefund 只签名不广播
	SignAdminRefund(ctx context.Context, contract, to string, amount int64) (*SignedTx, error)
	// Broadcast 广播已签名交易，同一笔交易重复广播只会上链一次
	Broadcast(ctx context.Context, rawTx string) (string, error)
	OpenVoting(ctx context.Context, contract string, milestoneIndex int64, start, end time.Time) (string, error)
	// GetReceipt 交易尚未上链时返回 nil, nil
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetMilestoneState(ctx context.Context, contract string, milestoneIndex int64) (*OnchainMilestone, error)
}

// SignedTx 已签名未广播的交易
type SignedTx struct {
	Hash string
	Raw  string
}

// Receipt 链上交易回执
type Receipt struct {
	Success     bool
	BlockNumber int64
	Confirmed   bool // 已达到配置的确认块数
}

// OnchainMilestone 合约中的里程碑状态
type OnchainMilestone struct {
	Amount    int64
	Released  bool
	YesPower  int64
	NoPower   int64
	VoteStart time.Time
	VoteEnd   time.Time
}

// ReleaseEvent 合约 MilestoneReleased 事件
type ReleaseEvent struct {
	Contract       string
	MilestoneIndex int64
	Amount         int64
	TxHash         string
	BlockNum       int64
}

// ReconcileReport 一次对账的结果
type ReconcileReport struct {
	Checked    int `json:"checked"`
	Confirmed  int `json:"confirmed"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Dispatched int `json:"dispatched"`
	Mismatches int `json:"mismatches"`
	Errors     int `json:"errors"`
}

type disabledChain struct{}

func (disabledChain) Finalize(context.Context, string, int64) (string, error) {
	return "", ErrChainDisabled
}

func (disabledChain) AdminRelease(context.Context, string, int64) (string, error) {
	return "", ErrChainDisabled
}

func (disabledChain) SignAdminRefund(context.Context, string, string, int64) (*SignedTx, error) {
	return nil, ErrChainDisabled
}

func (disabledChain) Broadcast(context.Context, string) (string, error) {
	return "", ErrChainDisabled
}

func (disabledChain) OpenVoting(context.Context, string, int64, time.Time, time.Time) (string, error) {
	return "", ErrChainDisabled
}

func (disabledChain) GetReceipt(context.Context, string) (*Receipt, error) {
	return nil, ErrChainDisabled
}

func (disabledChain) GetMilestoneState(context.Context, string, int64) (*OnchainMilestone, error) {
	return nil, ErrChainDisabled
}

// EscrowLogic 托管协调：把状态机的结果转成链上释放/退款并对账
type EscrowLogic struct {
	store repository.Store
	chain Chain
	cfg   config.EscrowConfig
	now   func() time.Time
}

// NewEscrowLogic chain 为 nil 时所有链上调用失败并进入重试
func NewEscrowLogic(store repository.Store, chain Chain, cfg config.EscrowConfig, now func() time.Time) *EscrowLogic {
	if chain == nil {
		chain = disabledChain{}
	}
	return &EscrowLogic{
		store: store,
		chain: chain,
		cfg:   cfg,
		now:   now,
	}
}

// IdempotencyKey 同一重置周期内同一里程碑的同类操作只有一条记录，退款按收款地址区分
func IdempotencyKey(campaignId, resetEpoch, milestoneId int64, kind model.EscrowKind, recipient string) string {
	key := fmt.Sprintf("c%d:e%d:m%d:%s", campaignId, resetEpoch, milestoneId, kind)
	if kind == model.EscrowKindRefund {
		key += ":" + recipient
	}
	return key
}

// SplitProRata 按权重拆分 total，最大余数法保证各份之和等于 total
func SplitProRata(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}

	sum := new(big.Int)
	for _, w := range weights {
		if w > 0 {
			sum.Add(sum, big.NewInt(w))
		}
	}
	if sum.Sign() == 0 {
		return shares
	}

	type remainder struct {
		idx int
		rem *big.Int
	}
	rems := make([]remainder, 0, len(weights))
	bigTotal := big.NewInt(total)
	var assigned int64
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		q, r := new(big.Int).QuoRem(new(big.Int).Mul(bigTotal, big.NewInt(w)), sum, new(big.Int))
		shares[i] = q.Int64()
		assigned += shares[i]
		rems = append(rems, remainder{idx: i, rem: r})
	}

	sort.SliceStable(rems, func(i, j int) bool {
		return rems[i].rem.Cmp(rems[j].rem) > 0
	})
	for i := 0; assigned < total; i++ {
		shares[rems[i%len(rems)].idx]++
		assigned++
	}
	return shares
}

// Release 记录释放资金给创建者的托管交易并提交到链上
func (e *EscrowLogic) Release(ctx context.Context, milestoneId int64, creatorAddress string, amount int64) (*model.EscrowTransactionModel, error) {
	return e.submit(ctx, milestoneId, model.EscrowKindRelease, model.EscrowMethodFinalize, creatorAddress, amount)
}

// Refund 记录退款给支持者的托管交易并提交到链上
func (e *EscrowLogic) Refund(ctx context.Context, milestoneId int64, backerAddress string, amount int64) (*model.EscrowTransactionModel, error) {
	return e.submit(ctx, milestoneId, model.EscrowKindRefund, model.EscrowMethodAdminRefund, backerAddress, amount)
}

func (e *EscrowLogic) submit(ctx context.Context, milestoneId int64, kind model.EscrowKind, method, recipient string, amount int64) (*model.EscrowTransactionModel, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: escrow amount %d", ErrInvalidAmount, amount)
	}
	if recipient == "" {
		return nil, fmt.Errorf("%w: recipient is required", ErrInvalidInput)
	}

	current, err := e.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return nil, err
	}

	var record *model.EscrowTransactionModel
	err = e.store.WithCampaignLock(ctx, current.CampaignId, func(tx repository.Store) error {
		ms, err := tx.GetMilestone(ctx, milestoneId)
		if err != nil {
			return err
		}
		required := model.MilestoneStatusApproved
		if kind == model.EscrowKindRefund {
			required = model.MilestoneStatusRejected
		}
		if ms.Status != required {
			return fmt.Errorf("%w: %s requires milestone %d to be %s, it is %s", ErrInvalidState, kind, ms.Id, required, ms.Status)
		}
		if amount > ms.CurrentAmount {
			return fmt.Errorf("%w: %d exceeds milestone %d holdings %d", ErrInvalidAmount, amount, ms.Id, ms.CurrentAmount)
		}
		campaign, err := tx.GetCampaign(ctx, ms.CampaignId)
		if err != nil {
			return err
		}
		record, err = e.recordIntent(ctx, tx, campaign, ms, kind, method, recipient, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	dispatchErr := e.dispatch(ctx, record.Id)
	latest, err := e.store.GetEscrowTransaction(ctx, record.Id)
	if err != nil {
		return nil, err
	}
	return latest, dispatchErr
}

// recordIntent 在调用方事务内写入 SUBMITTED 记录，幂等键已存在时返回已有记录
func (e *EscrowLogic) recordIntent(ctx context.Context, tx repository.Store, campaign *model.CampaignModel, ms *model.MilestoneModel, kind model.EscrowKind, method string, recipient string, amount int64) (*model.EscrowTransactionModel, error) {
	key := IdempotencyKey(campaign.Id, campaign.ResetEpoch, ms.Id, kind, recipient)
	existing, err := tx.GetEscrowTransactionByKey(ctx, key)
	if err == nil {
		logger.Info("Escrow intent %s already recorded as %d (%s)", key, existing.Id, existing.Status)
		return existing, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	record := &model.EscrowTransactionModel{
		Reference:      uuid.NewString(),
		IdempotencyKey: key,
		CampaignId:     campaign.Id,
		MilestoneId:    ms.Id,
		Kind:           kind,
		Method:         method,
		Recipient:      recipient,
		Amount:         amount,
		Status:         model.EscrowStatusSubmitted,
		Retryable:      true,
	}
	if err := tx.CreateEscrowTransaction(ctx, record); err != nil {
		return nil, fmt.Errorf("failed to record escrow intent %s: %w", key, err)
	}
	logger.Audit("escrow_intent",
		zap.Int64("campaign_id", campaign.Id),
		zap.Int64("milestone_id", ms.Id),
		zap.String("key", key),
		zap.String("kind", string(kind)),
		zap.String("recipient", recipient),
		zap.Int64("amount", amount),
		zap.String("status_after", string(record.Status)),
	)
	return record, nil
}

// recordRefunds 被否决里程碑的资金按已确认出资比例退还
func (e *EscrowLogic) recordRefunds(ctx context.Context, tx repository.Store, campaign *model.CampaignModel, ms *model.MilestoneModel) ([]int64, error) {
	if ms.CurrentAmount <= 0 {
		return nil, nil
	}
	stakes, err := tx.ListBackerStakes(ctx, campaign.Id)
	if err != nil {
		return nil, err
	}

	// 同一地址的多个支持者合并为一笔退款
	var recipients []string
	weights := make(map[string]int64)
	for _, s := range stakes {
		recipient := s.BackerAddress
		if recipient == "" {
			recipient = s.BackerId
		}
		if _, ok := weights[recipient]; !ok {
			recipients = append(recipients, recipient)
		}
		weights[recipient] += s.Amount
	}
	if len(recipients) == 0 {
		logger.Warn("Milestone %d rejected but campaign %d has no confirmed backers to refund", ms.Id, campaign.Id)
		return nil, nil
	}

	list := make([]int64, len(recipients))
	for i, r := range recipients {
		list[i] = weights[r]
	}
	shares := SplitProRata(ms.CurrentAmount, list)

	ids := make([]int64, 0, len(recipients))
	for i, recipient := range recipients {
		if shares[i] == 0 {
			continue
		}
		record, err := e.recordIntent(ctx, tx, campaign, ms, model.EscrowKindRefund, model.EscrowMethodAdminRefund, recipient, shares[i])
		if err != nil {
			return nil, err
		}
		ids = append(ids, record.Id)
	}
	logger.Audit("refund_split",
		zap.Int64("campaign_id", campaign.Id),
		zap.Int64("milestone_id", ms.Id),
		zap.Int64("amount", ms.CurrentAmount),
		zap.Int("recipients", len(ids)),
	)
	return ids, nil
}

// DispatchAll 事务提交后把记录发送到链上，失败的记录留给重试任务
func (e *EscrowLogic) DispatchAll(ctx context.Context, ids []int64) {
	for _, id := range ids {
		if err := e.dispatch(ctx, id); err != nil {
			logger.Warn("Escrow transaction %d not submitted: %v", id, err)
		}
	}
}

// dispatch 通过 attempts 条件更新抢占记录，保证同一时刻只有一个发送者
func (e *EscrowLogic) dispatch(ctx context.Context, id int64) error {
	record, err := e.store.GetEscrowTransaction(ctx, id)
	if err != nil {
		return err
	}
	if record.Status == model.EscrowStatusConfirmed || record.ChainTxHash != "" {
		return nil
	}
	if record.Status == model.EscrowStatusFailed && !record.Retryable {
		return fmt.Errorf("%w: escrow transaction %d requires manual action", ErrEscrowTransactionFailed, id)
	}

	campaign, err := e.store.GetCampaign(ctx, record.CampaignId)
	if err != nil {
		return err
	}
	ms, err := e.store.GetMilestone(ctx, record.MilestoneId)
	if err != nil {
		return err
	}

	// 之前发送过的释放，结果未知，先确认链上未释放
	if record.Kind == model.EscrowKindRelease && record.LastAttemptAt != nil && campaign.ContractAddress != "" {
		state, err := e.chain.GetMilestoneState(ctx, campaign.ContractAddress, ms.ChainIndex())
		if err != nil {
			return fmt.Errorf("failed to read on-chain state for milestone %d: %w", ms.Id, err)
		}
		if state.Released {
			detail := fmt.Sprintf("milestone %d already released on chain before resend of escrow transaction %d", ms.Id, record.Id)
			if err := e.store.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
				"retryable":       false,
				"next_attempt_at": nil,
				"last_error":      detail,
			}); err != nil {
				return err
			}
			if err := e.reportMismatch(ctx, e.store, record.CampaignId, record.MilestoneId, record.Id,
				"released", "false", "true", detail); err != nil {
				return err
			}
			e.raiseAlert(ctx, record, detail)
			return fmt.Errorf("%w: %s", ErrChainReconciliationMismatch, detail)
		}
	}

	now := e.now()
	attempts := record.Attempts + 1
	err = e.store.ClaimEscrowTransaction(ctx, record.Id, record.Attempts, map[string]interface{}{
		"attempts":        attempts,
		"status":          model.EscrowStatusSubmitted,
		"last_attempt_at": now,
		"next_attempt_at": nil,
	})
	if err != nil {
		if errors.Is(err, ErrConcurrentUpdate) {
			logger.Info("Escrow transaction %d claimed by another worker", record.Id)
			return nil
		}
		return err
	}
	record.Attempts = attempts
	record.LastAttemptAt = &now

	var txHash string
	op := func() error {
		hash, err := e.send(ctx, campaign, ms, record)
		if err != nil {
			if errors.Is(err, ErrChainDisabled) || errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSignedTxSuperseded) {
				return backoff.Permanent(err)
			}
			return err
		}
		txHash = hash
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(sendBackOff(), uint64(e.cfg.DispatchRetries)), ctx)); err != nil {
		return e.markFailed(ctx, record, err.Error(), !errors.Is(err, ErrSignedTxSuperseded))
	}

	if err := e.store.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
		"chain_tx_hash": txHash,
		"last_error":    "",
	}); err != nil {
		return fmt.Errorf("failed to store tx hash %s for escrow transaction %d: %w", txHash, record.Id, err)
	}
	logger.Audit("escrow_submitted",
		zap.Int64("campaign_id", record.CampaignId),
		zap.Int64("milestone_id", record.MilestoneId),
		zap.Int64("escrow_id", record.Id),
		zap.String("method", record.Method),
		zap.String("tx_hash", txHash),
		zap.Int64("amount", record.Amount),
		zap.Int("attempt", attempts),
	)
	return nil
}

func (e *EscrowLogic) send(ctx context.Context, campaign *model.CampaignModel, ms *model.MilestoneModel, record *model.EscrowTransactionModel) (string, error) {
	if campaign.ContractAddress == "" {
		return "", fmt.Errorf("%w: campaign %d has no escrow contract", ErrInvalidState, campaign.Id)
	}
	switch record.Method {
	case model.EscrowMethodFinalize:
		return e.chain.Finalize(ctx, campaign.ContractAddress, ms.ChainIndex())
	case model.EscrowMethodAdminRelease:
		return e.chain.AdminRelease(ctx, campaign.ContractAddress, ms.ChainIndex())
	case model.EscrowMethodAdminRefund:
		return e.broadcastRefund(ctx, campaign, record)
	default:
		return "", fmt.Errorf("%w: unknown escrow method %q", ErrInvalidState, record.Method)
	}
}

// broadcastRefund adminRefund 在合约中没有防重，签名结果先落库，之后每次重试都广播同一笔交易
func (e *EscrowLogic) broadcastRefund(ctx context.Context, campaign *model.CampaignModel, record *model.EscrowTransactionModel) (string, error) {
	if record.SignedTx == "" {
		signed, err := e.chain.SignAdminRefund(ctx, campaign.ContractAddress, record.Recipient, record.Amount)
		if err != nil {
			return "", err
		}
		if err := e.store.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
			"signed_tx":      signed.Raw,
			"signed_tx_hash": signed.Hash,
		}); err != nil {
			return "", fmt.Errorf("failed to store signed refund for escrow transaction %d: %w", record.Id, err)
		}
		record.SignedTx = signed.Raw
		record.SignedTxHash = signed.Hash
		logger.Info("Signed refund %s for escrow transaction %d", signed.Hash, record.Id)
	}
	return e.chain.Broadcast(ctx, record.SignedTx)
}

// sendBackOff 单次提交内的短重试
func sendBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 30 * time.Second
	return b
}

// retryDelay 第 attempts 次失败后的重试间隔
func (e *EscrowLogic) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(e.cfg.RetryInitialSeconds) * time.Second
	b.MaxInterval = time.Duration(e.cfg.RetryMaxSeconds) * time.Second
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// markFailed attempts 已在抢占时累加
func (e *EscrowLogic) markFailed(ctx context.Context, record *model.EscrowTransactionModel, reason string, retryable bool) error {
	exhausted := e.cfg.MaxAttempts > 0 && record.Attempts >= e.cfg.MaxAttempts
	updates := map[string]interface{}{
		"status":          model.EscrowStatusFailed,
		"chain_tx_hash":   "",
		"last_error":      reason,
		"retryable":       retryable,
		"next_attempt_at": nil,
	}
	if retryable && !exhausted {
		updates["next_attempt_at"] = e.now().Add(e.retryDelay(record.Attempts))
	}
	if err := e.store.UpdateEscrowTransaction(ctx, record.Id, updates); err != nil {
		return fmt.Errorf("failed to mark escrow transaction %d failed: %w", record.Id, err)
	}
	logger.Audit("escrow_failed",
		zap.Int64("campaign_id", record.CampaignId),
		zap.Int64("milestone_id", record.MilestoneId),
		zap.Int64("escrow_id", record.Id),
		zap.String("status_before", string(record.Status)),
		zap.String("status_after", string(model.EscrowStatusFailed)),
		zap.Int("attempts", record.Attempts),
		zap.Bool("retryable", retryable),
		zap.String("error", reason),
	)
	record.Status = model.EscrowStatusFailed
	record.Retryable = retryable

	if !retryable || exhausted {
		e.raiseAlert(ctx, record, fmt.Sprintf("escrow %s %d failed after %d attempts: %s", record.Kind, record.Id, record.Attempts, reason))
		return fmt.Errorf("%w: escrow transaction %d needs manual action: %s", ErrEscrowTransactionFailed, record.Id, reason)
	}
	logger.Warn("Escrow transaction %d attempt %d/%d failed: %s", record.Id, record.Attempts, e.cfg.MaxAttempts, reason)
	return fmt.Errorf("%w: escrow transaction %d attempt %d: %s", ErrEscrowTransactionFailed, record.Id, record.Attempts, reason)
}

func (e *EscrowLogic) raiseAlert(ctx context.Context, record *model.EscrowTransactionModel, reason string) {
	if err := e.store.UpdateMilestone(ctx, record.MilestoneId, map[string]interface{}{"escrow_alert": reason}); err != nil {
		logger.Error("Failed to raise escrow alert on milestone %d: %v", record.MilestoneId, err)
	}
	logger.Error("ESCROW ALERT campaign %d milestone %d: %s", record.CampaignId, record.MilestoneId, reason)
}

// reportMismatch 链上与链下不一致只记录，不自动修正
func (e *EscrowLogic) reportMismatch(ctx context.Context, store repository.Store, campaignId, milestoneId, escrowId int64, field, offchain, onchain, detail string) error {
	open, err := store.HasOpenMismatch(ctx, campaignId, escrowId, field)
	if err != nil {
		return err
	}
	if open {
		return nil
	}
	if err := store.CreateMismatch(ctx, &model.ReconciliationMismatchModel{
		CampaignId:          campaignId,
		MilestoneId:         milestoneId,
		EscrowTransactionId: escrowId,
		Field:               field,
		OffchainValue:       offchain,
		OnchainValue:        onchain,
		Detail:              detail,
	}); err != nil {
		return fmt.Errorf("failed to record reconciliation mismatch: %w", err)
	}
	logger.Error("Reconciliation mismatch campaign %d milestone %d field %s: off-chain %s, on-chain %s (%s)",
		campaignId, milestoneId, field, offchain, onchain, detail)
	return nil
}

// Reconcile 读取已提交交易的回执，把记录推进到 CONFIRMED 或 FAILED
func (e *EscrowLogic) Reconcile(ctx context.Context, limit int) (*ReconcileReport, error) {
	records, err := e.store.ListEscrowTransactions(ctx, repository.EscrowFilter{
		Statuses: []model.EscrowStatus{model.EscrowStatusSubmitted},
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list submitted escrow transactions: %w", err)
	}

	report := &ReconcileReport{Checked: len(records)}
	if len(records) == 0 {
		return report, nil
	}

	type lookup struct {
		receipt *Receipt
		err     error
	}
	lookups := make([]lookup, len(records))

	pool, err := ants.NewPool(8)
	if err != nil {
		return nil, fmt.Errorf("failed to create receipt pool: %w", err)
	}
	defer pool.Release()

	var wg sync.WaitGroup
	for i := range records {
		if records[i].ChainTxHash == "" {
			continue
		}
		i := i
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			lookups[i].receipt, lookups[i].err = e.chain.GetReceipt(ctx, records[i].ChainTxHash)
		}); err != nil {
			wg.Done()
			lookups[i].err = err
		}
	}
	wg.Wait()

	now := e.now()
	timeout := e.cfg.ConfirmTimeout()
	for i := range records {
		record := &records[i]
		expired := timeout > 0 && record.LastAttemptAt != nil && now.Sub(*record.LastAttemptAt) > timeout

		if record.ChainTxHash == "" {
			switch {
			case record.Attempts == 0:
				// 事务已提交但尚未发送
				if err := e.dispatch(ctx, record.Id); err != nil {
					logger.Warn("Dispatch of escrow transaction %d failed: %v", record.Id, err)
					report.Errors++
				} else {
					report.Dispatched++
				}
			case expired:
				// 发送过程中断：释放重发前会核对链上状态，退款重发的是同一笔已签名交易
				e.failOnReconcile(ctx, report, record, "submission interrupted, outcome unknown")
			default:
				report.Pending++
			}
			continue
		}

		l := lookups[i]
		switch {
		case l.err != nil:
			logger.Warn("Failed to fetch receipt for %s: %v", record.ChainTxHash, l.err)
			report.Errors++
		case l.receipt == nil:
			if expired {
				e.failOnReconcile(ctx, report, record, fmt.Sprintf("tx %s not mined within %s", record.ChainTxHash, timeout))
			} else {
				report.Pending++
			}
		case !l.receipt.Success:
			if record.SignedTx != "" {
				// 回滚的交易已消耗 nonce 且未转账，下次重新签名
				if err := e.store.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
					"signed_tx":      "",
					"signed_tx_hash": "",
				}); err != nil {
					logger.Error("Failed to clear reverted refund %s: %v", record.ChainTxHash, err)
					report.Errors++
					continue
				}
			}
			e.failOnReconcile(ctx, report, record, fmt.Sprintf("tx %s reverted in block %d", record.ChainTxHash, l.receipt.BlockNumber))
		case !l.receipt.Confirmed:
			report.Pending++
		default:
			mismatched, err := e.confirm(ctx, record, l.receipt.BlockNumber)
			if err != nil {
				logger.Error("Failed to confirm escrow transaction %d: %v", record.Id, err)
				report.Errors++
				continue
			}
			report.Confirmed++
			if mismatched {
				report.Mismatches++
			}
		}
	}

	logger.Info("Escrow reconciliation: checked %d, confirmed %d, failed %d, pending %d, mismatches %d",
		report.Checked, report.Confirmed, report.Failed, report.Pending, report.Mismatches)
	return report, nil
}

// failOnReconcile ErrEscrowTransactionFailed 是预期结果，其他错误说明记录未能更新
func (e *EscrowLogic) failOnReconcile(ctx context.Context, report *ReconcileReport, record *model.EscrowTransactionModel, reason string) {
	err := e.markFailed(ctx, record, reason, true)
	if err != nil && !errors.Is(err, ErrEscrowTransactionFailed) {
		logger.Error("Failed to record failure of escrow transaction %d: %v", record.Id, err)
		report.Errors++
		return
	}
	report.Failed++
}

// confirm 记录转为 CONFIRMED 并更新里程碑与活动的结算金额，然后核对链上状态
func (e *EscrowLogic) confirm(ctx context.Context, record *model.EscrowTransactionModel, blockNum int64) (bool, error) {
	applied := false
	var contract string
	var chainIndex, expected int64

	err := e.store.WithCampaignLock(ctx, record.CampaignId, func(tx repository.Store) error {
		current, err := tx.GetEscrowTransaction(ctx, record.Id)
		if err != nil {
			return err
		}
		if current.Status != model.EscrowStatusSubmitted || current.ChainTxHash != record.ChainTxHash {
			return nil
		}
		campaign, err := tx.GetCampaign(ctx, record.CampaignId)
		if err != nil {
			return err
		}
		ms, err := tx.GetMilestone(ctx, record.MilestoneId)
		if err != nil {
			return err
		}

		if err := tx.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
			"status":       model.EscrowStatusConfirmed,
			"confirmed_at": e.now(),
			"block_num":    blockNum,
			"last_error":   "",
		}); err != nil {
			return err
		}

		column, before := "refunded_amount", campaign.RefundedAmount
		if record.Kind == model.EscrowKindRelease {
			column, before = "released_amount", campaign.ReleasedAmount
			if err := tx.UpdateMilestone(ctx, ms.Id, map[string]interface{}{
				"release_tx_hash": record.ChainTxHash,
				"escrow_alert":    "",
			}); err != nil {
				return err
			}
		}
		if err := tx.IncrementCampaign(ctx, campaign.Id, column, record.Amount); err != nil {
			return err
		}
		logger.Audit("escrow_confirmed",
			zap.Int64("campaign_id", campaign.Id),
			zap.Int64("milestone_id", ms.Id),
			zap.Int64("escrow_id", record.Id),
			zap.String("kind", string(record.Kind)),
			zap.String("tx_hash", record.ChainTxHash),
			zap.Int64("block", blockNum),
			zap.String("column", column),
			zap.Int64("before", before),
			zap.Int64("after", before+record.Amount),
		)

		applied = true
		contract = campaign.ContractAddress
		chainIndex = ms.ChainIndex()
		expected = ms.CurrentAmount
		return nil
	})
	if err != nil || !applied || record.Kind != model.EscrowKindRelease {
		return false, err
	}

	state, err := e.chain.GetMilestoneState(ctx, contract, chainIndex)
	if err != nil {
		logger.Warn("Could not verify on-chain state for milestone %d: %v", record.MilestoneId, err)
		return false, nil
	}
	mismatched := false
	if !state.Released {
		mismatched = true
		if err := e.reportMismatch(ctx, e.store, record.CampaignId, record.MilestoneId, record.Id, "released", "true", "false",
			fmt.Sprintf("release tx %s confirmed but contract reports milestone unreleased", record.ChainTxHash)); err != nil {
			return true, err
		}
	}
	if state.Amount != expected {
		mismatched = true
		if err := e.reportMismatch(ctx, e.store, record.CampaignId, record.MilestoneId, record.Id, "milestone_amount",
			strconv.FormatInt(expected, 10), strconv.FormatInt(state.Amount, 10),
			"milestone amount differs from contract"); err != nil {
			return true, err
		}
	}
	return mismatched, nil
}

// RetryFailed 重新提交已到重试时间的失败记录
func (e *EscrowLogic) RetryFailed(ctx context.Context, limit int) (int, error) {
	now := e.now()
	records, err := e.store.ListEscrowTransactions(ctx, repository.EscrowFilter{
		Statuses:  []model.EscrowStatus{model.EscrowStatusFailed},
		DueBefore: &now,
		Limit:     limit,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to list failed escrow transactions: %w", err)
	}

	submitted := 0
	for _, record := range records {
		if !record.Retryable || (e.cfg.MaxAttempts > 0 && record.Attempts >= e.cfg.MaxAttempts) {
			continue
		}
		if err := e.dispatch(ctx, record.Id); err != nil {
			logger.Warn("Retry of escrow transaction %d failed: %v", record.Id, err)
			continue
		}
		submitted++
	}
	return submitted, nil
}

// ObserveRelease 比对链上 MilestoneReleased 事件与本地释放记录
func (e *EscrowLogic) ObserveRelease(ctx context.Context, event ReleaseEvent) error {
	campaign, err := e.store.GetCampaignByContract(ctx, event.Contract)
	if err != nil {
		return err
	}
	milestones, err := e.store.ListMilestones(ctx, campaign.Id)
	if err != nil {
		return err
	}
	var ms *model.MilestoneModel
	for i := range milestones {
		if milestones[i].ChainIndex() == event.MilestoneIndex {
			ms = &milestones[i]
			break
		}
	}
	if ms == nil {
		return e.reportMismatch(ctx, e.store, campaign.Id, 0, 0, "milestone_index", "", strconv.FormatInt(event.MilestoneIndex, 10),
			fmt.Sprintf("release event %s for unknown milestone index", event.TxHash))
	}

	key := IdempotencyKey(campaign.Id, campaign.ResetEpoch, ms.Id, model.EscrowKindRelease, "")
	record, err := e.store.GetEscrowTransactionByKey(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return e.reportMismatch(ctx, e.store, campaign.Id, ms.Id, 0, "release", "none", event.TxHash,
			fmt.Sprintf("milestone %d released on chain without an off-chain release record", ms.Id))
	}
	if err != nil {
		return err
	}

	if event.Amount != record.Amount {
		if err := e.reportMismatch(ctx, e.store, campaign.Id, ms.Id, record.Id, "release_amount",
			strconv.FormatInt(record.Amount, 10), strconv.FormatInt(event.Amount, 10),
			"released amount differs from escrow record"); err != nil {
			return err
		}
	}
	if record.ChainTxHash == event.TxHash {
		logger.Debug("Release of milestone %d observed on chain in tx %s", ms.Id, event.TxHash)
		return nil
	}
	if record.Status == model.EscrowStatusFailed {
		if err := e.store.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
			"retryable":       false,
			"next_attempt_at": nil,
		}); err != nil {
			return err
		}
	}
	return e.reportMismatch(ctx, e.store, campaign.Id, ms.Id, record.Id, "release_tx_hash", record.ChainTxHash, event.TxHash,
		fmt.Sprintf("milestone %d released on chain by a transaction the escrow record does not know", ms.Id))
}

// ForceRelease 管理员对释放失败的已通过里程碑改用 adminRelease 重新提交
func (e *EscrowLogic) ForceRelease(ctx context.Context, milestoneId int64) (*model.EscrowTransactionModel, error) {
	current, err := e.store.GetMilestone(ctx, milestoneId)
	if err != nil {
		return nil, err
	}

	var record *model.EscrowTransactionModel
	err = e.store.WithCampaignLock(ctx, current.CampaignId, func(tx repository.Store) error {
		ms, err := tx.GetMilestone(ctx, milestoneId)
		if err != nil {
			return err
		}
		if ms.Status != model.MilestoneStatusApproved {
			return fmt.Errorf("%w: milestone %d is %s", ErrInvalidState, ms.Id, ms.Status)
		}
		campaign, err := tx.GetCampaign(ctx, ms.CampaignId)
		if err != nil {
			return err
		}
		record, err = tx.GetEscrowTransactionByKey(ctx, IdempotencyKey(campaign.Id, campaign.ResetEpoch, ms.Id, model.EscrowKindRelease, ""))
		if err != nil {
			return err
		}
		if record.Status != model.EscrowStatusFailed {
			return fmt.Errorf("%w: release %d is %s", ErrInvalidState, record.Id, record.Status)
		}
		if err := tx.UpdateEscrowTransaction(ctx, record.Id, map[string]interface{}{
			"method":          model.EscrowMethodAdminRelease,
			"attempts":        0,
			"retryable":       true,
			"next_attempt_at": nil,
		}); err != nil {
			return err
		}
		if err := tx.UpdateMilestone(ctx, ms.Id, map[string]interface{}{"escrow_alert": ""}); err != nil {
			return err
		}
		logger.Audit("escrow_force_release",
			zap.Int64("campaign_id", campaign.Id),
			zap.Int64("milestone_id", ms.Id),
			zap.Int64("escrow_id", record.Id),
			zap.Int("attempts_before", record.Attempts),
			zap.Int64("amount", record.Amount),
		)
		return nil
	})
	if err != nil {
		return nil, err
	}

	dispatchErr := e.dispatch(ctx, record.Id)
	latest, err := e.store.GetEscrowTransaction(ctx, record.Id)
	if err != nil {
		return nil, err
	}
	return latest, dispatchErr
}

// AnnounceVoting 尽力在链上打开投票窗口，失败只记录日志
func (e *EscrowLogic) AnnounceVoting(ctx context.Context, ms *model.MilestoneModel) {
	if ms.VoteStartTime == nil || ms.VoteEndTime == nil {
		return
	}
	campaign, err := e.store.GetCampaign(ctx, ms.CampaignId)
	if err != nil || campaign.ContractAddress == "" {
		return
	}
	txHash, err := e.chain.OpenVoting(ctx, campaign.ContractAddress, ms.ChainIndex(), *ms.VoteStartTime, *ms.VoteEndTime)
	if err != nil {
		logger.Warn("Failed to open on-chain voting for milestone %d: %v", ms.Id, err)
		return
	}
	logger.Info("On-chain voting opened for milestone %d in tx %s", ms.Id, txHash)
}

// ListTransactions 活动的全部托管记录
func (e *EscrowLogic) ListTransactions(ctx context.Context, campaignId int64) ([]model.EscrowTransactionModel, error) {
	return e.store.ListEscrowTransactions(ctx, repository.EscrowFilter{CampaignId: campaignId})
}

// Mismatches 活动的对账差异
func (e *EscrowLogic) Mismatches(ctx context.Context, campaignId int64, onlyOpen bool) ([]model.ReconciliationMismatchModel, error) {
	return e.store.ListMismatches(ctx, campaignId, onlyOpen)
}
