package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/blues/mfs/internal/logic"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"
)

// WeiPerUnit 账本金额单位为 gwei
var WeiPerUnit = big.NewInt(1_000_000_000)

// ToWei 账本金额转 wei
func ToWei(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), WeiPerUnit)
}

// FromWei wei 转账本金额，不足一个单位的部分舍去
func FromWei(wei *big.Int) int64 {
	if wei == nil {
		return 0
	}
	return new(big.Int).Quo(wei, WeiPerUnit).Int64()
}

// SplitWei 拆分为账本金额和不足一个单位的余数
func SplitWei(wei *big.Int) (int64, *big.Int) {
	if wei == nil {
		return 0, new(big.Int)
	}
	units, rem := new(big.Int).QuoRem(wei, WeiPerUnit, new(big.Int))
	return units.Int64(), rem
}

// FormatEther 展示用的 ETH 金额
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}
	return decimal.NewFromBigInt(wei, -18).String()
}

// ReceiptReader 查询交易回执所需的客户端能力
type ReceiptReader interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// TxBroadcaster 广播已签名交易
type TxBroadcaster interface {
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Gateway 托管协调器使用的链上端口
type Gateway struct {
	manager       *Manager
	receipts      ReceiptReader
	broadcaster   TxBroadcaster
	confirmations int64
}

var _ logic.Chain = (*Gateway)(nil)

// NewGateway 基于链管理器创建
func NewGateway(manager *Manager) *Gateway {
	return &Gateway{
		manager:       manager,
		receipts:      manager.GetClient(),
		broadcaster:   manager.GetClient(),
		confirmations: manager.GetConfig().Confirmations,
	}
}

func (g *Gateway) send(ctx context.Context, contract string, call func(c *EscrowContract, opts *bind.TransactOpts) (*types.Transaction, error)) (string, error) {
	c, err := g.manager.Contract(contract)
	if err != nil {
		return "", err
	}
	return g.manager.Send(ctx, func(opts *bind.TransactOpts) (string, error) {
		tx, err := call(c, opts)
		if err != nil {
			return "", err
		}
		return tx.Hash().Hex(), nil
	})
}

// Finalize 调用 finalize(milestoneIndex)
func (g *Gateway) Finalize(ctx context.Context, contract string, milestoneIndex int64) (string, error) {
	return g.send(ctx, contract, func(c *EscrowContract, opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.Finalize(opts, milestoneIndex)
	})
}

// AdminRelease 调用 adminRelease(milestoneIndex)
func (g *Gateway) AdminRelease(ctx context.Context, contract string, milestoneIndex int64) (string, error) {
	return g.send(ctx, contract, func(c *EscrowContract, opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.AdminRelease(opts, milestoneIndex)
	})
}

// SignAdminRefund 签名 adminRefund(to, amountWei)，不广播
func (g *Gateway) SignAdminRefund(ctx context.Context, contract, to string, amount int64) (*logic.SignedTx, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid refund address %q", to)
	}
	c, err := g.manager.Contract(contract)
	if err != nil {
		return nil, err
	}
	var signed *types.Transaction
	_, err = g.manager.Send(ctx, func(opts *bind.TransactOpts) (string, error) {
		opts.NoSend = true
		tx, err := c.AdminRefund(opts, common.HexToAddress(to), ToWei(amount))
		if err != nil {
			return "", err
		}
		signed = tx
		g.manager.reserveNonce(tx.Nonce())
		return tx.Hash().Hex(), nil
	})
	if err != nil {
		return nil, err
	}
	raw, err := signed.MarshalBinary()
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed refund: %w", err)
	}
	return &logic.SignedTx{Hash: signed.Hash().Hex(), Raw: hexutil.Encode(raw)}, nil
}

// Broadcast 广播已签名交易，节点已知或已打包都视为成功
func (g *Gateway) Broadcast(ctx context.Context, rawTx string) (string, error) {
	return broadcast(ctx, g.broadcaster, g.receipts, rawTx)
}

func broadcast(ctx context.Context, sender TxBroadcaster, receipts ReceiptReader, rawTx string) (string, error) {
	data, err := hexutil.Decode(rawTx)
	if err != nil {
		return "", fmt.Errorf("invalid raw transaction: %w", err)
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return "", fmt.Errorf("invalid raw transaction: %w", err)
	}
	hash := tx.Hash()

	sendErr := sender.SendTransaction(ctx, tx)
	if sendErr == nil {
		return hash.Hex(), nil
	}
	msg := strings.ToLower(sendErr.Error())
	if strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction") {
		return hash.Hex(), nil
	}
	if strings.Contains(msg, "nonce too low") {
		// nonce 已被使用：要么是这笔交易本身已打包，要么被其他交易占用
		if _, err := receipts.TransactionReceipt(ctx, hash); err == nil {
			return hash.Hex(), nil
		} else if !errors.Is(err, ethereum.NotFound) {
			return "", fmt.Errorf("failed to check receipt %s: %w", hash.Hex(), err)
		}
		return "", fmt.Errorf("%w: tx %s: %v", logic.ErrSignedTxSuperseded, hash.Hex(), sendErr)
	}
	return "", sendErr
}

// OpenVoting 调用 openVoting(milestoneIndex, start, end)
func (g *Gateway) OpenVoting(ctx context.Context, contract string, milestoneIndex int64, start, end time.Time) (string, error) {
	return g.send(ctx, contract, func(c *EscrowContract, opts *bind.TransactOpts) (*types.Transaction, error) {
		return c.OpenVoting(opts, milestoneIndex, uint64(start.Unix()), uint64(end.Unix()))
	})
}

// GetReceipt 交易尚未打包时返回 nil, nil
func (g *Gateway) GetReceipt(ctx context.Context, txHash string) (*logic.Receipt, error) {
	return readReceipt(ctx, g.receipts, txHash, g.confirmations)
}

func readReceipt(ctx context.Context, reader ReceiptReader, txHash string, confirmations int64) (*logic.Receipt, error) {
	receipt, err := reader.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt %s: %w", txHash, err)
	}

	head, err := reader.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get head block: %w", err)
	}

	blockNum := receipt.BlockNumber.Int64()
	depth := int64(head) - blockNum + 1
	return &logic.Receipt{
		Success:     receipt.Status == types.ReceiptStatusSuccessful,
		BlockNumber: blockNum,
		Confirmed:   depth >= confirmations,
	}, nil
}

// GetMilestoneState 读取链上里程碑
func (g *Gateway) GetMilestoneState(ctx context.Context, contract string, milestoneIndex int64) (*logic.OnchainMilestone, error) {
	c, err := g.manager.Contract(contract)
	if err != nil {
		return nil, err
	}
	state, err := c.GetMilestone(&bind.CallOpts{Context: ctx}, milestoneIndex)
	if err != nil {
		return nil, err
	}
	return toOnchainMilestone(state), nil
}

func toOnchainMilestone(state *MilestoneState) *logic.OnchainMilestone {
	return &logic.OnchainMilestone{
		Amount:    FromWei(state.AmountWei),
		Released:  state.Released,
		YesPower:  FromWei(state.YesPower),
		NoPower:   FromWei(state.NoPower),
		VoteStart: time.Unix(int64(state.VoteStart), 0).UTC(),
		VoteEnd:   time.Unix(int64(state.VoteEnd), 0).UTC(),
	}
}
