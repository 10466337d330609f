package chain

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"os"

	"github.com/blues/mfs/internal/logger"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// 托管合约事件名
const (
	EventContributed       = "Contributed"
	EventMilestoneReleased = "MilestoneReleased"
	EventVotingOpened      = "VotingOpened"
)

//go:embed escrow.abi.json
var escrowABIJSON []byte

// LoadABI 加载托管合约ABI，path 为空时使用内置ABI
func LoadABI(path string) (abi.ABI, error) {
	if path == "" {
		return abi.JSON(bytes.NewReader(escrowABIJSON))
	}

	abiData, err := os.ReadFile(path)
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to load ABI from %s: %w", path, err)
	}

	// 先尝试完整的编译输出，再按ABI数组解析
	var compiledOutput struct {
		ABI json.RawMessage `json:"abi"`
	}
	if err := json.Unmarshal(abiData, &compiledOutput); err == nil && compiledOutput.ABI != nil {
		parsed, err := abi.JSON(bytes.NewReader(compiledOutput.ABI))
		if err != nil {
			return abi.ABI{}, fmt.Errorf("failed to parse ABI from compiled output: %w", err)
		}
		return parsed, nil
	}

	parsed, err := abi.JSON(bytes.NewReader(abiData))
	if err != nil {
		return abi.ABI{}, fmt.Errorf("failed to parse ABI: %w", err)
	}
	return parsed, nil
}

// Event 解析后的合约事件
type Event struct {
	Name        string
	Contract    common.Address
	TxHash      string
	BlockNumber int64
	LogIndex    int64
	Fields      map[string]interface{}
}

// EscrowContract 单个活动的托管合约
type EscrowContract struct {
	address common.Address
	abi     abi.ABI
	bound   *bind.BoundContract
}

// NewEscrowContract 绑定合约地址，backend 为 nil 时只能解析事件
func NewEscrowContract(address common.Address, parsed abi.ABI, backend bind.ContractBackend) *EscrowContract {
	c := &EscrowContract{
		address: address,
		abi:     parsed,
	}
	if backend != nil {
		c.bound = bind.NewBoundContract(address, parsed, backend, backend, backend)
	}
	return c
}

// GetAddress 获取合约地址
func (c *EscrowContract) GetAddress() common.Address {
	return c.address
}

// Finalize 按投票结果释放里程碑资金
func (c *EscrowContract) Finalize(opts *bind.TransactOpts, milestoneIndex int64) (*types.Transaction, error) {
	return c.transact(opts, "finalize", big.NewInt(milestoneIndex))
}

// AdminRelease 管理员强制释放
func (c *EscrowContract) AdminRelease(opts *bind.TransactOpts, milestoneIndex int64) (*types.Transaction, error) {
	return c.transact(opts, "adminRelease", big.NewInt(milestoneIndex))
}

// AdminRefund 管理员向支持者退款
func (c *EscrowContract) AdminRefund(opts *bind.TransactOpts, to common.Address, amountWei *big.Int) (*types.Transaction, error) {
	return c.transact(opts, "adminRefund", to, amountWei)
}

// OpenVoting 开启链上投票窗口
func (c *EscrowContract) OpenVoting(opts *bind.TransactOpts, milestoneIndex int64, start, end uint64) (*types.Transaction, error) {
	return c.transact(opts, "openVoting", big.NewInt(milestoneIndex), start, end)
}

func (c *EscrowContract) transact(opts *bind.TransactOpts, method string, params ...interface{}) (*types.Transaction, error) {
	if c.bound == nil {
		return nil, fmt.Errorf("contract %s is not bound to a backend", c.address.Hex())
	}
	return c.bound.Transact(opts, method, params...)
}

// MilestoneState getMilestone 的返回值
type MilestoneState struct {
	Description string
	AmountWei   *big.Int
	Released    bool
	YesPower    *big.Int
	NoPower     *big.Int
	VoteStart   uint64
	VoteEnd     uint64
}

// GetMilestone 读取链上里程碑
func (c *EscrowContract) GetMilestone(opts *bind.CallOpts, milestoneIndex int64) (*MilestoneState, error) {
	if c.bound == nil {
		return nil, fmt.Errorf("contract %s is not bound to a backend", c.address.Hex())
	}
	var out []interface{}
	if err := c.bound.Call(opts, &out, "getMilestone", big.NewInt(milestoneIndex)); err != nil {
		return nil, err
	}
	if len(out) != 7 {
		return nil, fmt.Errorf("unexpected getMilestone output length %d", len(out))
	}

	state := &MilestoneState{}
	var ok [7]bool
	state.Description, ok[0] = out[0].(string)
	state.AmountWei, ok[1] = out[1].(*big.Int)
	state.Released, ok[2] = out[2].(bool)
	state.YesPower, ok[3] = out[3].(*big.Int)
	state.NoPower, ok[4] = out[4].(*big.Int)
	state.VoteStart, ok[5] = out[5].(uint64)
	state.VoteEnd, ok[6] = out[6].(uint64)
	for i, v := range ok {
		if !v {
			return nil, fmt.Errorf("unexpected getMilestone output type at %d: %T", i, out[i])
		}
	}
	return state, nil
}

// GetMilestoneCount 读取链上里程碑数量
func (c *EscrowContract) GetMilestoneCount(opts *bind.CallOpts) (int64, error) {
	if c.bound == nil {
		return 0, fmt.Errorf("contract %s is not bound to a backend", c.address.Hex())
	}
	var out []interface{}
	if err := c.bound.Call(opts, &out, "getMilestoneCount"); err != nil {
		return 0, err
	}
	count, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("unexpected getMilestoneCount output type %T", out[0])
	}
	return count.Int64(), nil
}

// ParseEvent 解析事件日志，未知事件返回 Name 为空的 Event
func (c *EscrowContract) ParseEvent(log types.Log) (*Event, error) {
	result := &Event{
		Contract:    log.Address,
		TxHash:      log.TxHash.Hex(),
		BlockNumber: int64(log.BlockNumber),
		LogIndex:    int64(log.Index),
		Fields:      make(map[string]interface{}),
	}
	if len(log.Topics) == 0 {
		return result, nil
	}

	event, err := c.abi.EventByID(log.Topics[0])
	if err != nil {
		logger.Warn("Unknown event signature: %s in contract %s", log.Topics[0].Hex(), c.address.Hex())
		return result, nil
	}
	result.Name = event.Name

	// 索引参数按出现顺序对应 Topics[1:]
	topic := 1
	for _, input := range event.Inputs {
		if !input.Indexed {
			continue
		}
		if topic >= len(log.Topics) {
			return nil, fmt.Errorf("event %s missing topic for %s", event.Name, input.Name)
		}
		result.Fields[input.Name] = parseTopicValue(log.Topics[topic], input.Type)
		topic++
	}

	if len(log.Data) > 0 {
		if err := c.abi.UnpackIntoMap(result.Fields, event.Name, log.Data); err != nil {
			return nil, fmt.Errorf("failed to unpack %s data: %w", event.Name, err)
		}
	}
	return result, nil
}

// parseTopicValue 解析主题值
func parseTopicValue(topic common.Hash, t abi.Type) interface{} {
	switch t.T {
	case abi.UintTy, abi.IntTy:
		return new(big.Int).SetBytes(topic.Bytes())
	case abi.AddressTy:
		return common.BytesToAddress(topic.Bytes())
	case abi.BoolTy:
		return new(big.Int).SetBytes(topic.Bytes()).Sign() > 0
	default:
		return topic.Hex()
	}
}
