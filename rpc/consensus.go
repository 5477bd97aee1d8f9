package rpc

import (
	"fmt"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	"worldbft_demo/consensus"
	"worldbft_demo/libs/utils"
	"worldbft_demo/types"
)

type ResultStatus struct {
	Stats consensus.ConsensusStats `json:"stats"`
}

// Status 当前共识进度的只读快照
func Status(ctx *rpctypes.Context) (*ResultStatus, error) {
	return &ResultStatus{Stats: env.Consensus.GetStats()}, nil
}

type ResultBlock struct {
	Block *types.FinalizedBlock `json:"block"`
}

// Block 按epoch查询敲定区块
func Block(ctx *rpctypes.Context, epoch uint64) (*ResultBlock, error) {
	block := env.BlockStore.LoadBlock(epoch)
	if block == nil {
		return nil, fmt.Errorf("no finalized block at epoch %d", epoch)
	}
	return &ResultBlock{Block: block}, nil
}

type ResultBlockRange struct {
	Blocks []*types.FinalizedBlock `json:"blocks"`
}

// BlockRange 查询[from, to]的敲定区块，to为0表示到最新epoch
func BlockRange(ctx *rpctypes.Context, from, to uint64) (*ResultBlockRange, error) {
	if to == 0 {
		last, ok := env.BlockStore.LastFinalizedEpoch()
		if !ok {
			return &ResultBlockRange{Blocks: []*types.FinalizedBlock{}}, nil
		}
		to = last
	}
	if to < from {
		return nil, fmt.Errorf("inverted epoch range: [%d, %d]", from, to)
	}
	return &ResultBlockRange{Blocks: env.BlockStore.LoadBlockRange(from, to)}, nil
}

type ResultBlockStats struct {
	Blocks      int     `json:"blocks"`
	MaxInterval float64 `json:"max_interval"` // 相邻区块的最大间隔，秒
	MinInterval float64 `json:"min_interval"`
	AvgInterval float64 `json:"avg_interval"`
}

// BlockStats 统计[from, to]区间内相邻敲定区块的出块间隔
func BlockStats(ctx *rpctypes.Context, from, to uint64) (*ResultBlockStats, error) {
	rng, err := BlockRange(ctx, from, to)
	if err != nil {
		return nil, err
	}
	blocks := rng.Blocks

	intervals := make([]float64, 0, len(blocks))
	for i := 1; i < len(blocks); i++ {
		intervals = append(intervals, blocks[i].Timestamp.Sub(blocks[i-1].Timestamp).Seconds())
	}

	return &ResultBlockStats{
		Blocks:      len(blocks),
		MaxInterval: utils.Max(intervals...),
		MinInterval: utils.Min(intervals...),
		AvgInterval: utils.Avg(intervals...),
	}, nil
}

type ResultValidators struct {
	Validators []*types.Validator `json:"validators"`
	TotalStake uint64             `json:"total_stake"`
}

// Validators 当前registry里的验证者
func Validators(ctx *rpctypes.Context) (*ResultValidators, error) {
	snap := env.Consensus.GetRoundState()
	return &ResultValidators{
		Validators: snap.Validators.Validators,
		TotalStake: snap.Validators.TotalStake,
	}, nil
}
