package rpc

import (
	"encoding/hex"

	rpctypes "github.com/tendermint/tendermint/rpc/jsonrpc/types"

	mempl "worldbft_demo/mempool"
	"worldbft_demo/types"
)

type ResultBroadcastChange struct {
	Key      string `json:"key"`
	PoolSize int    `json:"pool_size"`
}

// BroadcastChangeAsync 游戏逻辑模块提交候选世界变更的入口。
// 只写进change pool，不等待共识结果。
func BroadcastChangeAsync(ctx *rpctypes.Context, change types.WorldChange) (*ResultBroadcastChange, error) {
	if err := env.ChangePool.CheckChange(change, mempl.ChangeInfo{SenderID: mempl.UnknownPeerID}); err != nil {
		return nil, err
	}

	key := change.Key()
	return &ResultBroadcastChange{
		Key:      hex.EncodeToString(key[:]),
		PoolSize: env.ChangePool.Size(),
	}, nil
}
