package mempool

import (
	"github.com/tendermint/tendermint/p2p"

	"worldbft_demo/types"
)

// ChangePool 缓存游戏逻辑模块提交的候选世界变更，
// masternode从这里打包提案。RPC的broadcast_change入口也写到这里。
type ChangePool interface {
	// CheckChange 校验并收录一个新的世界变更
	CheckChange(change types.WorldChange, info ChangeInfo) error

	// ReapChanges 按FIFO顺序取出最多max个变更（不移除）
	ReapChanges(max int) []types.WorldChange

	// Update 在一个epoch敲定后移除已经上块的变更
	Update(epoch uint64, applied []types.WorldChange) error

	// Size 当前缓存的变更数量
	Size() int

	// Flush 清空pool和去重缓存
	Flush()

	// ChangesAvailable 在pool从空变为非空时触发一次
	ChangesAvailable() <-chan struct{}
}

// ChangeInfo 记录一个change是从哪里来的，
// 广播routine靠它避免把change原路发回给sender
type ChangeInfo struct {
	// SenderID是reactor给peer分配的内部id，RPC提交时为UnknownPeerID
	SenderID uint16

	// SenderP2PID is the actual p2p.ID of the sender, used for logging.
	SenderP2PID p2p.ID
}
