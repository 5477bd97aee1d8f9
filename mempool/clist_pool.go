package mempool

import (
	"crypto/sha256"
	"sync"

	"github.com/tendermint/tendermint/libs/clist"
	"github.com/tendermint/tendermint/libs/log"

	cfg "worldbft_demo/config"
	"worldbft_demo/types"
)

// CListPool is a concurrent linked-list backed ChangePool with a sha256
// dedup index. Ordering is FIFO: the order changes arrive in is the order
// they are batched into proposals, and through them the order consensus
// fixes for the world.
type CListPool struct {
	config *cfg.MempoolConfig

	changesAvailable  chan struct{} // 从空变非空时触发一次
	notifiedAvailable bool

	mtx        sync.Mutex
	changes    *clist.CList
	changesMap sync.Map // [sha256.Size]byte -> *clist.CElement

	logger log.Logger
}

// poolChange 是clist里的元素，除了change本身还记录了
// 哪些peer已经见过它，避免广播时原路返回
type poolChange struct {
	change  types.WorldChange
	senders sync.Map // peer id (uint16) -> struct{}
}

var _ ChangePool = (*CListPool)(nil)

type CListPoolOption func(*CListPool)

// NewCListPool returns an empty pool.
func NewCListPool(config *cfg.MempoolConfig, options ...CListPoolOption) *CListPool {
	pool := &CListPool{
		config:           config,
		changes:          clist.New(),
		changesAvailable: make(chan struct{}, 1),
		logger:           log.NewNopLogger(),
	}
	for _, option := range options {
		option(pool)
	}
	return pool
}

func (pool *CListPool) SetLogger(logger log.Logger) {
	pool.logger = logger
}

// CheckChange validates the change, rejects duplicates and capacity
// overflows, and appends it to the pool. A duplicate still records the
// sender so the broadcast routine won't echo the change back.
func (pool *CListPool) CheckChange(change types.WorldChange, info ChangeInfo) error {
	if err := change.ValidateBasic(); err != nil {
		return err
	}

	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if pool.changes.Len() >= pool.config.Size {
		return ErrPoolIsFull{Size: pool.changes.Len(), MaxSize: pool.config.Size}
	}

	key := change.Key()
	if raw, exists := pool.changesMap.Load(key); exists {
		raw.(*clist.CElement).Value.(*poolChange).senders.LoadOrStore(info.SenderID, struct{}{})
		return ErrChangeInPool
	}

	pc := &poolChange{change: change}
	pc.senders.Store(info.SenderID, struct{}{})
	e := pool.changes.PushBack(pc)
	pool.changesMap.Store(key, e)
	pool.logger.Debug("added world change", "change", change.String(), "pool_size", pool.changes.Len())

	pool.notifyChangesAvailable()
	return nil
}

// ReapChanges returns up to max pending changes in arrival order. The pool
// keeps them until Update confirms they were finalized.
func (pool *CListPool) ReapChanges(max int) []types.WorldChange {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	if max <= 0 || max > pool.changes.Len() {
		max = pool.changes.Len()
	}

	reaped := make([]types.WorldChange, 0, max)
	for e := pool.changes.Front(); e != nil && len(reaped) < max; e = e.Next() {
		pc := e.Value.(*poolChange)
		reaped = append(reaped, pc.change)
	}
	return reaped
}

// Update removes the changes that made it into the finalized block for the
// given epoch. Unknown changes are ignored, so replaying an Update is safe.
func (pool *CListPool) Update(epoch uint64, applied []types.WorldChange) error {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	removed := 0
	for i := range applied {
		key := applied[i].Key()
		if raw, ok := pool.changesMap.Load(key); ok {
			pool.changes.Remove(raw.(*clist.CElement))
			raw.(*clist.CElement).DetachPrev()
			pool.changesMap.Delete(key)
			removed++
		}
	}
	pool.logger.Debug("change pool updated", "epoch", epoch, "removed", removed, "pool_size", pool.changes.Len())

	if pool.changes.Len() == 0 {
		pool.notifiedAvailable = false
	} else {
		pool.notifyChangesAvailable()
	}
	return nil
}

func (pool *CListPool) Size() int {
	return pool.changes.Len()
}

// Flush drops every pending change and the dedup index.
func (pool *CListPool) Flush() {
	pool.mtx.Lock()
	defer pool.mtx.Unlock()

	for e := pool.changes.Front(); e != nil; e = e.Next() {
		pool.changes.Remove(e)
		e.DetachPrev()
	}
	pool.changesMap.Range(func(key, _ interface{}) bool {
		pool.changesMap.Delete(key)
		return true
	})
	pool.notifiedAvailable = false
}

// ChangesAvailable fires once when the pool transitions from empty to
// non-empty; consensus uses it to decide when a masternode should try to
// batch a proposal.
func (pool *CListPool) ChangesAvailable() <-chan struct{} {
	return pool.changesAvailable
}

// ChangesFront 返回clist的队首，广播routine从这里开始遍历
func (pool *CListPool) ChangesFront() *clist.CElement {
	return pool.changes.Front()
}

// ChangesWaitChan 在clist从空变非空时关闭
func (pool *CListPool) ChangesWaitChan() <-chan struct{} {
	return pool.changes.WaitChan()
}

// caller must hold pool.mtx
func (pool *CListPool) notifyChangesAvailable() {
	if pool.notifiedAvailable {
		return
	}
	pool.notifiedAvailable = true
	select {
	case pool.changesAvailable <- struct{}{}:
	default:
	}
}

// ChangeKeySize is the size of the dedup key.
const ChangeKeySize = sha256.Size
