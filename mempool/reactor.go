package mempool

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/tendermint/tendermint/libs/clist"
	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"

	"worldbft_demo/types"
)

const (
	ChangePoolChannel = byte(0x30)

	maxChangeSize = 1024 * 1024

	peerCatchupSleepIntervalMS = 100 // If peer is behind, sleep this amount

	// UnknownPeerID is the peer ID used when a change arrives without a
	// peer, i.e. through the RPC broadcast_change entry.
	UnknownPeerID uint16 = 0

	maxActiveIDs = math.MaxUint16
)

// Reactor 在节点之间广播pending的世界变更，
// 保证所有masternode打包提案时看到同一批候选变更
type Reactor struct {
	p2p.BaseReactor

	pool *CListPool
	ids  *poolIDs
}

type ReactorOption func(*Reactor)

type poolIDs struct {
	mtx       sync.RWMutex
	peerMap   map[p2p.ID]uint16 // map from p2p.ID to pool ids
	nextID    uint16            // nextID指向最后一个可用ID+1的值，但该值不一定可用
	activeIDs map[uint16]struct{}
}

// ReserveForPeer 为peer节点附带一个唯一id
func (ids *poolIDs) ReserveForPeer(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	curID := ids.nextPeerID()
	ids.peerMap[peer.ID()] = curID
	ids.activeIDs[curID] = struct{}{}
}

// nextPeerID 返回下一个可用的id
// 由caller负责lock/unlock.
func (ids *poolIDs) nextPeerID() uint16 {
	if len(ids.activeIDs) == maxActiveIDs {
		panic(fmt.Sprintf("node has maximum %d active IDs and wanted to get one more", maxActiveIDs))
	}

	_, idExists := ids.activeIDs[ids.nextID]
	for idExists {
		ids.nextID++
		_, idExists = ids.activeIDs[ids.nextID]
	}
	curID := ids.nextID
	ids.nextID++
	return curID
}

// Reclaim 释放peer对应的id.
func (ids *poolIDs) Reclaim(peer p2p.Peer) {
	ids.mtx.Lock()
	defer ids.mtx.Unlock()

	removedID, ok := ids.peerMap[peer.ID()]
	if ok {
		delete(ids.activeIDs, removedID)
		delete(ids.peerMap, peer.ID())
	}
}

// GetForPeer 返回peer的id.
func (ids *poolIDs) GetForPeer(peer p2p.Peer) uint16 {
	ids.mtx.RLock()
	defer ids.mtx.RUnlock()

	return ids.peerMap[peer.ID()]
}

func newPoolIDs() *poolIDs {
	return &poolIDs{
		peerMap:   make(map[p2p.ID]uint16),
		activeIDs: map[uint16]struct{}{0: {}},
		nextID:    1, // 为UnknownPeerID保留0，RPC提交的change使用UnknownPeerID
	}
}

func NewReactor(pool *CListPool, options ...ReactorOption) *Reactor {
	reactor := &Reactor{
		pool: pool,
		ids:  newPoolIDs(),
	}
	reactor.BaseReactor = *p2p.NewBaseReactor("ChangePool", reactor)

	return reactor
}

// InitPeer implements Reactor
// 为peer生成一个唯一的id
func (memR *Reactor) InitPeer(peer p2p.Peer) p2p.Peer {
	memR.ids.ReserveForPeer(peer)
	return peer
}

// SetLogger sets the Logger on the reactor and the underlying pool.
func (memR *Reactor) SetLogger(l log.Logger) {
	memR.Logger = l
	memR.pool.SetLogger(l)
}

// OnStart implements p2p.BaseReactor.
func (memR *Reactor) OnStart() error {
	memR.Logger.Info("ChangePool Reactor started.")
	return nil
}

// GetChannels implements Reactor by returning the list of channels for this
// reactor.
func (memR *Reactor) GetChannels() []*p2p.ChannelDescriptor {
	return []*p2p.ChannelDescriptor{
		{
			ID:                  ChangePoolChannel,
			Priority:            5,
			RecvMessageCapacity: maxChangeSize,
		},
	}
}

// AddPeer implements Reactor.
// 启动broadcast routine向peer同步pending的changes
func (memR *Reactor) AddPeer(peer p2p.Peer) {
	go memR.broadcastChangeRoutine(peer)
}

// RemovePeer implements Reactor.
func (memR *Reactor) RemovePeer(peer p2p.Peer, reason interface{}) {
	memR.ids.Reclaim(peer)
	// broadcast routine checks if peer is gone and returns
}

// Receive implements Reactor.
// It adds any received world changes to the pool.
func (memR *Reactor) Receive(chID byte, src p2p.Peer, msgBytes []byte) {
	var change types.WorldChange
	if err := tmjson.Unmarshal(msgBytes, &change); err != nil {
		memR.Logger.Error("Error decoding change", "src", src, "chId", chID, "err", err)
		memR.Switch.StopPeerForError(src, err)
		return
	}
	memR.Logger.Debug("Receive change", "src", src, "chId", chID, "change", change.String())

	info := ChangeInfo{SenderID: memR.ids.GetForPeer(src)}
	if src != nil {
		info.SenderP2PID = src.ID()
	}
	if err := memR.pool.CheckChange(change, info); err != nil && err != ErrChangeInPool {
		memR.Logger.Info("Could not add change", "change", change.String(), "err", err)
	}
}

// --------------------------------
// broadcastChangeRoutine 沿着pool的clist向peer推送change，
// 跳过peer自己发来的，直到peer或reactor退出
func (memR *Reactor) broadcastChangeRoutine(peer p2p.Peer) {
	peerID := memR.ids.GetForPeer(peer)
	var next *clist.CElement

	for {
		if !memR.IsRunning() || !peer.IsRunning() {
			return
		}

		if next == nil {
			select {
			case <-memR.pool.ChangesWaitChan():
				if next = memR.pool.ChangesFront(); next == nil {
					continue
				}
			case <-peer.Quit():
				return
			case <-memR.Quit():
				return
			}
		}

		pc := next.Value.(*poolChange)

		if _, ok := pc.senders.Load(peerID); !ok {
			bz, err := tmjson.Marshal(&pc.change)
			if err != nil {
				panic(err)
			}
			if success := peer.Send(ChangePoolChannel, bz); !success {
				// 发送不成功，间隔peerCatchupSleepIntervalMS后重试
				time.Sleep(peerCatchupSleepIntervalMS * time.Millisecond)
				continue
			}
		}

		select {
		// 当next有下一个元素时，它的nextWaitch关闭，<-会读出来nil，流程继续
		// 如果没有下一个元素，则会在这里block
		case <-next.NextWaitChan():
			next = next.Next()
		case <-peer.Quit():
			return
		case <-memR.Quit():
			return
		}
	}
}
