package mempool

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/go-kit/kit/log/term"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendermint/tendermint/libs/log"
	"github.com/tendermint/tendermint/p2p"
	"github.com/tendermint/tendermint/p2p/mock"

	cfg "worldbft_demo/config"
	"worldbft_demo/types"
)

const (
	numChanges = 100
	timeout    = 120 * time.Second // ridiculously high because CI can be slow
)

// 测试节点之间的change pool同步
// 向节点a的pool加入一组变更，节点b也要能收到这些变更
func TestReactorBroadcastChanges(t *testing.T) {
	config := cfg.TestConfig()

	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer func() {
		for _, r := range reactors {
			if err := r.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	changes := checkChanges(t, reactors[0].pool, numChanges, UnknownPeerID)

	// 期待reactor[1]按序收到这些变更
	waitForChangesOnReactors(t, changes, reactors)
}

// 模拟reactor b向reactor a发送变更，reactor b不应该再收到这些变更
func TestReactorNoBroadcastToSender(t *testing.T) {
	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer func() {
		for _, r := range reactors {
			if err := r.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	const peerID = 1
	checkChanges(t, reactors[0].pool, numChanges, peerID)
	ensureNoChanges(t, reactors[peerID], 100*time.Millisecond)
}

// 收到无法解析的消息时要断开对应peer
func TestReactorStopsPeerOnGarbage(t *testing.T) {
	config := cfg.TestConfig()
	reactors := makeAndConnectReactors(config, 1)
	defer func() {
		for _, r := range reactors {
			if err := r.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	peer := mock.NewPeer(nil)
	reactors[0].InitPeer(peer)
	reactors[0].Receive(ChangePoolChannel, peer, []byte{0x1, 0x2, 0x3})
	assert.Zero(t, reactors[0].pool.Size())
}

// 测试当有节点退出时不会出现goroutine泄漏
func TestBroadcastChangeForPeerStopsWhenPeerStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)
	defer func() {
		for _, r := range reactors {
			if err := r.Stop(); err != nil {
				assert.NoError(t, err)
			}
		}
	}()

	// stop peer
	sw := reactors[1].Switch
	sw.StopPeerForError(sw.Peers().List()[0], errors.New("some reason"))

	// check that we are not leaking any go-routines
	// i.e. broadcastChangeRoutine finishes when peer is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

// 测试change pool Reactor能否正常退出
func TestBroadcastChangeForPeerStopsWhenReactorStops(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping test in short mode.")
	}

	config := cfg.TestConfig()
	const N = 2
	reactors := makeAndConnectReactors(config, N)

	// stop reactors
	for _, r := range reactors {
		if err := r.Stop(); err != nil {
			assert.NoError(t, err)
		}
	}

	// check that we are not leaking any go-routines
	// i.e. broadcastChangeRoutine finishes when reactor is stopped
	leaktest.CheckTimeout(t, 10*time.Second)()
}

// 测试poolIDs能否正常分配id回收id
func TestPoolIDsBasic(t *testing.T) {
	ids := newPoolIDs()

	peer := mock.NewPeer(net.IP{127, 0, 0, 1})

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 1, ids.GetForPeer(peer))
	ids.Reclaim(peer)

	ids.ReserveForPeer(peer)
	assert.EqualValues(t, 2, ids.GetForPeer(peer))
	ids.Reclaim(peer)
}

// poolLogger is a TestingLogger which uses a different
// color for each node ("node" key must exist).
func poolLogger() log.Logger {
	return log.TestingLoggerWithColorFn(func(keyvals ...interface{}) term.FgBgColor {
		for i := 0; i < len(keyvals)-1; i += 2 {
			if keyvals[i] == "node" {
				return term.FgBgColor{Fg: term.Color(uint8(keyvals[i+1].(int) + 1))}
			}
		}
		return term.FgBgColor{}
	})
}

// connect N pool reactors through N switches
func makeAndConnectReactors(config *cfg.Config, n int) []*Reactor {
	reactors := make([]*Reactor, n)
	logger := poolLogger()
	for i := 0; i < n; i++ {
		pool := NewCListPool(config.Mempool)

		reactors[i] = NewReactor(pool)
		reactors[i].SetLogger(logger.With("node", i))
	}

	p2p.MakeConnectedSwitches(config.P2P, n, func(i int, s *p2p.Switch) *p2p.Switch {
		s.AddReactor("CHANGEPOOL", reactors[i])
		return s
	}, p2p.Connect2Switches)
	return reactors
}

func checkChanges(t *testing.T, pool *CListPool, count int, peerID uint16) []types.WorldChange {
	changes := make([]types.WorldChange, 0, count)
	for i := 0; i < count; i++ {
		change := types.WorldChange{
			Kind:      types.ChangePlayerAction,
			ActorID:   fmt.Sprintf("player-%d", i),
			Action:    "move",
			AreaID:    "area-sync",
			Timestamp: time.Unix(1700000000+int64(i), 0).UTC(),
		}
		require.NoError(t, pool.CheckChange(change, ChangeInfo{SenderID: peerID}))
		changes = append(changes, change)
	}
	return changes
}

func waitForChangesOnReactors(t *testing.T, changes []types.WorldChange, reactors []*Reactor) {
	wg := new(sync.WaitGroup)
	for i, reactor := range reactors {
		wg.Add(1)
		go func(r *Reactor, reactorIndex int) {
			defer wg.Done()
			waitForChangesOnReactor(t, changes, r, reactorIndex)
		}(reactor, i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-time.After(timeout):
		t.Fatal("Timed out waiting for changes")
	case <-done:
	}
}

func waitForChangesOnReactor(t *testing.T, changes []types.WorldChange, reactor *Reactor, reactorIndex int) {
	pool := reactor.pool
	for pool.Size() < len(changes) {
		time.Sleep(time.Millisecond * 100)
	}

	reaped := pool.ReapChanges(len(changes))
	assert.Equal(t, len(changes), len(reaped))
	for i, change := range changes {
		assert.Equalf(t, change, reaped[i],
			"changes at index %d on reactor %d don't match: %v vs %v", i, reactorIndex, change, reaped[i])
	}
}

// ensure no changes on reactor after some timeout
func ensureNoChanges(t *testing.T, reactor *Reactor, timeout time.Duration) {
	time.Sleep(timeout) // wait for the changes to propagate in all pools
	assert.Zero(t, reactor.pool.Size())
}
