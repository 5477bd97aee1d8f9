package store

import (
	"errors"
	"fmt"
	"sync"

	tmjson "github.com/tendermint/tendermint/libs/json"
	"github.com/tendermint/tendermint/libs/log"
	tmdb "github.com/tendermint/tm-db"

	"worldbft_demo/types"
)

var (
	blockKeyPrefix = []byte("FB:")
	lastEpochKey   = []byte("FB:last")

	// ErrConflictingBlock is returned when a save would overwrite an epoch
	// that already holds a different block. Finalized epochs are immutable;
	// a conflict means a peer is lying or the network forked.
	ErrConflictingBlock = errors.New("conflicting finalized block for epoch")
)

// Store is the finality tracker's ledger: every finalized block, ordered by
// epoch, retained indefinitely for sync requests.
type Store interface {
	// SaveBlock appends a finalized block under its epoch. Saving the same
	// block twice is a no-op; saving a different block for an existing
	// epoch returns ErrConflictingBlock.
	SaveBlock(block *types.FinalizedBlock) error

	// LoadBlock returns the block finalized at the given epoch, or nil.
	LoadBlock(epoch uint64) *types.FinalizedBlock

	// LoadBlockRange returns the blocks in [fromEpoch, toEpoch], inclusive,
	// in epoch order. Missing epochs are skipped.
	LoadBlockRange(fromEpoch, toEpoch uint64) []*types.FinalizedBlock

	// LastFinalizedEpoch is the highest epoch with a stored block; the
	// second return is false when the ledger is empty.
	LastFinalizedEpoch() (uint64, bool)

	// Size is the number of finalized blocks in the ledger.
	Size() int
}

// BlockStore persists the ledger in a tm-db backend (goleveldb in
// production, memdb in tests).
type BlockStore struct {
	db     tmdb.DB
	logger log.Logger

	mtx       sync.RWMutex
	size      int
	lastEpoch uint64
	hasBlocks bool
}

var _ Store = (*BlockStore)(nil)

// NewBlockStore opens the ledger over an existing database, rebuilding the
// in-memory counters from what is already stored.
func NewBlockStore(db tmdb.DB, logger log.Logger) (*BlockStore, error) {
	bs := &BlockStore{
		db:     db,
		logger: logger,
	}
	if err := bs.loadMeta(); err != nil {
		return nil, err
	}
	return bs, nil
}

// NewMemBlockStore is a convenience constructor for tests.
func NewMemBlockStore() *BlockStore {
	bs, err := NewBlockStore(tmdb.NewMemDB(), log.NewNopLogger())
	if err != nil {
		panic(err)
	}
	return bs
}

func (bs *BlockStore) loadMeta() error {
	itr, err := bs.db.Iterator(blockKeyPrefix, prefixEnd(blockKeyPrefix))
	if err != nil {
		return err
	}
	defer itr.Close()

	for ; itr.Valid(); itr.Next() {
		if string(itr.Key()) == string(lastEpochKey) {
			continue
		}
		bs.size++
	}

	rawLast, err := bs.db.Get(lastEpochKey)
	if err != nil {
		return err
	}
	if len(rawLast) > 0 {
		var last uint64
		if err := tmjson.Unmarshal(rawLast, &last); err != nil {
			return err
		}
		bs.lastEpoch = last
		bs.hasBlocks = bs.size > 0
	}
	return itr.Error()
}

func (bs *BlockStore) SaveBlock(block *types.FinalizedBlock) error {
	if block == nil {
		return errors.New("cannot save nil block")
	}

	bs.mtx.Lock()
	defer bs.mtx.Unlock()

	key := blockKey(block.Epoch)
	existing, err := bs.db.Get(key)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		stored := new(types.FinalizedBlock)
		if err := tmjson.Unmarshal(existing, stored); err != nil {
			return err
		}
		if stored.Equal(block) {
			// idempotent re-save
			return nil
		}
		return fmt.Errorf("%w %d: stored %X, new %X",
			ErrConflictingBlock, block.Epoch, stored.BlockHash, block.BlockHash)
	}

	raw, err := tmjson.Marshal(block)
	if err != nil {
		return err
	}

	batch := bs.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(key, raw); err != nil {
		return err
	}
	if !bs.hasBlocks || block.Epoch > bs.lastEpoch {
		rawLast, err := tmjson.Marshal(block.Epoch)
		if err != nil {
			return err
		}
		if err := batch.Set(lastEpochKey, rawLast); err != nil {
			return err
		}
	}
	if err := batch.WriteSync(); err != nil {
		return err
	}

	bs.size++
	if !bs.hasBlocks || block.Epoch > bs.lastEpoch {
		bs.lastEpoch = block.Epoch
	}
	bs.hasBlocks = true

	bs.logger.Info("finalized block stored", "epoch", block.Epoch, "hash", block.BlockHash)
	return nil
}

func (bs *BlockStore) LoadBlock(epoch uint64) *types.FinalizedBlock {
	raw, err := bs.db.Get(blockKey(epoch))
	if err != nil || len(raw) == 0 {
		return nil
	}

	block := new(types.FinalizedBlock)
	if err := tmjson.Unmarshal(raw, block); err != nil {
		bs.logger.Error("corrupt block in store", "epoch", epoch, "err", err)
		return nil
	}
	return block
}

func (bs *BlockStore) LoadBlockRange(fromEpoch, toEpoch uint64) []*types.FinalizedBlock {
	blocks := []*types.FinalizedBlock{}
	if toEpoch < fromEpoch {
		return blocks
	}
	for epoch := fromEpoch; ; epoch++ {
		if block := bs.LoadBlock(epoch); block != nil {
			blocks = append(blocks, block)
		}
		if epoch == toEpoch {
			break
		}
	}
	return blocks
}

func (bs *BlockStore) LastFinalizedEpoch() (uint64, bool) {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.lastEpoch, bs.hasBlocks
}

func (bs *BlockStore) Size() int {
	bs.mtx.RLock()
	defer bs.mtx.RUnlock()
	return bs.size
}

// blockKey renders epochs into lexicographically ordered keys.
func blockKey(epoch uint64) []byte {
	return []byte(fmt.Sprintf("FB:%020d", epoch))
}

func prefixEnd(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}
