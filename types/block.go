package types

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
)

// FinalizedBlock 一个epoch最终敲定的不可变记录。
// precommit阈值达成时创建一次，之后永远不再修改，没有回滚路径。
type FinalizedBlock struct {
	BlockHash  tmbytes.HexBytes `json:"block_hash"`
	ProposalID tmbytes.HexBytes `json:"proposal_id"`
	Epoch      uint64           `json:"epoch"`
	Round      uint32           `json:"round"`
	Proposer   Address          `json:"proposer"`
	Timestamp  time.Time        `json:"timestamp"`

	WorldChanges []WorldChange `json:"world_changes"`

	// ValidatorSignatures collects the Precommit(true) signatures that
	// finalized this block, keyed by the voter's hex address.
	ValidatorSignatures map[string]tmbytes.HexBytes `json:"validator_signatures"`

	MerkleRoot string           `json:"merkle_root"`
	PrevHash   tmbytes.HexBytes `json:"prev_hash"` // nil for the genesis epoch
}

// NewFinalizedBlock seals a proposal into its immutable block form.
func NewFinalizedBlock(
	proposal *WorldStateProposal,
	signatures map[string]tmbytes.HexBytes,
	prevHash tmbytes.HexBytes,
) *FinalizedBlock {
	return &FinalizedBlock{
		BlockHash:           proposal.Hash(),
		ProposalID:          proposal.ProposalID,
		Epoch:               proposal.Epoch,
		Round:               proposal.Round,
		Proposer:            proposal.Proposer,
		Timestamp:           proposal.Timestamp,
		WorldChanges:        proposal.WorldChanges,
		ValidatorSignatures: signatures,
		MerkleRoot:          proposal.MerkleRoot,
		PrevHash:            prevHash,
	}
}

// ValidateBasic recomputes the block hash and the change-set root from the
// block's own fields. Blocks received during sync must pass this before
// they are merged into the local ledger.
func (b *FinalizedBlock) ValidateBasic() error {
	if b == nil {
		return errors.New("nil finalized block")
	}
	if len(b.ProposalID) != ProposalIDSize {
		return fmt.Errorf("block proposal id has wrong size: %d", len(b.ProposalID))
	}
	if len(b.Proposer) == 0 {
		return errors.New("block has no proposer")
	}

	if root := ChangeSetRoot(b.WorldChanges); root != b.MerkleRoot {
		return fmt.Errorf("merkle root mismatch: claimed %s, computed %s", b.MerkleRoot, root)
	}

	expected := blockHash(b.ProposalID, b.MerkleRoot, b.Epoch, b.Round)
	if !bytes.Equal(expected, b.BlockHash) {
		return fmt.Errorf("block hash mismatch: claimed %X, computed %X", b.BlockHash, expected)
	}
	return nil
}

// Equal reports whether two blocks seal the same content.
func (b *FinalizedBlock) Equal(other *FinalizedBlock) bool {
	if b == nil || other == nil {
		return b == other
	}
	return bytes.Equal(b.BlockHash, other.BlockHash)
}

func (b *FinalizedBlock) String() string {
	return fmt.Sprintf("FinalizedBlock{%X e/r=%d/%d by %v changes=%d sigs=%d}",
		b.BlockHash, b.Epoch, b.Round, b.Proposer, len(b.WorldChanges), len(b.ValidatorSignatures))
}
