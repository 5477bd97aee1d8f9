package types

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
	tmrand "github.com/tendermint/tendermint/libs/rand"
)

const ProposalIDSize = 16

// WorldStateProposal 提案人打包的一批候选世界变更。
// MerkleRoot必须等于对WorldChanges重新计算出的root，
// Epoch小于节点当前epoch的提案一律拒绝。
type WorldStateProposal struct {
	ProposalID    tmbytes.HexBytes `json:"proposal_id"`
	Proposer      Address          `json:"proposer"`
	Epoch         uint64           `json:"epoch"`
	Round         uint32           `json:"round"`
	Timestamp     time.Time        `json:"timestamp"`
	WorldChanges  []WorldChange    `json:"world_changes"`
	PrevBlockHash tmbytes.HexBytes `json:"prev_block_hash"` // nil for genesis
	MerkleRoot    string           `json:"merkle_root"`
	Signature     tmbytes.HexBytes `json:"signature"`
}

// NewProposal assembles an unsigned proposal over the given changes,
// stamped with the node's current position in the round machine.
func NewProposal(
	proposer Address,
	epoch uint64,
	round uint32,
	changes []WorldChange,
	prevBlockHash tmbytes.HexBytes,
) *WorldStateProposal {
	return &WorldStateProposal{
		ProposalID:    tmrand.Bytes(ProposalIDSize),
		Proposer:      proposer,
		Epoch:         epoch,
		Round:         round,
		Timestamp:     time.Now(),
		WorldChanges:  changes,
		PrevBlockHash: prevBlockHash,
		MerkleRoot:    ChangeSetRoot(changes),
	}
}

// Hash is the block hash a finalized proposal will be recorded under:
// SHA-256 over (proposal id, merkle root, epoch, round), big-endian ints.
func (p *WorldStateProposal) Hash() tmbytes.HexBytes {
	return blockHash(p.ProposalID, p.MerkleRoot, p.Epoch, p.Round)
}

// ValidateBasic performs stateless checks. Signature and proposer
// authorization are verified against the validator registry by consensus.
func (p *WorldStateProposal) ValidateBasic() error {
	if p == nil {
		return errors.New("nil proposal")
	}
	if len(p.ProposalID) != ProposalIDSize {
		return fmt.Errorf("proposal id has wrong size: %d", len(p.ProposalID))
	}
	if len(p.Proposer) == 0 {
		return errors.New("proposal has no proposer")
	}
	if len(p.WorldChanges) == 0 {
		return errors.New("proposal carries no world changes")
	}
	if !IsValidRoot(p.MerkleRoot) {
		return fmt.Errorf("malformed merkle root: %q", p.MerkleRoot)
	}
	for i := range p.WorldChanges {
		if err := p.WorldChanges[i].ValidateBasic(); err != nil {
			return fmt.Errorf("invalid world change #%d: %w", i, err)
		}
	}
	return nil
}

func (p *WorldStateProposal) String() string {
	return fmt.Sprintf("Proposal{%X by %v e/r=%d/%d changes=%d}",
		p.ProposalID, p.Proposer, p.Epoch, p.Round, len(p.WorldChanges))
}

// ProposalSignBytes returns the canonical bytes a proposer signs.
// The signature field itself is excluded.
func ProposalSignBytes(chainID string, p *WorldStateProposal) []byte {
	canonical := struct {
		ChainID       string           `json:"chain_id"`
		ProposalID    tmbytes.HexBytes `json:"proposal_id"`
		Proposer      Address          `json:"proposer"`
		Epoch         uint64           `json:"epoch"`
		Round         uint32           `json:"round"`
		MerkleRoot    string           `json:"merkle_root"`
		PrevBlockHash tmbytes.HexBytes `json:"prev_block_hash"`
	}{chainID, p.ProposalID, p.Proposer, p.Epoch, p.Round, p.MerkleRoot, p.PrevBlockHash}

	raw, err := tmjson.Marshal(&canonical)
	if err != nil {
		panic(err)
	}
	return raw
}

func blockHash(proposalID tmbytes.HexBytes, merkleRoot string, epoch uint64, round uint32) tmbytes.HexBytes {
	hasher := sha256.New()
	hasher.Write(proposalID)
	hasher.Write([]byte(merkleRoot))

	var be [8]byte
	binary.BigEndian.PutUint64(be[:], epoch)
	hasher.Write(be[:])
	binary.BigEndian.PutUint32(be[:4], round)
	hasher.Write(be[:4])

	return hasher.Sum(nil)
}
