package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

func makeTestProposal(t *testing.T) *WorldStateProposal {
	t.Helper()
	proposer := ed25519.GenPrivKey().PubKey().Address()
	changes := []WorldChange{
		makePlayerAction("player-1", "move", "area-north"),
	}
	p := NewProposal(proposer, 3, 1, changes, nil)
	require.NoError(t, p.ValidateBasic())
	return p
}

func TestProposalHashDependsOnFields(t *testing.T) {
	p := makeTestProposal(t)
	h := p.Hash()
	assert.Len(t, []byte(h), 32)

	epochBump := *p
	epochBump.Epoch++
	assert.NotEqual(t, h, epochBump.Hash())

	roundBump := *p
	roundBump.Round++
	assert.NotEqual(t, h, roundBump.Hash())

	otherRoot := *p
	otherRoot.MerkleRoot = EmptyChangeSetRoot
	assert.NotEqual(t, h, otherRoot.Hash())
}

func TestProposalValidateBasic(t *testing.T) {
	p := makeTestProposal(t)

	empty := *p
	empty.WorldChanges = nil
	assert.Error(t, empty.ValidateBasic())

	badID := *p
	badID.ProposalID = []byte{0x01}
	assert.Error(t, badID.ValidateBasic())

	badRoot := *p
	badRoot.MerkleRoot = "zz"
	assert.Error(t, badRoot.ValidateBasic())
}

func TestProposalSignBytesBoundToChain(t *testing.T) {
	p := makeTestProposal(t)

	sb1 := ProposalSignBytes("chain-a", p)
	sb2 := ProposalSignBytes("chain-b", p)
	assert.NotEqual(t, sb1, sb2)
	assert.Equal(t, sb1, ProposalSignBytes("chain-a", p))
}

func TestVoteSignBytesExcludesSignature(t *testing.T) {
	p := makeTestProposal(t)
	vote := &Vote{
		Type:       PrevoteType,
		Approve:    true,
		ProposalID: p.ProposalID,
		Voter:      p.Proposer,
		Epoch:      p.Epoch,
		Round:      p.Round,
	}

	sb := VoteSignBytes("chain-a", vote)
	vote.Signature = []byte("whatever")
	assert.Equal(t, sb, VoteSignBytes("chain-a", vote))

	vote.Approve = false
	assert.NotEqual(t, sb, VoteSignBytes("chain-a", vote))
}

func TestFinalizedBlockValidateBasic(t *testing.T) {
	p := makeTestProposal(t)
	block := NewFinalizedBlock(p, nil, nil)
	require.NoError(t, block.ValidateBasic())

	tampered := *block
	tampered.Epoch++
	assert.Error(t, tampered.ValidateBasic())

	forgedChanges := *block
	forgedChanges.WorldChanges = []WorldChange{
		makePlayerAction("player-9", "loot", "area-north"),
	}
	assert.Error(t, forgedChanges.ValidateBasic())
}
