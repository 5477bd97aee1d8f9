package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
	tmrand "github.com/tendermint/tendermint/libs/rand"

	"worldbft_demo/types"
)

func newVal(stake uint64) *types.Validator {
	return types.NewValidator(ed25519.GenPrivKey().PubKey(), stake)
}

func makeVote(voter types.Address, voteType types.VoteType, approve bool) *types.Vote {
	return &types.Vote{
		Type:       voteType,
		Approve:    approve,
		ProposalID: tmrand.Bytes(types.ProposalIDSize),
		Voter:      voter,
		Epoch:      0,
		Round:      0,
		Timestamp:  time.Now(),
		Signature:  []byte("sig"),
	}
}

func TestAddVoteLastWins(t *testing.T) {
	vs := NewRoundVoteSet()
	val := newVal(1000)

	require.NoError(t, vs.AddVote(makeVote(val.Address, types.PrevoteType, true)))
	require.NoError(t, vs.AddVote(makeVote(val.Address, types.PrevoteType, false)))

	// 重复投票只计最后一张
	assert.Equal(t, 1, vs.Count(types.PrevoteType))
	assert.Zero(t, vs.ApproveCount(types.PrevoteType))
}

func TestPowerWeighted(t *testing.T) {
	big := newVal(3000)
	small := newVal(1000)
	vals := types.NewValidatorSet([]*types.Validator{big, small})

	vs := NewRoundVoteSet()
	require.NoError(t, vs.AddVote(makeVote(big.Address, types.PrevoteType, true)))
	assert.InDelta(t, 0.75, vs.PrevotePower(vals), 1e-9)

	require.NoError(t, vs.AddVote(makeVote(small.Address, types.PrevoteType, true)))
	assert.InDelta(t, 1.0, vs.PrevotePower(vals), 1e-9)

	// precommit集合独立于prevote集合
	assert.Zero(t, vs.PrecommitPower(vals))
}

func TestRejectingVotesCarryNoPower(t *testing.T) {
	val := newVal(1000)
	vals := types.NewValidatorSet([]*types.Validator{val})

	vs := NewRoundVoteSet()
	require.NoError(t, vs.AddVote(makeVote(val.Address, types.PrecommitType, false)))

	assert.Zero(t, vs.PrecommitPower(vals))
	assert.Equal(t, 1, vs.Count(types.PrecommitType))
	assert.Empty(t, vs.PrecommitSignatures())
}

func TestPrecommitSignatures(t *testing.T) {
	a, b := newVal(1000), newVal(1000)
	vs := NewRoundVoteSet()

	require.NoError(t, vs.AddVote(makeVote(a.Address, types.PrecommitType, true)))
	require.NoError(t, vs.AddVote(makeVote(b.Address, types.PrecommitType, false)))

	sigs := vs.PrecommitSignatures()
	require.Len(t, sigs, 1)
	_, ok := sigs[a.Address.String()]
	assert.True(t, ok)
}

func TestReset(t *testing.T) {
	val := newVal(1000)
	vs := NewRoundVoteSet()
	require.NoError(t, vs.AddVote(makeVote(val.Address, types.PrevoteType, true)))
	require.NoError(t, vs.AddVote(makeVote(val.Address, types.PrecommitType, true)))

	vs.Reset()
	assert.Zero(t, vs.Count(types.PrevoteType))
	assert.Zero(t, vs.Count(types.PrecommitType))
	assert.False(t, vs.HasVoted(val.Address, types.PrevoteType))
}
