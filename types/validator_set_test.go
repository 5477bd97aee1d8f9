package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tendermint/tendermint/crypto/ed25519"
)

const (
	testMinStake = uint64(1000)
	testMaxVals  = 100
)

func randValidator(stake uint64) *Validator {
	return NewValidator(ed25519.GenPrivKey().PubKey(), stake)
}

func TestJoinRejectsInsufficientStake(t *testing.T) {
	vals := NewValidatorSet(nil)

	err := vals.Join(randValidator(999), testMinStake, testMaxVals)
	assert.Equal(t, ErrInsufficientStake, err)
	assert.Equal(t, 0, vals.Size())

	assert.NoError(t, vals.Join(randValidator(1000), testMinStake, testMaxVals))
	assert.Equal(t, 1, vals.Size())
}

func TestJoinRecomputesPowers(t *testing.T) {
	vals := NewValidatorSet(nil)

	a := randValidator(1000)
	b := randValidator(3000)
	require.NoError(t, vals.Join(a, testMinStake, testMaxVals))
	require.NoError(t, vals.Join(b, testMinStake, testMaxVals))

	assert.EqualValues(t, 4000, vals.TotalStake)

	_, gotA := vals.GetByAddress(a.Address)
	_, gotB := vals.GetByAddress(b.Address)
	assert.InDelta(t, 0.25, gotA.VotingPower, 1e-9)
	assert.InDelta(t, 0.75, gotB.VotingPower, 1e-9)
}

func TestLeaveUnknownIsNoop(t *testing.T) {
	vals := NewValidatorSet([]*Validator{randValidator(1000)})

	assert.NotPanics(t, func() {
		vals.Leave(randValidator(1000).Address)
	})
	assert.Equal(t, 1, vals.Size())
}

func TestLeaveRecomputesPowers(t *testing.T) {
	a := randValidator(1000)
	b := randValidator(1000)
	vals := NewValidatorSet([]*Validator{a, b})

	vals.Leave(a.Address)

	assert.Equal(t, 1, vals.Size())
	assert.EqualValues(t, 1000, vals.TotalStake)
	_, gotB := vals.GetByAddress(b.Address)
	assert.InDelta(t, 1.0, gotB.VotingPower, 1e-9)
}

// slash三次后永久停用，第四次slash对is_active不再有影响
func TestSlashDeactivatesAfterThree(t *testing.T) {
	a := randValidator(1000)
	vals := NewValidatorSet([]*Validator{a, randValidator(1000)})

	deact := vals.Slash(a.Address, SlashDoubleVoting)
	assert.False(t, deact)
	_, got := vals.GetByAddress(a.Address)
	assert.True(t, got.IsActive)
	assert.InDelta(t, 80.0, got.ReputationScore, 1e-9)

	vals.Slash(a.Address, SlashEquivocation)
	deact = vals.Slash(a.Address, SlashInvalidProposal)
	assert.True(t, deact)

	_, got = vals.GetByAddress(a.Address)
	assert.False(t, got.IsActive)
	assert.EqualValues(t, 3, got.SlashingCount)

	// idempotent beyond the threshold
	deact = vals.Slash(a.Address, SlashInactivity)
	assert.False(t, deact)
	_, got = vals.GetByAddress(a.Address)
	assert.False(t, got.IsActive)
	assert.EqualValues(t, 4, got.SlashingCount)
}

func TestSlashUnknownIsNoop(t *testing.T) {
	vals := NewValidatorSet([]*Validator{randValidator(1000)})
	assert.NotPanics(t, func() {
		vals.Slash(randValidator(1000).Address, SlashInactivity)
	})
}

func TestVotingPowerExcludesInactive(t *testing.T) {
	a := randValidator(1000)
	b := randValidator(1000)
	vals := NewValidatorSet([]*Validator{a, b})

	for i := 0; i < MaxSlashingCount; i++ {
		vals.Slash(a.Address, SlashDoubleVoting)
	}

	assert.Zero(t, vals.VotingPowerOf(a.Address))
	assert.Equal(t, 1, vals.ActiveCount())
	assert.EqualValues(t, 1000, vals.TotalActiveStake())

	// b now owns the whole active stake, with neutral reputation
	assert.InDelta(t, 1.0, vals.VotingPowerOf(b.Address), 1e-9)
}

func TestReputationMultiplierClamped(t *testing.T) {
	v := randValidator(1000)

	v.ReputationScore = 100
	assert.InDelta(t, 1.0, v.ReputationMultiplier(), 1e-9)

	v.ReputationScore = 10
	assert.InDelta(t, 0.5, v.ReputationMultiplier(), 1e-9)

	v.ReputationScore = 500
	assert.InDelta(t, 1.5, v.ReputationMultiplier(), 1e-9)
}

func TestValidatorSetHashChangesWithMembership(t *testing.T) {
	a := randValidator(1000)
	b := randValidator(1000)

	vals := NewValidatorSet([]*Validator{a})
	h1 := vals.Hash()
	require.NoError(t, vals.Join(b, testMinStake, testMaxVals))
	h2 := vals.Hash()

	assert.NotEqual(t, h1, h2)
}
