package types

import (
	"fmt"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"worldbft_demo/types"
)

// RoundVoteSet 收集当前(epoch, round)的prevote和precommit。
// 同一验证者重复投票时后到的覆盖先到的，所以每个地址最多计一票。
// 不做goroutine安全，归共识goroutine独占。
type RoundVoteSet struct {
	prevotes   map[string]*types.Vote
	precommits map[string]*types.Vote
}

func NewRoundVoteSet() *RoundVoteSet {
	return &RoundVoteSet{
		prevotes:   make(map[string]*types.Vote),
		precommits: make(map[string]*types.Vote),
	}
}

// AddVote records a vote under the voter's address, replacing any earlier
// vote of the same type from that voter.
func (vs *RoundVoteSet) AddVote(vote *types.Vote) error {
	switch vote.Type {
	case types.PrevoteType:
		vs.prevotes[vote.Voter.String()] = vote
	case types.PrecommitType:
		vs.precommits[vote.Voter.String()] = vote
	default:
		return fmt.Errorf("unknown vote type %v", vote.Type)
	}
	return nil
}

// PrevotePower sums the voting power behind approving prevotes.
func (vs *RoundVoteSet) PrevotePower(vals *types.ValidatorSet) float64 {
	return approvePower(vs.prevotes, vals)
}

// PrecommitPower sums the voting power behind approving precommits.
func (vs *RoundVoteSet) PrecommitPower(vals *types.ValidatorSet) float64 {
	return approvePower(vs.precommits, vals)
}

// ApproveCount 赞成票的张数（不加权），用于最低票数下限
func (vs *RoundVoteSet) ApproveCount(voteType types.VoteType) int {
	count := 0
	for _, vote := range vs.byType(voteType) {
		if vote.Approve {
			count++
		}
	}
	return count
}

// Count is the total number of recorded votes of the given type.
func (vs *RoundVoteSet) Count(voteType types.VoteType) int {
	return len(vs.byType(voteType))
}

// HasVoted reports whether the address already voted the given type.
func (vs *RoundVoteSet) HasVoted(addr types.Address, voteType types.VoteType) bool {
	_, ok := vs.byType(voteType)[addr.String()]
	return ok
}

// PrecommitSignatures extracts the signatures of approving precommits for
// inclusion in the finalized block.
func (vs *RoundVoteSet) PrecommitSignatures() map[string]tmbytes.HexBytes {
	sigs := make(map[string]tmbytes.HexBytes, len(vs.precommits))
	for addr, vote := range vs.precommits {
		if vote.Approve {
			sigs[addr] = vote.Signature
		}
	}
	return sigs
}

// List returns the recorded votes of the given type in no particular order.
func (vs *RoundVoteSet) List(voteType types.VoteType) []*types.Vote {
	votes := vs.byType(voteType)
	out := make([]*types.Vote, 0, len(votes))
	for _, vote := range votes {
		out = append(out, vote)
	}
	return out
}

// Reset drops all recorded votes; called on round and epoch transitions.
func (vs *RoundVoteSet) Reset() {
	vs.prevotes = make(map[string]*types.Vote)
	vs.precommits = make(map[string]*types.Vote)
}

func (vs *RoundVoteSet) byType(voteType types.VoteType) map[string]*types.Vote {
	if voteType == types.PrecommitType {
		return vs.precommits
	}
	return vs.prevotes
}

func approvePower(votes map[string]*types.Vote, vals *types.ValidatorSet) float64 {
	power := 0.0
	for _, vote := range votes {
		if vote.Approve {
			power += vals.VotingPowerOf(vote.Voter)
		}
	}
	return power
}
