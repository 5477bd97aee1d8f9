package types

import (
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type VoteType uint8

const (
	PrevoteType   = VoteType(0x01)
	PrecommitType = VoteType(0x02)
)

func (t VoteType) String() string {
	switch t {
	case PrevoteType:
		return "Prevote"
	case PrecommitType:
		return "Precommit"
	default:
		return "UnknownVote"
	}
}

func IsVoteTypeValid(t VoteType) bool {
	return t == PrevoteType || t == PrecommitType
}

// Vote - 一个验证者针对某个提案在某一轮的表态。
// 同一个验证者在同一轮重复投票时后到的覆盖先到的（last-vote-wins）。
type Vote struct {
	Type       VoteType         `json:"vote_type"`
	Approve    bool             `json:"approve"` // prevote: 赞成与否; precommit: commit or nil
	ProposalID tmbytes.HexBytes `json:"proposal_id"`
	Voter      Address          `json:"voter"`
	Epoch      uint64           `json:"epoch"`
	Round      uint32           `json:"round"`
	Timestamp  time.Time        `json:"timestamp"`
	Signature  tmbytes.HexBytes `json:"signature"`
}

func (v *Vote) ValidateBasic() error {
	if v == nil {
		return errors.New("nil vote")
	}
	if !IsVoteTypeValid(v.Type) {
		return fmt.Errorf("invalid vote type: %v", uint8(v.Type))
	}
	if len(v.Voter) == 0 {
		return errors.New("vote has no voter address")
	}
	if len(v.ProposalID) != ProposalIDSize {
		return fmt.Errorf("vote proposal id has wrong size: %d", len(v.ProposalID))
	}
	if len(v.Signature) == 0 {
		return errors.New("vote has no signature")
	}
	return nil
}

func (v *Vote) String() string {
	return fmt.Sprintf("Vote{%v(%v) %X by %v e/r=%d/%d}",
		v.Type, v.Approve, v.ProposalID, v.Voter, v.Epoch, v.Round)
}

// VoteSignBytes returns the canonical bytes the voter signs,
// excluding the signature and the (non-deterministic) timestamp.
func VoteSignBytes(chainID string, v *Vote) []byte {
	canonical := struct {
		ChainID    string           `json:"chain_id"`
		Type       VoteType         `json:"vote_type"`
		Approve    bool             `json:"approve"`
		ProposalID tmbytes.HexBytes `json:"proposal_id"`
		Voter      Address          `json:"voter"`
		Epoch      uint64           `json:"epoch"`
		Round      uint32           `json:"round"`
	}{chainID, v.Type, v.Approve, v.ProposalID, v.Voter, v.Epoch, v.Round}

	raw, err := tmjson.Marshal(&canonical)
	if err != nil {
		panic(err)
	}
	return raw
}
