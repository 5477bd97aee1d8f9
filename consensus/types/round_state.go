package types

import (
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"

	"worldbft_demo/types"
)

// RoundStepType 标识本epoch内round所处的阶段
type RoundStepType uint8

const (
	RoundStepPropose   = RoundStepType(0x01) // 等待提案
	RoundStepPrevote   = RoundStepType(0x02) // 提案已接受，收集prevote
	RoundStepPrecommit = RoundStepType(0x03) // prevote过阈值，收集precommit
	RoundStepCommit    = RoundStepType(0x04) // precommit过阈值，敲定中
)

func (rs RoundStepType) IsValid() bool {
	return rs >= RoundStepPropose && rs <= RoundStepCommit
}

func (rs RoundStepType) String() string {
	switch rs {
	case RoundStepPropose:
		return "RoundStepPropose"
	case RoundStepPrevote:
		return "RoundStepPrevote"
	case RoundStepPrecommit:
		return "RoundStepPrecommit"
	case RoundStepCommit:
		return "RoundStepCommit"
	default:
		return "RoundStepUnknown"
	}
}

// RoundState 共识内部的可变状态。只在共识自己的goroutine里读写，
// 对外暴露必须通过State持锁复制。
type RoundState struct {
	CurrentEpoch uint64        `json:"current_epoch"`
	CurrentRound uint32        `json:"current_round"`
	Step         RoundStepType `json:"step"`
	StartTime    time.Time     `json:"start_time"`

	// ActiveProposal is the id of the proposal being voted this round,
	// nil while waiting in RoundStepPropose.
	ActiveProposal tmbytes.HexBytes `json:"active_proposal"`

	// LastFinalizedHash chains the next proposal to the ledger head.
	LastFinalizedHash tmbytes.HexBytes `json:"last_finalized_hash"`

	Votes           *RoundVoteSet                    `json:"-"`
	ViewChangeVotes map[string]*types.ViewChangeVote `json:"-"`

	Validators *types.ValidatorSet `json:"-"`
}

func (rs *RoundState) String() string {
	return fmt.Sprintf("RoundState{e/r=%d/%d step=%v proposal=%X validators=%d}",
		rs.CurrentEpoch, rs.CurrentRound, rs.Step, rs.ActiveProposal, rs.Validators.Size())
}

// Snapshot is the serializable view of the round state exchanged in sync
// responses and reported over RPC.
type Snapshot struct {
	CurrentEpoch      uint64              `json:"current_epoch"`
	CurrentRound      uint32              `json:"current_round"`
	Step              RoundStepType       `json:"step"`
	LastFinalizedHash tmbytes.HexBytes    `json:"last_finalized_hash"`
	Validators        *types.ValidatorSet `json:"validators"`
}

// MakeSnapshot copies the exported fields out of the live round state.
func (rs *RoundState) MakeSnapshot() Snapshot {
	return Snapshot{
		CurrentEpoch:      rs.CurrentEpoch,
		CurrentRound:      rs.CurrentRound,
		Step:              rs.Step,
		LastFinalizedHash: rs.LastFinalizedHash,
		Validators:        rs.Validators.Copy(),
	}
}
