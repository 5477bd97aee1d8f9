package types

import (
	"errors"
	"fmt"
	"time"

	tmbytes "github.com/tendermint/tendermint/libs/bytes"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

type ViewChangeReason uint8

const (
	TimeoutPropose   = ViewChangeReason(0x01)
	TimeoutPrevote   = ViewChangeReason(0x02)
	TimeoutPrecommit = ViewChangeReason(0x03)
	InvalidProposal  = ViewChangeReason(0x04)
	NetworkPartition = ViewChangeReason(0x05)
)

func (r ViewChangeReason) String() string {
	switch r {
	case TimeoutPropose:
		return "TimeoutPropose"
	case TimeoutPrevote:
		return "TimeoutPrevote"
	case TimeoutPrecommit:
		return "TimeoutPrecommit"
	case InvalidProposal:
		return "InvalidProposal"
	case NetworkPartition:
		return "NetworkPartition"
	default:
		return "UnknownReason"
	}
}

func IsViewChangeReasonValid(r ViewChangeReason) bool {
	return r >= TimeoutPropose && r <= NetworkPartition
}

// ViewChangeVote - 验证者放弃当前round、请求进入NewRound的投票。
// 同一个epoch内收集到超过2/3验证者数量的view change后切换round。
type ViewChangeVote struct {
	Voter     Address          `json:"voter"`
	NewRound  uint32           `json:"new_round"`
	Epoch     uint64           `json:"epoch"`
	Timestamp time.Time        `json:"timestamp"`
	Reason    ViewChangeReason `json:"reason"`
	Signature tmbytes.HexBytes `json:"signature"`
}

func (vc *ViewChangeVote) ValidateBasic() error {
	if vc == nil {
		return errors.New("nil view change vote")
	}
	if len(vc.Voter) == 0 {
		return errors.New("view change vote has no voter address")
	}
	if !IsViewChangeReasonValid(vc.Reason) {
		return fmt.Errorf("invalid view change reason: %v", uint8(vc.Reason))
	}
	if vc.NewRound == 0 {
		return errors.New("view change vote targets round zero")
	}
	if len(vc.Signature) == 0 {
		return errors.New("view change vote has no signature")
	}
	return nil
}

func (vc *ViewChangeVote) String() string {
	return fmt.Sprintf("ViewChange{by %v e=%d new_round=%d %v}",
		vc.Voter, vc.Epoch, vc.NewRound, vc.Reason)
}

// ViewChangeSignBytes returns the canonical bytes the voter signs.
func ViewChangeSignBytes(chainID string, vc *ViewChangeVote) []byte {
	canonical := struct {
		ChainID  string           `json:"chain_id"`
		Voter    Address          `json:"voter"`
		NewRound uint32           `json:"new_round"`
		Epoch    uint64           `json:"epoch"`
		Reason   ViewChangeReason `json:"reason"`
	}{chainID, vc.Voter, vc.NewRound, vc.Epoch, vc.Reason}

	raw, err := tmjson.Marshal(&canonical)
	if err != nil {
		panic(err)
	}
	return raw
}
