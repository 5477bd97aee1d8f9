// adapted from github.com/tendermint/tendermint/types/validator.go
package types

import (
	"errors"
	"fmt"
	"time"

	"github.com/tendermint/tendermint/crypto"

	"worldbft_demo/libs/utils"
)

const (
	// InitialReputation 新验证者的初始信誉分
	InitialReputation = 100.0
	// SlashReputationFactor 每次slash信誉分乘以的衰减系数
	SlashReputationFactor = 0.8
	// MaxSlashingCount slash达到该次数后验证者被永久停用
	MaxSlashingCount = 3

	reputationMultiplierMin = 0.5
	reputationMultiplierMax = 1.5
)

type SlashingType uint8

const (
	SlashDoubleVoting    = SlashingType(0x01)
	SlashInvalidProposal = SlashingType(0x02)
	SlashEquivocation    = SlashingType(0x03)
	SlashInactivity      = SlashingType(0x04)
)

func (s SlashingType) String() string {
	switch s {
	case SlashDoubleVoting:
		return "DoubleVoting"
	case SlashInvalidProposal:
		return "InvalidProposal"
	case SlashEquivocation:
		return "Equivocation"
	case SlashInactivity:
		return "Inactivity"
	default:
		return "UnknownEvidence"
	}
}

func IsSlashingTypeValid(s SlashingType) bool {
	return s >= SlashDoubleVoting && s <= SlashInactivity
}

// Validator is one staking node in the registry.
//
// VotingPower is the stake-proportional share (stake / total stake) and is
// recomputed by the ValidatorSet whenever the set or anyone's stake changes.
// The reputation multiplier is applied on top of it at tally time, see
// ValidatorSet.VotingPowerOf.
type Validator struct {
	Address Address       `json:"address"`
	PubKey  crypto.PubKey `json:"pub_key"`

	StakeAmount uint64  `json:"stake_amount"`
	VotingPower float64 `json:"voting_power"`

	IsActive        bool      `json:"is_active"`
	LastActivity    time.Time `json:"last_activity"`
	ReputationScore float64   `json:"reputation_score"`
	BlocksProduced  uint64    `json:"blocks_produced"`
	SlashingCount   uint32    `json:"slashing_count"`
}

// NewValidator returns a fresh active validator with full reputation.
func NewValidator(pubKey crypto.PubKey, stake uint64) *Validator {
	return &Validator{
		Address:         pubKey.Address(),
		PubKey:          pubKey,
		StakeAmount:     stake,
		IsActive:        true,
		LastActivity:    time.Now(),
		ReputationScore: InitialReputation,
	}
}

// ValidateBasic performs basic validation.
func (v *Validator) ValidateBasic() error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.PubKey == nil {
		return errors.New("validator does not have a public key")
	}
	if len(v.Address) != crypto.AddressSize {
		return fmt.Errorf("validator address is the wrong size: %v", v.Address)
	}
	return nil
}

// ReputationMultiplier maps the reputation score into [0.5, 1.5].
// A validator at the initial score has a neutral multiplier of 1.
func (v *Validator) ReputationMultiplier() float64 {
	return utils.Clamp(v.ReputationScore/InitialReputation,
		reputationMultiplierMin, reputationMultiplierMax)
}

// Creates a new copy of the validator so callers can mutate it safely.
func (v *Validator) Copy() *Validator {
	vCopy := *v
	return &vCopy
}

func (v *Validator) String() string {
	if v == nil {
		return "nil-Validator"
	}
	return fmt.Sprintf("Validator{%v stake=%d power=%.3f active=%v rep=%.1f}",
		v.Address, v.StakeAmount, v.VotingPower, v.IsActive, v.ReputationScore)
}
