// adapted from github.com/tendermint/tendermint/types/validator_set.go
package types

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/tendermint/tendermint/crypto/merkle"
	tmjson "github.com/tendermint/tendermint/libs/json"
)

var (
	ErrInsufficientStake = errors.New("stake amount below the configured minimum")
	ErrMaxValidators     = errors.New("validator set is full")
)

// ValidatorSet is the authoritative registry of staking participants.
//
// Membership changes (join/leave/slash) recompute every validator's
// stake-proportional VotingPower and the cached TotalStake, so the sum of
// powers always tracks the current stake distribution.
//
// NOTE: Not goroutine-safe. The consensus state owns the set and serializes
// all mutation through its message loop.
type ValidatorSet struct {
	// NOTE: persisted via reflect, must be exported.
	Validators []*Validator `json:"validators"`
	TotalStake uint64       `json:"total_stake"`
}

// NewValidatorSet initializes a ValidatorSet by copying over the values from
// `valz`, a list of Validators. If valz is nil or empty, the new ValidatorSet
// will have an empty list of Validators. Powers are recomputed.
func NewValidatorSet(valz []*Validator) *ValidatorSet {
	vals := &ValidatorSet{
		Validators: make([]*Validator, 0, len(valz)),
	}
	for _, val := range valz {
		vals.Validators = append(vals.Validators, val.Copy())
	}
	vals.recomputePowers()
	return vals
}

func (vals *ValidatorSet) ValidateBasic() error {
	if vals.IsNilOrEmpty() {
		return errors.New("validator set is nil or empty")
	}
	for idx, val := range vals.Validators {
		if err := val.ValidateBasic(); err != nil {
			return fmt.Errorf("invalid validator #%d: %w", idx, err)
		}
	}
	return nil
}

// IsNilOrEmpty returns true if validator set is nil or empty.
func (vals *ValidatorSet) IsNilOrEmpty() bool {
	return vals == nil || len(vals.Validators) == 0
}

// Join adds a validator, or refreshes the stake of an already known one.
// Callers gate on minStake before the validator is admitted; joining never
// resets the reputation of an existing member.
func (vals *ValidatorSet) Join(val *Validator, minStake uint64, maxValidators int) error {
	if val == nil {
		return errors.New("nil validator")
	}
	if val.StakeAmount < minStake {
		return ErrInsufficientStake
	}

	if idx, existing := vals.GetByAddress(val.Address); existing != nil {
		existing.StakeAmount = val.StakeAmount
		existing.LastActivity = time.Now()
		vals.Validators[idx] = existing
		vals.recomputePowers()
		return nil
	}

	if maxValidators > 0 && len(vals.Validators) >= maxValidators {
		return ErrMaxValidators
	}

	vals.Validators = append(vals.Validators, val.Copy())
	vals.recomputePowers()
	return nil
}

// Leave removes the validator with the given address. Removing an unknown
// address is a no-op, never a crash.
func (vals *ValidatorSet) Leave(address Address) {
	for i, val := range vals.Validators {
		if AddressEqual(val.Address, address) {
			vals.Validators = append(vals.Validators[:i], vals.Validators[i+1:]...)
			vals.recomputePowers()
			return
		}
	}
}

// Slash records one piece of misbehavior evidence against a validator:
// the reputation decays multiplicatively (floored at zero) and after
// MaxSlashingCount offenses the validator is permanently deactivated.
// Stake is not seized here; custody is the economic module's concern.
//
// Returns whether this slash deactivated the validator. Unknown addresses
// are a no-op.
func (vals *ValidatorSet) Slash(address Address, _ SlashingType) (deactivated bool) {
	idx, val := vals.GetByAddress(address)
	if val == nil {
		return false
	}

	val.SlashingCount++
	val.ReputationScore = val.ReputationScore * SlashReputationFactor
	if val.ReputationScore < 0 {
		val.ReputationScore = 0
	}

	wasActive := val.IsActive
	if val.SlashingCount >= MaxSlashingCount {
		val.IsActive = false
	}
	vals.Validators[idx] = val

	if !val.IsActive {
		// 停用的validator不再参与voting power的计算
		vals.recomputePowers()
	}
	return wasActive && !val.IsActive
}

// MarkActivity refreshes a validator's last activity timestamp.
func (vals *ValidatorSet) MarkActivity(address Address, at time.Time) {
	if idx, val := vals.GetByAddress(address); val != nil {
		val.LastActivity = at
		vals.Validators[idx] = val
	}
}

// IncrementBlocksProduced bumps the producer counter after finalization.
func (vals *ValidatorSet) IncrementBlocksProduced(address Address) {
	if idx, val := vals.GetByAddress(address); val != nil {
		val.BlocksProduced++
		vals.Validators[idx] = val
	}
}

// recomputePowers refreshes every validator's stake share and the cached
// total stake. Must be called on every membership or stake change.
func (vals *ValidatorSet) recomputePowers() {
	var total uint64
	for _, val := range vals.Validators {
		total += val.StakeAmount
	}
	vals.TotalStake = total

	for _, val := range vals.Validators {
		if total == 0 {
			val.VotingPower = 0
			continue
		}
		val.VotingPower = float64(val.StakeAmount) / float64(total)
	}
}

// VotingPowerOf returns the weight a vote from the given address carries:
// stake share over the ACTIVE stake, scaled by the reputation multiplier.
// Unknown or deactivated validators carry no weight.
func (vals *ValidatorSet) VotingPowerOf(address Address) float64 {
	_, val := vals.GetByAddress(address)
	if val == nil || !val.IsActive {
		return 0
	}

	activeStake := vals.TotalActiveStake()
	if activeStake == 0 {
		return 0
	}

	base := float64(val.StakeAmount) / float64(activeStake)
	return base * val.ReputationMultiplier()
}

// TotalActivePower is the tally denominator: the summed voting power of
// every active validator.
func (vals *ValidatorSet) TotalActivePower() float64 {
	var sum float64
	for _, val := range vals.Validators {
		if val.IsActive {
			sum += vals.VotingPowerOf(val.Address)
		}
	}
	return sum
}

// TotalActiveStake sums the stake of active validators only.
func (vals *ValidatorSet) TotalActiveStake() uint64 {
	var sum uint64
	for _, val := range vals.Validators {
		if val.IsActive {
			sum += val.StakeAmount
		}
	}
	return sum
}

// ActiveCount returns the number of active validators. The view-change
// threshold is taken over this count, not over stake.
func (vals *ValidatorSet) ActiveCount() int {
	count := 0
	for _, val := range vals.Validators {
		if val.IsActive {
			count++
		}
	}
	return count
}

// HasAddress returns true if address given is in the validator set, false -
// otherwise.
func (vals *ValidatorSet) HasAddress(address Address) bool {
	for _, val := range vals.Validators {
		if AddressEqual(val.Address, address) {
			return true
		}
	}
	return false
}

// IsActiveValidator reports whether the address belongs to a validator that
// is still allowed to vote and propose.
func (vals *ValidatorSet) IsActiveValidator(address Address) bool {
	_, val := vals.GetByAddress(address)
	return val != nil && val.IsActive
}

// GetByAddress returns an index of the validator with address and validator
// itself (copy) if found. Otherwise, -1 and nil are returned.
func (vals *ValidatorSet) GetByAddress(address Address) (index int, val *Validator) {
	for idx, v := range vals.Validators {
		if AddressEqual(v.Address, address) {
			return idx, v.Copy()
		}
	}
	return -1, nil
}

// GetByIndex returns the validator's address and validator itself (copy) by
// index. It returns nil values if index is out of range.
func (vals *ValidatorSet) GetByIndex(index int) (address Address, val *Validator) {
	if index < 0 || index >= len(vals.Validators) {
		return nil, nil
	}
	v := vals.Validators[index]
	return v.Address, v.Copy()
}

// Size returns the length of the validator set.
func (vals *ValidatorSet) Size() int {
	return len(vals.Validators)
}

// Copy each validator into a new ValidatorSet.
func (vals *ValidatorSet) Copy() *ValidatorSet {
	if vals == nil {
		return nil
	}
	valsCopy := make([]*Validator, len(vals.Validators))
	for i, val := range vals.Validators {
		valsCopy[i] = val.Copy()
	}
	return &ValidatorSet{
		Validators: valsCopy,
		TotalStake: vals.TotalStake,
	}
}

// Hash returns the merkle root hash built from the set's validators, in
// address order. Used to detect registry divergence between peers.
func (vals *ValidatorSet) Hash() []byte {
	if vals.IsNilOrEmpty() {
		return nil
	}

	sorted := make([]*Validator, len(vals.Validators))
	copy(sorted, vals.Validators)
	sort.Slice(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Address, sorted[j].Address) < 0
	})

	bzs := make([][]byte, len(sorted))
	for i, val := range sorted {
		raw, err := tmjson.Marshal(val.PubKey)
		if err != nil {
			panic(err)
		}
		bzs[i] = raw
	}
	return merkle.HashFromByteSlices(bzs)
}

func (vals *ValidatorSet) String() string {
	if vals == nil {
		return "nil-ValidatorSet"
	}
	lines := make([]string, 0, len(vals.Validators))
	for _, val := range vals.Validators {
		lines = append(lines, val.String())
	}
	return fmt.Sprintf("ValidatorSet{total_stake=%d vals=[%v]}",
		vals.TotalStake, strings.Join(lines, ", "))
}
