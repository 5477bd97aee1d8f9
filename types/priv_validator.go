package types

import (
	"github.com/tendermint/tendermint/crypto"
)

// PrivValidator holds the node's signing key. All consensus artifacts are
// signed with real ed25519 keys bound to the validator's registered public
// key; peers verify against the registry, never against local state.
type PrivValidator interface {
	GetPubKey() (crypto.PubKey, error)

	SignVote(chainID string, vote *Vote) error
	SignProposal(chainID string, proposal *WorldStateProposal) error
	SignViewChange(chainID string, vc *ViewChangeVote) error
}
