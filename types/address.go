package types

import (
	"bytes"

	"github.com/tendermint/tendermint/crypto"
)

// Address is the unique node identity in the consensus network.
// It is derived from the node's ed25519 public key.
type Address = crypto.Address

func GetAddress(key crypto.PubKey) Address {
	return key.Address()
}

func AddressEqual(a, b Address) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a, b)
}
