package state

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"
)

// GetAmount reads a non-negative integer stored under key. Missing keys read
// as zero.
func GetAmount(kv KV, key []byte) (*uint256.Int, error) {
	var stored big.Int
	ok, err := kv.KVGet(key, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return new(uint256.Int), nil
	}
	value, overflow := uint256.FromBig(&stored)
	if overflow {
		return nil, fmt.Errorf("state: amount under %q overflows 256 bits", key)
	}
	return value, nil
}

// PutAmount persists value under key. Zero values delete the key.
func PutAmount(kv KV, key []byte, value *uint256.Int) error {
	if value == nil || value.IsZero() {
		return kv.KVDelete(key)
	}
	return kv.KVPut(key, value.ToBig())
}
