package state

import (
	"testing"

	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"pegledger/storage"
)

func TestAmountHelpers(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	key := []byte("balance/alice")

	missing, err := GetAmount(mgr, key)
	require.NoError(t, err)
	require.True(t, missing.IsZero())

	tx := mgr.Begin()
	require.NoError(t, PutAmount(tx, key, uint256.NewInt(250)))
	got, err := GetAmount(tx, key)
	require.NoError(t, err)
	require.Equal(t, uint64(250), got.Uint64())
	require.NoError(t, tx.Commit())

	require.NoError(t, PutAmount(mgr, key, new(uint256.Int)))
	ok, err := mgr.KVGet(key, nil)
	require.NoError(t, err)
	require.False(t, ok, "zero amounts are not stored")
}
