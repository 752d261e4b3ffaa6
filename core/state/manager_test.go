package state

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"

	"pegledger/storage"
)

type sampleRecord struct {
	Name   string
	Amount *big.Int
}

func TestTxStagesUntilCommit(t *testing.T) {
	db := storage.NewMemDB()
	defer db.Close()
	mgr := NewManager(db)

	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("loan/1"), &sampleRecord{Name: "one", Amount: big.NewInt(42)}))

	var staged sampleRecord
	ok, err := tx.KVGet([]byte("loan/1"), &staged)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "one", staged.Name)

	var committed sampleRecord
	ok, err = mgr.KVGet([]byte("loan/1"), &committed)
	require.NoError(t, err)
	require.False(t, ok, "staged write must not be visible before commit")

	require.NoError(t, tx.Commit())

	ok, err = mgr.KVGet([]byte("loan/1"), &committed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 0, committed.Amount.Cmp(big.NewInt(42)))
}

func TestTxDiscardLeavesStateUntouched(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVPut([]byte("counter"), uint64(7)))

	tx := mgr.Begin()
	require.NoError(t, tx.KVPut([]byte("counter"), uint64(8)))
	require.NoError(t, tx.KVDelete([]byte("other")))
	require.Equal(t, 2, tx.Pending())
	tx.Discard()

	var value uint64
	ok, err := mgr.KVGet([]byte("counter"), &value)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(7), value)

	require.ErrorIs(t, tx.KVPut([]byte("counter"), uint64(9)), ErrTxClosed)
	require.ErrorIs(t, tx.Commit(), ErrTxClosed)
}

func TestTxDeleteShadowsCommittedValue(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	require.NoError(t, mgr.KVPut([]byte("k"), "v"))

	tx := mgr.Begin()
	require.NoError(t, tx.KVDelete([]byte("k")))
	var out string
	ok, err := tx.KVGet([]byte("k"), &out)
	require.NoError(t, err)
	require.False(t, ok)
	require.NoError(t, tx.Commit())

	ok, err = mgr.KVGet([]byte("k"), &out)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStagedValueIsSnapshotAtPut(t *testing.T) {
	mgr := NewManager(storage.NewMemDB())
	tx := mgr.Begin()
	record := &sampleRecord{Name: "before", Amount: big.NewInt(1)}
	require.NoError(t, tx.KVPut([]byte("snap"), record))
	record.Name = "after"

	var out sampleRecord
	_, err := tx.KVGet([]byte("snap"), &out)
	require.NoError(t, err)
	require.Equal(t, "before", out.Name)
}
