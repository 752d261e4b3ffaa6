package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"pegledger/core/events"
	"pegledger/crypto"
)

func setupJournal(t *testing.T, dsn string) *Journal {
	t.Helper()
	db, err := Open("sqlite", dsn)
	require.NoError(t, err)
	j, err := New(db, nil)
	require.NoError(t, err)
	j.SetNowFunc(func() time.Time { return time.Unix(1_700_000_000, 0) })
	return j
}

func memoryDSN() string {
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
}

func TestAppendAndListByLoan(t *testing.T) {
	ctx := context.Background()
	j := setupJournal(t, memoryDSN())
	recipient := crypto.FromRaw([crypto.AddressLength]byte{7})

	j.Emit(events.LoanOpened{Recipient: recipient, LoanID: 1, Amount: uint256.NewInt(1000), Collateral: uint256.NewInt(15)})
	j.Emit(events.LoanOpened{Recipient: recipient, LoanID: 2, Amount: uint256.NewInt(500), Collateral: uint256.NewInt(8)})
	j.Emit(events.LoanSettled{Recipient: recipient, LoanID: 1, Repaid: uint256.NewInt(1000), Payback: uint256.NewInt(15), Remaining: new(uint256.Int)})
	j.Emit(events.ParamUpdated{Variable: "etherPrice", Value: uint256.NewInt(100)})

	records, err := j.List(ctx, Query{LoanID: 1})
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, events.TypeLoanOpened, records[0].Type)
	require.Equal(t, events.TypeLoanSettled, records[1].Type)
	require.Less(t, records[0].Sequence, records[1].Sequence)
	require.Equal(t, recipient.String(), records[0].Recipient)

	ev, err := records[1].Event()
	require.NoError(t, err)
	require.Equal(t, "15", ev.Attr("payback"))

	all, err := j.List(ctx, Query{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	require.Equal(t, uint64(0), all[3].LoanID)

	params, err := j.List(ctx, Query{Type: events.TypeParamUpdated})
	require.NoError(t, err)
	require.Len(t, params, 1)

	page, err := j.List(ctx, Query{AfterSeq: all[1].Sequence, Limit: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	require.Equal(t, all[2].ID, page[0].ID)
}

func TestSequenceResumesAfterReopen(t *testing.T) {
	dsn := memoryDSN()
	first := setupJournal(t, dsn)
	_, err := first.Append(context.Background(), events.LoanOpened{LoanID: 1})
	require.NoError(t, err)

	second := setupJournal(t, dsn)
	record, err := second.Append(context.Background(), events.LoanOpened{LoanID: 2})
	require.NoError(t, err)
	require.Equal(t, uint64(2), record.Sequence)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn")
	require.Error(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	ctx := context.Background()
	dsn := memoryDSN()
	j := setupJournal(t, dsn)
	for id := uint64(1); id <= 3; id++ {
		_, err := j.Append(ctx, events.LoanOpened{LoanID: id, Amount: uint256.NewInt(100 * id)})
		require.NoError(t, err)
	}
	checked, err := j.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(3), checked)

	// The chain continues across a reopen.
	reopened := setupJournal(t, dsn)
	_, err = reopened.Append(ctx, events.LoanSettled{LoanID: 1, Repaid: uint256.NewInt(100)})
	require.NoError(t, err)
	checked, err = reopened.Verify(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(4), checked)

	err = reopened.db.Model(&Record{}).Where("sequence = ?", 2).
		Update("attributes", `{"amount":"1","loanId":"2"}`).Error
	require.NoError(t, err)
	checked, err = reopened.Verify(ctx)
	require.ErrorIs(t, err, ErrChainBroken)
	require.Equal(t, uint64(1), checked)
}

func TestExportParquetWritesMatchingRecords(t *testing.T) {
	ctx := context.Background()
	j := setupJournal(t, memoryDSN())
	for id := uint64(1); id <= 3; id++ {
		_, err := j.Append(ctx, events.LoanOpened{LoanID: id, Amount: uint256.NewInt(10)})
		require.NoError(t, err)
	}
	_, err := j.Append(ctx, events.ParamUpdated{Variable: "etherPrice", Value: uint256.NewInt(90)})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "opened.parquet")
	written, err := j.ExportParquet(ctx, path, Query{Type: events.TypeLoanOpened})
	require.NoError(t, err)
	require.Equal(t, 3, written)

	fr, err := local.NewLocalFileReader(path)
	require.NoError(t, err)
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(parquetRecord), 1)
	require.NoError(t, err)
	defer pr.ReadStop()
	require.Equal(t, int64(3), pr.GetNumRows())

	rows := make([]parquetRecord, 3)
	require.NoError(t, pr.Read(&rows))
	require.Equal(t, int64(1), rows[0].Sequence)
	require.Equal(t, int64(3), rows[2].LoanID)
	require.Equal(t, events.TypeLoanOpened, rows[1].Type)
	require.Len(t, rows[0].Digest, 64)
}
