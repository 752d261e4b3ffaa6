package loans

import (
	"fmt"
	"math/big"

	"github.com/holiman/uint256"

	"pegledger/core/state"
	"pegledger/crypto"
)

var (
	loanPrefix   = []byte("loans/loan/")
	loanCountKey = []byte("loans/count")
	paramsKey    = []byte("loans/params")
)

func loanKey(id uint64) []byte {
	return append(append([]byte(nil), loanPrefix...), []byte(fmt.Sprintf("%020d", id))...)
}

type storedLoan struct {
	ID         uint64
	Recipient  [crypto.AddressLength]byte
	Collateral *big.Int
	Amount     *big.Int
	State      uint8
	OpenedAt   uint64
	UpdatedAt  uint64
}

type storedParameters struct {
	EtherPrice          *big.Int
	CollateralRatio     *big.Int
	LiquidationDuration uint64
	Oracle              [crypto.AddressLength]byte
	Liquidator          [crypto.AddressLength]byte
	Token               [crypto.AddressLength]byte
}

func toBig(v *uint256.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToBig()
}

func fromBig(v *big.Int, field string) (*uint256.Int, error) {
	if v == nil {
		return new(uint256.Int), nil
	}
	out, overflow := uint256.FromBig(v)
	if overflow {
		return nil, fmt.Errorf("loans: stored %s overflows", field)
	}
	return out, nil
}

// KVState persists loans and parameters through a state.KV, typically a
// state transaction opened by Ledger.
type KVState struct {
	kv state.KV
}

// NewKVState binds persistence to kv.
func NewKVState(kv state.KV) *KVState {
	return &KVState{kv: kv}
}

func (s *KVState) GetLoan(id uint64) (*Loan, bool, error) {
	var stored storedLoan
	ok, err := s.kv.KVGet(loanKey(id), &stored)
	if err != nil || !ok {
		return nil, false, err
	}
	collateral, err := fromBig(stored.Collateral, "collateral")
	if err != nil {
		return nil, false, err
	}
	amount, err := fromBig(stored.Amount, "amount")
	if err != nil {
		return nil, false, err
	}
	return &Loan{
		ID:         stored.ID,
		Recipient:  crypto.FromRaw(stored.Recipient),
		Collateral: collateral,
		Amount:     amount,
		State:      LoanState(stored.State),
		OpenedAt:   int64(stored.OpenedAt),
		UpdatedAt:  int64(stored.UpdatedAt),
	}, true, nil
}

func (s *KVState) PutLoan(loan *Loan) error {
	if loan == nil {
		return fmt.Errorf("loans: nil loan")
	}
	return s.kv.KVPut(loanKey(loan.ID), &storedLoan{
		ID:         loan.ID,
		Recipient:  loan.Recipient.Raw(),
		Collateral: toBig(loan.Collateral),
		Amount:     toBig(loan.Amount),
		State:      uint8(loan.State),
		OpenedAt:   uint64(loan.OpenedAt),
		UpdatedAt:  uint64(loan.UpdatedAt),
	})
}

func (s *KVState) LoanCount() (uint64, error) {
	var count uint64
	if _, err := s.kv.KVGet(loanCountKey, &count); err != nil {
		return 0, err
	}
	return count, nil
}

func (s *KVState) SetLoanCount(count uint64) error {
	return s.kv.KVPut(loanCountKey, count)
}

func (s *KVState) GetParameters() (*Parameters, error) {
	var stored storedParameters
	ok, err := s.kv.KVGet(paramsKey, &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return (*Parameters)(nil).Clone(), nil
	}
	price, err := fromBig(stored.EtherPrice, "etherPrice")
	if err != nil {
		return nil, err
	}
	ratio, err := fromBig(stored.CollateralRatio, "collateralRatio")
	if err != nil {
		return nil, err
	}
	return &Parameters{
		EtherPrice:          price,
		CollateralRatio:     ratio,
		LiquidationDuration: stored.LiquidationDuration,
		OracleAddress:       crypto.FromRaw(stored.Oracle),
		LiquidatorAddress:   crypto.FromRaw(stored.Liquidator),
		TokenAddress:        fromRawModule(stored.Token),
	}, nil
}

func (s *KVState) PutParameters(params *Parameters) error {
	if params == nil {
		return fmt.Errorf("loans: nil parameters")
	}
	return s.kv.KVPut(paramsKey, &storedParameters{
		EtherPrice:          toBig(params.EtherPrice),
		CollateralRatio:     toBig(params.CollateralRatio),
		LiquidationDuration: params.LiquidationDuration,
		Oracle:              params.OracleAddress.Raw(),
		Liquidator:          params.LiquidatorAddress.Raw(),
		Token:               params.TokenAddress.Raw(),
	})
}

func fromRawModule(raw [crypto.AddressLength]byte) crypto.Address {
	addr := crypto.FromRaw(raw)
	if addr.IsZero() {
		return addr
	}
	return crypto.MustNewAddress(crypto.ModulePrefix, raw[:])
}
