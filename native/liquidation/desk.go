package liquidation

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/holiman/uint256"

	"pegledger/core/state"
	"pegledger/crypto"
)

var (
	ErrAuctionExists   = errors.New("liquidation: auction already started")
	ErrAuctionNotFound = errors.New("liquidation: auction not found")
	ErrAuctionResolved = errors.New("liquidation: auction already resolved")
)

var (
	auctionPrefix = []byte("liquidation/auction/")
	pendingKey    = []byte("liquidation/pending")
)

func auctionKey(loanID uint64) []byte {
	return append(append([]byte(nil), auctionPrefix...), []byte(fmt.Sprintf("%020d", loanID))...)
}

// Auction is the desk's record of a loan handed over for liquidation. The desk
// only books the hand-off; bidding happens off-ledger and is reported back
// through the loan ledger's resolve entry point.
type Auction struct {
	LoanID     uint64
	Collateral *uint256.Int
	Amount     *uint256.Int
	Duration   uint64
	StartedAt  int64
	Deadline   int64
	Resolved   bool
	Sold       *uint256.Int
	Buyer      crypto.Address
}

type storedAuction struct {
	LoanID     uint64
	Collateral *big.Int
	Amount     *big.Int
	Duration   uint64
	StartedAt  uint64
	Deadline   uint64
	Resolved   bool
	Sold       *big.Int
	Buyer      [crypto.AddressLength]byte
}

func (a *Auction) toStored() *storedAuction {
	sold := a.Sold
	if sold == nil {
		sold = new(uint256.Int)
	}
	return &storedAuction{
		LoanID:     a.LoanID,
		Collateral: a.Collateral.ToBig(),
		Amount:     a.Amount.ToBig(),
		Duration:   a.Duration,
		StartedAt:  uint64(a.StartedAt),
		Deadline:   uint64(a.Deadline),
		Resolved:   a.Resolved,
		Sold:       sold.ToBig(),
		Buyer:      a.Buyer.Raw(),
	}
}

func (s *storedAuction) toAuction() (*Auction, error) {
	collateral, overflow := uint256.FromBig(s.Collateral)
	if overflow {
		return nil, fmt.Errorf("liquidation: collateral overflow for loan %d", s.LoanID)
	}
	amount, overflow := uint256.FromBig(s.Amount)
	if overflow {
		return nil, fmt.Errorf("liquidation: amount overflow for loan %d", s.LoanID)
	}
	sold, overflow := uint256.FromBig(s.Sold)
	if overflow {
		return nil, fmt.Errorf("liquidation: sold overflow for loan %d", s.LoanID)
	}
	return &Auction{
		LoanID:     s.LoanID,
		Collateral: collateral,
		Amount:     amount,
		Duration:   s.Duration,
		StartedAt:  int64(s.StartedAt),
		Deadline:   int64(s.Deadline),
		Resolved:   s.Resolved,
		Sold:       sold,
		Buyer:      crypto.FromRaw(s.Buyer),
	}, nil
}

// Desk records liquidation hand-offs in state.
type Desk struct {
	kv    state.KV
	nowFn func() time.Time
}

// New binds the desk to the provided state view.
func New(kv state.KV) *Desk {
	return &Desk{kv: kv, nowFn: time.Now}
}

// SetNowFunc overrides the clock used to stamp auctions.
func (d *Desk) SetNowFunc(now func() time.Time) {
	if now == nil {
		d.nowFn = time.Now
		return
	}
	d.nowFn = now
}

// StartLiquidation books a new auction for loanID. The deadline is informative
// only; nothing on the ledger acts on it.
func (d *Desk) StartLiquidation(loanID uint64, collateral, amount *uint256.Int, duration uint64) error {
	if _, err := d.Auction(loanID); err == nil {
		return ErrAuctionExists
	} else if !errors.Is(err, ErrAuctionNotFound) {
		return err
	}
	started := d.nowFn().UTC().Unix()
	auction := &Auction{
		LoanID:     loanID,
		Collateral: new(uint256.Int).Set(collateral),
		Amount:     new(uint256.Int).Set(amount),
		Duration:   duration,
		StartedAt:  started,
		Deadline:   started + int64(duration),
	}
	if err := d.kv.KVPut(auctionKey(loanID), auction.toStored()); err != nil {
		return err
	}
	pending, err := d.pendingIDs()
	if err != nil {
		return err
	}
	return d.kv.KVPut(pendingKey, append(pending, loanID))
}

// MarkResolved closes the auction for loanID with the reported sale.
func (d *Desk) MarkResolved(loanID uint64, sold *uint256.Int, buyer crypto.Address) error {
	auction, err := d.Auction(loanID)
	if err != nil {
		return err
	}
	if auction.Resolved {
		return ErrAuctionResolved
	}
	auction.Resolved = true
	auction.Sold = new(uint256.Int).Set(sold)
	auction.Buyer = buyer
	if err := d.kv.KVPut(auctionKey(loanID), auction.toStored()); err != nil {
		return err
	}
	pending, err := d.pendingIDs()
	if err != nil {
		return err
	}
	kept := pending[:0]
	for _, id := range pending {
		if id != loanID {
			kept = append(kept, id)
		}
	}
	return d.kv.KVPut(pendingKey, kept)
}

// Auction returns the auction booked for loanID.
func (d *Desk) Auction(loanID uint64) (*Auction, error) {
	var stored storedAuction
	ok, err := d.kv.KVGet(auctionKey(loanID), &stored)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrAuctionNotFound
	}
	return stored.toAuction()
}

// Pending lists unresolved auctions ordered by loan id.
func (d *Desk) Pending() ([]*Auction, error) {
	ids, err := d.pendingIDs()
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]*Auction, 0, len(ids))
	for _, id := range ids {
		auction, err := d.Auction(id)
		if err != nil {
			return nil, err
		}
		out = append(out, auction)
	}
	return out, nil
}

func (d *Desk) pendingIDs() ([]uint64, error) {
	var ids []uint64
	if _, err := d.kv.KVGet(pendingKey, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
