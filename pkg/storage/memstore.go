package storage

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
	"github.com/uhyunpark/eramarket/pkg/app/era"
)

// MemStore is the in-memory store used when no data directory is configured
type MemStore struct {
	mu       sync.Mutex
	listings map[uint64]*ledger.Listing
	offers   map[[2]uint64]*ledger.Offer
	events   []ledger.Event
	escrow   map[common.Address]*big.Int
	signals  map[common.Address]uint8
	nextID   uint64
	nextSeq  uint64
	written  bool

	nonces   map[uint64]uint64
	receipts map[[2]uint64]*era.Receipt
}

func NewMemStore() *MemStore {
	return &MemStore{
		listings: make(map[uint64]*ledger.Listing),
		offers:   make(map[[2]uint64]*ledger.Offer),
		escrow:   make(map[common.Address]*big.Int),
		signals:  make(map[common.Address]uint8),
		nonces:   make(map[uint64]uint64),
		receipts: make(map[[2]uint64]*era.Receipt),
	}
}

func (s *MemStore) CommitLedger(cs *ledger.ChangeSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d := cs.Delivery; d != nil {
		r, ok := d.Receipt.(*era.Receipt)
		if !ok {
			return fmt.Errorf("delivery %d/%d: receipt is %T", d.SourceChainID, d.Nonce, d.Receipt)
		}
		if err := s.putReceipt(r, false); err != nil {
			return err
		}
	}
	for _, l := range cs.Listings {
		s.listings[l.ID] = l.Clone()
	}
	for _, o := range cs.Offers {
		s.offers[[2]uint64{o.ListingID, o.Index}] = o.Clone()
	}
	s.events = append(s.events, cs.Events...)
	for t, v := range cs.Escrow {
		if v.Sign() == 0 {
			delete(s.escrow, t)
			continue
		}
		s.escrow[t] = new(big.Int).Set(v)
	}
	for a, v := range cs.Signals {
		s.signals[a] = v
	}
	s.nextID, s.nextSeq = cs.NextListingID, cs.NextEventSeq
	s.written = true
	return nil
}

func (s *MemStore) LoadLedger() (*ledger.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.written {
		return nil, nil
	}
	st := &ledger.State{
		Escrow:        make(map[common.Address]*big.Int, len(s.escrow)),
		Signals:       make(map[common.Address]uint8, len(s.signals)),
		NextListingID: s.nextID,
		NextEventSeq:  s.nextSeq,
	}
	for _, l := range s.listings {
		st.Listings = append(st.Listings, l.Clone())
	}
	for _, o := range s.offers {
		st.Offers = append(st.Offers, o.Clone())
	}
	st.Events = append(st.Events, s.events...)
	for t, v := range s.escrow {
		st.Escrow[t] = new(big.Int).Set(v)
	}
	for a, v := range s.signals {
		st.Signals[a] = v
	}
	return st, nil
}

func (s *MemStore) LastNonce(chainID uint64) (uint64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nonces[chainID]
	return n, ok, nil
}

func (s *MemStore) SaveReceipt(r *era.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putReceipt(r, false)
}

func (s *MemStore) UpdateReceipt(r *era.Receipt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putReceipt(r, true)
}

func (s *MemStore) putReceipt(r *era.Receipt, overwrite bool) error {
	key := [2]uint64{r.SourceChainID, r.Nonce}
	if _, seen := s.receipts[key]; seen && !overwrite {
		return fmt.Errorf("call %d/%d already recorded", r.SourceChainID, r.Nonce)
	}
	cp := *r
	s.receipts[key] = &cp
	if last, ok := s.nonces[r.SourceChainID]; !ok || r.Nonce > last {
		s.nonces[r.SourceChainID] = r.Nonce
	}
	return nil
}

func (s *MemStore) Receipt(chainID, nonce uint64) (*era.Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[[2]uint64{chainID, nonce}]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

var (
	_ ledger.Store  = (*MemStore)(nil)
	_ era.CallStore = (*MemStore)(nil)
)
