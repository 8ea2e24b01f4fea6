package storage

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
	"github.com/uhyunpark/eramarket/pkg/app/era"
)

// PebbleStore persists the ledger and the gateway delivery boundary
type PebbleStore struct {
	db *pebble.DB

	// serializes receipt writes so the seen check and the write agree
	nonceMu sync.Mutex
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	return &PebbleStore{db: db}, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

// ============================================================================
// Ledger
// ============================================================================

// CommitLedger writes one change set in a single synced batch, together with
// the receipt of the inbound call that produced it
func (s *PebbleStore) CommitLedger(cs *ledger.ChangeSet) error {
	b := s.db.NewBatch()
	defer b.Close()

	if d := cs.Delivery; d != nil {
		s.nonceMu.Lock()
		defer s.nonceMu.Unlock()
		if err := s.stageReceipt(b, d.SourceChainID, d.Nonce, d.Receipt, false); err != nil {
			return err
		}
	}

	for _, lst := range cs.Listings {
		if err := setJSON(b, listingKey(lst.ID), lst); err != nil {
			return fmt.Errorf("listing %d: %w", lst.ID, err)
		}
	}
	for _, o := range cs.Offers {
		if err := setJSON(b, offerKey(o.ListingID, o.Index), o); err != nil {
			return fmt.Errorf("offer %d/%d: %w", o.ListingID, o.Index, err)
		}
	}
	for _, ev := range cs.Events {
		if err := setJSON(b, eventKey(ev.Seq), ev); err != nil {
			return fmt.Errorf("event %d: %w", ev.Seq, err)
		}
	}
	for token, amt := range cs.Escrow {
		var err error
		if amt.Sign() == 0 {
			err = b.Delete(escrowKey(token), nil)
		} else {
			err = b.Set(escrowKey(token), encodeAmount(amt), nil)
		}
		if err != nil {
			return fmt.Errorf("escrow %s: %w", token.Hex(), err)
		}
	}
	for sender, v := range cs.Signals {
		if err := b.Set(signalKey(sender), []byte{v}, nil); err != nil {
			return fmt.Errorf("signal %s: %w", sender.Hex(), err)
		}
	}
	if err := b.Set(keyNextListing, u64Bytes(cs.NextListingID), nil); err != nil {
		return err
	}
	if err := b.Set(keyNextSeq, u64Bytes(cs.NextEventSeq), nil); err != nil {
		return err
	}

	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit ledger batch: %w", err)
	}
	return nil
}

// LoadLedger reads the whole ledger back; returns nil on an empty database
func (s *PebbleStore) LoadLedger() (*ledger.State, error) {
	st := &ledger.State{}

	nextID, found, err := s.getU64(keyNextListing)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	st.NextListingID = nextID
	if st.NextEventSeq, _, err = s.getU64(keyNextSeq); err != nil {
		return nil, err
	}

	err = s.scan(prefixListing, func(_, v []byte) error {
		var lst ledger.Listing
		if err := decodeJSON(v, &lst); err != nil {
			return err
		}
		st.Listings = append(st.Listings, &lst)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load listings: %w", err)
	}

	err = s.scan(prefixOffer, func(_, v []byte) error {
		var o ledger.Offer
		if err := decodeJSON(v, &o); err != nil {
			return err
		}
		st.Offers = append(st.Offers, &o)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load offers: %w", err)
	}

	err = s.scan(prefixEvent, func(_, v []byte) error {
		var ev ledger.Event
		if err := decodeJSON(v, &ev); err != nil {
			return err
		}
		st.Events = append(st.Events, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	st.Escrow = make(map[common.Address]*big.Int)
	err = s.scan(prefixEscrow, func(k, v []byte) error {
		token, err := addressFromKey(k, prefixEscrow)
		if err != nil {
			return err
		}
		amt, err := decodeAmount(v)
		if err != nil {
			return err
		}
		st.Escrow[token] = amt
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load escrow: %w", err)
	}

	st.Signals = make(map[common.Address]uint8)
	err = s.scan(prefixSignal, func(k, v []byte) error {
		sender, err := addressFromKey(k, prefixSignal)
		if err != nil {
			return err
		}
		if len(v) != 1 {
			return fmt.Errorf("signal for %s is %d bytes", sender.Hex(), len(v))
		}
		st.Signals[sender] = v[0]
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load signals: %w", err)
	}

	return st, nil
}

var _ ledger.Store = (*PebbleStore)(nil)

// ============================================================================
// Gateway delivery boundary
// ============================================================================

// LastNonce returns the highest nonce delivered from a source chain
func (s *PebbleStore) LastNonce(chainID uint64) (uint64, bool, error) {
	return s.getU64(nonceKey(chainID))
}

// SaveReceipt records a call that changed no ledger state
func (s *PebbleStore) SaveReceipt(r *era.Receipt) error {
	return s.writeReceipt(r, false)
}

// UpdateReceipt replaces the receipt committed with a call's change set
func (s *PebbleStore) UpdateReceipt(r *era.Receipt) error {
	return s.writeReceipt(r, true)
}

func (s *PebbleStore) writeReceipt(r *era.Receipt, overwrite bool) error {
	s.nonceMu.Lock()
	defer s.nonceMu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	if err := s.stageReceipt(b, r.SourceChainID, r.Nonce, r, overwrite); err != nil {
		return err
	}
	if err := b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit receipt: %w", err)
	}
	return nil
}

// stageReceipt adds a receipt and the raised nonce watermark to b (caller holds nonceMu)
func (s *PebbleStore) stageReceipt(b *pebble.Batch, chainID, nonce uint64, r any, overwrite bool) error {
	if !overwrite {
		seen, err := s.has(receiptKey(chainID, nonce))
		if err != nil {
			return err
		}
		if seen {
			return fmt.Errorf("call %d/%d already recorded", chainID, nonce)
		}
	}
	if err := setJSON(b, receiptKey(chainID, nonce), r); err != nil {
		return fmt.Errorf("receipt: %w", err)
	}
	last, ok, err := s.getU64(nonceKey(chainID))
	if err != nil {
		return err
	}
	if !ok || nonce > last {
		return b.Set(nonceKey(chainID), u64Bytes(nonce), nil)
	}
	return nil
}

// Receipt loads a stored receipt; returns nil if the call was never delivered
func (s *PebbleStore) Receipt(chainID, nonce uint64) (*era.Receipt, error) {
	data, closer, err := s.db.Get(receiptKey(chainID, nonce))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get receipt: %w", err)
	}
	defer closer.Close()

	var r era.Receipt
	if err := decodeJSON(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal receipt: %w", err)
	}
	return &r, nil
}

var _ era.CallStore = (*PebbleStore)(nil)

// ============================================================================
// helpers
// ============================================================================

func setJSON(b *pebble.Batch, key []byte, v any) error {
	data, err := encodeJSON(v)
	if err != nil {
		return err
	}
	return b.Set(key, data, nil)
}

func (s *PebbleStore) getU64(key []byte) (uint64, bool, error) {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	defer closer.Close()
	v, err := bytesU64(val)
	if err != nil {
		return 0, false, fmt.Errorf("%s: %w", key, err)
	}
	return v, true, nil
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	closer.Close()
	return true, nil
}

// scan calls fn for every key under prefix in key order
func (s *PebbleStore) scan(prefix string, fn func(k, v []byte) error) error {
	p := []byte(prefix)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: p,
		UpperBound: keyUpperBound(p),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return fmt.Errorf("%s: %w", iter.Key(), err)
		}
	}
	return iter.Error()
}
