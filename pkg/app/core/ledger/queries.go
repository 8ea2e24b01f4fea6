package ledger

import (
	"bytes"
	"encoding/json"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

// Listing returns a copy of listing id
func (l *Ledger) Listing(id uint64) (*Listing, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	lst, err := l.listing("getListing", id)
	if err != nil {
		return nil, err
	}
	return lst.Clone(), nil
}

// ListingCount is the number of listings ever created (the next id)
func (l *Ledger) ListingCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.listings))
}

// Offer returns a copy of one offer
func (l *Ledger) Offer(id, index uint64) (*Offer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, err := l.listing("getOffer", id); err != nil {
		return nil, err
	}
	o, err := l.offer("getOffer", id, index)
	if err != nil {
		return nil, err
	}
	return o.Clone(), nil
}

// Offers pages through a listing's offers in index order
// limit <= 0 or above the configured page limit is clamped to the page limit.
func (l *Ledger) Offers(id, start uint64, limit int) ([]*Offer, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, err := l.listing("getOffers", id); err != nil {
		return nil, err
	}
	book := l.offers[id]
	if start >= uint64(len(book)) {
		return []*Offer{}, nil
	}
	end := start + uint64(l.clampLimit(limit))
	if end > uint64(len(book)) {
		end = uint64(len(book))
	}
	out := make([]*Offer, 0, end-start)
	for _, o := range book[start:end] {
		out = append(out, o.Clone())
	}
	return out, nil
}

// OfferCount is the number of offers ever made on a listing
func (l *Ledger) OfferCount(id uint64) (uint64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, err := l.listing("getOffers", id); err != nil {
		return 0, err
	}
	return uint64(len(l.offers[id])), nil
}

// Params returns the marketplace parameters
func (l *Ledger) Params() Params { return l.cfg.Params }

// Config returns the ledger configuration
func (l *Ledger) Config() Config { return l.cfg }

// EscrowHeld is the amount of token held for open offers
func (l *Ledger) EscrowHeld(token common.Address) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneBig(l.escrow[token])
}

// Signal returns the last signal stored by sender
func (l *Ledger) Signal(sender common.Address) (uint8, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v, ok := l.signals[sender]
	return v, ok
}

// Events returns committed events with Seq >= from, oldest first
func (l *Ledger) Events(from uint64, limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	i := sort.Search(len(l.events), func(i int) bool { return l.events[i].Seq >= from })
	end := i + l.clampLimit(limit)
	if end > len(l.events) {
		end = len(l.events)
	}
	return append([]Event(nil), l.events[i:end]...)
}

// EventCount is the next event sequence number
func (l *Ledger) EventCount() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextSeq
}

func (l *Ledger) clampLimit(limit int) int {
	if limit <= 0 || limit > l.cfg.PageLimit {
		return l.cfg.PageLimit
	}
	return limit
}

// StateHash is a keccak256 digest over listings, offers, escrow and signals
// Two ledgers with the same records hash equal regardless of map order.
func (l *Ledger) StateHash() common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()

	h := sha3.NewLegacyKeccak256()
	enc := json.NewEncoder(h)

	for _, lst := range l.listings {
		_ = enc.Encode(lst)
		for _, o := range l.offers[lst.ID] {
			_ = enc.Encode(o)
		}
	}

	tokens := make([]common.Address, 0, len(l.escrow))
	for t := range l.escrow {
		tokens = append(tokens, t)
	}
	sortAddrs(tokens)
	for _, t := range tokens {
		_ = enc.Encode([2]string{t.Hex(), l.escrow[t].String()})
	}

	senders := make([]common.Address, 0, len(l.signals))
	for a := range l.signals {
		senders = append(senders, a)
	}
	sortAddrs(senders)
	for _, a := range senders {
		_ = enc.Encode([2]interface{}{a.Hex(), l.signals[a]})
	}

	var out common.Hash
	h.Sum(out[:0])
	return out
}

// CheckEscrow verifies the escrow book against the open offers
// Returns the first token whose book total disagrees, if any.
func (l *Ledger) CheckEscrow() (common.Address, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	sums := make(map[common.Address]*big.Int)
	for _, book := range l.offers {
		for _, o := range book {
			if !o.Open() {
				continue
			}
			s, ok := sums[o.PaymentToken]
			if !ok {
				s = new(big.Int)
				sums[o.PaymentToken] = s
			}
			s.Add(s, o.Escrowed)
		}
	}
	for t, held := range l.escrow {
		if sums[t] == nil || sums[t].Cmp(held) != 0 {
			return t, false
		}
	}
	for t, s := range sums {
		if s.Sign() != 0 && l.escrow[t] == nil {
			return t, false
		}
	}
	return common.Address{}, true
}

func sortAddrs(a []common.Address) {
	sort.Slice(a, func(i, j int) bool { return bytes.Compare(a[i][:], a[j][:]) < 0 })
}

// IsNotFound reports whether err is a missing listing or offer
func IsNotFound(err error) bool {
	code, ok := marketerr.CodeOf(err)
	return ok && (code == marketerr.ListingNotFound || code == marketerr.OfferNotFound)
}
