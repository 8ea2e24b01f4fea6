package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChangeSet is everything one operation writes
// A store must apply it atomically or not at all.
type ChangeSet struct {
	Listings []*Listing
	Offers   []*Offer
	Events   []Event

	// Escrow holds the new absolute balance per token for touched tokens
	Escrow  map[common.Address]*big.Int
	Signals map[common.Address]uint8

	NextListingID uint64
	NextEventSeq  uint64

	// Delivery is set when the change set comes from an inbound call
	Delivery *Delivery
}

// Delivery identifies the inbound call behind a change set
// Stores write Receipt under the call's key in the change set's batch and
// refuse a call they have already recorded.
type Delivery struct {
	SourceChainID uint64
	Nonce         uint64
	Receipt       any
}

// Empty reports whether the change set writes nothing
func (cs *ChangeSet) Empty() bool {
	return len(cs.Listings) == 0 && len(cs.Offers) == 0 && len(cs.Events) == 0 &&
		len(cs.Escrow) == 0 && len(cs.Signals) == 0 && cs.Delivery == nil
}

// State is the full persisted ledger, as loaded on startup
type State struct {
	Listings      []*Listing
	Offers        []*Offer
	Events        []Event
	Escrow        map[common.Address]*big.Int
	Signals       map[common.Address]uint8
	NextListingID uint64
	NextEventSeq  uint64
}

// Store persists ledger change sets
type Store interface {
	CommitLedger(cs *ChangeSet) error
	LoadLedger() (*State, error)
}
