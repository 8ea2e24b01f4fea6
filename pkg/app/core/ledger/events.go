package ledger

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind names a marketplace event
type EventKind string

const (
	EventListed        EventKind = "Listed"
	EventDelisted      EventKind = "Delisted"
	EventPriceChanged  EventKind = "PriceChanged"
	EventItemPurchased EventKind = "ItemPurchased"
	EventOffered       EventKind = "Offered"
	EventOfferAccepted EventKind = "OfferAccepted"
	EventOfferRefunded EventKind = "OfferRefunded"
	EventSignalStored  EventKind = "SignalStored"
	EventMinted        EventKind = "Minted"
)

// Event is one entry of the append-only audit log
//
// Field use depends on Kind:
//
//	Listed         ListingID Account(seller) NFTContract TokenID PaymentToken Amount(price) Marketplace
//	Delisted       ListingID Account(seller)
//	PriceChanged   ListingID PaymentToken Amount(price)
//	ItemPurchased  ListingID Account(buyer) Counterparty(seller) NFTContract TokenID PaymentToken Amount(price) fees
//	Offered        ListingID OfferIndex Account(offerer) PaymentToken Amount
//	OfferAccepted  ListingID OfferIndex Account(offerer) Counterparty(seller) PaymentToken Amount fees
//	OfferRefunded  ListingID OfferIndex Account(offerer) PaymentToken Amount
//	SignalStored   Account(sender) Signal
//	Minted         Account(to) NFTContract TokenID
type Event struct {
	Seq       uint64    `json:"seq"`
	Kind      EventKind `json:"kind"`
	Timestamp int64     `json:"timestamp"`

	ListingID  uint64 `json:"listingId"`
	OfferIndex uint64 `json:"offerIndex"`

	Account      common.Address `json:"account"`
	Counterparty common.Address `json:"counterparty,omitempty"`
	Marketplace  common.Address `json:"marketplace,omitempty"`

	NFTContract  common.Address `json:"nftContract,omitempty"`
	TokenID      *big.Int       `json:"tokenId,omitempty"`
	PaymentToken common.Address `json:"paymentToken,omitempty"`
	Amount       *big.Int       `json:"amount,omitempty"`

	PlatformFee   *big.Int `json:"platformFee,omitempty"`
	CollateralFee *big.Int `json:"collateralFee,omitempty"`
	Royalty       *big.Int `json:"royalty,omitempty"`

	Signal uint8 `json:"signal,omitempty"`
}

// Subscriber receives events after they are durably committed
type Subscriber func(Event)
