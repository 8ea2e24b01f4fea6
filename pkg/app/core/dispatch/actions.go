// Package dispatch turns an inbound cross-chain payload into one marketplace
// action and hands it to a Handler.
//
// The set of actions is closed: Action has an unexported method, so only this
// package can add one, and adding one means adding a Handler method, which
// every handler implementation must then provide.
package dispatch

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/custody"
)

// Selector values of the first payload field
const (
	SelectorSignal         uint8 = 0
	SelectorList           uint8 = 1
	SelectorDelist         uint8 = 2
	SelectorChangePrice    uint8 = 3
	SelectorBuy            uint8 = 4
	SelectorMakeOffer      uint8 = 5
	SelectorAcceptOffer    uint8 = 6
	SelectorAcceptOfferAlt uint8 = 7
	SelectorMint           uint8 = 244
)

// Context is the identity and value an action runs with
type Context struct {
	// Sender is the message-derived caller, not the gateway's tx sender
	Sender common.Address
	// Prepaid is the value attached to the call, already held by the marketplace
	Prepaid *custody.Prepaid
}

// Action is one decoded marketplace request
type Action interface {
	Selector() uint8
	Name() string
	apply(h Handler, c Context) error
}

// Handler executes decoded actions
type Handler interface {
	HandleSignal(c Context, a SignalAction) error
	HandleList(c Context, a ListAction) error
	HandleDelist(c Context, a DelistAction) error
	HandleChangePrice(c Context, a ChangePriceAction) error
	HandleBuy(c Context, a BuyAction) error
	HandleMakeOffer(c Context, a MakeOfferAction) error
	HandleAcceptOffer(c Context, a AcceptOfferAction) error
	HandleMint(c Context, a MintAction) error
}

// SignalAction stores a one-byte signal for the sender (selector 0)
type SignalAction struct {
	Value uint8
}

// ListAction lists an NFT at a fixed price (selector 1)
type ListAction struct {
	NFTContract  common.Address
	TokenID      uint64
	PaymentToken common.Address
	Price        uint64
}

// DelistAction withdraws a listing (selector 2)
type DelistAction struct {
	ListingID uint64
}

// ChangePriceAction updates a listing's ask (selector 3)
type ChangePriceAction struct {
	ListingID    uint64
	PaymentToken common.Address
	Price        uint64
}

// BuyAction buys a listing at its ask (selector 4)
type BuyAction struct {
	ListingID uint64
}

// MakeOfferAction escrows a bid on a listing (selector 5)
type MakeOfferAction struct {
	ListingID uint64
	Token     common.Address
	Amount    uint64
}

// AcceptOfferAction settles a listing against an offer (selector 6, or 7)
type AcceptOfferAction struct {
	ListingID  uint64
	OfferIndex uint64
}

// MintAction mints from the configured collection to the sender (selector 244)
type MintAction struct{}

func (SignalAction) Selector() uint8      { return SelectorSignal }
func (ListAction) Selector() uint8        { return SelectorList }
func (DelistAction) Selector() uint8      { return SelectorDelist }
func (ChangePriceAction) Selector() uint8 { return SelectorChangePrice }
func (BuyAction) Selector() uint8         { return SelectorBuy }
func (MakeOfferAction) Selector() uint8   { return SelectorMakeOffer }
func (AcceptOfferAction) Selector() uint8 { return SelectorAcceptOffer }
func (MintAction) Selector() uint8        { return SelectorMint }

func (SignalAction) Name() string      { return "signal" }
func (ListAction) Name() string        { return "list" }
func (DelistAction) Name() string      { return "delist" }
func (ChangePriceAction) Name() string { return "changePrice" }
func (BuyAction) Name() string         { return "buy" }
func (MakeOfferAction) Name() string   { return "makeOffer" }
func (AcceptOfferAction) Name() string { return "acceptOffer" }
func (MintAction) Name() string        { return "mint" }

func (a SignalAction) apply(h Handler, c Context) error      { return h.HandleSignal(c, a) }
func (a ListAction) apply(h Handler, c Context) error        { return h.HandleList(c, a) }
func (a DelistAction) apply(h Handler, c Context) error      { return h.HandleDelist(c, a) }
func (a ChangePriceAction) apply(h Handler, c Context) error { return h.HandleChangePrice(c, a) }
func (a BuyAction) apply(h Handler, c Context) error         { return h.HandleBuy(c, a) }
func (a MakeOfferAction) apply(h Handler, c Context) error   { return h.HandleMakeOffer(c, a) }
func (a AcceptOfferAction) apply(h Handler, c Context) error { return h.HandleAcceptOffer(c, a) }
func (a MintAction) apply(h Handler, c Context) error        { return h.HandleMint(c, a) }

// TokenIDBig is the token id as the ledger stores it
func (a ListAction) TokenIDBig() *big.Int { return new(big.Int).SetUint64(a.TokenID) }

// PriceBig is the price as the ledger stores it
func (a ListAction) PriceBig() *big.Int { return new(big.Int).SetUint64(a.Price) }

// PriceBig is the price as the ledger stores it
func (a ChangePriceAction) PriceBig() *big.Int { return new(big.Int).SetUint64(a.Price) }

// AmountBig is the amount as the ledger stores it
func (a MakeOfferAction) AmountBig() *big.Int { return new(big.Int).SetUint64(a.Amount) }
