package api

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
)

// API response types for REST endpoints and WebSocket messages

// ==============================
// REST Response Types
// ==============================

// Amount is a raw token amount with its human-readable form
type Amount struct {
	Raw     string `json:"raw"`               // base units
	Display string `json:"display,omitempty"` // scaled by token decimals
	Symbol  string `json:"symbol,omitempty"`
}

// ParamsInfo represents the marketplace parameters
type ParamsInfo struct {
	FeeBasisPoints           uint64 `json:"feeBasisPoints"`
	CollateralFeeBasisPoints uint64 `json:"collateralFeeBasisPoints"`
	FeePercent               string `json:"feePercent"` // e.g. "2.5"
	CollateralFeePercent     string `json:"collateralFeePercent"`
	Marketplace              string `json:"marketplace"`
	Treasury                 string `json:"treasury"`
	MaxOpenOffers            int    `json:"maxOpenOffers"`
	PageLimit                int    `json:"pageLimit"`
	MintCollection           string `json:"mintCollection,omitempty"`
}

// ListingInfo represents one listing
type ListingInfo struct {
	ID           uint64 `json:"id"`
	Seller       string `json:"seller"`
	NFTContract  string `json:"nftContract"`
	TokenID      string `json:"tokenId"`
	PaymentToken string `json:"paymentToken"`
	Price        Amount `json:"price"`
	Active       bool   `json:"active"`
	Outcome      string `json:"outcome"`
	CreatedAt    int64  `json:"createdAt"`
	ClosedAt     int64  `json:"closedAt,omitempty"`
	OfferCount   uint64 `json:"offerCount"`
}

// OfferInfo represents one offer
type OfferInfo struct {
	ListingID    uint64 `json:"listingId"`
	Index        uint64 `json:"index"`
	Offerer      string `json:"offerer"`
	PaymentToken string `json:"paymentToken"`
	Amount       Amount `json:"amount"`
	Escrowed     Amount `json:"escrowed"`
	Status       string `json:"status"` // "open", "accepted", "refunded"
	CreatedAt    int64  `json:"createdAt"`
}

// EventInfo is an event plus its EVM log rendering
type EventInfo struct {
	ledger.Event
	Topics []string `json:"topics,omitempty"`
	Data   string   `json:"data,omitempty"`
}

// EscrowInfo is the escrow book balance of one token
type EscrowInfo struct {
	Token string `json:"token"`
	Held  Amount `json:"held"`
}

// StatusInfo summarizes the node
type StatusInfo struct {
	Listings         uint64 `json:"listings"`
	Events           uint64 `json:"events"`
	StateHash        string `json:"stateHash"`
	EscrowConsistent bool   `json:"escrowConsistent"`
	Timestamp        int64  `json:"timestamp"`
}

// FundRequest asks the devnet faucet for payment tokens (base units)
type FundRequest struct {
	Account string `json:"account"`
	Amount  string `json:"amount"`
}

type FundResponse struct {
	Account string `json:"account"`
	Token   string `json:"token"`
	Amount  Amount `json:"amount"`
}

// MintNFTRequest asks the devnet faucet for one NFT
type MintNFTRequest struct {
	Account string `json:"account"`
}

type MintNFTResponse struct {
	Account    string `json:"account"`
	Collection string `json:"collection"`
	TokenID    string `json:"tokenId"`
}

// Page wraps a paginated list
type Page[T any] struct {
	Items []T    `json:"items"`
	Total uint64 `json:"total"`
	Start uint64 `json:"start"`
}

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest represents a WebSocket subscription request
// Channels: "events", "listing:<id>"
type WSSubscribeRequest struct {
	Op       string   `json:"op"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// EventUpdate is pushed for every committed ledger event
type EventUpdate struct {
	Type  string       `json:"type"` // always "event"
	Event ledger.Event `json:"event"`
}

// ==============================
// Formatting
// ==============================

// TokenMeta resolves display metadata for payment tokens
type TokenMeta interface {
	TokenMeta(token common.Address) (symbol string, decimals uint8, ok bool)
}

func (s *Server) amount(token common.Address, x *big.Int) Amount {
	if x == nil {
		x = new(big.Int)
	}
	a := Amount{Raw: x.String()}
	if s.tokens == nil {
		return a
	}
	if sym, dec, ok := s.tokens.TokenMeta(token); ok {
		a.Symbol = sym
		a.Display = decimal.NewFromBigInt(x, -int32(dec)).String()
	}
	return a
}

func bpsPercent(bps uint64) string {
	return decimal.NewFromInt(int64(bps)).Div(decimal.NewFromInt(100)).String()
}

func (s *Server) listingInfo(l *ledger.Listing, offers uint64) ListingInfo {
	return ListingInfo{
		ID:           l.ID,
		Seller:       l.Seller.Hex(),
		NFTContract:  l.NFTContract.Hex(),
		TokenID:      l.TokenID.String(),
		PaymentToken: l.PaymentToken.Hex(),
		Price:        s.amount(l.PaymentToken, l.Price),
		Active:       l.Active,
		Outcome:      l.Outcome.String(),
		CreatedAt:    l.CreatedAt,
		ClosedAt:     l.ClosedAt,
		OfferCount:   offers,
	}
}

func (s *Server) offerInfo(o *ledger.Offer) OfferInfo {
	status := "open"
	switch {
	case o.Accepted:
		status = "accepted"
	case o.Refunded:
		status = "refunded"
	}
	return OfferInfo{
		ListingID:    o.ListingID,
		Index:        o.Index,
		Offerer:      o.Offerer.Hex(),
		PaymentToken: o.PaymentToken.Hex(),
		Amount:       s.amount(o.PaymentToken, o.Amount),
		Escrowed:     s.amount(o.PaymentToken, o.Escrowed),
		Status:       status,
		CreatedAt:    o.CreatedAt,
	}
}
