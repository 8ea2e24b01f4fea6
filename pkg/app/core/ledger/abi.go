package ledger

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// EventsABI is the marketplace event interface as indexers see it
const EventsABI = `[
 {"type":"event","name":"Listed","inputs":[
  {"name":"id","type":"uint256","indexed":true},
  {"name":"seller","type":"address","indexed":true},
  {"name":"nftContract","type":"address","indexed":false},
  {"name":"tokenId","type":"uint256","indexed":false},
  {"name":"paymentToken","type":"address","indexed":false},
  {"name":"price","type":"uint256","indexed":false},
  {"name":"marketplace","type":"address","indexed":false}]},
 {"type":"event","name":"Delisted","inputs":[
  {"name":"id","type":"uint256","indexed":true},
  {"name":"seller","type":"address","indexed":true}]},
 {"type":"event","name":"PriceChanged","inputs":[
  {"name":"id","type":"uint256","indexed":true},
  {"name":"paymentToken","type":"address","indexed":false},
  {"name":"price","type":"uint256","indexed":false}]},
 {"type":"event","name":"ItemPurchased","inputs":[
  {"name":"id","type":"uint256","indexed":true},
  {"name":"buyer","type":"address","indexed":true},
  {"name":"seller","type":"address","indexed":false},
  {"name":"nftContract","type":"address","indexed":false},
  {"name":"tokenId","type":"uint256","indexed":false},
  {"name":"paymentToken","type":"address","indexed":false},
  {"name":"price","type":"uint256","indexed":false},
  {"name":"platformFee","type":"uint256","indexed":false},
  {"name":"collateralFee","type":"uint256","indexed":false},
  {"name":"royalty","type":"uint256","indexed":false}]},
 {"type":"event","name":"Offered","inputs":[
  {"name":"listingId","type":"uint256","indexed":true},
  {"name":"offerIndex","type":"uint256","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"token","type":"address","indexed":false},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"OfferAccepted","inputs":[
  {"name":"listingId","type":"uint256","indexed":true},
  {"name":"offerIndex","type":"uint256","indexed":false}]},
 {"type":"event","name":"OfferRefunded","inputs":[
  {"name":"listingId","type":"uint256","indexed":true},
  {"name":"offerIndex","type":"uint256","indexed":false},
  {"name":"offerer","type":"address","indexed":true},
  {"name":"token","type":"address","indexed":false},
  {"name":"amount","type":"uint256","indexed":false}]},
 {"type":"event","name":"SignalStored","inputs":[
  {"name":"sender","type":"address","indexed":true},
  {"name":"value","type":"uint8","indexed":false}]},
 {"type":"event","name":"Minted","inputs":[
  {"name":"to","type":"address","indexed":true},
  {"name":"collection","type":"address","indexed":false},
  {"name":"tokenId","type":"uint256","indexed":false}]}
]`

var eventsABI = mustParseABI(EventsABI)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Errorf("parse events abi: %w", err))
	}
	return parsed
}

// EventABI returns the ABI description of kind
func EventABI(kind EventKind) (abi.Event, bool) {
	ev, ok := eventsABI.Events[string(kind)]
	return ev, ok
}

// Log renders the event as an EVM log emitted by the marketplace contract
func (e Event) Log(contract common.Address) (*types.Log, error) {
	ev, ok := eventsABI.Events[string(e.Kind)]
	if !ok {
		return nil, fmt.Errorf("no abi for event %s", e.Kind)
	}

	var (
		topics = []common.Hash{ev.ID}
		values []interface{}
	)
	id := new(big.Int).SetUint64(e.ListingID)
	idx := new(big.Int).SetUint64(e.OfferIndex)

	switch e.Kind {
	case EventListed:
		topics = append(topics, common.BigToHash(id), addrTopic(e.Account))
		values = []interface{}{e.NFTContract, nz(e.TokenID), e.PaymentToken, nz(e.Amount), e.Marketplace}
	case EventDelisted:
		topics = append(topics, common.BigToHash(id), addrTopic(e.Account))
	case EventPriceChanged:
		topics = append(topics, common.BigToHash(id))
		values = []interface{}{e.PaymentToken, nz(e.Amount)}
	case EventItemPurchased:
		topics = append(topics, common.BigToHash(id), addrTopic(e.Account))
		values = []interface{}{e.Counterparty, e.NFTContract, nz(e.TokenID), e.PaymentToken, nz(e.Amount),
			nz(e.PlatformFee), nz(e.CollateralFee), nz(e.Royalty)}
	case EventOffered, EventOfferRefunded:
		topics = append(topics, common.BigToHash(id), addrTopic(e.Account))
		values = []interface{}{idx, e.PaymentToken, nz(e.Amount)}
	case EventOfferAccepted:
		topics = append(topics, common.BigToHash(id))
		values = []interface{}{idx}
	case EventSignalStored:
		topics = append(topics, addrTopic(e.Account))
		values = []interface{}{e.Signal}
	case EventMinted:
		topics = append(topics, addrTopic(e.Account))
		values = []interface{}{e.NFTContract, nz(e.TokenID)}
	}

	data, err := ev.Inputs.NonIndexed().Pack(values...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", e.Kind, err)
	}
	return &types.Log{
		Address: contract,
		Topics:  topics,
		Data:    data,
		Index:   uint(e.Seq),
	}, nil
}

func addrTopic(a common.Address) common.Hash { return common.BytesToHash(a.Bytes()) }

func nz(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}
