package dispatch

import (
	"fmt"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

const wordSize = 32

var (
	tUint8   = mustType("uint8")
	tUint64  = mustType("uint64")
	tAddress = mustType("address")
)

func mustType(name string) abi.Type {
	t, err := abi.NewType(name, "", nil)
	if err != nil {
		panic(err)
	}
	return t
}

func arguments(types ...abi.Type) abi.Arguments {
	args := make(abi.Arguments, 0, len(types)+1)
	args = append(args, abi.Argument{Name: "selector", Type: tUint8})
	for i, t := range types {
		args = append(args, abi.Argument{Name: fmt.Sprintf("arg%d", i), Type: t})
	}
	return args
}

// shape is the wire tuple of one selector and how to build its action
type shape struct {
	args   abi.Arguments
	decode func(vals []interface{}) Action
}

var shapes = map[uint8]shape{
	SelectorSignal: {
		args:   arguments(tUint8),
		decode: func(v []interface{}) Action { return SignalAction{Value: v[1].(uint8)} },
	},
	SelectorList: {
		args: arguments(tAddress, tUint64, tAddress, tUint64),
		decode: func(v []interface{}) Action {
			return ListAction{
				NFTContract:  v[1].(common.Address),
				TokenID:      v[2].(uint64),
				PaymentToken: v[3].(common.Address),
				Price:        v[4].(uint64),
			}
		},
	},
	SelectorDelist: {
		args:   arguments(tUint64),
		decode: func(v []interface{}) Action { return DelistAction{ListingID: v[1].(uint64)} },
	},
	SelectorChangePrice: {
		args: arguments(tUint64, tAddress, tUint64),
		decode: func(v []interface{}) Action {
			return ChangePriceAction{ListingID: v[1].(uint64), PaymentToken: v[2].(common.Address), Price: v[3].(uint64)}
		},
	},
	SelectorBuy: {
		args:   arguments(tUint64),
		decode: func(v []interface{}) Action { return BuyAction{ListingID: v[1].(uint64)} },
	},
	SelectorMakeOffer: {
		args: arguments(tUint64, tAddress, tUint64),
		decode: func(v []interface{}) Action {
			return MakeOfferAction{ListingID: v[1].(uint64), Token: v[2].(common.Address), Amount: v[3].(uint64)}
		},
	},
	SelectorAcceptOffer: {
		args: arguments(tUint64, tUint64),
		decode: func(v []interface{}) Action {
			return AcceptOfferAction{ListingID: v[1].(uint64), OfferIndex: v[2].(uint64)}
		},
	},
	SelectorMint: {
		args:   arguments(),
		decode: func([]interface{}) Action { return MintAction{} },
	},
}

func init() {
	shapes[SelectorAcceptOfferAlt] = shapes[SelectorAcceptOffer]
}

// Selectors lists every known selector value
func Selectors() []uint8 {
	return []uint8{
		SelectorSignal, SelectorList, SelectorDelist, SelectorChangePrice, SelectorBuy,
		SelectorMakeOffer, SelectorAcceptOffer, SelectorAcceptOfferAlt, SelectorMint,
	}
}

// Decode parses an ABI-encoded (uint8 selector, args...) tuple
//
// The payload must be exactly one word per field, every word must be a
// canonical encoding of its type, and the selector must be known.
func Decode(payload []byte) (Action, error) {
	const op = "decode"
	if len(payload) < wordSize {
		return nil, marketerr.New(marketerr.MalformedPayload, op, "payload is %d bytes, need at least one word", len(payload))
	}
	if !zero(payload[:wordSize-1]) {
		return nil, marketerr.New(marketerr.MalformedPayload, op, "selector word is not a uint8")
	}
	sel := payload[wordSize-1]

	sh, ok := shapes[sel]
	if !ok {
		return nil, marketerr.New(marketerr.UnknownAction, op, "selector %d", sel)
	}
	if want := wordSize * len(sh.args); len(payload) != want {
		return nil, marketerr.New(marketerr.MalformedPayload, op,
			"selector %d takes %d fields (%d bytes), got %d bytes", sel, len(sh.args), want, len(payload))
	}
	for i, arg := range sh.args {
		if err := checkPadding(payload[i*wordSize:(i+1)*wordSize], arg.Type); err != nil {
			return nil, marketerr.Wrap(marketerr.MalformedPayload, op, fmt.Errorf("field %d: %w", i, err))
		}
	}

	vals, err := sh.args.Unpack(payload)
	if err != nil {
		return nil, marketerr.Wrap(marketerr.MalformedPayload, op, err)
	}
	return sh.decode(vals), nil
}

// Encode builds the wire payload for an action
func Encode(a Action) ([]byte, error) {
	sh, ok := shapes[a.Selector()]
	if !ok {
		return nil, marketerr.New(marketerr.UnknownAction, "encode", "selector %d", a.Selector())
	}
	var fields []interface{}
	switch x := a.(type) {
	case SignalAction:
		fields = []interface{}{x.Value}
	case ListAction:
		fields = []interface{}{x.NFTContract, x.TokenID, x.PaymentToken, x.Price}
	case DelistAction:
		fields = []interface{}{x.ListingID}
	case ChangePriceAction:
		fields = []interface{}{x.ListingID, x.PaymentToken, x.Price}
	case BuyAction:
		fields = []interface{}{x.ListingID}
	case MakeOfferAction:
		fields = []interface{}{x.ListingID, x.Token, x.Amount}
	case AcceptOfferAction:
		fields = []interface{}{x.ListingID, x.OfferIndex}
	case MintAction:
	}
	return sh.args.Pack(append([]interface{}{a.Selector()}, fields...)...)
}

// MustEncode is Encode for static actions in tests and tooling
func MustEncode(a Action) []byte {
	b, err := Encode(a)
	if err != nil {
		panic(err)
	}
	return b
}

func checkPadding(word []byte, t abi.Type) error {
	var pad int
	switch t.T {
	case abi.AddressTy:
		pad = wordSize - common.AddressLength
	case abi.UintTy:
		pad = wordSize - t.Size/8
	default:
		return nil
	}
	if !zero(word[:pad]) {
		return fmt.Errorf("value does not fit %s", t.String())
	}
	return nil
}

func zero(b []byte) bool {
	for _, x := range b {
		if x != 0 {
			return false
		}
	}
	return true
}
