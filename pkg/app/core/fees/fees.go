// Package fees computes platform, collateral and royalty fees for a sale.
//
// All arithmetic is done on 256-bit unsigned integers (the hub chain's native
// word) and any intermediate overflow is reported as ArithmeticOverflow
// before a single transfer is attempted.
package fees

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

// BasisPointsDenominator is 100% expressed in basis points
const BasisPointsDenominator = 10000

var bpsDenom = uint256.NewInt(BasisPointsDenominator)

// RoyaltyLookup is the optional ERC-2981 capability of an NFT collection
// ok=false means the collection does not expose royalties
type RoyaltyLookup interface {
	RoyaltyInfo(collection common.Address, tokenID, salePrice *big.Int) (receiver common.Address, amount *big.Int, ok bool)
}

// Quote is the full breakdown of one settlement
//
// For a purchase: Total = Price + PlatformFee + CollateralFee is paid by the buyer,
// SellerProceeds = Price - Royalty.
// For an accepted offer: Total = Price (the escrowed offer amount),
// SellerProceeds = Price - PlatformFee - CollateralFee - Royalty.
//
// In both cases PlatformFee + CollateralFee + Royalty + SellerProceeds == Total.
type Quote struct {
	Price           *big.Int
	PlatformFee     *big.Int
	CollateralFee   *big.Int
	Royalty         *big.Int
	RoyaltyReceiver common.Address
	Total           *big.Int
	SellerProceeds  *big.Int
}

// TreasuryFee is what the marketplace treasury receives (platform + collateral)
func (q *Quote) TreasuryFee() *big.Int {
	return new(big.Int).Add(q.PlatformFee, q.CollateralFee)
}

// ComputeFees returns price*feeBps/10000 and price*collateralBps/10000, truncated
func ComputeFees(price *big.Int, feeBps, collateralBps uint64) (platformFee, collateralFee *big.Int, err error) {
	p, err := toU256(price)
	if err != nil {
		return nil, nil, err
	}
	pf, err := bpsOf(p, feeBps)
	if err != nil {
		return nil, nil, err
	}
	cf, err := bpsOf(p, collateralBps)
	if err != nil {
		return nil, nil, err
	}
	return pf.ToBig(), cf.ToBig(), nil
}

// ComputeRoyalty asks the collection for its royalty on price
// A nil lookup or a collection without royalty support yields zero
func ComputeRoyalty(lookup RoyaltyLookup, collection common.Address, tokenID, price *big.Int) (common.Address, *big.Int) {
	if lookup == nil {
		return common.Address{}, new(big.Int)
	}
	receiver, amount, ok := lookup.RoyaltyInfo(collection, tokenID, price)
	if !ok || amount == nil || amount.Sign() <= 0 || receiver == (common.Address{}) {
		return common.Address{}, new(big.Int)
	}
	return receiver, new(big.Int).Set(amount)
}

// QuotePurchase prices a fixed-ask purchase
func QuotePurchase(price *big.Int, feeBps, collateralBps uint64, royaltyReceiver common.Address, royalty *big.Int) (*Quote, error) {
	p, err := toU256(price)
	if err != nil {
		return nil, err
	}
	pf, err := bpsOf(p, feeBps)
	if err != nil {
		return nil, err
	}
	cf, err := bpsOf(p, collateralBps)
	if err != nil {
		return nil, err
	}
	r, err := toU256(royalty)
	if err != nil {
		return nil, err
	}

	total, overflow := new(uint256.Int).AddOverflow(p, pf)
	if overflow {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "quote", "price + platform fee exceeds 2^256-1")
	}
	total, overflow = new(uint256.Int).AddOverflow(total, cf)
	if overflow {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "quote", "total due exceeds 2^256-1")
	}

	proceeds, underflow := new(uint256.Int).SubOverflow(p, r)
	if underflow {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "quote", "royalty %s exceeds price %s", r.Dec(), p.Dec())
	}

	return &Quote{
		Price:           p.ToBig(),
		PlatformFee:     pf.ToBig(),
		CollateralFee:   cf.ToBig(),
		Royalty:         r.ToBig(),
		RoyaltyReceiver: royaltyReceiver,
		Total:           total.ToBig(),
		SellerProceeds:  proceeds.ToBig(),
	}, nil
}

// QuoteAcceptance prices the settlement of an escrowed offer amount
// Fees and royalty come out of the amount; the seller gets the rest
func QuoteAcceptance(amount *big.Int, feeBps, collateralBps uint64, royaltyReceiver common.Address, royalty *big.Int) (*Quote, error) {
	a, err := toU256(amount)
	if err != nil {
		return nil, err
	}
	pf, err := bpsOf(a, feeBps)
	if err != nil {
		return nil, err
	}
	cf, err := bpsOf(a, collateralBps)
	if err != nil {
		return nil, err
	}
	r, err := toU256(royalty)
	if err != nil {
		return nil, err
	}

	proceeds := new(uint256.Int).Set(a)
	for _, d := range []*uint256.Int{pf, cf, r} {
		var underflow bool
		proceeds, underflow = new(uint256.Int).SubOverflow(proceeds, d)
		if underflow {
			return nil, marketerr.New(marketerr.ArithmeticOverflow, "quote", "fees and royalty exceed offer amount %s", a.Dec())
		}
	}

	return &Quote{
		Price:           a.ToBig(),
		PlatformFee:     pf.ToBig(),
		CollateralFee:   cf.ToBig(),
		Royalty:         r.ToBig(),
		RoyaltyReceiver: royaltyReceiver,
		Total:           a.ToBig(),
		SellerProceeds:  proceeds.ToBig(),
	}, nil
}

// bpsOf returns x*bps/10000 with overflow detection on the product
func bpsOf(x *uint256.Int, bps uint64) (*uint256.Int, error) {
	prod, overflow := new(uint256.Int).MulOverflow(x, uint256.NewInt(bps))
	if overflow {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "fees", "%s * %d bps exceeds 2^256-1", x.Dec(), bps)
	}
	return prod.Div(prod, bpsDenom), nil
}

func toU256(x *big.Int) (*uint256.Int, error) {
	if x == nil {
		return new(uint256.Int), nil
	}
	if x.Sign() < 0 {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "fees", "negative amount %s", x)
	}
	v, overflow := uint256.FromBig(x)
	if overflow {
		return nil, marketerr.New(marketerr.ArithmeticOverflow, "fees", "amount %s exceeds 2^256-1", x)
	}
	return v, nil
}
