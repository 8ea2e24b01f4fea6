package ledger

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/fees"
)

// Outcome is how a listing left the Active state
type Outcome uint8

const (
	OutcomeNone Outcome = iota
	OutcomeSold
	OutcomeDelisted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeNone:
		return "none"
	case OutcomeSold:
		return "sold"
	case OutcomeDelisted:
		return "delisted"
	}
	return fmt.Sprintf("outcome(%d)", uint8(o))
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	switch string(b) {
	case "none":
		*o = OutcomeNone
	case "sold":
		*o = OutcomeSold
	case "delisted":
		*o = OutcomeDelisted
	default:
		return fmt.Errorf("unknown outcome %q", b)
	}
	return nil
}

// Listing is a seller's fixed-price ask for one NFT
// Active is true iff the NFT sits in marketplace custody for this listing.
type Listing struct {
	ID           uint64         `json:"id"`
	Seller       common.Address `json:"seller"`
	NFTContract  common.Address `json:"nftContract"`
	TokenID      *big.Int       `json:"tokenId"`
	PaymentToken common.Address `json:"paymentToken"`
	Price        *big.Int       `json:"price"`
	Active       bool           `json:"active"`
	CreatedAt    int64          `json:"createdAt"`
	ClosedAt     int64          `json:"closedAt,omitempty"`
	Outcome      Outcome        `json:"outcome"`
}

// Clone returns a deep copy
func (l *Listing) Clone() *Listing {
	cp := *l
	cp.TokenID = cloneBig(l.TokenID)
	cp.Price = cloneBig(l.Price)
	return &cp
}

// Offer is a bid on a listing with its own escrowed payment
//
// Escrowed is the amount the marketplace holds for this offer: equal to
// Amount while the offer is open, zero once accepted or refunded.
type Offer struct {
	ListingID    uint64         `json:"listingId"`
	Index        uint64         `json:"index"`
	Offerer      common.Address `json:"offerer"`
	PaymentToken common.Address `json:"paymentToken"`
	Amount       *big.Int       `json:"amount"`
	Accepted     bool           `json:"accepted"`
	Escrowed     *big.Int       `json:"escrowed"`
	Refunded     bool           `json:"refunded"`
	CreatedAt    int64          `json:"createdAt"`
}

// Open reports whether the offer still holds escrow
func (o *Offer) Open() bool { return !o.Accepted && !o.Refunded }

// Clone returns a deep copy
func (o *Offer) Clone() *Offer {
	cp := *o
	cp.Amount = cloneBig(o.Amount)
	cp.Escrowed = cloneBig(o.Escrowed)
	return &cp
}

// Params are the marketplace parameters, fixed at construction
type Params struct {
	FeeBasisPoints           uint64         `json:"feeBasisPoints"`
	CollateralFeeBasisPoints uint64         `json:"collateralFeeBasisPoints"`
	Marketplace              common.Address `json:"marketplace"`
	Treasury                 common.Address `json:"treasury"`
}

// Validate checks rates and addresses
func (p Params) Validate() error {
	if p.FeeBasisPoints > fees.BasisPointsDenominator {
		return fmt.Errorf("fee bps %d exceeds %d", p.FeeBasisPoints, fees.BasisPointsDenominator)
	}
	if p.CollateralFeeBasisPoints > fees.BasisPointsDenominator {
		return fmt.Errorf("collateral fee bps %d exceeds %d", p.CollateralFeeBasisPoints, fees.BasisPointsDenominator)
	}
	if p.FeeBasisPoints+p.CollateralFeeBasisPoints > fees.BasisPointsDenominator {
		return fmt.Errorf("combined fee bps %d exceeds %d", p.FeeBasisPoints+p.CollateralFeeBasisPoints, fees.BasisPointsDenominator)
	}
	if p.Marketplace == (common.Address{}) {
		return fmt.Errorf("marketplace address is required")
	}
	if p.Treasury == (common.Address{}) {
		return fmt.Errorf("treasury address is required")
	}
	return nil
}

// Config is everything the ledger needs besides its collaborators
type Config struct {
	Params Params

	// MaxOpenOffers caps open offers per listing, which bounds the refund sweep
	MaxOpenOffers int
	// PageLimit caps a single Offers/Events read
	PageLimit int

	// MintCollection receives selector-244 mints; zero disables minting
	MintCollection common.Address
}

// DefaultConfig returns devnet defaults around the given params
func DefaultConfig(p Params) Config {
	return Config{
		Params:        p,
		MaxOpenOffers: 64,
		PageLimit:     100,
	}
}

func cloneBig(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(x)
}
