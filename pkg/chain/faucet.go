package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
)

// Faucet seeds devnet accounts with the payment token and NFTs, and approves
// the marketplace to move both the way a wallet would before listing or buying
type Faucet struct {
	st         *State
	token      common.Address
	collection common.Address
	spender    common.Address
}

// NewFaucet serves token and collection from st; spender is the marketplace
func NewFaucet(st *State, token, collection, spender common.Address) *Faucet {
	return &Faucet{st: st, token: token, collection: collection, spender: spender}
}

func (f *Faucet) Token() common.Address      { return f.token }
func (f *Faucet) Collection() common.Address { return f.collection }

// Fund credits amount of the payment token to `to` and grants the
// marketplace an unlimited allowance
func (f *Faucet) Fund(to common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("faucet: amount must be positive")
	}
	if err := f.st.Mint(f.token, to, amount); err != nil {
		return fmt.Errorf("faucet: fund %s: %w", to.Hex(), err)
	}
	if err := f.st.Approve(f.token, to, f.spender, math.MaxBig256); err != nil {
		return fmt.Errorf("faucet: approve %s: %w", to.Hex(), err)
	}
	return nil
}

// MintNFT mints the next token of the collection to `to` and approves the
// marketplace as operator for all of the owner's tokens
func (f *Faucet) MintNFT(to common.Address) (*big.Int, error) {
	id, err := f.st.MintNFT(f.collection, to)
	if err != nil {
		return nil, fmt.Errorf("faucet: mint to %s: %w", to.Hex(), err)
	}
	if err := f.st.SetApprovalForAll(f.collection, to, f.spender, true); err != nil {
		return nil, fmt.Errorf("faucet: approve %s: %w", to.Hex(), err)
	}
	return id, nil
}
