package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC721 is an NFT collection, optionally exposing ERC-2981 royalties
type ERC721 struct {
	Address common.Address
	Name    string
	Symbol  string

	owners    map[string]common.Address // tokenID (decimal) -> owner
	approvals map[string]common.Address
	operators map[common.Address]map[common.Address]bool
	nextID    *big.Int

	royaltyReceiver common.Address
	royaltyBps      int64
	royaltyEnabled  bool
}

func newERC721(addr common.Address, name, symbol string) *ERC721 {
	return &ERC721{
		Address:   addr,
		Name:      name,
		Symbol:    symbol,
		owners:    make(map[string]common.Address),
		approvals: make(map[string]common.Address),
		operators: make(map[common.Address]map[common.Address]bool),
		nextID:    big.NewInt(1),
	}
}

func tokenKey(id *big.Int) string { return id.String() }

func (s *State) setOwner(n *ERC721, id string, owner common.Address) {
	prev, had := n.owners[id]
	s.record(func() {
		if had {
			n.owners[id] = prev
		} else {
			delete(n.owners, id)
		}
	})
	n.owners[id] = owner
}

func (s *State) setApproval(n *ERC721, id string, to common.Address) {
	prev, had := n.approvals[id]
	s.record(func() {
		if had {
			n.approvals[id] = prev
		} else {
			delete(n.approvals, id)
		}
	})
	if to == (common.Address{}) {
		delete(n.approvals, id)
		return
	}
	n.approvals[id] = to
}

func (n *ERC721) authorized(operator, owner common.Address, id string) bool {
	if operator == owner {
		return true
	}
	if n.approvals[id] == operator {
		return true
	}
	return n.operators[owner][operator]
}

// OwnerOf returns the owner of tokenID
func (s *State) OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.collection(collection)
	if err != nil {
		return common.Address{}, err
	}
	owner, ok := n.owners[tokenKey(tokenID)]
	if !ok {
		return common.Address{}, fmt.Errorf("%w: %s #%s", ErrNonexistentToken, collection.Hex(), tokenID)
	}
	return owner, nil
}

// IsApprovedOrOwner reports whether operator may transfer tokenID
func (s *State) IsApprovedOrOwner(collection, operator common.Address, tokenID *big.Int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.collection(collection)
	if err != nil {
		return false, err
	}
	id := tokenKey(tokenID)
	owner, ok := n.owners[id]
	if !ok {
		return false, fmt.Errorf("%w: %s #%s", ErrNonexistentToken, collection.Hex(), tokenID)
	}
	return n.authorized(operator, owner, id), nil
}

// ApproveNFT lets `to` transfer tokenID; caller must be owner or operator
func (s *State) ApproveNFT(collection, caller, to common.Address, tokenID *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.collection(collection)
	if err != nil {
		return err
	}
	id := tokenKey(tokenID)
	owner, ok := n.owners[id]
	if !ok {
		return fmt.Errorf("%w: %s #%s", ErrNonexistentToken, collection.Hex(), tokenID)
	}
	if caller != owner && !n.operators[owner][caller] {
		return ErrNotAuthorized
	}
	s.setApproval(n, id, to)
	return nil
}

// SetApprovalForAll toggles operator rights over all of owner's tokens
func (s *State) SetApprovalForAll(collection, owner, operator common.Address, approved bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.collection(collection)
	if err != nil {
		return err
	}
	m, ok := n.operators[owner]
	if !ok {
		m = make(map[common.Address]bool)
		n.operators[owner] = m
	}
	prev, had := m[operator]
	s.record(func() {
		if had {
			m[operator] = prev
		} else {
			delete(m, operator)
		}
	})
	m[operator] = approved
	return nil
}

// NFTTransferFrom moves tokenID from `from` to `to`; operator must be authorized.
// Clears the single-token approval, as ERC-721 requires.
func (s *State) NFTTransferFrom(collection, operator, from, to common.Address, tokenID *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.collection(collection)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	id := tokenKey(tokenID)
	owner, ok := n.owners[id]
	if !ok {
		return fmt.Errorf("%w: %s #%s", ErrNonexistentToken, collection.Hex(), tokenID)
	}
	if owner != from {
		return fmt.Errorf("%w: owner is %s", ErrNotTokenOwner, owner.Hex())
	}
	if !n.authorized(operator, owner, id) {
		return fmt.Errorf("%w: %s", ErrNotAuthorized, operator.Hex())
	}
	s.setApproval(n, id, common.Address{})
	s.setOwner(n, id, to)
	return nil
}

// MintNFT mints the collection's next token id to `to`
func (s *State) MintNFT(collection, to common.Address) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	if to == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	id := new(big.Int).Set(n.nextID)
	prevNext := n.nextID
	s.record(func() { n.nextID = prevNext })
	n.nextID = new(big.Int).Add(id, big.NewInt(1))
	s.setOwner(n, tokenKey(id), to)
	return id, nil
}

// SetRoyalty enables ERC-2981 on the collection
func (s *State) SetRoyalty(collection, receiver common.Address, bps int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.collection(collection)
	if err != nil {
		return err
	}
	if bps < 0 || bps > 10000 {
		return fmt.Errorf("royalty bps out of range: %d", bps)
	}
	n.royaltyReceiver = receiver
	n.royaltyBps = bps
	n.royaltyEnabled = true
	return nil
}

// RoyaltyInfo implements ERC-2981; ok=false when the collection has no royalty support
func (s *State) RoyaltyInfo(collection common.Address, _ *big.Int, salePrice *big.Int) (common.Address, *big.Int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, err := s.collection(collection)
	if err != nil || !n.royaltyEnabled {
		return common.Address{}, nil, false
	}
	amt := new(big.Int).Mul(salePrice, big.NewInt(n.royaltyBps))
	amt.Div(amt, big.NewInt(10000))
	return n.royaltyReceiver, amt, true
}

// Collections adapts the ERC-721 side of the chain to the custodian's NFT capability
type Collections struct{ s *State }

// Collections returns the NFT view of the chain
func (s *State) Collections() Collections { return Collections{s: s} }

func (c Collections) OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error) {
	return c.s.OwnerOf(collection, tokenID)
}

func (c Collections) IsApprovedOrOwner(collection, operator common.Address, tokenID *big.Int) (bool, error) {
	return c.s.IsApprovedOrOwner(collection, operator, tokenID)
}

func (c Collections) TransferFrom(collection, operator, from, to common.Address, tokenID *big.Int) error {
	return c.s.NFTTransferFrom(collection, operator, from, to, tokenID)
}
