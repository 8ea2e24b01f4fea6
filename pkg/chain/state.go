// Package chain is an in-memory hub chain hosting the ERC-20 and ERC-721
// contracts the marketplace trades.
//
// It stands in for the external token contracts on a devnet node and in tests.
// Every mutation is journaled, so Snapshot/RevertToSnapshot give the same
// all-or-nothing semantics an EVM gives a reverted transaction.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

var (
	ErrUnknownContract     = errors.New("unknown contract")
	ErrContractExists      = errors.New("contract already deployed")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInsufficientAllow   = errors.New("insufficient allowance")
	ErrNonexistentToken    = errors.New("nonexistent token")
	ErrNotTokenOwner       = errors.New("from is not the token owner")
	ErrNotAuthorized       = errors.New("caller is not owner nor approved")
	ErrZeroAddress         = errors.New("zero address")
)

// State holds every deployed contract
// All methods are safe for concurrent use.
type State struct {
	mu sync.RWMutex

	tokens map[common.Address]*ERC20
	nfts   map[common.Address]*ERC721

	journal   []func()
	revisions []revision
	nextRevID int
}

type revision struct {
	id           int
	journalIndex int
}

// NewState creates an empty chain
func NewState() *State {
	return &State{
		tokens: make(map[common.Address]*ERC20),
		nfts:   make(map[common.Address]*ERC721),
	}
}

// Snapshot returns an identifier for the current state revision
func (s *State) Snapshot() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextRevID
	s.nextRevID++
	s.revisions = append(s.revisions, revision{id: id, journalIndex: len(s.journal)})
	return id
}

// RevertToSnapshot undoes every change made since the snapshot was taken
func (s *State) RevertToSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.revisions), func(i int) bool { return s.revisions[i].id >= id })
	if idx == len(s.revisions) || s.revisions[idx].id != id {
		panic(fmt.Errorf("revision id %v cannot be reverted", id))
	}
	target := s.revisions[idx].journalIndex

	for i := len(s.journal) - 1; i >= target; i-- {
		s.journal[i]()
	}
	s.journal = s.journal[:target]
	s.revisions = s.revisions[:idx]
}

// DiscardSnapshot forgets the revision and every later one, keeping their changes
func (s *State) DiscardSnapshot(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := sort.Search(len(s.revisions), func(i int) bool { return s.revisions[i].id >= id })
	s.revisions = s.revisions[:idx]
	if len(s.revisions) == 0 {
		s.journal = s.journal[:0]
	}
}

// record appends an undo step (caller holds the lock)
func (s *State) record(undo func()) {
	if len(s.revisions) == 0 {
		// Nothing can revert past this point; keep the journal empty
		return
	}
	s.journal = append(s.journal, undo)
}

// ============================================================================
// Deployment
// ============================================================================

// DeployERC20 registers a fungible token contract at addr
func (s *State) DeployERC20(addr common.Address, name, symbol string, decimals uint8) (*ERC20, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrContractExists, addr.Hex())
	}
	if _, ok := s.nfts[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrContractExists, addr.Hex())
	}
	t := newERC20(addr, name, symbol, decimals)
	s.tokens[addr] = t
	return t, nil
}

// DeployERC721 registers an NFT collection at addr
func (s *State) DeployERC721(addr common.Address, name, symbol string) (*ERC721, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nfts[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrContractExists, addr.Hex())
	}
	if _, ok := s.tokens[addr]; ok {
		return nil, fmt.Errorf("%w: %s", ErrContractExists, addr.Hex())
	}
	n := newERC721(addr, name, symbol)
	s.nfts[addr] = n
	return n, nil
}

func (s *State) token(addr common.Address) (*ERC20, error) {
	t, ok := s.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%w: erc20 %s", ErrUnknownContract, addr.Hex())
	}
	return t, nil
}

func (s *State) collection(addr common.Address) (*ERC721, error) {
	n, ok := s.nfts[addr]
	if !ok {
		return nil, fmt.Errorf("%w: erc721 %s", ErrUnknownContract, addr.Hex())
	}
	return n, nil
}
