package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ERC20 is a fungible token contract
type ERC20 struct {
	Address  common.Address
	Name     string
	Symbol   string
	Decimals uint8

	totalSupply *big.Int
	balances    map[common.Address]*big.Int
	allowances  map[common.Address]map[common.Address]*big.Int
}

func newERC20(addr common.Address, name, symbol string, decimals uint8) *ERC20 {
	return &ERC20{
		Address:     addr,
		Name:        name,
		Symbol:      symbol,
		Decimals:    decimals,
		totalSupply: new(big.Int),
		balances:    make(map[common.Address]*big.Int),
		allowances:  make(map[common.Address]map[common.Address]*big.Int),
	}
}

func (t *ERC20) balance(a common.Address) *big.Int {
	if b, ok := t.balances[a]; ok {
		return b
	}
	return new(big.Int)
}

func (t *ERC20) allowance(owner, spender common.Address) *big.Int {
	if m, ok := t.allowances[owner]; ok {
		if v, ok := m[spender]; ok {
			return v
		}
	}
	return new(big.Int)
}

// setBalance journals and writes a balance
func (s *State) setBalance(t *ERC20, a common.Address, v *big.Int) {
	prev, had := t.balances[a]
	s.record(func() {
		if had {
			t.balances[a] = prev
		} else {
			delete(t.balances, a)
		}
	})
	t.balances[a] = v
}

func (s *State) setAllowance(t *ERC20, owner, spender common.Address, v *big.Int) {
	m, ok := t.allowances[owner]
	if !ok {
		m = make(map[common.Address]*big.Int)
		t.allowances[owner] = m
	}
	prev, had := m[spender]
	s.record(func() {
		if had {
			m[spender] = prev
		} else {
			delete(m, spender)
		}
	})
	m[spender] = v
}

func (s *State) setSupply(t *ERC20, v *big.Int) {
	prev := t.totalSupply
	s.record(func() { t.totalSupply = prev })
	t.totalSupply = v
}

func (s *State) move(t *ERC20, from, to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	if amount.Sign() < 0 {
		return fmt.Errorf("negative amount %s", amount)
	}
	fromBal := t.balance(from)
	if fromBal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s has %s of %s, needs %s", ErrInsufficientBalance, from.Hex(), fromBal, t.Symbol, amount)
	}
	s.setBalance(t, from, new(big.Int).Sub(fromBal, amount))
	s.setBalance(t, to, new(big.Int).Add(t.balance(to), amount))
	return nil
}

// BalanceOf returns owner's balance (zero for unknown tokens)
func (s *State) BalanceOf(token, owner common.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.token(token)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.balance(owner))
}

// Allowance returns how much spender may pull from owner
func (s *State) Allowance(token, owner, spender common.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.token(token)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.allowance(owner, spender))
}

// TotalSupply of a token
func (s *State) TotalSupply(token common.Address) *big.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.token(token)
	if err != nil {
		return new(big.Int)
	}
	return new(big.Int).Set(t.totalSupply)
}

// TokenMeta returns a token's symbol and decimals
func (s *State) TokenMeta(token common.Address) (symbol string, decimals uint8, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.token(token)
	if err != nil {
		return "", 0, false
	}
	return t.Symbol, t.Decimals, true
}

// Approve sets spender's allowance over owner's tokens
func (s *State) Approve(token, owner, spender common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.token(token)
	if err != nil {
		return err
	}
	s.setAllowance(t, owner, spender, new(big.Int).Set(amount))
	return nil
}

// Transfer moves tokens from `from` (the caller) to `to`
func (s *State) Transfer(token, from, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.token(token)
	if err != nil {
		return err
	}
	return s.move(t, from, to, amount)
}

// TransferFrom moves tokens on behalf of `from`, spending spender's allowance
func (s *State) TransferFrom(token, spender, from, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.token(token)
	if err != nil {
		return err
	}
	allowed := t.allowance(from, spender)
	if spender != from && allowed.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s may spend %s, needs %s", ErrInsufficientAllow, spender.Hex(), allowed, amount)
	}
	if err := s.move(t, from, to, amount); err != nil {
		return err
	}
	if spender != from {
		s.setAllowance(t, from, spender, new(big.Int).Sub(allowed, amount))
	}
	return nil
}

// Mint credits new tokens (used by the gateway to deposit cross-chain value)
func (s *State) Mint(token, to common.Address, amount *big.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.token(token)
	if err != nil {
		return err
	}
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	s.setSupply(t, new(big.Int).Add(t.totalSupply, amount))
	s.setBalance(t, to, new(big.Int).Add(t.balance(to), amount))
	return nil
}
