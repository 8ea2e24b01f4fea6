// Package custody moves NFTs and fungible tokens in and out of marketplace escrow.
//
// The custodian never keeps state between actions. Each marketplace action opens
// a Session, performs its transfer legs through it, and finishes with Commit or
// Abort. Abort undoes every leg of the session: through the backend snapshot when
// the hub chain supports one, otherwise through compensating transfers.
package custody

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
)

// NFTs is the ERC-721 capability the marketplace needs
type NFTs interface {
	OwnerOf(collection common.Address, tokenID *big.Int) (common.Address, error)
	IsApprovedOrOwner(collection, operator common.Address, tokenID *big.Int) (bool, error)
	TransferFrom(collection, operator, from, to common.Address, tokenID *big.Int) error
}

// Tokens is the ERC-20 capability the marketplace needs
type Tokens interface {
	BalanceOf(token, owner common.Address) *big.Int
	Allowance(token, owner, spender common.Address) *big.Int
	TransferFrom(token, spender, from, to common.Address, amount *big.Int) error
	Transfer(token, from, to common.Address, amount *big.Int) error
}

// Snapshotter is implemented by backends that can revert all transfers since a
// snapshot, the way an EVM reverts a failed transaction
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int)
	DiscardSnapshot(id int)
}

// Custodian performs escrow transfers on behalf of the marketplace account
type Custodian struct {
	holder common.Address
	nfts   NFTs
	tokens Tokens
	snap   Snapshotter
}

// New creates a custodian holding assets at the marketplace address.
// snap may be nil, in which case Abort falls back to compensating transfers.
func New(holder common.Address, nfts NFTs, tokens Tokens, snap Snapshotter) *Custodian {
	return &Custodian{holder: holder, nfts: nfts, tokens: tokens, snap: snap}
}

// Holder is the escrow account
func (c *Custodian) Holder() common.Address { return c.holder }

// NFTs exposes the NFT capability for read-only checks (ownership, approval)
func (c *Custodian) NFTs() NFTs { return c.nfts }

// Tokens exposes the token capability for read-only checks
func (c *Custodian) Tokens() Tokens { return c.tokens }

// Prepaid is value already sitting in escrow on behalf of From
// (the value attached to a cross-chain call). CustodyTokens consumes it before
// pulling with transferFrom.
type Prepaid struct {
	Token     common.Address
	From      common.Address
	Remaining *big.Int
}

// NewPrepaid creates a prepaid balance
func NewPrepaid(token, from common.Address, amount *big.Int) *Prepaid {
	rem := new(big.Int)
	if amount != nil {
		rem.Set(amount)
	}
	return &Prepaid{Token: token, From: from, Remaining: rem}
}

type legKind int

const (
	legCustodyNFT legKind = iota
	legReleaseNFT
	legCustodyTokens
	legPayTokens
	legPrepaid
)

func (k legKind) String() string {
	switch k {
	case legCustodyNFT:
		return "custodyNFT"
	case legReleaseNFT:
		return "releaseNFT"
	case legCustodyTokens:
		return "custodyTokens"
	case legPayTokens:
		return "payTokens"
	case legPrepaid:
		return "prepaid"
	}
	return "unknown"
}

type leg struct {
	kind     legKind
	contract common.Address
	party    common.Address
	value    *big.Int // tokenID or amount
}

// Session groups the transfer legs of one marketplace action
type Session struct {
	c       *Custodian
	prepaid *Prepaid

	snapshot    int
	hasSnapshot bool

	legs []leg
	done bool
}

// Begin opens a session. prepaid may be nil.
func (c *Custodian) Begin(prepaid *Prepaid) *Session {
	s := &Session{c: c, prepaid: prepaid}
	if c.snap != nil {
		s.snapshot = c.snap.Snapshot()
		s.hasSnapshot = true
	}
	return s
}

// CustodyNFT pulls tokenID from its owner into escrow
// The marketplace must be approved for the token
func (s *Session) CustodyNFT(collection common.Address, tokenID *big.Int, from common.Address) error {
	s.mustBeOpen()
	ok, err := s.c.nfts.IsApprovedOrOwner(collection, s.c.holder, tokenID)
	if err != nil {
		return marketerr.Wrap(marketerr.EscrowTransferFailed, "custodyNFT", err)
	}
	if !ok {
		return marketerr.New(marketerr.InsufficientAllowance, "custodyNFT",
			"marketplace not approved for %s #%s", collection.Hex(), tokenID)
	}
	if err := s.c.nfts.TransferFrom(collection, s.c.holder, from, s.c.holder, tokenID); err != nil {
		return marketerr.Wrap(marketerr.EscrowTransferFailed, "custodyNFT", err)
	}
	s.legs = append(s.legs, leg{kind: legCustodyNFT, contract: collection, party: from, value: tokenID})
	return nil
}

// ReleaseNFT sends an escrowed token to its new owner
func (s *Session) ReleaseNFT(collection common.Address, tokenID *big.Int, to common.Address) error {
	s.mustBeOpen()
	if err := s.c.nfts.TransferFrom(collection, s.c.holder, s.c.holder, to, tokenID); err != nil {
		return marketerr.Wrap(marketerr.EscrowTransferFailed, "releaseNFT", err)
	}
	s.legs = append(s.legs, leg{kind: legReleaseNFT, contract: collection, party: to, value: tokenID})
	return nil
}

// CustodyTokens moves amount of token from `from` into escrow
// Prepaid value for the same token and party is used first.
func (s *Session) CustodyTokens(token, from common.Address, amount *big.Int) error {
	s.mustBeOpen()
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}

	need := new(big.Int).Set(amount)
	if p := s.prepaid; p != nil && p.Token == token && p.From == from && p.Remaining.Sign() > 0 {
		used := minBig(p.Remaining, need)
		p.Remaining.Sub(p.Remaining, used)
		need.Sub(need, used)
		s.legs = append(s.legs, leg{kind: legPrepaid, contract: token, party: from, value: used})
	}
	if need.Sign() == 0 {
		return nil
	}

	allowance := s.c.tokens.Allowance(token, from, s.c.holder)
	if allowance == nil || allowance.Cmp(need) < 0 {
		return marketerr.New(marketerr.InsufficientAllowance, "custodyTokens",
			"allowance %s < %s of %s from %s", bigString(allowance), need, token.Hex(), from.Hex())
	}
	if err := s.c.tokens.TransferFrom(token, s.c.holder, from, s.c.holder, need); err != nil {
		return marketerr.Wrap(marketerr.EscrowTransferFailed, "custodyTokens", err)
	}
	s.legs = append(s.legs, leg{kind: legCustodyTokens, contract: token, party: from, value: need})
	return nil
}

// PayTokens sends escrowed tokens out
func (s *Session) PayTokens(token, to common.Address, amount *big.Int) error {
	s.mustBeOpen()
	if amount == nil || amount.Sign() <= 0 {
		return nil
	}
	if err := s.c.tokens.Transfer(token, s.c.holder, to, amount); err != nil {
		return marketerr.Wrap(marketerr.EscrowTransferFailed, "payTokens", err)
	}
	s.legs = append(s.legs, leg{kind: legPayTokens, contract: token, party: to, value: new(big.Int).Set(amount)})
	return nil
}

// Legs is the number of legs performed so far
func (s *Session) Legs() int { return len(s.legs) }

// Commit finalizes the session
func (s *Session) Commit() {
	s.mustBeOpen()
	s.done = true
	if s.hasSnapshot {
		s.c.snap.DiscardSnapshot(s.snapshot)
	}
}

// Abort undoes every leg of the session. Safe to call after Commit (no-op).
//
// Without a snapshot-capable backend, outbound payments cannot be clawed back;
// the returned error lists them so the caller can surface it.
func (s *Session) Abort() error {
	if s.done {
		return nil
	}
	s.done = true

	if s.hasSnapshot {
		s.c.snap.RevertToSnapshot(s.snapshot)
		s.restorePrepaid()
		return nil
	}

	var stuck []string
	for i := len(s.legs) - 1; i >= 0; i-- {
		l := s.legs[i]
		var err error
		switch l.kind {
		case legCustodyNFT:
			err = s.c.nfts.TransferFrom(l.contract, s.c.holder, s.c.holder, l.party, l.value)
		case legCustodyTokens:
			err = s.c.tokens.Transfer(l.contract, s.c.holder, l.party, l.value)
		case legPrepaid:
			// restored below
		default:
			err = fmt.Errorf("%s to %s is not reversible", l.kind, l.party.Hex())
		}
		if err != nil {
			stuck = append(stuck, fmt.Sprintf("%s %s: %v", l.kind, l.contract.Hex(), err))
		}
	}
	s.restorePrepaid()

	if len(stuck) > 0 {
		return fmt.Errorf("custody rollback incomplete: %v", stuck)
	}
	return nil
}

func (s *Session) restorePrepaid() {
	if s.prepaid == nil {
		return
	}
	for _, l := range s.legs {
		if l.kind == legPrepaid {
			s.prepaid.Remaining.Add(s.prepaid.Remaining, l.value)
		}
	}
}

func (s *Session) mustBeOpen() {
	if s.done {
		panic("custody: session already finished")
	}
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) < 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func bigString(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}
