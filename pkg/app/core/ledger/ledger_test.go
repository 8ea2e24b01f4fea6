package ledger

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/uhyunpark/eramarket/pkg/app/core/custody"
	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
	"github.com/uhyunpark/eramarket/pkg/chain"
	"github.com/uhyunpark/eramarket/pkg/util"
)

var (
	market   = common.HexToAddress("0x000000000000000000000000000000000000AA01")
	treasury = common.HexToAddress("0x000000000000000000000000000000000000AA02")
	tokenA   = common.HexToAddress("0x000000000000000000000000000000000000A0A0")
	tokenB   = common.HexToAddress("0x000000000000000000000000000000000000B0B0")
	punks    = common.HexToAddress("0x000000000000000000000000000000000000C0C0")
	seller   = common.HexToAddress("0x1111111111111111111111111111111111111111")
	buyer    = common.HexToAddress("0x2222222222222222222222222222222222222222")
	offerer  = common.HexToAddress("0x3333333333333333333333333333333333333333")
	rival    = common.HexToAddress("0x4444444444444444444444444444444444444444")
	artist   = common.HexToAddress("0x5555555555555555555555555555555555555555")
)

type fixture struct {
	t     *testing.T
	chain *chain.State
	l     *Ledger
}

func testParams() Params {
	return Params{
		FeeBasisPoints:           250,
		CollateralFeeBasisPoints: 100,
		Marketplace:              market,
		Treasury:                 treasury,
	}
}

func newFixture(t *testing.T, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, func(st *chain.State) *custody.Custodian {
		return custody.New(market, st.Collections(), st, st)
	}, mutate, opts...)
}

func newFixtureWith(t *testing.T, custodian func(*chain.State) *custody.Custodian, mutate func(*Config), opts ...Option) *fixture {
	t.Helper()
	st := chain.NewState()
	for _, tok := range []common.Address{tokenA, tokenB} {
		if _, err := st.DeployERC20(tok, "Token", "TKN", 18); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := st.DeployERC721(punks, "Punks", "PUNK"); err != nil {
		t.Fatal(err)
	}
	// token ids 1, 2, 3 belong to the seller
	for i := 0; i < 3; i++ {
		if _, err := st.MintNFT(punks, seller); err != nil {
			t.Fatal(err)
		}
	}

	cfg := DefaultConfig(testParams())
	cfg.MintCollection = punks
	if mutate != nil {
		mutate(&cfg)
	}
	c := custodian(st)
	base := []Option{
		WithRoyalties(st),
		WithMinter(st),
		WithClock(util.NewManualClock(time.Unix(1700000000, 0))),
	}
	l, err := New(cfg, c, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	return &fixture{t: t, chain: st, l: l}
}

func (f *fixture) approveNFT(tokenID int64) {
	f.t.Helper()
	if err := f.chain.ApproveNFT(punks, seller, market, big.NewInt(tokenID)); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) fund(who, token common.Address, amount int64) {
	f.t.Helper()
	if err := f.chain.Mint(token, who, big.NewInt(amount)); err != nil {
		f.t.Fatal(err)
	}
	if err := f.chain.Approve(token, who, market, big.NewInt(amount)); err != nil {
		f.t.Fatal(err)
	}
}

func (f *fixture) list(tokenID int64, token common.Address, price int64) uint64 {
	f.t.Helper()
	f.approveNFT(tokenID)
	id, err := f.l.List(seller, punks, big.NewInt(tokenID), token, big.NewInt(price))
	if err != nil {
		f.t.Fatalf("list #%d: %v", tokenID, err)
	}
	return id
}

func (f *fixture) balance(token, who common.Address) int64 {
	return f.chain.BalanceOf(token, who).Int64()
}

func (f *fixture) owner(tokenID int64) common.Address {
	f.t.Helper()
	o, err := f.chain.OwnerOf(punks, big.NewInt(tokenID))
	if err != nil {
		f.t.Fatal(err)
	}
	return o
}

func (f *fixture) checkEscrow() {
	f.t.Helper()
	if tok, ok := f.l.CheckEscrow(); !ok {
		f.t.Fatalf("escrow book disagrees with open offers for %s", tok.Hex())
	}
	for _, tok := range []common.Address{tokenA, tokenB} {
		if held, onChain := f.l.EscrowHeld(tok), f.chain.BalanceOf(tok, market); held.Cmp(onChain) != 0 {
			f.t.Fatalf("escrow book %s != marketplace balance %s for %s", held, onChain, tok.Hex())
		}
	}
}

func lastEvent(l *Ledger) Event {
	evs := l.Events(0, 0)
	return evs[len(evs)-1]
}

func expectCode(t *testing.T, err error, want *marketerr.Error) {
	t.Helper()
	if !errors.Is(err, want) {
		t.Fatalf("expected %s, got %v", want.Code, err)
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	st := chain.NewState()
	c := custody.New(market, st.Collections(), st, st)

	p := testParams()
	p.FeeBasisPoints = 10001
	if _, err := New(DefaultConfig(p), c); err == nil {
		t.Errorf("expected error for fee bps above 10000")
	}

	p = testParams()
	p.Treasury = common.Address{}
	if _, err := New(DefaultConfig(p), c); err == nil {
		t.Errorf("expected error for missing treasury")
	}

	other := custody.New(treasury, st.Collections(), st, st)
	if _, err := New(DefaultConfig(testParams()), other); err == nil {
		t.Errorf("expected error when custodian holder differs from marketplace")
	}
}

func TestListCustodiesNFT(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)

	if id != 0 {
		t.Errorf("first listing id = %d, want 0", id)
	}
	if got := f.owner(1); got != market {
		t.Errorf("nft owner = %s, want marketplace", got.Hex())
	}
	lst, err := f.l.Listing(id)
	if err != nil {
		t.Fatal(err)
	}
	if !lst.Active || lst.Price.Int64() != 50 || lst.Seller != seller || lst.PaymentToken != tokenA {
		t.Errorf("unexpected listing %+v", lst)
	}
	if lst.CreatedAt != 1700000000 {
		t.Errorf("createdAt = %d", lst.CreatedAt)
	}

	ev := lastEvent(f.l)
	if ev.Kind != EventListed || ev.ListingID != 0 || ev.Marketplace != market || ev.Amount.Int64() != 50 {
		t.Errorf("unexpected event %+v", ev)
	}

	if id2 := f.list(2, tokenA, 70); id2 != 1 {
		t.Errorf("second listing id = %d, want 1", id2)
	}
}

func TestListValidation(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		name    string
		from    common.Address
		tokenID int64
		price   int64
		approve bool
		want    *marketerr.Error
	}{
		{"zero price", seller, 1, 0, true, marketerr.ErrInvalidPrice},
		{"negative price", seller, 1, -5, true, marketerr.ErrInvalidPrice},
		{"not owner", buyer, 1, 10, true, marketerr.ErrNotOwner},
		{"unknown token", seller, 99, 10, false, marketerr.ErrNotOwner},
		{"not approved", seller, 2, 10, false, marketerr.ErrInsufficientAllowance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.approve {
				f.approveNFT(tt.tokenID)
			}
			_, err := f.l.List(tt.from, punks, big.NewInt(tt.tokenID), tokenA, big.NewInt(tt.price))
			expectCode(t, err, tt.want)
		})
	}

	if n := f.l.ListingCount(); n != 0 {
		t.Errorf("failed lists created %d listings", n)
	}
	if f.owner(1) != seller || f.owner(2) != seller {
		t.Errorf("failed lists moved an nft")
	}
	if n := f.l.EventCount(); n != 0 {
		t.Errorf("failed lists emitted %d events", n)
	}
}

// list NFT #1 at 50 in token A, buyer pays exactly 50 + fees
func TestMarketplaceCannotList(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)

	// the marketplace owns the escrowed token on chain
	_, err := f.l.List(market, punks, big.NewInt(1), tokenB, big.NewInt(1))
	expectCode(t, err, marketerr.ErrNotOwner)

	if n := f.l.ListingCount(); n != 1 {
		t.Errorf("listings = %d, want 1", n)
	}
	if lst, _ := f.l.Listing(id); !lst.Active || lst.Seller != seller {
		t.Errorf("escrowed listing = %+v", lst)
	}
	if f.owner(1) != market {
		t.Errorf("nft left escrow")
	}
}

func TestBuyScenario(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)

	// 250 bps of 50 truncates to 1, 100 bps to 0
	f.fund(buyer, tokenA, 51)

	q, err := f.l.Buy(buyer, id, nil)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if q.Total.Int64() != 51 || q.PlatformFee.Int64() != 1 || q.CollateralFee.Int64() != 0 {
		t.Errorf("unexpected quote %+v", q)
	}

	if got := f.owner(1); got != buyer {
		t.Errorf("nft owner = %s, want buyer", got.Hex())
	}
	lst, _ := f.l.Listing(id)
	if lst.Active || lst.Outcome != OutcomeSold {
		t.Errorf("listing should be sold, got active=%v outcome=%s", lst.Active, lst.Outcome)
	}
	if f.balance(tokenA, seller) != 50 || f.balance(tokenA, treasury) != 1 || f.balance(tokenA, buyer) != 0 {
		t.Errorf("balances seller=%d treasury=%d buyer=%d", f.balance(tokenA, seller), f.balance(tokenA, treasury), f.balance(tokenA, buyer))
	}
	if f.balance(tokenA, market) != 0 {
		t.Errorf("marketplace kept %d", f.balance(tokenA, market))
	}

	ev := lastEvent(f.l)
	if ev.Kind != EventItemPurchased || ev.Account != buyer || ev.Counterparty != seller {
		t.Errorf("unexpected event %+v", ev)
	}
	f.checkEscrow()
}

func TestBuyPaysRoyalty(t *testing.T) {
	f := newFixture(t, nil)
	if err := f.chain.SetRoyalty(punks, artist, 1000); err != nil {
		t.Fatal(err)
	}
	id := f.list(1, tokenA, 1000)
	f.fund(buyer, tokenA, 1035)

	q, err := f.l.Buy(buyer, id, nil)
	if err != nil {
		t.Fatalf("buy: %v", err)
	}
	if q.Royalty.Int64() != 100 || q.RoyaltyReceiver != artist {
		t.Errorf("royalty = %s to %s", q.Royalty, q.RoyaltyReceiver.Hex())
	}
	if got := f.balance(tokenA, seller); got != 900 {
		t.Errorf("seller = %d, want 900", got)
	}
	if got := f.balance(tokenA, treasury); got != 35 {
		t.Errorf("treasury = %d, want 35", got)
	}
	if got := f.balance(tokenA, artist); got != 100 {
		t.Errorf("artist = %d, want 100", got)
	}

	sum := f.balance(tokenA, seller) + f.balance(tokenA, treasury) + f.balance(tokenA, artist)
	if sum != q.Total.Int64() {
		t.Errorf("paid out %d, buyer paid %s", sum, q.Total)
	}
}

func TestBuyInactiveLeavesBalances(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(buyer, tokenA, 51)
	if _, err := f.l.Buy(buyer, id, nil); err != nil {
		t.Fatal(err)
	}

	f.fund(rival, tokenA, 1000)
	before := []int64{f.balance(tokenA, rival), f.balance(tokenA, seller), f.balance(tokenA, treasury)}
	seq := f.l.EventCount()

	_, err := f.l.Buy(rival, id, nil)
	expectCode(t, err, marketerr.ErrListingInactive)

	after := []int64{f.balance(tokenA, rival), f.balance(tokenA, seller), f.balance(tokenA, treasury)}
	for i := range before {
		if before[i] != after[i] {
			t.Errorf("balance %d changed: %d -> %d", i, before[i], after[i])
		}
	}
	if f.l.EventCount() != seq {
		t.Errorf("failed buy emitted events")
	}

	_, err = f.l.Buy(rival, 42, nil)
	expectCode(t, err, marketerr.ErrListingNotFound)
}

func TestBuyWithoutAllowanceIsAtomic(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	if err := f.chain.Mint(tokenA, buyer, big.NewInt(51)); err != nil {
		t.Fatal(err)
	}
	hash := f.l.StateHash()

	_, err := f.l.Buy(buyer, id, nil)
	expectCode(t, err, marketerr.ErrInsufficientAllowance)

	if f.owner(1) != market {
		t.Errorf("nft left escrow")
	}
	if f.balance(tokenA, buyer) != 51 {
		t.Errorf("buyer balance changed")
	}
	if f.l.StateHash() != hash {
		t.Errorf("ledger state changed")
	}
}

// refuseNFTTo fails every NFT transfer to one recipient
type refuseNFTTo struct {
	custody.NFTs
	to common.Address
}

func (r refuseNFTTo) TransferFrom(collection, operator, from, to common.Address, tokenID *big.Int) error {
	if to == r.to {
		return errors.New("receiver rejects ERC-721 tokens")
	}
	return r.NFTs.TransferFrom(collection, operator, from, to, tokenID)
}

// refuseTokensTo fails every token transfer to one recipient
type refuseTokensTo struct {
	custody.Tokens
	to common.Address
}

func (r refuseTokensTo) Transfer(token, from, to common.Address, amount *big.Int) error {
	if to == r.to {
		return errors.New("recipient is blocked")
	}
	return r.Tokens.Transfer(token, from, to, amount)
}

func compensating(nfts func(*chain.State) custody.NFTs, tokens func(*chain.State) custody.Tokens) func(*chain.State) *custody.Custodian {
	return func(st *chain.State) *custody.Custodian {
		return custody.New(market, nfts(st), tokens(st), nil)
	}
}

func plainNFTs(st *chain.State) custody.NFTs     { return st.Collections() }
func plainTokens(st *chain.State) custody.Tokens { return st }

func TestFailedReleaseWithoutSnapshotPaysNobody(t *testing.T) {
	f := newFixtureWith(t, compensating(func(st *chain.State) custody.NFTs {
		return refuseNFTTo{st.Collections(), buyer}
	}, plainTokens), nil)
	id := f.list(1, tokenA, 50)
	f.fund(buyer, tokenA, 51)

	_, err := f.l.Buy(buyer, id, nil)
	expectCode(t, err, marketerr.ErrEscrowTransferFailed)
	if strings.Contains(err.Error(), "rollback") {
		t.Errorf("rollback should have been complete: %v", err)
	}

	if lst, _ := f.l.Listing(id); !lst.Active {
		t.Errorf("listing closed by failed purchase")
	}
	if f.owner(1) != market {
		t.Errorf("nft left escrow")
	}
	if f.balance(tokenA, seller) != 0 || f.balance(tokenA, treasury) != 0 {
		t.Errorf("paid out on failed purchase: seller=%d treasury=%d", f.balance(tokenA, seller), f.balance(tokenA, treasury))
	}
	if f.balance(tokenA, buyer) != 51 {
		t.Errorf("buyer balance = %d, want 51", f.balance(tokenA, buyer))
	}
	f.checkEscrow()
}

func TestFailedAcceptWithoutSnapshotPaysNobody(t *testing.T) {
	f := newFixtureWith(t, compensating(func(st *chain.State) custody.NFTs {
		return refuseNFTTo{st.Collections(), offerer}
	}, plainTokens), nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenA, 40)
	idx, err := f.l.MakeOffer(offerer, id, tokenA, big.NewInt(40), nil)
	if err != nil {
		t.Fatal(err)
	}

	_, err = f.l.AcceptOffer(seller, id, idx)
	expectCode(t, err, marketerr.ErrEscrowTransferFailed)
	if f.balance(tokenA, seller) != 0 || f.balance(tokenA, treasury) != 0 {
		t.Errorf("paid out on failed accept: seller=%d treasury=%d", f.balance(tokenA, seller), f.balance(tokenA, treasury))
	}
	if off, _ := f.l.Offer(id, idx); !off.Open() {
		t.Errorf("offer closed by failed accept: %+v", off)
	}
	if f.l.EscrowHeld(tokenA).Int64() != 40 {
		t.Errorf("escrow = %s, want 40", f.l.EscrowHeld(tokenA))
	}
	f.checkEscrow()
}

func TestIncompleteRollbackIsReported(t *testing.T) {
	f := newFixtureWith(t, compensating(plainNFTs, func(st *chain.State) custody.Tokens {
		return refuseTokensTo{st, treasury}
	}), nil)
	id := f.list(1, tokenA, 50)
	f.fund(buyer, tokenA, 51)

	// the seller is paid before the treasury payment fails; that leg cannot be undone
	_, err := f.l.Buy(buyer, id, nil)
	expectCode(t, err, marketerr.ErrEscrowTransferFailed)
	if !strings.Contains(err.Error(), "custody rollback incomplete") {
		t.Errorf("rollback failure not reported: %v", err)
	}
	if lst, _ := f.l.Listing(id); !lst.Active {
		t.Errorf("ledger recorded the failed purchase")
	}
}

func TestBuyUsesPrepaidValue(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)

	// value already deposited into the marketplace by the gateway
	if err := f.chain.Mint(tokenA, market, big.NewInt(60)); err != nil {
		t.Fatal(err)
	}
	pre := custody.NewPrepaid(tokenA, buyer, big.NewInt(60))

	if _, err := f.l.Buy(buyer, id, pre); err != nil {
		t.Fatalf("buy: %v", err)
	}
	if pre.Remaining.Int64() != 9 {
		t.Errorf("prepaid remaining = %s, want 9", pre.Remaining)
	}
	if f.owner(1) != buyer {
		t.Errorf("nft not delivered")
	}
	// 9 stays in the marketplace for the caller to refund
	if got := f.balance(tokenA, market); got != 9 {
		t.Errorf("marketplace balance = %d, want 9", got)
	}
}

// offerer proposes 999 of token B on listing #1, seller accepts (1, 0)
func TestAcceptOfferScenario(t *testing.T) {
	f := newFixture(t, nil)
	f.list(1, tokenA, 50)
	id := f.list(2, tokenA, 5000)
	if id != 1 {
		t.Fatalf("listing id = %d, want 1", id)
	}

	f.fund(offerer, tokenB, 999)
	f.fund(rival, tokenB, 500)
	idx, err := f.l.MakeOffer(offerer, 1, tokenB, big.NewInt(999), nil)
	if err != nil || idx != 0 {
		t.Fatalf("makeOffer: idx=%d err=%v", idx, err)
	}
	idx, err = f.l.MakeOffer(rival, 1, tokenB, big.NewInt(500), nil)
	if err != nil || idx != 1 {
		t.Fatalf("makeOffer: idx=%d err=%v", idx, err)
	}
	if held := f.l.EscrowHeld(tokenB); held.Int64() != 1499 {
		t.Errorf("escrow = %s, want 1499", held)
	}
	f.checkEscrow()

	q, err := f.l.AcceptOffer(seller, 1, 0)
	if err != nil {
		t.Fatalf("acceptOffer: %v", err)
	}

	o, _ := f.l.Offer(1, 0)
	if !o.Accepted || o.Escrowed.Sign() != 0 {
		t.Errorf("offer 0 = %+v, want accepted with nothing escrowed", o)
	}
	if f.owner(2) != offerer {
		t.Errorf("nft owner = %s, want offerer", f.owner(2).Hex())
	}
	lst, _ := f.l.Listing(1)
	if lst.Active || lst.Outcome != OutcomeSold {
		t.Errorf("listing 1 still active")
	}

	other, _ := f.l.Offer(1, 1)
	if !other.Refunded || other.Accepted {
		t.Errorf("offer 1 = %+v, want refunded", other)
	}
	if f.balance(tokenB, rival) != 500 {
		t.Errorf("rival refund = %d, want 500", f.balance(tokenB, rival))
	}

	// 999 * 250 / 10000 = 24, 999 * 100 / 10000 = 9
	if q.PlatformFee.Int64() != 24 || q.CollateralFee.Int64() != 9 {
		t.Errorf("fees = %s / %s", q.PlatformFee, q.CollateralFee)
	}
	if f.balance(tokenB, seller) != 966 || f.balance(tokenB, treasury) != 33 {
		t.Errorf("seller=%d treasury=%d", f.balance(tokenB, seller), f.balance(tokenB, treasury))
	}
	if held := f.l.EscrowHeld(tokenB); held.Sign() != 0 {
		t.Errorf("escrow = %s, want 0", held)
	}
	f.checkEscrow()

	var kinds []EventKind
	for _, ev := range f.l.Events(0, 0) {
		kinds = append(kinds, ev.Kind)
	}
	want := []EventKind{EventListed, EventListed, EventOffered, EventOffered, EventOfferAccepted, EventOfferRefunded}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, kinds[i], want[i])
		}
	}

	// the other listing is untouched
	if first, _ := f.l.Listing(0); !first.Active {
		t.Errorf("listing 0 should still be active")
	}
}

func TestAcceptOfferTwice(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenB, 100)
	if _, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(100), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.l.AcceptOffer(seller, id, 0); err != nil {
		t.Fatal(err)
	}

	balances := func() [4]int64 {
		return [4]int64{f.balance(tokenB, seller), f.balance(tokenB, offerer), f.balance(tokenB, treasury), f.balance(tokenB, market)}
	}
	before := balances()

	_, err := f.l.AcceptOffer(seller, id, 0)
	expectCode(t, err, marketerr.ErrOfferAlreadyAccepted)
	if balances() != before {
		t.Errorf("balances changed: %v -> %v", before, balances())
	}
}

func TestAcceptOfferChecks(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenB, 100)
	if _, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(100), nil); err != nil {
		t.Fatal(err)
	}

	_, err := f.l.AcceptOffer(buyer, id, 0)
	expectCode(t, err, marketerr.ErrNotSeller)

	_, err = f.l.AcceptOffer(seller, id, 7)
	expectCode(t, err, marketerr.ErrOfferNotFound)

	_, err = f.l.AcceptOffer(seller, 9, 0)
	expectCode(t, err, marketerr.ErrListingNotFound)

	if err := f.l.Delist(seller, id); err != nil {
		t.Fatal(err)
	}
	_, err = f.l.AcceptOffer(seller, id, 0)
	expectCode(t, err, marketerr.ErrListingInactive)
}

func TestOfferIndicesInCallOrder(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenA, 1000)

	for want := uint64(0); want < 5; want++ {
		got, err := f.l.MakeOffer(offerer, id, tokenA, big.NewInt(int64(10+want)), nil)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("offer index = %d, want %d", got, want)
		}
	}

	all, err := f.l.Offers(id, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for i, o := range all {
		if o.Index != uint64(i) || o.Amount.Int64() != int64(10+i) {
			t.Errorf("offer %d = %+v", i, o)
		}
	}
	f.checkEscrow()
}

func TestMakeOfferValidation(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MaxOpenOffers = 2 })
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenB, 1000)

	_, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(0), nil)
	expectCode(t, err, marketerr.ErrInvalidPrice)

	_, err = f.l.MakeOffer(offerer, 5, tokenB, big.NewInt(1), nil)
	expectCode(t, err, marketerr.ErrListingNotFound)

	_, err = f.l.MakeOffer(rival, id, tokenB, big.NewInt(1), nil)
	expectCode(t, err, marketerr.ErrInsufficientAllowance)

	for i := 0; i < 2; i++ {
		if _, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(10), nil); err != nil {
			t.Fatal(err)
		}
	}
	_, err = f.l.MakeOffer(offerer, id, tokenB, big.NewInt(10), nil)
	expectCode(t, err, marketerr.ErrOfferLimitReached)

	if err := f.l.Delist(seller, id); err != nil {
		t.Fatal(err)
	}
	_, err = f.l.MakeOffer(offerer, id, tokenB, big.NewInt(10), nil)
	expectCode(t, err, marketerr.ErrListingInactive)
	if f.balance(tokenB, offerer) != 1000 {
		t.Errorf("offerer should have been fully refunded, has %d", f.balance(tokenB, offerer))
	}
}

func TestDelistRefundsOffers(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenA, 30)
	f.fund(rival, tokenB, 40)
	if _, err := f.l.MakeOffer(offerer, id, tokenA, big.NewInt(30), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := f.l.MakeOffer(rival, id, tokenB, big.NewInt(40), nil); err != nil {
		t.Fatal(err)
	}

	expectCode(t, f.l.Delist(buyer, id), marketerr.ErrNotSeller)

	if err := f.l.Delist(seller, id); err != nil {
		t.Fatalf("delist: %v", err)
	}
	if f.owner(1) != seller {
		t.Errorf("nft not returned to seller")
	}
	if f.balance(tokenA, offerer) != 30 || f.balance(tokenB, rival) != 40 {
		t.Errorf("offers not refunded")
	}
	lst, _ := f.l.Listing(id)
	if lst.Active || lst.Outcome != OutcomeDelisted || lst.ClosedAt == 0 {
		t.Errorf("unexpected listing %+v", lst)
	}
	f.checkEscrow()

	expectCode(t, f.l.Delist(seller, id), marketerr.ErrListingInactive)
}

func TestBuyRefundsOpenOffers(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenB, 20)
	if _, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(20), nil); err != nil {
		t.Fatal(err)
	}
	f.fund(buyer, tokenA, 51)
	if _, err := f.l.Buy(buyer, id, nil); err != nil {
		t.Fatal(err)
	}
	if f.balance(tokenB, offerer) != 20 {
		t.Errorf("offer not refunded on sale")
	}
	o, _ := f.l.Offer(id, 0)
	if !o.Refunded {
		t.Errorf("offer should be marked refunded")
	}
	f.checkEscrow()
}

func TestChangePrice(t *testing.T) {
	f := newFixture(t, nil)
	id := f.list(1, tokenA, 50)

	expectCode(t, f.l.ChangePrice(buyer, id, tokenA, big.NewInt(10)), marketerr.ErrNotSeller)
	expectCode(t, f.l.ChangePrice(seller, id, tokenA, big.NewInt(0)), marketerr.ErrInvalidPrice)

	if err := f.l.ChangePrice(seller, id, common.Address{}, big.NewInt(80)); err != nil {
		t.Fatal(err)
	}
	lst, _ := f.l.Listing(id)
	if lst.Price.Int64() != 80 || lst.PaymentToken != tokenA {
		t.Errorf("zero token should keep the payment token: %+v", lst)
	}

	if err := f.l.ChangePrice(seller, id, tokenB, big.NewInt(90)); err != nil {
		t.Fatal(err)
	}
	lst, _ = f.l.Listing(id)
	if lst.Price.Int64() != 90 || lst.PaymentToken != tokenB {
		t.Errorf("unexpected listing %+v", lst)
	}
	if ev := lastEvent(f.l); ev.Kind != EventPriceChanged || ev.Amount.Int64() != 90 {
		t.Errorf("unexpected event %+v", ev)
	}

	// new rate applies at purchase time: 90 + 2 + 0
	f.fund(buyer, tokenB, 92)
	if _, err := f.l.Buy(buyer, id, nil); err != nil {
		t.Fatalf("buy at new price: %v", err)
	}
	expectCode(t, f.l.ChangePrice(seller, id, tokenA, big.NewInt(10)), marketerr.ErrListingInactive)
}

func TestSignalAndMint(t *testing.T) {
	f := newFixture(t, nil)

	if err := f.l.StoreSignal(buyer, 7); err != nil {
		t.Fatal(err)
	}
	if v, ok := f.l.Signal(buyer); !ok || v != 7 {
		t.Errorf("signal = %d, %v", v, ok)
	}
	if _, ok := f.l.Signal(seller); ok {
		t.Errorf("seller has no signal")
	}

	id, err := f.l.Mint(buyer)
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if id.Int64() != 4 {
		t.Errorf("minted id = %s, want 4", id)
	}
	if f.owner(4) != buyer {
		t.Errorf("minted token not owned by buyer")
	}
	if ev := lastEvent(f.l); ev.Kind != EventMinted || ev.TokenID.Int64() != 4 {
		t.Errorf("unexpected event %+v", ev)
	}
}

func TestMintNotConfigured(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.MintCollection = common.Address{} })
	_, err := f.l.Mint(buyer)
	expectCode(t, err, marketerr.ErrMintDisabled)
	if errors.Is(err, marketerr.ErrUnknownAction) {
		t.Errorf("disabled mint reported as an unknown action")
	}
}

func TestOffersPagination(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.PageLimit = 2 })
	id := f.list(1, tokenA, 50)
	f.fund(offerer, tokenA, 100)
	for i := 0; i < 5; i++ {
		if _, err := f.l.MakeOffer(offerer, id, tokenA, big.NewInt(1), nil); err != nil {
			t.Fatal(err)
		}
	}

	page, _ := f.l.Offers(id, 0, 10)
	if len(page) != 2 {
		t.Errorf("page clamped to %d, want 2", len(page))
	}
	page, _ = f.l.Offers(id, 4, 2)
	if len(page) != 1 || page[0].Index != 4 {
		t.Errorf("tail page = %+v", page)
	}
	page, _ = f.l.Offers(id, 9, 2)
	if len(page) != 0 {
		t.Errorf("past the end should be empty")
	}
	if _, err := f.l.Offers(3, 0, 1); !IsNotFound(err) {
		t.Errorf("expected not found, got %v", err)
	}

	if evs := f.l.Events(3, 0); len(evs) != 2 || evs[0].Seq != 3 {
		t.Errorf("events page = %+v", evs)
	}
}

func TestSubscribeSeesCommittedEvents(t *testing.T) {
	f := newFixture(t, nil)
	var seen []EventKind
	f.l.Subscribe(func(ev Event) { seen = append(seen, ev.Kind) })

	f.list(1, tokenA, 50)
	_, _ = f.l.Buy(buyer, 0, nil) // fails, no allowance

	if len(seen) != 1 || seen[0] != EventListed {
		t.Errorf("seen = %v, want [Listed]", seen)
	}
}

func TestEventLog(t *testing.T) {
	f := newFixture(t, nil)
	f.list(1, tokenA, 50)
	ev := lastEvent(f.l)

	lg, err := ev.Log(market)
	if err != nil {
		t.Fatal(err)
	}
	sig := crypto.Keccak256Hash([]byte("Listed(uint256,address,address,uint256,address,uint256,address)"))
	if lg.Topics[0] != sig {
		t.Errorf("topic0 = %s, want %s", lg.Topics[0].Hex(), sig.Hex())
	}
	if len(lg.Topics) != 3 || common.BytesToAddress(lg.Topics[2].Bytes()) != seller {
		t.Errorf("unexpected topics %v", lg.Topics)
	}

	abiEv, _ := EventABI(EventListed)
	vals, err := abiEv.Inputs.NonIndexed().Unpack(lg.Data)
	if err != nil {
		t.Fatal(err)
	}
	if vals[0].(common.Address) != punks || vals[3].(*big.Int).Int64() != 50 || vals[4].(common.Address) != market {
		t.Errorf("unexpected data %v", vals)
	}

	for _, kind := range []EventKind{EventDelisted, EventPriceChanged, EventItemPurchased, EventOffered,
		EventOfferAccepted, EventOfferRefunded, EventSignalStored, EventMinted} {
		if _, err := (Event{Kind: kind}).Log(market); err != nil {
			t.Errorf("%s: %v", kind, err)
		}
	}
}

func TestStateHash(t *testing.T) {
	a := newFixture(t, nil)
	b := newFixture(t, nil)
	if a.l.StateHash() != b.l.StateHash() {
		t.Fatalf("empty ledgers differ")
	}
	a.list(1, tokenA, 50)
	if a.l.StateHash() == b.l.StateHash() {
		t.Fatalf("hash ignores listings")
	}
	b.list(1, tokenA, 50)
	if a.l.StateHash() != b.l.StateHash() {
		t.Fatalf("same history, different hash")
	}
}

// memStore keeps committed change sets for reload tests
type memStore struct {
	fail     error
	listings map[uint64]*Listing
	offers   map[[2]uint64]*Offer
	events   []Event
	escrow   map[common.Address]*big.Int
	signals  map[common.Address]uint8
	nextID   uint64
	nextSeq  uint64
}

func newMemStore() *memStore {
	return &memStore{
		listings: make(map[uint64]*Listing),
		offers:   make(map[[2]uint64]*Offer),
		escrow:   make(map[common.Address]*big.Int),
		signals:  make(map[common.Address]uint8),
	}
}

func (m *memStore) CommitLedger(cs *ChangeSet) error {
	if m.fail != nil {
		return m.fail
	}
	for _, l := range cs.Listings {
		m.listings[l.ID] = l.Clone()
	}
	for _, o := range cs.Offers {
		m.offers[[2]uint64{o.ListingID, o.Index}] = o.Clone()
	}
	m.events = append(m.events, cs.Events...)
	for t, v := range cs.Escrow {
		m.escrow[t] = new(big.Int).Set(v)
	}
	for a, v := range cs.Signals {
		m.signals[a] = v
	}
	m.nextID, m.nextSeq = cs.NextListingID, cs.NextEventSeq
	return nil
}

func (m *memStore) LoadLedger() (*State, error) {
	st := &State{Escrow: m.escrow, Signals: m.signals, NextListingID: m.nextID, NextEventSeq: m.nextSeq}
	for _, l := range m.listings {
		st.Listings = append(st.Listings, l.Clone())
	}
	for _, o := range m.offers {
		st.Offers = append(st.Offers, o.Clone())
	}
	st.Events = append(st.Events, m.events...)
	return st, nil
}

func TestReloadFromStore(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, nil, WithStore(store))
	id := f.list(1, tokenA, 50)
	f.list(2, tokenA, 60)
	f.fund(offerer, tokenB, 100)
	if _, err := f.l.MakeOffer(offerer, id, tokenB, big.NewInt(100), nil); err != nil {
		t.Fatal(err)
	}
	if err := f.l.StoreSignal(offerer, 3); err != nil {
		t.Fatal(err)
	}

	c := custody.New(market, f.chain.Collections(), f.chain, f.chain)
	reloaded, err := New(f.l.Config(), c, WithStore(store))
	if err != nil {
		t.Fatal(err)
	}
	if reloaded.StateHash() != f.l.StateHash() {
		t.Errorf("reloaded state hash differs")
	}
	if reloaded.ListingCount() != 2 || reloaded.EventCount() != f.l.EventCount() {
		t.Errorf("reloaded counts: listings=%d events=%d", reloaded.ListingCount(), reloaded.EventCount())
	}
	if held := reloaded.EscrowHeld(tokenB); held.Int64() != 100 {
		t.Errorf("reloaded escrow = %s", held)
	}

	// ids continue where they left off
	if err := f.chain.ApproveNFT(punks, seller, market, big.NewInt(3)); err != nil {
		t.Fatal(err)
	}
	next, err := reloaded.List(seller, punks, big.NewInt(3), tokenA, big.NewInt(1))
	if err != nil || next != 2 {
		t.Errorf("next id = %d (%v), want 2", next, err)
	}
}

func TestStoreFailureRollsBack(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, nil, WithStore(store))
	id := f.list(1, tokenA, 50)
	f.fund(buyer, tokenA, 51)

	store.fail = errors.New("disk full")
	if _, err := f.l.Buy(buyer, id, nil); err == nil {
		t.Fatalf("expected commit failure")
	}
	if f.owner(1) != market {
		t.Errorf("nft released despite failed commit")
	}
	if f.balance(tokenA, buyer) != 51 || f.balance(tokenA, seller) != 0 {
		t.Errorf("transfers not rolled back")
	}
	if lst, _ := f.l.Listing(id); !lst.Active {
		t.Errorf("listing closed despite failed commit")
	}
}
