// Package ledger owns every Listing and Offer record of the marketplace.
//
// Each mutating operation runs as one unit: custody legs go through a
// custody.Session, record changes are staged in a ChangeSet, the store commits
// the change set, and only then is the in-memory view updated and the session
// committed. Any failure along the way aborts the session and leaves both the
// ledger and the hub chain as they were.
package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/custody"
	"github.com/uhyunpark/eramarket/pkg/app/core/fees"
	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
	"github.com/uhyunpark/eramarket/pkg/util"
)

// Minter mints the next token of a collection
type Minter interface {
	MintNFT(collection, to common.Address) (*big.Int, error)
}

// Ledger is the listing and offer book
type Ledger struct {
	mu sync.RWMutex

	cfg       Config
	custodian *custody.Custodian
	royalties fees.RoyaltyLookup
	minter    Minter
	store     Store
	clock     util.Clock
	log       *zap.SugaredLogger

	listings []*Listing          // index == id
	offers   map[uint64][]*Offer // listing id -> offers by index
	escrow   map[common.Address]*big.Int
	signals  map[common.Address]uint8
	events   []Event
	nextSeq  uint64

	// bound tags the next committed change set; see Bind
	bound     *Delivery
	boundUsed bool

	subs []Subscriber
}

// Option configures optional collaborators
type Option func(*Ledger)

// WithRoyalties sets the ERC-2981 lookup used at settlement
func WithRoyalties(r fees.RoyaltyLookup) Option { return func(l *Ledger) { l.royalties = r } }

// WithMinter enables Mint
func WithMinter(m Minter) Option { return func(l *Ledger) { l.minter = m } }

// WithStore persists every change set; without one the ledger is memory-only
func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

// WithClock overrides the wall clock used for timestamps
func WithClock(c util.Clock) Option { return func(l *Ledger) { l.clock = c } }

// WithLogger sets the logger
func WithLogger(log *zap.SugaredLogger) Option { return func(l *Ledger) { l.log = log } }

// New creates a ledger and loads persisted state from the store, if any
func New(cfg Config, custodian *custody.Custodian, opts ...Option) (*Ledger, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid params: %w", err)
	}
	if custodian.Holder() != cfg.Params.Marketplace {
		return nil, fmt.Errorf("custodian holds assets at %s, marketplace is %s",
			custodian.Holder().Hex(), cfg.Params.Marketplace.Hex())
	}
	if cfg.MaxOpenOffers <= 0 {
		cfg.MaxOpenOffers = DefaultConfig(cfg.Params).MaxOpenOffers
	}
	if cfg.PageLimit <= 0 {
		cfg.PageLimit = DefaultConfig(cfg.Params).PageLimit
	}

	l := &Ledger{
		cfg:       cfg,
		custodian: custodian,
		clock:     util.RealClock{},
		log:       zap.NewNop().Sugar(),
		offers:    make(map[uint64][]*Offer),
		escrow:    make(map[common.Address]*big.Int),
		signals:   make(map[common.Address]uint8),
	}
	for _, opt := range opts {
		opt(l)
	}

	if l.store != nil {
		st, err := l.store.LoadLedger()
		if err != nil {
			return nil, fmt.Errorf("load ledger: %w", err)
		}
		if st != nil {
			l.restore(st)
		}
	}
	return l, nil
}

func (l *Ledger) restore(st *State) {
	sort.Slice(st.Listings, func(i, j int) bool { return st.Listings[i].ID < st.Listings[j].ID })
	sort.Slice(st.Offers, func(i, j int) bool {
		a, b := st.Offers[i], st.Offers[j]
		if a.ListingID != b.ListingID {
			return a.ListingID < b.ListingID
		}
		return a.Index < b.Index
	})
	sort.Slice(st.Events, func(i, j int) bool { return st.Events[i].Seq < st.Events[j].Seq })

	l.apply(&ChangeSet{
		Listings:      st.Listings,
		Offers:        st.Offers,
		Events:        st.Events,
		Escrow:        st.Escrow,
		Signals:       st.Signals,
		NextListingID: st.NextListingID,
		NextEventSeq:  st.NextEventSeq,
	})
	l.log.Infow("ledger_restored",
		"listings", len(l.listings),
		"events", len(l.events),
		"escrow_tokens", len(l.escrow),
	)
}

// Subscribe registers fn for every committed event
func (l *Ledger) Subscribe(fn Subscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subs = append(l.subs, fn)
}

// ============================================================================
// Operation plumbing
// ============================================================================

type txn struct {
	l    *Ledger
	op   string
	sess *custody.Session
	now  int64

	listings []*Listing
	offers   []*Offer
	events   []Event
	escrow   map[common.Address]*big.Int
	signals  map[common.Address]uint8
	nextID   uint64
	nextSeq  uint64
}

func (tx *txn) putListing(lst *Listing) { tx.listings = append(tx.listings, lst) }
func (tx *txn) putOffer(o *Offer)       { tx.offers = append(tx.offers, o) }

func (tx *txn) emit(ev Event) {
	ev.Seq = tx.nextSeq
	ev.Timestamp = tx.now
	tx.nextSeq++
	tx.events = append(tx.events, ev)
}

// moveEscrow adds delta to the staged escrow book for token
func (tx *txn) moveEscrow(token common.Address, delta *big.Int) {
	cur, ok := tx.escrow[token]
	if !ok {
		cur = cloneBig(tx.l.escrow[token])
	}
	tx.escrow[token] = cur.Add(cur, delta)
}

func (tx *txn) changeSet() *ChangeSet {
	return &ChangeSet{
		Listings:      tx.listings,
		Offers:        tx.offers,
		Events:        tx.events,
		Escrow:        tx.escrow,
		Signals:       tx.signals,
		NextListingID: tx.nextID,
		NextEventSeq:  tx.nextSeq,
	}
}

// run executes fn as one atomic operation
func (l *Ledger) run(op string, prepaid *custody.Prepaid, fn func(tx *txn) error) error {
	l.mu.Lock()

	tx := &txn{
		l:       l,
		op:      op,
		sess:    l.custodian.Begin(prepaid),
		now:     l.clock.Now().Unix(),
		escrow:  make(map[common.Address]*big.Int),
		signals: make(map[common.Address]uint8),
		nextID:  uint64(len(l.listings)),
		nextSeq: l.nextSeq,
	}

	if err := fn(tx); err != nil {
		err = l.abort(tx, err)
		l.mu.Unlock()
		return err
	}

	cs := tx.changeSet()
	if l.store != nil {
		cs.Delivery = l.bound
		if err := l.store.CommitLedger(cs); err != nil {
			err = l.abort(tx, fmt.Errorf("%s: commit ledger: %w", op, err))
			l.mu.Unlock()
			return err
		}
		if l.bound != nil {
			l.bound, l.boundUsed = nil, true
		}
	}
	l.apply(cs)
	tx.sess.Commit()

	subs := append([]Subscriber(nil), l.subs...)
	l.mu.Unlock()

	for _, ev := range cs.Events {
		for _, fn := range subs {
			fn(ev)
		}
	}
	return nil
}

// Bind tags the next change set committed to the store with d, so the call
// and its effects are persisted in one write. The returned func detaches d
// and reports whether a commit carried it. Without a store nothing is carried.
// Callers serialize Bind with the operation it covers.
func (l *Ledger) Bind(d *Delivery) (unbind func() bool) {
	l.mu.Lock()
	l.bound, l.boundUsed = d, false
	l.mu.Unlock()
	return func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		used := l.boundUsed
		l.bound, l.boundUsed = nil, false
		return used
	}
}

// abort rolls the session back and returns cause, joined with the rollback
// failure when some legs could not be undone
func (l *Ledger) abort(tx *txn, cause error) error {
	if err := tx.sess.Abort(); err != nil {
		l.log.Errorw("custody_rollback_failed", "op", tx.op, "cause", cause, "err", err)
		return errors.Join(cause, fmt.Errorf("%s: %w", tx.op, err))
	}
	l.log.Debugw("operation_aborted", "op", tx.op, "legs", tx.sess.Legs(), "err", cause)
	return cause
}

// apply writes a committed change set into the in-memory view (caller holds the lock)
func (l *Ledger) apply(cs *ChangeSet) {
	for _, lst := range cs.Listings {
		switch {
		case lst.ID < uint64(len(l.listings)):
			l.listings[lst.ID] = lst
		case lst.ID == uint64(len(l.listings)):
			l.listings = append(l.listings, lst)
		default:
			panic(fmt.Sprintf("ledger: listing %d written out of order (have %d)", lst.ID, len(l.listings)))
		}
	}
	for _, o := range cs.Offers {
		book := l.offers[o.ListingID]
		switch {
		case o.Index < uint64(len(book)):
			book[o.Index] = o
		case o.Index == uint64(len(book)):
			book = append(book, o)
		default:
			panic(fmt.Sprintf("ledger: offer %d/%d written out of order", o.ListingID, o.Index))
		}
		l.offers[o.ListingID] = book
	}
	l.events = append(l.events, cs.Events...)
	for token, amt := range cs.Escrow {
		if amt.Sign() == 0 {
			delete(l.escrow, token)
			continue
		}
		l.escrow[token] = amt
	}
	for addr, v := range cs.Signals {
		l.signals[addr] = v
	}
	if cs.NextEventSeq > l.nextSeq {
		l.nextSeq = cs.NextEventSeq
	}
}

func (l *Ledger) listing(op string, id uint64) (*Listing, error) {
	if id >= uint64(len(l.listings)) {
		return nil, marketerr.New(marketerr.ListingNotFound, op, "listing %d", id)
	}
	return l.listings[id], nil
}

func (l *Ledger) offer(op string, id, index uint64) (*Offer, error) {
	book := l.offers[id]
	if index >= uint64(len(book)) {
		return nil, marketerr.New(marketerr.OfferNotFound, op, "offer %d on listing %d", index, id)
	}
	return book[index], nil
}

// ============================================================================
// Listing lifecycle
// ============================================================================

// List custodies the seller's NFT and opens a listing; returns the new id
func (l *Ledger) List(seller, nft common.Address, tokenID *big.Int, paymentToken common.Address, price *big.Int) (uint64, error) {
	const op = "list"
	if price == nil || price.Sign() <= 0 {
		return 0, marketerr.New(marketerr.InvalidPrice, op, "price must be positive")
	}
	if tokenID == nil || tokenID.Sign() < 0 {
		return 0, marketerr.New(marketerr.NotOwner, op, "invalid token id")
	}
	if seller == l.custodian.Holder() {
		// the holder owns every escrowed NFT on behalf of its seller
		return 0, marketerr.New(marketerr.NotOwner, op, "the marketplace cannot list")
	}

	var id uint64
	err := l.run(op, nil, func(tx *txn) error {
		owner, err := l.custodian.NFTs().OwnerOf(nft, tokenID)
		if err != nil {
			return marketerr.Wrap(marketerr.NotOwner, op, err)
		}
		if owner != seller {
			return marketerr.New(marketerr.NotOwner, op, "%s does not own %s #%s", seller.Hex(), nft.Hex(), tokenID)
		}
		if err := tx.sess.CustodyNFT(nft, tokenID, seller); err != nil {
			return err
		}

		id = tx.nextID
		tx.nextID++
		lst := &Listing{
			ID:           id,
			Seller:       seller,
			NFTContract:  nft,
			TokenID:      cloneBig(tokenID),
			PaymentToken: paymentToken,
			Price:        cloneBig(price),
			Active:       true,
			CreatedAt:    tx.now,
		}
		tx.putListing(lst)
		tx.emit(Event{
			Kind:         EventListed,
			ListingID:    id,
			Account:      seller,
			NFTContract:  nft,
			TokenID:      cloneBig(tokenID),
			PaymentToken: paymentToken,
			Amount:       cloneBig(price),
			Marketplace:  l.cfg.Params.Marketplace,
		})
		return nil
	})
	return id, err
}

// Delist returns the NFT to the seller and refunds every open offer
func (l *Ledger) Delist(caller common.Address, id uint64) error {
	const op = "delist"
	return l.run(op, nil, func(tx *txn) error {
		cur, err := l.listing(op, id)
		if err != nil {
			return err
		}
		if cur.Seller != caller {
			return marketerr.New(marketerr.NotSeller, op, "listing %d", id)
		}
		if !cur.Active {
			return marketerr.New(marketerr.ListingInactive, op, "listing %d", id)
		}

		if err := tx.sess.ReleaseNFT(cur.NFTContract, cur.TokenID, cur.Seller); err != nil {
			return err
		}
		if err := l.refundOpenOffers(tx, id, noSkip); err != nil {
			return err
		}

		lst := cur.Clone()
		lst.Active = false
		lst.Outcome = OutcomeDelisted
		lst.ClosedAt = tx.now
		tx.putListing(lst)
		tx.emit(Event{Kind: EventDelisted, ListingID: id, Account: caller})
		return nil
	})
}

// ChangePrice updates the ask; a zero paymentToken keeps the current one
func (l *Ledger) ChangePrice(caller common.Address, id uint64, paymentToken common.Address, price *big.Int) error {
	const op = "changePrice"
	return l.run(op, nil, func(tx *txn) error {
		cur, err := l.listing(op, id)
		if err != nil {
			return err
		}
		if cur.Seller != caller {
			return marketerr.New(marketerr.NotSeller, op, "listing %d", id)
		}
		if !cur.Active {
			return marketerr.New(marketerr.ListingInactive, op, "listing %d", id)
		}
		if price == nil || price.Sign() <= 0 {
			return marketerr.New(marketerr.InvalidPrice, op, "price must be positive")
		}

		lst := cur.Clone()
		lst.Price = cloneBig(price)
		if paymentToken != (common.Address{}) {
			lst.PaymentToken = paymentToken
		}
		tx.putListing(lst)
		tx.emit(Event{
			Kind:         EventPriceChanged,
			ListingID:    id,
			Account:      caller,
			PaymentToken: lst.PaymentToken,
			Amount:       cloneBig(lst.Price),
		})
		return nil
	})
}

// Buy settles a listing at its ask
//
// The buyer pays price + platform fee + collateral fee. The seller receives
// price - royalty, the treasury both fees and the collection's royalty
// receiver the royalty. prepaid may be nil.
func (l *Ledger) Buy(buyer common.Address, id uint64, prepaid *custody.Prepaid) (*fees.Quote, error) {
	const op = "buy"
	var quote *fees.Quote
	err := l.run(op, prepaid, func(tx *txn) error {
		cur, err := l.listing(op, id)
		if err != nil {
			return err
		}
		if !cur.Active {
			return marketerr.New(marketerr.ListingInactive, op, "listing %d", id)
		}

		p := l.cfg.Params
		recv, royalty := fees.ComputeRoyalty(l.royalties, cur.NFTContract, cur.TokenID, cur.Price)
		q, err := fees.QuotePurchase(cur.Price, p.FeeBasisPoints, p.CollateralFeeBasisPoints, recv, royalty)
		if err != nil {
			return err
		}

		// payouts go last: a compensating custodian cannot pull them back
		if err := tx.sess.CustodyTokens(cur.PaymentToken, buyer, q.Total); err != nil {
			return err
		}
		if err := tx.sess.ReleaseNFT(cur.NFTContract, cur.TokenID, buyer); err != nil {
			return err
		}
		if err := l.refundOpenOffers(tx, id, noSkip); err != nil {
			return err
		}

		lst := cur.Clone()
		lst.Active = false
		lst.Outcome = OutcomeSold
		lst.ClosedAt = tx.now
		tx.putListing(lst)
		tx.emit(Event{
			Kind:          EventItemPurchased,
			ListingID:     id,
			Account:       buyer,
			Counterparty:  cur.Seller,
			NFTContract:   cur.NFTContract,
			TokenID:       cloneBig(cur.TokenID),
			PaymentToken:  cur.PaymentToken,
			Amount:        cloneBig(cur.Price),
			PlatformFee:   q.PlatformFee,
			CollateralFee: q.CollateralFee,
			Royalty:       q.Royalty,
		})
		if err := l.payOut(tx, cur.PaymentToken, cur.Seller, q); err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

// payOut distributes a settled quote out of escrow
func (l *Ledger) payOut(tx *txn, token, seller common.Address, q *fees.Quote) error {
	if err := tx.sess.PayTokens(token, seller, q.SellerProceeds); err != nil {
		return err
	}
	if err := tx.sess.PayTokens(token, l.cfg.Params.Treasury, q.TreasuryFee()); err != nil {
		return err
	}
	return tx.sess.PayTokens(token, q.RoyaltyReceiver, q.Royalty)
}

// ============================================================================
// Offers
// ============================================================================

// MakeOffer escrows amount of token from the offerer against an active
// listing; returns the offer index. prepaid may be nil.
func (l *Ledger) MakeOffer(offerer common.Address, id uint64, token common.Address, amount *big.Int, prepaid *custody.Prepaid) (uint64, error) {
	const op = "makeOffer"
	var index uint64
	err := l.run(op, prepaid, func(tx *txn) error {
		cur, err := l.listing(op, id)
		if err != nil {
			return err
		}
		if !cur.Active {
			return marketerr.New(marketerr.ListingInactive, op, "listing %d", id)
		}
		if amount == nil || amount.Sign() <= 0 {
			return marketerr.New(marketerr.InvalidPrice, op, "offer amount must be positive")
		}
		if amount.BitLen() > 256 {
			return marketerr.New(marketerr.ArithmeticOverflow, op, "offer amount exceeds 256 bits")
		}
		book := l.offers[id]
		if open := countOpen(book); open >= l.cfg.MaxOpenOffers {
			return marketerr.New(marketerr.OfferLimitReached, op, "listing %d has %d open offers", id, open)
		}

		if err := tx.sess.CustodyTokens(token, offerer, amount); err != nil {
			return err
		}

		index = uint64(len(book))
		tx.putOffer(&Offer{
			ListingID:    id,
			Index:        index,
			Offerer:      offerer,
			PaymentToken: token,
			Amount:       cloneBig(amount),
			Escrowed:     cloneBig(amount),
			CreatedAt:    tx.now,
		})
		tx.moveEscrow(token, amount)
		tx.emit(Event{
			Kind:         EventOffered,
			ListingID:    id,
			OfferIndex:   index,
			Account:      offerer,
			PaymentToken: token,
			Amount:       cloneBig(amount),
		})
		return nil
	})
	return index, err
}

// AcceptOffer settles a listing against one of its offers
//
// The escrowed offer amount is the base: the seller receives it minus both
// fees and the royalty. Every other open offer on the listing is refunded.
func (l *Ledger) AcceptOffer(caller common.Address, id, index uint64) (*fees.Quote, error) {
	const op = "acceptOffer"
	var quote *fees.Quote
	err := l.run(op, nil, func(tx *txn) error {
		cur, err := l.listing(op, id)
		if err != nil {
			return err
		}
		if cur.Seller != caller {
			return marketerr.New(marketerr.NotSeller, op, "listing %d", id)
		}
		off, err := l.offer(op, id, index)
		if err != nil {
			return err
		}
		if off.Accepted {
			return marketerr.New(marketerr.OfferAlreadyAccepted, op, "offer %d on listing %d", index, id)
		}
		if !cur.Active || off.Refunded {
			return marketerr.New(marketerr.ListingInactive, op, "listing %d", id)
		}

		p := l.cfg.Params
		recv, royalty := fees.ComputeRoyalty(l.royalties, cur.NFTContract, cur.TokenID, off.Amount)
		q, err := fees.QuoteAcceptance(off.Amount, p.FeeBasisPoints, p.CollateralFeeBasisPoints, recv, royalty)
		if err != nil {
			return err
		}

		if err := tx.sess.ReleaseNFT(cur.NFTContract, cur.TokenID, off.Offerer); err != nil {
			return err
		}

		accepted := off.Clone()
		accepted.Accepted = true
		accepted.Escrowed = new(big.Int)
		tx.putOffer(accepted)
		tx.moveEscrow(off.PaymentToken, new(big.Int).Neg(off.Escrowed))

		lst := cur.Clone()
		lst.Active = false
		lst.Outcome = OutcomeSold
		lst.ClosedAt = tx.now
		tx.putListing(lst)

		tx.emit(Event{
			Kind:          EventOfferAccepted,
			ListingID:     id,
			OfferIndex:    index,
			Account:       off.Offerer,
			Counterparty:  cur.Seller,
			NFTContract:   cur.NFTContract,
			TokenID:       cloneBig(cur.TokenID),
			PaymentToken:  off.PaymentToken,
			Amount:        cloneBig(off.Amount),
			PlatformFee:   q.PlatformFee,
			CollateralFee: q.CollateralFee,
			Royalty:       q.Royalty,
		})
		if err := l.refundOpenOffers(tx, id, int64(index)); err != nil {
			return err
		}
		if err := l.payOut(tx, off.PaymentToken, cur.Seller, q); err != nil {
			return err
		}
		quote = q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return quote, nil
}

const noSkip = -1

// refundOpenOffers returns the escrow of every open offer on a closing listing
// The book is bounded by MaxOpenOffers, since offers only close with their listing.
func (l *Ledger) refundOpenOffers(tx *txn, id uint64, skip int64) error {
	for _, o := range l.offers[id] {
		if !o.Open() || int64(o.Index) == skip {
			continue
		}
		if err := tx.sess.PayTokens(o.PaymentToken, o.Offerer, o.Escrowed); err != nil {
			return err
		}
		refunded := o.Clone()
		refunded.Refunded = true
		refunded.Escrowed = new(big.Int)
		tx.putOffer(refunded)
		tx.moveEscrow(o.PaymentToken, new(big.Int).Neg(o.Escrowed))
		tx.emit(Event{
			Kind:         EventOfferRefunded,
			ListingID:    id,
			OfferIndex:   o.Index,
			Account:      o.Offerer,
			PaymentToken: o.PaymentToken,
			Amount:       cloneBig(o.Escrowed),
		})
	}
	return nil
}

func countOpen(book []*Offer) int {
	n := 0
	for _, o := range book {
		if o.Open() {
			n++
		}
	}
	return n
}

// ============================================================================
// Signal and mint
// ============================================================================

// StoreSignal records the sender's latest signal byte
func (l *Ledger) StoreSignal(sender common.Address, value uint8) error {
	return l.run("storeSignal", nil, func(tx *txn) error {
		tx.signals[sender] = value
		tx.emit(Event{Kind: EventSignalStored, Account: sender, Signal: value})
		return nil
	})
}

// Mint mints the next token of the configured collection to `to`
func (l *Ledger) Mint(to common.Address) (*big.Int, error) {
	const op = "mint"
	if l.minter == nil || l.cfg.MintCollection == (common.Address{}) {
		return nil, marketerr.New(marketerr.MintDisabled, op, "no mint collection configured")
	}
	var tokenID *big.Int
	err := l.run(op, nil, func(tx *txn) error {
		id, err := l.minter.MintNFT(l.cfg.MintCollection, to)
		if err != nil {
			return marketerr.Wrap(marketerr.EscrowTransferFailed, op, err)
		}
		tokenID = id
		tx.emit(Event{Kind: EventMinted, Account: to, NFTContract: l.cfg.MintCollection, TokenID: cloneBig(id)})
		return nil
	})
	return tokenID, err
}
