// Package era is the externally callable marketplace.
//
// App exposes the ledger operations to direct callers with caller checks, and
// runs inbound cross-chain calls through the dispatcher with the
// message-derived sender as identity. Every call is serialized.
package era

import (
	"math/big"
	"strconv"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/custody"
	"github.com/uhyunpark/eramarket/pkg/app/core/dispatch"
	"github.com/uhyunpark/eramarket/pkg/app/core/fees"
	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
	"github.com/uhyunpark/eramarket/pkg/metrics"
	"github.com/uhyunpark/eramarket/pkg/util"
)

// Depositor credits bridged value on the hub chain
type Depositor interface {
	Mint(token, to common.Address, amount *big.Int) error
}

// App is the marketplace facade
type App struct {
	mu sync.Mutex

	ledger     *ledger.Ledger
	custodian  *custody.Custodian
	dispatcher *dispatch.Dispatcher
	handler    *callHandler
	bridge     Depositor
	clock      util.Clock
	log        *zap.SugaredLogger
}

// NewApp wires a facade over l; bridge may be nil if calls never carry value
func NewApp(l *ledger.Ledger, c *custody.Custodian, bridge Depositor, log *zap.SugaredLogger) *App {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	h := &callHandler{l: l}
	a := &App{
		ledger:     l,
		custodian:  c,
		dispatcher: dispatch.New(h, log),
		handler:    h,
		bridge:     bridge,
		clock:      util.RealClock{},
		log:        log,
	}
	l.Subscribe(func(ev ledger.Event) { metrics.RecordEvent(string(ev.Kind)) })
	return a
}

// SetClock overrides the clock used for receipt timestamps
func (a *App) SetClock(c util.Clock) { a.clock = c }

// Ledger exposes the book for queries
func (a *App) Ledger() *ledger.Ledger { return a.ledger }

// Subscribe forwards committed ledger events to fn
func (a *App) Subscribe(fn ledger.Subscriber) { a.ledger.Subscribe(fn) }

// ============================================================================
// Direct surface
// ============================================================================

// List lists tokenID on behalf of seller, who must be the caller
func (a *App) List(caller, seller, nft common.Address, tokenID *big.Int, token common.Address, price *big.Int) (uint64, error) {
	if caller != seller {
		return 0, marketerr.New(marketerr.NotOwner, "list", "caller %s is not seller %s", caller.Hex(), seller.Hex())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.List(seller, nft, tokenID, token, price)
}

func (a *App) Delist(caller common.Address, id uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Delist(caller, id)
}

func (a *App) ChangePrice(caller common.Address, id uint64, token common.Address, price *big.Int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.ChangePrice(caller, id, token, price)
}

// Buy purchases a listing for buyer, who must be the caller
func (a *App) Buy(caller, buyer common.Address, id uint64) (*fees.Quote, error) {
	if caller != buyer {
		return nil, marketerr.New(marketerr.Unauthorized, "buy", "caller %s is not buyer %s", caller.Hex(), buyer.Hex())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Buy(buyer, id, nil)
}

// MakeOffer escrows amount from offerer, who must be the caller
func (a *App) MakeOffer(caller common.Address, id uint64, offerer, token common.Address, amount *big.Int) (uint64, error) {
	if caller != offerer {
		return 0, marketerr.New(marketerr.Unauthorized, "makeOffer", "caller %s is not offerer %s", caller.Hex(), offerer.Hex())
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.MakeOffer(offerer, id, token, amount, nil)
}

// AcceptOffer settles an offer; the ledger checks caller against the seller
func (a *App) AcceptOffer(caller common.Address, id, index uint64) (*fees.Quote, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.AcceptOffer(caller, id, index)
}

func (a *App) StoreSignal(caller common.Address, v uint8) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.StoreSignal(caller, v)
}

// Mint mints the next token of the configured collection to the caller
func (a *App) Mint(caller common.Address) (*big.Int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ledger.Mint(caller)
}

// ============================================================================
// Cross-chain surface
// ============================================================================

// OnCrossChainCall deposits the call's value, dispatches its message and
// returns what is left of the value to the sender. On failure nothing in the
// ledger changes and the whole value goes back.
func (a *App) OnCrossChainCall(call *InboundCall) *Receipt {
	a.mu.Lock()
	defer a.mu.Unlock()

	r := &Receipt{
		SourceChainID: call.SourceChainID,
		Nonce:         call.Nonce,
		Sender:        call.Sender,
		Token:         call.Token,
		Timestamp:     a.clock.Now().Unix(),
	}
	if err := call.Validate(); err != nil {
		a.reject(r, err)
		return r
	}
	if call.Sender == a.custodian.Holder() {
		a.reject(r, marketerr.New(marketerr.Unauthorized, "inbound", "sender is the marketplace"))
		return r
	}

	var prepaid *custody.Prepaid
	if call.HasValue() {
		if a.bridge == nil {
			a.reject(r, marketerr.New(marketerr.EscrowTransferFailed, "deposit", "no bridge configured for attached value"))
			return r
		}
		if err := a.bridge.Mint(call.Token, a.custodian.Holder(), call.Value); err != nil {
			a.reject(r, marketerr.Wrap(marketerr.EscrowTransferFailed, "deposit", err))
			return r
		}
		r.Deposited = new(big.Int).Set(call.Value)
		prepaid = custody.NewPrepaid(call.Token, call.Sender, call.Value)
	}

	// the ledger commit carries a provisional receipt, finalized by the gateway
	pending := *r
	pending.Applied = true
	if act, err := dispatch.Decode(call.Message); err == nil {
		pending.Action = act.Name()
	}
	unbind := a.ledger.Bind(&ledger.Delivery{SourceChainID: call.SourceChainID, Nonce: call.Nonce, Receipt: &pending})

	a.handler.result = ""
	action, err := a.dispatcher.Dispatch(dispatch.Context{Sender: call.Sender, Prepaid: prepaid}, call.Message)
	r.committed = unbind()
	if action != nil {
		r.Action = action.Name()
	}
	if err != nil {
		a.reject(r, err)
	} else {
		r.Applied = true
		r.Result = a.handler.result
	}

	if prepaid != nil && prepaid.Remaining.Sign() > 0 {
		if err := a.custodian.Tokens().Transfer(call.Token, a.custodian.Holder(), call.Sender, prepaid.Remaining); err != nil {
			// value stays with the marketplace; the receipt records what is owed
			a.log.Errorw("refund_failed",
				"chain", call.SourceChainID, "nonce", call.Nonce, "sender", call.Sender.Hex(),
				"amount", prepaid.Remaining.String(), "err", err)
		} else {
			r.Refunded = new(big.Int).Set(prepaid.Remaining)
		}
	}

	a.log.Infow("cross_chain_call",
		"chain", call.SourceChainID,
		"nonce", call.Nonce,
		"sender", call.Sender.Hex(),
		"action", r.Action,
		"applied", r.Applied,
		"code", r.Code,
		"refunded", bigOrZero(r.Refunded),
	)
	return r
}

func (a *App) reject(r *Receipt, err error) {
	r.Applied = false
	r.Error = err.Error()
	if code, ok := marketerr.CodeOf(err); ok {
		r.Code = code
	} else {
		r.Code = marketerr.EscrowTransferFailed
	}
}

func bigOrZero(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

// ============================================================================
// Dispatch handler
// ============================================================================

// callHandler runs decoded actions against the ledger as the message sender
type callHandler struct {
	l      *ledger.Ledger
	result string
}

var _ dispatch.Handler = (*callHandler)(nil)

func (h *callHandler) HandleSignal(c dispatch.Context, a dispatch.SignalAction) error {
	return h.l.StoreSignal(c.Sender, a.Value)
}

func (h *callHandler) HandleList(c dispatch.Context, a dispatch.ListAction) error {
	id, err := h.l.List(c.Sender, a.NFTContract, a.TokenIDBig(), a.PaymentToken, a.PriceBig())
	if err != nil {
		return err
	}
	h.result = strconv.FormatUint(id, 10)
	return nil
}

func (h *callHandler) HandleDelist(c dispatch.Context, a dispatch.DelistAction) error {
	return h.l.Delist(c.Sender, a.ListingID)
}

func (h *callHandler) HandleChangePrice(c dispatch.Context, a dispatch.ChangePriceAction) error {
	return h.l.ChangePrice(c.Sender, a.ListingID, a.PaymentToken, a.PriceBig())
}

func (h *callHandler) HandleBuy(c dispatch.Context, a dispatch.BuyAction) error {
	q, err := h.l.Buy(c.Sender, a.ListingID, c.Prepaid)
	if err != nil {
		return err
	}
	h.result = q.Total.String()
	return nil
}

func (h *callHandler) HandleMakeOffer(c dispatch.Context, a dispatch.MakeOfferAction) error {
	idx, err := h.l.MakeOffer(c.Sender, a.ListingID, a.Token, a.AmountBig(), c.Prepaid)
	if err != nil {
		return err
	}
	h.result = strconv.FormatUint(idx, 10)
	return nil
}

func (h *callHandler) HandleAcceptOffer(c dispatch.Context, a dispatch.AcceptOfferAction) error {
	q, err := h.l.AcceptOffer(c.Sender, a.ListingID, a.OfferIndex)
	if err != nil {
		return err
	}
	h.result = q.SellerProceeds.String()
	return nil
}

func (h *callHandler) HandleMint(c dispatch.Context, _ dispatch.MintAction) error {
	id, err := h.l.Mint(c.Sender)
	if err != nil {
		return err
	}
	h.result = id.String()
	return nil
}
