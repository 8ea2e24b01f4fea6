package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
	"github.com/uhyunpark/eramarket/pkg/app/core/marketerr"
	"github.com/uhyunpark/eramarket/pkg/app/era"
	"github.com/uhyunpark/eramarket/pkg/metrics"
)

const maxCallBody = 64 << 10

// Server handles REST API and WebSocket connections
type Server struct {
	app    *era.App
	gw     *era.Gateway
	tokens TokenMeta
	router *mux.Router
	hub    *Hub
	faucet Faucet
	log    *zap.SugaredLogger

	allowedOrigins []string
}

// NewServer creates the API server and subscribes the hub to ledger events
// gw may be nil, in which case the gateway routes are not mounted.
func NewServer(app *era.App, gw *era.Gateway, tokens TokenMeta, allowedOrigins []string, log *zap.SugaredLogger) *Server {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Server{
		app:            app,
		gw:             gw,
		tokens:         tokens,
		router:         mux.NewRouter(),
		hub:            NewHub(log),
		log:            log,
		allowedOrigins: allowedOrigins,
	}
	app.Subscribe(s.broadcastEvent)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(metrics.Middleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/params", s.handleGetParams).Methods("GET")
	api.HandleFunc("/listings", s.handleGetListings).Methods("GET")
	api.HandleFunc("/listings/{id:[0-9]+}", s.handleGetListing).Methods("GET")
	api.HandleFunc("/listings/{id:[0-9]+}/offers", s.handleGetOffers).Methods("GET")
	api.HandleFunc("/listings/{id:[0-9]+}/offers/{index:[0-9]+}", s.handleGetOffer).Methods("GET")
	api.HandleFunc("/events", s.handleGetEvents).Methods("GET")
	api.HandleFunc("/escrow/{token}", s.handleGetEscrow).Methods("GET")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")

	if s.gw != nil {
		api.HandleFunc("/gateway/calls", s.handleSubmitCall).Methods("POST")
		api.HandleFunc("/gateway/receipts/{chain:[0-9]+}/{nonce:[0-9]+}", s.handleGetReceipt).Methods("GET")
	}

	s.router.HandleFunc("/ws", s.handleWebSocket)
	s.router.Handle("/metrics", metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
}

// Faucet seeds devnet accounts on the hub chain
type Faucet interface {
	Token() common.Address
	Collection() common.Address
	Fund(to common.Address, amount *big.Int) error
	MintNFT(to common.Address) (*big.Int, error)
}

// EnableFaucet mounts the devnet seeding routes
func (s *Server) EnableFaucet(f Faucet) {
	s.faucet = f
	devnet := s.router.PathPrefix("/api/v1/devnet").Subrouter()
	devnet.HandleFunc("/fund", s.handleFund).Methods("POST")
	devnet.HandleFunc("/nft", s.handleMintNFT).Methods("POST")
}

// Handler returns the router wrapped in CORS
func (s *Server) Handler() http.Handler {
	origins := s.allowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Start serves until ctx is canceled
func (s *Server) Start(ctx context.Context, addr string) error {
	go s.hub.Run(ctx)

	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Infow("api_listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// ==============================
// REST Handlers
// ==============================

func (s *Server) handleGetParams(w http.ResponseWriter, r *http.Request) {
	cfg := s.app.Ledger().Config()
	info := ParamsInfo{
		FeeBasisPoints:           cfg.Params.FeeBasisPoints,
		CollateralFeeBasisPoints: cfg.Params.CollateralFeeBasisPoints,
		FeePercent:               bpsPercent(cfg.Params.FeeBasisPoints),
		CollateralFeePercent:     bpsPercent(cfg.Params.CollateralFeeBasisPoints),
		Marketplace:              cfg.Params.Marketplace.Hex(),
		Treasury:                 cfg.Params.Treasury.Hex(),
		MaxOpenOffers:            cfg.MaxOpenOffers,
		PageLimit:                cfg.PageLimit,
	}
	if cfg.MintCollection != (common.Address{}) {
		info.MintCollection = cfg.MintCollection.Hex()
	}
	respondJSON(w, info)
}

func (s *Server) handleGetListings(w http.ResponseWriter, r *http.Request) {
	l := s.app.Ledger()
	start, limit, err := pageArgs(r, l.Config().PageLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", "", err.Error())
		return
	}
	total := l.ListingCount()
	page := Page[ListingInfo]{Items: []ListingInfo{}, Total: total, Start: start}
	for id := start; id < total && len(page.Items) < limit; id++ {
		lst, err := l.Listing(id)
		if err != nil {
			s.respondErr(w, err)
			return
		}
		n, _ := l.OfferCount(id)
		page.Items = append(page.Items, s.listingInfo(lst, n))
	}
	respondJSON(w, page)
}

func (s *Server) handleGetListing(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	l := s.app.Ledger()
	lst, err := l.Listing(id)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	n, _ := l.OfferCount(id)
	respondJSON(w, s.listingInfo(lst, n))
}

func (s *Server) handleGetOffers(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	l := s.app.Ledger()
	start, limit, err := pageArgs(r, l.Config().PageLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", "", err.Error())
		return
	}
	offers, err := l.Offers(id, start, limit)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	total, _ := l.OfferCount(id)
	page := Page[OfferInfo]{Items: make([]OfferInfo, 0, len(offers)), Total: total, Start: start}
	for _, o := range offers {
		page.Items = append(page.Items, s.offerInfo(o))
	}
	respondJSON(w, page)
}

func (s *Server) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, _ := strconv.ParseUint(vars["id"], 10, 64)
	index, _ := strconv.ParseUint(vars["index"], 10, 64)
	o, err := s.app.Ledger().Offer(id, index)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	respondJSON(w, s.offerInfo(o))
}

func (s *Server) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	l := s.app.Ledger()
	from, limit, err := pageArgs(r, l.Config().PageLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid pagination", "", err.Error())
		return
	}
	market := l.Params().Marketplace
	events := l.Events(from, limit)
	page := Page[EventInfo]{Items: make([]EventInfo, 0, len(events)), Total: l.EventCount(), Start: from}
	for _, ev := range events {
		info := EventInfo{Event: ev}
		if lg, err := ev.Log(market); err == nil {
			for _, t := range lg.Topics {
				info.Topics = append(info.Topics, t.Hex())
			}
			info.Data = hexutil.Encode(lg.Data)
		}
		page.Items = append(page.Items, info)
	}
	respondJSON(w, page)
}

func (s *Server) handleGetEscrow(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["token"]
	if !common.IsHexAddress(raw) {
		respondError(w, http.StatusBadRequest, "invalid token address", "", raw)
		return
	}
	token := common.HexToAddress(raw)
	respondJSON(w, EscrowInfo{Token: token.Hex(), Held: s.amount(token, s.app.Ledger().EscrowHeld(token))})
}

func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	l := s.app.Ledger()
	_, ok := l.CheckEscrow()
	respondJSON(w, StatusInfo{
		Listings:         l.ListingCount(),
		Events:           l.EventCount(),
		StateHash:        l.StateHash().Hex(),
		EscrowConsistent: ok,
		Timestamp:        time.Now().UnixMilli(),
	})
}

func (s *Server) handleSubmitCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxCallBody+1))
	if err != nil {
		respondError(w, http.StatusBadRequest, "failed to read body", "", err.Error())
		return
	}
	if len(body) > maxCallBody {
		respondError(w, http.StatusRequestEntityTooLarge, "call too large", "", "")
		return
	}
	var call era.InboundCall
	if err := json.Unmarshal(body, &call); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON call", string(marketerr.MalformedPayload), err.Error())
		return
	}

	receipt, err := s.gw.Deliver(r.Context(), &call)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	s.log.Infow("call_delivered",
		"chain", call.SourceChainID,
		"nonce", call.Nonce,
		"action", receipt.Action,
		"applied", receipt.Applied,
	)
	respondJSON(w, receipt)
}

func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	chainID, _ := strconv.ParseUint(vars["chain"], 10, 64)
	nonce, _ := strconv.ParseUint(vars["nonce"], 10, 64)
	receipt, err := s.gw.Receipt(chainID, nonce)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if receipt == nil {
		respondError(w, http.StatusNotFound, "receipt not found", "", fmt.Sprintf("%d/%d", chainID, nonce))
		return
	}
	respondJSON(w, receipt)
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req FundRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON request", "", err.Error())
		return
	}
	if !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid account address", "", req.Account)
		return
	}
	amount, ok := new(big.Int).SetString(req.Amount, 10)
	if !ok || amount.Sign() <= 0 {
		respondError(w, http.StatusBadRequest, "amount must be a positive integer", "", req.Amount)
		return
	}
	account := common.HexToAddress(req.Account)
	if err := s.faucet.Fund(account, amount); err != nil {
		respondError(w, http.StatusBadRequest, "faucet failed", "", err.Error())
		return
	}
	token := s.faucet.Token()
	s.log.Infow("devnet_funded", "account", account.Hex(), "token", token.Hex(), "amount", amount.String())
	respondJSON(w, FundResponse{Account: account.Hex(), Token: token.Hex(), Amount: s.amount(token, amount)})
}

func (s *Server) handleMintNFT(w http.ResponseWriter, r *http.Request) {
	var req MintNFTRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxCallBody)).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON request", "", err.Error())
		return
	}
	if !common.IsHexAddress(req.Account) {
		respondError(w, http.StatusBadRequest, "invalid account address", "", req.Account)
		return
	}
	account := common.HexToAddress(req.Account)
	id, err := s.faucet.MintNFT(account)
	if err != nil {
		respondError(w, http.StatusBadRequest, "faucet failed", "", err.Error())
		return
	}
	collection := s.faucet.Collection()
	s.log.Infow("devnet_nft_minted", "account", account.Hex(), "collection", collection.Hex(), "token_id", id.String())
	respondJSON(w, MintNFTResponse{Account: account.Hex(), Collection: collection.Hex(), TokenID: id.String()})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"})
}

// ==============================
// Broadcast
// ==============================

func (s *Server) broadcastEvent(ev ledger.Event) {
	update := EventUpdate{Type: "event", Event: ev}
	s.hub.BroadcastToChannel("events", update)
	if ev.Kind != ledger.EventSignalStored && ev.Kind != ledger.EventMinted {
		s.hub.BroadcastToChannel(fmt.Sprintf("listing:%d", ev.ListingID), update)
	}
}

// ==============================
// Helper Functions
// ==============================

// pageArgs reads ?start=&limit= (or ?from= for events)
func pageArgs(r *http.Request, max int) (start uint64, limit int, err error) {
	q := r.URL.Query()
	raw := q.Get("start")
	if raw == "" {
		raw = q.Get("from")
	}
	if raw != "" {
		if start, err = strconv.ParseUint(raw, 10, 64); err != nil {
			return 0, 0, fmt.Errorf("start: %w", err)
		}
	}
	limit = max
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return 0, 0, fmt.Errorf("limit must be a positive integer")
		}
		if n < max {
			limit = n
		}
	}
	return start, limit, nil
}

func statusFor(code marketerr.Code) int {
	switch code {
	case marketerr.ListingNotFound, marketerr.OfferNotFound:
		return http.StatusNotFound
	case marketerr.ReplayedCall:
		return http.StatusConflict
	case marketerr.BadAttestation:
		return http.StatusUnauthorized
	case marketerr.NotOwner, marketerr.NotSeller, marketerr.Unauthorized:
		return http.StatusForbidden
	case marketerr.MintDisabled:
		return http.StatusNotImplemented
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) respondErr(w http.ResponseWriter, err error) {
	if errors.Is(err, context.Canceled) {
		respondError(w, http.StatusServiceUnavailable, "request canceled", "", err.Error())
		return
	}
	code, ok := marketerr.CodeOf(err)
	if !ok {
		s.log.Errorw("internal_error", "err", err)
		respondError(w, http.StatusInternalServerError, "internal error", "", err.Error())
		return
	}
	respondError(w, statusFor(code), string(code), string(code), err.Error())
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, error string, code string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   error,
		Code:    code,
		Message: message,
	})
}
