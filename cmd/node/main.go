package main

import (
	"context"
	"errors"
	"log"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/eramarket/params"
	"github.com/uhyunpark/eramarket/pkg/api"
	"github.com/uhyunpark/eramarket/pkg/app/core/custody"
	"github.com/uhyunpark/eramarket/pkg/app/core/ledger"
	"github.com/uhyunpark/eramarket/pkg/app/era"
	"github.com/uhyunpark/eramarket/pkg/chain"
	"github.com/uhyunpark/eramarket/pkg/crypto"
	"github.com/uhyunpark/eramarket/pkg/storage"
	"github.com/uhyunpark/eramarket/pkg/util"
)

// nodeStore persists both the ledger and the gateway receipts
type nodeStore interface {
	ledger.Store
	era.CallStore
}

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("%v", err)
	}

	var logger *zap.Logger
	if cfg.Node.LogFile == "" {
		logger, err = util.NewLogger(cfg.Node.Verbose)
	} else {
		logger, err = util.NewLoggerWithFile(cfg.Node.LogFile, cfg.Node.Verbose)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile, "verbose", cfg.Node.Verbose)

	// ---- Hub chain (in-memory devnet) ----
	st, err := devnetChain(cfg)
	if err != nil {
		sugar.Fatalw("chain_init_failed", "err", err)
	}

	// ---- Storage ----
	var (
		store nodeStore
		wal   era.CallLog = storage.NewNopWAL()
	)
	if cfg.Node.DataDir == "" {
		store = storage.NewMemStore()
		sugar.Infow("storage_in_memory")
	} else {
		pebbleStore, err := storage.NewPebbleStore(filepath.Join(cfg.Node.DataDir, "ledger"))
		if err != nil {
			sugar.Fatalw("storage_open_failed", "dir", cfg.Node.DataDir, "err", err)
		}
		defer pebbleStore.Close()
		store = pebbleStore

		fileWAL, err := storage.NewFileWAL(filepath.Join(cfg.Node.DataDir, "calls.wal"))
		if err != nil {
			sugar.Fatalw("wal_open_failed", "err", err)
		}
		defer fileWAL.Close()
		wal = fileWAL
		sugar.Infow("storage_opened", "dir", cfg.Node.DataDir)
	}

	// ---- Marketplace ----
	lcfg := ledger.Config{
		Params: ledger.Params{
			FeeBasisPoints:           cfg.Market.FeeBasisPoints,
			CollateralFeeBasisPoints: cfg.Market.CollateralFeeBasisPoints,
			Marketplace:              cfg.Market.Address,
			Treasury:                 cfg.Market.Treasury,
		},
		MaxOpenOffers:  cfg.Ledger.MaxOpenOffers,
		PageLimit:      cfg.Ledger.PageLimit,
		MintCollection: cfg.Market.MintCollection,
	}
	custodian := custody.New(cfg.Market.Address, st.Collections(), st, st)
	book, err := ledger.New(lcfg, custodian,
		ledger.WithRoyalties(st),
		ledger.WithMinter(st),
		ledger.WithStore(store),
		ledger.WithLogger(sugar.Named("ledger")),
	)
	if err != nil {
		sugar.Fatalw("ledger_init_failed", "err", err)
	}
	if book.ListingCount() > 0 {
		// the devnet chain starts empty, so restored custody is not backed by balances
		sugar.Warnw("ledger_restored_over_fresh_chain", "listings", book.ListingCount(), "state_hash", book.StateHash().Hex())
	}

	app := era.NewApp(book, custodian, st, sugar.Named("era"))

	domain := crypto.DefaultDomain(cfg.Market.Address)
	domain.ChainID = big.NewInt(cfg.Gateway.ChainID)
	gw := era.NewGateway(app, store, wal, crypto.NewEIP712Signer(domain), era.GatewayConfig{
		Relayer:          cfg.Gateway.Relayer,
		RequireSignature: cfg.Gateway.RequireSignature,
	}, sugar.Named("gateway"))

	sugar.Infow("node_starting",
		"marketplace", cfg.Market.Address.Hex(),
		"treasury", cfg.Market.Treasury.Hex(),
		"fee_bps", cfg.Market.FeeBasisPoints,
		"collateral_fee_bps", cfg.Market.CollateralFeeBasisPoints,
		"mint_collection", cfg.Market.MintCollection.Hex(),
		"relayer", cfg.Gateway.Relayer.Hex(),
		"require_signature", cfg.Gateway.RequireSignature,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- API Server ----
	apiServer := api.NewServer(app, gw, st, cfg.Node.CORSOrigins, sugar.Named("api"))
	if cfg.Node.DevnetFaucet || len(cfg.Node.DevnetAccounts) > 0 {
		faucet := chain.NewFaucet(st, cfg.Node.DevnetToken, cfg.Node.DevnetCollection, cfg.Market.Address)
		if err := seedAccounts(faucet, cfg.Node.DevnetAccounts, cfg.Node.DevnetFundAmount, sugar); err != nil {
			sugar.Fatalw("devnet_seed_failed", "err", err)
		}
		if cfg.Node.DevnetFaucet {
			apiServer.EnableFaucet(faucet)
			sugar.Infow("devnet_faucet_enabled", "token", cfg.Node.DevnetToken.Hex(), "collection", cfg.Node.DevnetCollection.Hex())
		}
	}
	errCh := make(chan error, 1)
	go func() { errCh <- apiServer.Start(ctx, cfg.Node.APIAddr) }()

	// Periodic health line
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sugar.Infow("node_stopping")
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Errorw("api_shutdown_failed", "err", err)
			}
			return
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				sugar.Fatalw("api_server_failed", "err", err)
			}
			return
		case <-ticker.C:
			logProgress(sugar, book)
		}
	}
}

func logProgress(sugar *zap.SugaredLogger, book *ledger.Ledger) {
	token, ok := book.CheckEscrow()
	if !ok {
		sugar.Errorw("escrow_mismatch", "token", token.Hex(), "held", book.EscrowHeld(token).String())
	}
	sugar.Infow("ledger_progress",
		"listings", book.ListingCount(),
		"events", book.EventCount(),
		"state_hash", book.StateHash().Hex())
}

// devnetChain deploys the payment token, the faucet collection and the mint collection
func devnetChain(cfg params.Config) (*chain.State, error) {
	st := chain.NewState()
	if cfg.Node.DevnetToken != (common.Address{}) {
		if _, err := st.DeployERC20(cfg.Node.DevnetToken, "Devnet USD", "dUSD", 6); err != nil {
			return nil, err
		}
	}
	if cfg.Node.DevnetCollection != (common.Address{}) {
		if _, err := st.DeployERC721(cfg.Node.DevnetCollection, "Devnet Punks", "DPUNK"); err != nil {
			return nil, err
		}
	}
	if cfg.Market.MintCollection != (common.Address{}) && cfg.Market.MintCollection != cfg.Node.DevnetCollection {
		if _, err := st.DeployERC721(cfg.Market.MintCollection, "Era Genesis", "ERA"); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// seedAccounts funds each account and gives it one approved NFT
func seedAccounts(f *chain.Faucet, accounts []common.Address, amount *big.Int, sugar *zap.SugaredLogger) error {
	for _, a := range accounts {
		if err := f.Fund(a, amount); err != nil {
			return err
		}
		id, err := f.MintNFT(a)
		if err != nil {
			return err
		}
		sugar.Infow("devnet_account_seeded", "account", a.Hex(), "amount", amount.String(), "token_id", id.String())
	}
	return nil
}
