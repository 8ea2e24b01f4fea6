package params

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Market holds the fee schedule and the marketplace's own addresses
type Market struct {
	FeeBasisPoints           uint64
	CollateralFeeBasisPoints uint64
	Address                  common.Address
	Treasury                 common.Address
	// MintCollection enables selector 244; zero disables it
	MintCollection common.Address
}

type Ledger struct {
	// MaxOpenOffers bounds the refund sweep run when a listing closes
	MaxOpenOffers int
	// PageLimit caps one paginated query
	PageLimit int
}

type Gateway struct {
	Relayer          common.Address
	ChainID          int64 // EIP-712 domain chain id
	RequireSignature bool
}

type Node struct {
	DataDir string // empty keeps state in memory
	APIAddr string
	LogFile string
	Verbose bool
	// CORSOrigins lists the browser origins allowed to call the API
	CORSOrigins []string
	// DevnetToken is deployed on the in-memory hub chain at startup
	DevnetToken common.Address
	// DevnetCollection is the ERC-721 the faucet mints from
	DevnetCollection common.Address
	// DevnetFaucet mounts the /api/v1/devnet seeding routes
	DevnetFaucet bool
	// DevnetAccounts get DevnetFundAmount and one NFT at startup
	DevnetAccounts   []common.Address
	DevnetFundAmount *big.Int
}

type Config struct {
	Market  Market
	Ledger  Ledger
	Gateway Gateway
	Node    Node
}

func Default() Config {
	return Config{
		Market: Market{
			FeeBasisPoints:           250,
			CollateralFeeBasisPoints: 100,
			Address:                  common.HexToAddress("0x00000000000000000000000000000000000E4A01"),
			Treasury:                 common.HexToAddress("0x00000000000000000000000000000000000E4A02"),
		},
		Ledger: Ledger{
			MaxOpenOffers: 64,
			PageLimit:     100,
		},
		Gateway: Gateway{
			ChainID: 1337,
		},
		Node: Node{
			DataDir:          "data/market",
			APIAddr:          ":8080",
			LogFile:          "data/node.log",
			CORSOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
			DevnetToken:      common.HexToAddress("0x00000000000000000000000000000000000E4A10"),
			DevnetCollection: common.HexToAddress("0x00000000000000000000000000000000000E4A11"),
			DevnetFaucet:     true,
			DevnetFundAmount: big.NewInt(1_000_000_000), // 1000 dUSD
		},
	}
}

// LoadFromEnv loads configuration from .env file (if exists) and environment variables
// Priority: ENV > .env file > defaults
func LoadFromEnv(envPath string) (Config, error) {
	cfg := Default()

	// Try to load .env file (optional - won't fail if not exists)
	if envPath != "" {
		_ = godotenv.Load(envPath)
	} else {
		_ = godotenv.Load()
	}

	var errs []string
	uintVar := func(key string, dst *uint64) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: %v", key, err))
				return
			}
			*dst = n
		}
	}
	intVar := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Sprintf("%s: want a positive integer, got %q", key, v))
				return
			}
			*dst = n
		}
	}
	addrVar := func(key string, dst *common.Address) {
		if v := os.Getenv(key); v != "" {
			if !common.IsHexAddress(v) {
				errs = append(errs, fmt.Sprintf("%s: invalid address %q", key, v))
				return
			}
			*dst = common.HexToAddress(v)
		}
	}

	uintVar("MARKET_FEE_BPS", &cfg.Market.FeeBasisPoints)
	uintVar("MARKET_COLLATERAL_FEE_BPS", &cfg.Market.CollateralFeeBasisPoints)
	addrVar("MARKET_ADDRESS", &cfg.Market.Address)
	addrVar("MARKET_TREASURY", &cfg.Market.Treasury)
	addrVar("MARKET_MINT_COLLECTION", &cfg.Market.MintCollection)

	intVar("LEDGER_MAX_OPEN_OFFERS", &cfg.Ledger.MaxOpenOffers)
	intVar("LEDGER_PAGE_LIMIT", &cfg.Ledger.PageLimit)

	addrVar("GATEWAY_RELAYER", &cfg.Gateway.Relayer)
	if v := os.Getenv("GATEWAY_CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Sprintf("GATEWAY_CHAIN_ID: %v", err))
		} else {
			cfg.Gateway.ChainID = n
		}
	}
	cfg.Gateway.RequireSignature = os.Getenv("GATEWAY_REQUIRE_SIGNATURE") == "true"

	if v, ok := os.LookupEnv("DATA_DIR"); ok {
		cfg.Node.DataDir = v
	}
	cfg.Node.APIAddr = getEnv("API_ADDR", cfg.Node.APIAddr)
	if v, ok := os.LookupEnv("LOG_FILE"); ok {
		cfg.Node.LogFile = v // empty logs to the console only
	}
	cfg.Node.Verbose = os.Getenv("VERBOSE") == "true"
	if v := os.Getenv("API_CORS_ORIGINS"); v != "" {
		cfg.Node.CORSOrigins = splitList(v)
	}
	addrVar("DEVNET_TOKEN", &cfg.Node.DevnetToken)
	addrVar("DEVNET_COLLECTION", &cfg.Node.DevnetCollection)
	if v := os.Getenv("DEVNET_FAUCET"); v != "" {
		cfg.Node.DevnetFaucet = v == "true"
	}
	for _, a := range splitList(os.Getenv("DEVNET_ACCOUNTS")) {
		if !common.IsHexAddress(a) {
			errs = append(errs, fmt.Sprintf("DEVNET_ACCOUNTS: invalid address %q", a))
			continue
		}
		cfg.Node.DevnetAccounts = append(cfg.Node.DevnetAccounts, common.HexToAddress(a))
	}
	if v := os.Getenv("DEVNET_FUND_AMOUNT"); v != "" {
		n, ok := new(big.Int).SetString(v, 10)
		if !ok || n.Sign() <= 0 {
			errs = append(errs, fmt.Sprintf("DEVNET_FUND_AMOUNT: want a positive integer, got %q", v))
		} else {
			cfg.Node.DevnetFundAmount = n
		}
	}

	if (cfg.Node.DevnetFaucet || len(cfg.Node.DevnetAccounts) > 0) &&
		(cfg.Node.DevnetToken == (common.Address{}) || cfg.Node.DevnetCollection == (common.Address{})) {
		errs = append(errs, "the devnet faucet needs DEVNET_TOKEN and DEVNET_COLLECTION")
	}
	if cfg.Gateway.RequireSignature && cfg.Gateway.Relayer == (common.Address{}) {
		errs = append(errs, "GATEWAY_REQUIRE_SIGNATURE needs GATEWAY_RELAYER")
	}
	if len(errs) > 0 {
		return cfg, fmt.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// getEnv returns environment variable value or default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
