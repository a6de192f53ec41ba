package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// DevAccount is a pre-funded account of the in-process development ledger.
type DevAccount struct {
	Address common.Address
	Balance *big.Int
}

// Config is the process configuration, read from MARKET_* environment variables.
type Config struct {
	DBDriver    string // "duckdb", "postgres" or "memory"
	DBPath      string
	PostgresDSN string
	HTTPAddr    string

	Owner         common.Address
	EngineAddress common.Address
	PaymentToken  common.Address
	StartPaused   bool
	FeeBps        uint16

	RegistryURL    string // empty: open mode, no identity verification
	RedisAddr      string // empty: no external event relay
	RedisPassword  string
	RedisChannel   string
	AdminTokenHash string // bcrypt hash of the admin bearer token
	ExpiryCron     string // "off" disables the expiry sweeper
	CORSOrigins    []string
	DevAccounts    []DevAccount
}

// FromEnv reads the configuration, applying defaults for unset variables.
func FromEnv() (Config, error) {
	cfg := Config{
		DBDriver:       envOr("MARKET_DB_DRIVER", "duckdb"),
		DBPath:         envOr("MARKET_DB_PATH", "market.db"),
		PostgresDSN:    os.Getenv("MARKET_POSTGRES_DSN"),
		HTTPAddr:       envOr("MARKET_HTTP_ADDR", ":8080"),
		RegistryURL:    os.Getenv("MARKET_REGISTRY_URL"),
		RedisAddr:      os.Getenv("MARKET_REDIS_ADDR"),
		RedisPassword:  os.Getenv("MARKET_REDIS_PASSWORD"),
		RedisChannel:   envOr("MARKET_REDIS_CHANNEL", "market.events"),
		AdminTokenHash: os.Getenv("MARKET_ADMIN_TOKEN_HASH"),
		ExpiryCron:     envOr("MARKET_EXPIRY_CRON", "@every 1m"),
		CORSOrigins:    splitList(envOr("MARKET_CORS_ORIGINS", "http://localhost:5173")),
	}

	var err error
	if cfg.Owner, err = envAddress("MARKET_OWNER"); err != nil {
		return Config{}, err
	}
	if cfg.EngineAddress, err = envAddress("MARKET_ENGINE_ADDRESS"); err != nil {
		return Config{}, err
	}
	if cfg.PaymentToken, err = envAddress("MARKET_PAYMENT_TOKEN"); err != nil {
		return Config{}, err
	}

	if v := os.Getenv("MARKET_PAUSED"); v != "" {
		if cfg.StartPaused, err = strconv.ParseBool(v); err != nil {
			return Config{}, fmt.Errorf("MARKET_PAUSED: %w", err)
		}
	}
	if v := os.Getenv("MARKET_FEE_BPS"); v != "" {
		bps, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return Config{}, fmt.Errorf("MARKET_FEE_BPS: %w", err)
		}
		cfg.FeeBps = uint16(bps)
	}
	if cfg.DevAccounts, err = parseDevAccounts(os.Getenv("MARKET_DEV_ACCOUNTS")); err != nil {
		return Config{}, err
	}

	switch cfg.DBDriver {
	case "duckdb", "memory":
	case "postgres":
		if cfg.PostgresDSN == "" {
			return Config{}, fmt.Errorf("MARKET_POSTGRES_DSN is required when MARKET_DB_DRIVER=postgres")
		}
	default:
		return Config{}, fmt.Errorf("unsupported MARKET_DB_DRIVER %q", cfg.DBDriver)
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envAddress(key string) (common.Address, error) {
	v := os.Getenv(key)
	if v == "" {
		return common.Address{}, fmt.Errorf("%s is required", key)
	}
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", key, v)
	}
	return common.HexToAddress(v), nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// parseDevAccounts parses "0xaddr:amount,0xaddr:amount".
func parseDevAccounts(v string) ([]DevAccount, error) {
	var accounts []DevAccount
	for _, entry := range splitList(v) {
		addr, amount, ok := strings.Cut(entry, ":")
		if !ok || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("MARKET_DEV_ACCOUNTS: invalid entry %q", entry)
		}
		balance, ok := new(big.Int).SetString(amount, 10)
		if !ok || balance.Sign() < 0 {
			return nil, fmt.Errorf("MARKET_DEV_ACCOUNTS: invalid amount in %q", entry)
		}
		accounts = append(accounts, DevAccount{Address: common.HexToAddress(addr), Balance: balance})
	}
	return accounts, nil
}
