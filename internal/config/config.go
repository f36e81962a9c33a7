// Package config loads service configuration from the environment, with an
// optional .env file underneath it.
package config

import (
	"HedgeLedger/internal/chain"
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/pipeline"
	"HedgeLedger/internal/pricefeed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

const op = "config.Load"

// Config holds all application configuration.
type Config struct {
	Mode  orchestrator.Mode
	Chain chain.Config

	// Paymaster sponsors gas in generated plans; zero disables sponsorship.
	Paymaster common.Address
	Tokens    map[decision.Asset]common.Address

	PriceFeed         pricefeed.Config
	SettlementTimeout time.Duration
	SlippageBps       uint64

	// Empty PostgresDSN keeps the settlement log in memory.
	PostgresDSN string
	// Empty NATSURL disables event publishing.
	NATSURL          string
	PublishQueueSize int

	HTTPAddr    string
	GRPCAddr    string
	MetricsAddr string
	LogLevel    string

	Schedule Schedule
}

// Schedule is the periodic pipeline run. Input is only populated when
// Enabled.
type Schedule struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
	Input    pipeline.Input
}

// Load reads .env from the working directory when present, then the
// environment. Variables already set in the environment win over the file.
func Load() (Config, error) {
	return LoadFile(".env")
}

// LoadFile is Load with an explicit dotenv path. A missing file is not an
// error.
func LoadFile(path string) (Config, error) {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, errs.New(errs.KindInvalidInput, op, "read %s: %v", path, err)
	}
	return fromEnv()
}

func fromEnv() (Config, error) {
	var cfg Config
	var err error

	modeStr, err := required("HEDGE_MODE")
	if err != nil {
		return Config{}, err
	}
	if cfg.Mode, err = orchestrator.ParseMode(modeStr); err != nil {
		return Config{}, errs.New(errs.KindInvalidInput, op, "HEDGE_MODE: %s", errs.Message(err))
	}

	if cfg.Chain.RPCURL, err = required("HEDGE_RPC_URL"); err != nil {
		return Config{}, err
	}
	if cfg.Chain.SignerKey, err = required("HEDGE_SIGNER_KEY"); err != nil {
		return Config{}, err
	}
	contract, err := required("HEDGE_SETTLEMENT_CONTRACT")
	if err != nil {
		return Config{}, err
	}
	if cfg.Chain.Contract, err = address("HEDGE_SETTLEMENT_CONTRACT", contract); err != nil {
		return Config{}, err
	}
	if cfg.Chain.Dex, err = optionalAddress("HEDGE_DEX_ADDRESS"); err != nil {
		return Config{}, err
	}
	chainID, err := envInt64("HEDGE_CHAIN_ID", 0)
	if err != nil {
		return Config{}, err
	}
	if chainID < 0 {
		return Config{}, errs.New(errs.KindInvalidInput, op, "HEDGE_CHAIN_ID must not be negative")
	}
	cfg.Chain.ChainID = chainID
	if cfg.Chain.PollInterval, err = envDuration("HEDGE_RECEIPT_POLL_INTERVAL", time.Second); err != nil {
		return Config{}, err
	}

	if cfg.Paymaster, err = optionalAddress("HEDGE_PAYMASTER"); err != nil {
		return Config{}, err
	}
	if cfg.Tokens, err = tokens(); err != nil {
		return Config{}, err
	}

	cfg.PriceFeed.BaseURL = envOrDefault("HEDGE_PRICE_FEED_URL", "http://localhost:8082")
	rps, err := envDecimal("HEDGE_PRICE_FEED_RPS", decimal.NewFromInt(5))
	if err != nil {
		return Config{}, err
	}
	if rps.IsNegative() {
		return Config{}, errs.New(errs.KindInvalidInput, op, "HEDGE_PRICE_FEED_RPS must not be negative")
	}
	cfg.PriceFeed.RPS = rps.InexactFloat64()
	if cfg.PriceFeed.Timeout, err = envDuration("HEDGE_PRICE_FEED_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}

	if cfg.SettlementTimeout, err = envDuration("HEDGE_SETTLEMENT_TIMEOUT", 2*time.Minute); err != nil {
		return Config{}, err
	}
	slippage, err := envInt64("HEDGE_SLIPPAGE_BPS", 0)
	if err != nil {
		return Config{}, err
	}
	if slippage < 0 || slippage > 10_000 {
		return Config{}, errs.New(errs.KindInvalidInput, op, "HEDGE_SLIPPAGE_BPS must be in [0, 10000], got %d", slippage)
	}
	cfg.SlippageBps = uint64(slippage)

	cfg.PostgresDSN = os.Getenv("HEDGE_POSTGRES_DSN")
	cfg.NATSURL = os.Getenv("HEDGE_NATS_URL")
	cfg.PublishQueueSize = envIntOrDefault("HEDGE_PUBLISH_QUEUE_SIZE", 1024)
	cfg.HTTPAddr = envOrDefault("HEDGE_HTTP_ADDR", ":8080")
	cfg.GRPCAddr = envOrDefault("HEDGE_GRPC_ADDR", ":9090")
	cfg.MetricsAddr = envOrDefault("HEDGE_METRICS_ADDR", ":9091")
	cfg.LogLevel = envOrDefault("HEDGE_LOG_LEVEL", "info")

	if cfg.Schedule, err = schedule(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// tokens reads HEDGE_TOKEN_<SYM> for every known asset. A
// HEDGE_TOKEN_<SYM>_DECIMALS entry must agree with the asset's precision.
func tokens() (map[decision.Asset]common.Address, error) {
	assets := append([]decision.Asset{decision.BTC}, decision.AllowedTargets...)
	out := make(map[decision.Asset]common.Address, len(assets))
	for _, a := range assets {
		key := "HEDGE_TOKEN_" + string(a)
		addr, err := optionalAddress(key)
		if err != nil {
			return nil, err
		}
		if addr != (common.Address{}) {
			out[a] = addr
		}

		decKey := key + "_DECIMALS"
		if os.Getenv(decKey) == "" {
			continue
		}
		d, err := envInt64(decKey, 0)
		if err != nil {
			return nil, err
		}
		if int32(d) != a.Decimals() {
			return nil, errs.New(errs.KindInvalidInput, op, "%s=%d disagrees with %s precision %d", decKey, d, a, a.Decimals())
		}
	}
	return out, nil
}

func schedule() (Schedule, error) {
	var s Schedule
	var err error
	if s.Enabled, err = envBool("HEDGE_SCHEDULE_ENABLED", false); err != nil {
		return Schedule{}, err
	}
	if s.Interval, err = envDuration("HEDGE_SCHEDULE_INTERVAL", 5*time.Minute); err != nil {
		return Schedule{}, err
	}
	if s.Timeout, err = envDuration("HEDGE_SCHEDULE_TIMEOUT", 0); err != nil {
		return Schedule{}, err
	}
	if !s.Enabled {
		return s, nil
	}
	if s.Interval <= 0 {
		return Schedule{}, errs.New(errs.KindInvalidInput, op, "HEDGE_SCHEDULE_INTERVAL must be positive")
	}

	in := &s.Input
	in.FromAsset = decision.BTC
	if in.EntryPrice, err = requiredDecimal("HEDGE_SCHEDULE_ENTRY_PRICE"); err != nil {
		return Schedule{}, err
	}
	if in.Holding, err = requiredDecimal("HEDGE_SCHEDULE_HOLDING"); err != nil {
		return Schedule{}, err
	}
	if in.HedgePercent, err = requiredDecimal("HEDGE_SCHEDULE_PERCENTAGE"); err != nil {
		return Schedule{}, err
	}
	if in.ThresholdPercent, err = envDecimal("HEDGE_SCHEDULE_THRESHOLD", decimal.NewFromInt(5)); err != nil {
		return Schedule{}, err
	}

	assets, err := required("HEDGE_SCHEDULE_ASSETS")
	if err != nil {
		return Schedule{}, err
	}
	if in.Targets, err = decision.ParseTargets(splitList(assets)); err != nil {
		return Schedule{}, errs.New(errs.KindInvalidInput, op, "HEDGE_SCHEDULE_ASSETS: %s", errs.Message(err))
	}
	if in.Split, err = decision.ParseSplitPolicy(os.Getenv("HEDGE_SCHEDULE_SPLIT")); err != nil {
		return Schedule{}, errs.New(errs.KindInvalidInput, op, "HEDGE_SCHEDULE_SPLIT: %s", errs.Message(err))
	}
	for _, w := range splitList(os.Getenv("HEDGE_SCHEDULE_WEIGHTS")) {
		d, err := decimal.NewFromString(w)
		if err != nil {
			return Schedule{}, errs.New(errs.KindInvalidInput, op, "HEDGE_SCHEDULE_WEIGHTS: %q is not a number", w)
		}
		in.Weights = append(in.Weights, d)
	}

	if in.AutoExecute, err = envBool("HEDGE_SCHEDULE_AUTO_EXECUTE", false); err != nil {
		return Schedule{}, err
	}
	if in.Account, err = optionalAddress("HEDGE_SCHEDULE_ACCOUNT"); err != nil {
		return Schedule{}, err
	}
	if in.AutoExecute && in.Account == (common.Address{}) {
		return Schedule{}, errs.New(errs.KindConfigurationMissing, op, "HEDGE_SCHEDULE_ACCOUNT is required with auto-execute")
	}
	return s, nil
}

// --- Helpers ---

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	var i int
	if _, err := fmt.Sscanf(v, "%d", &i); err != nil {
		return defaultVal
	}
	return i
}

func required(key string) (string, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return "", errs.New(errs.KindConfigurationMissing, op, "%s is required", key)
	}
	return v, nil
}

func requiredDecimal(key string) (decimal.Decimal, error) {
	v, err := required(key)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errs.New(errs.KindInvalidInput, op, "%s: %q is not a number", key, v)
	}
	return d, nil
}

func envDecimal(key string, defaultVal decimal.Decimal) (decimal.Decimal, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, errs.New(errs.KindInvalidInput, op, "%s: %q is not a number", key, v)
	}
	return d, nil
}

func envInt64(key string, defaultVal int64) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.New(errs.KindInvalidInput, op, "%s: %q is not an integer", key, v)
	}
	return i, nil
}

func envDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, errs.New(errs.KindInvalidInput, op, "%s: %q is not a duration", key, v)
	}
	return d, nil
}

func envBool(key string, defaultVal bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, errs.New(errs.KindInvalidInput, op, "%s: %q is not a boolean", key, v)
	}
	return b, nil
}

func optionalAddress(key string) (common.Address, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return common.Address{}, nil
	}
	return address(key, v)
}

func address(key, v string) (common.Address, error) {
	if !strings.HasPrefix(v, "0x") || !common.IsHexAddress(v) {
		return common.Address{}, errs.New(errs.KindInvalidInput, op, "%s: %q is not a 0x-prefixed address", key, v)
	}
	return common.HexToAddress(v), nil
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
