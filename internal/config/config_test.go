package config

import (
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/orchestrator"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

const (
	contractHex = "0x000000000000000000000000000000000000c0de"
	accountHex  = "0x1111111111111111111111111111111111111111"
	usdtHex     = "0x00000000000000000000000000000000000000d7"
)

var allKeys = []string{
	"HEDGE_MODE", "HEDGE_RPC_URL", "HEDGE_SIGNER_KEY", "HEDGE_SETTLEMENT_CONTRACT",
	"HEDGE_CHAIN_ID", "HEDGE_DEX_ADDRESS", "HEDGE_PAYMASTER", "HEDGE_RECEIPT_POLL_INTERVAL",
	"HEDGE_TOKEN_BTC", "HEDGE_TOKEN_USDT", "HEDGE_TOKEN_USDC", "HEDGE_TOKEN_DAI", "HEDGE_TOKEN_XRP",
	"HEDGE_TOKEN_BTC_DECIMALS", "HEDGE_TOKEN_USDT_DECIMALS", "HEDGE_TOKEN_USDC_DECIMALS",
	"HEDGE_TOKEN_DAI_DECIMALS", "HEDGE_TOKEN_XRP_DECIMALS",
	"HEDGE_PRICE_FEED_URL", "HEDGE_PRICE_FEED_RPS", "HEDGE_PRICE_FEED_TIMEOUT",
	"HEDGE_SETTLEMENT_TIMEOUT", "HEDGE_SLIPPAGE_BPS", "HEDGE_POSTGRES_DSN", "HEDGE_NATS_URL",
	"HEDGE_PUBLISH_QUEUE_SIZE", "HEDGE_HTTP_ADDR", "HEDGE_GRPC_ADDR", "HEDGE_METRICS_ADDR",
	"HEDGE_LOG_LEVEL",
	"HEDGE_SCHEDULE_ENABLED", "HEDGE_SCHEDULE_INTERVAL", "HEDGE_SCHEDULE_TIMEOUT",
	"HEDGE_SCHEDULE_ACCOUNT", "HEDGE_SCHEDULE_ENTRY_PRICE", "HEDGE_SCHEDULE_THRESHOLD",
	"HEDGE_SCHEDULE_HOLDING", "HEDGE_SCHEDULE_PERCENTAGE", "HEDGE_SCHEDULE_ASSETS",
	"HEDGE_SCHEDULE_SPLIT", "HEDGE_SCHEDULE_WEIGHTS", "HEDGE_SCHEDULE_AUTO_EXECUTE",
}

// clearEnv unsets every key for the duration of the test.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range allKeys {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func setRequired(t *testing.T) {
	t.Helper()
	clearEnv(t)
	t.Setenv("HEDGE_MODE", "collateral")
	t.Setenv("HEDGE_RPC_URL", "http://localhost:8545")
	t.Setenv("HEDGE_SIGNER_KEY", "0xabc")
	t.Setenv("HEDGE_SETTLEMENT_CONTRACT", contractHex)
}

func noDotenv(t *testing.T) string {
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadFile(noDotenv(t))
	require.NoError(t, err)
	require.Equal(t, orchestrator.ModeCollateral, cfg.Mode)
	require.Equal(t, "http://localhost:8545", cfg.Chain.RPCURL)
	require.Equal(t, common.HexToAddress(contractHex), cfg.Chain.Contract)
	require.Zero(t, cfg.Chain.ChainID)
	require.Equal(t, time.Second, cfg.Chain.PollInterval)
	require.Equal(t, 2*time.Minute, cfg.SettlementTimeout)
	require.Zero(t, cfg.SlippageBps)
	require.Empty(t, cfg.PostgresDSN)
	require.Empty(t, cfg.NATSURL)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, ":9091", cfg.MetricsAddr)
	require.Equal(t, 1024, cfg.PublishQueueSize)
	require.Equal(t, 5.0, cfg.PriceFeed.RPS)
	require.Empty(t, cfg.Tokens)
	require.False(t, cfg.Schedule.Enabled)
}

func TestLoad_MandatoryKeys(t *testing.T) {
	for _, key := range []string{"HEDGE_MODE", "HEDGE_RPC_URL", "HEDGE_SIGNER_KEY", "HEDGE_SETTLEMENT_CONTRACT"} {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")

			_, err := LoadFile(noDotenv(t))
			require.Error(t, err)
			require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestLoad_Full(t *testing.T) {
	setRequired(t)
	t.Setenv("HEDGE_MODE", "direct")
	t.Setenv("HEDGE_CHAIN_ID", "11155111")
	t.Setenv("HEDGE_DEX_ADDRESS", "0x000000000000000000000000000000000000dead")
	t.Setenv("HEDGE_PAYMASTER", "0x000000000000000000000000000000000000beef")
	t.Setenv("HEDGE_TOKEN_USDT", usdtHex)
	t.Setenv("HEDGE_TOKEN_USDT_DECIMALS", "6")
	t.Setenv("HEDGE_PRICE_FEED_RPS", "0.5")
	t.Setenv("HEDGE_SETTLEMENT_TIMEOUT", "45s")
	t.Setenv("HEDGE_SLIPPAGE_BPS", "50")
	t.Setenv("HEDGE_POSTGRES_DSN", "postgres://x")
	t.Setenv("HEDGE_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadFile(noDotenv(t))
	require.NoError(t, err)
	require.Equal(t, orchestrator.ModeDirect, cfg.Mode)
	require.Equal(t, int64(11155111), cfg.Chain.ChainID)
	require.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000dead"), cfg.Chain.Dex)
	require.Equal(t, common.HexToAddress("0x000000000000000000000000000000000000beef"), cfg.Paymaster)
	require.Equal(t, map[decision.Asset]common.Address{decision.USDT: common.HexToAddress(usdtHex)}, cfg.Tokens)
	require.Equal(t, 0.5, cfg.PriceFeed.RPS)
	require.Equal(t, 45*time.Second, cfg.SettlementTimeout)
	require.Equal(t, uint64(50), cfg.SlippageBps)
	require.Equal(t, "postgres://x", cfg.PostgresDSN)
	require.Equal(t, "nats://localhost:4222", cfg.NATSURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"HEDGE_MODE", "hybrid"},
		{"HEDGE_SETTLEMENT_CONTRACT", "c0de"},
		{"HEDGE_CHAIN_ID", "-1"},
		{"HEDGE_CHAIN_ID", "mainnet"},
		{"HEDGE_SLIPPAGE_BPS", "10001"},
		{"HEDGE_SETTLEMENT_TIMEOUT", "soon"},
		{"HEDGE_TOKEN_USDC", "0x123"},
		{"HEDGE_TOKEN_BTC_DECIMALS", "18"},
		{"HEDGE_PRICE_FEED_RPS", "-2"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.value)

			_, err := LoadFile(noDotenv(t))
			require.Error(t, err)
			require.Equal(t, errs.KindInvalidInput, errs.KindOf(err))
		})
	}
}

func TestLoad_Schedule(t *testing.T) {
	setRequired(t)
	t.Setenv("HEDGE_SCHEDULE_ENABLED", "true")
	t.Setenv("HEDGE_SCHEDULE_INTERVAL", "30s")
	t.Setenv("HEDGE_SCHEDULE_ACCOUNT", accountHex)
	t.Setenv("HEDGE_SCHEDULE_ENTRY_PRICE", "70000")
	t.Setenv("HEDGE_SCHEDULE_HOLDING", "1.5")
	t.Setenv("HEDGE_SCHEDULE_PERCENTAGE", "30")
	t.Setenv("HEDGE_SCHEDULE_ASSETS", "usdt, usdc")
	t.Setenv("HEDGE_SCHEDULE_SPLIT", "weighted")
	t.Setenv("HEDGE_SCHEDULE_WEIGHTS", "3,1")
	t.Setenv("HEDGE_SCHEDULE_AUTO_EXECUTE", "true")

	cfg, err := LoadFile(noDotenv(t))
	require.NoError(t, err)

	s := cfg.Schedule
	require.True(t, s.Enabled)
	require.Equal(t, 30*time.Second, s.Interval)
	require.Equal(t, common.HexToAddress(accountHex), s.Input.Account)
	require.Equal(t, decision.BTC, s.Input.FromAsset)
	require.True(t, s.Input.EntryPrice.Equal(decimal.NewFromInt(70000)))
	require.True(t, s.Input.ThresholdPercent.Equal(decimal.NewFromInt(5)))
	require.True(t, s.Input.Holding.Equal(decimal.RequireFromString("1.5")))
	require.Equal(t, []decision.Asset{decision.USDT, decision.USDC}, s.Input.Targets)
	require.Equal(t, decision.SplitWeighted, s.Input.Split)
	require.Len(t, s.Input.Weights, 2)
	require.True(t, s.Input.AutoExecute)
}

func TestLoad_ScheduleMissing(t *testing.T) {
	base := map[string]string{
		"HEDGE_SCHEDULE_ENABLED":     "true",
		"HEDGE_SCHEDULE_ENTRY_PRICE": "70000",
		"HEDGE_SCHEDULE_HOLDING":     "1",
		"HEDGE_SCHEDULE_PERCENTAGE":  "30",
		"HEDGE_SCHEDULE_ASSETS":      "USDT",
	}
	for _, missing := range []string{"HEDGE_SCHEDULE_ENTRY_PRICE", "HEDGE_SCHEDULE_HOLDING", "HEDGE_SCHEDULE_PERCENTAGE", "HEDGE_SCHEDULE_ASSETS"} {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			for k, v := range base {
				if k != missing {
					t.Setenv(k, v)
				}
			}
			_, err := LoadFile(noDotenv(t))
			require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
		})
	}

	t.Run("account with auto-execute", func(t *testing.T) {
		setRequired(t)
		for k, v := range base {
			t.Setenv(k, v)
		}
		t.Setenv("HEDGE_SCHEDULE_AUTO_EXECUTE", "1")
		_, err := LoadFile(noDotenv(t))
		require.Equal(t, errs.KindConfigurationMissing, errs.KindOf(err))
	})
}

func TestLoadFile_Dotenv(t *testing.T) {
	clearEnv(t)
	t.Setenv("HEDGE_RPC_URL", "http://from-env:8545")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		"HEDGE_MODE=direct\n"+
			"HEDGE_RPC_URL=http://from-file:8545\n"+
			"HEDGE_SIGNER_KEY=0xabc\n"+
			"HEDGE_SETTLEMENT_CONTRACT="+contractHex+"\n"), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, orchestrator.ModeDirect, cfg.Mode)
	// The environment wins over the file.
	require.Equal(t, "http://from-env:8545", cfg.Chain.RPCURL)
}
