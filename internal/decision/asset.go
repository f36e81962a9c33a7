package decision

import (
	"HedgeLedger/internal/errs"
	fpmath "HedgeLedger/internal/math"
	"strings"
)

// Asset is a tradable symbol known to the hedge engine.
type Asset string

const (
	BTC  Asset = "BTC"
	USDT Asset = "USDT"
	USDC Asset = "USDC"
	DAI  Asset = "DAI"
	XRP  Asset = "XRP"
)

// AllowedTargets are the assets a hedge may convert into, in display order.
// XRP is accepted although it is not a stablecoin.
var AllowedTargets = []Asset{USDT, USDC, DAI, XRP}

var assetConfigs = map[Asset]fpmath.TokenConfig{
	BTC:  fpmath.BTCConfig,
	USDT: fpmath.StablecoinConfig,
	USDC: fpmath.StablecoinConfig,
	DAI:  fpmath.DAIConfig,
	XRP:  fpmath.XRPConfig,
}

// ParseAsset normalizes s and checks it is a known asset.
func ParseAsset(s string) (Asset, error) {
	a := Asset(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := assetConfigs[a]; !ok {
		return "", errs.New(errs.KindInvalidInput, "decision.ParseAsset", "unknown asset %q", s)
	}
	return a, nil
}

// ParseTargets parses a list of hedge targets, rejecting anything outside
// AllowedTargets.
func ParseTargets(symbols []string) ([]Asset, error) {
	out := make([]Asset, 0, len(symbols))
	for _, s := range symbols {
		a, err := ParseAsset(s)
		if err != nil {
			return nil, err
		}
		if !a.IsTarget() {
			return nil, errs.New(errs.KindInvalidInput, "decision.ParseTargets", "%s is not an allowed hedge asset", a)
		}
		out = append(out, a)
	}
	return out, nil
}

// IsTarget reports whether a may be hedged into.
func (a Asset) IsTarget() bool {
	for _, t := range AllowedTargets {
		if a == t {
			return true
		}
	}
	return false
}

// Decimals returns the on-chain precision of a.
func (a Asset) Decimals() int32 {
	return assetConfigs[a].Decimals
}
