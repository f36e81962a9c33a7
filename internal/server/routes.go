package server

import (
	"HedgeLedger/internal/decision"
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/ledger"
	fpmath "HedgeLedger/internal/math"
	"HedgeLedger/internal/observability"
	"HedgeLedger/internal/orchestrator"
	"HedgeLedger/internal/pipeline"
	"HedgeLedger/internal/settlement"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxBodyBytes = 1 << 20

var (
	minUserThreshold = decimal.RequireFromString("0.1")
	hundred          = decimal.NewFromInt(100)
)

// Deps holds everything the routes call into.
type Deps struct {
	Pipeline     *pipeline.Pipeline
	Ledger       *ledger.Ledger
	Orchestrator *orchestrator.Orchestrator
	Log          *settlement.Log
	Tokens       map[decision.Asset]common.Address
	Health       *observability.HealthChecker
	Metrics      *observability.Metrics
	Logger       zerolog.Logger
}

type api struct {
	deps *Deps
}

// handlerFunc returns the response body or an error. On error the result,
// if any, is attached to the error body.
type handlerFunc func(r *http.Request, params map[string]string) (interface{}, error)

func registerRoutes(mux *runtime.ServeMux, deps *Deps) error {
	a := &api{deps: deps}
	routes := []struct {
		method, pattern string
		fn              handlerFunc
	}{
		{http.MethodPost, "/v1/hedge", a.hedge},
		{http.MethodPost, "/v1/collateral/{op}", a.collateralOp},
		{http.MethodGet, "/v1/collateral", a.collateral},
		{http.MethodPost, "/v1/settlements/execute", a.execute},
		{http.MethodPost, "/v1/settlements/hedge-execute", a.hedgeExecute},
		{http.MethodGet, "/v1/settlements", a.history},
		{http.MethodGet, "/v1/settlements/{user}/{index}", a.settlement},
	}
	for _, rt := range routes {
		if err := mux.HandlePath(rt.method, rt.pattern, a.wrap(rt.method+" "+rt.pattern, rt.fn)); err != nil {
			return fmt.Errorf("%s %s: %w", rt.method, rt.pattern, err)
		}
	}
	return nil
}

func (a *api) wrap(route string, fn handlerFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		result, err := fn(r, params)

		status := http.StatusOK
		if err != nil {
			status = writeError(w, err, result)
		} else {
			writeJSON(w, status, result)
		}

		if m := a.deps.Metrics; m != nil {
			m.APIRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
			m.APIDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
		}
		ev := a.deps.Logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = a.deps.Logger.Error().Err(err)
		} else if err != nil {
			ev = a.deps.Logger.Info().Err(err)
		}
		ev.Str("route", route).Int("status", status).Dur("took", time.Since(start)).Msg("api request")
	}
}

// === Hedge pipeline ===

type hedgeRequest struct {
	Account          string            `json:"account"`
	CurrentPrice     decimal.Decimal   `json:"current_price"`
	EntryPrice       decimal.Decimal   `json:"entry_price"`
	ThresholdPercent decimal.Decimal   `json:"threshold_percent"`
	Holding          decimal.Decimal   `json:"holding"`
	HedgePercent     decimal.Decimal   `json:"hedge_percent"`
	Assets           []string          `json:"assets"`
	Split            string            `json:"split"`
	Weights          []decimal.Decimal `json:"weights"`
	AutoExecute      bool              `json:"auto_execute"`
}

func (a *api) hedge(r *http.Request, _ map[string]string) (interface{}, error) {
	const op = "server.hedge"
	var req hedgeRequest
	if err := decode(r, op, &req); err != nil {
		return nil, err
	}

	if req.ThresholdPercent.LessThan(minUserThreshold) || req.ThresholdPercent.GreaterThan(hundred) {
		return nil, errs.New(errs.KindInvalidInput, op, "threshold_percent must be between 0.1 and 100")
	}
	if len(req.Assets) == 0 {
		return nil, errs.New(errs.KindInvalidInput, op, "at least one asset is required")
	}
	targets, err := decision.ParseTargets(req.Assets)
	if err != nil {
		return nil, err
	}
	policy, err := decision.ParseSplitPolicy(req.Split)
	if err != nil {
		return nil, err
	}

	var account common.Address
	if req.Account != "" || req.AutoExecute {
		if account, err = parseAddress(op, "account", req.Account); err != nil {
			return nil, err
		}
	}

	out, err := a.deps.Pipeline.Run(r.Context(), pipeline.Input{
		Account:          account,
		FromAsset:        decision.BTC,
		CurrentPrice:     req.CurrentPrice,
		EntryPrice:       req.EntryPrice,
		ThresholdPercent: req.ThresholdPercent,
		Holding:          req.Holding,
		HedgePercent:     req.HedgePercent,
		Targets:          targets,
		Split:            policy,
		Weights:          req.Weights,
		AutoExecute:      req.AutoExecute,
	})
	if out == nil {
		return nil, err
	}
	return out, err
}

// === Collateral ===

type collateralRequest struct {
	User   string `json:"user"`
	Token  string `json:"token"`
	Amount string `json:"amount"`
}

type collateralView struct {
	User      common.Address `json:"user"`
	Token     common.Address `json:"token"`
	Available string         `json:"available"`
	Total     string         `json:"total"`
	Locked    string         `json:"locked"`
}

type collateralOpResponse struct {
	Confirmation ledger.Confirmation `json:"confirmation"`
	Account      collateralView      `json:"account"`
}

func viewOf(acct ledger.Account) collateralView {
	return collateralView{
		User:      acct.Key.User,
		Token:     acct.Key.Token,
		Available: acct.Available().Dec(),
		Total:     acct.Total.Dec(),
		Locked:    acct.Locked.Dec(),
	}
}

func (a *api) collateralOp(r *http.Request, params map[string]string) (interface{}, error) {
	const op = "server.collateral"
	var call func(ctx context.Context, key ledger.AccountKey, amount *uint256.Int) (ledger.Confirmation, error)
	switch params["op"] {
	case "deposit":
		call = a.deps.Ledger.Deposit
	case "withdraw":
		call = a.deps.Ledger.Withdraw
	case "lock":
		call = a.deps.Ledger.Lock
	case "unlock":
		call = a.deps.Ledger.Unlock
	default:
		return nil, errs.New(errs.KindNotFound, op, "unknown collateral operation %q", params["op"])
	}

	var req collateralRequest
	if err := decode(r, op, &req); err != nil {
		return nil, err
	}
	key, err := a.accountKey(op, req.User, req.Token)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(op, "amount", req.Amount)
	if err != nil {
		return nil, err
	}

	conf, err := call(r.Context(), key, amount)
	if err != nil {
		return nil, err
	}
	return collateralOpResponse{Confirmation: conf, Account: viewOf(a.deps.Ledger.Account(key))}, nil
}

// collateral reloads the account from the remote views before answering.
func (a *api) collateral(r *http.Request, _ map[string]string) (interface{}, error) {
	const op = "server.collateral"
	q := r.URL.Query()
	key, err := a.accountKey(op, q.Get("user"), q.Get("token"))
	if err != nil {
		return nil, err
	}
	acct, err := a.deps.Ledger.Reconcile(r.Context(), key)
	if err != nil {
		return nil, err
	}
	return viewOf(acct), nil
}

// === Settlements ===

type executeRequest struct {
	User        string `json:"user"`
	FromToken   string `json:"from_token"`
	ToToken     string `json:"to_token"`
	FromAmount  string `json:"from_amount"`
	MinToAmount string `json:"min_to_amount"`
}

func (a *api) execute(r *http.Request, _ map[string]string) (interface{}, error) {
	const op = "server.execute"
	if err := a.requireMode(op, orchestrator.ModeCollateral); err != nil {
		return nil, err
	}
	var req executeRequest
	if err := decode(r, op, &req); err != nil {
		return nil, err
	}

	user, err := parseAddress(op, "user", req.User)
	if err != nil {
		return nil, err
	}
	from, err := a.token(op, "from_token", req.FromToken)
	if err != nil {
		return nil, err
	}
	to, err := a.token(op, "to_token", req.ToToken)
	if err != nil {
		return nil, err
	}
	amount, err := parseAmount(op, "from_amount", req.FromAmount)
	if err != nil {
		return nil, err
	}
	order := orchestrator.Order{User: user, FromToken: from, ToToken: to, FromAmount: amount}
	if req.MinToAmount != "" {
		if order.MinToAmount, err = parseAmount(op, "min_to_amount", req.MinToAmount); err != nil {
			return nil, err
		}
	}

	return a.deps.Orchestrator.Execute(r.Context(), order)
}

type hedgeExecuteRequest struct {
	FromToken string          `json:"from_token"`
	ToToken   string          `json:"to_token"`
	Percent   decimal.Decimal `json:"percent"`
}

func (a *api) hedgeExecute(r *http.Request, _ map[string]string) (interface{}, error) {
	const op = "server.hedgeExecute"
	if err := a.requireMode(op, orchestrator.ModeDirect); err != nil {
		return nil, err
	}
	var req hedgeExecuteRequest
	if err := decode(r, op, &req); err != nil {
		return nil, err
	}

	from, err := a.token(op, "from_token", req.FromToken)
	if err != nil {
		return nil, err
	}
	to, err := a.token(op, "to_token", req.ToToken)
	if err != nil {
		return nil, err
	}
	bps, err := fpmath.PercentToBps(req.Percent)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, op, "percent: %v", err)
	}

	return a.deps.Orchestrator.Execute(r.Context(), orchestrator.Order{FromToken: from, ToToken: to, PercentBps: bps})
}

type historyResponse struct {
	User        common.Address      `json:"user"`
	Source      string              `json:"source"`
	Settlements []settlement.Record `json:"settlements"`
}

func (a *api) history(r *http.Request, _ map[string]string) (interface{}, error) {
	const op = "server.history"
	q := r.URL.Query()
	user, err := parseAddress(op, "user", q.Get("user"))
	if err != nil {
		return nil, err
	}

	resp := historyResponse{User: user, Source: q.Get("source")}
	switch resp.Source {
	case "", "local":
		resp.Source = "local"
		resp.Settlements, err = a.deps.Log.History(r.Context(), user)
	case "chain":
		resp.Settlements, err = a.deps.Log.RemoteHistory(r.Context(), user)
	default:
		return nil, errs.New(errs.KindInvalidInput, op, "source must be local or chain")
	}
	if err != nil {
		return nil, err
	}
	if resp.Settlements == nil {
		resp.Settlements = []settlement.Record{}
	}
	return resp, nil
}

func (a *api) settlement(r *http.Request, params map[string]string) (interface{}, error) {
	const op = "server.settlement"
	user, err := parseAddress(op, "user", params["user"])
	if err != nil {
		return nil, err
	}
	index, err := strconv.ParseUint(params["index"], 10, 64)
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, op, "index must be a non-negative integer")
	}
	return a.deps.Log.Get(r.Context(), user, index)
}

// === Helpers ===

func (a *api) requireMode(op string, want orchestrator.Mode) error {
	if a.deps.Orchestrator == nil {
		return errs.New(errs.KindConfigurationMissing, op, "no settlement path configured")
	}
	if got := a.deps.Orchestrator.Mode(); got != want {
		return errs.New(errs.KindInvalidInput, op, "endpoint requires %s mode, service runs in %s mode", want, got)
	}
	return nil
}

func (a *api) accountKey(op, user, token string) (ledger.AccountKey, error) {
	u, err := parseAddress(op, "user", user)
	if err != nil {
		return ledger.AccountKey{}, err
	}
	t, err := a.token(op, "token", token)
	if err != nil {
		return ledger.AccountKey{}, err
	}
	return ledger.NewAccountKey(u, t), nil
}

// token accepts a 0x address or a configured asset symbol.
func (a *api) token(op, field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return parseAddress(op, field, s)
	}
	asset, err := decision.ParseAsset(s)
	if err != nil {
		return common.Address{}, errs.New(errs.KindInvalidInput, op, "%s: unknown token %q", field, s)
	}
	addr, ok := a.deps.Tokens[asset]
	if !ok {
		return common.Address{}, errs.New(errs.KindInvalidInput, op, "%s: no address configured for %s", field, asset)
	}
	return addr, nil
}

func parseAddress(op, field, s string) (common.Address, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "0x") || !common.IsHexAddress(s) {
		return common.Address{}, errs.New(errs.KindInvalidInput, op, "%s must be a 0x-prefixed 40-hex address", field)
	}
	addr := common.HexToAddress(s)
	if addr == (common.Address{}) {
		return common.Address{}, errs.New(errs.KindInvalidInput, op, "%s must not be the zero address", field)
	}
	return addr, nil
}

// parseAmount reads a base-unit integer amount.
func parseAmount(op, field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(strings.TrimSpace(s))
	if err != nil {
		return nil, errs.New(errs.KindInvalidInput, op, "%s must be a base-unit integer: %v", field, err)
	}
	if v.IsZero() {
		return nil, errs.New(errs.KindInvalidInput, op, "%s must be positive", field)
	}
	return v, nil
}

func decode(r *http.Request, op string, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errs.New(errs.KindInvalidInput, op, "invalid request body: %v", err)
	}
	return nil
}
