// Package chain is the remote ledger adapter: it reaches the settlement
// contract over JSON-RPC, signs writes with the service key and waits for
// their receipts.
package chain

import (
	"HedgeLedger/internal/errs"
	"HedgeLedger/internal/observability"
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
)

// Backend is the subset of the Ethereum RPC the client uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Config for Dial.
type Config struct {
	RPCURL       string
	SignerKey    string // hex, with or without 0x
	Contract     common.Address
	Dex          common.Address // router passed to executeSettlement
	ChainID      int64          // 0 asks the node
	PollInterval time.Duration  // receipt polling; default 1s
	GasMargin    uint64         // percent added to gas estimates; default 20
}

// Client implements ledger.Remote, settlement.Executor and
// settlement.History against the settlement contract.
type Client struct {
	backend  Backend
	contract common.Address
	dex      common.Address
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	poll     time.Duration
	margin   uint64

	metrics *observability.Metrics
	logger  zerolog.Logger

	// Held from nonce lookup to broadcast so writes from this signer never
	// reuse a nonce.
	sendMu sync.Mutex
}

// Dial connects to cfg.RPCURL and builds a Client.
func Dial(ctx context.Context, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) (*Client, error) {
	endpoint := strings.TrimSpace(cfg.RPCURL)
	if endpoint == "" {
		return nil, errs.New(errs.KindConfigurationMissing, "chain.Dial", "rpc endpoint required")
	}
	eth, err := ethclient.DialContext(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}
	return NewClient(ctx, eth, cfg, metrics, logger)
}

// NewClient builds a Client over an existing backend.
func NewClient(ctx context.Context, backend Backend, cfg Config, metrics *observability.Metrics, logger zerolog.Logger) (*Client, error) {
	if cfg.Contract == (common.Address{}) {
		return nil, errs.New(errs.KindConfigurationMissing, "chain.NewClient", "settlement contract address required")
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(cfg.SignerKey), "0x"))
	if err != nil {
		return nil, errs.New(errs.KindConfigurationMissing, "chain.NewClient", "invalid signer key: %v", err)
	}

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		if chainID, err = backend.ChainID(ctx); err != nil {
			return nil, fmt.Errorf("fetch chain id: %w", err)
		}
	}

	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	margin := cfg.GasMargin
	if margin == 0 {
		margin = 20
	}

	c := &Client{
		backend:  backend,
		contract: cfg.Contract,
		dex:      cfg.Dex,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		poll:     poll,
		margin:   margin,
		metrics:  metrics,
		logger:   logger,
	}
	logger.Info().
		Str("signer", c.from.Hex()).
		Str("contract", c.contract.Hex()).
		Str("chain_id", chainID.String()).
		Msg("remote ledger client ready")
	return c, nil
}

// Signer returns the address writes are sent from.
func (c *Client) Signer() common.Address {
	return c.from
}

// Ping reads the latest header; used as the readiness check for the node.
func (c *Client) Ping(ctx context.Context) error {
	if _, err := c.backend.HeaderByNumber(ctx, nil); err != nil {
		return errs.Wrap(errs.KindRemoteCallTimeout, "chain.Ping", err)
	}
	return nil
}

// transact packs, signs and broadcasts method, then waits for its receipt.
// Failures carry RemoteCallReverted or RemoteCallTimeout.
func (c *Client) transact(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	start := time.Now()
	receipt, err := c.sendAndWait(ctx, method, args...)
	c.observe(method, start, err)
	return receipt, err
}

func (c *Client) sendAndWait(ctx context.Context, method string, args ...interface{}) (*types.Receipt, error) {
	op := "chain." + method

	data, err := settlementABI.Pack(method, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, fmt.Errorf("pack: %w", err))
	}

	tx, err := c.signAndSend(ctx, data)
	if err != nil {
		return nil, c.classify(ctx, op, err)
	}

	log := c.logger.With().Str("method", method).Str("tx", tx.Hash().Hex()).Logger()
	log.Debug().Uint64("nonce", tx.Nonce()).Msg("transaction sent")

	receipt, err := c.waitReceipt(ctx, tx.Hash())
	if err != nil {
		log.Warn().Err(err).Msg("stopped waiting for receipt")
		return nil, c.classify(ctx, op, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, errs.New(errs.KindRemoteCallReverted, op, "transaction %s reverted in block %s",
			tx.Hash().Hex(), receipt.BlockNumber)
	}
	log.Debug().Str("block", receipt.BlockNumber.String()).Uint64("gas_used", receipt.GasUsed).Msg("transaction confirmed")
	return receipt, nil
}

func (c *Client) signAndSend(ctx context.Context, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	to := c.contract
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:      c.from,
		To:        &to,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	gas += gas * c.margin / 100

	tx, err := types.SignNewTx(c.key, c.signer, &types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Data:      data,
	})
	if err != nil {
		return nil, fmt.Errorf("sign: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	return tx, nil
}

func (c *Client) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			c.logger.Debug().Err(err).Str("tx", hash.Hex()).Msg("receipt lookup failed, retrying")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// call runs a read-only method against block (nil = latest) and unpacks it.
func (c *Client) call(ctx context.Context, block *big.Int, method string, args ...interface{}) ([]interface{}, error) {
	op := "chain." + method
	start := time.Now()

	data, err := settlementABI.Pack(method, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, op, fmt.Errorf("pack: %w", err))
	}
	to := c.contract
	out, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.from, To: &to, Data: data}, block)
	if err != nil {
		err = c.classify(ctx, op, err)
		c.observe(method, start, err)
		return nil, err
	}
	values, err := settlementABI.Unpack(method, out)
	if err != nil {
		err = errs.Wrap(errs.KindInternal, op, fmt.Errorf("unpack: %w", err))
	}
	c.observe(method, start, err)
	return values, err
}

// classify maps a transport or execution failure to a stable kind.
func (c *Client) classify(ctx context.Context, op string, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.KindRemoteCallTimeout, op, err)
	}
	return errs.Wrap(errs.KindRemoteCallReverted, op, err)
}

func (c *Client) observe(method string, start time.Time, err error) {
	if c.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	c.metrics.RemoteCalls.WithLabelValues(method, result).Inc()
	c.metrics.RemoteCallDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
