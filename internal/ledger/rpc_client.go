package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"github.com/frahmantamala/escrow-settlement/internal/escrow"
)

// Backend is the subset of *ethclient.Client the RPC client depends on.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// Dialer opens a Backend for url.
type Dialer func(ctx context.Context, url string) (Backend, error)

func dialEthclient(ctx context.Context, url string) (Backend, error) {
	client, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	return client, nil
}

type RPCConfig struct {
	URL             string
	ChainID         int64
	ContractAddress common.Address
	OperatorKey     *ecdsa.PrivateKey
	Confirmations   uint64
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	DialTimeout     time.Duration
	// RateLimit caps RPC requests per second; zero disables limiting.
	RateLimit float64
	Retry     RetryPolicy
}

// RPCClient talks to an EVM node over JSON-RPC.
type RPCClient struct {
	cfg      RPCConfig
	logger   *slog.Logger
	abi      abi.ABI
	decoder  *Decoder
	operator common.Address
	limiter  *rate.Limiter
	dial     Dialer
	observer Observer
	now      func() time.Time

	mu      sync.RWMutex
	backend Backend
	signer  types.Signer

	// sendMu serialises nonce selection and broadcast for the operator account.
	sendMu sync.Mutex
}

type RPCOption func(*RPCClient)

func WithDialer(d Dialer) RPCOption {
	return func(c *RPCClient) {
		if d != nil {
			c.dial = d
		}
	}
}

func WithObserver(o Observer) RPCOption {
	return func(c *RPCClient) {
		if o != nil {
			c.observer = o
		}
	}
}

func WithClock(now func() time.Time) RPCOption {
	return func(c *RPCClient) {
		if now != nil {
			c.now = now
		}
	}
}

// ParseOperatorKey decodes a hex private key, with or without 0x.
func ParseOperatorKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("ledger: invalid operator key: %w", err)
	}
	return key, nil
}

func NewRPCClient(cfg RPCConfig, logger *slog.Logger, opts ...RPCOption) (*RPCClient, error) {
	if cfg.OperatorKey == nil {
		return nil, errors.New("ledger: operator key is required")
	}
	if cfg.ContractAddress == (common.Address{}) {
		return nil, errors.New("ledger: contract address is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.Retry == (RetryPolicy{}) {
		cfg.Retry = DefaultRetryPolicy()
	}

	decoder, err := NewDecoder(cfg.ContractAddress)
	if err != nil {
		return nil, err
	}

	c := &RPCClient{
		cfg:      cfg,
		logger:   logger,
		abi:      decoder.abi,
		decoder:  decoder,
		operator: crypto.PubkeyToAddress(cfg.OperatorKey.PublicKey),
		dial:     dialEthclient,
		observer: noopObserver{},
		now:      time.Now,
	}
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *RPCClient) Operator() common.Address { return c.operator }

// Connect dials the node and verifies it serves the configured chain.
func (c *RPCClient) Connect(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.DialTimeout)
	defer cancel()

	backend, err := c.dial(dialCtx, c.cfg.URL)
	if err != nil {
		return newError(KindUnavailable, "connect", "dial failed", err)
	}
	chainID, err := backend.ChainID(dialCtx)
	if err != nil {
		backend.Close()
		return newError(KindUnavailable, "connect", "chain id unavailable", err)
	}
	if c.cfg.ChainID != 0 && chainID.Cmp(big.NewInt(c.cfg.ChainID)) != 0 {
		backend.Close()
		return newError(KindProtocolMismatch, "connect", fmt.Sprintf("node serves chain %s, expected %d", chainID, c.cfg.ChainID), nil)
	}

	c.mu.Lock()
	if c.backend != nil {
		c.backend.Close()
	}
	c.backend = backend
	c.signer = types.LatestSignerForChainID(chainID)
	c.mu.Unlock()

	c.logger.Info("ledger connected", "chain_id", chainID.String(), "operator", c.operator.Hex(), "contract", c.cfg.ContractAddress.Hex())
	return nil
}

func (c *RPCClient) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.backend != nil
}

func (c *RPCClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.backend != nil {
		c.backend.Close()
		c.backend = nil
	}
}

func (c *RPCClient) conn() (Backend, types.Signer, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.backend == nil {
		return nil, nil, ErrNotConnected
	}
	return c.backend, c.signer, nil
}

func (c *RPCClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *RPCClient) observe(method string, started time.Time, err error) {
	c.observer.ObserveRPC(method, c.now().Sub(started).Seconds(), err)
}

// Submit estimates, signs and broadcasts call. Transient broadcast
// failures resend the same signed bytes, so a retry cannot land twice.
func (c *RPCClient) Submit(ctx context.Context, call Call) (common.Hash, error) {
	if err := call.Validate(); err != nil {
		return common.Hash{}, err
	}
	backend, signer, err := c.conn()
	if err != nil {
		return common.Hash{}, err
	}
	op := string(call.Op)

	data, err := c.abi.Pack(op, call.args()...)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: pack %s: %w", op, err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	var tx *types.Transaction
	err = retry(ctx, c.cfg.Retry, c.logger, op, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		started := c.now()
		built, err := c.buildTx(ctx, backend, call, data)
		c.observe("build_tx", started, err)
		if err != nil {
			return err
		}
		tx = built
		return nil
	})
	if err != nil {
		return common.Hash{}, Classify(op, err)
	}

	signed, err := types.SignTx(tx, signer, c.cfg.OperatorKey)
	if err != nil {
		return common.Hash{}, fmt.Errorf("ledger: sign %s: %w", op, err)
	}

	err = retry(ctx, c.cfg.Retry, c.logger, op, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		started := c.now()
		sendErr := backend.SendTransaction(ctx, signed)
		c.observe("eth_sendRawTransaction", started, sendErr)
		if sendErr == nil {
			return nil
		}
		if c.alreadySubmitted(ctx, backend, signed.Hash(), sendErr) {
			return nil
		}
		return sendErr
	})
	if err != nil {
		return common.Hash{}, Classify(op, err)
	}

	c.logger.Info("ledger transaction submitted", "op", op, "tx_hash", signed.Hash().Hex(), "nonce", signed.Nonce(), "escrow_id", call.EscrowID, "job_id", call.JobID)
	return signed.Hash(), nil
}

func (c *RPCClient) buildTx(ctx context.Context, backend Backend, call Call, data []byte) (*types.Transaction, error) {
	to := c.cfg.ContractAddress
	msg := ethereum.CallMsg{From: c.operator, To: &to, Value: call.value(), Data: data}

	// EstimateGas executes the call, so a revert surfaces here before
	// anything is broadcast.
	gas, err := backend.EstimateGas(ctx, msg)
	if err != nil {
		return nil, err
	}
	nonce, err := backend.PendingNonceAt(ctx, c.operator)
	if err != nil {
		return nil, err
	}
	gasPrice, err := backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}
	return types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas + gas/5,
		To:       &to,
		Value:    call.value(),
		Data:     data,
	}), nil
}

// alreadySubmitted reports whether a failed broadcast actually reached the
// node earlier, e.g. a retry after a timeout that had in fact succeeded.
func (c *RPCClient) alreadySubmitted(ctx context.Context, backend Backend, hash common.Hash, sendErr error) bool {
	msg := strings.ToLower(sendErr.Error())
	if !strings.Contains(msg, "already known") && !strings.Contains(msg, "nonce too low") {
		return false
	}
	_, _, err := backend.TransactionByHash(ctx, hash)
	return err == nil
}

// AwaitConfirmation polls for the receipt of txHash.
func (c *RPCClient) AwaitConfirmation(ctx context.Context, call Call, txHash common.Hash) (*Receipt, error) {
	backend, _, err := c.conn()
	if err != nil {
		return nil, err
	}
	op := string(call.Op)

	waitCtx, cancel := context.WithTimeout(ctx, c.cfg.ConfirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, done, err := c.pollReceipt(waitCtx, backend, txHash)
		if err != nil {
			return nil, Classify(op, err)
		}
		if done {
			return c.settle(ctx, backend, call, receipt)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-waitCtx.Done():
			c.logger.Warn("ledger confirmation window elapsed", "op", op, "tx_hash", txHash.Hex(), "escrow_id", call.EscrowID, "job_id", call.JobID)
			return nil, ErrConfirmationPending
		case <-ticker.C:
		}
	}
}

func (c *RPCClient) pollReceipt(ctx context.Context, backend Backend, txHash common.Hash) (*types.Receipt, bool, error) {
	if err := c.wait(ctx); err != nil {
		return nil, false, nil
	}
	started := c.now()
	receipt, err := backend.TransactionReceipt(ctx, txHash)
	c.observe("eth_getTransactionReceipt", started, err)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) || IsTransient(Classify("receipt", err)) {
			return nil, false, nil
		}
		return nil, false, err
	}
	if c.cfg.Confirmations <= 1 {
		return receipt, true, nil
	}
	head, err := backend.BlockNumber(ctx)
	if err != nil {
		return nil, false, nil
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined || head-mined+1 < c.cfg.Confirmations {
		return nil, false, nil
	}
	return receipt, true, nil
}

func (c *RPCClient) settle(ctx context.Context, backend Backend, call Call, receipt *types.Receipt) (*Receipt, error) {
	op := string(call.Op)
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.replayRevert(ctx, backend, call, receipt)
		return nil, newError(KindPrecondition, op, reason, nil)
	}
	events, err := c.decoder.DecodeReceipt(receipt)
	if err != nil {
		return nil, err
	}
	if _, err := FindEvent(call.Op, call.EscrowID, events); err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:      receipt.TxHash,
		BlockNumber: receipt.BlockNumber.Uint64(),
		Events:      events,
	}, nil
}

// replayRevert re-executes a failed transaction at its block to recover the
// revert string.
func (c *RPCClient) replayRevert(ctx context.Context, backend Backend, call Call, receipt *types.Receipt) string {
	tx, _, err := backend.TransactionByHash(ctx, receipt.TxHash)
	if err != nil {
		return "transaction reverted"
	}
	to := c.cfg.ContractAddress
	_, err = backend.CallContract(ctx, ethereum.CallMsg{
		From:  c.operator,
		To:    &to,
		Value: tx.Value(),
		Data:  tx.Data(),
	}, receipt.BlockNumber)
	if reason, ok := PreconditionReason(Classify(string(call.Op), err)); ok {
		return reason
	}
	return "transaction reverted"
}

func (c *RPCClient) call(ctx context.Context, method string, args ...interface{}) ([]byte, error) {
	backend, _, err := c.conn()
	if err != nil {
		return nil, err
	}
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: pack %s: %w", method, err)
	}
	to := c.cfg.ContractAddress

	var out []byte
	err = retry(ctx, c.cfg.Retry, c.logger, method, func() error {
		if err := c.wait(ctx); err != nil {
			return err
		}
		started := c.now()
		res, callErr := backend.CallContract(ctx, ethereum.CallMsg{From: c.operator, To: &to, Data: data}, nil)
		c.observe("eth_call", started, callErr)
		if callErr != nil {
			return callErr
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, Classify(method, err)
	}
	return out, nil
}

type rawEscrow struct {
	EscrowId         *big.Int       `abi:"escrowId"`
	JobId            string         `abi:"jobId"`
	Employer         common.Address `abi:"employer"`
	Worker           common.Address `abi:"worker"`
	Amount           *big.Int       `abi:"amount"`
	PlatformFee      *big.Int       `abi:"platformFee"`
	Status           uint8          `abi:"status"`
	WorkerConfirmed  bool           `abi:"workerConfirmed"`
	EmployerApproved bool           `abi:"employerApproved"`
	Disputed         bool           `abi:"disputed"`
	CreatedAt        *big.Int       `abi:"createdAt"`
	CompletedAt      *big.Int       `abi:"completedAt"`
	ReleasedAt       *big.Int       `abi:"releasedAt"`
}

func (c *RPCClient) GetEscrow(ctx context.Context, escrowID uint64) (*escrow.Escrow, error) {
	out, err := c.call(ctx, "getEscrow", new(big.Int).SetUint64(escrowID))
	if err != nil {
		if reason, ok := PreconditionReason(err); ok && reason == escrow.ReasonNotFound {
			return nil, newError(KindNotFound, "getEscrow", reason, err)
		}
		return nil, err
	}
	var raw rawEscrow
	if err := c.abi.UnpackIntoInterface(&raw, "getEscrow", out); err != nil {
		return nil, mismatch("getEscrow", "unpack: %v", err)
	}
	id, ok := bigToUint64(raw.EscrowId)
	if !ok || id == 0 {
		return nil, newError(KindNotFound, "getEscrow", fmt.Sprintf("escrow %d does not exist", escrowID), nil)
	}
	status := escrow.Status(raw.Status)
	if !status.Valid() {
		return nil, mismatch("getEscrow", "unknown status %d", raw.Status)
	}
	return &escrow.Escrow{
		ID:               id,
		JobID:            raw.JobId,
		Employer:         raw.Employer,
		Worker:           raw.Worker,
		Amount:           raw.Amount,
		PlatformFee:      raw.PlatformFee,
		Status:           status,
		WorkerConfirmed:  raw.WorkerConfirmed,
		EmployerApproved: raw.EmployerApproved,
		Disputed:         raw.Disputed,
		CreatedAt:        unixTime(raw.CreatedAt),
		CompletedAt:      unixTime(raw.CompletedAt),
		ReleasedAt:       unixTime(raw.ReleasedAt),
	}, nil
}

func (c *RPCClient) EscrowIDByJob(ctx context.Context, jobID string) (uint64, bool, error) {
	out, err := c.call(ctx, "escrowIdByJob", jobID)
	if err != nil {
		return 0, false, err
	}
	id, err := c.unpackUint(out, "escrowIdByJob")
	if err != nil {
		return 0, false, err
	}
	return id, id != 0, nil
}

func (c *RPCClient) PlatformFeeBps(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, "platformFeeBps")
	if err != nil {
		return 0, err
	}
	return c.unpackUint(out, "platformFeeBps")
}

func (c *RPCClient) unpackUint(out []byte, method string) (uint64, error) {
	values, err := c.abi.Unpack(method, out)
	if err != nil || len(values) != 1 {
		return 0, mismatch(method, "unexpected return data")
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return 0, mismatch(method, "return value is %T", values[0])
	}
	n, ok := bigToUint64(v)
	if !ok {
		return 0, mismatch(method, "return value out of range")
	}
	return n, nil
}

func unixTime(v *big.Int) time.Time {
	if v == nil || v.Sign() <= 0 || !v.IsInt64() {
		return time.Time{}
	}
	return time.Unix(v.Int64(), 0).UTC()
}
