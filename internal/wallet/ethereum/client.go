package ethereum

import (
	"context"
	stdErrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	xerrors "PulsePress/internal/errors"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	gethrpc "github.com/ethereum/go-ethereum/rpc"
)

// erc20ABI covers the minimal surface needed for settlement: a transfer
// call and a balance read.
const erc20ABI = `[
  {"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
  {"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"}
]`

// Finality describes the observed state of a submitted transaction.
type Finality int

const (
	FinalityPending Finality = iota
	FinalityConfirmed
	FinalityReverted
)

// ErrNoSigner indicates that no wallet private key was configured. This is a
// fatal configuration error and must be surfaced to the caller.
var ErrNoSigner = xerrors.New(xerrors.CodeInitializationFailure, "未配置钱包私钥")

// ErrTxReverted indicates a transaction reached finality without success.
var ErrTxReverted = stdErrors.New("交易执行失败")

// Config describes how to construct a settlement client for an EVM chain.
type Config struct {
	Name          string
	RPCURL        string
	ChainID       int64
	TokenAddress  string
	PrivateKeyHex string
	PollInterval  time.Duration
}

// Client settles ERC-20 token transfers on an EVM compatible chain and
// exposes balance reads for the configured wallet.
type Client struct {
	name      string
	chainID   *big.Int
	token     common.Address
	backend   Backend
	rpcClient *gethrpc.Client
	eth       *ethclient.Client
	erc20     abi.ABI
	poll      time.Duration

	keyHex     string
	signerOnce sync.Once
	signer     *bind.TransactOpts
	signerErr  error

	mu sync.Mutex
}

// Backend mirrors the chain access methods the client needs, so tests can
// substitute an in-memory implementation.
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error)
}

// NewClient dials the configured RPC endpoint and returns a ready-to-use client.
func NewClient(ctx context.Context, cfg Config) (*Client, error) {
	rpcURL := strings.TrimSpace(cfg.RPCURL)
	if rpcURL == "" {
		return nil, stdErrors.New("未配置链 RPC 地址")
	}
	if strings.TrimSpace(cfg.TokenAddress) == "" {
		return nil, stdErrors.New("未配置代币合约地址")
	}

	rpcClient, err := gethrpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("连接链节点失败: %w", err)
	}
	eth := ethclient.NewClient(rpcClient)

	chainID := big.NewInt(cfg.ChainID)
	if cfg.ChainID == 0 {
		chainID, err = eth.ChainID(ctx)
		if err != nil {
			rpcClient.Close()
			return nil, fmt.Errorf("获取链 ID 失败: %w", err)
		}
	}

	client, err := newClient(cfg.Name, chainID, common.HexToAddress(cfg.TokenAddress), cfg.PrivateKeyHex, eth, cfg.PollInterval)
	if err != nil {
		rpcClient.Close()
		return nil, err
	}
	client.rpcClient = rpcClient
	client.eth = eth
	return client, nil
}

// NewWithBackend wraps an arbitrary backend, mainly for testing.
func NewWithBackend(name string, chainID *big.Int, token common.Address, keyHex string, backend Backend) (*Client, error) {
	return newClient(name, chainID, token, keyHex, backend, 0)
}

func newClient(name string, chainID *big.Int, token common.Address, keyHex string, backend Backend, poll time.Duration) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("解析 ERC20 ABI 失败: %w", err)
	}
	if poll <= 0 {
		poll = 2 * time.Second
	}
	return &Client{
		name:    name,
		chainID: new(big.Int).Set(chainID),
		token:   token,
		backend: backend,
		erc20:   parsed,
		keyHex:  keyHex,
		poll:    poll,
	}, nil
}

// Chain returns the chain identifier carried in proof headers.
func (c *Client) Chain() string {
	if c.name != "" {
		return c.name
	}
	return c.chainID.String()
}

// Address returns the wallet address derived from the configured key.
func (c *Client) Address() (string, error) {
	signer, err := c.ensureSigner()
	if err != nil {
		return "", err
	}
	return signer.From.Hex(), nil
}

// ensureSigner materializes the signing capability exactly once per process.
func (c *Client) ensureSigner() (*bind.TransactOpts, error) {
	c.signerOnce.Do(func() {
		keyHex := strings.TrimPrefix(strings.TrimSpace(c.keyHex), "0x")
		if keyHex == "" {
			c.signerErr = ErrNoSigner
			return
		}
		key, err := crypto.HexToECDSA(keyHex)
		if err != nil {
			c.signerErr = xerrors.Wrap(xerrors.CodeInitializationFailure, err, "钱包私钥不合法")
			return
		}
		signer, err := bind.NewKeyedTransactorWithChainID(key, c.chainID)
		if err != nil {
			c.signerErr = xerrors.Wrap(xerrors.CodeInitializationFailure, err, "构造交易签名器失败")
			return
		}
		c.signer = signer
	})
	return c.signer, c.signerErr
}

// SubmitTransfer sends an ERC-20 transfer of amount (base units) to the
// recipient and returns the transaction hash. Submission failures are
// returned without any state change.
func (c *Client) SubmitTransfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	signer, err := c.ensureSigner()
	if err != nil {
		return "", err
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", stdErrors.New("转账金额必须为正数")
	}
	if !common.IsHexAddress(recipient) {
		return "", fmt.Errorf("收款地址不合法: %s", recipient)
	}

	// Serialize submissions so concurrent transfers do not race on the nonce.
	c.mu.Lock()
	defer c.mu.Unlock()

	contract := bind.NewBoundContract(c.token, c.erc20, c.backend, c.backend, c.backend)
	opts := *signer
	opts.Context = ctx
	tx, err := contract.Transact(&opts, "transfer", common.HexToAddress(recipient), amount)
	if err != nil {
		return "", fmt.Errorf("提交代币转账失败: %w", err)
	}
	return tx.Hash().Hex(), nil
}

// WaitFinality polls for the transaction receipt until the context expires.
// A receipt without success status yields ErrTxReverted.
func (c *Client) WaitFinality(ctx context.Context, txHash string) error {
	hash := common.HexToHash(txHash)
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			if receipt.Status != coretypes.ReceiptStatusSuccessful {
				return ErrTxReverted
			}
			return nil
		case stdErrors.Is(err, gethcore.NotFound):
			// keep polling
		case stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(err, context.Canceled):
			return xerrors.Wrap(xerrors.CodeTimeout, err, "等待交易确认超时",
				xerrors.WithMetadata("tx_hash", txHash))
		default:
			return fmt.Errorf("查询交易回执失败: %w", err)
		}

		select {
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待交易确认超时",
				xerrors.WithMetadata("tx_hash", txHash))
		case <-ticker.C:
		}
	}
}

// CheckFinality performs a single receipt lookup, used for reconciling
// settlements whose wait window expired.
func (c *Client) CheckFinality(ctx context.Context, txHash string) (Finality, error) {
	receipt, err := c.backend.TransactionReceipt(ctx, common.HexToHash(txHash))
	if err != nil {
		if stdErrors.Is(err, gethcore.NotFound) {
			return FinalityPending, nil
		}
		return FinalityPending, fmt.Errorf("查询交易回执失败: %w", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		return FinalityReverted, nil
	}
	return FinalityConfirmed, nil
}

// TokenBalance reads the ERC-20 balance of the given address.
func (c *Client) TokenBalance(ctx context.Context, address string) (*big.Int, error) {
	if !common.IsHexAddress(address) {
		return nil, fmt.Errorf("查询地址不合法: %s", address)
	}
	contract := bind.NewBoundContract(c.token, c.erc20, c.backend, c.backend, c.backend)

	var out []any
	callOpts := &bind.CallOpts{Context: ctx}
	if err := contract.Call(callOpts, &out, "balanceOf", common.HexToAddress(address)); err != nil {
		return nil, fmt.Errorf("查询代币余额失败: %w", err)
	}
	if len(out) == 0 {
		return nil, stdErrors.New("余额查询返回为空")
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, stdErrors.New("余额查询返回类型不正确")
	}
	return new(big.Int).Set(balance), nil
}

// Close releases network connections held by the client.
func (c *Client) Close() {
	if c.eth != nil {
		c.eth.Close()
		c.eth = nil
	}
	if c.rpcClient != nil {
		c.rpcClient.Close()
		c.rpcClient = nil
	}
}
