package ethereum

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	coretypes "github.com/ethereum/go-ethereum/core/types"

	xerrors "PulsePress/internal/errors"
)

// 公开的本地开发私钥，仅用于测试签名。
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var testToken = common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")

// fakeBackend 在内存中模拟链访问，记录提交的交易并按配置返回回执。
type fakeBackend struct {
	mu       sync.Mutex
	sent     []*coretypes.Transaction
	receipts map[common.Hash]*coretypes.Receipt
	balance  *big.Int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		receipts: make(map[common.Hash]*coretypes.Receipt),
		balance:  big.NewInt(0),
	}
}

func (b *fakeBackend) setReceipt(hash common.Hash, status uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.receipts[hash] = &coretypes.Receipt{Status: status, TxHash: hash}
}

func (b *fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) PendingCodeAt(ctx context.Context, account common.Address) ([]byte, error) {
	return []byte{0x60}, nil
}

func (b *fakeBackend) CallContract(ctx context.Context, call gethcore.CallMsg, blockNumber *big.Int) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return common.LeftPadBytes(b.balance.Bytes(), 32), nil
}

func (b *fakeBackend) HeaderByNumber(ctx context.Context, number *big.Int) (*coretypes.Header, error) {
	return &coretypes.Header{Number: big.NewInt(1)}, nil
}

func (b *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	return 0, nil
}

func (b *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1), nil
}

func (b *fakeBackend) EstimateGas(ctx context.Context, call gethcore.CallMsg) (uint64, error) {
	return 60000, nil
}

func (b *fakeBackend) SendTransaction(ctx context.Context, tx *coretypes.Transaction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, tx)
	return nil
}

func (b *fakeBackend) FilterLogs(ctx context.Context, query gethcore.FilterQuery) ([]coretypes.Log, error) {
	return nil, nil
}

func (b *fakeBackend) SubscribeFilterLogs(ctx context.Context, query gethcore.FilterQuery, ch chan<- coretypes.Log) (gethcore.Subscription, error) {
	return nil, errors.New("not supported")
}

func (b *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*coretypes.Receipt, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	receipt, ok := b.receipts[txHash]
	if !ok {
		return nil, gethcore.NotFound
	}
	return receipt, nil
}

func newTestClient(t *testing.T, backend Backend, keyHex string) *Client {
	t.Helper()
	client, err := NewWithBackend("base", big.NewInt(8453), testToken, keyHex, backend)
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	return client
}

func TestSubmitTransferRequiresSigner(t *testing.T) {
	client := newTestClient(t, newFakeBackend(), "")
	_, err := client.SubmitTransfer(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", big.NewInt(1))
	if !errors.Is(err, ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestSubmitTransferSendsTransaction(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, testKeyHex)

	hash, err := client.SubmitTransfer(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", big.NewInt(10000))
	if err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	if hash == "" {
		t.Fatal("expected a transaction hash")
	}

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.sent) != 1 {
		t.Fatalf("expected 1 sent transaction, got %d", len(backend.sent))
	}
	if to := backend.sent[0].To(); to == nil || *to != testToken {
		t.Fatalf("transfer should target the token contract, got %v", to)
	}
}

func TestSubmitTransferRejectsBadRecipient(t *testing.T) {
	client := newTestClient(t, newFakeBackend(), testKeyHex)
	if _, err := client.SubmitTransfer(context.Background(), "not-an-address", big.NewInt(1)); err == nil {
		t.Fatal("expected recipient validation error")
	}
	if _, err := client.SubmitTransfer(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", big.NewInt(0)); err == nil {
		t.Fatal("expected amount validation error")
	}
}

func TestWaitFinalityConfirmed(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, testKeyHex)

	hash, err := client.SubmitTransfer(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8", big.NewInt(1))
	if err != nil {
		t.Fatalf("SubmitTransfer: %v", err)
	}
	backend.setReceipt(common.HexToHash(hash), coretypes.ReceiptStatusSuccessful)

	if err := client.WaitFinality(context.Background(), hash); err != nil {
		t.Fatalf("WaitFinality: %v", err)
	}
}

func TestWaitFinalityReverted(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, testKeyHex)

	hash := common.HexToHash("0xdead")
	backend.setReceipt(hash, coretypes.ReceiptStatusFailed)

	if err := client.WaitFinality(context.Background(), hash.Hex()); !errors.Is(err, ErrTxReverted) {
		t.Fatalf("expected ErrTxReverted, got %v", err)
	}
}

func TestWaitFinalityTimesOut(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, testKeyHex)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := client.WaitFinality(ctx, "0xbeef")
	if xerrors.CodeOf(err) != xerrors.CodeTimeout {
		t.Fatalf("expected timeout error, got %v", err)
	}
}

func TestCheckFinalityStates(t *testing.T) {
	backend := newFakeBackend()
	client := newTestClient(t, backend, testKeyHex)

	finality, err := client.CheckFinality(context.Background(), "0x01")
	if err != nil || finality != FinalityPending {
		t.Fatalf("expected pending, got %v (%v)", finality, err)
	}

	confirmed := common.HexToHash("0x02")
	backend.setReceipt(confirmed, coretypes.ReceiptStatusSuccessful)
	finality, err = client.CheckFinality(context.Background(), confirmed.Hex())
	if err != nil || finality != FinalityConfirmed {
		t.Fatalf("expected confirmed, got %v (%v)", finality, err)
	}

	reverted := common.HexToHash("0x03")
	backend.setReceipt(reverted, coretypes.ReceiptStatusFailed)
	finality, err = client.CheckFinality(context.Background(), reverted.Hex())
	if err != nil || finality != FinalityReverted {
		t.Fatalf("expected reverted, got %v (%v)", finality, err)
	}
}

func TestTokenBalance(t *testing.T) {
	backend := newFakeBackend()
	backend.balance = big.NewInt(500000)
	client := newTestClient(t, backend, testKeyHex)

	balance, err := client.TokenBalance(context.Background(), "0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	if err != nil {
		t.Fatalf("TokenBalance: %v", err)
	}
	if balance.Cmp(big.NewInt(500000)) != 0 {
		t.Fatalf("balance = %s, want 500000", balance)
	}
}

func TestChainPrefersConfiguredName(t *testing.T) {
	client := newTestClient(t, newFakeBackend(), testKeyHex)
	if got := client.Chain(); got != "base" {
		t.Fatalf("Chain() = %q, want base", got)
	}
	unnamed, err := NewWithBackend("", big.NewInt(8453), testToken, "", newFakeBackend())
	if err != nil {
		t.Fatalf("NewWithBackend: %v", err)
	}
	if got := unnamed.Chain(); got != "8453" {
		t.Fatalf("Chain() = %q, want 8453", got)
	}
}
