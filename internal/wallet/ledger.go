package wallet

import (
	"context"
	"math/big"
	"sync"
	"time"

	xerrors "PulsePress/internal/errors"
)

// Payment 记录一笔已确认的链上支付。只追加，不修改。
type Payment struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	TxHash    string `json:"tx_hash"`
	Endpoint  string `json:"endpoint"`
	Timestamp int64  `json:"timestamp"`
}

// PendingSettlement 表示一笔已提交但未在等待窗口内确认的转账。
// 对应的预算额度保持占用，直到对账确认或明确回滚。
type PendingSettlement struct {
	TxHash    string
	Cost      *big.Int
	Amount    string
	Recipient string
	Endpoint  string
	ParkedAt  int64
}

// SpendingSnapshot 描述当前会话的消费状况。
type SpendingSnapshot struct {
	Spent     string    `json:"spent"`
	Reserved  string    `json:"reserved"`
	Remaining string    `json:"remaining"`
	Budget    string    `json:"budget"`
	Payments  []Payment `json:"payments"`
}

// PaymentSink 将支付记录持久化。会话计数不持久化，重启后归零。
type PaymentSink interface {
	Append(ctx context.Context, payment Payment) error
	Close() error
}

// BalanceReader 查询配置地址的链上代币余额。
type BalanceReader interface {
	TokenBalance(ctx context.Context, address string) (*big.Int, error)
}

const (
	CodeBudgetExceeded xerrors.Code = "BUDGET_EXCEEDED"
)

// ErrBudgetExceeded 表示本次支出会突破会话预算上限。
var ErrBudgetExceeded = xerrors.New(CodeBudgetExceeded, "session budget exceeded")

func init() {
	xerrors.Register(CodeBudgetExceeded, xerrors.Attributes{
		Message:   "session budget exceeded",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Ledger 跟踪会话内的累计消费，预算校验与提交在同一把锁内完成。
type Ledger struct {
	mu         sync.Mutex
	address    string
	decimals   int
	budget     *big.Int
	spent      *big.Int
	reserved   *big.Int
	payments   []Payment
	unresolved []PendingSettlement
	sink       PaymentSink
	balances   BalanceReader
}

// LedgerOption 定义可选配置。
type LedgerOption func(*Ledger)

// WithPaymentSink 配置支付记录的持久化目标。
func WithPaymentSink(sink PaymentSink) LedgerOption {
	return func(l *Ledger) {
		l.sink = sink
	}
}

// WithBalanceReader 配置链上余额查询后端。
func WithBalanceReader(reader BalanceReader) LedgerOption {
	return func(l *Ledger) {
		l.balances = reader
	}
}

// NewLedger 构造 Ledger。maxBudget 为十进制代币金额文本。
func NewLedger(address, maxBudget string, decimals int, opts ...LedgerOption) (*Ledger, error) {
	budget, err := ParseAmount(maxBudget, decimals)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "预算上限解析失败")
	}
	l := &Ledger{
		address:  address,
		decimals: decimals,
		budget:   budget,
		spent:    new(big.Int),
		reserved: new(big.Int),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

// Address 返回账本关联的钱包地址。
func (l *Ledger) Address() string {
	return l.address
}

// Decimals 返回代币精度。
func (l *Ledger) Decimals() int {
	return l.decimals
}

// Reserve 在结算开始前占用额度。校验与占用在同一临界区内完成，
// 并发调用不会共同越过预算上限。失败时账本不发生任何变化。
func (l *Ledger) Reserve(cost *big.Int) error {
	if cost == nil || cost.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "支出金额必须为正数")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	next := new(big.Int).Add(l.spent, l.reserved)
	next.Add(next, cost)
	if next.Cmp(l.budget) > 0 {
		return xerrors.New(CodeBudgetExceeded, "",
			xerrors.WithMetadata("spent", FormatAmount(l.spent, l.decimals)),
			xerrors.WithMetadata("cost", FormatAmount(cost, l.decimals)),
			xerrors.WithMetadata("budget", FormatAmount(l.budget, l.decimals)),
		)
	}
	l.reserved.Add(l.reserved, cost)
	return nil
}

// Release 归还一笔未能完成结算的占用额度。
func (l *Ledger) Release(cost *big.Int) {
	if cost == nil || cost.Sign() <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserved.Sub(l.reserved, cost)
	if l.reserved.Sign() < 0 {
		l.reserved.SetInt64(0)
	}
}

// Commit 在结算确认后将占用转为正式支出并追加支付记录。
func (l *Ledger) Commit(ctx context.Context, cost *big.Int, payment Payment) error {
	if cost == nil || cost.Sign() <= 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "支出金额必须为正数")
	}
	l.mu.Lock()
	l.reserved.Sub(l.reserved, cost)
	if l.reserved.Sign() < 0 {
		l.reserved.SetInt64(0)
	}
	l.spent.Add(l.spent, cost)
	if payment.Timestamp == 0 {
		payment.Timestamp = time.Now().Unix()
	}
	l.payments = append(l.payments, payment)
	sink := l.sink
	l.mu.Unlock()

	if sink != nil {
		if err := sink.Append(ctx, payment); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "支付记录持久化失败")
		}
	}
	return nil
}

// Park 记录一笔等待超时的转账。额度保持占用，等待后续对账。
func (l *Ledger) Park(settlement PendingSettlement) {
	if settlement.Cost == nil || settlement.Cost.Sign() <= 0 {
		return
	}
	if settlement.ParkedAt == 0 {
		settlement.ParkedAt = time.Now().Unix()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.unresolved = append(l.unresolved, settlement)
}

// TakeUnresolved 取走全部待对账的转账。调用方应将仍未确定的重新 Park。
func (l *Ledger) TakeUnresolved() []PendingSettlement {
	l.mu.Lock()
	defer l.mu.Unlock()
	pending := l.unresolved
	l.unresolved = nil
	return pending
}

// Spent 返回当前会话累计支出的副本。
func (l *Ledger) Spent() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.spent)
}

// SpendingSnapshot 返回当前会话的消费概览。
func (l *Ledger) SpendingSnapshot() SpendingSnapshot {
	l.mu.Lock()
	defer l.mu.Unlock()

	remaining := new(big.Int).Sub(l.budget, l.spent)
	remaining.Sub(remaining, l.reserved)
	if remaining.Sign() < 0 {
		remaining.SetInt64(0)
	}
	payments := make([]Payment, len(l.payments))
	copy(payments, l.payments)
	return SpendingSnapshot{
		Spent:     FormatAmount(l.spent, l.decimals),
		Reserved:  FormatAmount(l.reserved, l.decimals),
		Remaining: FormatAmount(remaining, l.decimals),
		Budget:    FormatAmount(l.budget, l.decimals),
		Payments:  payments,
	}
}

// BalanceSnapshot 查询配置地址的链上余额，返回十进制金额文本。
func (l *Ledger) BalanceSnapshot(ctx context.Context) (string, error) {
	if l.balances == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "未配置余额查询后端")
	}
	balance, err := l.balances.TokenBalance(ctx, l.address)
	if err != nil {
		return "", err
	}
	return FormatAmount(balance, l.decimals), nil
}

// Close 释放持久化资源。
func (l *Ledger) Close() error {
	l.mu.Lock()
	sink := l.sink
	l.sink = nil
	l.mu.Unlock()
	if sink != nil {
		return sink.Close()
	}
	return nil
}
