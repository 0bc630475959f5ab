package payment

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"time"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/wallet"
	"PulsePress/internal/wallet/ethereum"
	"PulsePress/pkg/logger"
)

const (
	// HeaderTxHash 与 HeaderChain 是付费重试请求携带的凭证头。
	HeaderTxHash = "X-Payment-TxHash"
	HeaderChain  = "X-Payment-Chain"

	defaultSettleTimeout = 120 * time.Second
)

const (
	CodePaymentMalformed  xerrors.Code = "PAYMENT_MALFORMED"
	CodeSettlementFailed  xerrors.Code = "SETTLEMENT_FAILED"
	CodeSettlementTimeout xerrors.Code = "SETTLEMENT_TIMEOUT"
)

var (
	// ErrMalformedPaymentResponse 表示上游返回的付费要求缺少必要字段。
	// 协议契约被破坏，不会重试。
	ErrMalformedPaymentResponse = xerrors.New(CodePaymentMalformed, "malformed payment response")
	// ErrSettlementFailed 表示链上转账提交或执行失败。
	ErrSettlementFailed = xerrors.New(CodeSettlementFailed, "settlement failed")
	// ErrSettlementTimeout 表示在限定窗口内未能确认转账。
	ErrSettlementTimeout = xerrors.New(CodeSettlementTimeout, "settlement timed out")
)

func init() {
	xerrors.Register(CodePaymentMalformed, xerrors.Attributes{
		Message:   "malformed payment response",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementFailed, xerrors.Attributes{
		Message:   "settlement failed",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeSettlementTimeout, xerrors.Attributes{
		Message:   "settlement timed out",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
}

// Settler 抽象链上结算能力，由 wallet/ethereum 提供实现。
type Settler interface {
	Chain() string
	SubmitTransfer(ctx context.Context, recipient string, amount *big.Int) (string, error)
	WaitFinality(ctx context.Context, txHash string) error
	CheckFinality(ctx context.Context, txHash string) (ethereum.Finality, error)
}

// CallOptions 描述一次计量接口调用的可选参数。
type CallOptions struct {
	Method string
	Body   []byte
	Header http.Header
}

// Response 是计量接口调用的统一返回。JSON 可解析时置于 JSON，
// 否则原文置于 Raw。
type Response struct {
	StatusCode int
	JSON       any
	Raw        string
	Paid       bool
	TxHash     string
}

// paymentDetails 对应 402 响应体中的 payment_details 字段。
type paymentDetails struct {
	PaymentDetails struct {
		Amount    string `json:"amount"`
		Recipient string `json:"recipient"`
	} `json:"payment_details"`
}

// Client 负责调用计量接口：遇到付费要求时校验预算、完成链上结算，
// 并携带支付凭证重试原始请求。
type Client struct {
	http          *http.Client
	settler       Settler
	ledger        *wallet.Ledger
	settleTimeout time.Duration
	logger        *slog.Logger
}

// ClientOption 定义可选配置。
type ClientOption func(*Client)

// WithHTTPClient 指定底层 HTTP 客户端。
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.http = httpClient
		}
	}
}

// WithSettleTimeout 指定等待交易确认的上限。
func WithSettleTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.settleTimeout = timeout
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient 构造付费网关客户端。
func NewClient(settler Settler, ledger *wallet.Ledger, opts ...ClientOption) (*Client, error) {
	if settler == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "settler 不能为空")
	}
	if ledger == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "ledger 不能为空")
	}
	c := &Client{
		http:          &http.Client{Timeout: 30 * time.Second},
		settler:       settler,
		ledger:        ledger,
		settleTimeout: defaultSettleTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.logger == nil {
		c.logger = logger.Named("payment")
	}
	return c, nil
}

// Call 调用计量接口。非付费响应原样返回；付费要求触发
// 预算校验、链上结算与携带凭证的重试。
func (c *Client) Call(ctx context.Context, endpoint string, opts CallOptions) (*Response, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "endpoint 不能为空")
	}

	// 处理上一轮会话里等待超时的结算，避免漏记已确认的支出。
	c.reconcile(ctx)

	resp, body, err := c.doRequest(ctx, endpoint, opts, "")
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return parseResponse(resp.StatusCode, body, false, ""), nil
	}

	details, err := parsePaymentDetails(body)
	if err != nil {
		return nil, err
	}
	cost, err := wallet.ParseAmount(details.PaymentDetails.Amount, c.ledger.Decimals())
	if err != nil {
		return nil, xerrors.Wrap(CodePaymentMalformed, err, "付费金额不合法",
			xerrors.WithMetadata("endpoint", endpoint))
	}

	if err := c.ledger.Reserve(cost); err != nil {
		return nil, err
	}

	txHash, err := c.settle(ctx, endpoint, details.PaymentDetails.Amount, details.PaymentDetails.Recipient, cost)
	if err != nil {
		return nil, err
	}

	retryResp, retryBody, err := c.doRequest(ctx, endpoint, opts, txHash)
	if err != nil {
		return nil, err
	}
	// 重试仍返回付费要求时不做特殊处理，交由调用方判断。
	return parseResponse(retryResp.StatusCode, retryBody, true, txHash), nil
}

// settle 完成预算占用之后的链上转账与确认。返回交易哈希。
func (c *Client) settle(ctx context.Context, endpoint, amountText, recipient string, cost *big.Int) (string, error) {
	txHash, err := c.settler.SubmitTransfer(ctx, recipient, cost)
	if err != nil {
		c.ledger.Release(cost)
		if stdErrors.Is(err, ethereum.ErrNoSigner) {
			return "", err
		}
		return "", xerrors.Wrap(CodeSettlementFailed, err, "链上转账提交失败",
			xerrors.WithMetadata("endpoint", endpoint),
			xerrors.WithMetadata("recipient", recipient))
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.settleTimeout)
	defer cancel()
	if err := c.settler.WaitFinality(waitCtx, txHash); err != nil {
		if stdErrors.Is(err, ethereum.ErrTxReverted) {
			c.ledger.Release(cost)
			return "", xerrors.Wrap(CodeSettlementFailed, err, "链上转账执行失败",
				xerrors.WithMetadata("tx_hash", txHash))
		}
		// 等待超时：资金可能已经转出，额度保持占用并留待对账。
		c.ledger.Park(wallet.PendingSettlement{
			TxHash:    txHash,
			Cost:      cost,
			Amount:    amountText,
			Recipient: recipient,
			Endpoint:  endpoint,
		})
		c.logger.Warn("结算确认超时，已记录待对账交易",
			slog.String("tx_hash", txHash), slog.String("endpoint", endpoint))
		return "", xerrors.Wrap(CodeSettlementTimeout, err, "结算确认超时",
			xerrors.WithMetadata("tx_hash", txHash))
	}

	payment := wallet.Payment{
		Amount:    amountText,
		Recipient: recipient,
		TxHash:    txHash,
		Endpoint:  endpoint,
		Timestamp: time.Now().Unix(),
	}
	if err := c.ledger.Commit(ctx, cost, payment); err != nil {
		c.logger.Error("支付记录提交失败", slog.Any("error", err), slog.String("tx_hash", txHash))
	}
	logger.Audit().Info("链上结算完成",
		slog.String("endpoint", endpoint),
		slog.String("amount", amountText),
		slog.String("recipient", recipient),
		slog.String("tx_hash", txHash),
	)
	return txHash, nil
}

// reconcile 对上一批等待超时的结算做一次回执确认。
// 已确认的补记支出，明确失败的释放额度，仍未确定的继续保留。
func (c *Client) reconcile(ctx context.Context) {
	pending := c.ledger.TakeUnresolved()
	for _, p := range pending {
		state, err := c.settler.CheckFinality(ctx, p.TxHash)
		if err != nil {
			c.ledger.Park(p)
			continue
		}
		switch state {
		case ethereum.FinalityConfirmed:
			payment := wallet.Payment{
				Amount:    p.Amount,
				Recipient: p.Recipient,
				TxHash:    p.TxHash,
				Endpoint:  p.Endpoint,
				Timestamp: time.Now().Unix(),
			}
			if err := c.ledger.Commit(ctx, p.Cost, payment); err != nil {
				c.logger.Error("对账补记支出失败", slog.Any("error", err), slog.String("tx_hash", p.TxHash))
			}
			logger.Audit().Info("对账确认超时结算",
				slog.String("tx_hash", p.TxHash), slog.String("endpoint", p.Endpoint))
		case ethereum.FinalityReverted:
			c.ledger.Release(p.Cost)
			c.logger.Warn("超时结算已回滚，释放占用额度", slog.String("tx_hash", p.TxHash))
		default:
			c.ledger.Park(p)
		}
	}
}

func (c *Client) doRequest(ctx context.Context, endpoint string, opts CallOptions, txHash string) (*http.Response, []byte, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(opts.Body) > 0 {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "构造请求失败")
	}
	for key, values := range opts.Header {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if txHash != "" {
		req.Header.Set(HeaderTxHash, txHash)
		req.Header.Set(HeaderChain, c.settler.Chain())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "请求计量接口失败",
			xerrors.WithMetadata("endpoint", endpoint))
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, xerrors.Wrap(xerrors.CodeDispatchFailure, err, "读取响应失败")
	}
	return resp, payload, nil
}

func parsePaymentDetails(body []byte) (*paymentDetails, error) {
	var details paymentDetails
	if err := json.Unmarshal(body, &details); err != nil {
		return nil, xerrors.Wrap(CodePaymentMalformed, err, "付费要求解析失败")
	}
	if strings.TrimSpace(details.PaymentDetails.Amount) == "" ||
		strings.TrimSpace(details.PaymentDetails.Recipient) == "" {
		return nil, xerrors.New(CodePaymentMalformed, "付费要求缺少 amount 或 recipient")
	}
	return &details, nil
}

func parseResponse(status int, body []byte, paid bool, txHash string) *Response {
	resp := &Response{StatusCode: status, Paid: paid, TxHash: txHash}
	var parsed any
	if err := json.Unmarshal(body, &parsed); err == nil {
		resp.JSON = parsed
	} else {
		resp.Raw = string(body)
	}
	return resp
}
