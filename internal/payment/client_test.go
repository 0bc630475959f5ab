package payment

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	xerrors "PulsePress/internal/errors"
	"PulsePress/internal/wallet"
	"PulsePress/internal/wallet/ethereum"
)

// fakeSettler 在内存中模拟链上结算。
type fakeSettler struct {
	mu        sync.Mutex
	submitted []string
	submitErr error
	waitErr   error
	finality  map[string]ethereum.Finality
	checkErr  error
	nextHash  string
}

func newFakeSettler() *fakeSettler {
	return &fakeSettler{
		finality: make(map[string]ethereum.Finality),
		nextHash: "0xaaaa",
	}
}

func (s *fakeSettler) Chain() string { return "base" }

func (s *fakeSettler) SubmitTransfer(ctx context.Context, recipient string, amount *big.Int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitErr != nil {
		return "", s.submitErr
	}
	s.submitted = append(s.submitted, recipient)
	return s.nextHash, nil
}

func (s *fakeSettler) WaitFinality(ctx context.Context, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waitErr
}

func (s *fakeSettler) CheckFinality(ctx context.Context, txHash string) (ethereum.Finality, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.checkErr != nil {
		return ethereum.FinalityPending, s.checkErr
	}
	return s.finality[txHash], nil
}

func newTestLedger(t *testing.T, budget string) *wallet.Ledger {
	t.Helper()
	ledger, err := wallet.NewLedger("0xabc", budget, 6)
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return ledger
}

func paymentRequiredBody(amount, recipient string) []byte {
	body, _ := json.Marshal(map[string]any{
		"error": "payment required",
		"payment_details": map[string]string{
			"amount":    amount,
			"recipient": recipient,
		},
	})
	return body
}

func TestCallReturnsNonPaymentResponsesUnchanged(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "hello"})
	}))
	defer srv.Close()

	client, err := NewClient(newFakeSettler(), newTestLedger(t, "1"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Call(context.Background(), srv.URL, CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if resp.Paid {
		t.Fatal("free response should not be marked paid")
	}
	payload, ok := resp.JSON.(map[string]any)
	if !ok || payload["content"] != "hello" {
		t.Fatalf("unexpected payload: %+v", resp.JSON)
	}
}

func TestCallSettlesPaymentAndRetriesWithProof(t *testing.T) {
	var requests int
	var proofHash, proofChain string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests++
		if r.Header.Get(HeaderTxHash) == "" {
			w.WriteHeader(http.StatusPaymentRequired)
			_, _ = w.Write(paymentRequiredBody("0.01", "0xdef"))
			return
		}
		proofHash = r.Header.Get(HeaderTxHash)
		proofChain = r.Header.Get(HeaderChain)
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "paid content"})
	}))
	defer srv.Close()

	settler := newFakeSettler()
	ledger := newTestLedger(t, "0.50")
	client, err := NewClient(settler, ledger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Call(context.Background(), srv.URL, CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if !resp.Paid || resp.TxHash != "0xaaaa" {
		t.Fatalf("expected paid response with tx hash, got %+v", resp)
	}
	if requests != 2 {
		t.Fatalf("expected 2 requests, got %d", requests)
	}
	if proofHash != "0xaaaa" || proofChain != "base" {
		t.Fatalf("proof headers = %q / %q", proofHash, proofChain)
	}

	snapshot := ledger.SpendingSnapshot()
	if snapshot.Spent != "0.01" {
		t.Fatalf("spent = %q, want 0.01", snapshot.Spent)
	}
	if len(snapshot.Payments) != 1 || snapshot.Payments[0].Endpoint != srv.URL {
		t.Fatalf("unexpected payment record: %+v", snapshot.Payments)
	}
}

func TestCallRejectsMalformedPaymentDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"payment_details":{"amount":"0.01"}}`))
	}))
	defer srv.Close()

	settler := newFakeSettler()
	client, err := NewClient(settler, newTestLedger(t, "1"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Call(context.Background(), srv.URL, CallOptions{})
	if !errors.Is(err, ErrMalformedPaymentResponse) {
		t.Fatalf("expected malformed payment error, got %v", err)
	}
	settler.mu.Lock()
	defer settler.mu.Unlock()
	if len(settler.submitted) != 0 {
		t.Fatal("malformed details must not trigger a transfer")
	}
}

func TestCallStopsWhenBudgetExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(paymentRequiredBody("0.60", "0xdef"))
	}))
	defer srv.Close()

	settler := newFakeSettler()
	client, err := NewClient(settler, newTestLedger(t, "0.50"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Call(context.Background(), srv.URL, CallOptions{})
	if !errors.Is(err, wallet.ErrBudgetExceeded) {
		t.Fatalf("expected budget exceeded, got %v", err)
	}
	settler.mu.Lock()
	defer settler.mu.Unlock()
	if len(settler.submitted) != 0 {
		t.Fatal("over-budget payment must not reach the chain")
	}
}

func TestCallReleasesReservationOnSubmitFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(paymentRequiredBody("0.10", "0xdef"))
	}))
	defer srv.Close()

	settler := newFakeSettler()
	settler.submitErr = errors.New("nonce too low")
	ledger := newTestLedger(t, "0.10")
	client, err := NewClient(settler, ledger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Call(context.Background(), srv.URL, CallOptions{})
	if !errors.Is(err, ErrSettlementFailed) {
		t.Fatalf("expected settlement failure, got %v", err)
	}
	snapshot := ledger.SpendingSnapshot()
	if snapshot.Reserved != "0" || snapshot.Spent != "0" {
		t.Fatalf("failed settlement must release the reservation: %+v", snapshot)
	}
}

func TestCallParksSettlementOnTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(paymentRequiredBody("0.10", "0xdef"))
	}))
	defer srv.Close()

	settler := newFakeSettler()
	settler.waitErr = xerrors.Wrap(xerrors.CodeTimeout, context.DeadlineExceeded, "等待交易确认超时")
	ledger := newTestLedger(t, "0.50")
	client, err := NewClient(settler, ledger, WithSettleTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	_, err = client.Call(context.Background(), srv.URL, CallOptions{})
	if !errors.Is(err, ErrSettlementTimeout) {
		t.Fatalf("expected settlement timeout, got %v", err)
	}

	// 额度保持占用，交易进入待对账列表。
	snapshot := ledger.SpendingSnapshot()
	if snapshot.Reserved != "0.1" {
		t.Fatalf("reserved = %q, want 0.1", snapshot.Reserved)
	}
	pending := ledger.TakeUnresolved()
	if len(pending) != 1 || pending[0].TxHash != "0xaaaa" {
		t.Fatalf("unexpected pending settlements: %+v", pending)
	}
	ledger.Park(pending[0])
}

func TestCallReconcilesConfirmedSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "ok"})
	}))
	defer srv.Close()

	settler := newFakeSettler()
	settler.finality["0xparked"] = ethereum.FinalityConfirmed
	ledger := newTestLedger(t, "0.50")

	cost, err := wallet.ParseAmount("0.10", 6)
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}
	if err := ledger.Reserve(cost); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ledger.Park(wallet.PendingSettlement{
		TxHash: "0xparked", Cost: cost, Amount: "0.10", Recipient: "0xdef", Endpoint: srv.URL,
	})

	client, err := NewClient(settler, ledger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Call(context.Background(), srv.URL, CallOptions{}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	snapshot := ledger.SpendingSnapshot()
	if snapshot.Spent != "0.1" {
		t.Fatalf("spent = %q, want 0.1", snapshot.Spent)
	}
	if snapshot.Reserved != "0" {
		t.Fatalf("reserved = %q, want 0", snapshot.Reserved)
	}
	if len(ledger.TakeUnresolved()) != 0 {
		t.Fatal("confirmed settlement should leave the pending list")
	}
}

func TestCallReconcilesRevertedSettlement(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"content": "ok"})
	}))
	defer srv.Close()

	settler := newFakeSettler()
	settler.finality["0xparked"] = ethereum.FinalityReverted
	ledger := newTestLedger(t, "0.50")

	cost, err := wallet.ParseAmount("0.10", 6)
	if err != nil {
		t.Fatalf("ParseAmount: %v", err)
	}
	if err := ledger.Reserve(cost); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	ledger.Park(wallet.PendingSettlement{TxHash: "0xparked", Cost: cost, Amount: "0.10"})

	client, err := NewClient(settler, ledger)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	if _, err := client.Call(context.Background(), srv.URL, CallOptions{}); err != nil {
		t.Fatalf("Call: %v", err)
	}

	snapshot := ledger.SpendingSnapshot()
	if snapshot.Spent != "0" || snapshot.Reserved != "0" {
		t.Fatalf("reverted settlement should release its reservation: %+v", snapshot)
	}
}

func TestCallPassesThroughSecondPaymentRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write(paymentRequiredBody("0.01", "0xdef"))
	}))
	defer srv.Close()

	client, err := NewClient(newFakeSettler(), newTestLedger(t, "0.50"))
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	resp, err := client.Call(context.Background(), srv.URL, CallOptions{})
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	// 付款后仍返回 402，结果原样交给调用方。
	if resp.StatusCode != http.StatusPaymentRequired || !resp.Paid {
		t.Fatalf("unexpected response: %+v", resp)
	}
}
