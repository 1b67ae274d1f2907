package service_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sokoline/sokopay/internal/clock"
	"github.com/sokoline/sokopay/internal/config"
	"github.com/sokoline/sokopay/internal/events"
	methodrepo "github.com/sokoline/sokopay/internal/method/repository"
	methodservice "github.com/sokoline/sokopay/internal/method/service"
	"github.com/sokoline/sokopay/internal/order"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentrepo "github.com/sokoline/sokopay/internal/payment/repository"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	method paymentdomain.Method

	mu             sync.Mutex
	initiateResult paymentdomain.InitiateResult
	initiateErr    error
	verifyResult   paymentdomain.VerifyResult
	verifyErr      error
	initiateCalls  int
	verifyCalls    int
	cancelCalls    int
}

func (f *fakeAdapter) Method() paymentdomain.Method { return f.method }

func (f *fakeAdapter) Initiate(ctx context.Context, payment *paymentdomain.Payment) (paymentdomain.InitiateResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiateCalls++
	return f.initiateResult, f.initiateErr
}

func (f *fakeAdapter) Verify(ctx context.Context, payment *paymentdomain.Payment) (paymentdomain.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeAdapter) Cancel(ctx context.Context, payment *paymentdomain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls++
	return nil
}

func (f *fakeAdapter) DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.WebhookEvent, error) {
	return nil, paymentdomain.ErrInvalidPayload
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE payments (
			id BIGINT PRIMARY KEY,
			order_id BIGINT NOT NULL,
			payer_id BIGINT NOT NULL,
			method TEXT NOT NULL,
			amount BIGINT NOT NULL,
			currency TEXT NOT NULL,
			status TEXT NOT NULL,
			reference_number TEXT NOT NULL,
			provider_request_id TEXT,
			provider_txn_id TEXT,
			fee BIGINT NOT NULL DEFAULT 0,
			failure_reason TEXT,
			notes TEXT,
			detail TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			processed_at TIMESTAMP,
			expires_at TIMESTAMP
		)`,
		`CREATE UNIQUE INDEX uq_payments_reference_number ON payments(reference_number)`,
		`CREATE UNIQUE INDEX uq_payments_active_order ON payments(order_id) WHERE status IN ('pending', 'processing')`,
		`CREATE TABLE payment_transactions (
			id BIGINT PRIMARY KEY,
			payment_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			status TEXT NOT NULL,
			external_ref TEXT,
			description TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE provider_callbacks (
			id BIGINT PRIMARY KEY,
			provider TEXT NOT NULL,
			event_type TEXT,
			provider_txn_id TEXT,
			payload TEXT NOT NULL,
			signature_valid BOOLEAN NOT NULL DEFAULT FALSE,
			payment_id BIGINT,
			processed BOOLEAN NOT NULL DEFAULT FALSE,
			applied BOOLEAN NOT NULL DEFAULT FALSE,
			processing_error TEXT,
			received_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE payment_methods (
			id BIGINT PRIMARY KEY,
			method TEXT NOT NULL,
			active BOOLEAN NOT NULL,
			min_amount BIGINT NOT NULL,
			max_amount BIGINT NOT NULL,
			fixed_fee BIGINT NOT NULL,
			percent_fee REAL NOT NULL,
			test_mode BOOLEAN NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE UNIQUE INDEX uq_payment_methods_method ON payment_methods(method)`,
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

func seedMethod(t *testing.T, db *gorm.DB, node *snowflake.Node, method paymentdomain.Method, active bool, minAmount, maxAmount, fixedFee int64, percentFee float64) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO payment_methods (id, method, active, min_amount, max_amount, fixed_fee, percent_fee, test_mode, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.Generate(), method, active, minAmount, maxAmount, fixedFee, percentFee, true,
		time.Now().UTC(), time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed method %s: %v", method, err)
	}
}

type testEnv struct {
	svc    *paymentservice.Service
	db     *gorm.DB
	node   *snowflake.Node
	clk    *clock.FakeClock
	orders *order.Memory
	momo   *fakeAdapter
	airtel *fakeAdapter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	seedMethod(t, db, node, paymentdomain.MethodMTNMoMo, true, 500, 5000000, 200, 0.015)
	seedMethod(t, db, node, paymentdomain.MethodAirtelMoney, true, 500, 5000000, 0, 0.02)
	seedMethod(t, db, node, paymentdomain.MethodCOD, true, 1000, 2000000, 0, 0)

	momo := &fakeAdapter{
		method:         paymentdomain.MethodMTNMoMo,
		initiateResult: paymentdomain.InitiateResult{Accepted: true, ProviderRequestID: "req-momo"},
	}
	airtel := &fakeAdapter{
		method:         paymentdomain.MethodAirtelMoney,
		initiateResult: paymentdomain.InitiateResult{Accepted: true, ProviderRequestID: "req-airtel"},
	}
	codAdapter := &fakeAdapter{
		method:         paymentdomain.MethodCOD,
		initiateResult: paymentdomain.InitiateResult{Accepted: true},
	}

	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	orders := order.NewMemory()

	methodSvc := methodservice.NewService(methodservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: methodrepo.Provide(),
	})

	svc := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Tuning:    config.NewStaticTuningHolder(config.DefaultTuning()),
		MethodSvc: methodSvc,
		Repo:      paymentrepo.Provide(),
		Registry:  adapters.NewRegistry(momo, airtel, codAdapter),
		Orders:    orders,
		Events:    events.NoopPublisher{},
	})

	return &testEnv{
		svc:    svc,
		db:     db,
		node:   node,
		clk:    clk,
		orders: orders,
		momo:   momo,
		airtel: airtel,
	}
}

func (e *testEnv) seedOrder(amount int64) snowflake.ID {
	orderID := e.node.Generate()
	e.orders.Seed(orderID, amount, "UGX")
	return orderID
}

func (e *testEnv) createPush(t *testing.T, orderID snowflake.ID) *paymentdomain.Payment {
	t.Helper()
	payment, err := e.svc.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID: orderID,
		PayerID: e.node.Generate(),
		Method:  paymentdomain.MethodMTNMoMo,
		Phone:   "256700000001",
	})
	if err != nil {
		t.Fatalf("create payment: %v", err)
	}
	return payment
}

func transactionsFor(t *testing.T, e *testEnv, paymentID snowflake.ID) []paymentdomain.Transaction {
	t.Helper()
	txns, err := e.svc.ListTransactions(context.Background(), paymentID)
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	return txns
}

func TestCreatePaymentPushAccepted(t *testing.T) {
	e := newTestEnv(t)
	orderID := e.seedOrder(10000)

	payment := e.createPush(t, orderID)

	if payment.Status != paymentdomain.StatusProcessing {
		t.Fatalf("status = %s, want processing", payment.Status)
	}
	if payment.Amount != 10000 {
		t.Errorf("amount = %d", payment.Amount)
	}
	// 200 fixed + 1.5% of 10000
	if payment.Fee != 350 {
		t.Errorf("fee = %d, want 350", payment.Fee)
	}
	if payment.ReferenceNumber == "" {
		t.Error("reference number not set")
	}
	if payment.ProviderRequestID != "req-momo" {
		t.Errorf("ProviderRequestID = %q", payment.ProviderRequestID)
	}
	if payment.ExpiresAt == nil {
		t.Fatal("expires_at not set for push payment")
	}
	wantExpiry := e.clk.Now().Add(config.DefaultTuning().PushExpiry)
	if !payment.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expires_at = %v, want %v", payment.ExpiresAt, wantExpiry)
	}
	if e.momo.initiateCalls != 1 {
		t.Errorf("initiate calls = %d", e.momo.initiateCalls)
	}

	txns := transactionsFor(t, e, payment.ID)
	if len(txns) != 2 {
		t.Fatalf("transactions = %d, want 2", len(txns))
	}
	if txns[0].Status != paymentdomain.StatusPending || txns[1].Status != paymentdomain.StatusProcessing {
		t.Errorf("transaction statuses = %s, %s", txns[0].Status, txns[1].Status)
	}
}

func TestCreatePaymentProviderRejected(t *testing.T) {
	e := newTestEnv(t)
	e.momo.initiateResult = paymentdomain.InitiateResult{Accepted: false, Reason: "payer limit reached"}
	orderID := e.seedOrder(10000)

	payment := e.createPush(t, orderID)

	if payment.Status != paymentdomain.StatusFailed {
		t.Fatalf("status = %s, want failed", payment.Status)
	}
	if payment.FailureReason != "payer limit reached" {
		t.Errorf("failure reason = %q", payment.FailureReason)
	}
	if len(e.orders.Failed) != 1 {
		t.Errorf("order not marked failed")
	}
}

func TestCreatePaymentProviderUnavailable(t *testing.T) {
	e := newTestEnv(t)
	e.momo.initiateErr = paymentdomain.ErrProviderUnavailable
	orderID := e.seedOrder(10000)

	payment := e.createPush(t, orderID)

	if payment.Status != paymentdomain.StatusFailed {
		t.Fatalf("status = %s, want failed", payment.Status)
	}
	if payment.FailureReason != "provider unavailable" {
		t.Errorf("failure reason = %q", payment.FailureReason)
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	e := newTestEnv(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		setup func() paymentservice.CreatePaymentInput
		want  error
	}{
		{
			name: "invalid method",
			setup: func() paymentservice.CreatePaymentInput {
				return paymentservice.CreatePaymentInput{
					OrderID: e.seedOrder(10000),
					PayerID: e.node.Generate(),
					Method:  "paypal",
					Phone:   "256700000001",
				}
			},
			want: paymentdomain.ErrInvalidMethod,
		},
		{
			name: "amount below minimum",
			setup: func() paymentservice.CreatePaymentInput {
				return paymentservice.CreatePaymentInput{
					OrderID: e.seedOrder(100),
					PayerID: e.node.Generate(),
					Method:  paymentdomain.MethodMTNMoMo,
					Phone:   "256700000001",
				}
			},
			want: paymentdomain.ErrAmountOutOfRange,
		},
		{
			name: "amount mismatch with order",
			setup: func() paymentservice.CreatePaymentInput {
				return paymentservice.CreatePaymentInput{
					OrderID: e.seedOrder(10000),
					PayerID: e.node.Generate(),
					Method:  paymentdomain.MethodMTNMoMo,
					Amount:  9999,
					Phone:   "256700000001",
				}
			},
			want: paymentdomain.ErrAmountOutOfRange,
		},
		{
			name: "bad phone",
			setup: func() paymentservice.CreatePaymentInput {
				return paymentservice.CreatePaymentInput{
					OrderID: e.seedOrder(10000),
					PayerID: e.node.Generate(),
					Method:  paymentdomain.MethodMTNMoMo,
					Phone:   "not-a-phone",
				}
			},
			want: paymentdomain.ErrInvalidPhone,
		},
		{
			name: "cod without address",
			setup: func() paymentservice.CreatePaymentInput {
				return paymentservice.CreatePaymentInput{
					OrderID: e.seedOrder(10000),
					PayerID: e.node.Generate(),
					Method:  paymentdomain.MethodCOD,
				}
			},
			want: paymentdomain.ErrInvalidDetail,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := e.svc.CreatePayment(ctx, tc.setup())
			if !errors.Is(err, tc.want) {
				t.Fatalf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreatePaymentInactiveMethod(t *testing.T) {
	e := newTestEnv(t)
	if err := e.db.Exec(`UPDATE payment_methods SET active = ? WHERE method = ?`, false, paymentdomain.MethodMTNMoMo).Error; err != nil {
		t.Fatalf("deactivate method: %v", err)
	}

	_, err := e.svc.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID: e.seedOrder(10000),
		PayerID: e.node.Generate(),
		Method:  paymentdomain.MethodMTNMoMo,
		Phone:   "256700000001",
	})
	if !errors.Is(err, paymentdomain.ErrMethodInactive) {
		t.Fatalf("err = %v, want ErrMethodInactive", err)
	}
}

func TestOneActivePaymentPerOrder(t *testing.T) {
	e := newTestEnv(t)
	orderID := e.seedOrder(10000)

	first := e.createPush(t, orderID)
	if first.Status != paymentdomain.StatusProcessing {
		t.Fatalf("first payment status = %s", first.Status)
	}

	_, err := e.svc.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID: orderID,
		PayerID: e.node.Generate(),
		Method:  paymentdomain.MethodAirtelMoney,
		Phone:   "256750000002",
	})
	if !errors.Is(err, paymentdomain.ErrActivePaymentExists) {
		t.Fatalf("err = %v, want ErrActivePaymentExists", err)
	}

	// Once the first attempt fails the order accepts a fresh payment.
	if _, err := e.svc.FailPayment(context.Background(), first.ID, "push declined"); err != nil {
		t.Fatalf("fail payment: %v", err)
	}
	second, err := e.svc.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID: orderID,
		PayerID: e.node.Generate(),
		Method:  paymentdomain.MethodAirtelMoney,
		Phone:   "256750000002",
	})
	if err != nil {
		t.Fatalf("second payment: %v", err)
	}
	if second.Status != paymentdomain.StatusProcessing {
		t.Errorf("second payment status = %s", second.Status)
	}
}

func TestTransitionRejectsIllegalEdges(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	// processing -> refunded is not an edge.
	_, err := e.svc.Transition(context.Background(), payment.ID, paymentservice.TransitionInput{
		To: paymentdomain.StatusRefunded,
	})
	if !errors.Is(err, paymentdomain.ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}

	if _, err := e.svc.FailPayment(context.Background(), payment.ID, "declined"); err != nil {
		t.Fatalf("fail payment: %v", err)
	}

	// Terminal rows reject every further transition.
	_, err = e.svc.Transition(context.Background(), payment.ID, paymentservice.TransitionInput{
		To: paymentdomain.StatusCompleted,
	})
	if !errors.Is(err, paymentdomain.ErrPaymentTerminal) {
		t.Fatalf("err = %v, want ErrPaymentTerminal", err)
	}

	// No transaction rows were appended by the rejected attempts.
	txns := transactionsFor(t, e, payment.ID)
	if len(txns) != 3 {
		t.Fatalf("transactions = %d, want 3 (created, processing, failed)", len(txns))
	}
}

func TestCancelPayment(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	cancelled, err := e.svc.Cancel(context.Background(), payment.ID, "buyer changed mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != paymentdomain.StatusCancelled {
		t.Fatalf("status = %s", cancelled.Status)
	}
	if e.momo.cancelCalls != 1 {
		t.Errorf("adapter cancel calls = %d", e.momo.cancelCalls)
	}
	if len(e.orders.Failed) != 1 {
		t.Errorf("order not released")
	}

	if _, err := e.svc.Cancel(context.Background(), payment.ID, ""); !errors.Is(err, paymentdomain.ErrPaymentTerminal) {
		t.Fatalf("second cancel err = %v, want ErrPaymentTerminal", err)
	}
}

func TestApplyProviderStatusCompletes(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	updated, transitioned, err := e.svc.ApplyProviderStatus(context.Background(), payment.ID, paymentdomain.VerifyResult{
		Status:         paymentdomain.StatusCompleted,
		ProviderStatus: "SUCCESSFUL",
		ProviderTxnID:  "ftx-1",
	}, "webhook")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if !transitioned {
		t.Fatal("expected a transition")
	}
	if updated.Status != paymentdomain.StatusCompleted {
		t.Fatalf("status = %s", updated.Status)
	}
	if updated.ProviderTxnID != "ftx-1" {
		t.Errorf("ProviderTxnID = %q", updated.ProviderTxnID)
	}
	if updated.ProcessedAt == nil {
		t.Error("processed_at not set")
	}
	if len(e.orders.Paid) != 1 {
		t.Errorf("order not marked paid")
	}

	detail, err := updated.MobileMoney()
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.ProviderStatus != "SUCCESSFUL" {
		t.Errorf("provider status = %q", detail.ProviderStatus)
	}
}

func TestApplyProviderStatusPendingOnlyRecords(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	updated, transitioned, err := e.svc.ApplyProviderStatus(context.Background(), payment.ID, paymentdomain.VerifyResult{
		Status:         paymentdomain.StatusProcessing,
		ProviderStatus: "PENDING",
	}, "reconciliation")
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if transitioned {
		t.Fatal("no transition expected")
	}
	if updated.Status != paymentdomain.StatusProcessing {
		t.Fatalf("status = %s", updated.Status)
	}
	if len(transactionsFor(t, e, payment.ID)) != 2 {
		t.Error("pending verdict appended a transaction")
	}
}

func TestRecordRefund(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	if _, _, err := e.svc.ApplyProviderStatus(context.Background(), payment.ID, paymentdomain.VerifyResult{
		Status: paymentdomain.StatusCompleted,
	}, "webhook"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	if _, err := e.svc.RecordRefund(context.Background(), payment.ID, 20000, ""); !errors.Is(err, paymentdomain.ErrAmountOutOfRange) {
		t.Fatalf("over-refund err = %v", err)
	}

	refunded, err := e.svc.RecordRefund(context.Background(), payment.ID, 4000, "damaged goods")
	if err != nil {
		t.Fatalf("refund: %v", err)
	}
	if refunded.Status != paymentdomain.StatusRefunded {
		t.Fatalf("status = %s", refunded.Status)
	}

	txns := transactionsFor(t, e, payment.ID)
	last := txns[len(txns)-1]
	if last.Type != paymentdomain.TransactionTypePartialRefund {
		t.Errorf("type = %s, want partial_refund", last.Type)
	}
	if last.Amount != 4000 {
		t.Errorf("amount = %d", last.Amount)
	}
}

func TestRecordVerifyAttempt(t *testing.T) {
	e := newTestEnv(t)
	payment := e.createPush(t, e.seedOrder(10000))

	for want := 1; want <= 3; want++ {
		attempts, maxRetries, err := e.svc.RecordVerifyAttempt(context.Background(), payment.ID)
		if err != nil {
			t.Fatalf("attempt %d: %v", want, err)
		}
		if attempts != want {
			t.Fatalf("attempts = %d, want %d", attempts, want)
		}
		if maxRetries != config.DefaultTuning().MaxVerifyRetries {
			t.Fatalf("maxRetries = %d", maxRetries)
		}
	}
}

func TestCreatePaymentUnknownOrder(t *testing.T) {
	e := newTestEnv(t)

	_, err := e.svc.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID: e.node.Generate(),
		PayerID: e.node.Generate(),
		Method:  paymentdomain.MethodMTNMoMo,
		Phone:   "256700000001",
	})
	if !errors.Is(err, order.ErrOrderNotFound) {
		t.Fatalf("err = %v, want ErrOrderNotFound", err)
	}
}
