package reconciler_test

import (
	"context"
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
	"github.com/sokoline/sokopay/internal/payment/adapters/cod"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentrepo "github.com/sokoline/sokopay/internal/payment/repository"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"github.com/sokoline/sokopay/internal/reconciler"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

type fakeAdapter struct {
	method paymentdomain.Method

	mu           sync.Mutex
	verifyResult paymentdomain.VerifyResult
	verifyErr    error
	verifyCalls  int
}

func (f *fakeAdapter) Method() paymentdomain.Method { return f.method }

func (f *fakeAdapter) Initiate(ctx context.Context, payment *paymentdomain.Payment) (paymentdomain.InitiateResult, error) {
	return paymentdomain.InitiateResult{Accepted: true, ProviderRequestID: payment.ReferenceNumber}, nil
}

func (f *fakeAdapter) Verify(ctx context.Context, payment *paymentdomain.Payment) (paymentdomain.VerifyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	return f.verifyResult, f.verifyErr
}

func (f *fakeAdapter) Cancel(ctx context.Context, payment *paymentdomain.Payment) error { return nil }

func (f *fakeAdapter) DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*paymentdomain.WebhookEvent, error) {
	return nil, paymentdomain.ErrInvalidPayload
}

func (f *fakeAdapter) setVerify(result paymentdomain.VerifyResult, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyResult = result
	f.verifyErr = err
}

func (f *fakeAdapter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyCalls
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
	}
	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return db
}

type testEnv struct {
	sched  *reconciler.Scheduler
	pays   *paymentservice.Service
	node   *snowflake.Node
	clk    *clock.FakeClock
	orders *order.Memory
	momo   *fakeAdapter
	tuning config.Tuning
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db := setupTestDB(t)
	node, err := snowflake.NewNode(10)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	for _, method := range []paymentdomain.Method{paymentdomain.MethodMTNMoMo, paymentdomain.MethodCOD} {
		err := db.Exec(
			`INSERT INTO payment_methods (id, method, active, min_amount, max_amount, fixed_fee, percent_fee, test_mode, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			node.Generate(), method, true, 500, 5000000, 0, 0.0, true,
			time.Now().UTC(), time.Now().UTC(),
		).Error
		if err != nil {
			t.Fatalf("seed method %s: %v", method, err)
		}
	}

	momo := &fakeAdapter{
		method:       paymentdomain.MethodMTNMoMo,
		verifyResult: paymentdomain.VerifyResult{Status: paymentdomain.StatusProcessing, ProviderStatus: "PENDING"},
	}
	registry := adapters.NewRegistry(momo, cod.New())
	clk := clock.NewFakeClock(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	orders := order.NewMemory()
	repo := paymentrepo.Provide()
	tuning := config.DefaultTuning()
	holder := config.NewStaticTuningHolder(tuning)

	methodSvc := methodservice.NewService(methodservice.Params{
		DB:   db,
		Log:  zap.NewNop(),
		Repo: methodrepo.Provide(),
	})
	pays := paymentservice.NewService(paymentservice.Params{
		DB:        db,
		Log:       zap.NewNop(),
		GenID:     node,
		Clock:     clk,
		Tuning:    holder,
		MethodSvc: methodSvc,
		Repo:      repo,
		Registry:  registry,
		Orders:    orders,
		Events:    events.NoopPublisher{},
	})
	sched, err := reconciler.New(reconciler.Params{
		DB:         db,
		Log:        zap.NewNop(),
		Clock:      clk,
		Tuning:     holder,
		Repo:       repo,
		Registry:   registry,
		PaymentSvc: pays,
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return &testEnv{sched: sched, pays: pays, node: node, clk: clk, orders: orders, momo: momo, tuning: tuning}
}

func (e *testEnv) pushPayment(t *testing.T) *paymentdomain.Payment {
	t.Helper()
	orderID := e.node.Generate()
	e.orders.Seed(orderID, 10000, "UGX")
	payment, err := e.pays.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
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

func (e *testEnv) status(t *testing.T, id snowflake.ID) paymentdomain.Status {
	t.Helper()
	payment, err := e.pays.GetPayment(context.Background(), id)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	return payment.Status
}

func TestVerifyStaleSettlesPayment(t *testing.T) {
	e := newTestEnv(t)
	payment := e.pushPayment(t)
	e.momo.setVerify(paymentdomain.VerifyResult{
		Status:         paymentdomain.StatusCompleted,
		ProviderStatus: "SUCCESSFUL",
		ProviderTxnID:  "ftx-9",
	}, nil)

	e.clk.Advance(e.tuning.StaleAfter + time.Second)
	if err := e.sched.VerifyStaleJob(context.Background()); err != nil {
		t.Fatalf("verify job: %v", err)
	}

	if got := e.status(t, payment.ID); got != paymentdomain.StatusCompleted {
		t.Fatalf("status = %s, want completed", got)
	}
	if e.momo.calls() != 1 {
		t.Errorf("verify calls = %d", e.momo.calls())
	}
	if len(e.orders.Paid) != 1 {
		t.Error("order not marked paid")
	}
}

func TestVerifyStaleSkipsFreshPayments(t *testing.T) {
	e := newTestEnv(t)
	e.pushPayment(t)

	// Inside the staleness window nothing is polled.
	if err := e.sched.VerifyStaleJob(context.Background()); err != nil {
		t.Fatalf("verify job: %v", err)
	}
	if e.momo.calls() != 0 {
		t.Fatalf("verify calls = %d, want 0", e.momo.calls())
	}
}

func TestVerifyStaleRetryBudget(t *testing.T) {
	e := newTestEnv(t)
	payment := e.pushPayment(t)

	// Three inconclusive polls stay within the budget.
	for i := 0; i < e.tuning.MaxVerifyRetries; i++ {
		e.clk.Advance(e.tuning.StaleAfter + time.Second)
		if err := e.sched.VerifyStaleJob(context.Background()); err != nil {
			t.Fatalf("poll %d: %v", i+1, err)
		}
		if got := e.status(t, payment.ID); got != paymentdomain.StatusProcessing {
			t.Fatalf("status after poll %d = %s", i+1, got)
		}
	}

	// The next one exhausts it.
	e.clk.Advance(e.tuning.StaleAfter + time.Second)
	if err := e.sched.VerifyStaleJob(context.Background()); err != nil {
		t.Fatalf("final poll: %v", err)
	}
	if got := e.status(t, payment.ID); got != paymentdomain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	updated, err := e.pays.GetPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if updated.FailureReason != "reconciliation retry limit exceeded" {
		t.Errorf("failure reason = %q", updated.FailureReason)
	}
}

func TestVerifyStaleProviderErrorConsumesRetry(t *testing.T) {
	e := newTestEnv(t)
	payment := e.pushPayment(t)
	e.momo.setVerify(paymentdomain.VerifyResult{}, paymentdomain.ErrProviderUnavailable)

	e.clk.Advance(e.tuning.StaleAfter + time.Second)
	if err := e.sched.VerifyStaleJob(context.Background()); err != nil {
		t.Fatalf("verify job: %v", err)
	}

	updated, err := e.pays.GetPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	detail, err := updated.MobileMoney()
	if err != nil {
		t.Fatalf("detail: %v", err)
	}
	if detail.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", detail.RetryCount)
	}
	if updated.Status != paymentdomain.StatusProcessing {
		t.Errorf("status = %s", updated.Status)
	}
}

func TestExpirePushJob(t *testing.T) {
	e := newTestEnv(t)
	payment := e.pushPayment(t)

	// Before the window closes nothing expires.
	e.clk.Advance(e.tuning.PushExpiry - time.Minute)
	if err := e.sched.ExpirePushJob(context.Background()); err != nil {
		t.Fatalf("expire job: %v", err)
	}
	if got := e.status(t, payment.ID); got != paymentdomain.StatusProcessing {
		t.Fatalf("status = %s after early pass", got)
	}

	// The deadline itself is inside the window.
	e.clk.Set(*payment.ExpiresAt)
	if err := e.sched.ExpirePushJob(context.Background()); err != nil {
		t.Fatalf("expire job: %v", err)
	}
	if got := e.status(t, payment.ID); got != paymentdomain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}

	updated, err := e.pays.GetPayment(context.Background(), payment.ID)
	if err != nil {
		t.Fatalf("get payment: %v", err)
	}
	if updated.FailureReason != "payment expired" {
		t.Errorf("failure reason = %q", updated.FailureReason)
	}
	if len(e.orders.Failed) != 1 {
		t.Error("order not released")
	}
}

func TestReconcilerLeavesCashPaymentsAlone(t *testing.T) {
	e := newTestEnv(t)
	orderID := e.node.Generate()
	e.orders.Seed(orderID, 50000, "UGX")
	payment, err := e.pays.CreatePayment(context.Background(), paymentservice.CreatePaymentInput{
		OrderID:         orderID,
		PayerID:         e.node.Generate(),
		Method:          paymentdomain.MethodCOD,
		DeliveryAddress: "Plot 12, Kampala Road",
	})
	if err != nil {
		t.Fatalf("create cod payment: %v", err)
	}

	// Cash payments neither go stale nor expire, no matter how long they sit.
	e.clk.Advance(24 * time.Hour)
	if err := e.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := e.status(t, payment.ID); got != paymentdomain.StatusProcessing {
		t.Fatalf("status = %s, want processing", got)
	}
}

func TestRunOnceAppliesBothJobs(t *testing.T) {
	e := newTestEnv(t)
	payment := e.pushPayment(t)
	e.momo.setVerify(paymentdomain.VerifyResult{
		Status:         paymentdomain.StatusFailed,
		ProviderStatus: "REJECTED",
	}, nil)

	e.clk.Advance(e.tuning.StaleAfter + time.Second)
	if err := e.sched.RunOnce(context.Background()); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := e.status(t, payment.ID); got != paymentdomain.StatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
}
