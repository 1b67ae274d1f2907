package service

import (
	"context"
	"errors"
	"strings"
	"unicode"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/sokoline/sokopay/internal/clock"
	"github.com/sokoline/sokopay/internal/config"
	methoddomain "github.com/sokoline/sokopay/internal/method/domain"
	obsmetrics "github.com/sokoline/sokopay/internal/observability/metrics"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Tuning     *config.TuningHolder
	MethodSvc  methoddomain.Service
	Repo       paymentdomain.Repository
	Registry   *adapters.Registry
	Orders     paymentdomain.OrderService
	Events     paymentdomain.EventPublisher
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service is the payment orchestrator. Every status change in the system
// funnels through Transition, which holds the row lock for the duration of
// the mutation and appends exactly one audit transaction.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	tuning     *config.TuningHolder
	methodSvc  methoddomain.Service
	repo       paymentdomain.Repository
	registry   *adapters.Registry
	orders     paymentdomain.OrderService
	events     paymentdomain.EventPublisher
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.service"),
		genID:      p.GenID,
		clock:      p.Clock,
		tuning:     p.Tuning,
		methodSvc:  p.MethodSvc,
		repo:       p.Repo,
		registry:   p.Registry,
		orders:     p.Orders,
		events:     p.Events,
		obsMetrics: p.ObsMetrics,
	}
}

// CreatePaymentInput carries the caller's request to open a payment
// against an order.
type CreatePaymentInput struct {
	OrderID         snowflake.ID
	PayerID         snowflake.ID
	Method          paymentdomain.Method
	Amount          int64
	Currency        string
	Phone           string
	DeliveryAddress string
	DeliveryPhone   string
	Notes           string
}

// CreatePayment validates the request, inserts the pending row plus its
// opening transaction atomically, then initiates with the provider outside
// any row lock and records the outcome as the first transition.
func (s *Service) CreatePayment(ctx context.Context, in CreatePaymentInput) (*paymentdomain.Payment, error) {
	if !in.Method.Valid() {
		return nil, paymentdomain.ErrInvalidMethod
	}

	methodCfg, err := s.methodSvc.Config(ctx, in.Method)
	if err != nil {
		if errors.Is(err, methoddomain.ErrMethodNotConfigured) {
			return nil, paymentdomain.ErrMethodInactive
		}
		return nil, err
	}
	if !methodCfg.Active {
		return nil, paymentdomain.ErrMethodInactive
	}

	orderAmount, orderCurrency, err := s.orders.GetOrderAmount(ctx, in.OrderID)
	if err != nil {
		return nil, err
	}
	if in.Amount != 0 && in.Amount != orderAmount {
		return nil, paymentdomain.ErrAmountOutOfRange
	}
	if in.Currency != "" && !strings.EqualFold(in.Currency, orderCurrency) {
		return nil, paymentdomain.ErrInvalidCurrency
	}
	if !validCurrency(orderCurrency) {
		return nil, paymentdomain.ErrInvalidCurrency
	}
	if !methodCfg.AllowsAmount(orderAmount) {
		return nil, paymentdomain.ErrAmountOutOfRange
	}

	tuning := s.tuning.Get()
	now := s.clock.Now()

	payment := &paymentdomain.Payment{
		ID:              s.genID.Generate(),
		OrderID:         in.OrderID,
		PayerID:         in.PayerID,
		Method:          in.Method,
		Amount:          orderAmount,
		Currency:        strings.ToUpper(orderCurrency),
		Status:          paymentdomain.StatusPending,
		ReferenceNumber: newReference(),
		Fee:             methodCfg.FeeFor(orderAmount).Fee,
		Notes:           strings.TrimSpace(in.Notes),
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	switch {
	case in.Method.Push():
		phone := normalizePhone(in.Phone)
		if phone == "" {
			return nil, paymentdomain.ErrInvalidPhone
		}
		if err := payment.SetDetail(&paymentdomain.MobileMoneyDetail{
			Phone:      phone,
			MaxRetries: tuning.MaxVerifyRetries,
		}); err != nil {
			return nil, err
		}
		expiresAt := now.Add(tuning.PushExpiry)
		payment.ExpiresAt = &expiresAt
	default:
		if strings.TrimSpace(in.DeliveryAddress) == "" {
			return nil, paymentdomain.ErrInvalidDetail
		}
		if err := payment.SetDetail(&paymentdomain.CODDetail{
			DeliveryAddress: strings.TrimSpace(in.DeliveryAddress),
			DeliveryPhone:   normalizePhone(in.DeliveryPhone),
		}); err != nil {
			return nil, err
		}
	}

	err = s.db.Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreatePayment(ctx, tx, payment); err != nil {
			return err
		}
		return s.repo.InsertTransaction(ctx, tx, &paymentdomain.Transaction{
			ID:          s.genID.Generate(),
			PaymentID:   payment.ID,
			Type:        paymentdomain.TransactionTypePayment,
			Amount:      payment.Amount,
			Status:      paymentdomain.StatusPending,
			Description: "payment created",
			CreatedAt:   now,
		})
	})
	if err != nil {
		return nil, err
	}

	s.obsMetrics.RecordPaymentCreated(ctx, string(payment.Method))
	s.log.Info("payment created",
		zap.Int64("payment_id", payment.ID.Int64()),
		zap.Int64("order_id", payment.OrderID.Int64()),
		zap.String("method", string(payment.Method)),
		zap.Int64("amount", payment.Amount),
	)

	return s.initiate(ctx, payment)
}

// initiate performs the provider call after the pending row is committed
// and no lock is held, then records the outcome through Transition.
func (s *Service) initiate(ctx context.Context, payment *paymentdomain.Payment) (*paymentdomain.Payment, error) {
	adapter, err := s.registry.Adapter(payment.Method)
	if err != nil {
		return nil, err
	}

	tuning := s.tuning.Get()
	callCtx, cancel := context.WithTimeout(ctx, tuning.ProviderTimeout)
	defer cancel()

	started := s.clock.Now()
	result, err := adapter.Initiate(callCtx, payment)
	s.obsMetrics.RecordProviderLatency(ctx, string(payment.Method), "initiate", s.clock.Now().Sub(started))

	if err != nil {
		s.log.Warn("payment initiation failed",
			zap.Int64("payment_id", payment.ID.Int64()),
			zap.Error(err),
		)
		return s.Transition(ctx, payment.ID, TransitionInput{
			To:          paymentdomain.StatusFailed,
			Description: "initiation failed",
			Mutate: func(p *paymentdomain.Payment) error {
				p.FailureReason = "provider unavailable"
				return nil
			},
		})
	}

	if !result.Accepted {
		reason := result.Reason
		if reason == "" {
			reason = "rejected by provider"
		}
		return s.Transition(ctx, payment.ID, TransitionInput{
			To:          paymentdomain.StatusFailed,
			Description: "initiation rejected",
			Mutate: func(p *paymentdomain.Payment) error {
				p.FailureReason = reason
				return nil
			},
		})
	}

	return s.Transition(ctx, payment.ID, TransitionInput{
		To:          paymentdomain.StatusProcessing,
		Description: "accepted by provider",
		ExternalRef: result.ProviderRequestID,
		Mutate: func(p *paymentdomain.Payment) error {
			p.ProviderRequestID = result.ProviderRequestID
			return nil
		},
	})
}

// TransitionInput describes one state change. Mutate runs under the row
// lock after the edge is validated and before the row is written.
type TransitionInput struct {
	To          paymentdomain.Status
	Type        paymentdomain.TransactionType
	Amount      int64
	Description string
	ExternalRef string
	Mutate      func(p *paymentdomain.Payment) error
}

// Transition is the only path a payment's status changes through. It locks
// the row, validates the edge against the state machine, applies the
// mutation, writes the row and exactly one audit transaction, and commits.
// Side effects (events, order updates, metrics) run after commit.
func (s *Service) Transition(ctx context.Context, id snowflake.ID, in TransitionInput) (*paymentdomain.Payment, error) {
	if in.Type == "" {
		in.Type = paymentdomain.TransactionTypePayment
	}

	var (
		payment *paymentdomain.Payment
		from    paymentdomain.Status
	)
	err := s.db.Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindPaymentForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		from = p.Status

		if !paymentdomain.CanTransition(p.Status, in.To) {
			if p.Status.Terminal() {
				return paymentdomain.ErrPaymentTerminal
			}
			return paymentdomain.ErrInvalidTransition
		}

		if in.Mutate != nil {
			if err := in.Mutate(p); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		p.Status = in.To
		p.UpdatedAt = now
		if in.To == paymentdomain.StatusCompleted {
			p.ProcessedAt = &now
		}

		if err := s.repo.UpdatePayment(ctx, tx, p); err != nil {
			return err
		}

		amount := in.Amount
		if amount == 0 {
			amount = p.Amount
		}
		if err := s.repo.InsertTransaction(ctx, tx, &paymentdomain.Transaction{
			ID:          s.genID.Generate(),
			PaymentID:   p.ID,
			Type:        in.Type,
			Amount:      amount,
			Status:      in.To,
			ExternalRef: in.ExternalRef,
			Description: in.Description,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, payment, from)
	return payment, nil
}

func (s *Service) afterTransition(ctx context.Context, payment *paymentdomain.Payment, from paymentdomain.Status) {
	s.obsMetrics.RecordTransition(ctx, string(payment.Method), string(payment.Status))
	s.log.Info("payment transitioned",
		zap.Int64("payment_id", payment.ID.Int64()),
		zap.String("from", string(from)),
		zap.String("to", string(payment.Status)),
	)

	if err := s.events.PublishStatusChange(ctx, paymentdomain.StatusChange{
		PaymentID: payment.ID,
		OldStatus: from,
		NewStatus: payment.Status,
		Method:    payment.Method,
	}); err != nil {
		s.log.Warn("status change publish failed",
			zap.Int64("payment_id", payment.ID.Int64()),
			zap.Error(err),
		)
	}

	switch payment.Status {
	case paymentdomain.StatusCompleted:
		if err := s.orders.MarkOrderPaid(ctx, payment.OrderID); err != nil {
			s.log.Warn("order paid notification failed",
				zap.Int64("order_id", payment.OrderID.Int64()),
				zap.Error(err),
			)
		}
	case paymentdomain.StatusFailed, paymentdomain.StatusCancelled:
		if err := s.orders.MarkOrderFailed(ctx, payment.OrderID); err != nil {
			s.log.Warn("order failed notification failed",
				zap.Int64("order_id", payment.OrderID.Int64()),
				zap.Error(err),
			)
		}
	}
}

func (s *Service) GetPayment(ctx context.Context, id snowflake.ID) (*paymentdomain.Payment, error) {
	return s.repo.FindPayment(ctx, s.db, id)
}

func (s *Service) GetByReference(ctx context.Context, reference string) (*paymentdomain.Payment, error) {
	return s.repo.FindByReference(ctx, s.db, reference)
}

func (s *Service) ListTransactions(ctx context.Context, id snowflake.ID) ([]paymentdomain.Transaction, error) {
	return s.repo.ListTransactions(ctx, s.db, id)
}

// Cancel moves a non-terminal payment to cancelled, then lets the adapter
// release any provider-side state. Push rails have nothing to release, so
// the adapter call never blocks the transition.
func (s *Service) Cancel(ctx context.Context, id snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	if reason == "" {
		reason = "cancelled by caller"
	}
	payment, err := s.Transition(ctx, id, TransitionInput{
		To:          paymentdomain.StatusCancelled,
		Description: reason,
	})
	if err != nil {
		return nil, err
	}

	if adapter, err := s.registry.Adapter(payment.Method); err == nil {
		if err := adapter.Cancel(ctx, payment); err != nil {
			s.log.Warn("provider cancel failed",
				zap.Int64("payment_id", payment.ID.Int64()),
				zap.Error(err),
			)
		}
	}
	return payment, nil
}

// FailPayment moves a payment to failed with the given reason.
func (s *Service) FailPayment(ctx context.Context, id snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	return s.Transition(ctx, id, TransitionInput{
		To:          paymentdomain.StatusFailed,
		Description: reason,
		Mutate: func(p *paymentdomain.Payment) error {
			p.FailureReason = reason
			return nil
		},
	})
}

// ApplyProviderStatus folds a provider verdict (webhook or poll) into the
// payment. A Processing verdict only refreshes the recorded provider
// status; terminal verdicts run the matching transition. The returned bool
// reports whether a transition happened.
func (s *Service) ApplyProviderStatus(ctx context.Context, id snowflake.ID, result paymentdomain.VerifyResult, source string) (*paymentdomain.Payment, bool, error) {
	switch result.Status {
	case paymentdomain.StatusCompleted:
		payment, err := s.Transition(ctx, id, TransitionInput{
			To:          paymentdomain.StatusCompleted,
			Description: "confirmed via " + source,
			ExternalRef: result.ProviderTxnID,
			Mutate: func(p *paymentdomain.Payment) error {
				p.ProviderTxnID = result.ProviderTxnID
				return recordProviderStatus(p, result.ProviderStatus)
			},
		})
		return payment, err == nil, err
	case paymentdomain.StatusFailed:
		reason := result.ProviderStatus
		if reason == "" {
			reason = "failed at provider"
		}
		payment, err := s.Transition(ctx, id, TransitionInput{
			To:          paymentdomain.StatusFailed,
			Description: "failed via " + source,
			ExternalRef: result.ProviderTxnID,
			Mutate: func(p *paymentdomain.Payment) error {
				p.FailureReason = reason
				p.ProviderTxnID = result.ProviderTxnID
				return recordProviderStatus(p, result.ProviderStatus)
			},
		})
		return payment, err == nil, err
	default:
		payment, err := s.UpdateDetail(ctx, id, func(p *paymentdomain.Payment) error {
			return recordProviderStatus(p, result.ProviderStatus)
		})
		return payment, false, err
	}
}

// RecordVerifyAttempt bumps the reconciliation retry counter under the row
// lock and reports whether the payment has exhausted its budget.
func (s *Service) RecordVerifyAttempt(ctx context.Context, id snowflake.ID) (attempts, maxRetries int, err error) {
	_, err = s.UpdateDetail(ctx, id, func(p *paymentdomain.Payment) error {
		detail, err := p.MobileMoney()
		if err != nil {
			return err
		}
		detail.RetryCount++
		attempts = detail.RetryCount
		maxRetries = detail.MaxRetries
		return p.SetDetail(detail)
	})
	return attempts, maxRetries, err
}

// RecordRefund moves a completed payment to refunded. Amounts below the
// captured total record a partial refund.
func (s *Service) RecordRefund(ctx context.Context, id snowflake.ID, amount int64, reason string) (*paymentdomain.Payment, error) {
	payment, err := s.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if amount <= 0 || amount > payment.Amount {
		return nil, paymentdomain.ErrAmountOutOfRange
	}

	txnType := paymentdomain.TransactionTypeRefund
	if amount < payment.Amount {
		txnType = paymentdomain.TransactionTypePartialRefund
	}
	if reason == "" {
		reason = "refund recorded"
	}
	return s.Transition(ctx, id, TransitionInput{
		To:          paymentdomain.StatusRefunded,
		Type:        txnType,
		Amount:      amount,
		Description: reason,
	})
}

// UpdateDetail applies a locked mutation that does not change status and
// does not append a transaction. Terminal payments are rejected.
func (s *Service) UpdateDetail(ctx context.Context, id snowflake.ID, mutate func(p *paymentdomain.Payment) error) (*paymentdomain.Payment, error) {
	var payment *paymentdomain.Payment
	err := s.db.Transaction(func(tx *gorm.DB) error {
		p, err := s.repo.FindPaymentForUpdate(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status.Terminal() {
			return paymentdomain.ErrPaymentTerminal
		}
		if err := mutate(p); err != nil {
			return err
		}
		p.UpdatedAt = s.clock.Now()
		if err := s.repo.UpdatePayment(ctx, tx, p); err != nil {
			return err
		}
		payment = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return payment, nil
}

func recordProviderStatus(p *paymentdomain.Payment, providerStatus string) error {
	if !p.Method.Push() || providerStatus == "" {
		return nil
	}
	detail, err := p.MobileMoney()
	if err != nil {
		return err
	}
	detail.ProviderStatus = providerStatus
	return p.SetDetail(detail)
}

func newReference() string {
	return "PAY-" + ulid.Make().String()
}

func normalizePhone(raw string) string {
	phone := strings.TrimSpace(raw)
	phone = strings.TrimPrefix(phone, "+")
	if len(phone) < 9 || len(phone) > 15 {
		return ""
	}
	for _, r := range phone {
		if !unicode.IsDigit(r) {
			return ""
		}
	}
	return phone
}

func validCurrency(raw string) bool {
	if len(raw) != 3 {
		return false
	}
	for _, r := range raw {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	return true
}
