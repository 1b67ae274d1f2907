package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sokoline/sokopay/internal/clock"
	"github.com/sokoline/sokopay/internal/config"
	obsmetrics "github.com/sokoline/sokopay/internal/observability/metrics"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	leaseKey   = "sokopay:reconciler:lease"
	jobTimeout = 2 * time.Minute
)

var ErrInvalidConfig = errors.New("reconciler: invalid configuration")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Tuning     *config.TuningHolder
	Repo       paymentdomain.Repository
	Registry   *adapters.Registry
	PaymentSvc *paymentservice.Service
	Locker     *Locker             `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Scheduler drives the reconciliation loop: polling providers for stale
// push payments and expiring the ones whose window closed. Cash payments
// never reconcile; only a human closes those.
type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	clock      clock.Clock
	tuning     *config.TuningHolder
	repo       paymentdomain.Repository
	registry   *adapters.Registry
	paymentSvc *paymentservice.Service
	locker     *Locker
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.Tuning == nil || p.Repo == nil || p.Registry == nil || p.PaymentSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("reconciler"),
		clock:      p.Clock,
		tuning:     p.Tuning,
		repo:       p.Repo,
		registry:   p.Registry,
		paymentSvc: p.PaymentSvc,
		locker:     p.Locker,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, jobTimeout)
	defer cancel()

	start := s.clock.Now()
	err := fn(ctx)
	elapsed := s.clock.Now().Sub(start)

	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			s.log.Warn("job timed out",
				zap.String("job", name),
				zap.Duration("elapsed", elapsed),
			)
			return nil
		}
		return fmt.Errorf("%s: %w", name, err)
	}

	s.log.Debug("job finished",
		zap.String("job", name),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// RunOnce executes one reconciliation pass. When a lease locker is
// configured the pass is skipped unless this instance wins the lease.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	tuning := s.tuning.Get()

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, leaseKey, tuning.ReconcileInterval)
		if err != nil {
			s.log.Warn("lease acquisition failed", zap.Error(err))
			return nil
		}
		if !ok {
			s.log.Debug("lease held elsewhere, skipping pass")
			return nil
		}
		defer func() {
			if err := s.locker.Release(ctx, leaseKey, token); err != nil {
				s.log.Warn("lease release failed", zap.Error(err))
			}
		}()
	}

	var err error
	err = errors.Join(err, s.runJob(ctx, "verify_stale", s.VerifyStaleJob))
	err = errors.Join(err, s.runJob(ctx, "expire_push", s.ExpirePushJob))
	return err
}

// RunForever runs reconciliation passes until the context is cancelled.
func (s *Scheduler) RunForever(ctx context.Context) {
	for {
		interval := s.tuning.Get().ReconcileInterval
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("reconciliation pass failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
	}
}

// VerifyStaleJob polls the provider for every processing push payment
// that has not moved within the staleness window. Inconclusive polls burn
// one retry; a payment out of retries fails.
func (s *Scheduler) VerifyStaleJob(ctx context.Context) error {
	tuning := s.tuning.Get()
	now := s.clock.Now()
	cutoff := now.Add(-tuning.StaleAfter)

	payments, err := s.repo.FindStalePayments(ctx, s.db,
		[]paymentdomain.Method{paymentdomain.MethodMTNMoMo, paymentdomain.MethodAirtelMoney},
		cutoff, tuning.ReconcileBatch)
	if err != nil {
		return err
	}

	var errs error
	for i := range payments {
		if ctx.Err() != nil {
			return errors.Join(errs, ctx.Err())
		}
		errs = errors.Join(errs, s.verifyOne(ctx, &payments[i], tuning))
	}
	return errs
}

func (s *Scheduler) verifyOne(ctx context.Context, payment *paymentdomain.Payment, tuning config.Tuning) error {
	provider := string(payment.Method)
	adapter, err := s.registry.Adapter(payment.Method)
	if err != nil {
		return err
	}

	callCtx, cancel := context.WithTimeout(ctx, tuning.ProviderTimeout)
	started := s.clock.Now()
	result, err := adapter.Verify(callCtx, payment)
	cancel()
	s.obsMetrics.RecordProviderLatency(ctx, provider, "verify", s.clock.Now().Sub(started))

	if err != nil {
		s.obsMetrics.RecordReconcilePoll(ctx, provider, "error")
		s.log.Warn("verification poll failed",
			zap.Int64("payment_id", payment.ID.Int64()),
			zap.Error(err),
		)
		return s.consumeRetry(ctx, payment)
	}

	switch result.Status {
	case paymentdomain.StatusCompleted, paymentdomain.StatusFailed:
		_, _, err := s.paymentSvc.ApplyProviderStatus(ctx, payment.ID, result, "reconciliation")
		if err != nil {
			// Settled in a concurrent path, typically a webhook that
			// landed mid-poll.
			if paymentdomain.ConflictErr(err) {
				s.obsMetrics.RecordReconcilePoll(ctx, provider, "already_settled")
				return nil
			}
			s.obsMetrics.RecordReconcilePoll(ctx, provider, "error")
			return err
		}
		s.obsMetrics.RecordReconcilePoll(ctx, provider, "settled")
		return nil
	default:
		s.obsMetrics.RecordReconcilePoll(ctx, provider, "pending")
		if _, _, err := s.paymentSvc.ApplyProviderStatus(ctx, payment.ID, result, "reconciliation"); err != nil && !paymentdomain.ConflictErr(err) {
			s.log.Warn("provider status update failed",
				zap.Int64("payment_id", payment.ID.Int64()),
				zap.Error(err),
			)
		}
		return s.consumeRetry(ctx, payment)
	}
}

func (s *Scheduler) consumeRetry(ctx context.Context, payment *paymentdomain.Payment) error {
	attempts, maxRetries, err := s.paymentSvc.RecordVerifyAttempt(ctx, payment.ID)
	if err != nil {
		if paymentdomain.ConflictErr(err) {
			return nil
		}
		return err
	}
	if attempts <= maxRetries {
		return nil
	}

	s.log.Info("verification retries exhausted",
		zap.Int64("payment_id", payment.ID.Int64()),
		zap.Int("attempts", attempts),
	)
	if _, err := s.paymentSvc.FailPayment(ctx, payment.ID, "reconciliation retry limit exceeded"); err != nil {
		if paymentdomain.ConflictErr(err) {
			return nil
		}
		return err
	}
	s.obsMetrics.RecordReconcilePoll(ctx, string(payment.Method), "exhausted")
	return nil
}

// ExpirePushJob fails processing push payments whose expiry passed without
// a provider verdict.
func (s *Scheduler) ExpirePushJob(ctx context.Context) error {
	tuning := s.tuning.Get()
	now := s.clock.Now()

	payments, err := s.repo.FindExpiredPayments(ctx, s.db, now, tuning.ReconcileBatch)
	if err != nil {
		return err
	}

	var errs error
	for i := range payments {
		p := &payments[i]
		if _, err := s.paymentSvc.FailPayment(ctx, p.ID, "payment expired"); err != nil {
			if paymentdomain.ConflictErr(err) {
				continue
			}
			errs = errors.Join(errs, err)
			continue
		}
		s.obsMetrics.RecordReconcilePoll(ctx, string(p.Method), "expired")
		s.log.Info("payment expired",
			zap.Int64("payment_id", p.ID.Int64()),
		)
	}
	return errs
}
