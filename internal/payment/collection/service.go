package collection

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/sokoline/sokopay/internal/clock"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	PaymentSvc *paymentservice.Service
}

// Service runs the cash-on-delivery workflow. It never touches payment
// rows directly; everything goes through the orchestrator's locked
// mutation paths.
type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	paymentSvc *paymentservice.Service
}

func NewService(p Params) *Service {
	return &Service{
		log:        p.Log.Named("payment.collection"),
		clock:      p.Clock,
		paymentSvc: p.PaymentSvc,
	}
}

// AssignAgent records the field agent responsible for collecting the cash.
func (s *Service) AssignAgent(ctx context.Context, paymentID snowflake.ID, agent string) (*paymentdomain.Payment, error) {
	agent = strings.TrimSpace(agent)
	if agent == "" {
		return nil, paymentdomain.ErrInvalidDetail
	}
	return s.paymentSvc.UpdateDetail(ctx, paymentID, func(p *paymentdomain.Payment) error {
		detail, err := p.COD()
		if err != nil {
			return err
		}
		detail.AssignedAgent = agent
		return p.SetDetail(detail)
	})
}

// RecordDeliveryAttempt logs one delivery attempt: the counter goes up,
// the attempt time is stamped on the detail, and a note line lands on the
// payment. An unsuccessful final attempt is closed out explicitly through
// Fail.
func (s *Service) RecordDeliveryAttempt(ctx context.Context, paymentID snowflake.ID, note string) (*paymentdomain.Payment, error) {
	attemptedAt := s.clock.Now()
	return s.paymentSvc.UpdateDetail(ctx, paymentID, func(p *paymentdomain.Payment) error {
		detail, err := p.COD()
		if err != nil {
			return err
		}
		detail.Attempts++
		detail.LastAttemptAt = &attemptedAt

		line := fmt.Sprintf("delivery attempt %d at %s", detail.Attempts, attemptedAt.Format(time.RFC3339))
		if note = strings.TrimSpace(note); note != "" {
			line += ": " + note
		}
		if p.Notes != "" {
			p.Notes += "\n"
		}
		p.Notes += line

		return p.SetDetail(detail)
	})
}

// CompleteCollection settles a cash payment. The cash handed over must
// cover the amount due and the change returned must equal the surplus
// exactly; anything else is rejected before the transition runs.
func (s *Service) CompleteCollection(ctx context.Context, paymentID snowflake.ID, cashReceived, changeGiven int64) (*paymentdomain.Payment, error) {
	payment, err := s.paymentSvc.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if cashReceived < payment.Amount {
		return nil, paymentdomain.ErrCashMismatch
	}
	if changeGiven != cashReceived-payment.Amount {
		return nil, paymentdomain.ErrCashMismatch
	}

	collectedAt := s.clock.Now()
	updated, err := s.paymentSvc.Transition(ctx, paymentID, paymentservice.TransitionInput{
		To:          paymentdomain.StatusCompleted,
		Description: "cash collected",
		Mutate: func(p *paymentdomain.Payment) error {
			if cashReceived < p.Amount || changeGiven != cashReceived-p.Amount {
				return paymentdomain.ErrCashMismatch
			}
			detail, err := p.COD()
			if err != nil {
				return err
			}
			detail.CashReceived = cashReceived
			detail.ChangeGiven = changeGiven
			detail.CollectedAt = &collectedAt
			return p.SetDetail(detail)
		},
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("cash collected",
		zap.Int64("payment_id", updated.ID.Int64()),
		zap.Int64("cash_received", cashReceived),
		zap.Int64("change_given", changeGiven),
	)
	return updated, nil
}

// Fail closes out a cash payment that could not be collected.
func (s *Service) Fail(ctx context.Context, paymentID snowflake.ID, reason string) (*paymentdomain.Payment, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "collection failed"
	}
	return s.paymentSvc.FailPayment(ctx, paymentID, reason)
}
