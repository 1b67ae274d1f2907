package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/sokoline/sokopay/internal/clock"
	obsmetrics "github.com/sokoline/sokopay/internal/observability/metrics"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	paymentdomain "github.com/sokoline/sokopay/internal/payment/domain"
	paymentservice "github.com/sokoline/sokopay/internal/payment/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       paymentdomain.Repository
	Registry   *adapters.Registry
	PaymentSvc *paymentservice.Service
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

// Service ingests provider callbacks. Every delivery is persisted before
// any validation so a rejected or duplicate payload still leaves an audit
// row behind.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	clock      clock.Clock
	repo       paymentdomain.Repository
	registry   *adapters.Registry
	paymentSvc *paymentservice.Service
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) *Service {
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("payment.webhook"),
		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		registry:   p.Registry,
		paymentSvc: p.PaymentSvc,
		obsMetrics: p.ObsMetrics,
	}
}

// Ingest processes one provider callback delivery. The returned error
// classifies the rejection; the transport layer decides the response code.
func (s *Service) Ingest(ctx context.Context, provider string, payload []byte, headers http.Header) error {
	provider = strings.ToLower(strings.TrimSpace(provider))
	method := paymentdomain.Method(provider)
	if !method.Valid() || !method.Push() {
		s.obsMetrics.RecordWebhook(ctx, provider, "unknown_provider")
		return paymentdomain.ErrUnknownProvider
	}
	adapter, err := s.registry.Adapter(method)
	if err != nil {
		s.obsMetrics.RecordWebhook(ctx, provider, "unknown_provider")
		return paymentdomain.ErrUnknownProvider
	}

	record := &paymentdomain.CallbackRecord{
		ID:         s.genID.Generate(),
		Provider:   provider,
		Payload:    storablePayload(payload),
		ReceivedAt: s.clock.Now(),
	}
	if err := s.repo.InsertCallback(ctx, s.db, record); err != nil {
		return err
	}

	event, err := adapter.DecodeWebhook(ctx, payload, headers)
	if err != nil {
		s.reject(ctx, record, err)
		if errors.Is(err, paymentdomain.ErrInvalidSignature) {
			s.obsMetrics.RecordWebhook(ctx, provider, "invalid_signature")
		} else {
			s.obsMetrics.RecordWebhook(ctx, provider, "invalid_payload")
		}
		return err
	}

	record.SignatureValid = true
	record.EventType = event.EventType
	record.ProviderTxnID = event.ProviderTxnID

	payment, err := s.repo.FindByReference(ctx, s.db, event.Reference)
	if err != nil {
		s.reject(ctx, record, err)
		s.obsMetrics.RecordWebhook(ctx, provider, "unmatched")
		return err
	}
	record.PaymentID = &payment.ID

	if event.ProviderTxnID != "" {
		applied, err := s.repo.CallbackApplied(ctx, s.db, provider, event.ProviderTxnID, record.ID)
		if err != nil {
			s.reject(ctx, record, err)
			return err
		}
		if applied {
			s.resolve(ctx, record, "duplicate_event")
			s.obsMetrics.RecordWebhook(ctx, provider, "duplicate")
			return paymentdomain.ErrEventAlreadyProcessed
		}
	}

	_, transitioned, err := s.paymentSvc.ApplyProviderStatus(ctx, payment.ID, paymentdomain.VerifyResult{
		Status:         event.Status,
		ProviderStatus: event.ProviderStatus,
		ProviderTxnID:  event.ProviderTxnID,
	}, "webhook")
	if err != nil {
		// A verdict for a payment already settled is a replay, not a
		// failure. Acknowledge so the provider stops retrying.
		if paymentdomain.ConflictErr(err) {
			s.resolve(ctx, record, "already_settled")
			s.obsMetrics.RecordWebhook(ctx, provider, "duplicate")
			return paymentdomain.ErrEventAlreadyProcessed
		}
		s.reject(ctx, record, err)
		s.obsMetrics.RecordWebhook(ctx, provider, "error")
		return err
	}

	// Only a delivery that drove a transition anchors deduplication. A
	// pending verdict leaves the door open for the terminal callback.
	record.Applied = transitioned
	s.resolve(ctx, record, "")
	if transitioned {
		s.obsMetrics.RecordWebhook(ctx, provider, "applied")
	} else {
		s.obsMetrics.RecordWebhook(ctx, provider, "recorded")
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, record *paymentdomain.CallbackRecord, note string) {
	record.Processed = true
	record.ProcessingError = note
	if err := s.repo.UpdateCallback(ctx, s.db, record); err != nil {
		s.log.Warn("callback record update failed",
			zap.Int64("callback_id", record.ID.Int64()),
			zap.Error(err),
		)
	}
}

func (s *Service) reject(ctx context.Context, record *paymentdomain.CallbackRecord, cause error) {
	record.Processed = false
	record.ProcessingError = cause.Error()
	if err := s.repo.UpdateCallback(ctx, s.db, record); err != nil {
		s.log.Warn("callback record update failed",
			zap.Int64("callback_id", record.ID.Int64()),
			zap.Error(err),
		)
	}
}

// storablePayload keeps the payload column valid JSON even when a provider
// sends garbage.
func storablePayload(payload []byte) datatypes.JSON {
	if json.Valid(payload) {
		return datatypes.JSON(payload)
	}
	quoted, err := json.Marshal(string(payload))
	if err != nil {
		return datatypes.JSON(`""`)
	}
	return datatypes.JSON(quoted)
}
