package cod

import (
	"context"
	"net/http"
	"strings"

	"github.com/sokoline/sokopay/internal/payment/domain"
)

// Adapter handles cash on delivery. There is no external provider:
// initiation always succeeds and verification echoes the local status,
// so the reconciler never flips a cash payment on its own.
type Adapter struct{}

func New() *Adapter {
	return &Adapter{}
}

func (a *Adapter) Method() domain.Method {
	return domain.MethodCOD
}

func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment) (domain.InitiateResult, error) {
	detail, err := payment.COD()
	if err != nil {
		return domain.InitiateResult{}, err
	}
	if strings.TrimSpace(detail.DeliveryAddress) == "" {
		return domain.InitiateResult{}, domain.ErrInvalidDetail
	}
	return domain.InitiateResult{
		Accepted:          true,
		ProviderRequestID: payment.ReferenceNumber,
	}, nil
}

func (a *Adapter) Verify(ctx context.Context, payment *domain.Payment) (domain.VerifyResult, error) {
	return domain.VerifyResult{
		Status:         payment.Status,
		ProviderStatus: string(payment.Status),
	}, nil
}

func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	return nil
}

// DecodeWebhook always rejects: nothing posts callbacks for cash
// collection.
func (a *Adapter) DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.WebhookEvent, error) {
	return nil, domain.ErrInvalidPayload
}
