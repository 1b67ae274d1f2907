package mtnmomo

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sokoline/sokopay/internal/config"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	"github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/zap"
)

const signatureHeader = "X-Momo-Signature"

// Adapter drives MTN MoMo collection push payments.
type Adapter struct {
	cfg    config.PushProviderConfig
	client *http.Client
	log    *zap.Logger
	tokens *adapters.TokenSource
}

func New(cfg config.PushProviderConfig, timeout time.Duration, tokenSlack time.Duration, log *zap.Logger) *Adapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	a := &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		log:    log.Named("adapter.mtnmomo"),
	}
	a.tokens = adapters.NewTokenSource(a.fetchToken, tokenSlack)
	return a
}

func (a *Adapter) Method() domain.Method {
	return domain.MethodMTNMoMo
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/collection/token/", nil)
	if err != nil {
		return "", 0, err
	}
	req.SetBasicAuth(a.cfg.ClientID, a.cfg.ClientSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, domain.ErrProviderUnavailable
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		a.log.Warn("token request failed", zap.Int("status", resp.StatusCode))
		return "", 0, domain.ErrProviderUnavailable
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", 0, domain.ErrProviderUnavailable
	}
	if body.AccessToken == "" || body.ExpiresIn <= 0 {
		return "", 0, domain.ErrProviderUnavailable
	}
	return body.AccessToken, time.Duration(body.ExpiresIn) * time.Second, nil
}

type requestToPayBody struct {
	Amount     string     `json:"amount"`
	Currency   string     `json:"currency"`
	ExternalID string     `json:"externalId"`
	Payer      payerParty `json:"payer"`
	Message    string     `json:"payerMessage,omitempty"`
}

type payerParty struct {
	PartyIDType string `json:"partyIdType"`
	PartyID     string `json:"partyId"`
}

func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment) (domain.InitiateResult, error) {
	detail, err := payment.MobileMoney()
	if err != nil {
		return domain.InitiateResult{}, err
	}
	if strings.TrimSpace(detail.Phone) == "" {
		return domain.InitiateResult{}, domain.ErrInvalidPhone
	}

	body := requestToPayBody{
		Amount:     fmt.Sprintf("%d", payment.Amount),
		Currency:   payment.Currency,
		ExternalID: payment.ReferenceNumber,
		Payer: payerParty{
			PartyIDType: "MSISDN",
			PartyID:     detail.Phone,
		},
		Message: "sokopay order payment",
	}

	resp, err := a.do(ctx, http.MethodPost, "/collection/v1_0/requesttopay", payment.ReferenceNumber, body)
	if err != nil {
		return domain.InitiateResult{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusAccepted:
		return domain.InitiateResult{
			Accepted:          true,
			ProviderRequestID: payment.ReferenceNumber,
		}, nil
	case resp.StatusCode >= http.StatusInternalServerError:
		return domain.InitiateResult{}, domain.ErrProviderUnavailable
	default:
		reason := readErrorReason(resp.Body)
		a.log.Warn("requesttopay rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("reason", reason),
		)
		return domain.InitiateResult{Accepted: false, Reason: reason}, nil
	}
}

type requestToPayStatus struct {
	Status                 string `json:"status"`
	FinancialTransactionID string `json:"financialTransactionId"`
	Reason                 string `json:"reason"`
}

func (a *Adapter) Verify(ctx context.Context, payment *domain.Payment) (domain.VerifyResult, error) {
	requestID := payment.ProviderRequestID
	if requestID == "" {
		requestID = payment.ReferenceNumber
	}

	resp, err := a.do(ctx, http.MethodGet, "/collection/v1_0/requesttopay/"+requestID, "", nil)
	if err != nil {
		return domain.VerifyResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.VerifyResult{}, domain.ErrProviderUnavailable
	}

	var body requestToPayStatus
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.VerifyResult{}, domain.ErrProviderUnavailable
	}

	return domain.VerifyResult{
		Status:         mapStatus(body.Status),
		ProviderStatus: body.Status,
		ProviderTxnID:  body.FinancialTransactionID,
	}, nil
}

// Cancel is local-only: MoMo has no server-side cancel for an in-flight
// request to pay.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	return nil
}

type webhookBody struct {
	ExternalID             string `json:"externalId"`
	Status                 string `json:"status"`
	FinancialTransactionID string `json:"financialTransactionId"`
	EventType              string `json:"eventType"`
}

func (a *Adapter) DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.WebhookEvent, error) {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return nil, domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(expected)) {
		return nil, domain.ErrInvalidSignature
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	if strings.TrimSpace(body.ExternalID) == "" {
		return nil, domain.ErrInvalidPayload
	}

	return &domain.WebhookEvent{
		Reference:      body.ExternalID,
		Status:         mapStatus(body.Status),
		ProviderStatus: body.Status,
		ProviderTxnID:  body.FinancialTransactionID,
		EventType:      body.EventType,
	}, nil
}

// mapStatus is the fixed translation from MoMo status codes to the
// canonical enum. Unknown codes stay Processing, never Completed.
func mapStatus(raw string) domain.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "SUCCESSFUL":
		return domain.StatusCompleted
	case "FAILED", "REJECTED", "TIMEOUT", "EXPIRED":
		return domain.StatusFailed
	default:
		return domain.StatusProcessing
	}
}

func (a *Adapter) do(ctx context.Context, httpMethod, path, referenceID string, body any) (*http.Response, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, domain.ErrProviderUnavailable
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, httpMethod, a.cfg.BaseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Ocp-Apim-Subscription-Key", a.cfg.SubscriptionKey)
	req.Header.Set("X-Target-Environment", a.cfg.TargetEnv)
	if referenceID != "" {
		req.Header.Set("X-Reference-Id", referenceID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, domain.ErrProviderUnavailable
	}
	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		a.tokens.Invalidate()
		return nil, domain.ErrProviderUnavailable
	}
	return resp, nil
}

func readErrorReason(body io.Reader) string {
	var parsed struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return "request rejected"
	}
	if err := json.Unmarshal(raw, &parsed); err != nil || parsed.Message == "" {
		return "request rejected"
	}
	if parsed.Code != "" {
		return parsed.Code + ": " + parsed.Message
	}
	return parsed.Message
}
