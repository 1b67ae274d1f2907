package airtelmoney

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/sokoline/sokopay/internal/config"
	"github.com/sokoline/sokopay/internal/payment/adapters"
	"github.com/sokoline/sokopay/internal/payment/domain"
	"go.uber.org/zap"
)

const signatureHeader = "X-Auth-Signature"

// Adapter drives Airtel Money push payments through the merchant
// collection API.
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
		log:    log.Named("adapter.airtelmoney"),
	}
	a.tokens = adapters.NewTokenSource(a.fetchToken, tokenSlack)
	return a
}

func (a *Adapter) Method() domain.Method {
	return domain.MethodAirtelMoney
}

type tokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
	GrantType    string `json:"grant_type"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (a *Adapter) fetchToken(ctx context.Context) (string, time.Duration, error) {
	raw, err := json.Marshal(tokenRequest{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		GrantType:    "client_credentials",
	})
	if err != nil {
		return "", 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/auth/oauth2/token", bytes.NewReader(raw))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

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

type paymentRequest struct {
	Reference  string             `json:"reference"`
	Subscriber subscriberBlock    `json:"subscriber"`
	Txn        transactionRequest `json:"transaction"`
}

type subscriberBlock struct {
	Msisdn string `json:"msisdn"`
}

type transactionRequest struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	ID       string `json:"id"`
}

type paymentResponse struct {
	Data struct {
		Transaction struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"transaction"`
	} `json:"data"`
	Status struct {
		Success bool   `json:"success"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"status"`
}

func (a *Adapter) Initiate(ctx context.Context, payment *domain.Payment) (domain.InitiateResult, error) {
	detail, err := payment.MobileMoney()
	if err != nil {
		return domain.InitiateResult{}, err
	}
	if strings.TrimSpace(detail.Phone) == "" {
		return domain.InitiateResult{}, domain.ErrInvalidPhone
	}

	body := paymentRequest{
		Reference:  payment.ReferenceNumber,
		Subscriber: subscriberBlock{Msisdn: detail.Phone},
		Txn: transactionRequest{
			Amount:   payment.Amount,
			Currency: payment.Currency,
			ID:       payment.ReferenceNumber,
		},
	}

	resp, err := a.do(ctx, http.MethodPost, "/merchant/v1/payments/", body)
	if err != nil {
		return domain.InitiateResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return domain.InitiateResult{}, domain.ErrProviderUnavailable
	}

	var parsed paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.InitiateResult{}, domain.ErrProviderUnavailable
	}

	if resp.StatusCode != http.StatusOK || !parsed.Status.Success {
		reason := parsed.Status.Message
		if reason == "" {
			reason = "request rejected"
		}
		a.log.Warn("payment push rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("code", parsed.Status.Code),
			zap.String("reason", reason),
		)
		return domain.InitiateResult{Accepted: false, Reason: reason}, nil
	}

	requestID := parsed.Data.Transaction.ID
	if requestID == "" {
		requestID = payment.ReferenceNumber
	}
	return domain.InitiateResult{Accepted: true, ProviderRequestID: requestID}, nil
}

func (a *Adapter) Verify(ctx context.Context, payment *domain.Payment) (domain.VerifyResult, error) {
	requestID := payment.ProviderRequestID
	if requestID == "" {
		requestID = payment.ReferenceNumber
	}

	resp, err := a.do(ctx, http.MethodGet, "/standard/v1/payments/"+requestID, nil)
	if err != nil {
		return domain.VerifyResult{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return domain.VerifyResult{}, domain.ErrProviderUnavailable
	}

	var parsed paymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return domain.VerifyResult{}, domain.ErrProviderUnavailable
	}

	return domain.VerifyResult{
		Status:         mapStatus(parsed.Data.Transaction.Status),
		ProviderStatus: parsed.Data.Transaction.Status,
		ProviderTxnID:  parsed.Data.Transaction.ID,
	}, nil
}

// Cancel is local-only: an in-flight Airtel push can only expire on the
// subscriber's handset.
func (a *Adapter) Cancel(ctx context.Context, payment *domain.Payment) error {
	return nil
}

type webhookBody struct {
	Transaction struct {
		ID            string `json:"id"`
		Reference     string `json:"reference"`
		StatusCode    string `json:"status_code"`
		AirtelMoneyID string `json:"airtel_money_id"`
		Message       string `json:"message"`
	} `json:"transaction"`
}

func (a *Adapter) DecodeWebhook(ctx context.Context, payload []byte, headers http.Header) (*domain.WebhookEvent, error) {
	signature := strings.TrimSpace(headers.Get(signatureHeader))
	if signature == "" {
		return nil, domain.ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, []byte(a.cfg.WebhookSecret))
	_, _ = mac.Write(payload)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		return nil, domain.ErrInvalidSignature
	}

	var body webhookBody
	if err := json.Unmarshal(payload, &body); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	reference := strings.TrimSpace(body.Transaction.Reference)
	if reference == "" {
		reference = strings.TrimSpace(body.Transaction.ID)
	}
	if reference == "" {
		return nil, domain.ErrInvalidPayload
	}

	return &domain.WebhookEvent{
		Reference:      reference,
		Status:         mapStatus(body.Transaction.StatusCode),
		ProviderStatus: body.Transaction.StatusCode,
		ProviderTxnID:  body.Transaction.AirtelMoneyID,
		EventType:      "transaction.status",
	}, nil
}

// mapStatus translates Airtel transaction status codes to the canonical
// enum. TS is the only success code; anything unrecognised stays
// Processing.
func mapStatus(raw string) domain.Status {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "TS", "SUCCESS":
		return domain.StatusCompleted
	case "TF", "TA", "FAILED":
		return domain.StatusFailed
	default:
		return domain.StatusProcessing
	}
}

func (a *Adapter) do(ctx context.Context, httpMethod, path string, body any) (*http.Response, error) {
	token, err := a.tokens.Token(ctx)
	if err != nil {
		return nil, domain.ErrProviderUnavailable
	}

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(raw)
	}

	var req *http.Request
	if reader != nil {
		req, err = http.NewRequestWithContext(ctx, httpMethod, a.cfg.BaseURL+path, reader)
	} else {
		req, err = http.NewRequestWithContext(ctx, httpMethod, a.cfg.BaseURL+path, nil)
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Country", a.cfg.TargetEnv)
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
