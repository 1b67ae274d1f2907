package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

var ErrOrderNotFound = errors.New("order_not_found")

// HTTPClient talks to the order service over its internal REST API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
	log     *zap.Logger
}

func NewHTTPClient(baseURL, token string, timeout time.Duration, log *zap.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
		log:     log.Named("order.client"),
	}
}

type orderResponse struct {
	ID       snowflake.ID `json:"id"`
	Amount   int64        `json:"amount"`
	Currency string       `json:"currency"`
	Status   string       `json:"status"`
}

func (c *HTTPClient) GetOrderAmount(ctx context.Context, orderID snowflake.ID) (int64, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/v1/orders/%d", c.baseURL, orderID.Int64()), nil)
	if err != nil {
		return 0, "", err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, "", fmt.Errorf("order lookup: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return 0, "", ErrOrderNotFound
	default:
		return 0, "", fmt.Errorf("order lookup: unexpected status %d", resp.StatusCode)
	}

	var body orderResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, "", fmt.Errorf("order lookup: %w", err)
	}
	return body.Amount, body.Currency, nil
}

func (c *HTTPClient) MarkOrderPaid(ctx context.Context, orderID snowflake.ID) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/orders/%d/paid", c.baseURL, orderID.Int64()))
}

func (c *HTTPClient) MarkOrderFailed(ctx context.Context, orderID snowflake.ID) error {
	return c.post(ctx, fmt.Sprintf("%s/v1/orders/%d/failed", c.baseURL, orderID.Int64()))
}

func (c *HTTPClient) post(ctx context.Context, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("order update: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrOrderNotFound
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("order update: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
}
