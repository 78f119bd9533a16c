package yookassa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const DefaultBaseURL = "https://api.yookassa.ru/v3"

// StatusSucceeded is the status of a captured payment.
const StatusSucceeded = "succeeded"

var ErrMissingConfirmationURL = errors.New("yookassa: response has no confirmation_url")

// APIError is returned for any non-2xx answer.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("yookassa: status %d: %s", e.StatusCode, e.Body)
}

type YooKassaClient struct {
	yookassaShopID    string
	yookassaSecretKey string
	baseURL           string
	httpClient        *http.Client
}

type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

type YooKassaPaymentRequest struct {
	Amount       Amount            `json:"amount"`
	Capture      bool              `json:"capture"`
	Confirmation Confirmation      `json:"confirmation"`
	Description  string            `json:"description"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

type YooKassaPaymentResponse struct {
	ID           string            `json:"id"`
	Status       string            `json:"status"`
	Paid         bool              `json:"paid"`
	Amount       *Amount           `json:"amount,omitempty"`
	Description  string            `json:"description"`
	CreatedAt    string            `json:"created_at"`
	Confirmation *Confirmation     `json:"confirmation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// ConfirmationURL returns the redirect URL, empty when YooKassa sent none.
func (p *YooKassaPaymentResponse) ConfirmationURL() string {
	if p == nil || p.Confirmation == nil {
		return ""
	}
	return p.Confirmation.ConfirmationURL
}

type Option func(*YooKassaClient)

func WithBaseURL(base string) Option {
	return func(y *YooKassaClient) { y.baseURL = strings.TrimRight(base, "/") }
}

func WithHTTPClient(c *http.Client) Option {
	return func(y *YooKassaClient) { y.httpClient = c }
}

func New(shopID, apiKey string, opts ...Option) *YooKassaClient {
	y := &YooKassaClient{
		yookassaShopID:    shopID,
		yookassaSecretKey: apiKey,
		baseURL:           DefaultBaseURL,
		httpClient:        &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(y)
	}
	return y
}

// CreateYooKassaPayment creates a captured redirect payment.
func (y *YooKassaClient) CreateYooKassaPayment(ctx context.Context, amount float64, currency, description, returnURL string, metadata map[string]string) (*YooKassaPaymentResponse, error) {
	if currency == "" {
		currency = "RUB"
	}
	paymentReq := YooKassaPaymentRequest{
		Amount:  Amount{Value: fmt.Sprintf("%.2f", amount), Currency: currency},
		Capture: true,
		Confirmation: Confirmation{
			Type:      "redirect",
			ReturnURL: returnURL,
		},
		Description: description,
		Metadata:    metadata,
	}

	jsonData, err := json.Marshal(paymentReq)
	if err != nil {
		return nil, fmt.Errorf("marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, y.baseURL+"/payments", bytes.NewReader(jsonData))
	if err != nil {
		return nil, fmt.Errorf("build payment request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotence-Key", uuid.NewString())

	paymentResp, err := y.do(req)
	if err != nil {
		return nil, err
	}
	if paymentResp.ConfirmationURL() == "" {
		return paymentResp, ErrMissingConfirmationURL
	}
	return paymentResp, nil
}

func (y *YooKassaClient) GetYooKassaPayment(ctx context.Context, paymentID string) (*YooKassaPaymentResponse, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, errors.New("yookassa: payment id is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, y.baseURL+"/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, fmt.Errorf("build status request: %w", err)
	}
	return y.do(req)
}

func (y *YooKassaClient) do(req *http.Request) (*YooKassaPaymentResponse, error) {
	auth := y.yookassaShopID + ":" + y.yookassaSecretKey
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(auth)))

	resp, err := y.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("yookassa request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read yookassa response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var paymentResp YooKassaPaymentResponse
	if err := json.Unmarshal(body, &paymentResp); err != nil {
		return nil, fmt.Errorf("decode yookassa response: %w", err)
	}
	if paymentResp.ID == "" {
		return nil, errors.New("yookassa: response has no payment id")
	}
	return &paymentResp, nil
}
