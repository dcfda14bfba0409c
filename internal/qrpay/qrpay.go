// Package qrpay talks to the QR payment provider and verifies its webhooks.
package qrpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pharmapos/internal/xid"
)

var ErrInvalidSignature = errors.New("invalid webhook signature")

type CreateRequest struct {
	PharmacyID  string `json:"pharmacy_id"`
	AmountCents int64  `json:"amount_cents"`
	Description string `json:"description"`
}

// ProviderOrder is the provider's handle for one QR charge.
type ProviderOrder struct {
	ID      string `json:"id"`
	Payload string `json:"payload"`
}

type Provider interface {
	CreateOrder(ctx context.Context, req CreateRequest) (ProviderOrder, error)
}

type HTTPProvider struct {
	baseURL string
	apiKey  string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPProvider builds a provider client limited to requestsPerSecond
// outbound calls with a small burst.
func NewHTTPProvider(baseURL string, apiKey string, requestsPerSecond float64) *HTTPProvider {
	if requestsPerSecond <= 0 {
		requestsPerSecond = 5
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), 2),
	}
}

func (p *HTTPProvider) CreateOrder(ctx context.Context, req CreateRequest) (ProviderOrder, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return ProviderOrder{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return ProviderOrder{}, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/orders", bytes.NewReader(body))
	if err != nil {
		return ProviderOrder{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return ProviderOrder{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return ProviderOrder{}, fmt.Errorf("qr provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var order ProviderOrder
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return ProviderOrder{}, fmt.Errorf("decode qr provider response: %w", err)
	}
	if order.ID == "" || order.Payload == "" {
		return ProviderOrder{}, fmt.Errorf("qr provider response missing id or payload")
	}
	return order, nil
}

// Sandbox issues QR orders locally for dev and demo setups.
type Sandbox struct{}

func (Sandbox) CreateOrder(_ context.Context, req CreateRequest) (ProviderOrder, error) {
	if req.AmountCents < 1 {
		return ProviderOrder{}, fmt.Errorf("amount must be positive")
	}
	id := xid.New("qr")
	raw := fmt.Sprintf("pharmapos-sandbox|%s|%s|%d", id, req.PharmacyID, req.AmountCents)
	return ProviderOrder{
		ID:      id,
		Payload: base64.StdEncoding.EncodeToString([]byte(raw)),
	}, nil
}

// Sign returns the hex HMAC-SHA256 of body, as sent in the webhook signature header.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func VerifySignature(secret string, body []byte, signature string) error {
	if secret == "" || signature == "" {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}
