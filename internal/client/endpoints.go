package client

import (
	"context"
	"net/http"
	"net/url"

	"pharmapos/internal/domain"
)

func pharmacyQuery(pharmacyID string, key string, value string) url.Values {
	query := url.Values{}
	if pharmacyID != "" {
		query.Set("pharmacy_id", pharmacyID)
	}
	if key != "" {
		query.Set(key, value)
	}
	return query
}

func (c *Client) QueryStock(ctx context.Context, pharmacyID string, sku string) (domain.StockQuote, error) {
	var quote domain.StockQuote
	err := c.call(ctx, http.MethodGet, "/api/v1/stock", pharmacyQuery(pharmacyID, "sku", sku), nil, &quote)
	return quote, err
}

func (c *Client) ResolveProduct(ctx context.Context, pharmacyID string, name string) (domain.StockQuote, error) {
	var quote domain.StockQuote
	err := c.call(ctx, http.MethodGet, "/api/v1/stock/resolve", pharmacyQuery(pharmacyID, "name", name), nil, &quote)
	return quote, err
}

func (c *Client) ListStock(ctx context.Context, pharmacyID string) ([]domain.StockQuote, error) {
	var payload struct {
		Stock []domain.StockQuote `json:"stock"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/stock/list", pharmacyQuery(pharmacyID, "", ""), nil, &payload)
	return payload.Stock, err
}

func (c *Client) ListPrescriptions(ctx context.Context, patientID string) ([]domain.Prescription, error) {
	var payload struct {
		Prescriptions []domain.Prescription `json:"prescriptions"`
	}
	err := c.call(ctx, http.MethodGet, "/api/v1/patients/"+url.PathEscape(patientID)+"/prescriptions", nil, nil, &payload)
	return payload.Prescriptions, err
}

func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderSubmitRequest) (domain.OrderSubmitResponse, error) {
	var resp domain.OrderSubmitResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/orders", nil, req, &resp)
	return resp, err
}

// LookupOrder finds an order by the idempotency key it was submitted with.
func (c *Client) LookupOrder(ctx context.Context, idempotencyKey string) (domain.OrderLookupResponse, error) {
	var resp domain.OrderLookupResponse
	err := c.call(ctx, http.MethodGet, "/api/v1/orders/idempotency/"+url.PathEscape(idempotencyKey), nil, nil, &resp)
	return resp, err
}

func (c *Client) CreateQROrder(ctx context.Context, req domain.QROrderCreateRequest) (domain.QROrder, error) {
	var order domain.QROrder
	err := c.call(ctx, http.MethodPost, "/api/v1/payments/qr", nil, req, &order)
	return order, err
}

func (c *Client) GetQROrder(ctx context.Context, id string) (domain.QROrder, error) {
	var order domain.QROrder
	err := c.call(ctx, http.MethodGet, "/api/v1/payments/qr/"+url.PathEscape(id), nil, nil, &order)
	return order, err
}

func (c *Client) OpenCashSession(ctx context.Context, req domain.CashSessionOpenRequest) (domain.CashSession, error) {
	var session domain.CashSession
	err := c.call(ctx, http.MethodPost, "/api/v1/cash-sessions", nil, req, &session)
	return session, err
}

func (c *Client) GetCashSession(ctx context.Context, id string) (domain.CashSession, error) {
	var session domain.CashSession
	err := c.call(ctx, http.MethodGet, "/api/v1/cash-sessions/"+url.PathEscape(id), nil, nil, &session)
	return session, err
}

func (c *Client) GetOpenCashSession(ctx context.Context, pharmacyID string) (domain.CashSession, error) {
	var session domain.CashSession
	err := c.call(ctx, http.MethodGet, "/api/v1/cash-sessions/open", pharmacyQuery(pharmacyID, "", ""), nil, &session)
	return session, err
}

func (c *Client) CashSessionSummary(ctx context.Context, id string) (domain.CashSessionSummary, error) {
	var summary domain.CashSessionSummary
	err := c.call(ctx, http.MethodGet, "/api/v1/cash-sessions/"+url.PathEscape(id)+"/summary", nil, nil, &summary)
	return summary, err
}

func (c *Client) CloseCashSession(ctx context.Context, id string, req domain.CashSessionCloseRequest) (domain.CashSessionCloseResponse, error) {
	var resp domain.CashSessionCloseResponse
	err := c.call(ctx, http.MethodPost, "/api/v1/cash-sessions/"+url.PathEscape(id)+"/close", nil, req, &resp)
	return resp, err
}

func (c *Client) RecordAppointmentPayment(ctx context.Context, req domain.AppointmentPaymentRequest) (domain.AppointmentPayment, error) {
	var payment domain.AppointmentPayment
	err := c.call(ctx, http.MethodPost, "/api/v1/appointment-payments", nil, req, &payment)
	return payment, err
}
