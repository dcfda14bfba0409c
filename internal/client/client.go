// Package client is the till's HTTP connection to the pharmapos backend. It
// implements every backend port the pos engine needs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmapos/internal/domain"
	"pharmapos/internal/pos"
)

var _ pos.Backend = (*Client)(nil)

// Client logs in lazily and keeps the bearer token and CSRF token it was
// issued. A 401 triggers one fresh login and a 403 one fresh CSRF token; both
// are answered before the backend acts on the request, so the single replay
// cannot duplicate a write.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client

	mu    sync.Mutex
	token string
	csrf  string
}

func New(baseURL string, username string, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     httpClient,
	}
}

func (c *Client) Username() string {
	return strings.ToLower(strings.TrimSpace(c.username))
}

func (c *Client) Login(ctx context.Context) (domain.LoginResponse, error) {
	var resp domain.LoginResponse
	err := c.send(ctx, http.MethodPost, "/api/v1/auth/login", nil, domain.LoginRequest{
		Username: c.username,
		Password: c.password,
	}, &resp, "", "")
	if err != nil {
		return domain.LoginResponse{}, err
	}
	c.mu.Lock()
	c.token = resp.AccessToken
	c.mu.Unlock()
	return resp, nil
}

func (c *Client) refreshCSRF(ctx context.Context) (string, error) {
	var payload struct {
		CSRFToken string `json:"csrf_token"`
	}
	if err := c.send(ctx, http.MethodGet, "/api/v1/auth/csrf-token", nil, nil, &payload, "", ""); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.csrf = payload.CSRFToken
	c.mu.Unlock()
	return payload.CSRFToken, nil
}

func (c *Client) credentials(ctx context.Context, mutating bool) (string, string, error) {
	c.mu.Lock()
	token, csrf := c.token, c.csrf
	c.mu.Unlock()

	if token == "" {
		resp, err := c.Login(ctx)
		if err != nil {
			return "", "", err
		}
		token = resp.AccessToken
	}
	if mutating && csrf == "" {
		fresh, err := c.refreshCSRF(ctx)
		if err != nil {
			return "", "", err
		}
		csrf = fresh
	}
	return token, csrf, nil
}

// call sends an authenticated request, renewing the token or CSRF token once
// when the backend refuses them.
func (c *Client) call(ctx context.Context, method string, path string, query url.Values, body any, out any) error {
	mutating := method != http.MethodGet
	token, csrf, err := c.credentials(ctx, mutating)
	if err != nil {
		return err
	}

	err = c.send(ctx, method, path, query, body, out, token, csrf)
	var apiErr *domain.APIError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch {
	case apiErr.Status == http.StatusUnauthorized:
		resp, loginErr := c.Login(ctx)
		if loginErr != nil {
			return loginErr
		}
		token = resp.AccessToken
	case apiErr.Status == http.StatusForbidden && mutating && apiErr.Code == domain.ErrCodeForbidden && strings.Contains(apiErr.Message, "CSRF"):
		fresh, csrfErr := c.refreshCSRF(ctx)
		if csrfErr != nil {
			return csrfErr
		}
		csrf = fresh
	default:
		return err
	}
	return c.send(ctx, method, path, query, body, out, token, csrf)
}

func (c *Client) send(ctx context.Context, method string, path string, query url.Values, body any, out any, token string, csrf string) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &domain.APIError{}
	if err := json.Unmarshal(raw, apiErr); err != nil || apiErr.Code == "" {
		apiErr = &domain.APIError{Code: domain.ErrCodeInternal, Message: strings.TrimSpace(string(raw))}
	}
	apiErr.Status = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(resp.StatusCode)
	}
	return apiErr
}
