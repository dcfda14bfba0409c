package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"pharmapos/internal/domain"
)

func TestEveryResponseCarriesHardeningHeaders(t *testing.T) {
	api := newTestAPI(t)
	want := map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
	}
	for _, path := range []string{"/healthz", "/api/v1/stock?sku=SKU-PCM-500", "/api/v1/no-such-route"} {
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, httptest.NewRequest(http.MethodGet, path, nil))
		for header, value := range want {
			if got := res.Header().Get(header); got != value {
				t.Fatalf("%s: expected %s %q, got %q", path, header, value, got)
			}
		}
		if res.Header().Get("Referrer-Policy") == "" {
			t.Fatalf("%s: expected Referrer-Policy", path)
		}
	}
}

func TestLoginAttemptsAreLimitedPerAddress(t *testing.T) {
	api := newTestAPI(t)
	attempt := func(addr string) int {
		body, _ := json.Marshal(domain.LoginRequest{Username: "worker", Password: "not-the-password"})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = addr
		res := httptest.NewRecorder()
		api.Handler().ServeHTTP(res, req)
		return res.Code
	}

	for i := 0; i < 5; i++ {
		if code := attempt("10.0.0.7:4100"); code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401 before the limit, got %d", i+1, code)
		}
	}
	if code := attempt("10.0.0.7:4101"); code != http.StatusTooManyRequests {
		t.Fatalf("expected sixth attempt from the same host limited, got %d", code)
	}
	if code := attempt("10.0.0.8:4100"); code != http.StatusUnauthorized {
		t.Fatalf("expected another till unaffected, got %d", code)
	}
}

func TestMutationWithoutCSRFTokenRejected(t *testing.T) {
	api := newTestAPI(t)
	token := login(t, api, "worker", "worker123")

	body, _ := json.Marshal(domain.CashSessionOpenRequest{OpeningFloatCents: 0})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cash-sessions", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", res.Code)
	}
}

func TestJSONBodyTooLargeRejected(t *testing.T) {
	api := newTestAPI(t)
	veryLong := strings.Repeat("a", (1<<20)+1024)
	body := fmt.Sprintf(`{"username":"%s","password":"x"}`, veryLong)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	res := httptest.NewRecorder()

	api.Handler().ServeHTTP(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for too large body, got %d", res.Code)
	}
}

func TestManagerPINRateLimitReturns429(t *testing.T) {
	api := newTestAPI(t)
	owner := newClient(t, api, "worker", "worker123")
	session := decodeBody[domain.CashSession](t, owner.do(http.MethodPost, "/api/v1/cash-sessions", domain.CashSessionOpenRequest{}))

	token := login(t, api, "relief", "worker123")
	csrf := fetchCSRFToken(t, api)
	body, _ := json.Marshal(domain.CashSessionCloseRequest{CountedCashCents: 0, ManagerPIN: "000000"})

	for i := 0; i < 6; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/cash-sessions/"+session.ID+"/close", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("X-CSRF-Token", csrf)
		req.RemoteAddr = "127.0.0.1:5001"
		res := httptest.NewRecorder()

		api.Handler().ServeHTTP(res, req)

		if i < 5 && res.Code != http.StatusForbidden {
			t.Fatalf("attempt %d expected 403 before pin limit, got %d", i+1, res.Code)
		}
		if i == 5 && res.Code != http.StatusTooManyRequests {
			t.Fatalf("attempt 6 expected 429, got %d", res.Code)
		}
	}
}

func TestFiveHundredsHideInternalDetail(t *testing.T) {
	res := httptest.NewRecorder()
	writeError(res, http.StatusInternalServerError, fmt.Errorf("pq: relation \"orders\" does not exist"))

	apiErr := decodeBody[domain.APIError](t, res)
	if apiErr.Message != "internal server error" || apiErr.Code != domain.ErrCodeInternal {
		t.Fatalf("expected generic internal error, got %+v", apiErr)
	}
}

func TestParsePositiveLimitCaps(t *testing.T) {
	if got := parsePositiveLimit("9999", 50, 200); got != 200 {
		t.Fatalf("expected capped limit 200, got %d", got)
	}
	if got := parsePositiveLimit("", 50, 200); got != 50 {
		t.Fatalf("expected fallback limit 50, got %d", got)
	}
	if got := parsePositiveLimit("invalid", 50, 200); got != 50 {
		t.Fatalf("expected fallback on invalid input, got %d", got)
	}
}

func TestPathTailDropsEmptySegments(t *testing.T) {
	parts := pathTail("/api/v1/cash-sessions//session-1/close/", "/api/v1/cash-sessions/")
	if len(parts) != 2 || parts[0] != "session-1" || parts[1] != "close" {
		t.Fatalf("unexpected parts %v", parts)
	}
	if parts := pathTail("/api/v1/cash-sessions/", "/api/v1/cash-sessions/"); parts != nil {
		t.Fatalf("expected nil for empty tail, got %v", parts)
	}
}

func fetchCSRFToken(t *testing.T, api *API) string {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/csrf-token", nil)
	res := httptest.NewRecorder()
	api.Handler().ServeHTTP(res, req)
	if res.Code != http.StatusOK {
		t.Fatalf("csrf-token endpoint returned status %d", res.Code)
	}
	var payload map[string]string
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		t.Fatalf("decode csrf-token response failed: %v", err)
	}
	if strings.TrimSpace(payload["csrf_token"]) == "" {
		t.Fatalf("expected non-empty csrf_token in response")
	}
	return payload["csrf_token"]
}
