package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmapos/internal/domain"
	"pharmapos/internal/metrics"
	"pharmapos/internal/qrpay"
	"pharmapos/internal/service"
	"pharmapos/internal/store"
)

type API struct {
	service       *service.Service
	auth          *AuthManager
	metrics       *metrics.Recorder
	allowedOrigin string
	loginLimiter  *attemptLimiter
	pinLimiter    *attemptLimiter
	csrfSecret    []byte
}

func New(svc *service.Service, auth *AuthManager, recorder *metrics.Recorder, allowedOrigin string) *API {
	csrfSecret := make([]byte, 32)
	if _, err := rand.Read(csrfSecret); err != nil {
		log.Printf("[httpapi] WARN: crypto/rand unavailable, csrf secret derived from clock: %v", err)
		csrfSecret = []byte(fmt.Sprintf("csrf-%d", time.Now().UnixNano()))
	}
	return &API{
		service:       svc,
		auth:          auth,
		metrics:       recorder,
		allowedOrigin: allowedOrigin,
		loginLimiter:  newAttemptLimiter(5, time.Minute),
		pinLimiter:    newAttemptLimiter(5, time.Minute),
		csrfSecret:    csrfSecret,
	}
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", a.handleHealth)
	mux.Handle("/metrics", a.metrics.Handler())
	mux.HandleFunc("/api/v1/auth/login", a.handleLogin)
	mux.HandleFunc("/api/v1/auth/csrf-token", a.handleCSRFToken)
	mux.HandleFunc("/api/v1/payments/qr/webhook", a.handleQRWebhook)

	mux.HandleFunc("/api/v1/stock", a.requireAuth(a.handleStock, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock/resolve", a.requireAuth(a.handleStockResolve, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/stock/list", a.requireAuth(a.handleStockList, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/patients/", a.requireAuth(a.handlePatientActions, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/orders", a.requireAuth(a.handleOrders, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/orders/idempotency/", a.requireAuth(a.handleOrderLookup, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/payments/qr", a.requireAuth(a.handleQROrders, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/payments/qr/", a.requireAuth(a.handleQROrderActions, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/cash-sessions", a.requireAuth(a.handleCashSessions, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/cash-sessions/open", a.requireAuth(a.handleOpenCashSession, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/cash-sessions/", a.requireAuth(a.handleCashSessionActions, domain.RoleWorker, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/appointment-payments", a.requireAuth(a.handleAppointmentPayments, domain.RoleWorker, domain.RoleAdmin))

	mux.HandleFunc("/api/v1/audit-logs", a.requireAuth(a.handleAuditLogs, domain.RoleAdmin))
	mux.HandleFunc("/api/v1/users/workers", a.requireAuth(a.handleWorkers, domain.RoleAdmin))

	return a.withMiddleware(mux)
}

func (a *API) requireAuth(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authorization := strings.TrimSpace(r.Header.Get("Authorization"))
		if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
			writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
			return
		}

		actor, err := a.auth.ParseToken(strings.TrimSpace(authorization[len("Bearer "):]))
		if err != nil {
			writeError(w, http.StatusUnauthorized, err)
			return
		}
		if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
			writeError(w, http.StatusForbidden, errors.New("forbidden role"))
			return
		}

		next(w, r.WithContext(service.WithActor(r.Context(), actor)))
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

// csrfTokenForHour is an HMAC of the hour bucket, so tokens need no server state.
func (a *API) csrfTokenForHour(hourBucket int64) string {
	mac := hmac.New(sha256.New, a.csrfSecret)
	fmt.Fprintf(mac, "%d", hourBucket)
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *API) generateCSRFToken() string {
	return a.csrfTokenForHour(time.Now().UTC().Truncate(time.Hour).Unix())
}

// validateCSRFToken accepts the current and the previous hour bucket.
func (a *API) validateCSRFToken(token string) bool {
	if token == "" {
		return false
	}
	current := time.Now().UTC().Truncate(time.Hour).Unix()
	for _, bucket := range []int64{current, current - 3600} {
		if hmac.Equal([]byte(token), []byte(a.csrfTokenForHour(bucket))) {
			return true
		}
	}
	return false
}

// Login fetches no token first; the webhook is authenticated by its signature.
var csrfExemptPaths = map[string]struct{}{
	"/api/v1/auth/login":          {},
	"/api/v1/payments/qr/webhook": {},
}

func (a *API) checkCSRF(w http.ResponseWriter, r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	if _, exempt := csrfExemptPaths[r.URL.Path]; exempt {
		return true
	}
	if !a.validateCSRFToken(strings.TrimSpace(r.Header.Get("X-CSRF-Token"))) {
		writeError(w, http.StatusForbidden, errors.New("missing or invalid CSRF token"))
		return false
	}
	return true
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

type requestIDKey struct{}

// RequestIDFromContext returns the id assigned by the middleware, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := strings.TrimSpace(r.Header.Get("X-Request-ID"))
		if _, err := uuid.Parse(requestID); err != nil {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-CSRF-Token, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPatch || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		if !a.checkCSRF(w, r) {
			return
		}

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		startedAt := time.Now()
		next.ServeHTTP(recorder, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
		log.Printf("[http] %s %s %d %s id=%s", r.Method, r.URL.Path, recorder.status, time.Since(startedAt), requestID)
	})
}

// writeServiceError maps store and service errors onto the wire error body.
func writeServiceError(w http.ResponseWriter, err error) {
	var stockErr *store.StockConflictError
	var sessionErr *store.SessionConflictError
	switch {
	case errors.As(err, &stockErr):
		writeAPIError(w, &domain.APIError{
			Status:    http.StatusConflict,
			Code:      domain.ErrCodeStockConflict,
			Message:   err.Error(),
			Conflicts: stockErr.Conflicts,
		})
	case errors.As(err, &sessionErr):
		holder := sessionErr.Holder
		writeAPIError(w, &domain.APIError{
			Status:  http.StatusConflict,
			Code:    domain.ErrCodeSessionConflict,
			Message: err.Error(),
			Holder:  &holder,
		})
	case errors.Is(err, store.ErrSessionConflict):
		writeAPIError(w, &domain.APIError{
			Status:  http.StatusConflict,
			Code:    domain.ErrCodeSessionConflict,
			Message: err.Error(),
		})
	case errors.Is(err, store.ErrSessionClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrInvalidTransaction):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, qrpay.ErrInvalidSignature):
		writeError(w, http.StatusUnauthorized, err)
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusUnprocessableEntity, err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeAPIError(w, &domain.APIError{Status: status, Code: codeForStatus(status), Message: err.Error()})
}

func writeAPIError(w http.ResponseWriter, apiErr *domain.APIError) {
	if apiErr.Status >= 500 {
		log.Printf("[httpapi] internal error (status %d): %s", apiErr.Status, apiErr.Message)
		apiErr.Message = "internal server error"
		apiErr.Code = domain.ErrCodeInternal
	}
	writeJSON(w, apiErr.Status, apiErr)
}

func codeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusMethodNotAllowed, http.StatusRequestEntityTooLarge:
		return domain.ErrCodeInvalidRequest
	case http.StatusUnauthorized:
		return domain.ErrCodeUnauthorized
	case http.StatusForbidden:
		return domain.ErrCodeForbidden
	case http.StatusNotFound:
		return domain.ErrCodeNotFound
	case http.StatusConflict:
		return domain.ErrCodeSessionInvalid
	case http.StatusTooManyRequests:
		return domain.ErrCodeRateLimited
	case http.StatusUnprocessableEntity:
		return domain.ErrCodeUnprocessable
	default:
		if status >= 500 {
			return domain.ErrCodeInternal
		}
		return domain.ErrCodeInvalidRequest
	}
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	if parsed, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil && parsed > 0 {
		limit = parsed
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// pathTail returns the path segments after prefix, empty segments dropped.
func pathTail(path string, prefix string) []string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nil
	}
	parts := strings.Split(rest, "/")
	out := parts[:0]
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errors.New("method not allowed"))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
