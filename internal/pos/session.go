package pos

import (
	"context"
	"errors"
	"log"
	"strings"

	"pharmapos/internal/domain"
	"pharmapos/internal/money"
)

type RestoreOutcome string

const (
	RestoreResumed   RestoreOutcome = "resumed"
	RestoreConflict  RestoreOutcome = "conflict"
	RestoreNeedsOpen RestoreOutcome = "needs_open"
)

// RestoreResult is the outcome of looking for a session to continue on
// startup. Session is set for RestoreResumed and RestoreConflict.
type RestoreResult struct {
	Outcome RestoreOutcome
	Session domain.CashSession
}

// CloseResult is the backend's close response plus the variance as the
// device computed it from the last summary it pulled.
type CloseResult struct {
	domain.CashSessionCloseResponse
	LocalExpectedCents int64
	LocalVarianceCents int64
}

type SessionManager struct {
	store  SessionStore
	memory SessionMemory
	handle *SessionHandle
	retry  RetryPolicy
}

func NewSessionManager(store SessionStore, memory SessionMemory, handle *SessionHandle, retry RetryPolicy) *SessionManager {
	if memory == nil {
		memory = noMemory{}
	}
	return &SessionManager{store: store, memory: memory, handle: handle, retry: retry}
}

func (m *SessionManager) Current() (domain.CashSession, bool) {
	return m.handle.Current()
}

// OpenSession opens a drawer for this device's worker. The backend allows one
// open session per pharmacy; losing that race yields a SessionConflictError
// naming the holder.
func (m *SessionManager) OpenSession(ctx context.Context, openingFloatCents int64) (domain.CashSession, error) {
	if openingFloatCents < 0 {
		return domain.CashSession{}, invalid("opening_float", "must not be negative")
	}
	if current, ok := m.handle.Current(); ok {
		return domain.CashSession{}, &SessionConflictError{Holder: current}
	}

	session, err := m.store.OpenCashSession(ctx, domain.CashSessionOpenRequest{
		PharmacyID:        m.handle.PharmacyID(),
		WorkerID:          m.handle.WorkerID(),
		OpeningFloatCents: openingFloatCents,
	})
	if err != nil {
		if apiErr, ok := apiErrorCode(err); ok && apiErr.Code == domain.ErrCodeSessionConflict && apiErr.Holder != nil {
			return domain.CashSession{}, &SessionConflictError{Holder: *apiErr.Holder}
		}
		return domain.CashSession{}, err
	}

	m.attach(ctx, session)
	return session, nil
}

// RestoreSession resumes the session this device remembered if the backend
// still has it open. Otherwise it reports an open session held elsewhere, or
// that a new one must be opened.
func (m *SessionManager) RestoreSession(ctx context.Context) (RestoreResult, error) {
	pharmacyID := m.handle.PharmacyID()
	remembered, err := m.memory.Recall(ctx, pharmacyID)
	if err != nil {
		log.Printf("[till] WARN: recall remembered session failed: %v", err)
		remembered = ""
	}

	if remembered != "" {
		var session domain.CashSession
		err := m.retry.Do(ctx, func(ctx context.Context) error {
			var lookupErr error
			session, lookupErr = m.store.GetCashSession(ctx, remembered)
			return lookupErr
		})
		switch {
		case err == nil && session.IsOpen() && session.WorkerID == m.handle.WorkerID():
			m.handle.set(session)
			return RestoreResult{Outcome: RestoreResumed, Session: session}, nil
		case err == nil, isNotFound(err):
			if forgetErr := m.memory.Forget(ctx, pharmacyID); forgetErr != nil {
				log.Printf("[till] WARN: forget session %s failed: %v", remembered, forgetErr)
			}
		default:
			return RestoreResult{}, err
		}
	}

	open, err := m.store.GetOpenCashSession(ctx, pharmacyID)
	if err != nil {
		if isNotFound(err) {
			return RestoreResult{Outcome: RestoreNeedsOpen}, nil
		}
		return RestoreResult{}, err
	}
	return RestoreResult{Outcome: RestoreConflict, Session: open}, nil
}

// AdoptSession lets a worker continue their own open session on this device,
// for example after switching tills.
func (m *SessionManager) AdoptSession(ctx context.Context, sessionID string) (domain.CashSession, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.CashSession{}, invalid("session_id", "is required")
	}
	var session domain.CashSession
	err := m.retry.Do(ctx, func(ctx context.Context) error {
		var lookupErr error
		session, lookupErr = m.store.GetCashSession(ctx, sessionID)
		return lookupErr
	})
	if err != nil {
		if isNotFound(err) {
			return domain.CashSession{}, &SessionError{SessionID: sessionID, Reason: "does not exist", Err: err}
		}
		return domain.CashSession{}, err
	}
	if !session.IsOpen() {
		return domain.CashSession{}, &SessionError{SessionID: sessionID, Reason: "is closed"}
	}
	if session.PharmacyID != m.handle.PharmacyID() || session.WorkerID != m.handle.WorkerID() {
		return domain.CashSession{}, &SessionConflictError{Holder: session}
	}

	m.attach(ctx, session)
	return session, nil
}

// ComputeSummary always asks the backend; nothing is cached on the device.
func (m *SessionManager) ComputeSummary(ctx context.Context) (domain.CashSessionSummary, error) {
	session, ok := m.handle.Current()
	if !ok {
		return domain.CashSessionSummary{}, &SessionError{Reason: "is not open"}
	}
	summary, err := m.store.CashSessionSummary(ctx, session.ID)
	if err != nil {
		return domain.CashSessionSummary{}, m.sessionFailure(session.ID, err)
	}
	return summary, nil
}

// CloseSession closes the held session with the counted drawer cash. On any
// failure the session stays open here and on the backend.
func (m *SessionManager) CloseSession(ctx context.Context, countedCents int64, notes string) (CloseResult, error) {
	if countedCents < 0 {
		return CloseResult{}, invalid("counted_cash", "must not be negative")
	}
	session, ok := m.handle.Current()
	if !ok {
		return CloseResult{}, &SessionError{Reason: "is not open"}
	}

	summary, err := m.store.CashSessionSummary(ctx, session.ID)
	if err != nil {
		return CloseResult{}, m.sessionFailure(session.ID, err)
	}
	expected := ExpectedCash(summary)

	resp, err := m.store.CloseCashSession(ctx, session.ID, domain.CashSessionCloseRequest{
		CountedCashCents: countedCents,
		Notes:            strings.TrimSpace(notes),
	})
	if err != nil {
		return CloseResult{}, m.sessionFailure(session.ID, err)
	}

	m.handle.clearIf(session.ID)
	if forgetErr := m.memory.Forget(ctx, m.handle.PharmacyID()); forgetErr != nil {
		log.Printf("[till] WARN: forget closed session %s failed: %v", session.ID, forgetErr)
	}
	if resp.ExpectedCashCents != expected {
		log.Printf("[till] WARN: session %s changed while closing: expected %s locally, %s on close",
			session.ID, money.Format(expected), money.Format(resp.ExpectedCashCents))
	}
	return CloseResult{
		CashSessionCloseResponse: resp,
		LocalExpectedCents:       expected,
		LocalVarianceCents:       Variance(countedCents, summary),
	}, nil
}

func (m *SessionManager) attach(ctx context.Context, session domain.CashSession) {
	m.handle.set(session)
	if err := m.memory.Remember(ctx, session.PharmacyID, session.ID); err != nil {
		log.Printf("[till] WARN: remember session %s failed: %v", session.ID, err)
	}
}

// sessionFailure clears the handle when the backend says the session is gone
// or closed, so the operator is sent back to open a new one.
func (m *SessionManager) sessionFailure(sessionID string, err error) error {
	apiErr, ok := apiErrorCode(err)
	if !ok {
		return err
	}
	switch apiErr.Code {
	case domain.ErrCodeNotFound, domain.ErrCodeSessionInvalid:
		m.handle.clearIf(sessionID)
		if forgetErr := m.memory.Forget(context.Background(), m.handle.PharmacyID()); forgetErr != nil {
			log.Printf("[till] WARN: forget session %s failed: %v", sessionID, forgetErr)
		}
		return &SessionError{SessionID: sessionID, Reason: "is no longer open", Err: err}
	}
	return err
}

// ExpectedCash is the cash that should be in the drawer: opening float plus
// cash sales plus cash appointment payments.
func ExpectedCash(summary domain.CashSessionSummary) int64 {
	return summary.ExpectedCashCents()
}

// Variance is counted minus expected; negative means the drawer is short.
func Variance(countedCents int64, summary domain.CashSessionSummary) int64 {
	return countedCents - ExpectedCash(summary)
}

// IsSessionError reports whether err means the operator has to open or
// restore a session before continuing.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrSession)
}
