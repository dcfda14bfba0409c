package pos

import (
	"sync"

	"pharmapos/internal/domain"
)

// SessionHandle is the single record of which cash session this device is
// operating under. The cart, payment attempt and gateway all read it; only the
// session manager and the gateway (on a rejected session) change it.
type SessionHandle struct {
	mu         sync.RWMutex
	pharmacyID string
	workerID   string
	session    *domain.CashSession
}

func NewSessionHandle(pharmacyID string, workerID string) *SessionHandle {
	return &SessionHandle{pharmacyID: pharmacyID, workerID: workerID}
}

func (h *SessionHandle) PharmacyID() string {
	return h.pharmacyID
}

func (h *SessionHandle) WorkerID() string {
	return h.workerID
}

func (h *SessionHandle) Current() (domain.CashSession, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.session == nil {
		return domain.CashSession{}, false
	}
	return *h.session, true
}

func (h *SessionHandle) set(session domain.CashSession) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = &session
}

// clearIf drops the session only if it is still the given one, so a late
// rejection cannot clear a session opened in the meantime.
func (h *SessionHandle) clearIf(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session != nil && h.session.ID == sessionID {
		h.session = nil
	}
}
