package gateway

import (
	"sync/atomic"
)

// Session tracks the gateway session owned by a single shard: the session
// ID, the sequence of the last event delivered downstream and the resume
// gateway URL handed out on READY. It performs no I/O and is only ever
// written to by its owning shard.
type Session struct {
	sessionID        *atomic.Pointer[string]
	sequence         *atomic.Int32
	resumeGatewayURL *atomic.Pointer[string]
}

// SessionSnapshot is a read-only copy of a session, exposed to the manager
// for diagnostics.
type SessionSnapshot struct {
	SessionID        string `json:"session_id"`
	Sequence         int32  `json:"sequence"`
	ResumeGatewayURL string `json:"resume_gateway_url"`
}

func NewSession() *Session {
	return &Session{
		sessionID:        &atomic.Pointer[string]{},
		sequence:         &atomic.Int32{},
		resumeGatewayURL: &atomic.Pointer[string]{},
	}
}

// Begin stores a freshly established session. The sequence is left
// untouched: on a fresh identify it is still zero, on a resume it already
// reflects the last delivered event.
func (session *Session) Begin(sessionID, resumeGatewayURL string) {
	session.sessionID.Store(&sessionID)
	session.resumeGatewayURL.Store(&resumeGatewayURL)
}

// RecordEvent updates the last delivered sequence. Sequences must never
// decrease within a session; a regression means the shard delivered events
// out of order and is reported to the caller.
func (session *Session) RecordEvent(sequence int32) error {
	if sequence == 0 {
		return nil
	}

	for {
		current := session.sequence.Load()
		if sequence < current {
			return ErrSequenceRegression
		}

		if session.sequence.CompareAndSwap(current, sequence) {
			return nil
		}
	}
}

// Invalidate clears the session so the next connect performs a fresh
// identify. Used when the gateway signals the session cannot be resumed.
func (session *Session) Invalidate() {
	session.sessionID.Store(nil)
	session.sequence.Store(0)
	session.resumeGatewayURL.Store(nil)
}

// CanResume reports whether a resumable session exists.
func (session *Session) CanResume() bool {
	sessionID := session.sessionID.Load()

	return sessionID != nil && *sessionID != "" && session.sequence.Load() > 0
}

func (session *Session) SessionID() string {
	if sessionID := session.sessionID.Load(); sessionID != nil {
		return *sessionID
	}

	return ""
}

func (session *Session) Sequence() int32 {
	return session.sequence.Load()
}

func (session *Session) ResumeGatewayURL() string {
	if resumeGatewayURL := session.resumeGatewayURL.Load(); resumeGatewayURL != nil {
		return *resumeGatewayURL
	}

	return ""
}

func (session *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:        session.SessionID(),
		Sequence:         session.Sequence(),
		ResumeGatewayURL: session.ResumeGatewayURL(),
	}
}
