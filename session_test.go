package gateway

import (
	"errors"
	"testing"
)

func TestSessionRecordEvent(t *testing.T) {
	session := NewSession()

	if err := session.RecordEvent(1); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if err := session.RecordEvent(5); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if session.Sequence() != 5 {
		t.Errorf("Expected sequence 5, but got %d", session.Sequence())
	}
}

func TestSessionRecordEventRegression(t *testing.T) {
	session := NewSession()

	if err := session.RecordEvent(10); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	err := session.RecordEvent(9)
	if !errors.Is(err, ErrSequenceRegression) {
		t.Errorf("Expected ErrSequenceRegression, but got %v", err)
	}

	if session.Sequence() != 10 {
		t.Errorf("Expected sequence 10, but got %d", session.Sequence())
	}
}

func TestSessionRecordEventZeroIgnored(t *testing.T) {
	session := NewSession()

	if err := session.RecordEvent(3); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if err := session.RecordEvent(0); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if session.Sequence() != 3 {
		t.Errorf("Expected sequence 3, but got %d", session.Sequence())
	}
}

func TestSessionCanResume(t *testing.T) {
	session := NewSession()

	if session.CanResume() {
		t.Error("Expected new session to not be resumable")
	}

	session.Begin("abc123", "wss://resume.example")

	if session.CanResume() {
		t.Error("Expected session without delivered events to not be resumable")
	}

	if err := session.RecordEvent(1); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	if !session.CanResume() {
		t.Error("Expected session to be resumable")
	}
}

func TestSessionInvalidate(t *testing.T) {
	session := NewSession()

	session.Begin("abc123", "wss://resume.example")

	if err := session.RecordEvent(42); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	session.Invalidate()

	if session.CanResume() {
		t.Error("Expected invalidated session to not be resumable")
	}

	if session.SessionID() != "" {
		t.Errorf("Expected empty session ID, but got %q", session.SessionID())
	}

	if session.Sequence() != 0 {
		t.Errorf("Expected sequence 0, but got %d", session.Sequence())
	}

	// A fresh identify after invalidation must start from scratch.
	if err := session.RecordEvent(1); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}
}

func TestSessionSnapshot(t *testing.T) {
	session := NewSession()

	session.Begin("abc123", "wss://resume.example")

	if err := session.RecordEvent(7); err != nil {
		t.Errorf("Unexpected error: %v", err)
	}

	snapshot := session.Snapshot()

	if snapshot.SessionID != "abc123" || snapshot.Sequence != 7 || snapshot.ResumeGatewayURL != "wss://resume.example" {
		t.Errorf("Unexpected snapshot: %+v", snapshot)
	}
}
