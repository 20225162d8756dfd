package stepstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBindIdempotentAndRejectsScopeConflict(t *testing.T) {
	s := New(context.Background(), time.Minute, time.Hour)
	defer s.Shutdown()

	if err := s.Bind("s1", "u1", "c1"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	if err := s.Bind("s1", "u1", "c1"); err != nil {
		t.Fatalf("idempotent bind: %v", err)
	}
	err := s.Bind("s1", "u2", "c1")
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ErrScopeMismatch {
		t.Fatalf("expected scope mismatch, got %v", err)
	}
}

func TestValidateResumeRejectsUnknownToolCallID(t *testing.T) {
	s := New(context.Background(), time.Minute, time.Hour)
	defer s.Shutdown()

	s.Bind("s1", "u1", "c1")
	s.RecordClientCalls("s1", []string{"c1-call"})

	if err := s.ValidateResume("s1", "u1", "c1", []string{"c1-call"}); err != nil {
		t.Fatalf("expected valid resume, got %v", err)
	}

	err := s.ValidateResume("s1", "u1", "c1", []string{"bogus"})
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ErrUnknownToolCallID {
		t.Fatalf("expected unknown tool_call_id error, got %v", err)
	}
}

func TestValidateResumeRejectsUnknownStep(t *testing.T) {
	s := New(context.Background(), time.Minute, time.Hour)
	defer s.Shutdown()

	err := s.ValidateResume("never-bound", "u1", "c1", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ErrUnknownStep {
		t.Fatalf("expected unknown step error, got %v", err)
	}
}

func TestJanitorEvictsExpiredEntries(t *testing.T) {
	s := New(context.Background(), 10*time.Millisecond, 5*time.Millisecond)
	defer s.Shutdown()

	s.Bind("s1", "u1", "c1")
	time.Sleep(60 * time.Millisecond)

	err := s.ValidateResume("s1", "u1", "c1", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ErrUnknownStep {
		t.Fatalf("expected entry to be evicted by janitor, got %v", err)
	}
}

func TestClearRemovesEntry(t *testing.T) {
	s := New(context.Background(), time.Minute, time.Hour)
	defer s.Shutdown()

	s.Bind("s1", "u1", "c1")
	s.Clear("s1")

	err := s.ValidateResume("s1", "u1", "c1", nil)
	var ve *ValidationError
	if !errors.As(err, &ve) || ve.Kind != ErrUnknownStep {
		t.Fatalf("expected cleared entry to be gone, got %v", err)
	}
}
