package discord

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/WoodrowLove/advisorygate/internal/port/notifier"
)

// Compile-time interface check.
var _ notifier.Notifier = (*Notifier)(nil)

func testEvent() notifier.Event {
	return notifier.Event{
		CaseID:         "case-1",
		CorrelationID:  "corr-1",
		Priority:       "critical",
		ResponderGroup: "approvers",
		SLADeadline:    time.Now().Add(5 * time.Minute),
		Kind:           "escalated",
	}
}

func TestNotifierName(t *testing.T) {
	if n := NewNotifier(""); n.Name() != "discord" {
		t.Fatalf("expected 'discord', got %q", n.Name())
	}
}

func TestSendNotConfigured(t *testing.T) {
	n := NewNotifier("")
	if err := n.Send(context.Background(), testEvent()); err != notifier.ErrNotConfigured {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestSendSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	if err := n.Send(context.Background(), testEvent()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestSendAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad webhook"))
	}))
	defer srv.Close()

	n := NewNotifier(srv.URL)
	if err := n.Send(context.Background(), testEvent()); err == nil {
		t.Fatal("expected error for 400 response")
	}
}
