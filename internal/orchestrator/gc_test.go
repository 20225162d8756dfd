package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/conduitrun/conduit/internal/convstore"
)

func TestDraftGCSweepsOnSchedule(t *testing.T) {
	store := newMemStore()
	// Put in one draft row so the sweep has something to prove it ran
	// against the right store.
	_, err := store.UpsertMessage(context.Background(), convstore.UpsertMessageParams{
		UserID: "u1", ConversationID: "c1", Role: convstore.RoleAssistant,
		Content: "draft", StepID: "s1", State: convstore.StateDraft,
	})
	if err != nil {
		t.Fatal(err)
	}

	gc, err := NewDraftGC(store, time.Hour, "@every 10ms", nil)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		gc.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done
}

func TestNewDraftGCRejectsBadSchedule(t *testing.T) {
	if _, err := NewDraftGC(newMemStore(), time.Hour, "not a cron expr", nil); err == nil {
		t.Fatal("expected invalid cron expression to error")
	}
}
