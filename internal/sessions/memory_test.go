package sessions

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/relaycore/agentcore/internal/hooks"
	"github.com/relaycore/agentcore/internal/observability"
	"github.com/relaycore/agentcore/pkg/models"
)

func TestMemoryStoreCreateGet(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1", Key: "conv-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if session.ID == "" {
		t.Fatalf("Create should assign an ID")
	}

	got, err := store.Get(ctx, session.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Key != "conv-1" {
		t.Fatalf("got key %q, want conv-1", got.Key)
	}

	// Mutating the returned pointer must not affect store-owned state.
	got.Key = "mutated"
	again, _ := store.Get(ctx, session.ID)
	if again.Key != "conv-1" {
		t.Fatalf("Get must return an isolated copy, got %q", again.Key)
	}
}

func TestMemoryStoreGetOrCreateIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	a, err := store.GetOrCreate(ctx, "k1", "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	b, err := store.GetOrCreate(ctx, "k1", "agent-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}
	if a.ID != b.ID {
		t.Fatalf("GetOrCreate with the same key should return the same session")
	}
}

func TestMemoryStoreHistoryIsPerBranch(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}

	trunk := models.NewUserMessage(session.ID, "", "hello trunk")
	fork := models.NewUserMessage(session.ID, "fork-1", "hello fork")
	if err := store.AppendMessage(ctx, session.ID, trunk); err != nil {
		t.Fatalf("AppendMessage trunk: %v", err)
	}
	if err := store.AppendMessage(ctx, session.ID, fork); err != nil {
		t.Fatalf("AppendMessage fork: %v", err)
	}

	trunkHistory, err := store.GetHistory(ctx, session.ID, "", 0)
	if err != nil {
		t.Fatalf("GetHistory trunk: %v", err)
	}
	if len(trunkHistory) != 1 || trunkHistory[0].Text() != "hello trunk" {
		t.Fatalf("unexpected trunk history: %+v", trunkHistory)
	}

	forkHistory, err := store.GetHistory(ctx, session.ID, "fork-1", 0)
	if err != nil {
		t.Fatalf("GetHistory fork: %v", err)
	}
	if len(forkHistory) != 1 || forkHistory[0].Text() != "hello fork" {
		t.Fatalf("unexpected fork history: %+v", forkHistory)
	}
}

func TestMemoryStoreHistoryTrimsToLimit(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	for i := 0; i < 5; i++ {
		msg := models.NewUserMessage(session.ID, "", "message")
		if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
			t.Fatalf("AppendMessage: %v", err)
		}
	}

	history, err := store.GetHistory(ctx, session.ID, "", 2)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("expected history limited to 2 messages, got %d", len(history))
	}
	if history[0].SequenceNum != 4 || history[1].SequenceNum != 5 {
		t.Fatalf("expected the two most recent messages, got sequence nums %d,%d", history[0].SequenceNum, history[1].SequenceNum)
	}
}

func TestMemoryStoreDeleteRemovesHistory(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := models.NewUserMessage(session.ID, "", "hi")
	if err := store.AppendMessage(ctx, session.ID, msg); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Get(ctx, session.ID); err == nil {
		t.Fatalf("Get after Delete should error")
	}
	history, err := store.GetHistory(ctx, session.ID, "", 0)
	if err != nil {
		t.Fatalf("GetHistory after Delete: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("expected no history after Delete, got %d messages", len(history))
	}
}

func TestMemoryStoreDispatchesLifecycleHooks(t *testing.T) {
	store := NewMemoryStore()
	registry := hooks.NewRegistry(nil)
	store.SetHooks(registry)
	ctx := context.Background()

	var seen []hooks.EventType
	for _, evt := range []hooks.EventType{hooks.EventSessionCreated, hooks.EventSessionUpdated, hooks.EventSessionDeleted} {
		evt := evt
		registry.Register(evt, func(ctx context.Context, e *hooks.Event) error {
			seen = append(seen, e.Type)
			return nil
		})
	}

	session := &models.Session{AgentID: "agent-1", Key: "conv-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	session.Title = "renamed"
	if err := store.Update(ctx, session); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	want := []hooks.EventType{hooks.EventSessionCreated, hooks.EventSessionUpdated, hooks.EventSessionDeleted}
	if len(seen) != len(want) {
		t.Fatalf("dispatched events = %v, want %v", seen, want)
	}
	for i, evt := range want {
		if seen[i] != evt {
			t.Errorf("event[%d] = %q, want %q", i, seen[i], evt)
		}
	}
}

func TestMemoryStoreRecordsActiveSessionsGauge(t *testing.T) {
	store := NewMemoryStore()
	metrics := observability.NewMetrics()
	store.SetMetrics(metrics)
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions.WithLabelValues("agent-1")); got != 1 {
		t.Errorf("ActiveSessions after Create = %v, want 1", got)
	}

	if err := store.Delete(ctx, session.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if got := testutil.ToFloat64(metrics.ActiveSessions.WithLabelValues("agent-1")); got != 0 {
		t.Errorf("ActiveSessions after Delete = %v, want 0", got)
	}
}

func TestMemoryStoreNoHooksConfiguredIsNoop(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	session := &models.Session{AgentID: "agent-1"}
	if err := store.Create(ctx, session); err != nil {
		t.Fatalf("Create without hooks configured: %v", err)
	}
}
