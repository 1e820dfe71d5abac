package conversation

import (
	"context"
	"testing"
	"time"

	"ChatAssistant/internal/domain"
)

func user(content string) domain.Turn {
	return domain.Turn{Role: domain.RoleUser, Content: content}
}

func assistant(content string) domain.Turn {
	return domain.Turn{Role: domain.RoleAssistant, Content: content}
}

func TestMemoryAppendGetClear(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_ = m.Append(ctx, "a", user("hello"))
	_ = m.Append(ctx, "a", assistant("hi"))
	_ = m.Append(ctx, "b", user("foo"))

	turnsA, _ := m.Get(ctx, "a")
	turnsB, _ := m.Get(ctx, "b")
	if len(turnsA) != 2 || len(turnsB) != 1 {
		t.Fatalf("unexpected lengths: a=%d b=%d", len(turnsA), len(turnsB))
	}
	if turnsA[0] != user("hello") || turnsA[1] != assistant("hi") {
		t.Fatalf("unexpected order: %+v", turnsA)
	}

	// returned slice is a copy
	turnsA[0] = user("mutated")
	again, _ := m.Get(ctx, "a")
	if again[0].Content != "hello" {
		t.Fatalf("internal state mutated via returned slice")
	}

	_ = m.Clear(ctx, "a")
	if turns, _ := m.Get(ctx, "a"); len(turns) != 0 {
		t.Fatalf("clear did not empty session a: %+v", turns)
	}
	if turns, _ := m.Get(ctx, "b"); len(turns) != 1 {
		t.Fatalf("clear must not affect other sessions")
	}
}

func TestMemoryGetUnknownSession(t *testing.T) {
	m := NewMemory()
	turns, err := m.Get(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if turns == nil || len(turns) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", turns)
	}
	if m.Len() != 0 {
		t.Fatalf("get must not create a session")
	}
}

func TestMemoryMaxSessionsEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(WithMaxSessions(2))

	_ = m.Append(ctx, "a", user("1"))
	_ = m.Append(ctx, "b", user("2"))
	_, _ = m.Get(ctx, "a") // a is now most recent
	_ = m.Append(ctx, "c", user("3"))

	if m.Len() != 2 {
		t.Fatalf("expected 2 sessions, got %d", m.Len())
	}
	if turns, _ := m.Get(ctx, "b"); len(turns) != 0 {
		t.Fatalf("b should have been evicted")
	}
	if turns, _ := m.Get(ctx, "a"); len(turns) != 1 {
		t.Fatalf("a should survive eviction")
	}
}

func TestMemoryIdleTTL(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(WithIdleTTL(time.Minute))
	m.now = func() time.Time { return now }

	_ = m.Append(ctx, "idle", user("x"))
	_ = m.Append(ctx, "busy", user("y"))

	now = now.Add(45 * time.Second)
	_, _ = m.Get(ctx, "busy")

	now = now.Add(30 * time.Second)
	if turns, _ := m.Get(ctx, "idle"); len(turns) != 0 {
		t.Fatalf("idle session should have expired")
	}
	if turns, _ := m.Get(ctx, "busy"); len(turns) != 1 {
		t.Fatalf("busy session should be alive")
	}

	now = now.Add(2 * time.Minute)
	if removed := m.Prune(); removed != 1 {
		t.Fatalf("expected prune to remove 1 session, got %d", removed)
	}
	if m.Len() != 0 {
		t.Fatalf("expected no sessions left, got %d", m.Len())
	}
}

func TestMemoryPinnedSessionIsNotEvicted(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	m := NewMemory(WithMaxSessions(1), WithIdleTTL(time.Minute))
	m.now = func() time.Time { return now }

	_ = m.Append(ctx, "a", user("keep me"))
	unpin := m.Pin("a")

	_ = m.Append(ctx, "b", user("newcomer"))
	if turns, _ := m.Get(ctx, "a"); len(turns) != 1 {
		t.Fatalf("pinned session evicted")
	}
	if turns, _ := m.Get(ctx, "b"); len(turns) != 1 {
		t.Fatalf("new session must not be evicted in its own append")
	}

	now = now.Add(2 * time.Minute)
	if turns, _ := m.Get(ctx, "a"); len(turns) != 1 {
		t.Fatalf("pinned session expired")
	}

	unpin()
	unpin() // second call is a no-op
	now = now.Add(2 * time.Minute)
	if turns, _ := m.Get(ctx, "a"); len(turns) != 0 {
		t.Fatalf("unpinned idle session should expire")
	}
	if len(m.pins) != 0 {
		t.Fatalf("pin entries leaked: %v", m.pins)
	}
}
