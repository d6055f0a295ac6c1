package memory

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func storedMsg(sessionID, id, content string) Message {
	return Message{
		ID:        id,
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   content,
		Timestamp: time.Now().UTC(),
	}
}

func TestMemoryStoreAppendOrder(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := s.Append(ctx, storedMsg("s1", fmt.Sprintf("m%d", i), fmt.Sprintf("message %d", i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, err := s.Recent(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d messages, want 3", len(all))
	}
	for i, msg := range all {
		if want := fmt.Sprintf("m%d", i+1); msg.ID != want {
			t.Errorf("position %d holds %s, want %s", i, msg.ID, want)
		}
	}

	last, err := s.Recent(ctx, "s1", 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(last) != 2 || last[0].ID != "m2" || last[1].ID != "m3" {
		t.Fatalf("last-2 returned %+v", last)
	}
}

func TestMemoryStoreCopiesOnRead(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	if err := s.Append(ctx, storedMsg("s1", "m1", "original")); err != nil {
		t.Fatalf("append: %v", err)
	}

	first, _ := s.Recent(ctx, "s1", 1)
	first[0].Content = "tampered"

	second, _ := s.Recent(ctx, "s1", 1)
	if second[0].Content != "original" {
		t.Fatal("mutating a read slice leaked into the store")
	}
}

func TestMemoryStoreTrimsOldest(t *testing.T) {
	s := NewMemoryStore(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		if err := s.Append(ctx, storedMsg("s1", fmt.Sprintf("m%d", i), "x")); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	all, _ := s.Recent(ctx, "s1", 10)
	if len(all) != 3 {
		t.Fatalf("got %d messages, want cap of 3", len(all))
	}
	if all[0].ID != "m3" || all[2].ID != "m5" {
		t.Fatalf("trim kept the wrong window: %+v", all)
	}
}

func TestMemoryStoreSessionsIndependent(t *testing.T) {
	s := NewMemoryStore(0)
	ctx := context.Background()
	_ = s.Append(ctx, storedMsg("a", "a1", "for a"))
	_ = s.Append(ctx, storedMsg("b", "b1", "for b"))

	forA, _ := s.Recent(ctx, "a", 10)
	if len(forA) != 1 || forA[0].ID != "a1" {
		t.Fatalf("session a sees %+v", forA)
	}
	forB, _ := s.Recent(ctx, "b", 10)
	if len(forB) != 1 || forB[0].ID != "b1" {
		t.Fatalf("session b sees %+v", forB)
	}
}

func TestMemoryStoreEmptySession(t *testing.T) {
	s := NewMemoryStore(0)
	msgs, err := s.Recent(context.Background(), "nobody", 5)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("empty session returned %d messages", len(msgs))
	}
}
