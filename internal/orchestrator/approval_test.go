package orchestrator

import (
	"strings"
	"testing"
)

func TestApprovalQueueAddIsIdempotent(t *testing.T) {
	q := NewApprovalQueue()
	first := q.Add("s1", "t1", "delete everything?")
	again := q.Add("s1", "t1", "different question")
	if again != first {
		t.Fatal("second Add returned a new request")
	}
	if first.Question != "delete everything?" {
		t.Fatalf("question = %q", first.Question)
	}
	if first.ID == "" || first.CreatedAt.IsZero() {
		t.Fatalf("request not stamped: %+v", first)
	}
}

func TestApprovalQueueResolveConsumes(t *testing.T) {
	q := NewApprovalQueue()
	q.Add("s1", "t1", "ok?")

	req, err := q.Resolve("s1", "t1")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if req.TaskID != "t1" {
		t.Fatalf("resolved %q", req.TaskID)
	}
	if _, err := q.Resolve("s1", "t1"); err == nil || !strings.Contains(err.Error(), "no pending approval") {
		t.Fatalf("second Resolve err = %v", err)
	}
}

func TestApprovalQueuePendingPerSession(t *testing.T) {
	q := NewApprovalQueue()
	q.Add("s1", "t2", "second?")
	q.Add("s1", "t1", "first?")
	q.Add("s2", "other", "elsewhere?")

	got := q.Pending("s1")
	if len(got) != 2 {
		t.Fatalf("pending = %d requests, want 2", len(got))
	}
	for _, req := range got {
		if req.SessionID != "s1" {
			t.Fatalf("foreign session in listing: %+v", req)
		}
	}
}

func TestApprovalQueueDropSession(t *testing.T) {
	q := NewApprovalQueue()
	q.Add("s1", "t1", "ok?")
	q.Add("s2", "t1", "ok?")

	q.DropSession("s1")
	if got := q.Pending("s1"); len(got) != 0 {
		t.Fatalf("s1 still has %d pending", len(got))
	}
	if got := q.Pending("s2"); len(got) != 1 {
		t.Fatalf("s2 lost its request: %d", len(got))
	}
}
