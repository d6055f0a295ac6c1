package orchestrator

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ApprovalRequest is one outstanding human gate for a task.
type ApprovalRequest struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	TaskID    string    `json:"task_id"`
	Question  string    `json:"question"`
	CreatedAt time.Time `json:"created_at"`
}

// ApprovalQueue tracks outstanding approval requests. Each request is
// resolved at most once; resolving removes it.
type ApprovalQueue struct {
	mu      sync.Mutex
	pending map[string]*ApprovalRequest
}

// NewApprovalQueue creates an empty queue.
func NewApprovalQueue() *ApprovalQueue {
	return &ApprovalQueue{pending: make(map[string]*ApprovalRequest)}
}

func approvalKey(sessionID, taskID string) string {
	return sessionID + "/" + taskID
}

// Add registers a request for a task and returns it. Adding again for the
// same task returns the original request unchanged.
func (q *ApprovalQueue) Add(sessionID, taskID, question string) *ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := approvalKey(sessionID, taskID)
	if req, ok := q.pending[key]; ok {
		return req
	}
	req := &ApprovalRequest{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		TaskID:    taskID,
		Question:  question,
		CreatedAt: time.Now().UTC(),
	}
	q.pending[key] = req
	return req
}

// Resolve consumes the outstanding request for a task. A second verdict
// for the same task errors instead of re-resolving.
func (q *ApprovalQueue) Resolve(sessionID, taskID string) (*ApprovalRequest, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := approvalKey(sessionID, taskID)
	req, ok := q.pending[key]
	if !ok {
		return nil, fmt.Errorf("no pending approval for task %q in session %q", taskID, sessionID)
	}
	delete(q.pending, key)
	return req, nil
}

// Pending lists a session's outstanding requests, oldest first.
func (q *ApprovalQueue) Pending(sessionID string) []*ApprovalRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []*ApprovalRequest
	for _, req := range q.pending {
		if req.SessionID == sessionID {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DropSession discards every outstanding request for a session. Used when
// a session's plan is cancelled or completes with waiters still gated.
func (q *ApprovalQueue) DropSession(sessionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for key, req := range q.pending {
		if req.SessionID == sessionID {
			delete(q.pending, key)
		}
	}
}
