package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// FrameType identifies the kind of client channel frame.
type FrameType string

const (
	// Server -> client.
	FrameTaskExecuteSingle FrameType = "task_execute_single"
	FrameTaskExecuteBatch  FrameType = "task_execute_batch"
	FrameApprovalRequest   FrameType = "approval_request"
	FrameAcknowledgment    FrameType = "acknowledgment"

	// Client -> server.
	FrameTaskResult       FrameType = "task_result"
	FrameTaskBatchResults FrameType = "task_batch_results"
	FrameApprovalResponse FrameType = "approval_response"
	FrameRegister         FrameType = "register"
	FramePing             FrameType = "ping"
)

// TaskResultEntry is one element of a task_batch_results frame.
type TaskResultEntry struct {
	TaskID string      `json:"task_id"`
	Result *TaskOutput `json:"result"`
}

// Frame is the single JSON envelope carried over the client channel, one
// message per frame in both directions. Exactly the fields relevant to the
// frame's Type are populated.
type Frame struct {
	Type      FrameType `json:"type"`
	ID        string    `json:"id,omitempty"`
	SessionID string    `json:"session_id"`
	Time      time.Time `json:"time,omitempty"`

	// task_execute_single / task_execute_batch
	Task  *TaskRecord   `json:"task,omitempty"`
	Tasks []*TaskRecord `json:"tasks,omitempty"`

	// approval_request / approval_response
	TaskID   string `json:"task_id,omitempty"`
	Question string `json:"question,omitempty"`
	Approved *bool  `json:"approved,omitempty"`

	// acknowledgment
	Message string `json:"message,omitempty"`

	// task_result / task_batch_results
	Result  *TaskOutput       `json:"result,omitempty"`
	Results []TaskResultEntry `json:"results,omitempty"`
}

// NewTaskFrame builds a task_execute_single frame.
func NewTaskFrame(sessionID string, rec *TaskRecord) *Frame {
	return &Frame{
		Type:      FrameTaskExecuteSingle,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Task:      rec,
	}
}

// NewBatchFrame builds a task_execute_batch frame.
func NewBatchFrame(sessionID string, recs []*TaskRecord) *Frame {
	return &Frame{
		Type:      FrameTaskExecuteBatch,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Tasks:     recs,
	}
}

// NewApprovalRequestFrame builds an approval_request frame.
func NewApprovalRequestFrame(sessionID, taskID, question string) *Frame {
	return &Frame{
		Type:      FrameApprovalRequest,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		TaskID:    taskID,
		Question:  question,
	}
}

// NewAcknowledgmentFrame builds an acknowledgment frame.
func NewAcknowledgmentFrame(sessionID, message string) *Frame {
	return &Frame{
		Type:      FrameAcknowledgment,
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Message:   message,
	}
}

// DecodeFrame parses one wire frame and validates the fields its type
// requires. Unknown frame types decode successfully; routing layers decide
// whether to drop them.
func DecodeFrame(raw []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("frame: invalid JSON: %w", err)
	}
	if f.Type == "" {
		return nil, fmt.Errorf("frame: missing type")
	}
	if f.SessionID == "" {
		return nil, fmt.Errorf("frame %s: missing session_id", f.Type)
	}
	switch f.Type {
	case FrameTaskResult:
		if f.TaskID == "" {
			return nil, fmt.Errorf("frame task_result: missing task_id")
		}
		if f.Result == nil {
			return nil, fmt.Errorf("frame task_result: missing result")
		}
	case FrameTaskBatchResults:
		if len(f.Results) == 0 {
			return nil, fmt.Errorf("frame task_batch_results: empty results")
		}
		for i, entry := range f.Results {
			if entry.TaskID == "" || entry.Result == nil {
				return nil, fmt.Errorf("frame task_batch_results: entry %d incomplete", i)
			}
		}
	case FrameApprovalResponse:
		if f.TaskID == "" {
			return nil, fmt.Errorf("frame approval_response: missing task_id")
		}
		if f.Approved == nil {
			return nil, fmt.Errorf("frame approval_response: missing approved")
		}
	}
	return &f, nil
}

// Encode serializes the frame for the wire.
func (f *Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}
