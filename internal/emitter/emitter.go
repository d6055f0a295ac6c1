// Package emitter delivers engine output to the client surface: task
// dispatch, approval prompts, and acknowledgments. The Local emitter
// executes client tasks in-process for serverless mode; the Channel
// emitter serializes frames onto a connected client for hosted mode.
package emitter

import (
	"context"

	"github.com/haasonsaas/aide/pkg/models"
)

// Emitter is the engine's outbound surface. Implementations deliver to
// whatever client the session has; delivery failures fail the task.
type Emitter interface {
	// EmitTask dispatches one client task.
	EmitTask(ctx context.Context, sessionID string, rec *models.TaskRecord) error

	// EmitBatch dispatches consecutive ready client tasks together.
	EmitBatch(ctx context.Context, sessionID string, recs []*models.TaskRecord) error

	// RequestApproval asks the user to approve or deny a gated task.
	RequestApproval(ctx context.Context, sessionID, taskID, question string) error

	// Acknowledge sends a progress or completion notice.
	Acknowledge(ctx context.Context, sessionID, message string) error
}

// ResultSink receives what the client surface produces. The orchestrator
// satisfies it.
type ResultSink interface {
	HandleTaskResult(ctx context.Context, sessionID, taskID string, out *models.TaskOutput) error
	ResolveApproval(ctx context.Context, sessionID, taskID string, approved bool) error
}
