package emitter

import (
	"context"
	"fmt"

	"github.com/haasonsaas/aide/internal/observability"
	"github.com/haasonsaas/aide/pkg/models"
)

// ClientChannel is one connected client able to receive frames. The
// gateway's websocket connections implement it.
type ClientChannel interface {
	Send(ctx context.Context, frame *models.Frame) error
}

// ChannelDirectory maps a session to its connected client, if any.
type ChannelDirectory interface {
	Channel(sessionID string) (ClientChannel, bool)
}

// Channel emits frames over a session's client channel in hosted mode. A
// session without a connected client cannot receive work, so emission
// errors and the engine fails the task.
type Channel struct {
	dir     ChannelDirectory
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewChannel builds a channel emitter over the gateway's directory.
// metrics may be nil.
func NewChannel(dir ChannelDirectory, logger *observability.Logger, metrics *observability.Metrics) *Channel {
	if logger == nil {
		logger = observability.NewLogger(observability.LogConfig{})
	}
	return &Channel{dir: dir, logger: logger, metrics: metrics}
}

// EmitTask sends a task_execute_single frame.
func (c *Channel) EmitTask(ctx context.Context, sessionID string, rec *models.TaskRecord) error {
	return c.send(ctx, sessionID, models.NewTaskFrame(sessionID, rec))
}

// EmitBatch sends a task_execute_batch frame.
func (c *Channel) EmitBatch(ctx context.Context, sessionID string, recs []*models.TaskRecord) error {
	return c.send(ctx, sessionID, models.NewBatchFrame(sessionID, recs))
}

// RequestApproval sends an approval_request frame.
func (c *Channel) RequestApproval(ctx context.Context, sessionID, taskID, question string) error {
	return c.send(ctx, sessionID, models.NewApprovalRequestFrame(sessionID, taskID, question))
}

// Acknowledge sends an acknowledgment frame.
func (c *Channel) Acknowledge(ctx context.Context, sessionID, message string) error {
	return c.send(ctx, sessionID, models.NewAcknowledgmentFrame(sessionID, message))
}

func (c *Channel) send(ctx context.Context, sessionID string, frame *models.Frame) error {
	ch, ok := c.dir.Channel(sessionID)
	if !ok {
		return fmt.Errorf("no client channel for session %q", sessionID)
	}
	if err := ch.Send(ctx, frame); err != nil {
		return fmt.Errorf("send %s frame: %w", frame.Type, err)
	}
	if c.metrics != nil {
		c.metrics.RecordFrame(string(frame.Type), "outbound")
	}
	c.logger.Debug(ctx, "frame sent",
		"session_id", sessionID,
		"type", string(frame.Type))
	return nil
}
