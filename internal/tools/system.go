package tools

import (
	"context"
	"os"
	"runtime"
	"time"

	"github.com/haasonsaas/aide/pkg/models"
)

// SystemInfoTool reports host and runtime facts.
type SystemInfoTool struct {
	Schemas
}

// NewSystemInfoTool creates the system_info builtin.
func NewSystemInfoTool() *SystemInfoTool { return &SystemInfoTool{} }

// Name returns the tool name.
func (t *SystemInfoTool) Name() string { return "system_info" }

// Execute collects facts about the process host.
func (t *SystemInfoTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	hostname, _ := os.Hostname()
	return &models.TaskOutput{
		Success: true,
		Data: map[string]any{
			"os":         runtime.GOOS,
			"arch":       runtime.GOARCH,
			"go_version": runtime.Version(),
			"num_cpu":    runtime.NumCPU(),
			"hostname":   hostname,
			"time":       time.Now().UTC().Format(time.RFC3339),
		},
	}, nil
}

// DatetimeTool returns the current date and time.
type DatetimeTool struct {
	Schemas

	// now is swapped in tests for a fixed clock.
	now func() time.Time
}

// NewDatetimeTool creates the datetime_now builtin.
func NewDatetimeTool() *DatetimeTool {
	return &DatetimeTool{now: time.Now}
}

// Name returns the tool name.
func (t *DatetimeTool) Name() string { return "datetime_now" }

// Execute formats the current time. Inputs: optional "format" (a Go
// reference layout, default RFC3339) and "timezone" (IANA name, default
// the host zone).
func (t *DatetimeTool) Execute(ctx context.Context, inputs map[string]any) (*models.TaskOutput, error) {
	if err := t.ValidateInputs(inputs); err != nil {
		return models.Failure("invalid inputs: %v", err), nil
	}
	layout, err := stringInput(inputs, "format")
	if err != nil {
		return models.Failure("%v", err), nil
	}
	if layout == "" {
		layout = time.RFC3339
	}
	zone, err := stringInput(inputs, "timezone")
	if err != nil {
		return models.Failure("%v", err), nil
	}

	now := t.now()
	if zone != "" {
		loc, err := time.LoadLocation(zone)
		if err != nil {
			return models.Failure("unknown timezone %q", zone), nil
		}
		now = now.In(loc)
	}

	return &models.TaskOutput{
		Success: true,
		Data: map[string]any{
			"datetime": now.Format(layout),
			"unix":     now.Unix(),
			"timezone": now.Location().String(),
		},
	}, nil
}
