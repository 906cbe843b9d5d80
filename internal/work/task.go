// Package work provides the async work hub for the media pipeline.
// Downloads, decodes, player launches, and maintenance jobs flow through
// a single bounded pool so the queue is observable from the UI and tasks
// can be reprioritized or cancelled as the viewport moves.
//
// Logging: all state changes are logged via internal/logging since the
// alt-screen UI hides stderr during normal use.
package work

import (
	"context"
	"fmt"
	"time"

	"github.com/finchtail/lurker/internal/logging"
)

// Priority levels for tasks. Higher values are dispatched first.
const (
	PriorityBackground = -10 // Cleanup, store pruning
	PriorityPrefetch   = 0   // Media just beyond the viewport edge
	PriorityNormal     = 10  // Default
	PriorityVisible    = 50  // Media inside the current viewport
	PriorityUrgent     = 100 // User-initiated: open media, manual refresh
	PriorityCritical   = 200 // Shutdown flushes
)

// Type categorizes tasks for filtering and display.
type Type string

const (
	TypeDownload Type = "download" // Fetching media bytes
	TypeDecode   Type = "decode"   // Decoding and scaling frames
	TypeLaunch   Type = "launch"   // External player processes
	TypePrune    Type = "prune"    // Store maintenance
	TypeOther    Type = "other"    // Catch-all
)

// Icon returns a display glyph for the task type.
func (t Type) Icon() string {
	switch t {
	case TypeDownload:
		return "↓"
	case TypeDecode:
		return "◈"
	case TypeLaunch:
		return "▶"
	case TypePrune:
		return "◌"
	default:
		return "○"
	}
}

// Status represents the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"   // Queued, waiting for capacity
	StatusActive    Status = "active"    // Currently running
	StatusComplete  Status = "complete"  // Finished successfully
	StatusFailed    Status = "failed"    // Finished with error
	StatusCancelled Status = "cancelled" // Abandoned before or during execution
)

// Task is a unit of async work.
type Task struct {
	ID          string
	Type        Type
	Status      Status
	Description string // Human-readable: "image i.redd.it/abc.jpg"
	ContentKey  string // Dedup key for media work (content hash or url key)

	// Timing
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// Progress, for long downloads
	Progress    float64 // 0.0 to 1.0
	ProgressMsg string  // "142 KB of 1.2 MB"

	// Result
	Result string // "142 KB", "pruned 12 blobs"
	Error  error

	Priority int // Higher = more urgent (default PriorityNormal)

	// Internal: position in the pending heap, -1 once popped
	heapIndex int

	// Internal: the work function and its cancellation hook. The context
	// is cancelled when the task is cancelled or the pool stops; work
	// functions are expected to observe it at natural boundaries.
	workFn func(ctx context.Context) (string, error)
	cancel context.CancelFunc
}

// Duration returns how long the task took (or has been running).
func (t *Task) Duration() time.Duration {
	if t.FinishedAt.IsZero() {
		if t.StartedAt.IsZero() {
			return 0
		}
		return time.Since(t.StartedAt)
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Age returns how long ago the task finished, or zero while it is still
// pending or running.
func (t *Task) Age() time.Duration {
	if t.FinishedAt.IsZero() {
		return 0
	}
	return time.Since(t.FinishedAt)
}

// StatusIcon returns a display glyph for the current status.
func (t *Task) StatusIcon() string {
	switch t.Status {
	case StatusPending:
		return "○"
	case StatusActive:
		return "●"
	case StatusComplete:
		return "✓"
	case StatusFailed:
		return "✗"
	case StatusCancelled:
		return "⊘"
	default:
		return "?"
	}
}

// PriorityName returns a human-readable name for the priority level.
func (t *Task) PriorityName() string {
	switch {
	case t.Priority >= PriorityCritical:
		return "critical"
	case t.Priority >= PriorityUrgent:
		return "urgent"
	case t.Priority >= PriorityVisible:
		return "visible"
	case t.Priority >= PriorityNormal:
		return "normal"
	case t.Priority >= PriorityPrefetch:
		return "prefetch"
	default:
		return "background"
	}
}

// Event is sent to subscribers when task state changes.
type Event struct {
	Task   *Task
	Change string // "created", "started", "progress", "completed", "failed", "cancelled"
}

// LogEvent logs a task event for debugging.
func LogEvent(event Event) {
	task := event.Task
	switch event.Change {
	case "created":
		logging.Debug("Task created",
			"id", task.ID,
			"type", task.Type,
			"priority", task.PriorityName(),
			"desc", task.Description)
	case "started":
		logging.Debug("Task started",
			"id", task.ID,
			"type", task.Type,
			"desc", task.Description)
	case "progress":
		logging.Debug("Task progress",
			"id", task.ID,
			"pct", fmt.Sprintf("%.0f%%", task.Progress*100),
			"msg", task.ProgressMsg)
	case "completed":
		logging.Info("Task completed",
			"id", task.ID,
			"type", task.Type,
			"desc", task.Description,
			"result", task.Result,
			"duration", task.Duration())
	case "failed":
		logging.Error("Task failed",
			"id", task.ID,
			"type", task.Type,
			"desc", task.Description,
			"error", task.Error,
			"duration", task.Duration())
	case "cancelled":
		logging.Debug("Task cancelled",
			"id", task.ID,
			"type", task.Type,
			"desc", task.Description)
	}
}

// Snapshot is the pool state at a point in time. All tasks are copies;
// mutating them does not affect the pool.
type Snapshot struct {
	Pending   []*Task
	Active    []*Task
	Completed []*Task // Recent finished tasks, newest first
	Stats     Stats
}

// Stats tracks pool counters.
type Stats struct {
	TotalCreated   int64
	TotalCompleted int64
	TotalFailed    int64
	TotalCancelled int64
	WorkersActive  int
	WorkersTotal   int
	PendingCount   int
}

// String returns a one-line summary for the status bar.
func (s Stats) String() string {
	return fmt.Sprintf("Active: %d  Pending: %d  Done: %d  Failed: %d",
		s.WorkersActive, s.PendingCount, s.TotalCompleted, s.TotalFailed)
}
