package history

import (
	"context"
	"errors"
	"time"

	"github.com/nerrad567/gray-logic-benq/internal/bridges/benq"
)

// Sentinel errors.
var (
	// ErrNotFound is returned when no examination report exists for a device.
	ErrNotFound = errors.New("history: not found")

	// ErrInvalidArgument is returned for missing identifiers.
	ErrInvalidArgument = errors.New("history: invalid argument")
)

// Entry is one recorded state change.
type Entry struct {
	ID       int64  `json:"id"`
	DeviceID string `json:"device_id"`
	Key      string `json:"key"`

	// Previous is empty when the key had no cached value before the change.
	Previous string `json:"previous,omitempty"`

	Value      string    `json:"value"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Repository stores and retrieves projector history.
//
// Implementations must be thread-safe and use UTC timestamps.
type Repository interface {
	benq.StateRecorder

	// GetHistory returns recent changes for a device, newest first.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//   - deviceID: Device identifier
	//   - key: Restricts results to one key; empty returns every key
	//   - limit: Maximum entries (implementations clamp bounds)
	//
	// Returns:
	//   - []Entry: Entries ordered newest first (may be empty)
	//   - error: nil on success, otherwise the underlying query error
	GetHistory(ctx context.Context, deviceID, key string, limit int) ([]Entry, error)

	// PruneHistory deletes changes recorded more than olderThan ago.
	PruneHistory(ctx context.Context, olderThan time.Duration) (int64, error)

	// LatestExamination returns the most recent report for a device, or
	// ErrNotFound.
	LatestExamination(ctx context.Context, deviceID string) (*benq.ExaminationReport, error)
}
