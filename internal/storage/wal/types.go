package wal

import (
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/dockq/pkg/types"
)

// ============================================================================
// WAL Type Definitions
// Responsibility: Define core data structures for WAL
// ============================================================================

// EventType defines WAL event types
type EventType string

const (
	EventCreate EventType = "CREATE" // Job record created at intake
	EventUpdate EventType = "UPDATE" // Job record replaced (status change, ligand result)
	EventDelete EventType = "DELETE" // Job record removed
)

// Event represents a WAL event record
//
// Record carries the full job after the mutation, so replay is a plain
// "last write wins" per job id. DELETE events carry no record.
type Event struct {
	Seq       uint64          `json:"seq"`              // Event sequence number (monotonically increasing)
	Type      EventType       `json:"type"`             // Event type
	JobID     types.JobID     `json:"job_id"`           // Job ID
	Timestamp int64           `json:"timestamp"`        // Unix millisecond timestamp
	Checksum  uint32          `json:"checksum"`         // CRC32 over type, job id, seq and record
	Record    json.RawMessage `json:"record,omitempty"` // Job snapshot after the mutation
}

// Job decodes the record carried by the event.
func (e Event) Job() (*types.DockingJob, error) {
	if len(e.Record) == 0 {
		return nil, fmt.Errorf("wal: %s event seq=%d has no record", e.Type, e.Seq)
	}
	var job types.DockingJob
	if err := json.Unmarshal(e.Record, &job); err != nil {
		return nil, &CorruptionError{Seq: e.Seq, Offset: -1, Cause: err}
	}
	return &job, nil
}

// EventHandler is the function type for processing WAL events
// Used during Replay to apply events to system state
type EventHandler func(event Event) error
