package domain

import "time"

// CheckpointStatus enumerates the lifecycle of a human-in-the-loop checkpoint (§4.12).
type CheckpointStatus string

const (
	CheckpointPending   CheckpointStatus = "pending"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointCancelled CheckpointStatus = "cancelled"
)

// Checkpoint is a paused cell state awaiting an external response (§4.12).
type Checkpoint struct {
	ID            string           `bun:"id,pk" json:"id"`
	SessionID     string           `bun:"session_id" json:"session_id"`
	CellName      string           `bun:"cell_name" json:"cell_name"`
	PhaseIndex    int              `bun:"phase_index" json:"phase_index"`
	CreatedAt     time.Time        `bun:"created_at" json:"created_at"`
	ExpectedShape map[string]any   `bun:"expected_shape,type:jsonb" json:"expected_shape,omitempty"`
	Status        CheckpointStatus `bun:"status" json:"status"`
	Response      any              `bun:"response,type:jsonb" json:"response,omitempty"`
	Reasoning     string           `bun:"reasoning" json:"reasoning,omitempty"`
	Confidence    float64          `bun:"confidence" json:"confidence,omitempty"`
	CancelReason  string           `bun:"cancel_reason" json:"cancel_reason,omitempty"`
}
