package updates

import "time"

// UpdateState tracks a build attempt through its lifecycle. States only ever
// advance; Finalized is terminal.
type UpdateState int16

const (
	StateCreated   UpdateState = 0
	StateExtracted UpdateState = 1
	StateDiffing   UpdateState = 2
	StateFinalized UpdateState = 3
)

func (s UpdateState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateExtracted:
		return "extracted"
	case StateDiffing:
		return "diffing"
	case StateFinalized:
		return "finalized"
	default:
		return "unknown"
	}
}

// Update is one ledger row: a single build attempt for an artifact stream.
// Timestamp doubles as the externally visible version identifier.
type Update struct {
	ID         int64          `json:"id"`
	Stream     string         `json:"stream"`
	State      UpdateState    `json:"state"`
	HasPatches bool           `json:"has_patches"`
	Timestamp  int64          `json:"timestamp"`
	Version    string         `json:"version,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PatchOp classifies one changed file between two successive snapshots.
type PatchOp string

const (
	OpAdded    PatchOp = "added"
	OpModified PatchOp = "modified"
	OpDeleted  PatchOp = "deleted"
)
