package domain

import "time"

// ResourceAllocation is the record the Resource Pool (C2) hands back from a
// successful allocate() call; it is held exclusively by its owner until
// released.
type ResourceAllocation struct {
	ID             string               `json:"id"` // = requester id
	Requirements   ResourceRequirements `json:"requirements"`
	AllocatedAt    time.Time            `json:"allocated_at"`
	Success        bool                 `json:"success"`
	FailureReason  string               `json:"failure_reason,omitempty"`
}
