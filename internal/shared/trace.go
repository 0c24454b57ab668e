package shared

import "github.com/google/uuid"

// NewTraceID generates a correlation id shared by every audit entry a single
// batch action produces.
func NewTraceID() uuid.UUID {
	return uuid.New()
}
