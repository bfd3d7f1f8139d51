package audit

import (
	"context"
	"time"
)

// EventCategory classifies audit events by their primary purpose.
// This enables different retention policies and routing per category.
type EventCategory string

const (
	// CategoryCompliance covers events with regulatory significance: every
	// state transition of a randomization list row. These require append-only
	// storage and long retention.
	CategoryCompliance EventCategory = "compliance"

	// CategoryOperations covers events useful for operational visibility,
	// such as health check runs.
	CategoryOperations EventCategory = "operations"
)

// Action names a state transition.
type Action string

const (
	ActionRecordCreated  Action = "record_created"
	ActionRecordClaimed  Action = "record_claimed"
	ActionRecordVerified Action = "record_verified"
	ActionListVerified   Action = "list_verified"
)

var actionCategories = map[Action]EventCategory{
	ActionRecordCreated:  CategoryCompliance,
	ActionRecordClaimed:  CategoryCompliance,
	ActionRecordVerified: CategoryCompliance,
	ActionListVerified:   CategoryOperations,
}

// Category returns the EventCategory for this action.
// Unknown actions default to CategoryOperations.
func (a Action) Category() EventCategory {
	if cat, ok := actionCategories[a]; ok {
		return cat
	}
	return CategoryOperations
}

// Event is an immutable record of one state transition. Keep it
// transport-agnostic so stores and sinks can fan out.
//
// FieldChanges must never carry the assignment or the allocation value.
type Event struct {
	ID           string
	Category     EventCategory
	Timestamp    time.Time
	Scheme       string
	RecordKey    string
	Action       Action
	Actor        string
	FieldChanges map[string]string
	RequestID    string
	Client       string
}

// Store is an append-only audit sink.
type Store interface {
	Append(ctx context.Context, event Event) error
}
