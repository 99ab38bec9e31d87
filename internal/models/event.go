package models

import "time"

// EventKind classifies one stop journal record.
type EventKind string

const (
	EventObserve   EventKind = "OBSERVE"
	EventPlace     EventKind = "PLACE"
	EventModify    EventKind = "MODIFY"
	EventTrigger   EventKind = "TRIGGER"
	EventFill      EventKind = "FILL"
	EventCancel    EventKind = "CANCEL"
	EventTimeExit  EventKind = "TIME_EXIT"
	EventReconcile EventKind = "RECONCILE"
)

// StopEvent is one audit record of stop activity for a group. Events are
// append-only; the journal is the source of truth for post-mortems.
type StopEvent struct {
	ID        int64
	GroupID   string
	Kind      EventKind
	Timestamp time.Time
	Price     float64
	Watermark float64
	StopPrice float64
	OrderID   int64
	Note      string
}
