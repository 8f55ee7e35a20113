package domain

import (
	"context"
	"time"
)

// EventKind classifies engine events published to the feed and audit sink.
type EventKind string

// Event kinds.
const (
	EventSignal        EventKind = "signal"
	EventRiskAccepted  EventKind = "risk_accepted"
	EventRiskRejected  EventKind = "risk_rejected"
	EventOrderUpdate   EventKind = "order_update"
	EventOrderRejected EventKind = "order_rejected"
	EventFill          EventKind = "fill"
	EventPosition      EventKind = "position"
	EventIntegrity     EventKind = "data_integrity"
	EventStale         EventKind = "stale"
	EventResynced      EventKind = "resynced"
	EventSession       EventKind = "session"
	EventHalt          EventKind = "halt"
	EventResume        EventKind = "resume"
	EventLevels        EventKind = "levels"
	EventUnsubscribed  EventKind = "unsubscribed"
)

// Event is a reportable engine occurrence.
type Event struct {
	ID        string         `json:"id"`
	Kind      EventKind      `json:"kind"`
	At        time.Time      `json:"at"`
	AccountID int64          `json:"accountId,omitempty"`
	Contract  string         `json:"contract,omitempty"`
	Message   string         `json:"message,omitempty"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// AuditSink receives reportable events for storage or alerting.
type AuditSink interface {
	Record(ctx context.Context, ev Event) error
}

// NopSink discards events.
type NopSink struct{}

// Record implements AuditSink.
func (NopSink) Record(context.Context, Event) error { return nil }
