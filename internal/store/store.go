// Package store defines storage interfaces for the write-behind and
// read-through adapters levelx keeps outside its in-memory state: the bar
// cache, the fill archive and the audit journal.
package store

import (
	"context"
	"time"

	"levelx/internal/domain"
)

// BarStore persists and retrieves OHLCV bar data.
type BarStore interface {
	// WriteBars persists a batch of bars to storage.
	WriteBars(ctx context.Context, bars []domain.Bar) error

	// ReadBars returns bars for the given contract within [start, end).
	ReadBars(ctx context.Context, contract string, start, end time.Time) ([]domain.Bar, error)

	// ListContracts returns all distinct contracts with cached bars.
	ListContracts(ctx context.Context) ([]string, error)
}

// FillStore archives executions.
type FillStore interface {
	// WriteFills persists a batch of fills, replacing fills with the same
	// trade id.
	WriteFills(ctx context.Context, fills []domain.Fill) error

	// ReadFills returns an account's fills within [start, end].
	ReadFills(ctx context.Context, accountID int64, start, end time.Time) ([]domain.Fill, error)
}

// EventQuery filters journal reads. Zero fields match everything.
type EventQuery struct {
	Kind      domain.EventKind
	AccountID int64
	Contract  string
	Since     time.Time
	Limit     int
}

// EventStore is an AuditSink that can be read back.
type EventStore interface {
	domain.AuditSink

	// ListEvents returns matching events, newest first.
	ListEvents(ctx context.Context, q EventQuery) ([]domain.Event, error)
}
