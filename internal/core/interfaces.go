// Package core defines the core interfaces for the batch trading controller
package core

import (
	"context"
	"time"
)

// IBroker is the brokerage adapter contract. Implementations map the domain
// model onto the kabu-station style REST wire format; MockBroker provides
// the same surface for tests.
type IBroker interface {
	// Authenticate obtains (or refreshes) the API token.
	Authenticate(ctx context.Context) error

	// SendEntry submits the entry order for an item and returns the broker
	// order id. The item's EntryRef must already be assigned.
	SendEntry(ctx context.Context, item *BatchItem) (string, error)

	// SendExit submits a closing order (TP limit, SL stop, or EOD market)
	// for an item and returns the broker order id.
	SendExit(ctx context.Context, item *BatchItem, spec ExitSpec) (string, error)

	// CancelOrder cancels a working order by broker order id.
	CancelOrder(ctx context.Context, brokerOrderID string) error

	// ListOrders returns snapshots of today's orders.
	ListOrders(ctx context.Context) ([]BrokerOrder, error)

	// ListPositions returns the currently open positions.
	ListPositions(ctx context.Context) ([]BrokerPosition, error)

	// SymbolName resolves a symbol code to its display name.
	SymbolName(ctx context.Context, symbol string, exchange int) (string, error)
}

// IClock abstracts wall time so schedulers and the EOD closer are testable.
type IClock interface {
	Now() time.Time
	Location() *time.Location
	IsBusinessDay(t time.Time) bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
