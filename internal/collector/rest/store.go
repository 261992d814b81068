package rest

import (
	"context"

	"github.com/traceforge/cryptoscan/internal/collector/storage"
)

// Store is the subset of storage.Store methods the REST handlers use.
// Defining an interface lets handlers be tested against a mock store
// without a live PostgreSQL connection.
type Store interface {
	// QueryFindings returns findings matching q, newest first.
	QueryFindings(ctx context.Context, q storage.FindingQuery) ([]storage.Finding, error)

	// ListScanners returns every registered scanner, most recently seen
	// first.
	ListScanners(ctx context.Context) ([]storage.Scanner, error)
}
