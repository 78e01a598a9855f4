package adminapi

import (
	"context"

	"github.com/eyrie-systems/remctld/internal/history"
	"github.com/eyrie-systems/remctld/internal/invocation"
)

// HistoryStore is the subset of history.Store used by the admin API.
// Defining an interface allows handlers to be tested with a fake store
// without a live PostgreSQL connection.
type HistoryStore interface {
	Find(ctx context.Context, q history.Query) ([]invocation.Record, error)
}

// SpoolStatus is the subset of spool state exposed by the admin API.
type SpoolStatus interface {
	Depth() int
}
