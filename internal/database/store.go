package database

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var ErrNotFound = errors.New("database: not found")

// Store is the repository contract the orchestrator and aggregation engine
// work against. The Postgres Repo and the in-memory MemoryStore both satisfy
// it, so the core is testable without a running database.
type Store interface {
	CreateConnection(ctx context.Context, c *Connection) error
	GetConnection(ctx context.Context, id string) (*Connection, error)
	ListConnections(ctx context.Context, orgID string) ([]Connection, error)
	// TransitionStatus compare-and-sets the connection status; it reports
	// false when the current status is not one of from.
	TransitionStatus(ctx context.Context, id string, from []string, to string) (bool, error)
	FinishSync(ctx context.Context, id, status string, syncedAt *time.Time) error
	UpdateConnectionAuth(ctx context.Context, id, encryptedAuth string) error
	DeleteConnection(ctx context.Context, id string) error

	UpsertAccount(ctx context.Context, a *Account) error
	ListAccounts(ctx context.Context, connectionID string) ([]Account, error)

	// GetOrCreateInstrument resolves inst to its persisted id, creating the
	// row on first encounter. Reports whether a row was created.
	GetOrCreateInstrument(ctx context.Context, inst *Instrument) (bool, error)
	FindInstrument(ctx context.Context, symbol, assetClass string) (*Instrument, error)

	ReplaceSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error
	AppendSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error
	LatestSnapshots(ctx context.Context, f SnapshotFilter) ([]SnapshotRow, error)

	HeldSymbols(ctx context.Context) ([]string, error)
	RefreshLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error
}
