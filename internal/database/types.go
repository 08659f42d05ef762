package database

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusActive       = "ACTIVE"
	StatusDegraded     = "DEGRADED"
	StatusDisconnected = "DISCONNECTED"
	StatusSyncing      = "SYNCING"
)

type Connection struct {
	ID            string     `db:"id" json:"id"`
	OrgID         string     `db:"org_id" json:"org_id"`
	Broker        string     `db:"broker" json:"broker"`
	Status        string     `db:"status" json:"status"`
	EncryptedAuth string     `db:"encrypted_auth" json:"-"`
	LastSyncedAt  *time.Time `db:"last_synced_at" json:"last_synced_at,omitempty"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
}

type Account struct {
	ID           string `db:"id" json:"id"`
	ConnectionID string `db:"connection_id" json:"connection_id"`
	ExternalID   string `db:"external_id" json:"external_id"`
	Nickname     string `db:"nickname" json:"nickname"`
	MaskedNumber string `db:"masked_number" json:"masked_number"`
	AccountType  string `db:"account_type" json:"account_type"`
}

// Instrument identity is (symbol, asset_class); rows are insert-only and
// never mutated after creation.
type Instrument struct {
	ID          string           `db:"id" json:"id"`
	Symbol      string           `db:"symbol" json:"symbol"`
	AssetClass  string           `db:"asset_class" json:"asset_class"`
	Underlying  *string          `db:"underlying_symbol" json:"underlying_symbol,omitempty"`
	Strike      *decimal.Decimal `db:"strike" json:"strike,omitempty"`
	Expiration  *time.Time       `db:"expiration" json:"expiration,omitempty"`
	OptionRight *string          `db:"option_right" json:"option_right,omitempty"`
}

type PositionSnapshot struct {
	ID           string          `db:"id" json:"id"`
	AccountID    string          `db:"account_id" json:"account_id"`
	InstrumentID string          `db:"instrument_id" json:"instrument_id"`
	Quantity     decimal.Decimal `db:"quantity" json:"quantity"`
	AveragePrice decimal.Decimal `db:"average_price" json:"average_price"`
	LastPrice    decimal.Decimal `db:"last_price" json:"last_price"`
	MarketValue  decimal.Decimal `db:"market_value" json:"market_value"`
	CostBasis    decimal.Decimal `db:"cost_basis" json:"cost_basis"`
	AsOf         time.Time       `db:"as_of" json:"as_of"`
}

// SnapshotRow is a snapshot joined with its instrument/account/connection,
// the shape the aggregation engine reads.
type SnapshotRow struct {
	PositionSnapshot
	Symbol      string           `db:"symbol" json:"symbol"`
	AssetClass  string           `db:"asset_class" json:"asset_class"`
	Underlying  *string          `db:"underlying_symbol" json:"underlying_symbol,omitempty"`
	Strike      *decimal.Decimal `db:"strike" json:"strike,omitempty"`
	Expiration  *time.Time       `db:"expiration" json:"expiration,omitempty"`
	OptionRight *string          `db:"option_right" json:"option_right,omitempty"`
	Nickname    string           `db:"nickname" json:"nickname"`
	Broker      string           `db:"broker" json:"broker"`
	OrgID       string           `db:"org_id" json:"org_id"`
}

type SnapshotFilter struct {
	OrgID       string
	Broker      string
	AccountID   string
	AssetClass  string
	Symbol      string
	OptionsOnly bool
	AsOf        *time.Time
}
