package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Repo is the Postgres-backed Store.
type Repo struct {
	db  *sqlx.DB
	log *logrus.Logger
}

func New(db *sqlx.DB, log *logrus.Logger) *Repo {
	return &Repo{db: db, log: log}
}

var _ Store = (*Repo)(nil)

func (r *Repo) CreateConnection(ctx context.Context, c *Connection) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	c.CreatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO connections (id, org_id, broker, status, encrypted_auth, created_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.OrgID, c.Broker, c.Status, c.EncryptedAuth, c.CreatedAt)
	return err
}

func (r *Repo) GetConnection(ctx context.Context, id string) (*Connection, error) {
	var c Connection
	err := r.db.GetContext(ctx, &c,
		`SELECT id, org_id, broker, status, encrypted_auth, last_synced_at, created_at FROM connections WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *Repo) ListConnections(ctx context.Context, orgID string) ([]Connection, error) {
	res := []Connection{}
	err := r.db.SelectContext(ctx, &res,
		`SELECT id, org_id, broker, status, encrypted_auth, last_synced_at, created_at FROM connections WHERE org_id = $1 ORDER BY created_at`, orgID)
	return res, err
}

func (r *Repo) TransitionStatus(ctx context.Context, id string, from []string, to string) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE connections SET status = $1 WHERE id = $2 AND status = ANY($3)`,
		to, id, pq.Array(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *Repo) FinishSync(ctx context.Context, id, status string, syncedAt *time.Time) error {
	if syncedAt != nil {
		_, err := r.db.ExecContext(ctx,
			`UPDATE connections SET status = $1, last_synced_at = $2 WHERE id = $3`, status, *syncedAt, id)
		return err
	}
	_, err := r.db.ExecContext(ctx, `UPDATE connections SET status = $1 WHERE id = $2`, status, id)
	return err
}

func (r *Repo) UpdateConnectionAuth(ctx context.Context, id, encryptedAuth string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE connections SET encrypted_auth = $1 WHERE id = $2`, encryptedAuth, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) DeleteConnection(ctx context.Context, id string) error {
	// accounts and snapshots cascade via FK
	res, err := r.db.ExecContext(ctx, `DELETE FROM connections WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) UpsertAccount(ctx context.Context, a *Account) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO accounts (id, connection_id, external_id, nickname, masked_number, account_type)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (connection_id, external_id)
		DO UPDATE SET nickname = $4, masked_number = $5, account_type = $6
		RETURNING id`,
		a.ID, a.ConnectionID, a.ExternalID, a.Nickname, a.MaskedNumber, a.AccountType).Scan(&a.ID)
}

func (r *Repo) ListAccounts(ctx context.Context, connectionID string) ([]Account, error) {
	res := []Account{}
	err := r.db.SelectContext(ctx, &res,
		`SELECT id, connection_id, external_id, nickname, masked_number, account_type FROM accounts WHERE connection_id = $1 ORDER BY external_id`, connectionID)
	return res, err
}

func (r *Repo) GetOrCreateInstrument(ctx context.Context, inst *Instrument) (bool, error) {
	existing, err := r.FindInstrument(ctx, inst.Symbol, inst.AssetClass)
	if err == nil {
		*inst = *existing
		return false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return false, err
	}

	var strike *string
	if inst.Strike != nil {
		s := inst.Strike.String()
		strike = &s
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO instruments (id, symbol, asset_class, underlying_symbol, strike, expiration, option_right)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7)
		ON CONFLICT (symbol, asset_class) DO NOTHING`,
		inst.ID, inst.Symbol, inst.AssetClass, inst.Underlying, strike, inst.Expiration, inst.OptionRight)
	if err != nil {
		return false, err
	}

	// a concurrent sync may have won the insert; re-read either way
	existing, err = r.FindInstrument(ctx, inst.Symbol, inst.AssetClass)
	if err != nil {
		return false, err
	}
	created := existing.ID == inst.ID
	*inst = *existing
	return created, nil
}

func (r *Repo) FindInstrument(ctx context.Context, symbol, assetClass string) (*Instrument, error) {
	var inst Instrument
	err := r.db.GetContext(ctx, &inst,
		`SELECT id, symbol, asset_class, underlying_symbol, strike, expiration, option_right FROM instruments WHERE symbol = $1 AND asset_class = $2`,
		symbol, assetClass)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func (r *Repo) ReplaceSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM position_snapshots WHERE account_id = $1`, accountID); err != nil {
		return err
	}
	if err := insertSnapshots(ctx, tx, snaps); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *Repo) AppendSnapshots(ctx context.Context, accountID string, snaps []PositionSnapshot) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertSnapshots(ctx, tx, snaps); err != nil {
		return err
	}
	return tx.Commit()
}

func insertSnapshots(ctx context.Context, tx *sqlx.Tx, snaps []PositionSnapshot) error {
	q := `INSERT INTO position_snapshots (id, account_id, instrument_id, quantity, average_price, last_price, market_value, cost_basis, as_of)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7::numeric, $8::numeric, $9)`
	for _, s := range snaps {
		if _, err := tx.ExecContext(ctx, q, s.ID, s.AccountID, s.InstrumentID,
			s.Quantity.String(), s.AveragePrice.String(), s.LastPrice.String(),
			s.MarketValue.String(), s.CostBasis.String(), s.AsOf); err != nil {
			return err
		}
	}
	return nil
}

func (r *Repo) LatestSnapshots(ctx context.Context, f SnapshotFilter) ([]SnapshotRow, error) {
	q := `
		SELECT DISTINCT ON (s.account_id, s.instrument_id)
			s.id, s.account_id, s.instrument_id, s.quantity, s.average_price,
			s.last_price, s.market_value, s.cost_basis, s.as_of,
			i.symbol, i.asset_class, i.underlying_symbol, i.strike, i.expiration, i.option_right,
			a.nickname, c.broker, c.org_id
		FROM position_snapshots s
		JOIN instruments i ON i.id = s.instrument_id
		JOIN accounts a ON a.id = s.account_id
		JOIN connections c ON c.id = a.connection_id
		WHERE c.org_id = $1`
	args := []any{f.OrgID}

	add := func(clause string, v any) {
		args = append(args, v)
		q += fmt.Sprintf(" AND "+clause, len(args))
	}
	if f.Broker != "" {
		add("c.broker = $%d", f.Broker)
	}
	if f.AccountID != "" {
		add("s.account_id = $%d", f.AccountID)
	}
	if f.AssetClass != "" {
		add("i.asset_class = $%d", f.AssetClass)
	}
	if f.Symbol != "" {
		add("(i.symbol = $%d OR i.underlying_symbol = $%[1]d)", f.Symbol)
	}
	if f.OptionsOnly {
		q += " AND i.asset_class = 'OPTION'"
	}
	if f.AsOf != nil {
		add("s.as_of <= $%d", *f.AsOf)
	}
	q += " ORDER BY s.account_id, s.instrument_id, s.as_of DESC"

	res := []SnapshotRow{}
	rows, err := r.db.QueryxContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var row SnapshotRow
		if err := rows.StructScan(&row); err != nil {
			r.log.Warnf("scan snapshot row failed: %v", err)
			continue
		}
		res = append(res, row)
	}
	return res, rows.Err()
}

func (r *Repo) HeldSymbols(ctx context.Context) ([]string, error) {
	res := []string{}
	err := r.db.SelectContext(ctx, &res, `
		SELECT DISTINCT i.symbol
		FROM instruments i
		JOIN position_snapshots s ON s.instrument_id = i.id
		WHERE i.asset_class IN ('EQUITY', 'ETF')
		ORDER BY i.symbol`)
	return res, err
}

func (r *Repo) RefreshLastPrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE position_snapshots
		SET last_price = $1::numeric, market_value = quantity * $1::numeric
		WHERE instrument_id IN (SELECT id FROM instruments WHERE symbol = $2)`,
		price.String(), symbol)
	return err
}
