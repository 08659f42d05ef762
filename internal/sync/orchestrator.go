package sync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"brokerbridge/internal/broker"
	"brokerbridge/internal/database"
	"brokerbridge/internal/ingest"
	"brokerbridge/internal/instrument"
	"brokerbridge/internal/vault"
)

const (
	defaultThrottle = 5 * time.Minute
	maxRowErrors    = 20
)

// Orchestrator drives a connection through create -> sync -> snapshot.
type Orchestrator struct {
	store    database.Store
	vault    *vault.Vault
	registry *broker.Registry
	log      *logrus.Logger

	// Throttle is the minimum gap between syncs of one connection unless
	// ForceRefresh is set.
	Throttle time.Duration

	now func() time.Time
}

func NewOrchestrator(store database.Store, v *vault.Vault, registry *broker.Registry, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		store:    store,
		vault:    v,
		registry: registry,
		log:      log,
		Throttle: defaultThrottle,
		now:      time.Now,
	}
}

type CreateParams struct {
	OrgID  string
	UserID string
	Broker string
	Auth   broker.AuthInput
}

type CreateResult struct {
	ConnectionID string             `json:"connection_id"`
	Accounts     []database.Account `json:"accounts"`
}

// Options control one sync run. ReplaceSnapshot=true (the callers' default)
// swaps the account's current snapshot set atomically; false appends a new
// timestamped generation and keeps history. ForceRefresh only bypasses the
// re-sync throttle; the two flags are independent.
type Options struct {
	ForceRefresh           bool
	ReplaceSnapshot        bool
	SkipInstrumentCreation bool

	// a re-uploaded file for file-import connections; empty means reprocess
	// the stored content
	FileContent string
	FileName    string
	Mapping     *ingest.ColumnMapping
}

type AccountError struct {
	AccountID  string `json:"account_id"`
	ExternalID string `json:"external_id"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

type Result struct {
	Success            bool              `json:"success"`
	Skipped            bool              `json:"skipped,omitempty"`
	LotsImported       int               `json:"lots_imported"`
	InstrumentsCreated int               `json:"instruments_created"`
	PerAccountErrors   []AccountError    `json:"per_account_errors,omitempty"`
	RowErrors          []ingest.RowError `json:"row_errors,omitempty"`
	SyncedAt           time.Time         `json:"synced_at"`
}

// CreateConnection authenticates against the broker, discovers accounts, and
// persists the connection with its auth blob encrypted. Zero discovered
// accounts is an error, never a silent success.
func (o *Orchestrator) CreateConnection(ctx context.Context, params CreateParams) (*CreateResult, error) {
	adapter, err := o.registry.Get(params.Broker)
	if err != nil {
		return nil, err
	}

	handle, err := adapter.Authenticate(ctx, params.Auth)
	if err != nil {
		return nil, err
	}

	infos, err := adapter.ListAccounts(ctx, handle)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, broker.NewZeroAccounts(params.Broker)
	}

	blob, err := o.vault.Encrypt(handle.Secrets)
	if err != nil {
		return nil, fmt.Errorf("encrypt auth: %w", err)
	}

	conn := &database.Connection{
		ID:            uuid.NewString(),
		OrgID:         params.OrgID,
		Broker:        params.Broker,
		Status:        database.StatusActive,
		EncryptedAuth: blob,
	}
	if err := o.store.CreateConnection(ctx, conn); err != nil {
		return nil, fmt.Errorf("persist connection: %w", err)
	}

	accounts := make([]database.Account, 0, len(infos))
	for _, info := range infos {
		acct := database.Account{
			ID:           uuid.NewString(),
			ConnectionID: conn.ID,
			ExternalID:   info.ExternalID,
			Nickname:     info.Nickname,
			MaskedNumber: info.MaskedNumber,
			AccountType:  info.AccountType,
		}
		if err := o.store.UpsertAccount(ctx, &acct); err != nil {
			return nil, fmt.Errorf("persist account %s: %w", info.ExternalID, err)
		}
		accounts = append(accounts, acct)
	}

	o.log.Infof("connection %s created for org %s: broker=%s accounts=%d",
		conn.ID, params.OrgID, params.Broker, len(accounts))
	o.log.Debugf("connection %s auth payload: %v", conn.ID, vault.Redact(toAny(handle.Secrets)))
	return &CreateResult{ConnectionID: conn.ID, Accounts: accounts}, nil
}

// Sync refreshes every account under a connection. Commits are scoped per
// account: one account failing never blocks its siblings, and the result
// carries the per-account failures alongside the imported counts.
func (o *Orchestrator) Sync(ctx context.Context, connectionID string, opts Options) (*Result, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, broker.NewNotFound("connection")
		}
		return nil, err
	}

	adapter, err := o.registry.Get(conn.Broker)
	if err != nil {
		return nil, err
	}

	if !opts.ForceRefresh && conn.LastSyncedAt != nil && o.now().Sub(*conn.LastSyncedAt) < o.Throttle {
		o.log.Debugf("connection %s synced %s ago, skipping", connectionID, o.now().Sub(*conn.LastSyncedAt))
		return &Result{Success: true, Skipped: true, SyncedAt: *conn.LastSyncedAt}, nil
	}

	ok, err := o.store.TransitionStatus(ctx, connectionID,
		[]string{database.StatusActive, database.StatusDegraded, database.StatusDisconnected}, database.StatusSyncing)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, broker.NewSyncInProgress(connectionID)
	}

	res, err := o.runSync(ctx, conn, adapter, opts)
	if err != nil {
		// restore a terminal status so the connection is not stuck SYNCING
		status := conn.Status
		if ae, isAdapter := broker.AsAdapterError(err); isAdapter {
			switch ae.Code {
			case broker.CodeAuthExpired, broker.CodeIntegrity:
				status = database.StatusDegraded
			}
		}
		if ferr := o.store.FinishSync(ctx, connectionID, status, nil); ferr != nil {
			o.log.Errorf("restore status for connection %s failed: %v", connectionID, ferr)
		}
		return nil, err
	}
	return res, nil
}

func (o *Orchestrator) runSync(ctx context.Context, conn *database.Connection, adapter broker.Adapter, opts Options) (*Result, error) {
	secrets, err := o.vault.Decrypt(conn.EncryptedAuth)
	if err != nil {
		o.log.Errorf("connection %s auth blob failed integrity check: %v", conn.ID, err)
		return nil, broker.NewIntegrity("stored credentials are unreadable; re-authentication required")
	}

	authInput := broker.AuthInput{
		Credentials: secrets,
		FileContent: opts.FileContent,
		FileName:    opts.FileName,
		Mapping:     opts.Mapping,
	}
	handle, err := adapter.Authenticate(ctx, authInput)
	if err != nil {
		return nil, err
	}

	// a re-upload changes the stored blob
	if opts.FileContent != "" {
		blob, err := o.vault.Encrypt(handle.Secrets)
		if err != nil {
			return nil, fmt.Errorf("re-encrypt auth: %w", err)
		}
		if err := o.store.UpdateConnectionAuth(ctx, conn.ID, blob); err != nil {
			return nil, fmt.Errorf("update auth blob: %w", err)
		}
	}

	infos, err := adapter.ListAccounts(ctx, handle)
	if err != nil {
		return nil, err
	}

	accounts := make([]database.Account, 0, len(infos))
	for _, info := range infos {
		acct := database.Account{
			ID:           uuid.NewString(),
			ConnectionID: conn.ID,
			ExternalID:   info.ExternalID,
			Nickname:     info.Nickname,
			MaskedNumber: info.MaskedNumber,
			AccountType:  info.AccountType,
		}
		if err := o.store.UpsertAccount(ctx, &acct); err != nil {
			return nil, fmt.Errorf("upsert account %s: %w", info.ExternalID, err)
		}
		accounts = append(accounts, acct)
	}

	asOf := o.now().UTC()
	res := &Result{SyncedAt: asOf}
	degraded := false
	committed := 0

	// file imports surface their row-level rejects once per run
	if fa, ok := adapter.(*broker.FileAdapter); ok {
		if pr, err := fa.LastParse(handle); err == nil {
			res.RowErrors = appendCapped(res.RowErrors, pr.Errors)
		}
	}

	for i, acct := range accounts {
		snaps, created, rowErrs, err := o.buildSnapshots(ctx, adapter, handle, infos[i], acct, asOf, opts)
		res.RowErrors = appendCapped(res.RowErrors, rowErrs)
		if err != nil {
			code := broker.CodeProvider
			if ae, isAdapter := broker.AsAdapterError(err); isAdapter {
				code = ae.Code
			}
			res.PerAccountErrors = append(res.PerAccountErrors, AccountError{
				AccountID: acct.ID, ExternalID: acct.ExternalID, Code: code, Message: err.Error(),
			})
			if code == broker.CodeAuthExpired {
				// credential failures hit every account the same way
				degraded = true
				break
			}
			continue
		}

		commit := o.store.AppendSnapshots
		if opts.ReplaceSnapshot {
			commit = o.store.ReplaceSnapshots
		}
		if err := commit(ctx, acct.ID, snaps); err != nil {
			o.log.Errorf("commit snapshots for account %s failed: %v", acct.ID, err)
			res.PerAccountErrors = append(res.PerAccountErrors, AccountError{
				AccountID: acct.ID, ExternalID: acct.ExternalID, Code: broker.CodeProvider, Message: err.Error(),
			})
			continue
		}
		res.LotsImported += len(snaps)
		res.InstrumentsCreated += created
		committed++
	}

	status := database.StatusActive
	if degraded {
		status = database.StatusDegraded
	}
	var syncedAt *time.Time
	if committed > 0 {
		syncedAt = &asOf
	}
	if err := o.store.FinishSync(ctx, conn.ID, status, syncedAt); err != nil {
		return nil, fmt.Errorf("finish sync: %w", err)
	}

	res.Success = len(res.PerAccountErrors) == 0
	o.log.Infof("connection %s synced: accounts=%d lots=%d instruments=%d errors=%d success=%t",
		conn.ID, committed, res.LotsImported, res.InstrumentsCreated, len(res.PerAccountErrors), res.Success)
	return res, nil
}

func (o *Orchestrator) buildSnapshots(ctx context.Context, adapter broker.Adapter, handle *broker.Handle,
	info broker.AccountInfo, acct database.Account, asOf time.Time, opts Options) ([]database.PositionSnapshot, int, []ingest.RowError, error) {

	positions, err := adapter.FetchPositions(ctx, handle, info)
	if err != nil {
		return nil, 0, nil, err
	}

	var rowErrs []ingest.RowError
	snaps := make([]database.PositionSnapshot, 0, len(positions))
	created := 0
	for _, pos := range positions {
		parsed := instrument.Parse(pos.Symbol, instrument.Hint{Broker: handle.Kind, TypeValue: pos.TypeValue})
		for _, w := range parsed.Warnings {
			o.log.Warnf("account %s: %s", acct.ExternalID, w)
		}

		inst := toInstrument(parsed)
		if opts.SkipInstrumentCreation {
			existing, err := o.store.FindInstrument(ctx, inst.Symbol, inst.AssetClass)
			if errors.Is(err, database.ErrNotFound) {
				rowErrs = append(rowErrs, ingest.RowError{Value: pos.Symbol, Reason: "unknown instrument (creation skipped)"})
				continue
			}
			if err != nil {
				return nil, 0, rowErrs, err
			}
			inst = existing
		} else {
			wasCreated, err := o.store.GetOrCreateInstrument(ctx, inst)
			if err != nil {
				return nil, 0, rowErrs, err
			}
			if wasCreated {
				created++
			}
		}

		snaps = append(snaps, buildSnapshot(acct.ID, inst.ID, pos, asOf))
	}
	return snaps, created, rowErrs, nil
}

// buildSnapshot fills the derivable fields so quantity, cost basis, and
// market value stay mutually consistent whichever subset the source supplied.
func buildSnapshot(accountID, instrumentID string, pos ingest.Position, asOf time.Time) database.PositionSnapshot {
	avg := pos.AveragePrice
	cost := pos.CostBasis
	last := pos.LastPrice
	mv := pos.MarketValue

	if cost.IsZero() && pos.HasAveragePrice {
		cost = pos.Quantity.Abs().Mul(avg)
	}
	if !pos.HasLastPrice && !mv.IsZero() && !pos.Quantity.IsZero() {
		last = mv.Div(pos.Quantity)
	}
	if mv.IsZero() && pos.HasLastPrice {
		mv = pos.Quantity.Mul(last)
	}

	return database.PositionSnapshot{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		InstrumentID: instrumentID,
		Quantity:     pos.Quantity,
		AveragePrice: avg,
		LastPrice:    last,
		MarketValue:  mv,
		CostBasis:    cost,
		AsOf:         asOf,
	}
}

// ConnectionDetail is a connection with its discovered accounts; the auth
// blob never serializes.
type ConnectionDetail struct {
	Connection database.Connection `json:"connection"`
	Accounts   []database.Account  `json:"accounts"`
}

func (o *Orchestrator) GetConnection(ctx context.Context, connectionID string) (*ConnectionDetail, error) {
	conn, err := o.store.GetConnection(ctx, connectionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, broker.NewNotFound("connection")
		}
		return nil, err
	}
	accounts, err := o.store.ListAccounts(ctx, conn.ID)
	if err != nil {
		return nil, err
	}
	return &ConnectionDetail{Connection: *conn, Accounts: accounts}, nil
}

func (o *Orchestrator) ListConnections(ctx context.Context, orgID string) ([]database.Connection, error) {
	return o.store.ListConnections(ctx, orgID)
}

// DeleteConnection removes the connection; accounts and snapshots cascade.
func (o *Orchestrator) DeleteConnection(ctx context.Context, connectionID string) error {
	err := o.store.DeleteConnection(ctx, connectionID)
	if errors.Is(err, database.ErrNotFound) {
		return broker.NewNotFound("connection")
	}
	return err
}

func toInstrument(parsed instrument.Parsed) *database.Instrument {
	inst := &database.Instrument{
		ID:         uuid.NewString(),
		Symbol:     parsed.Symbol,
		AssetClass: string(parsed.AssetClass),
	}
	if parsed.AssetClass == instrument.Option {
		underlying := parsed.Underlying
		strike := parsed.Strike
		expiration := parsed.Expiration
		right := string(parsed.Right)
		inst.Underlying = &underlying
		inst.Strike = &strike
		inst.Expiration = &expiration
		inst.OptionRight = &right
	}
	return inst
}

func appendCapped(dst, src []ingest.RowError) []ingest.RowError {
	for _, e := range src {
		if len(dst) >= maxRowErrors {
			return dst
		}
		dst = append(dst, e)
	}
	return dst
}

func toAny(m map[string]string) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
