package sync

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerbridge/internal/broker"
	"brokerbridge/internal/database"
	"brokerbridge/internal/ingest"
	"brokerbridge/internal/vault"
)

const testMasterKey = "unit-test-master-key-0123456789abcdef"

const multiAccountCSV = `Account Number,Account Name,Symbol,Quantity,Last Price,Current Value,Cost Basis Total
Z001,Core,AAPL,100,190.00,19000.00,15000.00
Z001,Core,AAPL240119C00150000,2,41.00,82.00,60.00
Z002,Retirement,VOO,50,420.00,21000.00,18000.00
Z002,Retirement,,10,1.00,10.00,10.00
`

// fakeAdapter simulates an OAuth-style broker with injectable failures.
type fakeAdapter struct {
	kind      string
	accounts  []broker.AccountInfo
	positions map[string][]ingest.Position
	fetchErr  map[string]error
	authErr   error
}

func (f *fakeAdapter) Kind() string { return f.kind }

func (f *fakeAdapter) Authenticate(ctx context.Context, input broker.AuthInput) (*broker.Handle, error) {
	if f.authErr != nil {
		return nil, f.authErr
	}
	secrets := input.Credentials
	if secrets == nil {
		secrets = map[string]string{"oauth_token": "tok", "oauth_token_secret": "sec"}
	}
	return &broker.Handle{Kind: f.kind, Secrets: secrets}, nil
}

func (f *fakeAdapter) ListAccounts(ctx context.Context, h *broker.Handle) ([]broker.AccountInfo, error) {
	return f.accounts, nil
}

func (f *fakeAdapter) FetchPositions(ctx context.Context, h *broker.Handle, account broker.AccountInfo) ([]ingest.Position, error) {
	if err := f.fetchErr[account.ExternalID]; err != nil {
		return nil, err
	}
	return f.positions[account.ExternalID], nil
}

func pos(symbol string, qty, avg float64) ingest.Position {
	return ingest.Position{
		Symbol:          symbol,
		Quantity:        decimal.NewFromFloat(qty),
		AveragePrice:    decimal.NewFromFloat(avg),
		HasAveragePrice: true,
	}
}

func setup(t *testing.T, adapters ...broker.Adapter) (*Orchestrator, *database.MemoryStore) {
	t.Helper()
	store := database.NewMemoryStore()
	v, err := vault.New(testMasterKey)
	require.NoError(t, err)

	logger := logrus.New()
	registry := broker.NewRegistry()
	registry.Register(broker.NewFileAdapter("generic_csv", logger))
	for _, a := range adapters {
		registry.Register(a)
	}
	return NewOrchestrator(store, v, registry, logger), store
}

func createFileConnection(t *testing.T, o *Orchestrator, content string) *CreateResult {
	t.Helper()
	res, err := o.CreateConnection(context.Background(), CreateParams{
		OrgID:  "org-1",
		Broker: "generic_csv",
		Auth:   broker.AuthInput{FileContent: content, FileName: "positions.csv"},
	})
	require.NoError(t, err)
	return res
}

func TestCreateConnection_FileImport(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	require.Len(t, res.Accounts, 2)
	assert.Equal(t, "Z001", res.Accounts[0].ExternalID)
	assert.Equal(t, "Core", res.Accounts[0].Nickname)
	assert.Equal(t, "Z002", res.Accounts[1].ExternalID)

	conn, err := store.GetConnection(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusActive, conn.Status)
	assert.NotEmpty(t, conn.EncryptedAuth)
	assert.NotContains(t, conn.EncryptedAuth, "AAPL", "auth blob must be opaque")
}

func TestCreateConnection_UnknownBroker(t *testing.T) {
	o, _ := setup(t)
	_, err := o.CreateConnection(context.Background(), CreateParams{OrgID: "org-1", Broker: "nope"})

	ae, ok := broker.AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, broker.CodeValidation, ae.Code)
}

func TestCreateConnection_ZeroAccounts(t *testing.T) {
	o, _ := setup(t)
	_, err := o.CreateConnection(context.Background(), CreateParams{
		OrgID:  "org-1",
		Broker: "generic_csv",
		Auth:   broker.AuthInput{FileContent: "Symbol,Quantity\n", FileName: "empty.csv"},
	})

	ae, ok := broker.AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, broker.CodeZeroAccounts, ae.Code)
}

func TestSync_FileImport(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	sr, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)

	assert.True(t, sr.Success)
	assert.Equal(t, 3, sr.LotsImported)
	assert.Equal(t, 3, sr.InstrumentsCreated)
	require.Len(t, sr.RowErrors, 1)
	assert.Equal(t, "missing symbol", sr.RowErrors[0].Reason)

	// option decomposed during sync
	inst, err := store.FindInstrument(context.Background(), "AAPL240119C00150000", "OPTION")
	require.NoError(t, err)
	require.NotNil(t, inst.Underlying)
	assert.Equal(t, "AAPL", *inst.Underlying)
	require.NotNil(t, inst.Strike)
	assert.True(t, inst.Strike.Equal(decimal.NewFromInt(150)))

	conn, err := store.GetConnection(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusActive, conn.Status)
	require.NotNil(t, conn.LastSyncedAt)
}

func TestSync_ReplaceIsIdempotent(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	_, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)
	first := snapshotSet(store, res.Accounts)

	_, err = o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)
	second := snapshotSet(store, res.Accounts)

	assert.Equal(t, first, second, "re-running replace sync must not duplicate or drift")
}

func TestSync_AppendKeepsHistory(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return base }
	_, err := o.Sync(context.Background(), res.ConnectionID, Options{ForceRefresh: true})
	require.NoError(t, err)

	o.now = func() time.Time { return base.Add(time.Hour) }
	_, err = o.Sync(context.Background(), res.ConnectionID, Options{ForceRefresh: true})
	require.NoError(t, err)

	// both generations retained for Z001 (2 positions each)
	assert.Len(t, store.Snapshots(res.Accounts[0].ID), 4)
}

func TestSync_Throttled(t *testing.T) {
	o, _ := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	sr, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)
	require.False(t, sr.Skipped)

	sr, err = o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true})
	require.NoError(t, err)
	assert.True(t, sr.Skipped)
	assert.True(t, sr.Success)
}

func TestSync_ConflictWhenAlreadySyncing(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	ok, err := store.TransitionStatus(context.Background(), res.ConnectionID,
		[]string{database.StatusActive}, database.StatusSyncing)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	ae, isAdapter := broker.AsAdapterError(err)
	require.True(t, isAdapter)
	assert.Equal(t, broker.CodeSyncInProgress, ae.Code)
}

func TestSync_PartialFailureIsolatesAccounts(t *testing.T) {
	fake := &fakeAdapter{
		kind: "fake",
		accounts: []broker.AccountInfo{
			{ExternalID: "A", Nickname: "acct-a"},
			{ExternalID: "B", Nickname: "acct-b"},
		},
		positions: map[string][]ingest.Position{
			"B": {pos("MSFT", 10, 300)},
		},
		fetchErr: map[string]error{
			"A": broker.NewProvider("positions endpoint returned 503", nil),
		},
	}
	o, store := setup(t, fake)

	res, err := o.CreateConnection(context.Background(), CreateParams{OrgID: "org-1", Broker: "fake"})
	require.NoError(t, err)

	sr, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)

	assert.False(t, sr.Success)
	assert.Equal(t, 1, sr.LotsImported)
	require.Len(t, sr.PerAccountErrors, 1)
	assert.Equal(t, "A", sr.PerAccountErrors[0].ExternalID)
	assert.Equal(t, broker.CodeProvider, sr.PerAccountErrors[0].Code)

	// B's snapshots still committed
	accounts, err := store.ListAccounts(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	for _, a := range accounts {
		if a.ExternalID == "B" {
			assert.Len(t, store.Snapshots(a.ID), 1)
		}
	}

	conn, _ := store.GetConnection(context.Background(), res.ConnectionID)
	assert.Equal(t, database.StatusActive, conn.Status)
}

func TestSync_AuthExpiredMarksDegraded(t *testing.T) {
	fake := &fakeAdapter{
		kind:     "fake",
		accounts: []broker.AccountInfo{{ExternalID: "A"}},
		fetchErr: map[string]error{"A": broker.NewAuthExpired("token revoked")},
	}
	o, store := setup(t, fake)

	res, err := o.CreateConnection(context.Background(), CreateParams{OrgID: "org-1", Broker: "fake"})
	require.NoError(t, err)

	sr, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)
	assert.False(t, sr.Success)

	conn, err := store.GetConnection(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, database.StatusDegraded, conn.Status)
}

func TestSync_TamperedAuthBlob(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	require.NoError(t, store.UpdateConnectionAuth(context.Background(), res.ConnectionID, "aaaa:bbbb:cccc:dddd"))

	_, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	ae, isAdapter := broker.AsAdapterError(err)
	require.True(t, isAdapter)
	assert.Equal(t, broker.CodeIntegrity, ae.Code)

	conn, _ := store.GetConnection(context.Background(), res.ConnectionID)
	assert.Equal(t, database.StatusDegraded, conn.Status)
}

func TestSync_SkipInstrumentCreation(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	sr, err := o.Sync(context.Background(), res.ConnectionID, Options{
		ReplaceSnapshot: true, ForceRefresh: true, SkipInstrumentCreation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, sr.InstrumentsCreated)
	assert.Equal(t, 0, sr.LotsImported)

	_, err = store.FindInstrument(context.Background(), "VOO", "ETF")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestSync_UnknownConnection(t *testing.T) {
	o, _ := setup(t)
	_, err := o.Sync(context.Background(), "no-such-id", Options{ReplaceSnapshot: true})
	ae, isAdapter := broker.AsAdapterError(err)
	require.True(t, isAdapter)
	assert.Equal(t, broker.CodeNotFound, ae.Code)
}

func TestGetConnection_WithAccounts(t *testing.T) {
	o, _ := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)

	detail, err := o.GetConnection(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	assert.Equal(t, res.ConnectionID, detail.Connection.ID)
	assert.Len(t, detail.Accounts, 2)

	_, err = o.GetConnection(context.Background(), "missing")
	ae, ok := broker.AsAdapterError(err)
	require.True(t, ok)
	assert.Equal(t, broker.CodeNotFound, ae.Code)

	conns, err := o.ListConnections(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Len(t, conns, 1)
}

func TestDeleteConnection_Cascades(t *testing.T) {
	o, store := setup(t)
	res := createFileConnection(t, o, multiAccountCSV)
	_, err := o.Sync(context.Background(), res.ConnectionID, Options{ReplaceSnapshot: true, ForceRefresh: true})
	require.NoError(t, err)

	require.NoError(t, o.DeleteConnection(context.Background(), res.ConnectionID))

	_, err = store.GetConnection(context.Background(), res.ConnectionID)
	assert.ErrorIs(t, err, database.ErrNotFound)
	accounts, err := store.ListAccounts(context.Background(), res.ConnectionID)
	require.NoError(t, err)
	assert.Empty(t, accounts)
	for _, a := range res.Accounts {
		assert.Empty(t, store.Snapshots(a.ID))
	}
}

type snapKey struct {
	account, symbol, qty, cost string
}

func snapshotSet(store *database.MemoryStore, accounts []database.Account) []snapKey {
	var keys []snapKey
	for _, a := range accounts {
		for _, s := range store.Snapshots(a.ID) {
			keys = append(keys, snapKey{
				account: a.ExternalID,
				symbol:  s.InstrumentID,
				qty:     s.Quantity.String(),
				cost:    s.CostBasis.String(),
			})
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].account != keys[j].account {
			return keys[i].account < keys[j].account
		}
		return keys[i].symbol < keys[j].symbol
	})
	return keys
}
