package aggregate

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerbridge/internal/database"
)

func seedAccount(t *testing.T, store *database.MemoryStore, org, brokerKind, nickname string) database.Account {
	t.Helper()
	ctx := context.Background()
	conn := &database.Connection{ID: uuid.NewString(), OrgID: org, Broker: brokerKind, EncryptedAuth: "blob"}
	require.NoError(t, store.CreateConnection(ctx, conn))
	acct := database.Account{ID: uuid.NewString(), ConnectionID: conn.ID, ExternalID: nickname, Nickname: nickname}
	require.NoError(t, store.UpsertAccount(ctx, &acct))
	return acct
}

func seedInstrument(t *testing.T, store *database.MemoryStore, symbol, assetClass string) database.Instrument {
	t.Helper()
	inst := database.Instrument{ID: uuid.NewString(), Symbol: symbol, AssetClass: assetClass}
	_, err := store.GetOrCreateInstrument(context.Background(), &inst)
	require.NoError(t, err)
	return inst
}

func snap(accountID, instrumentID string, qty, avg, last float64, asOf time.Time) database.PositionSnapshot {
	q := decimal.NewFromFloat(qty)
	a := decimal.NewFromFloat(avg)
	l := decimal.NewFromFloat(last)
	return database.PositionSnapshot{
		ID:           uuid.NewString(),
		AccountID:    accountID,
		InstrumentID: instrumentID,
		Quantity:     q,
		AveragePrice: a,
		LastPrice:    l,
		MarketValue:  q.Mul(l),
		CostBasis:    q.Abs().Mul(a),
		AsOf:         asOf,
	}
}

func TestPositions_WeightedAverageAcrossAccounts(t *testing.T) {
	store := database.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	a1 := seedAccount(t, store, "org-1", "schwab_csv", "taxable")
	a2 := seedAccount(t, store, "org-1", "fidelity_csv", "ira")
	aapl := seedInstrument(t, store, "AAPL", "EQUITY")

	now := time.Now().UTC()
	require.NoError(t, store.ReplaceSnapshots(ctx, a1.ID, []database.PositionSnapshot{snap(a1.ID, aapl.ID, 100, 10, 12, now)}))
	require.NoError(t, store.ReplaceSnapshots(ctx, a2.ID, []database.PositionSnapshot{snap(a2.ID, aapl.ID, 50, 16, 12, now)}))

	aggs, err := svc.Positions(ctx, Filters{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)

	agg := aggs[0]
	assert.Equal(t, "AAPL", agg.Symbol)
	assert.True(t, agg.TotalQuantity.Equal(decimal.NewFromInt(150)), "qty=%s", agg.TotalQuantity)
	assert.True(t, agg.WeightedAveragePrice.Equal(decimal.NewFromInt(12)), "wap=%s", agg.WeightedAveragePrice)
	assert.True(t, agg.TotalCostBasis.Equal(decimal.NewFromInt(1800)), "cost=%s", agg.TotalCostBasis)
	assert.True(t, agg.TotalMarketValue.Equal(decimal.NewFromInt(1800)), "mv=%s", agg.TotalMarketValue)
	assert.True(t, agg.TotalUnrealizedPL.IsZero())
	require.Len(t, agg.Accounts, 2)
}

func TestPositions_ZeroNetQuantityGuard(t *testing.T) {
	store := database.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	a1 := seedAccount(t, store, "org-1", "schwab_csv", "long")
	a2 := seedAccount(t, store, "org-1", "schwab_csv", "short")
	spy := seedInstrument(t, store, "SPY", "ETF")

	now := time.Now().UTC()
	// fully hedged: +100 and -100 with zero entry price on both sides
	require.NoError(t, store.ReplaceSnapshots(ctx, a1.ID, []database.PositionSnapshot{snap(a1.ID, spy.ID, 100, 0, 500, now)}))
	require.NoError(t, store.ReplaceSnapshots(ctx, a2.ID, []database.PositionSnapshot{snap(a2.ID, spy.ID, -100, 0, 500, now)}))

	aggs, err := svc.Positions(ctx, Filters{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].TotalQuantity.IsZero())
	assert.True(t, aggs[0].WeightedAveragePrice.IsZero())
}

func TestPositions_Filters(t *testing.T) {
	store := database.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	schwab := seedAccount(t, store, "org-1", "schwab_csv", "schwab-acct")
	fid := seedAccount(t, store, "org-1", "fidelity_csv", "fid-acct")
	other := seedAccount(t, store, "org-2", "schwab_csv", "other-org")

	aapl := seedInstrument(t, store, "AAPL", "EQUITY")
	voo := seedInstrument(t, store, "VOO", "ETF")
	underlying := "AAPL"
	opt := database.Instrument{ID: uuid.NewString(), Symbol: "AAPL240119C00150000", AssetClass: "OPTION", Underlying: &underlying}
	_, err := store.GetOrCreateInstrument(ctx, &opt)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.ReplaceSnapshots(ctx, schwab.ID, []database.PositionSnapshot{
		snap(schwab.ID, aapl.ID, 10, 100, 110, now),
		snap(schwab.ID, opt.ID, 2, 5, 6, now),
	}))
	require.NoError(t, store.ReplaceSnapshots(ctx, fid.ID, []database.PositionSnapshot{snap(fid.ID, voo.ID, 5, 400, 410, now)}))
	require.NoError(t, store.ReplaceSnapshots(ctx, other.ID, []database.PositionSnapshot{snap(other.ID, aapl.ID, 99, 1, 1, now)}))

	aggs, err := svc.Positions(ctx, Filters{OrgID: "org-1"})
	require.NoError(t, err)
	assert.Len(t, aggs, 3, "other org must not leak in")

	aggs, err = svc.Positions(ctx, Filters{OrgID: "org-1", Broker: "fidelity_csv"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "VOO", aggs[0].Symbol)

	aggs, err = svc.Positions(ctx, Filters{OrgID: "org-1", OptionsOnly: true})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "OPTION", aggs[0].AssetClass)

	// symbol filter matches the underlying of option positions too
	aggs, err = svc.Positions(ctx, Filters{OrgID: "org-1", Symbol: "AAPL"})
	require.NoError(t, err)
	assert.Len(t, aggs, 2)

	aggs, err = svc.Positions(ctx, Filters{OrgID: "org-1", AccountID: fid.ID})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.Equal(t, "VOO", aggs[0].Symbol)
}

func TestPositions_AsOfPicksLatestGenerationPerAccount(t *testing.T) {
	store := database.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	acct := seedAccount(t, store, "org-1", "schwab_csv", "main")
	aapl := seedInstrument(t, store, "AAPL", "EQUITY")

	day1 := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	require.NoError(t, store.AppendSnapshots(ctx, acct.ID, []database.PositionSnapshot{snap(acct.ID, aapl.ID, 100, 10, 10, day1)}))
	require.NoError(t, store.AppendSnapshots(ctx, acct.ID, []database.PositionSnapshot{snap(acct.ID, aapl.ID, 120, 11, 11, day2)}))

	aggs, err := svc.Positions(ctx, Filters{OrgID: "org-1"})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].TotalQuantity.Equal(decimal.NewFromInt(120)))

	cutoff := day1.Add(time.Hour)
	aggs, err = svc.Positions(ctx, Filters{OrgID: "org-1", AsOf: &cutoff})
	require.NoError(t, err)
	require.Len(t, aggs, 1)
	assert.True(t, aggs[0].TotalQuantity.Equal(decimal.NewFromInt(100)))
}

func TestPortfolioSummary(t *testing.T) {
	store := database.NewMemoryStore()
	svc := New(store)
	ctx := context.Background()

	acct := seedAccount(t, store, "org-1", "schwab_csv", "main")
	aapl := seedInstrument(t, store, "AAPL", "EQUITY")
	voo := seedInstrument(t, store, "VOO", "ETF")

	now := time.Now().UTC()
	require.NoError(t, store.ReplaceSnapshots(ctx, acct.ID, []database.PositionSnapshot{
		snap(acct.ID, aapl.ID, 10, 100, 120, now), // cost 1000, mv 1200
		snap(acct.ID, voo.ID, 5, 400, 390, now),   // cost 2000, mv 1950
	}))

	sum, err := svc.PortfolioSummary(ctx, "org-1", nil)
	require.NoError(t, err)

	assert.True(t, sum.TotalCostBasis.Equal(decimal.NewFromInt(3000)), "cost=%s", sum.TotalCostBasis)
	assert.True(t, sum.TotalMarketValue.Equal(decimal.NewFromInt(3150)), "mv=%s", sum.TotalMarketValue)
	assert.True(t, sum.TotalUnrealizedPL.Equal(decimal.NewFromInt(150)))

	require.Contains(t, sum.ByAssetClass, "EQUITY")
	require.Contains(t, sum.ByAssetClass, "ETF")
	assert.Equal(t, 1, sum.ByAssetClass["EQUITY"].Positions)
	assert.True(t, sum.ByAssetClass["EQUITY"].UnrealizedPL.Equal(decimal.NewFromInt(200)))
	assert.True(t, sum.ByAssetClass["ETF"].UnrealizedPL.Equal(decimal.NewFromInt(-50)))
}
