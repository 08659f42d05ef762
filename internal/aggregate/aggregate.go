package aggregate

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"brokerbridge/internal/database"
)

// Service computes read-only roll-ups over snapshot data. Nothing here
// mutates the store, so calls are safe to repeat and run concurrently.
type Service struct {
	store database.Store
}

func New(store database.Store) *Service {
	return &Service{store: store}
}

type Filters struct {
	OrgID       string
	Broker      string
	AccountID   string
	AssetClass  string
	Symbol      string
	OptionsOnly bool
	AsOf        *time.Time
}

// Contribution names one account's share of an aggregate, for display.
type Contribution struct {
	AccountID string          `json:"account_id"`
	Nickname  string          `json:"nickname"`
	Broker    string          `json:"broker"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// Aggregate is the per-instrument roll-up across accounts. It is derived on
// every read and never persisted.
type Aggregate struct {
	Symbol               string           `json:"symbol"`
	AssetClass           string           `json:"asset_class"`
	Underlying           *string          `json:"underlying_symbol,omitempty"`
	Strike               *decimal.Decimal `json:"strike,omitempty"`
	Expiration           *time.Time       `json:"expiration,omitempty"`
	OptionRight          *string          `json:"option_right,omitempty"`
	TotalQuantity        decimal.Decimal  `json:"total_quantity"`
	WeightedAveragePrice decimal.Decimal  `json:"weighted_average_price"`
	TotalCostBasis       decimal.Decimal  `json:"total_cost_basis"`
	TotalMarketValue     decimal.Decimal  `json:"total_market_value"`
	TotalUnrealizedPL    decimal.Decimal  `json:"total_unrealized_pl"`
	Accounts             []Contribution   `json:"accounts"`
}

// Positions groups the latest snapshot per account by instrument and rolls
// the numbers up: signed quantity sum, |quantity|-weighted average price, and
// totals for cost basis, market value, and unrealized P&L.
func (s *Service) Positions(ctx context.Context, f Filters) ([]Aggregate, error) {
	rows, err := s.store.LatestSnapshots(ctx, database.SnapshotFilter{
		OrgID:       f.OrgID,
		Broker:      f.Broker,
		AccountID:   f.AccountID,
		AssetClass:  f.AssetClass,
		Symbol:      f.Symbol,
		OptionsOnly: f.OptionsOnly,
		AsOf:        f.AsOf,
	})
	if err != nil {
		return nil, err
	}

	grouped := map[string]*Aggregate{}
	weighted := map[string]decimal.Decimal{} // Σ(|qty| × avgPrice)
	absQty := map[string]decimal.Decimal{}   // Σ|qty|

	for _, row := range rows {
		agg, ok := grouped[row.InstrumentID]
		if !ok {
			agg = &Aggregate{
				Symbol:      row.Symbol,
				AssetClass:  row.AssetClass,
				Underlying:  row.Underlying,
				Strike:      row.Strike,
				Expiration:  row.Expiration,
				OptionRight: row.OptionRight,
			}
			grouped[row.InstrumentID] = agg
		}

		agg.TotalQuantity = agg.TotalQuantity.Add(row.Quantity)
		agg.TotalCostBasis = agg.TotalCostBasis.Add(row.CostBasis)
		agg.TotalMarketValue = agg.TotalMarketValue.Add(row.MarketValue)
		agg.Accounts = append(agg.Accounts, Contribution{
			AccountID: row.AccountID,
			Nickname:  row.Nickname,
			Broker:    row.Broker,
			Quantity:  row.Quantity,
		})

		aq := row.Quantity.Abs()
		weighted[row.InstrumentID] = weighted[row.InstrumentID].Add(aq.Mul(row.AveragePrice))
		absQty[row.InstrumentID] = absQty[row.InstrumentID].Add(aq)
	}

	res := make([]Aggregate, 0, len(grouped))
	for id, agg := range grouped {
		if absQty[id].IsZero() {
			agg.WeightedAveragePrice = decimal.Zero
		} else {
			agg.WeightedAveragePrice = weighted[id].Div(absQty[id])
		}
		agg.TotalUnrealizedPL = agg.TotalMarketValue.Sub(agg.TotalCostBasis)
		res = append(res, *agg)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Symbol < res[j].Symbol })
	return res, nil
}

// ClassSummary totals one asset class within a portfolio summary.
type ClassSummary struct {
	Positions    int             `json:"positions"`
	MarketValue  decimal.Decimal `json:"market_value"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	UnrealizedPL decimal.Decimal `json:"unrealized_pl"`
}

type Summary struct {
	OrgID             string                  `json:"org_id"`
	TotalMarketValue  decimal.Decimal         `json:"total_market_value"`
	TotalCostBasis    decimal.Decimal         `json:"total_cost_basis"`
	TotalUnrealizedPL decimal.Decimal         `json:"total_unrealized_pl"`
	ByAssetClass      map[string]ClassSummary `json:"by_asset_class"`
}

// PortfolioSummary totals the aggregated positions across the organization,
// broken down by asset class.
func (s *Service) PortfolioSummary(ctx context.Context, orgID string, asOf *time.Time) (*Summary, error) {
	aggs, err := s.Positions(ctx, Filters{OrgID: orgID, AsOf: asOf})
	if err != nil {
		return nil, err
	}

	sum := &Summary{OrgID: orgID, ByAssetClass: map[string]ClassSummary{}}
	for _, agg := range aggs {
		sum.TotalMarketValue = sum.TotalMarketValue.Add(agg.TotalMarketValue)
		sum.TotalCostBasis = sum.TotalCostBasis.Add(agg.TotalCostBasis)

		cls := sum.ByAssetClass[agg.AssetClass]
		cls.Positions++
		cls.MarketValue = cls.MarketValue.Add(agg.TotalMarketValue)
		cls.CostBasis = cls.CostBasis.Add(agg.TotalCostBasis)
		cls.UnrealizedPL = cls.MarketValue.Sub(cls.CostBasis)
		sum.ByAssetClass[agg.AssetClass] = cls
	}
	sum.TotalUnrealizedPL = sum.TotalMarketValue.Sub(sum.TotalCostBasis)
	return sum, nil
}
