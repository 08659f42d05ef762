package ingest

import "strings"

// ColumnMapping resolves logical position fields to header names in the
// source file. Symbol and Quantity are mandatory; everything else optional.
type ColumnMapping struct {
	Symbol       string `json:"symbol"`
	Quantity     string `json:"quantity"`
	AveragePrice string `json:"averagePrice,omitempty"`
	CostBasis    string `json:"costBasis,omitempty"`
	LastPrice    string `json:"lastPrice,omitempty"`
	MarketValue  string `json:"marketValue,omitempty"`
	TypeColumn   string `json:"typeColumn,omitempty"`
}

// Synonyms per logical field, resolved in a fixed order so that broader
// fragments ("price") cannot claim a column a more specific field needs
// ("average price"). Each header is claimed at most once.
var fieldSynonyms = []struct {
	field    string
	synonyms []string
}{
	{"symbol", []string{"symbol", "ticker", "instrument", "security"}},
	{"quantity", []string{"quantity", "qty", "shares", "units"}},
	{"averagePrice", []string{"average price", "avg price", "average cost", "avg cost", "average buy price", "purchase price", "cost/share"}},
	{"costBasis", []string{"cost basis", "total cost", "book value", "cost"}},
	{"marketValue", []string{"market value", "current value", "mkt val", "total value", "equity", "value"}},
	{"lastPrice", []string{"last price", "current price", "share price", "price"}},
	{"typeColumn", []string{"security type", "asset type", "type"}},
}

// InferColumnMapping matches headers against known synonyms. Returns nil when
// symbol or quantity cannot be resolved; the caller must then supply an
// explicit mapping.
func InferColumnMapping(headers []string) *ColumnMapping {
	claimed := make([]bool, len(headers))
	resolved := map[string]string{}

	for _, fs := range fieldSynonyms {
		for _, syn := range fs.synonyms {
			idx := -1
			for i, h := range headers {
				if claimed[i] {
					continue
				}
				if strings.Contains(strings.ToLower(strings.TrimSpace(h)), syn) {
					idx = i
					break
				}
			}
			if idx >= 0 {
				claimed[idx] = true
				resolved[fs.field] = headers[idx]
				break
			}
		}
	}

	if resolved["symbol"] == "" || resolved["quantity"] == "" {
		return nil
	}
	return &ColumnMapping{
		Symbol:       resolved["symbol"],
		Quantity:     resolved["quantity"],
		AveragePrice: resolved["averagePrice"],
		CostBasis:    resolved["costBasis"],
		LastPrice:    resolved["lastPrice"],
		MarketValue:  resolved["marketValue"],
		TypeColumn:   resolved["typeColumn"],
	}
}
