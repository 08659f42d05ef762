package ingest

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

// Position is one normalized row out of a broker export. Decimal fields left
// unresolved are zero; HasAveragePrice/HasLastPrice record whether the source
// actually supplied them.
type Position struct {
	Symbol          string
	Quantity        decimal.Decimal
	AveragePrice    decimal.Decimal
	CostBasis       decimal.Decimal
	LastPrice       decimal.Decimal
	MarketValue     decimal.Decimal
	HasAveragePrice bool
	HasLastPrice    bool
	TypeValue       string
	Raw             map[string]string
}

// RowError records a rejected row without aborting the rest of the file.
type RowError struct {
	Row    int    `json:"row"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

type ParseResult struct {
	Positions []Position
	Errors    []RowError
	Headers   []string
	Detection Detection
	Mapping   ColumnMapping
	TotalRows int
}

// ErrNoMapping is returned when symbol/quantity columns cannot be inferred
// and no explicit mapping was supplied.
var ErrNoMapping = fmt.Errorf("ingest: cannot resolve symbol and quantity columns; explicit mapping required")

// ParseRows reads a CSV export into normalized positions. mapping may be nil,
// in which case it is inferred from the header row. Malformed rows are
// collected as RowErrors; only a structurally unreadable file or an
// unresolvable mapping fails the whole call.
func ParseRows(content string, mapping *ColumnMapping) (*ParseResult, error) {
	r := csv.NewReader(strings.NewReader(content))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	headers, err := readHeader(r)
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}

	if mapping == nil {
		mapping = InferColumnMapping(headers)
		if mapping == nil {
			return nil, ErrNoMapping
		}
	}

	idx, err := resolveIndexes(headers, mapping)
	if err != nil {
		return nil, err
	}

	res := &ParseResult{
		Headers:   headers,
		Mapping:   *mapping,
		Detection: Detection{Broker: BrokerUnknown, Confidence: Low},
	}

	rowNum := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			rowNum++
			res.Errors = append(res.Errors, RowError{Row: rowNum, Reason: fmt.Sprintf("unreadable row: %v", err)})
			res.TotalRows++
			continue
		}
		// blank lines don't count as rows, so the first real data row still
		// feeds detection
		if isBlank(record) {
			continue
		}
		rowNum++
		res.TotalRows++
		if rowNum == 1 {
			res.Detection = DetectBroker(headers, record)
		}

		pos, rowErr := parseRecord(record, idx, rowNum)
		if rowErr != nil {
			res.Errors = append(res.Errors, *rowErr)
			continue
		}
		pos.Raw = rawMap(headers, record)
		res.Positions = append(res.Positions, *pos)
	}
	return res, nil
}

type columnIndexes struct {
	symbol, quantity, avgPrice, costBasis, lastPrice, marketValue, typeCol int
}

func resolveIndexes(headers []string, m *ColumnMapping) (columnIndexes, error) {
	find := func(name string) int {
		if name == "" {
			return -1
		}
		for i, h := range headers {
			if strings.EqualFold(strings.TrimSpace(h), strings.TrimSpace(name)) {
				return i
			}
		}
		return -1
	}

	idx := columnIndexes{
		symbol:      find(m.Symbol),
		quantity:    find(m.Quantity),
		avgPrice:    find(m.AveragePrice),
		costBasis:   find(m.CostBasis),
		lastPrice:   find(m.LastPrice),
		marketValue: find(m.MarketValue),
		typeCol:     find(m.TypeColumn),
	}
	if idx.symbol < 0 {
		return idx, fmt.Errorf("ingest: mapped symbol column %q not in headers", m.Symbol)
	}
	if idx.quantity < 0 {
		return idx, fmt.Errorf("ingest: mapped quantity column %q not in headers", m.Quantity)
	}
	return idx, nil
}

func parseRecord(record []string, idx columnIndexes, rowNum int) (*Position, *RowError) {
	get := func(i int) string {
		if i < 0 || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	symbol := get(idx.symbol)
	if symbol == "" {
		return nil, &RowError{Row: rowNum, Reason: "missing symbol"}
	}

	qtyRaw := get(idx.quantity)
	qty, err := ParseNumeric(qtyRaw)
	if err != nil {
		return nil, &RowError{Row: rowNum, Value: qtyRaw, Reason: "unparsable quantity"}
	}

	pos := &Position{Symbol: symbol, Quantity: qty, TypeValue: get(idx.typeCol)}

	if v := get(idx.avgPrice); v != "" {
		if d, err := ParseNumeric(v); err == nil {
			pos.AveragePrice = d
			pos.HasAveragePrice = true
		}
	}
	if v := get(idx.costBasis); v != "" {
		if d, err := ParseNumeric(v); err == nil {
			pos.CostBasis = d
		}
	}
	if v := get(idx.lastPrice); v != "" {
		if d, err := ParseNumeric(v); err == nil {
			pos.LastPrice = d
			pos.HasLastPrice = true
		}
	}
	if v := get(idx.marketValue); v != "" {
		if d, err := ParseNumeric(v); err == nil {
			pos.MarketValue = d
		}
	}

	// brokers that report only total cost still get a usable entry price
	if !pos.HasAveragePrice && !pos.CostBasis.IsZero() && !pos.Quantity.IsZero() {
		pos.AveragePrice = pos.CostBasis.Div(pos.Quantity.Abs())
		pos.HasAveragePrice = true
	}
	return pos, nil
}

// ParseNumeric handles the formats brokers actually emit: currency symbols,
// thousands separators, and accounting-style parentheses for negatives.
func ParseNumeric(raw string) (decimal.Decimal, error) {
	s := strings.TrimSpace(raw)
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = s[1 : len(s)-1]
	}
	for _, cut := range []string{"$", "€", "£", ",", " "} {
		s = strings.ReplaceAll(s, cut, "")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if negative {
		d = d.Neg()
	}
	return d, nil
}

func readHeader(r *csv.Reader) ([]string, error) {
	for {
		record, err := r.Read()
		if err != nil {
			return nil, err
		}
		if !isBlank(record) {
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}
			return record, nil
		}
	}
}

func isBlank(record []string) bool {
	for _, f := range record {
		if strings.TrimSpace(f) != "" {
			return false
		}
	}
	return true
}

func rawMap(headers, record []string) map[string]string {
	m := make(map[string]string, len(headers))
	for i, h := range headers {
		if i < len(record) {
			m[h] = strings.TrimSpace(record[i])
		}
	}
	return m
}
