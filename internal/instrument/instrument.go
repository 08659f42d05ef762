package instrument

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type AssetClass string

const (
	Equity AssetClass = "EQUITY"
	ETF    AssetClass = "ETF"
	Option AssetClass = "OPTION"
	Other  AssetClass = "OTHER"
)

type Right string

const (
	Call Right = "CALL"
	Put  Right = "PUT"
)

// Parsed is the structured form of a raw broker symbol. For options the
// Underlying/Strike/Expiration/Right fields are populated and Symbol holds
// the normalized OCC encoding.
type Parsed struct {
	Symbol     string
	AssetClass AssetClass
	Underlying string
	Strike     decimal.Decimal
	Expiration time.Time
	Right      Right
	Warnings   []string
}

// Hint carries broker-side context that helps classification: the broker
// kind and the raw value of a type/description column when the export has one.
type Hint struct {
	Broker    string
	TypeValue string
}

// OCC option symbology: padded underlying, YYMMDD expiration, C/P,
// strike in thousandths as 8 digits. e.g. AAPL240119C00150000.
var occPattern = regexp.MustCompile(`^([A-Z]{1,6})(\d{6})([CP])(\d{8})$`)

var plainSymbol = regexp.MustCompile(`^[A-Z]{1,6}(\.[A-Z])?$`)

// knownETFs covers the broadly held funds; broker type columns take priority.
var knownETFs = map[string]bool{
	"SPY": true, "QQQ": true, "IWM": true, "DIA": true,
	"VOO": true, "VTI": true, "VEA": true, "VWO": true, "VIG": true,
	"AGG": true, "BND": true, "GLD": true, "SLV": true,
	"XLF": true, "XLE": true, "XLK": true, "ARKK": true, "SCHD": true,
}

// Parse decomposes a raw ticker into a structured instrument. It never fails:
// anything it cannot classify comes back as EQUITY with a warning attached so
// a single odd symbol cannot abort an import.
func Parse(raw string, hint Hint) Parsed {
	// OCC symbols are space-padded to a 6-char underlying in some exports
	sym := strings.ToUpper(strings.Join(strings.Fields(strings.TrimSpace(raw)), ""))

	if m := occPattern.FindStringSubmatch(sym); m != nil {
		if p, ok := parseOption(sym, m); ok {
			return p
		}
	}

	p := Parsed{Symbol: sym, AssetClass: Equity}
	if classifiesAsETF(sym, hint) {
		p.AssetClass = ETF
	} else if !plainSymbol.MatchString(sym) {
		p.AssetClass = Other
		p.Warnings = append(p.Warnings, fmt.Sprintf("unrecognized symbol format %q", raw))
	}
	return p
}

func parseOption(sym string, m []string) (Parsed, bool) {
	exp, err := time.Parse("060102", m[2])
	if err != nil {
		return Parsed{}, false
	}
	strikeRaw, err := decimal.NewFromString(m[4])
	if err != nil {
		return Parsed{}, false
	}

	right := Call
	if m[3] == "P" {
		right = Put
	}
	return Parsed{
		Symbol:     sym,
		AssetClass: Option,
		Underlying: m[1],
		Strike:     strikeRaw.Div(decimal.NewFromInt(1000)),
		Expiration: exp,
		Right:      right,
	}, true
}

func classifiesAsETF(sym string, hint Hint) bool {
	tv := strings.ToLower(hint.TypeValue)
	if strings.Contains(tv, "etf") || strings.Contains(tv, "exchange traded") {
		return true
	}
	return knownETFs[sym]
}
