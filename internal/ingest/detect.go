package ingest

import (
	"fmt"
	"strings"
)

type Confidence string

const (
	High   Confidence = "high"
	Medium Confidence = "medium"
	Low    Confidence = "low"
)

const BrokerUnknown = "unknown"

type Detection struct {
	Broker     string     `json:"broker"`
	Confidence Confidence `json:"confidence"`
	Evidence   []string   `json:"evidence"`
}

// brokerSignature matches when every required fragment appears in some header
// (case-insensitive substring). Fragments are chosen to be distinctive for
// that broker's export format, not just generic position columns.
type brokerSignature struct {
	broker     string
	required   []string
	confidence Confidence
}

// Signature order matters: more specific formats are listed first so a file
// never falls through to a looser match. The list is fixed at compile time,
// which keeps DetectBroker deterministic.
var signatures = []brokerSignature{
	{broker: "fidelity", required: []string{"account number", "cost basis total", "last price change"}, confidence: High},
	{broker: "fidelity", required: []string{"account name", "last price", "current value"}, confidence: Medium},
	{broker: "schwab", required: []string{"security type", "mkt val"}, confidence: High},
	{broker: "schwab", required: []string{"qty (quantity)", "price chng"}, confidence: High},
	{broker: "vanguard", required: []string{"investment name", "share price", "total value"}, confidence: High},
	{broker: "robinhood", required: []string{"instrument", "average buy price", "equity"}, confidence: High},
}

var genericFragments = []string{"symbol", "ticker", "quantity", "qty", "shares", "price", "value"}

// DetectBroker inspects export headers (and optionally a sample data row) and
// names the most likely source broker. Pure function of its inputs.
func DetectBroker(headers []string, sampleRow []string) Detection {
	lowered := make([]string, len(headers))
	for i, h := range headers {
		lowered[i] = strings.ToLower(strings.TrimSpace(h))
	}

	for _, sig := range signatures {
		evidence := matchAll(lowered, sig.required)
		if evidence == nil {
			continue
		}
		return Detection{Broker: sig.broker, Confidence: sig.confidence, Evidence: evidence}
	}

	// generic symbol/quantity/price columns only: importable, but the source
	// broker cannot be named
	var evidence []string
	for _, frag := range genericFragments {
		if ev := matchAll(lowered, []string{frag}); ev != nil {
			evidence = append(evidence, ev...)
		}
	}
	return Detection{Broker: BrokerUnknown, Confidence: Low, Evidence: evidence}
}

func matchAll(lowered []string, required []string) []string {
	evidence := make([]string, 0, len(required))
	for _, frag := range required {
		found := ""
		for _, h := range lowered {
			if strings.Contains(h, frag) {
				found = h
				break
			}
		}
		if found == "" {
			return nil
		}
		evidence = append(evidence, fmt.Sprintf("header %q matched %q", found, frag))
	}
	return evidence
}
