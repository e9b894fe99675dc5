package domain

import "strings"

// NormalizeSymbol collapses the textual forms the same instrument can appear
// in so that format drift never creates two registry entries for one market:
//
//	"ETHUSDT"        native exchange form
//	"ETH/USDT"       slash-delimited unified form
//	"ETH/USDT:USDT"  settlement-suffixed perpetual form
//
// All three normalize to "ETHUSDT".
func NormalizeSymbol(symbol string) string {
	s := strings.TrimSpace(strings.ToUpper(symbol))
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "")
	s = strings.ReplaceAll(s, "-", "")
	return s
}

// SameSymbol reports whether two symbol strings denote the same instrument.
func SameSymbol(a, b string) bool {
	return NormalizeSymbol(a) == NormalizeSymbol(b)
}
