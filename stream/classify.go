package stream

import "strings"

// classifySymbols partitions symbols into the equity and crypto subsets.
// Crypto symbols use pair notation with a slash separator (e.g. BTC/USD);
// everything else is treated as equity. The two subsets are disjoint and
// together cover the input.
func classifySymbols(symbols []string) (equity, crypto []string) {
	for _, s := range symbols {
		if strings.Contains(s, "/") {
			crypto = append(crypto, s)
		} else {
			equity = append(equity, s)
		}
	}
	return equity, crypto
}
