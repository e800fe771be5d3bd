package stream

import (
	"reflect"
	"testing"
)

func TestClassifySymbols(t *testing.T) {
	tests := []struct {
		name       string
		in         []string
		wantEquity []string
		wantCrypto []string
	}{
		{
			name:       "mixed",
			in:         []string{"AAPL", "BTC/USD", "MSFT", "ETH/USD"},
			wantEquity: []string{"AAPL", "MSFT"},
			wantCrypto: []string{"BTC/USD", "ETH/USD"},
		},
		{
			name:       "equity only",
			in:         []string{"AAPL", "SPY"},
			wantEquity: []string{"AAPL", "SPY"},
		},
		{
			name:       "crypto only",
			in:         []string{"BTC/USD"},
			wantCrypto: []string{"BTC/USD"},
		},
		{
			name: "empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			equity, crypto := classifySymbols(tt.in)
			if !reflect.DeepEqual(equity, tt.wantEquity) {
				t.Errorf("equity = %v, want %v", equity, tt.wantEquity)
			}
			if !reflect.DeepEqual(crypto, tt.wantCrypto) {
				t.Errorf("crypto = %v, want %v", crypto, tt.wantCrypto)
			}
			if len(equity)+len(crypto) != len(tt.in) {
				t.Errorf("partition lost symbols: %d + %d != %d", len(equity), len(crypto), len(tt.in))
			}
		})
	}
}
