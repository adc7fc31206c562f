package api

import "testing"

func TestNormalizeSymbol(t *testing.T) {
	allowed := []string{"BTC/USDT:USDT", "ETH/USDT:USDT"}

	tests := []struct {
		in   string
		want string
	}{
		{"OKX:BTCUSDT.P", "BTC/USDT:USDT"},
		{"BTCUSDT.P", "BTC/USDT:USDT"},
		{"BTCUSDT", "BTC/USDT:USDT"},
		{"btcusdt", "BTC/USDT:USDT"},
		{"BINANCE:ETHUSDT.P", "ETH/USDT:USDT"},
		{"ETHUSD", "ETH/USDT:USDT"}, // prefix fallback
		{"BTC/USDT:USDT", "BTC/USDT:USDT"},
		{"DOGEUSDT", "DOGEUSDT"}, // not allowed, passed through for rejection
	}
	for _, tt := range tests {
		if got := NormalizeSymbol(tt.in, allowed); got != tt.want {
			t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeSymbolEmptyAllowList(t *testing.T) {
	if got := NormalizeSymbol("OKX:BTCUSDT.P", nil); got != "BTCUSDT" {
		t.Fatalf("got %q, want raw BTCUSDT", got)
	}
}
