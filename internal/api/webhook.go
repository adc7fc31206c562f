package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"execution-core/internal/engine"
	"execution-core/pkg/broker"

	"github.com/gin-gonic/gin"
)

// tvSignal is the TradingView alert payload. Price arrives as a string
// because TradingView templates interpolate it as text.
type tvSignal struct {
	Secret    string `json:"secret"`
	Symbol    string `json:"symbol"` // e.g. OKX:BTCUSDT.P
	Action    string `json:"action"` // BUY / SELL
	Time      string `json:"time,omitempty"`
	Timeframe string `json:"timeframe,omitempty"`
	Price     string `json:"price,omitempty"`
	BarTime   string `json:"bar_time,omitempty"`
}

// NormalizeSymbol maps a TradingView ticker to the canonical contract form.
// "OKX:BTCUSDT.P", "BTCUSDT.P" and "BTCUSDT" all become "BTC/USDT:USDT"
// when that symbol is in the allowed set. Unmatched input is returned
// upper-cased for the caller's allow-list check to reject.
func NormalizeSymbol(tvSymbol string, allowed []string) string {
	// Already canonical ("BTC/USDT:USDT"): pass through.
	if strings.Contains(tvSymbol, "/") {
		return strings.ToUpper(tvSymbol)
	}

	raw := tvSymbol
	if i := strings.LastIndex(raw, ":"); i >= 0 {
		raw = raw[i+1:]
	}
	raw = strings.ToUpper(raw)
	raw = strings.ReplaceAll(raw, ".P", "")

	if strings.HasSuffix(raw, "USDT") {
		base := strings.TrimSuffix(raw, "USDT")
		guess := base + "/USDT:USDT"
		for _, sym := range allowed {
			if sym == guess {
				return guess
			}
		}
	}

	for _, sym := range allowed {
		base := strings.ToUpper(strings.SplitN(sym, "/", 2)[0])
		if base != "" && strings.HasPrefix(raw, base) {
			return sym
		}
	}
	return raw
}

func (s *Server) tradingViewWebhook(c *gin.Context) {
	var payload tvSignal
	if err := c.BindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
		return
	}

	if s.WebhookSecret == "" || subtle.ConstantTimeCompare([]byte(payload.Secret), []byte(s.WebhookSecret)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"code": "INVALID_SECRET", "error": "invalid webhook secret"})
		return
	}

	action := engine.Action(strings.ToUpper(strings.TrimSpace(payload.Action)))
	if !action.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_ACTION", "error": "action must be BUY/SELL"})
		return
	}

	symbol := NormalizeSymbol(payload.Symbol, s.Meta.Symbols)
	if !s.symbolAllowed(symbol) {
		c.JSON(http.StatusBadRequest, gin.H{"code": "SYMBOL_NOT_ALLOWED", "error": "symbol not allowed: " + symbol})
		return
	}

	price, _ := strconv.ParseFloat(strings.TrimSpace(payload.Price), 64)
	sig := engine.Signal{
		Symbol:    symbol,
		Action:    action,
		BarTime:   payload.BarTime,
		Timeframe: payload.Timeframe,
		Price:     price,
		At:        time.Now(),
	}

	res, err := s.Engine.HandleSignal(c.Request.Context(), sig)
	if err != nil {
		var ce *engine.ConfigurationError
		switch {
		case errors.As(err, &ce):
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_SIGNAL", "error": ce.Error()})
		case broker.IsSubmissionError(err):
			c.JSON(http.StatusBadGateway, gin.H{"code": "SUBMISSION_REJECTED", "error": err.Error(), "result": res})
		case errors.Is(err, engine.ErrUnconfirmed):
			// The order is in flight with an unknown outcome; reconciliation
			// will settle it. Report accepted-but-unsettled.
			c.JSON(http.StatusAccepted, gin.H{"code": "UNCONFIRMED", "error": err.Error(), "result": res})
		default:
			c.JSON(http.StatusBadGateway, gin.H{"code": "EXECUTION_FAILED", "error": err.Error(), "result": res})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"ok": true, "result": res})
}

func (s *Server) symbolAllowed(symbol string) bool {
	for _, sym := range s.Meta.Symbols {
		if sym == symbol {
			return true
		}
	}
	return false
}
