// Package okx implements broker.Gateway against the OKX v5 REST API for
// USDT-margined perpetual swaps.
package okx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"execution-core/pkg/broker"
	"execution-core/pkg/cache"
)

// tickerTTL bounds how stale a cached last price may be before the REST
// endpoint is hit again. Trailing evaluation for many symbols in one tick
// shares the cache.
const tickerTTL = time.Second

// Config holds OKX API credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Simulated  bool // demo trading endpoint flag
}

// Client is a signed OKX v5 REST client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	prices     *cache.ShardedPriceCache
}

// NewClient creates an OKX swap client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg:        cfg,
		baseURL:    "https://www.okx.com",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		// OKX trade endpoints allow 60 req/2s per instrument; stay well under.
		limiter: rate.NewLimiter(rate.Limit(10), 20),
		prices:  cache.NewShardedPriceCache(),
	}
}

// instID converts the canonical "BTC/USDT:USDT" form to OKX "BTC-USDT-SWAP".
func instID(symbol string) string {
	s := symbol
	if i := strings.Index(s, ":"); i >= 0 {
		s = s[:i]
	}
	s = strings.ReplaceAll(s, "/", "-")
	if !strings.HasSuffix(s, "-SWAP") {
		s += "-SWAP"
	}
	return s
}

// PlaceOrder submits a market order.
func (c *Client) PlaceOrder(ctx context.Context, req broker.OrderRequest) (string, error) {
	body := map[string]string{
		"instId":  instID(req.Symbol),
		"tdMode":  "cross",
		"side":    strings.ToLower(string(req.Side)),
		"ordType": "market",
		"sz":      formatFloat(req.Qty),
	}
	if req.PosSide != "" {
		body["posSide"] = req.PosSide
	}
	if req.ReduceOnly {
		body["reduceOnly"] = "true"
	}
	if req.ClientOrderID != "" {
		body["clOrdId"] = sanitizeClientID(req.ClientOrderID)
	}

	var out struct {
		Data []struct {
			OrdID string `json:"ordId"`
			SCode string `json:"sCode"`
			SMsg  string `json:"sMsg"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/v5/trade/order", body, &out); err != nil {
		return "", &broker.SubmissionError{Symbol: req.Symbol, Reason: "submit failed", Err: err}
	}
	if len(out.Data) == 0 {
		return "", &broker.SubmissionError{Symbol: req.Symbol, Reason: "empty order response"}
	}
	d := out.Data[0]
	if d.SCode != "" && d.SCode != "0" {
		return "", &broker.SubmissionError{Symbol: req.Symbol, Reason: fmt.Sprintf("sCode %s: %s", d.SCode, d.SMsg)}
	}
	return d.OrdID, nil
}

// FetchOrderStatus reads the current state of a submitted order.
func (c *Client) FetchOrderStatus(ctx context.Context, symbol, orderID string) (broker.OrderReport, error) {
	path := "/api/v5/trade/order?instId=" + instID(symbol) + "&ordId=" + orderID

	var out struct {
		Data []struct {
			OrdID     string `json:"ordId"`
			State     string `json:"state"`
			AccFillSz string `json:"accFillSz"`
			AvgPx     string `json:"avgPx"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return broker.OrderReport{}, &broker.QueryError{Op: "order status", Err: err}
	}
	if len(out.Data) == 0 {
		return broker.OrderReport{OrderID: orderID, Status: broker.StatusUnknown}, nil
	}
	d := out.Data[0]
	return broker.OrderReport{
		OrderID:      d.OrdID,
		Status:       mapOrderState(d.State),
		FilledQty:    parseFloat(d.AccFillSz),
		AvgFillPrice: parseFloat(d.AvgPx),
	}, nil
}

// FetchPosition returns the swap position for one symbol. A symbol with no
// open position comes back flat.
func (c *Client) FetchPosition(ctx context.Context, symbol string) (broker.Position, error) {
	path := "/api/v5/account/positions?instType=SWAP&instId=" + instID(symbol)

	var out struct {
		Data []struct {
			InstID  string `json:"instId"`
			PosSide string `json:"posSide"`
			Pos     string `json:"pos"`
			AvgPx   string `json:"avgPx"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return broker.Position{}, &broker.QueryError{Op: "positions", Err: err}
	}

	for _, d := range out.Data {
		qty := parseFloat(d.Pos)
		if qty == 0 {
			continue
		}
		side := "LONG"
		switch strings.ToLower(d.PosSide) {
		case "short":
			side = "SHORT"
		case "long":
			side = "LONG"
		default: // net mode: sign of pos decides
			if qty < 0 {
				side = "SHORT"
			}
		}
		if qty < 0 {
			qty = -qty
		}
		return broker.Position{
			Symbol:     symbol,
			Side:       side,
			Qty:        qty,
			EntryPrice: parseFloat(d.AvgPx),
		}, nil
	}
	return broker.Position{Symbol: symbol}, nil
}

// FetchTicker returns the last traded price, serving recent requests from
// the local cache.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (float64, error) {
	if price, age, ok := c.prices.GetWithAge(symbol); ok && age < tickerTTL {
		return price, nil
	}

	path := "/api/v5/market/ticker?instId=" + instID(symbol)

	var out struct {
		Data []struct {
			Last string `json:"last"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return 0, &broker.QueryError{Op: "ticker", Err: err}
	}
	if len(out.Data) == 0 {
		return 0, &broker.QueryError{Op: "ticker", Err: fmt.Errorf("no ticker data for %s", symbol)}
	}
	last := parseFloat(out.Data[0].Last)
	if last <= 0 {
		return 0, &broker.QueryError{Op: "ticker", Err: fmt.Errorf("invalid last price %q", out.Data[0].Last)}
	}
	c.prices.Set(symbol, last)
	return last, nil
}

// SetLeverage configures leverage for a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	body := map[string]string{
		"instId":  instID(symbol),
		"lever":   strconv.Itoa(leverage),
		"mgnMode": "cross",
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, nil)
}

// SetMarginMode switches between cross and isolated margin.
func (c *Client) SetMarginMode(ctx context.Context, symbol, mode string) error {
	body := map[string]string{
		"instId":  instID(symbol),
		"lever":   "1",
		"mgnMode": mode,
	}
	return c.do(ctx, http.MethodPost, "/api/v5/account/set-leverage", body, nil)
}

// do performs a signed request and decodes the envelope, enforcing the OKX
// top-level code field.
func (c *Client) do(ctx context.Context, method, path string, body map[string]string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	req.Header.Set("OK-ACCESS-KEY", c.cfg.APIKey)
	req.Header.Set("OK-ACCESS-SIGN", sign(ts+method+path+string(payload), c.cfg.APISecret))
	req.Header.Set("OK-ACCESS-TIMESTAMP", ts)
	req.Header.Set("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Simulated {
		req.Header.Set("x-simulated-trading", "1")
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	raw, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("okx %s %s status %d: %s", method, path, res.StatusCode, string(raw))
	}

	var envelope struct {
		Code string `json:"code"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("okx %s %s: decode envelope: %w", method, path, err)
	}
	if envelope.Code != "0" {
		return fmt.Errorf("okx %s %s code %s: %s", method, path, envelope.Code, envelope.Msg)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("okx %s %s: decode body: %w", method, path, err)
		}
	}
	return nil
}

func sign(message, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func mapOrderState(state string) broker.OrderStatus {
	switch state {
	case "filled":
		return broker.StatusFilled
	case "partially_filled":
		return broker.StatusPartiallyFilled
	case "live":
		return broker.StatusSubmitted
	case "canceled", "mmp_canceled":
		return broker.StatusFailed
	default:
		return broker.StatusUnknown
	}
}

// sanitizeClientID strips characters OKX rejects in clOrdId (alphanumeric,
// max 32 chars).
func sanitizeClientID(id string) string {
	var b strings.Builder
	for _, r := range id {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > 32 {
		s = s[:32]
	}
	return s
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
