package broker

import "context"

// Gateway abstracts the broker for the execution core. All methods take the
// core's canonical symbol form (e.g. "BTC/USDT:USDT").
type Gateway interface {
	// PlaceOrder submits an order and returns the broker order ID.
	// A rejection surfaces as *SubmissionError.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// FetchOrderStatus polls a submitted order. Transient failures surface
	// as *QueryError.
	FetchOrderStatus(ctx context.Context, symbol, orderID string) (OrderReport, error)

	// FetchPosition returns the broker's position record for a symbol.
	FetchPosition(ctx context.Context, symbol string) (Position, error)

	// FetchTicker returns the last traded price for a symbol.
	FetchTicker(ctx context.Context, symbol string) (float64, error)
}

// MarginConfigurer is implemented by venues that need leverage and margin
// mode set up before the first order on a symbol. Both calls are best-effort.
type MarginConfigurer interface {
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol, mode string) error
}
