package fetcher

import (
	"context"
	"errors"
)

// ErrLookupFailed covers every way a balance lookup can fail: transport
// errors, non-success status codes, and unusable response bodies.
var ErrLookupFailed = errors.New("balance lookup failed")

// BalanceFetcher retrieves the current balance held by an address for an asset.
type BalanceFetcher interface {
	FetchBalance(ctx context.Context, address, asset string) (float64, error)
}
