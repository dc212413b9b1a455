package backtester

import "errors"

// ErrNoData is reported when the price source has no bars for a request.
// Run does not return it; it marks the result with RunStatusNoData instead.
// Callers that treat an empty series as a failure wrap this sentinel.
var ErrNoData = errors.New("no price data found for the given symbol and date range")
