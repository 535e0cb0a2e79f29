package exchange

import "fmt"

// New constructs the named adapter. Supports coinbase, binance, and
// kraken as baseline venues, plus okx as this service's extra venue.
func New(name string, aliases AliasConfig, workerID string) (Adapter, error) {
	switch name {
	case "coinbase":
		return NewCoinbase(aliases, workerID), nil
	case "binance":
		return NewBinance(aliases, workerID), nil
	case "kraken":
		return NewKraken(aliases, workerID), nil
	case "okx":
		return NewOKX(aliases, workerID), nil
	default:
		return nil, fmt.Errorf("unknown exchange adapter: %q", name)
	}
}
