// Package exchange implements the per-exchange adapters:
// upstream URL/subscribe-message construction, frame parsing into the
// canonical observation, and symbol normalization, generalized behind
// one interface.
package exchange

import (
	"github.com/feedmesh/pricefeed/internal/domain"
)

// Adapter is the capability set required of every exchange
// integration.
type Adapter interface {
	// Name is the lowercase source identifier written into every
	// observation.
	Name() string

	// UpstreamURL builds the WebSocket URL to dial for the given
	// symbols. Some venues embed their subscription in the URL
	// (stream API); others return a base URL and rely on
	// SubscribeFrame instead.
	UpstreamURL(symbols []string) string

	// SubscribeFrame returns the first frame to send after the
	// handshake, if any. ok is false for stream-API venues that
	// subscribed via the URL already.
	SubscribeFrame(symbols []string) (frame []byte, ok bool)

	// Parse is total over any byte frame received from the upstream:
	// unknown frames yield (nil, nil), never an error.
	Parse(frame []byte) (*domain.Observation, error)

	// NormalizeSymbol deterministically maps a venue-native symbol
	// string to the canonical BASE/QUOTE form, applying the
	// configured alias tables.
	NormalizeSymbol(raw string) string
}

// AliasConfig is the alias configuration every adapter constructor takes,
// resolving spec's Open Question #3 (USDT/USD, XBT/BTC, ...) via explicit
// deployment configuration rather than inference.
type AliasConfig = domain.AliasConfig
