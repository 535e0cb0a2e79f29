package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// binanceAdapter speaks Binance's combined bookTicker stream, a
// stream-API venue: subscription is embedded in the URL, so
// SubscribeFrame returns nothing to send. Grounded on
// internal/data/ws/binance.go's BinanceBookTicker shape.
type binanceAdapter struct {
	aliases  AliasConfig
	workerID string
}

func NewBinance(aliases AliasConfig, workerID string) Adapter {
	return &binanceAdapter{aliases: aliases, workerID: workerID}
}

func (a *binanceAdapter) Name() string { return "binance" }

func (a *binanceAdapter) UpstreamURL(symbols []string) string {
	streams := make([]string, len(symbols))
	for i, s := range symbols {
		streams[i] = binanceStream(s)
	}
	return "wss://stream.binance.com:9443/stream?streams=" + strings.Join(streams, "/")
}

func (a *binanceAdapter) SubscribeFrame(symbols []string) ([]byte, bool) {
	return nil, false
}

// bookTicker decodes the book ticker stream payload: short JSON keys
// straight off the wire.
type bookTicker struct {
	Symbol   string `json:"s"`
	BidPrice string `json:"b"`
	AskPrice string `json:"a"`
}

type streamEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (a *binanceAdapter) Parse(frame []byte) (*domain.Observation, error) {
	var env streamEnvelope
	payload := frame
	if err := json.Unmarshal(frame, &env); err == nil && len(env.Data) > 0 {
		payload = env.Data
	}

	var t bookTicker
	if err := json.Unmarshal(payload, &t); err != nil || t.Symbol == "" {
		return nil, nil
	}

	bid, err := decimal.NewFromString(t.BidPrice)
	if err != nil {
		return nil, nil
	}
	ask, err := decimal.NewFromString(t.AskPrice)
	if err != nil {
		return nil, nil
	}
	mid := bid.Add(ask).Div(decimal.NewFromInt(2))

	return &domain.Observation{
		Symbol:    a.NormalizeSymbol(t.Symbol),
		Price:     mid,
		Source:    a.Name(),
		Timestamp: time.Now().UTC(),
		WorkerID:  a.workerID,
	}, nil
}

// NormalizeSymbol maps Binance's concatenated "BTCUSDT" form to
// canonical BASE/QUOTE, splitting on a fixed list of quote-asset
// suffixes (USDT, USDC, USD, EUR, BTC) before applying aliases.
func (a *binanceAdapter) NormalizeSymbol(raw string) string {
	raw = strings.ToUpper(strings.TrimSpace(raw))
	for _, quote := range []string{"USDT", "USDC", "USD", "EUR", "BTC"} {
		if strings.HasSuffix(raw, quote) && len(raw) > len(quote) {
			base := raw[:len(raw)-len(quote)]
			return domain.Canonicalize(base+"/"+quote, a.aliases)
		}
	}
	return domain.Canonicalize(raw, a.aliases)
}

func binanceStream(canonical string) string {
	parts := strings.SplitN(canonical, "/", 2)
	if len(parts) != 2 {
		return strings.ToLower(canonical) + "@bookTicker"
	}
	return strings.ToLower(parts[0]+parts[1]) + "@bookTicker"
}
