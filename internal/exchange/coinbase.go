package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// coinbaseAdapter speaks Coinbase's "ticker" channel, a frame-API venue:
// the subscription is a post-handshake JSON frame, and symbols already
// use Coinbase's native "BTC-USD" hyphenated form.
type coinbaseAdapter struct {
	aliases  AliasConfig
	workerID string
}

func NewCoinbase(aliases AliasConfig, workerID string) Adapter {
	return &coinbaseAdapter{aliases: aliases, workerID: workerID}
}

func (a *coinbaseAdapter) Name() string { return "coinbase" }

func (a *coinbaseAdapter) UpstreamURL(symbols []string) string {
	return "wss://ws-feed.exchange.coinbase.com"
}

func (a *coinbaseAdapter) SubscribeFrame(symbols []string) ([]byte, bool) {
	productIDs := make([]string, len(symbols))
	for i, s := range symbols {
		productIDs[i] = coinbaseProductID(s)
	}
	frame, _ := json.Marshal(map[string]interface{}{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"ticker"},
	})
	return frame, true
}

type coinbaseTicker struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Volume24h string `json:"volume_24h"`
	Time      string `json:"time"`
}

func (a *coinbaseAdapter) Parse(frame []byte) (*domain.Observation, error) {
	var t coinbaseTicker
	if err := json.Unmarshal(frame, &t); err != nil || t.Type != "ticker" || t.ProductID == "" {
		return nil, nil
	}

	price, err := decimal.NewFromString(t.Price)
	if err != nil {
		return nil, nil
	}

	ts := time.Now().UTC()
	if t.Time != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, t.Time); err == nil {
			ts = parsed.UTC()
		}
	}

	obs := &domain.Observation{
		Symbol:    a.NormalizeSymbol(t.ProductID),
		Price:     price,
		Source:    a.Name(),
		Timestamp: ts,
		WorkerID:  a.workerID,
	}
	if t.Volume24h != "" {
		if vol, err := decimal.NewFromString(t.Volume24h); err == nil {
			obs.Volume = &vol
		}
	}
	return obs, nil
}

// NormalizeSymbol maps Coinbase's hyphenated "BTC-USD" to canonical
// "BTC/USD" before applying aliases.
func (a *coinbaseAdapter) NormalizeSymbol(raw string) string {
	raw = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "/")
	return domain.Canonicalize(raw, a.aliases)
}

func coinbaseProductID(canonical string) string {
	return strings.ReplaceAll(canonical, "/", "-")
}
