package exchange

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// krakenAdapter speaks Kraken's public ticker feed, whose frames arrive
// as heterogeneous JSON arrays: [channelID, data, channelName, pair].
// Parsing shape grounded on
// internal/infrastructure/websocket/normalizers.go's normalizeKrakenTick.
type krakenAdapter struct {
	aliases  AliasConfig
	workerID string
}

// NewKraken builds the Kraken adapter. workerID identifies the collector
// instance producing observations (audit only, never enforced as a gate).
func NewKraken(aliases AliasConfig, workerID string) Adapter {
	return &krakenAdapter{aliases: aliases, workerID: workerID}
}

func (a *krakenAdapter) Name() string { return "kraken" }

func (a *krakenAdapter) UpstreamURL(symbols []string) string {
	return "wss://ws.kraken.com"
}

func (a *krakenAdapter) SubscribeFrame(symbols []string) ([]byte, bool) {
	pairs := make([]string, len(symbols))
	for i, s := range symbols {
		pairs[i] = krakenPair(s)
	}
	frame, _ := json.Marshal(map[string]interface{}{
		"event": "subscribe",
		"pair":  pairs,
		"subscription": map[string]interface{}{
			"name": "ticker",
		},
	})
	return frame, true
}

// krakenTickerData decodes the ticker payload's close and volume
// arrays of string-encoded decimals.
type krakenTickerData struct {
	Close  []string `json:"c"`
	Volume []string `json:"v"`
}

func (a *krakenAdapter) Parse(frame []byte) (*domain.Observation, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(frame, &raw); err != nil {
		return nil, nil // not an array frame; total over any input
	}
	if len(raw) < 4 {
		return nil, nil
	}

	var channelName string
	if err := json.Unmarshal(raw[2], &channelName); err != nil || channelName != "ticker" {
		return nil, nil
	}

	var pair string
	if err := json.Unmarshal(raw[3], &pair); err != nil {
		return nil, nil
	}

	var data krakenTickerData
	if err := json.Unmarshal(raw[1], &data); err != nil {
		return nil, nil
	}
	if len(data.Close) == 0 {
		return nil, nil
	}

	price, err := decimal.NewFromString(data.Close[0])
	if err != nil {
		return nil, nil
	}

	obs := &domain.Observation{
		Symbol:    a.NormalizeSymbol(pair),
		Price:     price,
		Source:    a.Name(),
		Timestamp: time.Now().UTC(),
		WorkerID:  a.workerID,
	}

	if len(data.Volume) > 1 {
		if vol, err := decimal.NewFromString(data.Volume[1]); err == nil {
			obs.Volume = &vol
		}
	}

	return obs, nil
}

// NormalizeSymbol maps Kraken's "XBT/USD" style pairs to canonical form,
// applying configured base/quote aliases (e.g. XBT -> BTC).
func (a *krakenAdapter) NormalizeSymbol(raw string) string {
	return domain.Canonicalize(raw, a.aliases)
}

// krakenPair renders a canonical BASE/QUOTE symbol back into Kraken's
// subscription wire form, which is identical to ours (BASE/QUOTE), modulo
// whatever venue-native spelling the alias table reverses implicitly.
func krakenPair(canonical string) string {
	return strings.ToUpper(canonical)
}
