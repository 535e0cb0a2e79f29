package exchange

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/feedmesh/pricefeed/internal/domain"
)

// okxAdapter speaks OKX's public "tickers" channel — a frame-API venue
// like Coinbase, but with an envelope carrying an "arg"/"data" pair.
// Included as the fourth venue the pack's exchange directories all
// reserve a slot for (exchanges/okx, internal/data/venue/okx).
type okxAdapter struct {
	aliases  AliasConfig
	workerID string
}

func NewOKX(aliases AliasConfig, workerID string) Adapter {
	return &okxAdapter{aliases: aliases, workerID: workerID}
}

func (a *okxAdapter) Name() string { return "okx" }

func (a *okxAdapter) UpstreamURL(symbols []string) string {
	return "wss://ws.okx.com:8443/ws/v5/public"
}

func (a *okxAdapter) SubscribeFrame(symbols []string) ([]byte, bool) {
	args := make([]map[string]string, len(symbols))
	for i, s := range symbols {
		args[i] = map[string]string{"channel": "tickers", "instId": okxInstID(s)}
	}
	frame, _ := json.Marshal(map[string]interface{}{
		"op":   "subscribe",
		"args": args,
	})
	return frame, true
}

type okxTickerEnvelope struct {
	Arg  okxArg       `json:"arg"`
	Data []okxTicker  `json:"data"`
}

type okxArg struct {
	Channel string `json:"channel"`
}

type okxTicker struct {
	InstID  string `json:"instId"`
	Last    string `json:"last"`
	Vol24h  string `json:"vol24h"`
	TS      string `json:"ts"`
}

func (a *okxAdapter) Parse(frame []byte) (*domain.Observation, error) {
	var env okxTickerEnvelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Arg.Channel != "tickers" || len(env.Data) == 0 {
		return nil, nil
	}

	t := env.Data[0]
	price, err := decimal.NewFromString(t.Last)
	if err != nil {
		return nil, nil
	}

	ts := time.Now().UTC()
	if t.TS != "" {
		if ms, err := strconv.ParseInt(t.TS, 10, 64); err == nil {
			ts = time.UnixMilli(ms).UTC()
		}
	}

	obs := &domain.Observation{
		Symbol:    a.NormalizeSymbol(t.InstID),
		Price:     price,
		Source:    a.Name(),
		Timestamp: ts,
		WorkerID:  a.workerID,
	}
	if t.Vol24h != "" {
		if vol, err := decimal.NewFromString(t.Vol24h); err == nil {
			obs.Volume = &vol
		}
	}
	return obs, nil
}

// NormalizeSymbol maps OKX's hyphenated "BTC-USD" instrument IDs to
// canonical form.
func (a *okxAdapter) NormalizeSymbol(raw string) string {
	raw = strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(raw)), "-", "/")
	return domain.Canonicalize(raw, a.aliases)
}

func okxInstID(canonical string) string {
	return strings.ReplaceAll(canonical, "/", "-")
}
