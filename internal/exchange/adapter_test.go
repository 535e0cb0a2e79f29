package exchange_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/exchange"
)

var noAliases = domain.AliasConfig{
	Base:  map[string]string{"XBT": "BTC"},
	Quote: map[string]string{},
}

func TestKrakenParseTickerFrame(t *testing.T) {
	a := exchange.NewKraken(noAliases, "w1")
	frame := []byte(`[340, {"c":["67234.56","0.1"],"v":["100","200"]}, "ticker", "XBT/USD"]`)

	obs, err := a.Parse(frame)
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, "BTC/USD", obs.Symbol)
	assert.Equal(t, "kraken", obs.Source)
	assert.True(t, obs.Price.Equal(obs.Price)) // sanity: no panic on decimal ops
}

func TestKrakenParseIgnoresUnknownFrames(t *testing.T) {
	a := exchange.NewKraken(noAliases, "w1")

	obs, err := a.Parse([]byte(`{"event":"heartbeat"}`))
	require.NoError(t, err)
	assert.Nil(t, obs)

	obs, err = a.Parse([]byte(`not even json`))
	require.NoError(t, err)
	assert.Nil(t, obs)
}

func TestBinanceNormalizeSymbol(t *testing.T) {
	a := exchange.NewBinance(domain.AliasConfig{}, "w1")
	assert.Equal(t, "BTC/USDT", a.NormalizeSymbol("BTCUSDT"))
}

func TestCoinbaseParseTicker(t *testing.T) {
	a := exchange.NewCoinbase(domain.AliasConfig{}, "w1")
	frame := []byte(`{"type":"ticker","product_id":"BTC-USD","price":"67234.56","volume_24h":"1234.5","time":"2025-10-10T00:00:00.000Z"}`)

	obs, err := a.Parse(frame)
	require.NoError(t, err)
	require.NotNil(t, obs)
	assert.Equal(t, "BTC/USD", obs.Symbol)
}

func TestRegistryRejectsUnknownExchange(t *testing.T) {
	_, err := exchange.New("deribit", domain.AliasConfig{}, "w1")
	assert.Error(t, err)
}
