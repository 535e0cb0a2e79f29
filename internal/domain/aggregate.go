package domain

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// AggregatedPrice is the consensus estimate for a (symbol, window) tuple.
type AggregatedPrice struct {
	Symbol      string           `json:"symbol"`
	Price       decimal.Decimal  `json:"price"`
	Median      decimal.Decimal  `json:"median"`
	Mean        decimal.Decimal  `json:"mean"`
	StdDev      *decimal.Decimal `json:"std_dev"`
	NumSources  int              `json:"num_sources"`
	Timestamp   time.Time        `json:"timestamp"`
	Sources     []string         `json:"sources"`
}

// Aggregate computes the consensus price across every row in obs (a
// source may contribute several rows; num_sources counts distinct ones):
//   - median = 50th percentile via linear interpolation
//   - price  = median
//   - mean   = arithmetic mean
//   - std_dev = sample standard deviation, nil if fewer than 2 sources
//
// obs must be non-empty; callers omit symbols with zero rows entirely
// rather than calling Aggregate.
func Aggregate(symbol string, obs []Observation) AggregatedPrice {
	prices := make([]float64, len(obs))
	sourceSet := make(map[string]struct{}, len(obs))
	latest := obs[0].Timestamp

	for i, o := range obs {
		f, _ := o.Price.Float64()
		prices[i] = f
		sourceSet[o.Source] = struct{}{}
		if o.Timestamp.After(latest) {
			latest = o.Timestamp
		}
	}

	sorted := append([]float64(nil), prices...)
	sort.Float64s(sorted)
	median := percentile50(sorted)

	mean := 0.0
	for _, p := range prices {
		mean += p
	}
	mean /= float64(len(prices))

	sources := make([]string, 0, len(sourceSet))
	for s := range sourceSet {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	agg := AggregatedPrice{
		Symbol:     symbol,
		Price:      decimal.NewFromFloat(median),
		Median:     decimal.NewFromFloat(median),
		Mean:       decimal.NewFromFloat(mean),
		NumSources: len(sources),
		Timestamp:  latest,
		Sources:    sources,
	}

	if len(sources) >= 2 {
		sd := sampleStdDev(prices, mean)
		d := decimal.NewFromFloat(sd)
		agg.StdDev = &d
	}

	return agg
}

// percentile50 returns the linear-interpolated median of an already
// ascending-sorted slice.
func percentile50(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return sorted[0]
	}
	mid := float64(n-1) * 0.5
	lo := int(math.Floor(mid))
	hi := int(math.Ceil(mid))
	if lo == hi {
		return sorted[lo]
	}
	frac := mid - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

// sampleStdDev computes the sample (n-1 denominator) standard deviation.
func sampleStdDev(values []float64, mean float64) float64 {
	if len(values) < 2 {
		return 0
	}
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

// OHLCV is the open/high/low/close/volume rollup.
type OHLCV struct {
	Symbol    string          `json:"symbol"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	NumFeeds  int             `json:"num_feeds"`
	Timestamp time.Time       `json:"timestamp"`
}

// ComputeOHLCV derives an OHLCV rollup from a time-ordered (any order)
// slice of observations within a single window:
// `stats`: open = earliest price, close = latest price, high/low =
// extremes, volume = sum of non-nil volumes.
func ComputeOHLCV(symbol string, obs []Observation) *OHLCV {
	if len(obs) == 0 {
		return nil
	}

	earliest, latest := obs[0], obs[0]
	high, low := obs[0].Price, obs[0].Price
	volume := decimal.Zero

	for _, o := range obs {
		if o.Timestamp.Before(earliest.Timestamp) {
			earliest = o
		}
		if o.Timestamp.After(latest.Timestamp) {
			latest = o
		}
		if o.Price.GreaterThan(high) {
			high = o.Price
		}
		if o.Price.LessThan(low) {
			low = o.Price
		}
		if o.Volume != nil {
			volume = volume.Add(*o.Volume)
		}
	}

	return &OHLCV{
		Symbol:    symbol,
		Open:      earliest.Price,
		High:      high,
		Low:       low,
		Close:     latest.Price,
		Volume:    volume,
		NumFeeds:  len(obs),
		Timestamp: latest.Timestamp,
	}
}
