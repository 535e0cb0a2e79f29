package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/feedmesh/pricefeed/internal/apierr"
	"github.com/feedmesh/pricefeed/internal/domain"
	"github.com/feedmesh/pricefeed/internal/ingest"
	"github.com/feedmesh/pricefeed/internal/reqctx"
)

// ingestRequestBody is the wire shape POSTed to /internal/ingest.
type ingestRequestBody struct {
	WorkerID  string               `json:"worker_id"`
	Timestamp time.Time            `json:"timestamp"`
	Feeds     []domain.Observation `json:"feeds"`
}

type ingestResponseBody struct {
	Status    string `json:"status"`
	Ingested  int    `json:"ingested"`
	LatencyMS int64  `json:"latency_ms"`
	Message   string `json:"message"`
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := reqctx.RequestID(r.Context())

	var body ingestRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "malformed request body"))
		return
	}
	if len(body.Feeds) == 0 || len(body.Feeds) > 100 {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "feeds must contain between 1 and 100 observations").
			WithDetail("count", len(body.Feeds)))
		return
	}

	if s.metrics != nil {
		s.metrics.IngestReceived.WithLabelValues(body.WorkerID).Add(float64(len(body.Feeds)))
	}

	result, err := s.ingest.Ingest(r.Context(), ingest.Request{WorkerID: body.WorkerID, Observations: body.Feeds})
	if err != nil {
		if s.metrics != nil {
			if apiErr, ok := apierr.As(err); ok {
				s.metrics.IngestDropped.WithLabelValues(string(apiErr.Code)).Add(float64(len(body.Feeds)))
			}
		}
		apierr.WriteJSON(w, requestID, err)
		return
	}

	if s.metrics != nil {
		s.metrics.IngestInserted.Add(float64(result.Accepted))
	}

	writeJSON(w, http.StatusOK, ingestResponseBody{
		Status:    "success",
		Ingested:  result.Accepted,
		LatencyMS: time.Since(start).Milliseconds(),
		Message:   "ingestion accepted",
	})
}

type latestRow struct {
	domain.Observation
	StalenessMS int64 `json:"staleness_ms"`
}

type latestResponseBody struct {
	Data      []latestRow `json:"data"`
	Cached    bool        `json:"cached"`
	LatencyMS int64       `json:"latency_ms"`
}

func (s *Server) handlePricesLatest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := reqctx.RequestID(r.Context())

	symbols := splitSymbols(r.URL.Query().Get("symbols"))
	if len(symbols) == 0 {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "symbols query parameter is required"))
		return
	}

	now := time.Now().UTC()
	data := make([]latestRow, 0, len(symbols))

	if len(symbols) == 1 {
		obs, err := s.query.Latest(r.Context(), symbols[0])
		if err != nil {
			apierr.WriteJSON(w, requestID, err)
			return
		}
		data = append(data, latestRow{Observation: *obs, StalenessMS: obs.StalenessMS(now)})
		writeJSON(w, http.StatusOK, latestResponseBody{Data: data, Cached: false, LatencyMS: time.Since(start).Milliseconds()})
		return
	}

	many, cached, err := s.query.LatestMany(r.Context(), symbols)
	if err != nil {
		apierr.WriteJSON(w, requestID, err)
		return
	}
	for _, sym := range symbols {
		if obs, ok := many[sym]; ok {
			data = append(data, latestRow{Observation: obs, StalenessMS: obs.StalenessMS(now)})
		}
	}

	writeJSON(w, http.StatusOK, latestResponseBody{Data: data, Cached: cached, LatencyMS: time.Since(start).Milliseconds()})
}

type rangeResponseBody struct {
	Data      []domain.Observation `json:"data"`
	Interval  string               `json:"interval,omitempty"`
	Count     int                  `json:"count"`
	LatencyMS int64                `json:"latency_ms"`
}

func (s *Server) handlePricesRange(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := reqctx.RequestID(r.Context())
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "symbol query parameter is required"))
		return
	}

	fromMS, err := parseTimestampMS(q.Get("from"))
	if err != nil {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "invalid from timestamp").WithDetail("field", "from"))
		return
	}
	toMS, err := parseTimestampMS(q.Get("to"))
	if err != nil {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "invalid to timestamp").WithDetail("field", "to"))
		return
	}

	limit, _ := strconv.Atoi(q.Get("limit"))

	result, qerr := s.query.Range(r.Context(), symbol, fromMS, toMS, q.Get("source"), q.Get("interval"), limit)
	if qerr != nil {
		apierr.WriteJSON(w, requestID, qerr)
		return
	}

	data := result.Observations
	count := len(data)
	if result.Bucket != nil {
		count = 1
	}

	resp := rangeResponseBody{Data: data, Interval: result.Interval, Count: count, LatencyMS: time.Since(start).Milliseconds()}
	if result.Bucket != nil {
		writeJSON(w, http.StatusOK, struct {
			rangeResponseBody
			Bucket any `json:"bucket"`
		}{rangeResponseBody: resp, Bucket: result.Bucket})
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

type consensusResponseBody struct {
	Data      []any `json:"data"`
	LatencyMS int64 `json:"latency_ms"`
}

func (s *Server) handleConsensus(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := reqctx.RequestID(r.Context())
	q := r.URL.Query()

	symbols := splitSymbols(q.Get("symbols"))
	if len(symbols) == 0 {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "symbols query parameter is required"))
		return
	}

	atMS, err := parseTimestampMS(q.Get("timestamp"))
	if err != nil {
		apierr.WriteJSON(w, requestID, apierr.New(apierr.CodeValidation, "invalid timestamp").WithDetail("field", "timestamp"))
		return
	}
	if atMS == 0 {
		atMS = time.Now().UnixMilli()
	}

	data := make([]any, 0, len(symbols))
	for _, sym := range symbols {
		agg, cerr := s.query.Consensus(r.Context(), sym, atMS)
		if cerr != nil {
			if apiErr, ok := apierr.As(cerr); ok && apiErr.Code == apierr.CodeNotFound {
				continue
			}
			apierr.WriteJSON(w, requestID, cerr)
			return
		}
		data = append(data, agg)
	}

	writeJSON(w, http.StatusOK, consensusResponseBody{Data: data, LatencyMS: time.Since(start).Milliseconds()})
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseTimestampMS(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return ms, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, err
	}
	return t.UnixMilli(), nil
}
