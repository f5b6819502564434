package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/config"
	"github.com/mbd888/cardguard/internal/geo"
	"github.com/mbd888/cardguard/internal/ledger"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/txn"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const referenceCSV = `10001,40.750742,-73.99653,New York,NY
10002,40.71704,-73.987,New York,NY
90001,33.973951,-118.248405,Los Angeles,CA
`

// testConfig returns a minimal config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                "0",
		Env:                 "development",
		LogLevel:            "error",
		StateBackend:        config.BackendMemory,
		BatchSize:           10,
		BatchWindow:         time.Second,
		BatchConcurrency:    4,
		StoreTimeout:        200 * time.Millisecond,
		StoreRetryAttempts:  1,
		StoreRetryBaseDelay: time.Millisecond,
		BreakerThreshold:    100,
		BreakerOpenDuration: time.Minute,
	}
}

// newTestServer creates a server over in-memory stores
func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	idx, err := geo.Load(strings.NewReader(referenceCSV))
	require.NoError(t, err)

	base := []Option{
		WithLogger(logging.Discard()),
		WithGeoIndex(idx),
		WithStateStore(cardstate.NewMemoryStore()),
		WithLedgerStore(ledger.NewMemoryStore()),
	}
	s, err := New(testConfig(), append(base, opts...)...)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

const profiledState = `{"postalCode":10001,"lastTransactionTime":"01-03-2018 08:00:00","trustScore":300,"upperControlLimit":"1000"}`

func txBody(postal int, date, amount string) string {
	b, _ := json.Marshal(map[string]interface{}{
		"card_id":        348702330256514,
		"member_id":      37495066290,
		"amount":         json.Number(amount),
		"pos_id":         248063406800722,
		"postcode":       postal,
		"transaction_dt": date,
	})
	return string(b)
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, Version, body["version"])
	checks := body["checks"].([]interface{})
	require.Len(t, checks, 1)
	assert.Equal(t, "geo", checks[0].(map[string]interface{})["name"])

	w = do(t, s, http.MethodGet, "/health/live", "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code, "not ready until Run")
}

func TestRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "")
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "upstream-id")
	w = httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	assert.Equal(t, "upstream-id", w.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	do(t, s, http.MethodGet, "/health/live", "")

	w := do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cardguard_http_requests_total")
}

func TestScoreTransaction_Genuine(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/cards/348702330256514/state", profiledState).Code)

	w := do(t, s, http.MethodPost, "/v1/transactions", txBody(10002, "01-03-2018 09:00:00", "500"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	v := decode(t, w)
	assert.Equal(t, "GENUINE", v["status"])
	assert.Equal(t, true, v["stateAdvanced"])
	assert.Equal(t, false, v["replayed"])

	w = do(t, s, http.MethodGet, "/v1/cards/348702330256514/state", "")
	require.Equal(t, http.StatusOK, w.Code)
	st := decode(t, w)
	assert.Equal(t, float64(10002), st["postalCode"])
	assert.Equal(t, "01-03-2018 09:00:00", st["lastTransactionTime"])
	assert.Equal(t, float64(300), st["trustScore"], "scoring never rewrites the trust score")
}

func TestScoreTransaction_ImpossibleTravelIsFraud(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/cards/348702330256514/state", profiledState).Code)

	// New York to Los Angeles in ten minutes.
	w := do(t, s, http.MethodPost, "/v1/transactions", txBody(90001, "01-03-2018 08:10:00", "20"))
	require.Equal(t, http.StatusOK, w.Code)
	v := decode(t, w)
	assert.Equal(t, "FRAUD", v["status"])
	assert.Equal(t, false, v["stateAdvanced"])

	st := decode(t, do(t, s, http.MethodGet, "/v1/cards/348702330256514/state", ""))
	assert.Equal(t, float64(10001), st["postalCode"], "fraud does not move the card")
}

func TestScoreTransaction_Replay(t *testing.T) {
	s := newTestServer(t)
	body := txBody(10002, "01-03-2018 09:00:00", "500")

	first := decode(t, do(t, s, http.MethodPost, "/v1/transactions", body))
	second := decode(t, do(t, s, http.MethodPost, "/v1/transactions", body))

	assert.Equal(t, first["status"], second["status"])
	assert.Equal(t, first["recordId"], second["recordId"])
	assert.Equal(t, true, second["replayed"])

	hist := decode(t, do(t, s, http.MethodGet, "/v1/cards/348702330256514/transactions", ""))
	assert.Equal(t, float64(1), hist["count"])
}

func TestScoreTransaction_Errors(t *testing.T) {
	s := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"malformed json", `{"card_id":`, http.StatusBadRequest, "invalid_transaction"},
		{"missing card", `{"transaction_dt":"01-03-2018 09:00:00"}`, http.StatusBadRequest, "invalid_transaction"},
		{"unknown postal code", txBody(99999, "01-03-2018 09:00:00", "5"), http.StatusUnprocessableEntity, "data_quality"},
		{"malformed timestamp", txBody(10001, "2018-03-01T09:00:00Z", "5"), http.StatusUnprocessableEntity, "data_quality"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPost, "/v1/transactions", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
			assert.Equal(t, tt.wantErr, decode(t, w)["error"])
		})
	}
}

// downStore is a card state store whose backend is unreachable.
type downStore struct{}

var errRefused = errors.New("dial tcp 10.0.0.7:6379: connect: connection refused")

func (downStore) Get(context.Context, int64) (*cardstate.State, error) { return nil, errRefused }
func (downStore) Put(context.Context, *cardstate.State) error          { return errRefused }
func (downStore) Advance(context.Context, int64, cardstate.Checkpoint) (bool, error) {
	return false, errRefused
}

func TestScoreTransaction_StoreUnavailable(t *testing.T) {
	s := newTestServer(t, WithStateStore(downStore{}))

	w := do(t, s, http.MethodPost, "/v1/transactions", txBody(10001, "01-03-2018 09:00:00", "5"))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "transient", decode(t, w)["error"])
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	hist := decode(t, do(t, s, http.MethodGet, "/v1/cards/348702330256514/transactions", ""))
	assert.Equal(t, float64(0), hist["count"], "nothing is recorded when state is unreadable")

	w = do(t, s, http.MethodGet, "/v1/cards/348702330256514/state", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestScoreBatch(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/cards/348702330256514/state", profiledState).Code)

	batch := "[" + strings.Join([]string{
		txBody(10002, "01-03-2018 09:00:00", "500"),
		`{"card_id": 0}`,
		txBody(99999, "01-03-2018 09:30:00", "5"),
		txBody(90001, "01-03-2018 09:05:00", "5"),
	}, ",") + "]"

	w := do(t, s, http.MethodPost, "/v1/transactions/batch", batch)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Results []batchItem `json:"results"`
		Genuine int         `json:"genuine"`
		Fraud   int         `json:"fraud"`
		Failed  int         `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 4)
	for i, r := range resp.Results {
		assert.Equal(t, i, r.Index)
	}

	assert.Equal(t, "GENUINE", string(resp.Results[0].Verdict.Status))
	assert.Equal(t, kindInvalid, resp.Results[1].Kind)
	assert.Equal(t, "data_quality", resp.Results[2].Kind)
	// Scored after the 09:00 transaction moved the card to 10002.
	assert.Equal(t, "FRAUD", string(resp.Results[3].Verdict.Status))

	assert.Equal(t, 1, resp.Genuine)
	assert.Equal(t, 1, resp.Fraud)
	assert.Equal(t, 2, resp.Failed)
}

func TestScoreBatch_Limits(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodPost, "/v1/transactions/batch", `{"not":"an array"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	items := make([]string, 11)
	for i := range items {
		items[i] = txBody(10001, "01-03-2018 09:00:00", "1")
	}
	w = do(t, s, http.MethodPost, "/v1/transactions/batch", "["+strings.Join(items, ",")+"]")
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestCardState(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/cards/42/state", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/v1/cards/abc/state", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"valid", profiledState, http.StatusOK},
		{"not json", `nope`, http.StatusBadRequest},
		{"missing score", `{"postalCode":10001,"lastTransactionTime":"01-03-2018 08:00:00","upperControlLimit":"10"}`, http.StatusBadRequest},
		{"bad timestamp", `{"postalCode":10001,"lastTransactionTime":"yesterday","trustScore":1,"upperControlLimit":"10"}`, http.StatusBadRequest},
		{"negative limit", `{"postalCode":10001,"lastTransactionTime":"01-03-2018 08:00:00","trustScore":1,"upperControlLimit":"-1"}`, http.StatusBadRequest},
		{"unknown postal code", `{"postalCode":12345,"lastTransactionTime":"01-03-2018 08:00:00","trustScore":1,"upperControlLimit":"10"}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(t, s, http.MethodPut, "/v1/cards/42/state", tt.body)
			assert.Equal(t, tt.wantCode, w.Code, w.Body.String())
		})
	}

	st := decode(t, do(t, s, http.MethodGet, "/v1/cards/42/state", ""))
	assert.Equal(t, float64(42), st["cardId"])
	assert.Equal(t, true, st["profiled"])
	assert.Equal(t, "1000", st["upperControlLimit"])
}

func TestGeoDistance(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/geo/distance?from=10001&to=10001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode(t, w)["distanceKm"])

	w = do(t, s, http.MethodGet, "/v1/geo/distance?from=10001&to=90001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.InDelta(t, 3940, decode(t, w)["distanceKm"], 40)

	w = do(t, s, http.MethodGet, "/v1/geo/distance?from=10001&to=55555", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodGet, "/v1/geo/distance?from=x", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReconcile_RepairsLaggingCard(t *testing.T) {
	store := ledger.NewMemoryStore()
	s := newTestServer(t, WithLedgerStore(store))
	require.Equal(t, http.StatusOK, do(t, s, http.MethodPut, "/v1/cards/348702330256514/state", profiledState).Code)

	// A verdict that reached the ledger but never advanced the card.
	_, _, err := ledger.New(store).Append(context.Background(), &txn.Transaction{
		CardID:          348702330256514,
		MemberID:        37495066290,
		Amount:          decimal.NewFromInt(75),
		TerminalID:      248063406800722,
		PostalCode:      10002,
		TransactionDate: "01-03-2018 10:00:00",
	}, txn.StatusGenuine)
	require.NoError(t, err)

	w := do(t, s, http.MethodPost, "/v1/reconcile", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	report := decode(t, w)
	assert.Equal(t, []interface{}{float64(348702330256514)}, report["repaired"])

	st := decode(t, do(t, s, http.MethodGet, "/v1/cards/348702330256514/state", ""))
	assert.Equal(t, float64(10002), st["postalCode"])
	assert.Equal(t, float64(300), st["trustScore"])

	report = decode(t, do(t, s, http.MethodPost, "/v1/reconcile", ""))
	assert.Empty(t, report["repaired"])
}

func TestShutdownWithoutRun(t *testing.T) {
	s := newTestServer(t)
	s.shutdownDelay = 0
	assert.NoError(t, s.Shutdown())
}

func TestMaskDSN(t *testing.T) {
	assert.Equal(t, "postgres://app:***@db:5432/cardguard", maskDSN("postgres://app:secret@db:5432/cardguard"))
	assert.Equal(t, "***", maskDSN("://bad"))
}
