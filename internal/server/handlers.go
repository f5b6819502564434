package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/cardguard/internal/cardstate"
	"github.com/mbd888/cardguard/internal/circuitbreaker"
	"github.com/mbd888/cardguard/internal/fraud"
	"github.com/mbd888/cardguard/internal/geo"
	"github.com/mbd888/cardguard/internal/ingest"
	"github.com/mbd888/cardguard/internal/logging"
	"github.com/mbd888/cardguard/internal/txn"
)

// -----------------------------------------------------------------------------
// Scoring
// -----------------------------------------------------------------------------

// scoreTransaction handles POST /v1/transactions
func (s *Server) scoreTransaction(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Failed to read request body"})
		return
	}
	tx, err := ingest.Decode(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_transaction", "message": err.Error()})
		return
	}

	v, err := s.engine.Evaluate(c.Request.Context(), &tx)
	if err != nil {
		s.writeScoringError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

// batchItem is one entry of a batch response.
type batchItem struct {
	Index   int            `json:"index"`
	Verdict *fraud.Verdict `json:"verdict,omitempty"`
	Error   string         `json:"error,omitempty"`
	Kind    string         `json:"kind,omitempty"`
}

// kindInvalid marks batch items that could not be decoded.
const kindInvalid = "invalid"

// scoreBatch handles POST /v1/transactions/batch. The body is a JSON array of
// transactions. Items fail independently; the response lists one entry per
// input in input order.
func (s *Server) scoreBatch(c *gin.Context) {
	var raw []json.RawMessage
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Body must be a JSON array of transactions"})
		return
	}
	if len(raw) > s.cfg.BatchSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error":   "batch_too_large",
			"message": fmt.Sprintf("At most %d transactions per batch", s.cfg.BatchSize),
		})
		return
	}

	items := make([]batchItem, len(raw))
	txs := make([]txn.Transaction, 0, len(raw))
	positions := make([]int, 0, len(raw))
	for i, r := range raw {
		items[i].Index = i
		tx, err := ingest.Decode(r)
		if err != nil {
			items[i].Error = err.Error()
			items[i].Kind = kindInvalid
			continue
		}
		txs = append(txs, tx)
		positions = append(positions, i)
	}

	var genuine, fraudulent, failed int
	for j, res := range s.engine.EvaluateBatch(c.Request.Context(), txs) {
		item := &items[positions[j]]
		if res.Err != nil {
			item.Error = res.Err.Error()
			item.Kind = fraud.ErrorKind(res.Err)
			continue
		}
		item.Verdict = res.Verdict
		if res.Verdict.Status == txn.StatusFraud {
			fraudulent++
		} else {
			genuine++
		}
	}
	failed = len(raw) - genuine - fraudulent

	c.JSON(http.StatusOK, gin.H{
		"results": items,
		"genuine": genuine,
		"fraud":   fraudulent,
		"failed":  failed,
	})
}

func (s *Server) writeScoringError(c *gin.Context, err error) {
	kind := fraud.ErrorKind(err)
	status := http.StatusInternalServerError
	switch kind {
	case fraud.KindDataQuality:
		status = http.StatusUnprocessableEntity
	case fraud.KindTransient:
		status = http.StatusServiceUnavailable
		c.Header("Retry-After", "1")
	case fraud.KindCanceled:
		status = http.StatusRequestTimeout
	}
	c.JSON(status, gin.H{"error": kind, "message": err.Error()})
}

// -----------------------------------------------------------------------------
// Card state
// -----------------------------------------------------------------------------

func parseCardID(c *gin.Context) (int64, bool) {
	cardID, err := strconv.ParseInt(c.Param("cardId"), 10, 64)
	if err != nil || cardID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_card_id", "message": "cardId must be a positive integer"})
		return 0, false
	}
	return cardID, true
}

// storeContext bounds a direct store call from a handler.
func (s *Server) storeContext(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), s.cfg.StoreTimeout)
}

// getCardState handles GET /v1/cards/:cardId/state
func (s *Server) getCardState(c *gin.Context) {
	cardID, ok := parseCardID(c)
	if !ok {
		return
	}

	ctx, cancel := s.storeContext(c)
	defer cancel()
	st, err := s.states.Get(ctx, cardID)
	switch {
	case errors.Is(err, cardstate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Card has no recorded state"})
	case errors.Is(err, cardstate.ErrMalformedState):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fraud.KindDataQuality, "message": err.Error()})
	case err != nil:
		logging.L(c.Request.Context()).Error("card state read failed", "card_id", cardID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "card_state_unavailable", "message": "Failed to read card state"})
	default:
		c.JSON(http.StatusOK, st)
	}
}

// cardStateRequest is the profiling process's write of one card.
type cardStateRequest struct {
	PostalCode          int              `json:"postalCode"`
	LastTransactionTime string           `json:"lastTransactionTime"`
	TrustScore          *int             `json:"trustScore"`
	UpperControlLimit   *decimal.Decimal `json:"upperControlLimit"`
}

func (r *cardStateRequest) validate() error {
	if r.PostalCode <= 0 {
		return errors.New("postalCode is required")
	}
	if _, err := txn.ParseTimestamp(r.LastTransactionTime); err != nil {
		return fmt.Errorf("lastTransactionTime: %w", err)
	}
	if r.TrustScore == nil || *r.TrustScore < 0 {
		return errors.New("trustScore must be a non-negative integer")
	}
	if r.UpperControlLimit == nil || r.UpperControlLimit.IsNegative() {
		return errors.New("upperControlLimit must be a non-negative amount")
	}
	return nil
}

// putCardState handles PUT /v1/cards/:cardId/state. It replaces the card's
// record and marks it profiled.
func (s *Server) putCardState(c *gin.Context) {
	cardID, ok := parseCardID(c)
	if !ok {
		return
	}

	var req cardStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if err := req.validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_failed", "message": err.Error()})
		return
	}
	if _, err := s.geo.Lookup(req.PostalCode); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fraud.KindDataQuality, "message": err.Error()})
		return
	}

	st := &cardstate.State{
		CardID:              cardID,
		PostalCode:          req.PostalCode,
		LastTransactionDate: req.LastTransactionTime,
		TrustScore:          *req.TrustScore,
		UpperControlLimit:   *req.UpperControlLimit,
		Profiled:            true,
		UpdatedAt:           time.Now().UTC(),
	}

	ctx, cancel := s.storeContext(c)
	defer cancel()
	if err := s.states.Put(ctx, st); err != nil {
		logging.L(c.Request.Context()).Error("card state write failed", "card_id", cardID, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "card_state_unavailable", "message": "Failed to write card state"})
		return
	}
	c.JSON(http.StatusOK, st)
}

// -----------------------------------------------------------------------------
// Reference data
// -----------------------------------------------------------------------------

// geoDistance handles GET /v1/geo/distance?from=&to=
func (s *Server) geoDistance(c *gin.Context) {
	from, errFrom := strconv.Atoi(c.Query("from"))
	to, errTo := strconv.Atoi(c.Query("to"))
	if errFrom != nil || errTo != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "from and to must be postal codes"})
		return
	}

	d, err := s.geo.Distance(from, to)
	if errors.Is(err, geo.ErrUnknownPostalCode) {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown_postal_code", "message": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "distanceKm": d})
}

// reconcile handles POST /v1/reconcile. It runs one repair pass immediately.
func (s *Server) reconcile(c *gin.Context) {
	report, err := s.reconciler.Reconcile(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, report)
}

// -----------------------------------------------------------------------------
// Health
// -----------------------------------------------------------------------------

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Checks    interface{}            `json:"checks"`
	Breakers  map[string]string      `json:"breakers"`
	Stream    map[string]interface{} `json:"stream"`
	Timestamp string                 `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.checks.CheckAll(c.Request.Context())

	breakers := make(map[string]string)
	for store, st := range s.breaker.Snapshot() {
		breakers[store] = st.String()
		if st == circuitbreaker.StateOpen {
			healthy = false
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   Version,
		Checks:    statuses,
		Breakers:  breakers,
		Stream:    s.hub.Stats(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
