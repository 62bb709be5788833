package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"predictioncore/internal/apperr"
	"predictioncore/internal/order"
	"predictioncore/internal/pricing"
	"predictioncore/pkg/db"
)

type submitOrderRequest struct {
	MarketID string  `json:"marketId" binding:"required"`
	Outcome  string  `json:"outcome" binding:"required,oneof=YES NO yes no"`
	Quantity float64 `json:"quantity" binding:"required,gt=0"`
	Nonce    string  `json:"nonce"`
}

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// statusForKind maps the apperr taxonomy onto HTTP statuses.
func statusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.ValidationFailed, apperr.InvalidAmount, apperr.ArithmeticError:
		return http.StatusBadRequest
	case apperr.MarketNotFound:
		return http.StatusNotFound
	case apperr.InsufficientBalance:
		return http.StatusUnprocessableEntity
	case apperr.NotAuthorized:
		return http.StatusForbidden
	case apperr.NotActive, apperr.IllegalTransition:
		return http.StatusConflict
	case apperr.RaceLost:
		return http.StatusConflict
	case apperr.RateLimited:
		return http.StatusTooManyRequests
	case apperr.DuplicateNonce:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

// respondOrderError maps an error returned by the executor/dispatcher
// onto the right HTTP status and body, attaching validator reasons
// when present.
func respondOrderError(c *gin.Context, err error) {
	var ae *apperr.Error
	if !errors.As(err, &ae) {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	status := statusForKind(ae.Kind)
	body := gin.H{
		"code":  string(ae.Kind),
		"error": ae.Error(),
	}
	if len(ae.Reasons) > 0 {
		body["reasons"] = ae.Reasons
	}
	c.JSON(status, body)
}

func orderResponse(o *order.Order) gin.H {
	resp := gin.H{
		"id":              o.ID,
		"nonce":           o.Nonce,
		"userId":          o.UserID,
		"marketId":        o.MarketID,
		"outcome":         o.Outcome,
		"quantity":        o.Quantity,
		"filledQuantity":  o.FilledQuantity,
		"cost":            o.Cost,
		"status":          o.Status,
		"rejectionReason": o.RejectionReason,
		"createdAt":       o.CreatedAt,
		"updatedAt":       o.UpdatedAt,
	}
	if o.CompletedAt != nil {
		resp["completedAt"] = *o.CompletedAt
	}
	return resp
}

// submitOrder forwards a trade request to the owning market's
// dispatcher lane and blocks until it is fully validated and executed
// (or rejected).
func (s *Server) submitOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var req submitOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request payload")
		return
	}

	tradeReq := order.TradeRequest{
		UserID:      userID,
		MarketID:    req.MarketID,
		Outcome:     pricing.Outcome(strings.ToUpper(req.Outcome)),
		Quantity:    req.Quantity,
		ClientNonce: req.Nonce,
	}

	o, err := s.Dispatcher.Submit(c.Request.Context(), tradeReq)
	if err != nil {
		if s.Metrics != nil {
			s.Metrics.IncrementAPIErrors()
		}
		respondOrderError(c, err)
		return
	}
	if s.Metrics != nil {
		switch o.Status {
		case "FILLED":
			s.Metrics.IncrementOrdersFilled()
		case "REJECTED":
			s.Metrics.IncrementOrdersRejected()
		}
	}

	status := http.StatusCreated
	if o.Status == "REJECTED" {
		status = http.StatusUnprocessableEntity
	}
	c.JSON(status, orderResponse(o))
}

// cancelOrder cancels an OPEN or PARTIAL order owned by the caller.
func (s *Server) cancelOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}
	orderID := c.Param("id")

	o, err := s.Dispatcher.Cancel(c.Request.Context(), orderID, userID)
	if err != nil {
		respondOrderError(c, err)
		return
	}
	if s.Metrics != nil {
		s.Metrics.IncrementOrdersCancelled()
	}
	c.JSON(http.StatusOK, orderResponse(o))
}

// getOrder returns one of the caller's own orders by id.
func (s *Server) getOrder(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	row, err := s.DB.Queries().GetOrderByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if row == nil || row.UserID != userID {
		respondError(c, http.StatusNotFound, "NOT_FOUND", "order not found")
		return
	}
	c.JSON(http.StatusOK, dbOrderResponse(*row))
}

// dbOrderResponse renders a persisted order row for JSON responses,
// unwrapping the nullable rejectionReason/completedAt columns.
func dbOrderResponse(row db.Order) gin.H {
	resp := gin.H{
		"id":             row.ID,
		"nonce":          row.Nonce,
		"userId":         row.UserID,
		"marketId":       row.MarketID,
		"outcome":        row.Outcome,
		"quantity":       row.Quantity,
		"filledQuantity": row.FilledQuantity,
		"cost":           row.Cost,
		"status":         row.Status,
		"createdAt":      row.CreatedAt,
		"updatedAt":      row.UpdatedAt,
	}
	if row.RejectionReason.Valid {
		resp["rejectionReason"] = row.RejectionReason.String
	}
	if row.CompletedAt.Valid {
		resp["completedAt"] = row.CompletedAt.Time
	}
	return resp
}

// getOrders returns the authenticated user's orders, most recent first.
func (s *Server) getOrders(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	orders, err := s.DB.Queries().GetOrdersByUser(c.Request.Context(), userID, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	resp := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, dbOrderResponse(o))
	}
	c.Header("X-Result-Limit", strconv.Itoa(q.Limit))
	c.JSON(http.StatusOK, resp)
}

// getPositions returns current positions for the authenticated user,
// read from durable storage rather than the hot in-memory cache so a
// position that hasn't been touched since process start still shows up.
func (s *Server) getPositions(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	positions, err := s.DB.Queries().ListPositionsByUser(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, positions)
}

// getBalance returns the authenticated user's current ledger-derived balance.
func (s *Server) getBalance(c *gin.Context) {
	userID := CurrentUserID(c)
	if userID == "" {
		respondError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "user not authenticated")
		return
	}

	bal, err := s.Balances.Balance(c.Request.Context(), userID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "BALANCE_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "balance": bal})
}

// getMarket returns the current LMSR pool state and price for a market. Unauthenticated.
func (s *Server) getMarket(c *gin.Context) {
	marketID := c.Param("id")
	state, err := s.Markets.GetMarketOrLoad(c.Request.Context(), marketID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "MARKET_NOT_FOUND", "market not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "DB_ERROR", err.Error())
		return
	}
	if state == nil {
		respondError(c, http.StatusNotFound, "MARKET_NOT_FOUND", "market not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"marketId":     marketID,
		"question":     state.Question,
		"status":       state.Status,
		"yesShares":    state.Shares.Yes,
		"noShares":     state.Shares.No,
		"liquidityB":   state.Shares.LiquidityB,
		"currentPrice": state.Shares.CurrentPrice(),
	})
}

// getMetrics returns the raw metrics snapshot as JSON.
func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not available")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

// getPromMetrics returns a minimal Prometheus text exposition of key metrics.
func (s *Server) getPromMetrics(c *gin.Context) {
	if s.Metrics == nil {
		c.String(http.StatusServiceUnavailable, "# metrics not available\n")
		return
	}
	snapshot := s.Metrics.GetSnapshot()

	var b strings.Builder
	writeCounter := func(name string, v uint64) {
		b.WriteString(name)
		b.WriteByte(' ')
		b.WriteString(strconv.FormatUint(v, 10))
		b.WriteByte('\n')
	}
	writeCounter("predictioncore_api_requests_total", snapshot.APIRequests)
	writeCounter("predictioncore_api_errors_total", snapshot.APIErrors)
	writeCounter("predictioncore_orders_filled_total", snapshot.OrdersFilled)
	writeCounter("predictioncore_orders_rejected_total", snapshot.OrdersRejected)
	writeCounter("predictioncore_orders_cancelled_total", snapshot.OrdersCancelled)
	writeCounter("predictioncore_race_losses_total", snapshot.RaceLosses)

	if snapshot.APILatency.Count > 0 {
		b.WriteString("predictioncore_api_latency_ms_p50 ")
		b.WriteString(strconv.FormatFloat(snapshot.APILatency.P50, 'f', 3, 64))
		b.WriteString("\npredictioncore_api_latency_ms_p95 ")
		b.WriteString(strconv.FormatFloat(snapshot.APILatency.P95, 'f', 3, 64))
		b.WriteString("\npredictioncore_api_latency_ms_p99 ")
		b.WriteString(strconv.FormatFloat(snapshot.APILatency.P99, 'f', 3, 64))
		b.WriteByte('\n')
	}
	b.WriteString("predictioncore_goroutines ")
	b.WriteString(strconv.Itoa(snapshot.GoroutineCount))
	b.WriteByte('\n')
	b.WriteString("predictioncore_heap_alloc_bytes ")
	b.WriteString(strconv.FormatUint(snapshot.HeapAlloc, 10))
	b.WriteByte('\n')

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.String(http.StatusOK, b.String())
}
