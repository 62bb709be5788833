package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"predictioncore/internal/balance"
	"predictioncore/internal/dispatcher"
	"predictioncore/internal/events"
	"predictioncore/internal/ledger"
	"predictioncore/internal/market"
	"predictioncore/internal/money"
	"predictioncore/internal/monitor"
	"predictioncore/internal/position"
	"predictioncore/internal/ratelimit"
	"predictioncore/pkg/db"
)

// Server wires HTTP endpoints around the trade-execution core.
type Server struct {
	Router *gin.Engine
	Bus    *events.Bus
	DB     *db.Database

	Dispatcher *dispatcher.Dispatcher
	Ledger     *ledger.Ledger
	Balances   *balance.Service
	Markets    *market.Store
	Positions  *position.Store
	RateLimit  *ratelimit.Limiter

	Metrics *monitor.SystemMetrics

	// StartingBalance is credited to a user's ledger as a DEPOSIT the
	// moment they register, so a fresh account can submit its first
	// order without a separate funding step.
	StartingBalance money.Money

	JWTSecret string
	Meta      SystemMeta
}

// SystemMeta describes runtime status exposed to the UI.
type SystemMeta struct {
	Version     string
	StartedAt   time.Time
}

// NewServer wires the gin middleware stack and routes for the
// prediction-market trade-execution core.
func NewServer(
	bus *events.Bus,
	database *db.Database,
	dsp *dispatcher.Dispatcher,
	l *ledger.Ledger,
	balances *balance.Service,
	markets *market.Store,
	positions *position.Store,
	limiter *ratelimit.Limiter,
	metrics *monitor.SystemMetrics,
	meta SystemMeta,
	jwtSecret string,
	startingBalance money.Money,
) *Server {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(metrics))
	r.Use(IPRateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:          r,
		Bus:             bus,
		DB:              database,
		Dispatcher:      dsp,
		Ledger:          l,
		Balances:        balances,
		Markets:         markets,
		Positions:       positions,
		RateLimit:       limiter,
		Metrics:         metrics,
		StartingBalance: startingBalance,
		JWTSecret:       jwtSecret,
		Meta:            meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api/v1")
	{
		api.GET("/metrics", s.getMetrics)
		api.GET("/metrics/prometheus", s.getPromMetrics)
		api.GET("/markets/:id", s.getMarket)

		auth := api.Group("/auth")
		{
			auth.POST("/register", s.registerUser)
			auth.POST("/login", s.loginUser)
		}

		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		protected.Use(TradeRateLimitMiddleware(s.RateLimit, []string{"/api/v1/auth", "/api/v1/metrics", "/api/v1/markets"}))
		{
			protected.POST("/orders", s.submitOrder)
			protected.POST("/orders/:id/cancel", s.cancelOrder)
			protected.GET("/orders", s.getOrders)
			protected.GET("/orders/:id", s.getOrder)
			protected.GET("/positions", s.getPositions)
			protected.GET("/balance", s.getBalance)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": s.Meta.Version})
}

// Start runs the HTTP server on addr.
func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
