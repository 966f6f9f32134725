// Package proxy is the HTTP front of the metered relay: it authenticates
// callers by API key or x402 micropayment, admits them through the escrow
// gate, forwards requests to the resolved upstream provider, and records a
// transaction for every completed call.
package proxy

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/echo-ai/echo-proxy/internal/access"
	"github.com/echo-ai/echo-proxy/internal/accounting"
	"github.com/echo-ai/echo-proxy/internal/config"
	"github.com/echo-ai/echo-proxy/internal/escrow"
	"github.com/echo-ai/echo-proxy/internal/models"
	"github.com/echo-ai/echo-proxy/internal/provider"
	"github.com/echo-ai/echo-proxy/internal/resource"
	"github.com/echo-ai/echo-proxy/internal/util"
	"github.com/echo-ai/echo-proxy/internal/x402"
)

// ProviderResolver resolves (model, path) to an upstream handle.
type ProviderResolver interface {
	Resolve(model, path string) (provider.Handle, error)
}

// Server wires the request pipeline together.
type Server struct {
	cfg *config.Config
	db  *gorm.DB

	keystore  *access.Keystore
	gate      *escrow.Gate
	admission *escrow.Controller
	engine    *accounting.Engine

	resolver   ProviderResolver
	settlement *x402.Settlement
	tools      *resource.Client

	httpClient *http.Client

	// x402AppID is the app that anonymous micropayment traffic bills through.
	x402AppID uint64
}

// NewServer builds the server and ensures the x402 billing app exists.
func NewServer(cfg *config.Config, conn *gorm.DB, resolver ProviderResolver, settlement *x402.Settlement, tools *resource.Client) (*Server, error) {
	appID, errEnsure := ensureX402App(conn)
	if errEnsure != nil {
		return nil, errEnsure
	}
	return &Server{
		cfg:        cfg,
		db:         conn,
		keystore:   access.NewKeystore(conn),
		gate:       escrow.NewGate(conn, cfg.SafetyBuffer),
		admission:  escrow.NewController(conn, cfg.MaxInFlight, cfg.RejectOverCeiling),
		engine:     accounting.NewEngine(conn, cfg.DefaultMarkUp),
		resolver:   resolver,
		settlement: settlement,
		tools:      tools,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		x402AppID:  appID,
	}, nil
}

// ensureX402App finds or creates the app anonymous micropayment callers are
// billed through.
func ensureX402App(conn *gorm.DB) (uint64, error) {
	var app models.App
	errFetch := conn.Where("name = ?", "x402").First(&app).Error
	if errFetch == nil {
		return app.ID, nil
	}
	app = models.App{Name: "x402"}
	if errCreate := conn.Create(&app).Error; errCreate != nil {
		return 0, errCreate
	}
	return app.ID, nil
}

// Router builds the gin engine with all routes attached.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/healthz", s.handleHealthz)
	r.GET("/in-flight-requests", s.authMiddleware(), s.handleInFlight)

	r.POST("/tavily/search", s.authMiddleware(), s.handleTool("tavily-search"))
	r.POST("/tavily/extract", s.authMiddleware(), s.handleTool("tavily-extract"))
	r.POST("/tavily/crawl", s.authMiddleware(), s.handleTool("tavily-crawl"))
	r.POST("/e2b/execute", s.authMiddleware(), s.handleTool("e2b-execute"))

	// Everything else is a provider relay request.
	r.NoRoute(s.authMiddleware(), s.handleRelay)
	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	sqlDB, errDB := s.db.DB()
	if errDB != nil || sqlDB.PingContext(c.Request.Context()) != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleInFlight reports active in-flight counters.
func (s *Server) handleInFlight(c *gin.Context) {
	rows, errSnap := s.admission.Snapshot(c.Request.Context())
	if errSnap != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read in-flight counters"})
		return
	}

	out := make([]gin.H, 0, len(rows))
	for _, row := range rows {
		out = append(out, gin.H{
			"userId":         row.UserID,
			"echoAppId":      row.AppID,
			"numberInFlight": row.NumberInFlight,
			"lastUpdated":    row.UpdatedAt.UTC().Format(time.RFC3339),
			"maxAllowed":     s.admission.MaxInFlight(),
		})
	}
	c.JSON(http.StatusOK, out)
}

// requestLogger logs one line per request with credentials masked.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		entry := log.WithFields(log.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"query":   util.MaskSensitiveQuery(c.Request.URL.RawQuery),
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).String(),
		})
		if token := access.ExtractToken(c.Request); token != "" {
			entry = entry.WithField("api_key", util.HideAPIKey(token))
		}
		entry.Info("request")
	}
}
