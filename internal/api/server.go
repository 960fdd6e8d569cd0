// Package api exposes the signature core over HTTP.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"esignd/internal/core"
	"esignd/internal/health"
	"esignd/internal/logging"
	"esignd/internal/metrics"
	"esignd/internal/tracing"
)

// Config holds the HTTP-level settings.
type Config struct {
	// MetricsPath serves Prometheus metrics when Metrics is set. Empty disables it.
	MetricsPath string

	// MaxBodyBytes caps request bodies. Zero means 16 MiB.
	MaxBodyBytes int64
}

// Deps are the collaborators the server routes into.
type Deps struct {
	Core    *core.SignatureCore
	Health  *health.Checker
	Metrics *metrics.Metrics
	Logger  *logging.Logger

	// Tracer defaults to the core's tracer.
	Tracer *tracing.Tracer
}

type Server struct {
	cfg     Config
	r       *gin.Engine
	core    *core.SignatureCore
	health  *health.Checker
	metrics *metrics.Metrics
	tracer  *tracing.Tracer
	log     *logging.Logger
}

// NewServer builds the router. Call gin.SetMode before this to change modes.
func NewServer(cfg Config, deps Deps) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 16 << 20
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}
	if deps.Health == nil {
		deps.Health = health.NewChecker()
	}
	if deps.Tracer == nil && deps.Core != nil {
		deps.Tracer = deps.Core.Tracer()
	}

	r := gin.New()
	s := &Server{
		cfg:     cfg,
		r:       r,
		core:    deps.Core,
		health:  deps.Health,
		metrics: deps.Metrics,
		tracer:  deps.Tracer,
		log:     deps.Logger.WithComponent("api"),
	}
	r.Use(gin.Recovery(), s.requestID(), s.trace(), s.observe(), s.limitBody())
	s.routes()
	return s
}

// Handler returns the router for use in an http.Server.
func (s *Server) Handler() http.Handler { return s.r }

func (s *Server) routes() {
	s.r.GET("/healthz", s.handleHealth)
	s.r.GET("/readyz", s.handleReady)
	if s.metrics != nil && s.cfg.MetricsPath != "" {
		s.r.GET(s.cfg.MetricsPath, gin.WrapH(s.metrics.Handler()))
	}

	v1 := s.r.Group("/v1")
	{
		v1.GET("/authority", s.handleAuthority)

		v1.POST("/certificates", s.handleIssueCertificate)
		v1.GET("/certificates", s.handleListCertificates)
		v1.GET("/certificates/:id", s.handleGetCertificate)
		v1.POST("/certificates/:id/revoke", s.handleRevokeCertificate)
		v1.GET("/certificates/:id/validation", s.handleValidateCertificate)
		v1.GET("/owners/:owner/keys", s.handleKeyHistory)

		v1.POST("/signatures", s.handleSign)
		v1.GET("/signatures", s.handleListSignatures)
		v1.GET("/signatures/:id", s.handleGetSignature)
		v1.POST("/signatures/:id/verify", s.handleVerifyStored)
		v1.GET("/signatures/:id/bundle", s.handleExportBundle)
		v1.POST("/verify", s.handleVerify)

		v1.POST("/workflows", s.handleStartWorkflow)
		v1.GET("/workflows", s.handleListWorkflows)
		v1.GET("/workflows/:id", s.handleGetWorkflow)
		v1.POST("/workflows/:id/signatures", s.handleRecordSignature)
		v1.POST("/workflows/:id/rejections", s.handleRecordRejection)

		v1.POST("/documents/:id/access", s.handleDocumentAccess)

		v1.GET("/audit/events", s.handleAuditEvents)
		v1.GET("/audit/export", s.handleAuditExport)
		v1.GET("/audit/anomalies", s.handleAnomalies)
		v1.GET("/audit/stats", s.handleAuditStats)
		v1.GET("/audit/verify", s.handleVerifyAuditChain)
	}

	s.r.NoRoute(func(c *gin.Context) {
		writeErrorCode(c, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
}
