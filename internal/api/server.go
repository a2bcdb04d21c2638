// Package api exposes static analysis and dynamic scans over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/analysis"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/dast"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/metrics"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/scanstate"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/schema"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/store"
	"github.com/yorozuya-cybersecurity/yorosec-analyzer/internal/targets"
)

// Scanner submits and stops dynamic scans
type Scanner interface {
	Submit(target schema.TargetRef) (string, error)
	Stop(id string) error
}

// ScanStore is the read side of the scan registry
type ScanStore interface {
	Get(id string) (schema.ScanRecord, bool)
	LatestFor(target schema.TargetRef) (schema.ScanRecord, bool)
	Cleanup(maxAge time.Duration) int
}

// ResultReader loads persisted dynamic results
type ResultReader interface {
	LatestResult(target schema.TargetRef) (*schema.DynamicResult, error)
}

// Deps wires the server to the rest of the analyzer
type Deps struct {
	Analyzers  map[string]analysis.Analyzer // keyed by "backend", "frontend"
	Scanner    Scanner
	Scans      ScanStore
	Results    ResultReader
	Containers targets.StatusProvider
	Metrics    *metrics.Metrics
	Logger     *zap.Logger
}

// Server is the HTTP surface
type Server struct {
	deps   Deps
	engine *gin.Engine
	logger *zap.Logger
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Containers == nil {
		deps.Containers = targets.NoContainers{}
	}
	s := &Server{deps: deps, engine: gin.New(), logger: deps.Logger}
	s.engine.Use(gin.Recovery(), s.accessLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.GET("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.deps.Metrics.Handler()))
	}

	api := s.engine.Group("/api")
	{
		api.POST("/analysis/:kind/:model/:app", s.handleAnalyze)

		api.POST("/dast/:model/:app", s.handleSubmitScan)
		api.GET("/dast/:model/:app/latest", s.handleLatestScan)
		api.GET("/dast/:model/:app/results", s.handleResults)
		api.GET("/dast/scans/:id", s.handleGetScan)
		api.POST("/dast/scans/:id/stop", s.handleStopScan)
	}
}

// Handler returns the router, mainly for tests
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves on addr until ctx is done, pruning finished scans older than
// retention every interval.
func (s *Server) Run(ctx context.Context, addr string, retention, interval time.Duration) error {
	srv := &http.Server{Addr: addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	go s.cleanupLoop(ctx, retention, interval)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("http server shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) cleanupLoop(ctx context.Context, retention, interval time.Duration) {
	if interval <= 0 || s.deps.Scans == nil {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.deps.Scans.Cleanup(retention); n > 0 {
				s.logger.Info("pruned finished scans", zap.Int("removed", n))
			}
		}
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAnalyze(c *gin.Context) {
	kind := c.Param("kind")
	analyzer, ok := s.deps.Analyzers[kind]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown analysis kind " + strconv.Quote(kind)})
		return
	}
	target, ok := targetParam(c)
	if !ok {
		return
	}
	opts := analysis.Options{
		UseAllTools: queryBool(c, "full"),
		ForceRerun:  queryBool(c, "force"),
	}

	res, err := analyzer.Analyze(c.Request.Context(), target, opts)
	if err != nil {
		var te *analysis.TargetError
		if errors.As(err, &te) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("analysis failed", zap.Stringer("target", target), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.ObserveAnalysis(kind, opts.UseAllTools)
	}

	c.JSON(http.StatusOK, gin.H{
		"issues":      res.Issues,
		"tool_status": res.ToolStatus,
		"tool_output": res.ToolOutput,
		"summary":     analyzer.Summarize(res.Issues),
	})
}

func (s *Server) handleSubmitScan(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	container := s.deps.Containers.Status(c.Request.Context(), target)
	if !container.Running {
		s.logger.Warn("target containers not running", zap.Stringer("target", target), zap.String("detail", container.Detail))
	}

	id, err := s.deps.Scanner.Submit(target)
	if err != nil {
		if errors.Is(err, targets.ErrTargetNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"scan_id": id, "container": container})
}

func (s *Server) handleGetScan(c *gin.Context) {
	rec, ok := s.deps.Scans.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleStopScan(c *gin.Context) {
	id := c.Param("id")
	err := s.deps.Scanner.Stop(id)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"scan_id": id, "status": schema.StatusStopped})
	case errors.Is(err, scanstate.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
	case errors.Is(err, dast.ErrScanNotRunning):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) handleLatestScan(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	rec, ok := s.deps.Scans.LatestFor(target)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no scans for " + target.String()})
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleResults(c *gin.Context) {
	target, ok := targetParam(c)
	if !ok {
		return
	}
	res, err := s.deps.Results.LatestResult(target)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no results for " + target.String()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, res)
}

// targetParam reads :model and :app, accepting both "3" and "app3"
func targetParam(c *gin.Context) (schema.TargetRef, bool) {
	model := c.Param("model")
	app, err := strconv.Atoi(strings.TrimPrefix(c.Param("app"), "app"))
	if model == "" || err != nil || app <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid target " + model + "/" + c.Param("app")})
		return schema.TargetRef{}, false
	}
	return schema.TargetRef{Model: model, App: app}, true
}

func queryBool(c *gin.Context, key string) bool {
	v, err := strconv.ParseBool(c.DefaultQuery(key, "false"))
	return err == nil && v
}
