package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"phemex-tools/internal/contract"
	"phemex-tools/internal/logging"
	"phemex-tools/internal/safety"
	"phemex-tools/internal/scale"
	"phemex-tools/internal/tools"
)

const defaultHTTPAddr = "127.0.0.1:8080"

// Router serves /mcp (streamable HTTP), /healthz, /metrics and a plain
// JSON tool API under /tools.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())

	router.Any("/mcp", gin.WrapH(mcpserver.NewStreamableHTTPServer(s.mcp)))
	router.GET("/healthz", s.healthz)
	if s.metricsEnabled {
		router.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}
	router.GET("/tools", s.listTools)
	router.POST("/tools/:name", s.callTool)
	return router
}

// RunHTTP blocks until ctx is cancelled or the listener fails.
func (s *Server) RunHTTP(ctx context.Context) error {
	addr := strings.TrimSpace(s.addr)
	if addr == "" {
		addr = defaultHTTPAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.log.WithFields(logging.Fields{"addr": addr}).Info("http server started")

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logging.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"elapsed_ms": time.Since(start).Milliseconds(),
		}).Debug("http request")
	}
}

func (s *Server) healthz(c *gin.Context) {
	table := s.tools.Table()
	products := gin.H{}
	for mt, n := range table.Counts() {
		products[string(mt)] = n
	}
	status := "ok"
	if !table.Loaded() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         status,
		"version":        s.version,
		"default_market": s.tools.DefaultMarket(),
		"scale_loaded":   table.Loaded(),
		"products":       products,
	})
}

func (s *Server) listTools(c *gin.Context) {
	list := tools.Descriptors()
	out := make([]gin.H, 0, len(list))
	for _, d := range list {
		params := make([]gin.H, 0, len(d.Params))
		for _, p := range d.Params {
			param := gin.H{"name": p.Name, "type": p.Type, "required": p.Required, "description": p.Description}
			if len(p.Enum) > 0 {
				param["enum"] = p.Enum
			}
			params = append(params, param)
		}
		out = append(out, gin.H{"name": d.Name, "description": d.Description, "write": d.Write, "params": params})
	}
	c.JSON(http.StatusOK, gin.H{"tools": out})
}

func (s *Server) callTool(c *gin.Context) {
	name := c.Param("name")
	if _, ok := tools.Lookup(name); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown tool " + name})
		return
	}
	args := tools.Args{}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&args); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json body: " + err.Error()})
			return
		}
	}
	res, err := s.tools.Call(c.Request.Context(), name, args)
	if err != nil {
		body := gin.H{"error": err.Error()}
		var confirmErr *tools.ConfirmationError
		if errors.As(err, &confirmErr) {
			body["preview"] = confirmErr.Preview
		}
		c.JSON(statusFor(err), body)
		return
	}
	c.JSON(http.StatusOK, res)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, tools.ErrConfirmationRequired):
		return http.StatusConflict
	case errors.Is(err, tools.ErrInvalidRequest),
		errors.Is(err, tools.ErrLeverageTooHigh),
		errors.Is(err, contract.ErrUnknownMarketType),
		errors.Is(err, contract.ErrUnsupportedOperation),
		errors.Is(err, scale.ErrInvalidAmount),
		errors.Is(err, scale.ErrOutOfRange):
		return http.StatusBadRequest
	case errors.Is(err, safety.ErrCircuitOpen), errors.Is(err, scale.ErrNotLoaded):
		return http.StatusServiceUnavailable
	}
	return http.StatusBadGateway
}
