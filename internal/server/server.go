// Package server provides the HTTP API of the download service.
// It exposes the model list, download commands and the live event streams.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shepherd-project/modelfetch/internal/api"
	"github.com/shepherd-project/modelfetch/internal/config"
	"github.com/shepherd-project/modelfetch/internal/logger"
	"github.com/shepherd-project/modelfetch/internal/service"
	"github.com/shepherd-project/modelfetch/internal/websocket"
)

// Config contains server configuration
type Config struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	CORSEnabled    bool
	AllowedOrigins []string
}

// ConfigFrom converts the file configuration
func ConfigFrom(cfg config.ServerConfig) Config {
	return Config{
		Host:           cfg.Host,
		Port:           cfg.Port,
		ReadTimeout:    30 * time.Second,
		CORSEnabled:    cfg.CORSEnabled,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// Server represents the HTTP server
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	config     Config
	svc        *service.Service
	events     *websocket.Manager
	log        *logger.Logger

	mu sync.Mutex
	wg sync.WaitGroup
}

// NewServer creates the HTTP server. The event manager is attached to the service here.
func NewServer(cfg Config, svc *service.Service, events *websocket.Manager, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetLogger()
	}
	if events == nil {
		events = websocket.NewManager(log)
	}
	events.Attach(svc)

	s := &Server{
		config: cfg,
		svc:    svc,
		events: events,
		log:    log,
	}

	s.engine = gin.New()
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.engine.Use(
		api.RequestID(),
		api.RecoveryMiddleware(s.log),
		api.LoggerMiddleware(s.log),
		api.ErrorHandler(s.log),
	)
	if s.config.CORSEnabled {
		s.engine.Use(api.CORSMiddleware(s.config.AllowedOrigins))
	}
}

func (s *Server) setupRoutes() {
	r := s.engine.Group("/api")
	{
		r.GET("/info", s.handleServerInfo)
		r.GET("/events", s.events.HandleSSE)
		r.GET("/ws", s.events.HandleWebSocket)

		models := r.Group("/models")
		{
			models.GET("", s.handleListModels)
			models.POST("/download-all", s.handleDownloadAll)
			models.GET("/:id", s.handleGetModel)
			models.GET("/:id/status", s.handleModelStatus)
			models.GET("/:id/progress", s.handleModelProgress)
			models.POST("/:id/download", s.handleStartDownload)
			models.POST("/:id/cancel", s.handleCancelDownload)
			models.DELETE("/:id", s.handleDeleteModel)
		}

		r.GET("/downloads", s.handleActiveDownloads)
		r.GET("/downloads/history", s.handleHistory)
		r.POST("/cache/cleanup", s.handleCleanupCache)
	}
}

// Engine returns the gin engine, used by tests
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start listens and serves in the background. It fails fast when the port is taken.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return fmt.Errorf("server already started")
	}

	addr := net.JoinHostPort(s.config.Host, fmt.Sprint(s.config.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	s.events.Start()
	// no write timeout: /api/events and /api/ws stream for as long as the client stays
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		s.log.Infof("启动 HTTP 服务器，监听 %s", ln.Addr())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Errorf("HTTP 服务器错误: %v", err)
		}
		s.log.Info("HTTP 服务器已停止")
	}()
	return nil
}

// Shutdown closes the event streams, then stops the listener gracefully
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.log.Info("关闭 HTTP 服务器...")
	// streams hold their requests open, close them first so Shutdown can drain
	s.events.Stop()

	err := srv.Shutdown(ctx)
	if err != nil {
		s.log.Errorf("HTTP 服务器关闭失败: %v", err)
		_ = srv.Close()
	}
	s.wg.Wait()
	return err
}
