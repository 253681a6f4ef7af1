package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dougsko/hiqsdr/pkg/client"
	"github.com/dougsko/hiqsdr/pkg/config"
	"github.com/dougsko/hiqsdr/pkg/engine"
	"github.com/dougsko/hiqsdr/pkg/logging"
)

// SDRDaemon runs the core engine behind a REST and websocket front end
type SDRDaemon struct {
	config *config.Config
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	coreEngine   *engine.CoreEngine
	socketClient *client.SocketClient
	webServer    *http.Server

	socketPath string
}

// NewSDRDaemon creates a new daemon instance
func NewSDRDaemon(cfg *config.Config) (*SDRDaemon, error) {
	ctx, cancel := context.WithCancel(context.Background())

	socketPath := cfg.API.UnixSocket
	if socketPath == "" {
		socketPath = "/tmp/hiqsdrd.sock"
	}

	daemon := &SDRDaemon{
		config:       cfg,
		ctx:          ctx,
		cancel:       cancel,
		socketPath:   socketPath,
		socketClient: client.NewSocketClient(socketPath),
		coreEngine:   engine.NewCoreEngine(cfg, socketPath),
	}

	if err := daemon.setupWebServer(); err != nil {
		return nil, fmt.Errorf("failed to setup web server: %w", err)
	}
	return daemon, nil
}

// Start starts the daemon
func (d *SDRDaemon) Start() error {
	logging.Info("main", "Starting hiqsdrd daemon...")

	if err := d.coreEngine.Start(); err != nil {
		return fmt.Errorf("failed to start core engine: %w", err)
	}

	if !d.socketClient.IsConnected() {
		return fmt.Errorf("failed to connect to core engine socket")
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		logging.Infof("web", "Starting web server on %s", d.webServer.Addr)
		if err := d.webServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("web", "Web server error: %v", err)
		}
	}()

	return nil
}

// Stop stops the daemon gracefully
func (d *SDRDaemon) Stop() error {
	logging.Info("main", "Stopping daemon...")

	d.cancel()

	if d.webServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.webServer.Shutdown(ctx); err != nil {
			logging.Warnf("web", "Web server shutdown error: %v", err)
		}
	}

	var err error
	if d.coreEngine != nil {
		if err = d.coreEngine.Stop(); err != nil {
			logging.Errorf("main", "Core engine shutdown error: %v", err)
		}
	}

	d.wg.Wait()
	logging.Info("main", "Daemon stopped")
	return err
}

// requestLogger logs each request through the component logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("web", "request", map[string]interface{}{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
		})
	}
}

// setupWebServer initializes the web server and routes
func (d *SDRDaemon) setupWebServer() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(requestLogger(), gin.Recovery())

	api := router.Group("/api/v1")
	{
		api.GET("/status", d.handleGetStatus)
		api.GET("/config", d.handleGetConfig)
		api.PUT("/config", d.handleSetConfig)
		api.POST("/config/sync", d.handleSyncConfig)
		api.PUT("/frequency", d.handleSetFrequency)
		api.PUT("/sample-rate", d.handleSetSampleRate)
		api.POST("/rx/on", d.handleRxOn)
		api.POST("/rx/off", d.handleRxOff)
		api.GET("/stats", d.handleGetStats)
		api.GET("/events", d.handleGetEvents)
		api.GET("/spectrum", d.handleGetSpectrum)
		api.GET("/settings", d.handleGetSettings)
	}

	router.GET("/ws/samples", d.handleSamplesWebSocket)
	router.GET("/ws/spectrum", d.handleSpectrumWebSocket)

	d.webServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", d.config.Web.BindAddress, d.config.Web.Port),
		Handler: router,
	}
	return nil
}
