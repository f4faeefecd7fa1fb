package main

/*****************************************************************************
 * Go 1.21
 *
 * main.go - Example embedding host for the background-geolocation agent
 *           core, demonstrating how an application wires a LocationProducer
 *           and a headless event callback around the Orchestrator, with
 *           location and activity samples fed in over HTTP.
 *
 * This file is responsible for:
 *   1. Initializing structured logging (zap).
 *   2. Opening the embedded SQLite-backed PersistentStore.
 *   3. Setting up Prometheus metrics collection.
 *   4. Constructing a demo LocationProducer stand-in (a real host would bind
 *      it to GPS facilities).
 *   5. Building the Orchestrator and bringing it to ready().
 *   6. Building an HTTP server with Gin exposing control and feed endpoints.
 *   7. Managing graceful shutdown on system signals.
 *****************************************************************************/

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bgagent/trackcore/internal/bgevent"
	"github.com/bgagent/trackcore/internal/config"
	"github.com/bgagent/trackcore/internal/dispatcher"
	"github.com/bgagent/trackcore/internal/geofence"
	"github.com/bgagent/trackcore/internal/metrics"
	"github.com/bgagent/trackcore/internal/orchestrator"
	"github.com/bgagent/trackcore/internal/store"
	"github.com/bgagent/trackcore/internal/sysmonitor"
	"github.com/bgagent/trackcore/internal/tracker"
)

const (
	defaultPort            = "8090"
	defaultGracefulTimeout = 10 * time.Second
	defaultDBPath           = "./bgagentd.sqlite"
	defaultConfigPath       = "./bgagentd.config.yaml"
)

// demoProducer is a manual, HTTP-driven stand-in for a real LocationProducer
// (§1: the CORE never talks to GPS hardware directly). It records the last
// UpdateRequest it received and logs it at debug level.
type demoProducer struct {
	log     *zap.Logger
	started bool
	lastReq tracker.LocationRequest
}

func (p *demoProducer) Start(ctx context.Context) error {
	p.started = true
	p.log.Info("demoProducer: started")
	return nil
}

func (p *demoProducer) Stop() {
	p.started = false
	p.log.Info("demoProducer: stopped")
}

func (p *demoProducer) UpdateRequest(req tracker.LocationRequest) {
	p.lastReq = req
	p.log.Debug("demoProducer: updateRequest", zap.Float64("minDistanceMeters", req.MinDistanceMeters), zap.String("desiredAccuracy", req.DesiredAccuracy))
}

// demoPermission always grants location permission; a real host would query
// the OS permission state here (§1 scope: the permission flow itself is
// outside the CORE).
type demoPermission struct{}

func (demoPermission) HasPermission() bool { return true }

/*****************************************************************************
 * setupMetrics - Configures and registers Prometheus metrics for the host.
 *****************************************************************************/

func setupMetrics() *metrics.Registry {
	return metrics.New()
}

/*****************************************************************************
 * setupRouter - Configures the Gin router exposing orchestrator controls.
 *****************************************************************************/

func setupRouter(o *orchestrator.Orchestrator, reg *metrics.Registry, logger *zap.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "enabled": o.IsEnabled()})
	})

	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{})))

	router.POST("/start", func(c *gin.Context) {
		state, err := o.Start(c.Request.Context())
		respondState(c, state, err)
	})

	router.POST("/stop", func(c *gin.Context) {
		state, err := o.Stop(c.Request.Context())
		respondState(c, state, err)
	})

	router.POST("/sync", func(c *gin.Context) {
		o.SyncNow(c.Request.Context())
		c.JSON(http.StatusAccepted, gin.H{"status": "sync-triggered"})
	})

	router.POST("/config", func(c *gin.Context) {
		var patch config.Partial
		if err := c.ShouldBindJSON(&patch); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		deltas, err := o.ApplyConfig(patch)
		if err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"deltas": deltas})
	})

	router.POST("/location", func(c *gin.Context) {
		var body struct {
			Coords   bgevent.Coords    `json:"coords"`
			Activity *bgevent.Activity `json:"activity"`
		}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := body.Coords.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o.FeedLocation(c.Request.Context(), body.Coords, body.Activity)
		c.JSON(http.StatusAccepted, gin.H{"status": "location-fed"})
	})

	router.POST("/activity", func(c *gin.Context) {
		var activity bgevent.Activity
		if err := c.ShouldBindJSON(&activity); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := activity.Validate(); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		o.FeedActivity(activity)
		c.JSON(http.StatusAccepted, gin.H{"status": "activity-fed"})
	})

	router.POST("/geofences", func(c *gin.Context) {
		var g geofence.Geofence
		if err := c.ShouldBindJSON(&g); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if err := o.AddGeofence(c.Request.Context(), g); err != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, gin.H{"status": "geofence-added"})
	})

	router.DELETE("/geofences/:identifier", func(c *gin.Context) {
		if err := o.RemoveGeofence(c.Request.Context(), c.Param("identifier")); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "geofence-removed"})
	})

	return router
}

func respondState(c *gin.Context, state orchestrator.State, err error) {
	if err != nil {
		switch err.(type) {
		case orchestrator.ErrPermissionDenied:
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": state.Enabled})
}

/*****************************************************************************
 * gracefulShutdown - Manages a graceful server shutdown with a specified timeout.
 *****************************************************************************/

func gracefulShutdown(server *http.Server, o *orchestrator.Orchestrator, st *store.Store, logger *zap.Logger) {
	logger.Info("Initiating graceful shutdown...")
	ctx, cancel := context.WithTimeout(context.Background(), defaultGracefulTimeout)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil && err != http.ErrServerClosed {
		logger.Error("HTTP server shutdown encountered an error", zap.Error(err))
	}

	o.Release()

	if err := st.Close(); err != nil {
		logger.Warn("Failed to close persistent store", zap.Error(err))
	}

	logger.Sync()
	logger.Info("Graceful shutdown completed")
}

/*****************************************************************************
 * main - Entry point function that initializes and runs the demo host.
 *****************************************************************************/

func main() {
	// 1. Initialize structured logging with zap.
	logger, err := zap.NewProduction()
	if err != nil {
		panic(fmt.Sprintf("Failed to initialize logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting background-geolocation agent demo host...")

	// 2. Open the embedded PersistentStore.
	dbPath := defaultDBPath
	if p := os.Getenv("BGAGENTD_DB_PATH"); p != "" {
		dbPath = p
	}
	ctx := context.Background()
	st, err := store.Open(ctx, store.Options{Path: dbPath, BusyTimeout: 5 * time.Second}, logger)
	if err != nil {
		logger.Fatal("Failed to open persistent store", zap.Error(err))
	}

	// 3. Set up Prometheus metrics collectors.
	reg := setupMetrics()

	// 4. Construct the demo LocationProducer stand-in.
	producer := &demoProducer{log: logger}

	// 5. Build the Orchestrator and bring it to ready().
	configPath := defaultConfigPath
	if p := os.Getenv("BGAGENTD_CONFIG_PATH"); p != "" {
		configPath = p
	}
	o, err := orchestrator.New(orchestrator.Deps{
		Log:              logger,
		Metrics:          reg,
		Store:            st,
		LocationProducer: producer,
		Permission:       demoPermission{},
		SysMonitor:       sysmonitor.NewManual(),
		ConfigPath:       configPath,
	})
	if err != nil {
		logger.Fatal("Failed to construct orchestrator", zap.Error(err))
	}
	if _, err := o.Ready(ctx); err != nil {
		logger.Fatal("Failed to ready orchestrator", zap.Error(err))
	}
	o.RegisterHeadless(func(env bgevent.Envelope) {
		logger.Info("headless event", zap.String("type", string(env.Type)))
	})

	// 6. Configure the HTTP router with control/feed endpoints and metrics.
	router := setupRouter(o, reg, logger)
	port := defaultPort
	if envPort := os.Getenv("BGAGENTD_PORT"); envPort != "" {
		port = envPort
	}
	addr := fmt.Sprintf(":%s", port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
	}

	// 7. Initialize signal handlers for graceful termination.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("HTTP server listening", zap.String("address", addr))
		if srvErr := server.ListenAndServe(); srvErr != nil && srvErr != http.ErrServerClosed {
			logger.Fatal("HTTP server listen error", zap.Error(srvErr))
		}
	}()

	sig := <-quit
	logger.Info("Caught signal, shutting down", zap.String("signal", sig.String()))
	gracefulShutdown(server, o, st, logger)
}
