package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/internal/core/services"
	httphandlers "callnet/internal/handlers/http"
	"callnet/internal/infrastructure/directory"
	"callnet/internal/infrastructure/distributed"
	"callnet/internal/infrastructure/media"
	"callnet/internal/infrastructure/middleware"
	"callnet/internal/infrastructure/monitoring"
	"callnet/internal/infrastructure/reliability"
	repositories "callnet/internal/infrastructure/repositories"
	signalinfra "callnet/internal/infrastructure/signal"
	"callnet/pkg/circuitbreaker"
	"callnet/pkg/config"
	"callnet/pkg/logger"
	"callnet/pkg/retry"
	"callnet/pkg/tracing"
)

// callRouter bridges inbound signaling messages to the call service.
type callRouter struct {
	svc *services.CallService
}

func (r *callRouter) HandleOffer(ctx context.Context, from domain.UserID, fromUsername string, msg domain.CallMessage) error {
	_, err := r.svc.HandleOffer(ctx, from, fromUsername, msg)
	return err
}

func (r *callRouter) HandleMessage(ctx context.Context, from domain.UserID, msg domain.CallMessage) {
	r.svc.HandleMessage(ctx, from, msg)
}

func main() {
	startTime := time.Now()

	// Try multiple config paths
	configPaths := []string{
		"configs/config.yaml",
		"./configs/config.yaml",
		"/etc/callnet/config.yaml",
		"config.yaml",
	}

	var cfg *config.Config
	var err error

	for _, path := range configPaths {
		cfg, err = config.Load(path)
		if err == nil {
			break
		}
	}

	if err != nil {
		// Fallback to defaults if config cannot be loaded
		cfg = config.DefaultConfig()
	}

	// Initialize logger
	zapLogger := logger.NewWithFormat(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLogger.Sync()

	log := zapLogger.Sugar()

	if cfg.Account.UserID == "" {
		log.Fatal("account.user_id must be configured (CALLNET_ACCOUNT_USER_ID)")
	}
	self := domain.User{
		ID:       domain.UserID(cfg.Account.UserID),
		Username: cfg.Account.Username,
	}
	instanceID := uuid.NewString()

	// Initialize tracing
	if cfg.Tracing.Enabled {
		traceCfg := tracing.DefaultConfig()
		traceCfg.Enabled = true
		traceCfg.JaegerURL = cfg.Tracing.JaegerURL
		traceCfg.SampleRate = cfg.Tracing.SampleRate
		if env := os.Getenv("CALLNET_ENVIRONMENT"); env != "" {
			traceCfg.Environment = env
		}
		tracerProvider, err := tracing.Init(traceCfg)
		if err != nil {
			log.Warnw("failed to initialize tracing", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				tracerProvider.Shutdown(shutdownCtx)
			}()
		}
	}

	// Initialize repository factory
	repoFactory, err := repositories.NewRepositoryFactory(cfg, log)
	if err != nil {
		log.Fatalw("failed to create repository factory", "error", err)
	}
	defer repoFactory.Close()

	callRepo := repoFactory.CreateCallRepository()
	recordStore := repoFactory.CreateCallRecordStore()
	messageStore := repoFactory.CreateMessageStore()
	keyStore := repoFactory.CreateSenderKeyStore()

	// Presence and membership fanout: redis when available, in-process
	// otherwise.
	var presence interface {
		distributed.Presence
		ports.MembershipOracle
	}
	var bus ports.MembershipBus
	var presenceRegistry *distributed.PresenceRegistry

	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		presenceRegistry = distributed.NewPresenceRegistry(redisClient, instanceID, log)
		presence = presenceRegistry
		bus = distributed.NewMembershipBus(redisClient, instanceID, log)
	} else {
		presence = distributed.NewLocalPresence()
		bus = distributed.NewLocalMembershipBus(log)
	}

	// Group-call signaling client behind a circuit breaker. Only transport
	// failures trip it; protocol errors pass through.
	krakenClient := signalinfra.NewKrakenClient(cfg.Kraken.URL, cfg.Kraken.RequestTimeout, log)
	defer krakenClient.Close()
	kraken := reliability.NewBreakingKrakenClient(krakenClient, circuitbreaker.Config{
		FailureThreshold:    5,
		SuccessThreshold:    2,
		Timeout:             30 * time.Second,
		MaxRequestsHalfOpen: 3,
	}, log)

	// User directory with caching
	userDirectory := directory.NewCachedDirectory(
		directory.NewHTTPDirectory(cfg.Directory.BaseURL, cfg.Directory.Timeout, log),
		cfg.Directory.CacheTTL,
	)

	authService := services.NewAuthService(cfg.Auth.JWTSecret, cfg.Auth.AccessTokenTTL)

	// Media engine factory (STUN/TURN from config)
	var iceServers []webrtc.ICEServer
	for _, s := range cfg.WebRTC.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	if len(iceServers) == 0 {
		iceServers = []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		}
	}
	mediaConfig := media.Config{ICEServers: iceServers}
	engines := func() (ports.MediaEngine, error) {
		return media.NewEngine(mediaConfig, log), nil
	}

	// Wire the signaling channel and the observer chain. The websocket
	// server doubles as the peer-call message sender; the router is filled
	// in once the call service exists.
	router := &callRouter{}
	wsServer := signalinfra.NewWebSocketServer(authService, router, cfg.Auth.AllowedOrigins, log)

	collector := monitoring.NewPrometheusCollector()
	wsServer.SetConnectionHooks(collector.ClientConnected, collector.ClientDisconnected)

	notifier := signalinfra.NewClientNotifier(wsServer, self.ID, log)
	presenceObserver := distributed.NewPresenceObserver(presence, bus, self.ID, notifier, log)
	observer := monitoring.NewMetricsObserver(collector, presenceObserver)

	callService := services.NewCallService(services.CallServiceDeps{
		Self:      self,
		Engines:   engines,
		Sender:    wsServer,
		Kraken:    kraken,
		Directory: userDirectory,
		Store:     messageStore,
		Keys:      keyStore,
		Oracle:    presence,
		Calls:     callRepo,
		Records:   recordStore,
		Observer:  observer,
		Logger:    log,
		Timing: services.CallTiming{
			UnansweredTimeout:      cfg.Call.UnansweredTimeout,
			InviteTimeout:          cfg.Call.InviteTimeout,
			SubscribeRetryInterval: cfg.Call.SubscribeRetryInterval,
			AudioLevelInterval:     cfg.Call.AudioLevelInterval,
			Signaling: retry.Config{
				MaxAttempts: cfg.SignalingRetry.MaxAttempts,
				Interval:    cfg.SignalingRetry.Interval,
			},
		},
	})
	router.svc = callService

	// Cross-instance membership events feed roster reconciliation.
	busCtx, busCancel := context.WithCancel(context.Background())
	defer busCancel()
	go func() {
		err := bus.Subscribe(busCtx, func(ev *domain.MembershipEvent) error {
			callService.HandleMembershipEvent(busCtx, ev)
			return nil
		})
		if err != nil && busCtx.Err() == nil {
			log.Errorw("membership subscription ended", "error", err)
		}
	}()

	// Initialize HTTP handlers
	authHandler := httphandlers.NewAuthHandler(authService, cfg.Auth.AccessTokenTTL)
	callHandler := httphandlers.NewCallHandler(callService, recordStore)

	// Configure Gin
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	ginRouter := gin.New()
	ginRouter.Use(middleware.RecoveryMiddleware(log))
	ginRouter.Use(middleware.ErrorHandlerMiddleware(log))
	if cfg.Tracing.Enabled {
		ginRouter.Use(middleware.TracingMiddleware())
	}
	ginRouter.Use(middleware.NewHTTPRateLimitMiddleware(cfg))

	authHandler.SetupRoutes(ginRouter)
	callHandler.SetupRoutes(ginRouter, middleware.AuthMiddleware(authService))

	// Health and readiness
	healthChecker := monitoring.NewHealthChecker()
	healthChecker.AddCallRegistryCheck(callRepo, 30*time.Second, 2*time.Second)
	if redisClient := repoFactory.RedisClient(); redisClient != nil {
		healthChecker.AddRedisCheck(redisClient, 30*time.Second, 2*time.Second)
	}

	ginRouter.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":    "healthy",
			"timestamp": time.Now(),
			"uptime":    time.Since(startTime).String(),
		})
	})

	ginRouter.GET("/ready", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := healthChecker.GetReadinessStatus(ctx)
		if status.Status != "healthy" {
			c.JSON(503, status)
			return
		}
		c.JSON(200, status)
	})

	// Prometheus metrics on its own listener
	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled {
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler: promhttp.Handler(),
		}
		go func() {
			log.Infof("Starting metrics server on %s", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Errorw("metrics server failed", "error", err)
			}
		}()
	}

	// Signaling websocket on its own listener
	signalMux := http.NewServeMux()
	signalMux.HandleFunc("/ws", wsServer.HandleWebSocket)
	signalMux.HandleFunc("/health", wsServer.HealthCheck)
	signalSrv := &http.Server{
		Addr:    cfg.Signal.Address,
		Handler: signalMux,
	}

	apiSrv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      ginRouter,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infof("Starting CallNet signaling on %s", cfg.Signal.Address)
		if err := signalSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()
	go func() {
		log.Infof("Starting CallNet API on %s", cfg.Server.Address)
		if err := apiSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	// Wait for shutdown signals or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		log.Fatalw("Server failed", "error", err)
	case sig := <-sigChan:
		log.Infow("Received shutdown signal", "signal", sig)
	}

	log.Info("Shutting down CallNet...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	// End any active call so the remote side is not left ringing.
	if active, err := callService.ActiveCall(shutdownCtx); err == nil {
		done := make(chan struct{})
		active.End(domain.EndReasonEnded, domain.EndSideLocal, func(error) { close(done) })
		select {
		case <-done:
		case <-shutdownCtx.Done():
		}
	}

	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during API server shutdown", "error", err)
	}
	if err := signalSrv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("Error during signaling server shutdown", "error", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			log.Errorw("Error during metrics server shutdown", "error", err)
		}
	}

	busCancel()
	callService.Close()

	if presenceRegistry != nil {
		if err := presenceRegistry.CleanupInstance(shutdownCtx); err != nil {
			log.Errorw("Error cleaning up presence", "error", err)
		}
	}

	if err := repoFactory.Close(); err != nil {
		log.Errorw("Error closing repository factory", "error", err)
	}

	log.Info("CallNet stopped")
}
