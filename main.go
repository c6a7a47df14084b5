package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foundryvtt/relay/internal/auth"
	"foundryvtt/relay/internal/browser"
	"foundryvtt/relay/internal/clients"
	"foundryvtt/relay/internal/config"
	"foundryvtt/relay/internal/forward"
	"foundryvtt/relay/internal/handoff"
	"foundryvtt/relay/internal/handshake"
	"foundryvtt/relay/internal/httpapi"
	"foundryvtt/relay/internal/logging"
	"foundryvtt/relay/internal/session"
	"foundryvtt/relay/internal/store"
)

const clientPingInterval = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.L().Fatal("configuration invalid", logging.Error(err))
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		logging.L().Fatal("logger initialisation failed", logging.Error(err))
	}
	logging.ReplaceGlobals(logger)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	//1.- Shared store when Redis is configured, instance-local fallback
	// otherwise. The fallback keeps a single instance fully functional;
	// cross-instance features quietly disable themselves.
	backing := openStore(ctx, cfg, logger)
	defer func() { _ = backing.Close() }()

	driver, err := browser.NewHTTPDriver(cfg.RunnerURL, nil)
	if err != nil {
		logger.Fatal("browser runner misconfigured", logging.Error(err))
	}

	clientRegistry := clients.NewRegistry(clients.RegistryOptions{
		Store:      backing,
		InstanceID: cfg.InstanceID,
		Logger:     logger,
	})
	sessionRegistry := session.NewRegistry(session.RegistryOptions{
		Store:      backing,
		InstanceID: cfg.InstanceID,
		Logger:     logger,
	})
	handshakes := handshake.NewService(handshake.ServiceOptions{
		Store:      backing,
		InstanceID: cfg.InstanceID,
		TTL:        cfg.HandshakeTTL,
		Logger:     logger,
	})
	controller := session.NewController(session.ControllerOptions{
		Registry:      sessionRegistry,
		Clients:       clientRegistry,
		Handshakes:    handshakes,
		Driver:        driver,
		Logger:        logger,
		PollInterval:  cfg.PollInterval,
		WaitTimeout:   cfg.ClientWaitTimeout,
		ShutdownGrace: cfg.ShutdownGrace,
	})

	//2.- Instance-to-instance plumbing: signed forwarding and the hand-off
	// exchange. Both need the shared secret; without one the relay still
	// serves single-instance deployments.
	var signer *auth.InternalSigner
	if cfg.InternalSecret != "" {
		signer, err = auth.NewInternalSigner(cfg.InternalSecret, 30*time.Second)
		if err != nil {
			logger.Fatal("internal signer misconfigured", logging.Error(err))
		}
	} else {
		logger.Warn("RELAY_INTERNAL_SECRET not set, cross-instance forwarding disabled")
	}
	coordinator := handoff.NewCoordinator(handoff.CoordinatorOptions{
		Store:        backing,
		InstanceID:   cfg.InstanceID,
		Logger:       logger,
		TTL:          cfg.HandshakeTTL,
		PollInterval: cfg.PollInterval,
	})
	watcher := handoff.NewWatcher(handoff.WatcherOptions{
		Store:       backing,
		Handshakes:  handshakes,
		Controller:  controller,
		Coordinator: coordinator,
		InstanceID:  cfg.InstanceID,
		Logger:      logger,
		Interval:    cfg.PollInterval,
	})
	go watcher.Run(ctx)

	forwarder := forward.NewForwarder(forward.ForwarderOptions{
		Clients:    clientRegistry,
		Sessions:   sessionRegistry,
		Store:      backing,
		InstanceID: cfg.InstanceID,
		Signer:     signer,
		Address:    forward.FlyAddress(cfg.AppName, cfg.InternalPort),
		Timeout:    cfg.ProxyTimeout,
		Logger:     logger,
	})

	handlers := httpapi.NewHandlerSet(httpapi.Options{
		Logger:     logger,
		Handshakes: handshakes,
		Controller: controller,
		Handoff:    coordinator,
		Clients:    clientRegistry,
		Store:      backing,
		InstanceID: cfg.InstanceID,
		Limiter:    httpapi.NewHandshakeLimiter(cfg.HandshakeWindow, cfg.HandshakeBurst, nil),
	})

	mux := http.NewServeMux()
	handlers.Register(mux)
	mux.Handle("/relay", clients.NewSocketHandler(clientRegistry, logger, clientPingInterval))

	chain := logging.HTTPTraceMiddleware(logger)(forwarder.Middleware(mux))
	server := &http.Server{
		Addr:    cfg.Address,
		Handler: chain,
	}

	go func() {
		logger.Info("relay listening",
			logging.String("addr", cfg.Address),
			logging.String("instance_id", cfg.InstanceID),
			logging.Bool("shared_store", backing.Shared()))
		var serveErr error
		if cfg.TLSCertPath != "" && cfg.TLSKeyPath != "" {
			serveErr = server.ListenAndServeTLS(cfg.TLSCertPath, cfg.TLSKeyPath)
		} else {
			serveErr = server.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			logger.Fatal("http server failed", logging.Error(serveErr))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	//3.- Ordered teardown: stop accepting requests, close every browser,
	// then drop the websockets so clients reconnect elsewhere promptly.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*cfg.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", logging.Error(err))
	}
	// In-flight hand-offs saw ctx cancel and unwind promptly; let them
	// publish their outcomes before the browsers go away.
	watcher.Wait()
	controller.Shutdown(shutdownCtx)
	clientRegistry.Shutdown()
	logger.Info("relay stopped")
}

// openStore connects to Redis when configured, falling back to the in-memory
// store when the connection fails or no URL is set.
func openStore(ctx context.Context, cfg *config.Config, logger *logging.Logger) store.Store {
	if cfg.RedisURL == "" {
		logger.Info("no redis configured, using instance-local store")
		return store.NewMemory()
	}
	redisStore, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Warn("redis unreachable, falling back to instance-local store", logging.Error(err))
		return store.NewMemory()
	}
	logger.Info("connected to shared store")
	return redisStore
}
