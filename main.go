package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"mediakeep/internal/artwork"
	"mediakeep/internal/auth"
	"mediakeep/internal/blobcache"
	"mediakeep/internal/database"
	"mediakeep/internal/handlers"
	"mediakeep/internal/logging"
	"mediakeep/internal/middleware"
	"mediakeep/internal/provider/tmdb"
	"mediakeep/internal/query"
	"mediakeep/internal/scan"
	"mediakeep/internal/startup"
	"mediakeep/internal/watch"
	"mediakeep/internal/ws"
)

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	// Root context for everything that outlives a single request
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	dbStart := time.Now()
	db, err := database.New(ctx, config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize database: %v", err)
	}
	defer db.Close()
	startup.LogDatabaseInit(time.Since(dbStart))

	// Auth service plus periodic cleanup of expired sessions and pins
	authSvc := auth.NewService(db)
	go authSvc.CleanupLoop(ctx, 1*time.Hour)

	// WebSocket hub for scan progress and sync updates
	hub := ws.NewHub()
	defer hub.Close()

	// Catalog provider, only when an API key is configured
	var provider *tmdb.Client
	if config.ResolveEnabled {
		providerCache, err := blobcache.New(config.ProviderCacheDir)
		if err != nil {
			startup.LogFatal("Failed to create provider cache: %v", err)
		}
		provider = tmdb.New(tmdb.Config{
			APIKey:   config.TMDBAPIKey,
			Language: config.TMDBLanguage,
		}, providerCache)
	}

	// Artwork pipeline, only when the provider and a writable cache exist
	var artworkSvc *artwork.Service
	if config.ArtworkEnabled {
		if err := artwork.InitVips(); err != nil {
			logging.Warn("Artwork disabled: vips init failed: %v", err)
		} else {
			defer artwork.ShutdownVips()
			artworkCache, err := blobcache.New(config.ArtworkCacheDir)
			if err != nil {
				startup.LogFatal("Failed to create artwork cache: %v", err)
			}
			artworkSvc = artwork.NewService(provider, artworkCache, db)
		}
	}

	// Scan orchestrator and its incremental sidekick
	startup.LogScannerInit(config.ScanInterval)
	orch := scan.NewOrchestrator(db, provider, artworkSvc, hub)
	inc := scan.NewIncrementalScanner(db, orch)

	// Periodic full scans, plus one on startup
	go runScanLoop(ctx, orch, config.ScanInterval)

	// Filesystem watcher feeding the incremental scanner
	if config.WatchEnabled {
		go runFolderWatch(ctx, db, inc, config.WatchDebounce)
	}

	// Initialize handlers
	h := handlers.New(handlers.Options{
		DB:       db,
		Auth:     authSvc,
		Repo:     query.NewRepository(db, query.DefaultComplexityConfig()),
		Orch:     orch,
		Artwork:  artworkSvc,
		Provider: provider,
		Hub:      hub,
	})

	router := h.Router()
	startup.LogHTTPRoutes(router)

	// Middleware chain: session resolution, then metrics, then access
	// logging, then compression on the outside
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Compression(middleware.DefaultCompressionConfig())(
		middleware.Logger(loggingConfig)(
			middleware.Metrics(middleware.DefaultMetricsConfig())(
				middleware.Auth(authSvc)(router))))

	// Metrics on a separate listener so the scrape port can stay private
	if config.MetricsEnabled {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", handlers.MetricsHandler())
			if err := http.ListenAndServe(":"+config.MetricsPort, mux); err != nil {
				logging.Error("Metrics server error: %v", err)
			}
		}()
	}

	// WriteTimeout stays 0: video streams legitimately run for hours and
	// the streaming layer carries its own per-write watchdog
	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, cancel, hub)

	startup.LogServerStarted(startup.ServerConfig{
		Port:            config.Port,
		MetricsPort:     config.MetricsPort,
		MetricsEnabled:  config.MetricsEnabled,
		StartupDuration: time.Since(startTime),
	})
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
}

// runScanLoop performs a full scan at startup and then on every tick.
func runScanLoop(ctx context.Context, orch *scan.Orchestrator, interval time.Duration) {
	if err := orch.Scan(ctx, scan.DefaultOptions()); err != nil && ctx.Err() == nil {
		logging.Error("Startup scan failed: %v", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := orch.Scan(ctx, scan.DefaultOptions()); err != nil && ctx.Err() == nil {
				logging.Error("Scheduled scan failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// runFolderWatch wires library roots into the filesystem monitor. The
// monitor is rebuilt when the library set changes so new libraries get
// watched without a restart.
func runFolderWatch(ctx context.Context, db *database.Database, inc *scan.IncrementalScanner, debounce time.Duration) {
	handler := func(ctx context.Context, batch watch.Batch) {
		if err := inc.HandleBatch(ctx, batch); err != nil {
			logging.Error("Incremental scan failed: %v", err)
		}
	}

	var watched []watch.Root
	for ctx.Err() == nil {
		libs, err := db.ListLibraries(ctx)
		if err != nil {
			logging.Error("Folder watch: failed to list libraries: %v", err)
			time.Sleep(30 * time.Second)
			continue
		}
		roots := make([]watch.Root, 0, len(libs))
		for _, lib := range libs {
			roots = append(roots, watch.Root{LibraryID: lib.ID, Path: lib.Path})
		}

		if sameRoots(watched, roots) {
			time.Sleep(30 * time.Second)
			continue
		}
		watched = roots
		if len(roots) == 0 {
			time.Sleep(30 * time.Second)
			continue
		}

		cfg := watch.DefaultConfig()
		cfg.Debounce = debounce
		monitor := watch.NewMonitor(cfg, roots, handler)

		// Run until cancelled or until the library set changes
		watchCtx, stop := context.WithCancel(ctx)
		go func() {
			ticker := time.NewTicker(30 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					libs, err := db.ListLibraries(watchCtx)
					if err != nil {
						continue
					}
					current := make([]watch.Root, 0, len(libs))
					for _, lib := range libs {
						current = append(current, watch.Root{LibraryID: lib.ID, Path: lib.Path})
					}
					if !sameRoots(watched, current) {
						stop()
						return
					}
				case <-watchCtx.Done():
					return
				}
			}
		}()

		if err := monitor.Run(watchCtx); err != nil && ctx.Err() == nil {
			logging.Warn("Folder watch stopped: %v", err)
		}
		stop()
	}
}

func sameRoots(a, b []watch.Root) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func handleShutdown(srv *http.Server, cancel context.CancelFunc, hub *ws.Hub) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()

	cancel()
	startup.LogShutdownStep("Scanner and watcher stopped")

	hub.Close()
	startup.LogShutdownStep("WebSocket hub closed")

	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	} else {
		startup.LogShutdownStep("HTTP server stopped")
	}

	startup.LogShutdownComplete()
}
