package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"watchsync/api"
	"watchsync/config"
	"watchsync/handlers"
	"watchsync/internal/events"
	"watchsync/internal/store"
	"watchsync/internal/transport"
	"watchsync/services/history"
	"watchsync/services/playback"
	"watchsync/services/provider"
	"watchsync/services/resolver"
	"watchsync/services/scheduler"
	"watchsync/services/scrobble"
	"watchsync/services/tracker"
	"watchsync/utils"

	"golang.org/x/time/rate"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	configPath := os.Getenv("WATCHSYNC_CONFIG")
	if configPath == "" {
		configPath = filepath.Join(dataDir(), "settings.json")
	}

	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	if settings.Storage.LogPath != "" {
		logDir := filepath.Dir(settings.Storage.LogPath)
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			log.Printf("warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Storage.LogPath,
				MaxSize:    10, // megabytes
				MaxBackups: 3,
				MaxAge:     14, // days
				Compress:   true,
			}
			log.SetOutput(io.MultiWriter(os.Stdout, fileWriter))
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("logging to file: %s", settings.Storage.LogPath)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	// First run gets a default provider entry so the control API has
	// something to toggle.
	if len(settings.Providers) == 0 {
		settings.Providers = []config.ProviderSettings{{
			ID:                "netflix",
			Enabled:           true,
			ScrobblingEnabled: true,
			SyncEnabled:       true,
		}}
		if err := cfgManager.Save(settings); err != nil {
			log.Printf("warning: failed to persist default settings: %v", err)
		}
		settings, err = cfgManager.Load()
		if err != nil {
			log.Fatalf("failed to reload settings: %v", err)
		}
	}

	st, err := store.Open(settings.Storage.DBPath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	transportClient := transport.NewClient(rate.Every(time.Second), 3)
	trackerClient := tracker.NewClient(transportClient, settings.Tracker.ClientID, settings.Tracker.ClientSecret)
	trackerService := tracker.NewService(trackerClient, cfgManager)

	bus := events.NewBus()
	itemResolver := resolver.New(trackerService, st)

	registry := provider.NewRegistry()
	for _, ps := range settings.Providers {
		if !ps.Enabled {
			continue
		}
		switch ps.ID {
		case "netflix":
			bridge := provider.NewHTTPBridge(transportClient, ps.BridgeURL, ps.ID)
			if err := registry.Register(provider.NewNetflix(bridge, transportClient)); err != nil {
				log.Fatalf("failed to register provider %s: %v", ps.ID, err)
			}
		default:
			log.Printf("warning: unknown provider %q in settings, skipping", ps.ID)
		}
	}

	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	// One scrobble machine per provider with scrobbling on. Recovery runs
	// before polling starts so a session left by a crash gets its one stop.
	machines := make(map[string]*scrobble.Machine)
	var pollers sync.WaitGroup
	for _, id := range registry.IDs() {
		ps := settings.GetProvider(id)
		if ps == nil || !ps.ScrobblingEnabled {
			continue
		}
		prov, _ := registry.Get(id)
		m := scrobble.NewMachine(id, itemResolver, trackerService, st, bus)
		if err := m.Recover(runCtx); err != nil {
			log.Printf("warning: scrobble recovery for %s: %v", id, err)
		}
		machines[id] = m

		pollers.Add(1)
		go func() {
			defer pollers.Done()
			m.Run(runCtx, prov, playback.NewNormalizer(), 0)
		}()
	}

	syncEngine := history.NewEngine(itemResolver, trackerService, st, bus, cfgManager)
	sched := scheduler.NewService(cfgManager, syncEngine, registry)
	if err := sched.Start(runCtx); err != nil {
		log.Fatalf("failed to start sync scheduler: %v", err)
	}

	r := utils.NewRouter()

	statusHandler := handlers.NewStatusHandler(machines, sched, trackerService)
	syncHandler := handlers.NewSyncHandler(sched, st)
	resolverHandler := handlers.NewResolverHandler(itemResolver)
	authHandler := handlers.NewAuthHandler(cfgManager, trackerClient)
	settingsHandler := handlers.NewSettingsHandler(cfgManager)
	scrobbleHandler := handlers.NewScrobbleHandler(machines)

	r.HandleFunc("/api/status", statusHandler.GetStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/{provider}", syncHandler.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/api/sync/{provider}/watermark", syncHandler.GetWatermark).Methods(http.MethodGet)
	r.HandleFunc("/api/sync/{provider}/watermark", syncHandler.ResetWatermark).Methods(http.MethodDelete)
	r.HandleFunc("/api/scrobble/{provider}/stop", scrobbleHandler.StopScrobble).Methods(http.MethodPost)
	r.HandleFunc("/api/resolver/correction", resolverHandler.Correct).Methods(http.MethodPost)
	r.HandleFunc("/api/resolver/cache/{provider}", resolverHandler.ClearCache).Methods(http.MethodDelete)
	r.HandleFunc("/api/auth/credentials", authHandler.SetCredentials).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/device/start", authHandler.StartAuth).Methods(http.MethodPost)
	r.HandleFunc("/api/auth/device/check/{deviceCode}", authHandler.CheckAuth).Methods(http.MethodGet)
	r.HandleFunc("/api/auth/disconnect", authHandler.Disconnect).Methods(http.MethodPost)
	r.HandleFunc("/api/settings", settingsHandler.GetSettings).Methods(http.MethodGet)
	r.HandleFunc("/api/settings", settingsHandler.UpdateSettings).Methods(http.MethodPut)

	limiter := api.NewIPRateLimiter(rate.Every(time.Second), 10)
	defer limiter.Close()

	addr := fmt.Sprintf("127.0.0.1:%d", settings.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      limiter.Middleware(r),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("[main] control API listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("[main] shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Pollers issue their final scrobble stops when runCtx goes away.
	cancelRun()
	pollers.Wait()

	if err := sched.Stop(shutdownCtx); err != nil {
		log.Printf("scheduler shutdown error: %v", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("server shutdown error: %v", err)
	}

	log.Println("[main] shutdown complete")
}

func dataDir() string {
	if v := os.Getenv("WATCHSYNC_DATA_DIR"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".watchsync")
}
