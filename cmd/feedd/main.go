package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nkhandelwal/marketsync/internal/auth"
	"github.com/nkhandelwal/marketsync/internal/calendar"
	"github.com/nkhandelwal/marketsync/internal/config"
	"github.com/nkhandelwal/marketsync/internal/connection"
	"github.com/nkhandelwal/marketsync/internal/fallback"
	"github.com/nkhandelwal/marketsync/internal/logging"
	"github.com/nkhandelwal/marketsync/internal/model"
	"github.com/nkhandelwal/marketsync/internal/quote"
	"github.com/nkhandelwal/marketsync/internal/stream"
	"github.com/nkhandelwal/marketsync/internal/version"
	"github.com/nkhandelwal/marketsync/internal/visibility"
	"github.com/nkhandelwal/marketsync/internal/watch"
)

func main() {
	configPath := flag.String("config", "configs/feedd.local.yaml", "path to config file")
	watchList := flag.String("watch", "", "comma-separated EXCHANGE:SYMBOL list to watch at startup")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}

	// Bootstrap logger until the config is loaded
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger = logging.NewLogger(cfg.Log)
	slog.SetDefault(logger)

	logger.Info("starting feedd",
		"version", version.Version,
		"commit", version.Commit,
		"config", *configPath,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Credential client
	authClient := auth.NewClient(auth.Config{
		BaseURL:         cfg.Auth.BaseURL,
		AntiForgeryPath: cfg.Auth.AntiForgeryPath,
		TransportPath:   cfg.Auth.TransportPath,
		StreamTokenPath: cfg.Auth.StreamTokenPath,
		MaxRetries:      cfg.Auth.MaxRetries,
		RetryBackoff:    cfg.Auth.RetryBackoff,
	},
		auth.WithHTTPClient(&http.Client{Timeout: cfg.Auth.Timeout}),
		auth.WithLogger(logger),
	)

	// Trading calendar
	cal := calendar.New(calendar.Config{
		BaseURL:         cfg.Calendar.BaseURL,
		TimingsPath:     cfg.Calendar.TimingsPath,
		HolidaysPath:    cfg.Calendar.HolidaysPath,
		Timezone:        cfg.Calendar.Timezone,
		PreMarketBuffer: cfg.Calendar.PreMarketBuffer,
	},
		calendar.WithHTTPClient(&http.Client{Timeout: cfg.Calendar.Timeout}),
		calendar.WithLogger(logger),
	)
	if err := cal.Refresh(ctx); err != nil {
		// Fail closed: the engine runs on snapshots until the next refresh.
		logger.Warn("initial calendar load failed", "error", err)
	}
	go refreshCalendarLoop(ctx, cal, logger)

	// Connection manager
	manager := connection.NewManager(connection.ManagerConfig{
		WSURL:                cfg.Feed.WSURL,
		AuthTimeout:          cfg.Feed.AuthTimeout,
		ReconnectBaseWait:    cfg.Feed.ReconnectBaseWait,
		ReconnectMaxWait:     cfg.Feed.ReconnectMaxWait,
		ReconnectJitter:      cfg.Feed.ReconnectJitter,
		ReconnectMaxAttempts: cfg.Feed.ReconnectMaxAttempts,
		PingTimeout:          cfg.Feed.PingTimeout,
		WriteTimeout:         cfg.Feed.WriteTimeout,
		MessageBufferSize:    cfg.Feed.MessageBufferSize,
	}, authClient, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Error("failed to start connection manager", "error", err)
		os.Exit(1)
	}

	// Subscription multiplexer
	mux := stream.New(manager, stream.WithLogger(logger))
	defer mux.Close()

	// Snapshot fallback
	snapClient := quote.NewClient(quote.Config{
		BaseURL:      cfg.Snapshot.BaseURL,
		QuotesPath:   cfg.Snapshot.QuotesPath,
		MaxRetries:   cfg.Snapshot.MaxRetries,
		RetryBackoff: cfg.Snapshot.RetryBackoff,
	},
		quote.WithHTTPClient(&http.Client{Timeout: cfg.Snapshot.Timeout}),
		quote.WithLogger(logger),
	)
	poller := quote.NewPoller(snapClient, quote.PollerConfig{
		Interval:   cfg.Snapshot.Interval,
		SkipHidden: cfg.Snapshot.SnapshotSkipHidden(),
	}, quote.WithPollerLogger(logger))
	poller.Start(ctx)
	defer poller.Stop()

	// Source resolution and consumer surface
	controller := fallback.New(mux, poller, cal, cfg.Staleness.Threshold, fallback.WithLogger(logger))
	watcher := watch.New(mux, controller, manager, poller, watch.WithLogger(logger))

	// Visibility scheduler
	scheduler := visibility.New(manager, []visibility.Poller{poller}, visibility.Config{
		HiddenGrace:    cfg.Visibility.HiddenGrace,
		PauseTransport: cfg.Visibility.ConnectionPause(),
	}, visibility.WithLogger(logger))
	defer scheduler.Stop()

	// Health server
	healthServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Health.Port),
		Handler: newHealthHandler(cfg.Health.Path, manager, mux, cal, poller, scheduler),
	}
	go func() {
		logger.Info("starting health server", "port", cfg.Health.Port)
		if err := healthServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("health server error", "error", err)
		}
	}()

	// Dial only when something can be trading; snapshots carry closed
	// markets.
	if cal.IsAnyExchangeOpen() {
		manager.Connect()
	} else {
		logger.Info("all exchanges closed, staying on snapshots")
	}

	if *watchList != "" {
		startWatches(ctx, watcher, poller, *watchList, logger)
	}

	logger.Info("feedd running",
		"health_url", fmt.Sprintf("http://localhost:%d%s", cfg.Health.Port, cfg.Health.Path),
	)

	<-ctx.Done()

	logger.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	healthServer.Shutdown(shutdownCtx)
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Warn("connection manager stop", "error", err)
	}

	logger.Info("feedd stopped")
}

// refreshCalendarLoop reloads the calendar hourly so date rollovers and
// late holiday edits are picked up.
func refreshCalendarLoop(ctx context.Context, cal calendar.Service, logger *slog.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := cal.Refresh(ctx); err != nil {
				logger.Warn("calendar refresh failed", "error", err)
			}
		}
	}
}

// startWatches opens a watch per EXCHANGE:SYMBOL entry and logs view
// changes, mostly useful against a local test feed.
func startWatches(ctx context.Context, watcher *watch.Watcher, poller *quote.Poller, list string, logger *slog.Logger) {
	var refs []model.SymbolRef
	for _, item := range strings.Split(list, ",") {
		key := model.SymbolKey(strings.TrimSpace(item))
		exchange, symbol := key.Split()
		if exchange == "" || symbol == "" {
			logger.Warn("skipping malformed watch entry", "entry", item)
			continue
		}
		refs = append(refs, model.SymbolRef{Symbol: symbol, Exchange: exchange})
	}
	if len(refs) == 0 {
		return
	}
	poller.SetSymbols(refs)

	for _, ref := range refs {
		h := watcher.Watch(ref.Symbol, ref.Exchange, model.ModeQuote)
		go func(ref model.SymbolRef, h *watch.Watch) {
			defer h.Close()
			for {
				select {
				case <-ctx.Done():
					return
				case view, ok := <-h.Updates():
					if !ok {
						return
					}
					logger.Info("view update",
						"symbol", ref.Symbol,
						"exchange", ref.Exchange,
						"source", view.Source,
						"live", view.IsLive,
						"ltp", ltpString(view.Data),
					)
				}
			}
		}(ref, h)
	}
	logger.Info("watching symbols", "count", len(refs))
}

func ltpString(f model.QuoteFields) string {
	if f.LTP == nil {
		return ""
	}
	return f.LTP.String()
}

// newHealthHandler serves liveness plus component stats.
func newHealthHandler(path string, manager *connection.Manager, mux *stream.Multiplexer, cal calendar.Service, poller *quote.Poller, scheduler *visibility.Scheduler) http.Handler {
	h := http.NewServeMux()

	h.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		state := manager.State()

		health := struct {
			Status     string         `json:"status"`
			Components map[string]any `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]any),
		}

		health.Components["connection"] = map[string]any{
			"state": string(state),
		}
		if err := manager.Err(); err != nil {
			health.Components["connection"].(map[string]any)["last_error"] = err.Error()
		}
		if state != connection.StateAuthenticated && cal.IsAnyExchangeOpen() {
			health.Status = "degraded"
		}

		health.Components["calendar"] = map[string]any{
			"any_open": cal.IsAnyExchangeOpen(),
		}
		health.Components["snapshots"] = map[string]any{
			"last_fetch": poller.LastFetch(),
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	// Manual visibility toggle, stands in for the UI bridge when testing
	// pause behavior locally.
	h.HandleFunc("/debug/visibility", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		hidden := r.URL.Query().Get("hidden") == "true"
		scheduler.SetVisible(!hidden)
		w.WriteHeader(http.StatusNoContent)
	})

	h.HandleFunc("/debug/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := struct {
			Connection string       `json:"connection"`
			Stream     stream.Stats `json:"stream"`
			Hidden     bool         `json:"hidden"`
			HiddenFor  string       `json:"hidden_for"`
		}{
			Connection: string(manager.State()),
			Stream:     mux.Stats(),
			Hidden:     scheduler.IsHidden(),
			HiddenFor:  scheduler.HiddenFor().String(),
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(stats)
	})

	return h
}
