package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"macreplay/work/buffer"
	"macreplay/work/cache"
	"macreplay/work/client"
	"macreplay/work/config"
	"macreplay/work/database"
	"macreplay/work/handlers"
	"macreplay/work/logger"
	"macreplay/work/occupancy"
	"macreplay/work/pool"
	"macreplay/work/probe"
	"macreplay/work/proxy"
	"macreplay/work/resolver"
	"macreplay/work/restream"
	"macreplay/work/store"
	"macreplay/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "macreplay",
	Short:         "Stalker portal IPTV gateway",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	Long: `macreplay exposes channels from Stalker middleware portals as an M3U
playlist, an XMLTV guide and an emulated HDHomeRun tuner, relaying streams
through ffmpeg while rotating the portal credentials it holds.`,
	RunE: runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway (default)",
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management commands",
}

var configExampleCmd = &cobra.Command{
	Use:   "example <path>",
	Short: "Write the default configuration as YAML",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if err := config.CreateExampleConfig(args[0]); err != nil {
			return fmt.Errorf("writing example config: %w", err)
		}
		fmt.Printf("example configuration written to %s\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "config file (YAML or JSON); missing file means defaults")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configExampleCmd)
}

// our main app worker
func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Error("{main - main} %v", err)
		os.Exit(1)
	}
}

// portalStore is the store surface the server needs, plus a way to close it.
type portalStore interface {
	store.PortalStore
	Close() error
}

type jsonStore struct{ *store.JSONFile }

func (jsonStore) Close() error { return nil }

func openStore(cfg *config.Config) (portalStore, error) {
	if cfg.StoreDriver == "json" {
		st, err := store.OpenJSONFile(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return jsonStore{st}, nil
	}
	db, err := database.Open(cfg.StorePath)
	if err != nil {
		return nil, err
	}
	return db, nil
}

// ensureDeviceID assigns the emulated tuner a stable identity on first start.
func ensureDeviceID(ctx context.Context, st store.PortalStore) error {
	settings, err := st.GetSettings(ctx)
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}
	if settings.HDHRID != "" {
		return nil
	}
	settings.HDHRID = uuid.NewString()
	if err := st.SaveSettings(ctx, settings); err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	logger.Info("{main - ensureDeviceID} assigned HDHR device id %s", settings.HDHRID)
	return nil
}

// startScheduler rebuilds every cached document and refreshes credential
// expiry on the configured cron schedule. An empty schedule disables it.
func startScheduler(ctx context.Context, spec string, caches *cache.Manager, creds *pool.Pool, pc client.Portal) (*cron.Cron, error) {
	if spec == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		logger.Info("{main - startScheduler} scheduled refresh started")
		caches.RebuildAll(ctx)
		if _, err := creds.RefreshExpiry(ctx, pc); err != nil {
			logger.Warn("{main - startScheduler} expiry refresh: %v", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("invalid refresh_schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger.SetLogLevel(cfg.LogLevel)

	st, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.StoreDriver, err)
	}
	defer st.Close()

	// serveCtx ends in-flight relays on shutdown; request contexts derive from it
	serveCtx, cancelServe := context.WithCancel(context.Background())
	defer cancelServe()

	if err := ensureDeviceID(serveCtx, st); err != nil {
		return err
	}

	httpClient := client.NewHeaderSettingClient(30 * time.Second)
	portalClient := client.NewLimited(client.NewStalker(httpClient), cfg.PortalRateLimit)

	tracker := occupancy.New()
	credentials := pool.New(st, tracker, cfg.ObfuscateUrls)
	validator := probe.NewFFprobe(cfg.FFprobePath, cfg.ObfuscateUrls)
	bufferPool := buffer.NewBufferPool(buffer.DefaultReadSize)
	relays := restream.NewManager(cfg.FFmpegPath, tracker, credentials, bufferPool, cfg.ObfuscateUrls)

	// a full stream pool must reject rather than queue the viewer
	streamPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithNonblocking(true))
	if err != nil {
		return fmt.Errorf("create stream pool: %w", err)
	}
	defer streamPool.Release()

	walkPool, err := ants.NewPool(cfg.WalkThreads)
	if err != nil {
		return fmt.Errorf("create walk pool: %w", err)
	}
	defer walkPool.Release()

	caches := cache.New(st, portalClient, cache.Options{
		BaseURL:   cfg.BaseURL,
		EPGHours:  cfg.EPGHours,
		WalkPool:  walkPool,
		Obfuscate: cfg.ObfuscateUrls,
	})
	res := resolver.New(st, portalClient, credentials, validator, cfg.ObfuscateUrls)
	res.UseNames(caches)
	gateway := proxy.NewGateway(st, res, relays, streamPool, cfg.ObfuscateUrls)

	router := mux.NewRouter()
	handlers.Register(router, handlers.Deps{
		Store:   st,
		Cache:   caches,
		Gateway: gateway,
		Tracker: tracker,
		BaseURL: cfg.BaseURL,
	})
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	setupAdminRoutes(router, &adminDeps{
		store:     st,
		cache:     caches,
		pool:      credentials,
		tracker:   tracker,
		streams:   streamPool,
		obfuscate: cfg.ObfuscateUrls,
		startedAt: time.Now(),
	})

	scheduler, err := startScheduler(serveCtx, cfg.RefreshSchedule, caches, credentials, portalClient)
	if err != nil {
		return err
	}

	// warm the caches so the first client does not wait for a full walk
	go caches.RebuildAll(serveCtx)

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return serveCtx },
	}

	logger.Info("{main - runServe} starting MacReplay %s", Version)
	logger.Info("{main - runServe} server configuration:")
	logger.Info("{main - runServe}   - Listen: %s", cfg.Listen)
	logger.Info("{main - runServe}   - Base URL: %s", cfg.BaseURL)
	logger.Info("{main - runServe}   - Store: %s (%s)", cfg.StoreDriver, cfg.StorePath)
	logger.Info("{main - runServe}   - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("{main - runServe}   - Walk Threads: %d", cfg.WalkThreads)
	logger.Info("{main - runServe}   - Portal Rate Limit: %d/s", cfg.PortalRateLimit)
	logger.Info("{main - runServe}   - Refresh Schedule: %q", cfg.RefreshSchedule)
	logger.Info("{main - runServe}   - Read Buffer: %s", utils.FormatBytes(int64(bufferPool.Size())))
	logger.Info("{main - runServe}   - URL Obfuscation: %v", cfg.ObfuscateUrls)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-sigCtx.Done():
	}

	logger.Info("{main - runServe} shutting down")
	if scheduler != nil {
		scheduler.Stop()
	}

	// relays never finish on their own, so cancel them before draining
	cancelServe()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
