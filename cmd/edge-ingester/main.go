package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/route-beacon/edge-ingester/internal/bus"
	"github.com/route-beacon/edge-ingester/internal/config"
	"github.com/route-beacon/edge-ingester/internal/httpapi"
	"github.com/route-beacon/edge-ingester/internal/imageupload"
	"github.com/route-beacon/edge-ingester/internal/merge"
	"github.com/route-beacon/edge-ingester/internal/metrics"
	"github.com/route-beacon/edge-ingester/internal/ocr"
	"github.com/route-beacon/edge-ingester/internal/record"
	"github.com/route-beacon/edge-ingester/internal/router"
	"github.com/route-beacon/edge-ingester/internal/sender"
	"github.com/route-beacon/edge-ingester/internal/sinks/columnar"
	"github.com/route-beacon/edge-ingester/internal/sinks/kvbus"
	"github.com/route-beacon/edge-ingester/internal/sinks/localstore"
	"github.com/route-beacon/edge-ingester/internal/sinks/rpc"
	"github.com/route-beacon/edge-ingester/internal/siteremap"
	"github.com/route-beacon/edge-ingester/internal/store"

	"github.com/fatih/color"
)

var (
	usageBold = color.New(color.Bold).SprintFunc()
	usageDim  = color.New(color.FgHiBlack).SprintFunc()
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		runServe()
	case "migrate":
		runMigrate()
	case "maintenance":
		runMaintenance()
	case "--help", "-h", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(usageBold("Usage: edge-ingester <command> [options]"))
	fmt.Println()
	fmt.Println(usageBold("Commands:"))
	fmt.Println("  serve         " + usageDim("Start the ingestion service"))
	fmt.Println("  migrate       " + usageDim("Run database migrations"))
	fmt.Println("  maintenance   " + usageDim("Run partition maintenance (create new, drop old)"))
	fmt.Println()
	fmt.Println(usageBold("Options:"))
	fmt.Println("  --config <path>   " + usageDim("Path to configuration YAML file"))
	fmt.Println("  --log-level <lvl> " + usageDim("Override log level (debug, info, warn, error)"))
}

func parseFlags(args []string) (configPath string, logLevel string) {
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--config":
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
		case "--log-level":
			if i+1 < len(args) {
				logLevel = args[i+1]
				i++
			}
		}
	}
	return
}

func loadConfig(args []string) (*config.Config, *zap.Logger) {
	configPath, logLevelOverride := parseFlags(args)

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if logLevelOverride != "" {
		cfg.Service.LogLevel = logLevelOverride
	}

	logger := initLogger(cfg.Service.LogLevel)
	return cfg, logger
}

func initLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zap.DebugLevel
	case "warn":
		zapLevel = zap.WarnLevel
	case "error":
		zapLevel = zap.ErrorLevel
	default:
		zapLevel = zap.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(zapLevel)
	zapCfg.EncoderConfig.TimeKey = "ts"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := zapCfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func migrationsDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "migrations"
	}
	return filepath.Join(filepath.Dir(exe), "migrations")
}

// buildRemapper builds the optional site remapper from the special_site
// config block, or returns nil if remap is disabled.
func buildRemapper(cfg config.SpecialSiteConfig) *siteremap.Remapper {
	if !cfg.Enabled {
		return nil
	}
	groups := make(map[siteremap.Direction]siteremap.Group, len(cfg.Dir))
	for dir, lg := range cfg.Dir {
		groups[siteremap.Direction(dir)] = siteremap.Group{CamID: lg.CamID, Lanes: lg.Lane}
	}
	return siteremap.New(groups)
}

// buildSinks constructs one sender.Sink per configured server entry.
// The grpc sinks also get their identity-discovery/companion goroutines
// started here, since they need the shared identity promise and, for
// sharp mode, a columnar adaptor opened lazily via the companion DSN.
func buildSinks(ctx context.Context, cfg *config.Config, identity *sender.CameraIdentity, spool *store.Spool, projection *store.Projection, logger *zap.Logger) ([]sender.Sink, []func(), error) {
	var sinks []sender.Sink
	var closers []func()

	for _, s := range cfg.Servers {
		switch s.Type {
		case "volt":
			adaptor := columnar.New(logger.Named("sinks.columnar."+s.Name), s.IP, s.Port, s.Name, identity)
			adaptor.Connect(ctx, s.IP)
			sinks = append(sinks, adaptor)
		case "grpc":
			target := fmt.Sprintf("%s:%d", s.IP, s.Port)
			mode := rpc.Mode(s.Mode)
			adaptor, err := rpc.Dial(ctx, logger.Named("sinks.rpc."+s.Name), s.Name, target, mode, identity)
			if err != nil {
				return nil, nil, fmt.Errorf("dialing grpc sink %s: %w", s.Name, err)
			}
			adaptor.StartIdentityDiscovery(ctx)
			if mode == rpc.ModeSharp && s.CompanionDSN != "" {
				companionAdaptor := columnar.New(logger.Named("sinks.columnar."+s.Name+".companion"), s.IP, s.Port, s.Name+"-companion", identity)
				if err := adaptor.OpenCompanion(func(dsn string) error {
					companionAdaptor.Connect(ctx, dsn)
					return nil
				}, s.CompanionDSN); err != nil {
					return nil, nil, fmt.Errorf("opening companion for %s: %w", s.Name, err)
				}
			}
			sinks = append(sinks, adaptor)
			closers = append(closers, func() { adaptor.Close() })
		case "redis":
			target := fmt.Sprintf("nats://%s:%d", s.IP, s.Port)
			adaptor, err := kvbus.Connect(logger.Named("sinks.kvbus."+s.Name), s.Name, target)
			if err != nil {
				return nil, nil, fmt.Errorf("connecting kvbus sink %s: %w", s.Name, err)
			}
			sinks = append(sinks, adaptor)
			closers = append(closers, adaptor.Close)
		case "sqlite":
			sinks = append(sinks, localstore.New(s.Name, cfg.Sqlite.Table, projection, spool))
		case "manual":
			logger.Info("sinks: server entry marked manual, no adaptor wired", zap.String("name", s.Name))
		default:
			return nil, nil, fmt.Errorf("unknown server type %q for sink %q", s.Type, s.Name)
		}
	}
	return sinks, closers, nil
}

func runServe() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	metrics.Register()

	logger.Info("starting edge-ingester",
		zap.String("instance_id", cfg.Service.InstanceID),
		zap.String("http_listen", cfg.Service.HTTPListen),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := store.NewPool(ctx, cfg.Sqlite.DSN, cfg.Sqlite.MaxConns, cfg.Sqlite.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	maintainer := store.NewMaintainer(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger.Named("store.maintain"))
	if err := maintainer.Run(ctx); err != nil {
		logger.Fatal("failed to run partition maintenance on startup", zap.Error(err))
	}

	spool, err := store.NewSpool(pool, cfg.Ingest.StoreRawBytesCompress)
	if err != nil {
		logger.Fatal("failed to construct spool", zap.Error(err))
	}
	projection := store.NewProjection(pool)

	identity := &sender.CameraIdentity{}

	sinks, sinkClosers, err := buildSinks(ctx, cfg, identity, spool, projection, logger)
	if err != nil {
		logger.Fatal("failed to build sinks", zap.Error(err))
	}
	defer func() {
		for _, c := range sinkClosers {
			c()
		}
	}()

	uploader := imageupload.New(fmt.Sprintf("http://%s:%d/upload", cfg.ImageRemote.Host, cfg.ImageRemote.Port))

	serverCh := make(chan *record.Record, cfg.Ingest.ChannelBufferSize)
	mergeCh := make(chan *record.Record, cfg.Ingest.ChannelBufferSize)
	ocrCh := make(chan *record.Record, cfg.Ingest.ChannelBufferSize)
	merge2KCh := make(chan *record.Record, cfg.Ingest.ChannelBufferSize)
	merge4KCh := make(chan *record.Record, cfg.Ingest.ChannelBufferSize)

	var wg sync.WaitGroup

	remapper := buildRemapper(cfg.SpecialSite)
	merger := merge.New(logger.Named("merge"), remapper)
	wg.Add(1)
	go func() { defer wg.Done(); merger.Run(ctx, merge2KCh, merge4KCh, serverCh) }()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case r, ok := <-mergeCh:
				if !ok {
					return
				}
				if r.DataType == record.TypeVehicle4K {
					merge4KCh <- r
				} else {
					merge2KCh <- r
				}
			}
		}
	}()

	if cfg.OCR.Enabled {
		logger.Warn("ocr: enabled in config but no concrete PlateDetector/PlateOCR backend is wired into this binary; records with candidate images fail in the OCR stage and are dropped")
	}
	stage := ocr.NewStage(logger.Named("ocr"), nil, nil, nil)
	wg.Add(1)
	go func() { defer wg.Done(); stage.Run(ctx, ocrCh, serverCh) }()

	snd := sender.New(logger.Named("sender"), identity, sinks, uploader, spool, cfg.ImageRemote)
	wg.Add(1)
	go func() { defer wg.Done(); snd.Run(ctx, serverCh) }()

	retryWorker := store.NewRetryWorker(logger.Named("store.retry"), spool, identity, cfg.Sqlite.Interval, serverCh)
	wg.Add(1)
	go func() { defer wg.Done(); retryWorker.Run(ctx) }()

	tlsCfg, err := cfg.Kafka.BuildTLSConfig()
	if err != nil {
		logger.Fatal("failed to build TLS config", zap.Error(err))
	}
	saslMech := cfg.Kafka.BuildSASLMechanism()

	rtr := router.New(logger.Named("router"), remapper)

	receiverStatus := make(map[string]httpapi.ReceiverStatus, len(cfg.RedisRcv))
	var receivers []*bus.Receiver
	for _, rc := range cfg.RedisRcv {
		var toServer, toMerge, toOCR chan<- *record.Record
		if rc.ToServer {
			toServer = serverCh
		}
		if rc.ToMerge {
			toMerge = mergeCh
		}
		if rc.ToOCR {
			toOCR = ocrCh
		}
		receiver, err := bus.New(bus.Config{
			Brokers:       cfg.Kafka.Brokers,
			GroupID:       rc.GroupID,
			Channel:       rc.Channel,
			Label:         rc.Label,
			ClientID:      cfg.Kafka.ClientID + "-" + rc.Label,
			FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
			SendTo:        rc.SendTo,
			TLS:           tlsCfg,
			SASL:          saslMech,
		}, rtr, toServer, toMerge, toOCR, logger.Named("bus."+rc.Label))
		if err != nil {
			logger.Fatal("failed to create receiver", zap.String("label", rc.Label), zap.Error(err))
		}
		defer receiver.Close()
		receivers = append(receivers, receiver)
		receiverStatus[rc.Label] = receiver
	}

	for _, receiver := range receivers {
		wg.Add(1)
		go func(r *bus.Receiver) { defer wg.Done(); r.Run(ctx) }(receiver)
	}

	httpServer := httpapi.NewServer(cfg.Service.HTTPListen, pool, receiverStatus, logger.Named("httpapi"))
	if err := httpServer.Start(); err != nil {
		logger.Fatal("failed to start HTTP server", zap.Error(err))
	}

	logger.Info("all pipelines and HTTP server started", zap.Int("receivers", len(receivers)), zap.Int("sinks", len(sinks)))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownTimeout := time.Duration(cfg.Service.ShutdownTimeoutSeconds) * time.Second
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("all pipelines stopped gracefully")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timeout reached, some goroutines may not have finished")
	}

	logger.Info("edge-ingester stopped")
}

func runMigrate() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running migrations", zap.String("dsn", redactDSN(cfg.Sqlite.DSN)))

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.Sqlite.DSN, cfg.Sqlite.MaxConns, cfg.Sqlite.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	if err := store.RunMigrations(ctx, pool, migrationsDir(), logger); err != nil {
		logger.Fatal("migration failed", zap.Error(err))
	}

	logger.Info("migrations complete")
}

func runMaintenance() {
	cfg, logger := loadConfig(os.Args[2:])
	defer logger.Sync()

	logger.Info("running partition maintenance",
		zap.Int("retention_days", cfg.Retention.Days),
		zap.String("timezone", cfg.Retention.Timezone),
	)

	ctx := context.Background()
	pool, err := store.NewPool(ctx, cfg.Sqlite.DSN, cfg.Sqlite.MaxConns, cfg.Sqlite.MinConns)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()

	maintainer := store.NewMaintainer(pool, cfg.Retention.Days, cfg.Retention.Timezone, logger)
	if err := maintainer.Run(ctx); err != nil {
		logger.Fatal("maintenance failed", zap.Error(err))
	}

	logger.Info("partition maintenance complete")
}

func redactDSN(dsn string) string {
	if !strings.Contains(dsn, "://") {
		re := regexp.MustCompile(`password\s*=\s*\S+`)
		return re.ReplaceAllString(dsn, "password=***")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
