package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	offlineproxy "github.com/always-cache/offline-proxy"
	"github.com/always-cache/offline-proxy/cache"
	"github.com/always-cache/offline-proxy/config"
	"github.com/always-cache/offline-proxy/lifecycle"
	"github.com/always-cache/offline-proxy/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	addrFlag           string
	hostFlag           string
	dbFilenameFlag     string
	versionFlag        string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// cache version tag, set at build time with -ldflags "-X main.cacheVersion=..."
	cacheVersion string
	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the application (overrides addr and host)")
	flag.StringVar(&addrFlag, "addr", "", "Origin IP address of the application")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory cache)")
	flag.StringVar(&versionFlag, "version", "", "Cache version tag")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()

	cfg, err := config.Load(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&cfg)
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}
	assets, err := cfg.Manifest()
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load asset manifest")
	}
	originURL, err := url.Parse(cfg.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse url")
	}

	storage, err := openStorage(cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache storage")
	}

	registry := prometheus.NewRegistry()
	m := metrics.NewMetrics("offline_proxy")
	if err := m.Register(registry); err != nil {
		log.Fatal().Err(err).Msg("Could not register metrics")
	}
	fetcher := offlineproxy.NewHTTPFetcher(cfg.Host, m)
	// cache writes of every version started by this process
	background := &sync.WaitGroup{}

	newProxy := func() *offlineproxy.Proxy {
		return offlineproxy.CreateProxy(offlineproxy.Config{
			Storage:            storage,
			Fetcher:            fetcher,
			OriginURL:          *originURL,
			OriginHost:         cfg.Host,
			Version:            cfg.Version,
			Assets:             assets,
			RootDocument:       cfg.RootDocument,
			InstallConcurrency: cfg.InstallConcurrency,
			Metrics:            m,
			Background:         background,
		})
	}
	proxy := newProxy()
	registration := lifecycle.NewRegistration(proxy.Network(), nil)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registration.Register(ctx, proxy); err != nil {
		log.Fatal().Err(err).Msg("Could not register proxy")
	}

	server := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: offlineproxy.Router(registration, func() lifecycle.Worker {
			return newProxy()
		}, storage, registry),
	}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Proxying port %v to %s (with hostname '%s'), cache version %s", cfg.Port, cfg.Origin, cfg.Host, cfg.Version)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	// handlers are done once shutdown returns, so no new cache writes start
	<-shutdownDone
	// let pending cache writes land before exiting
	background.Wait()
	if closer, ok := storage.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.Error().Err(err).Msg("Could not close cache storage")
		}
	}
}

// applyFlags overrides the config with the command line.
func applyFlags(cfg *config.Config) {
	if cacheVersion != "" && cfg.Version == "" {
		cfg.Version = cacheVersion
	}
	if versionFlag != "" {
		cfg.Version = versionFlag
	}
	if originFlag != "" {
		cfg.Origin = originFlag
	} else if addrFlag != "" {
		cfg.Origin = "https://" + addrFlag
		cfg.Host = hostFlag
	}
	if hostFlag != "" {
		cfg.Host = hostFlag
	}
	if portFlag != 0 {
		cfg.Port = portFlag
	}
	if dbFilenameFlag != "" {
		cfg.DB = dbFilenameFlag
	}
}

func openStorage(db string) (cache.CacheStorage, error) {
	if db == "memory" {
		return cache.NewMemStorage(), nil
	}
	return cache.NewSQLiteStorage(db)
}
