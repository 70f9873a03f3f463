package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/always-cache/shellcache"
	"github.com/always-cache/shellcache/cache"
	"github.com/always-cache/shellcache/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFlag         string
	portFlag           int
	providerFlag       string
	dbFilenameFlag     string
	appVersionFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFlag, "config", "shellcache.yml", "Config file")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, leveldb or memory (overrides config)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Storage path (use 'memory' for in-memory sqlite db)")
	flag.StringVar(&appVersionFlag, "app-version", "", "Version tag of the application build (overrides config)")
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

	config, err := shellcache.LoadConfig(configFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	if portFlag != 0 {
		config.Server.Port = portFlag
	}
	if providerFlag != "" {
		config.Storage.Provider = providerFlag
	}
	if dbFilenameFlag != "" {
		config.Storage.Path = dbFilenameFlag
	}
	if appVersionFlag != "" {
		config.Version = appVersionFlag
	}

	provider, err := cache.OpenProvider(config.Storage.Provider, config.Storage.Path)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open storage")
	}
	config.Cache = provider

	worker, err := shellcache.New(config)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create worker")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := worker.Run(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not start worker")
	}
	for _, res := range report.Results {
		if res.Err != nil {
			log.Warn().Err(res.Err).Str("url", res.URL).Msg("Asset not available offline")
		}
	}
	go worker.WatchConnectivity(ctx)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Server.Port),
		Handler: server.New(worker, log.Logger),
	}
	// end client event streams so shutdown does not wait for them
	srv.RegisterOnShutdown(worker.Clients().CloseAll)
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving %s on port %v (store %s)", config.Scope, config.Server.Port, worker.StoreName())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	for _, stat := range worker.Stats() {
		log.Info().Msg(stat.String())
	}
	if err := worker.Close(); err != nil {
		log.Error().Err(err).Msg("Could not close storage")
	}
}
