package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	kamoffline "github.com/kam-wiki/kam-offline"
	"github.com/kam-wiki/kam-offline/cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	listenFlag         string
	originFlag         string
	hostFlag           string
	scriptURLFlag      string
	cacheVersionFlag   string
	namespaceFlag      string
	providerFlag       string
	dbFilenameFlag     string
	redisAddrFlag      string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

const shutdownTimeout = 10 * time.Second

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "Path to YAML config file")
	flag.StringVar(&listenFlag, "listen", "", "Address to listen on (default :8080)")
	flag.StringVar(&originFlag, "origin", "", "Origin URL to proxy to")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.StringVar(&scriptURLFlag, "script-url", "", "URL the controller is deployed at (default <origin>/sw.js)")
	flag.StringVar(&cacheVersionFlag, "cache-version", "", "Generation tag of the caches (default "+kamoffline.DefaultVersion+")")
	flag.StringVar(&namespaceFlag, "namespace", "", "Prefix of the owned cache names (default kam-)")
	flag.StringVar(&providerFlag, "provider", "", "Storage provider: sqlite, memory or redis (default sqlite)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.StringVar(&redisAddrFlag, "redis", "", "Redis address for the redis provider")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	config, err := loadConfig(configFilenameFlag)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not load config")
	}
	applyFlags(&config)
	if err := config.validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid config")
	}

	setupLogger(config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	storage, err := openStorage(ctx, config.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("provider", config.Storage.Provider).Msg("Could not open storage")
	}
	defer storage.Close()

	originURL, _ := url.Parse(config.Origin)
	fetcher := kamoffline.NewHTTPFetcher(originClient(config.OriginHost))
	if config.OriginHost != "" {
		fetcher = fetcher.WithHost(config.OriginHost)
	}

	controller, err := kamoffline.New(kamoffline.Config{
		Storage:   storage,
		Fetcher:   fetcher,
		ScriptURL: config.ScriptURL,
		Version:   config.Version,
		Namespace: config.Namespace,
		Precache:  config.Precache,
		Logger:    &log.Logger,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not create controller")
	}

	registration := kamoffline.NewRegistration(&log.Logger)
	if err := registration.Install(ctx, controller); err != nil {
		// keep serving, requests are passed through until a controller is active
		log.Error().Err(err).Msg("Controller not installed")
	}

	server := &http.Server{
		Addr: config.Listen,
		Handler: kamoffline.NewHandler(kamoffline.HandlerConfig{
			Registration: registration,
			OriginURL:    *originURL,
			OriginHost:   config.OriginHost,
			Logger:       &log.Logger,
		}),
	}

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Could not shut down server")
		}
		if err := registration.Drain(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Pending cache writes were dropped")
		}
	}()

	log.Info().Msgf("Serving %s on %s (controller at %s)", config.Origin, config.Listen, config.ScriptURL)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	<-shutdown
}

// applyFlags overrides the config with the flags given on the command line.
func applyFlags(config *Config) {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			config.Listen = listenFlag
		case "origin":
			config.Origin = originFlag
		case "host":
			config.OriginHost = hostFlag
		case "script-url":
			config.ScriptURL = scriptURLFlag
		case "cache-version":
			config.Version = cacheVersionFlag
		case "namespace":
			config.Namespace = namespaceFlag
		case "provider":
			config.Storage.Provider = providerFlag
		case "db":
			config.Storage.DB = dbFilenameFlag
		case "redis":
			config.Storage.RedisAddr = redisAddrFlag
		case "vv":
			config.Trace = verbosityTraceFlag
		case "log-file":
			config.LogFile = logFilenameFlag
		}
	})
}

func setupLogger(config Config) {
	// set log level
	logLevel := zerolog.DebugLevel
	if config.Trace {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if config.LogFile != "" {
		if logFileOutput, err := os.OpenFile(config.LogFile, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("build", version).Logger()
}

func openStorage(ctx context.Context, config StorageConfig) (cache.Storage, error) {
	switch config.Provider {
	case "memory":
		return cache.NewMemStorage(), nil
	case "redis":
		return cache.NewRedisStorage(ctx, config.RedisAddr, config.RedisPrefix)
	default:
		dbFilename := config.DB
		if strings.EqualFold(dbFilename, "memory") {
			dbFilename = ""
		}
		return cache.NewSQLiteStorage(dbFilename)
	}
}

// originClient returns the client for origin requests, nil for the default one.
func originClient(originHost string) *http.Client {
	if originHost == "" {
		return nil
	}
	return &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		},
		// do not follow redirects
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}
