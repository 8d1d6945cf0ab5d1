package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/Will-gabia/mailgate/config"
	"github.com/Will-gabia/mailgate/db"
	"github.com/Will-gabia/mailgate/logger"
	"github.com/Will-gabia/mailgate/pkg/mailauth"
	"github.com/Will-gabia/mailgate/pkg/ratelimit"
	"github.com/Will-gabia/mailgate/server/adminapi"
	"github.com/Will-gabia/mailgate/server/classifier"
	"github.com/Will-gabia/mailgate/server/forwarder"
	"github.com/Will-gabia/mailgate/server/processor"
	"github.com/Will-gabia/mailgate/server/retrier"
	"github.com/Will-gabia/mailgate/server/smtpgateway"
	"github.com/Will-gabia/mailgate/storage"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// services holds everything main wires together, so shutdown can walk the
// pieces in a deliberate order.
type services struct {
	database  *db.Database
	store     *storage.S3Storage
	limiter   *ratelimit.Limiter
	worker    *processor.Worker
	scheduler *retrier.Scheduler
	gateway   *smtpgateway.Backend
	api       *adminapi.Server
	hostname  string
	wg        sync.WaitGroup
}

func main() {
	cfg := config.NewDefaultConfig()

	showVersion := flag.Bool("version", false, "Show version information and exit")
	flag.BoolVar(showVersion, "v", false, "Show version information and exit")
	configPath := flag.String("config", "config.toml", "Path to TOML configuration file")
	flag.Parse()

	if *showVersion {
		fmt.Printf("mailgate version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(0)
	}

	loadAndValidateConfig(*configPath, &cfg)

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MAILGATE: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			logger.Sync()
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MAILGATE: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	} else {
		defer logger.Sync()
	}

	logger.Infof("mailgate starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Infof("Logging format: %s, level: %s", cfg.Logging.Format, cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	deps, err := initializeServices(ctx, &cfg)
	if err != nil {
		logger.Fatal("failed to initialize services", "error", err)
	}

	defer deps.database.Close()
	defer deps.limiter.Stop()
	defer deps.worker.Stop()
	if deps.scheduler != nil {
		defer deps.scheduler.Stop()
	}

	errChan := startServers(ctx, deps)

	select {
	case <-ctx.Done():
		// Close the SMTP listener first so no new mail is accepted while
		// the worker drains what is already queued.
		if deps.gateway != nil {
			if err := deps.gateway.Close(); err != nil {
				logger.Warn("error closing SMTP listener", "error", err)
			}
		}

		done := make(chan struct{})
		go func() {
			deps.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			logger.Info("all listeners closed")
		case <-time.After(10 * time.Second):
			logger.Warn("server shutdown timeout reached after 10 seconds")
		}

		// The deferred Stop calls wait for in-flight jobs, so the database
		// stays open until the workers have finished with it.
		logger.Info("shutdown complete, releasing resources")
	case err := <-errChan:
		logger.Fatal("server operation failed", "error", err)
	}
}

// loadAndValidateConfig loads configuration from file and validates it. A
// missing default config file is tolerated, a missing explicit one is not.
func loadAndValidateConfig(configPath string, cfg *config.Config) {
	if err := config.Load(configPath, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) && configPath == "config.toml" {
			fmt.Fprintf(os.Stderr, "MAILGATE: default configuration file '%s' not found, using application defaults\n", configPath)
		} else {
			fmt.Fprintf(os.Stderr, "MAILGATE: error loading configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "MAILGATE: invalid configuration: %v\n", err)
		os.Exit(1)
	}
}

func initializeServices(ctx context.Context, cfg *config.Config) (*services, error) {
	hostname := cfg.SMTP.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	database, err := db.NewDatabase(ctx, &cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	database.StartPoolMetrics(ctx)

	var store *storage.S3Storage
	if cfg.S3.Endpoint != "" {
		store, err = storage.New(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, !cfg.S3.DisableTLS, cfg.S3.Trace)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize S3 storage: %w", err)
		}
	} else {
		logger.Warn("no S3 endpoint configured, attachment payloads will not be stored")
	}

	relay := forwarder.NewRelayClient(&cfg.Relay, hostname)
	relay.Verify(ctx)

	retryBase, err := cfg.Retry.GetBaseDelay()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid retry base delay: %w", err)
	}
	fwd := forwarder.New(database, relay, hostname, retryBase)

	engine := classifier.New(database)

	var verifier mailauth.Verifier
	if cfg.Auth.Enabled {
		verifier = mailauth.NewVerifier()
	} else {
		verifier = mailauth.Disabled()
	}

	rateWindow, err := cfg.RateLimit.GetWindow()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid rate limit window: %w", err)
	}
	limiter := ratelimit.New(cfg.RateLimit.Enabled, rateWindow, cfg.RateLimit.MaxPerWindow)
	limiter.Start(ctx)

	workerPoll, err := cfg.Worker.GetPollInterval()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid worker poll interval: %w", err)
	}
	workerBase, err := cfg.Worker.GetBaseDelay()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("invalid worker base delay: %w", err)
	}
	instanceID := cfg.Worker.InstanceID
	if instanceID == "" {
		instanceID = hostname
	}
	var workerStore processor.AttachmentStore
	if store != nil {
		workerStore = store
	}
	worker := processor.New(database, workerStore, fwd, engine, verifier, processor.Options{
		InstanceID:   instanceID,
		BatchSize:    cfg.Worker.BatchSize,
		Concurrency:  cfg.Worker.Concurrency,
		MaxAttempts:  cfg.Worker.MaxAttempts,
		BaseDelay:    workerBase,
		PollInterval: workerPoll,
		MaxKeywords:  cfg.Worker.MaxKeywords,
	})

	var scheduler *retrier.Scheduler
	if cfg.Retry.Enabled {
		retryPoll, err := cfg.Retry.GetPollInterval()
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("invalid retry poll interval: %w", err)
		}
		scheduler = retrier.New(database, relay, hostname, cfg.Retry.MaxAttempts, retryBase, retryPoll)
	}

	deps := &services{
		database:  database,
		store:     store,
		limiter:   limiter,
		worker:    worker,
		scheduler: scheduler,
		hostname:  hostname,
	}

	if cfg.SMTP.Start {
		gateway, err := smtpgateway.New(ctx, &cfg.SMTP, database, limiter, worker)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize SMTP gateway: %w", err)
		}
		deps.gateway = gateway
	}

	if cfg.API.Start {
		api, err := adminapi.New(&cfg.API, database, cfg.Worker.MaxAttempts)
		if err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize admin API: %w", err)
		}
		deps.api = api
	}

	return deps, nil
}

// startServers launches every configured listener and background loop. The
// returned channel carries the first fatal server error.
func startServers(ctx context.Context, deps *services) <-chan error {
	errChan := make(chan error, 4)

	if err := deps.worker.Start(ctx); err != nil {
		errChan <- fmt.Errorf("failed to start processing worker: %w", err)
		return errChan
	}
	if deps.scheduler != nil {
		if err := deps.scheduler.Start(ctx); err != nil {
			errChan <- fmt.Errorf("failed to start retry scheduler: %w", err)
			return errChan
		}
	}

	if deps.gateway != nil {
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			if err := deps.gateway.Start(); err != nil && ctx.Err() == nil {
				select {
				case errChan <- fmt.Errorf("SMTP server error: %w", err):
				default:
				}
			}
		}()
	}

	if deps.api != nil {
		deps.wg.Add(1)
		go func() {
			defer deps.wg.Done()
			if err := deps.api.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case errChan <- fmt.Errorf("admin API error: %w", err):
				default:
				}
			}
		}()
	}

	return errChan
}
