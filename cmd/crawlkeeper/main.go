package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/crawlkeeper/crawlkeeper/internal/aggregator"
	"github.com/crawlkeeper/crawlkeeper/internal/api"
	"github.com/crawlkeeper/crawlkeeper/internal/common"
	"github.com/crawlkeeper/crawlkeeper/internal/jobstore"
	"github.com/crawlkeeper/crawlkeeper/internal/model"
	"github.com/crawlkeeper/crawlkeeper/internal/queue"
	"github.com/crawlkeeper/crawlkeeper/internal/registry"
	"github.com/crawlkeeper/crawlkeeper/internal/sqlitedb"
	"github.com/crawlkeeper/crawlkeeper/internal/taskrunner"
	"github.com/crawlkeeper/crawlkeeper/internal/workerpool"
)

// configPaths is a custom flag type that allows multiple -config flags.
type configPaths []string

func (c *configPaths) String() string { return fmt.Sprintf("%v", *c) }
func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

var (
	configFiles  configPaths
	serverPort   = flag.Int("port", 0, "Server port (overrides config)")
	serverHost   = flag.String("host", "", "Server host (overrides config)")
	jobsDirFlag  = flag.String("jobs-dir", "", "Directory of job registry TOML files")
	showVersion  = flag.Bool("version", false, "Print version information")
)

func init() {
	flag.Var(&configFiles, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	flag.Var(&configFiles, "c", "Configuration file path (shorthand)")
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("crawlkeeper version %s\n", common.GetVersion())
		os.Exit(0)
	}

	if len(configFiles) == 0 {
		if _, err := os.Stat("crawler.toml"); err == nil {
			configFiles = append(configFiles, "crawler.toml")
		}
	}

	config, err := common.LoadFromFiles(configFiles...)
	if err != nil {
		tempLogger := common.SetupLogger(common.NewDefaultConfig())
		tempLogger.Fatal().Err(err).Msg("failed to load configuration")
		os.Exit(1)
	}
	common.ApplyFlagOverrides(config, *serverPort, *serverHost)

	logger := common.SetupLogger(config)
	common.PrintBanner(config, logger)

	jobsDir := *jobsDirFlag
	if jobsDir == "" {
		jobsDir = "./jobs"
	}
	reg, err := registry.Load(jobsDir)
	if err != nil {
		logger.Fatal().Err(err).Str("jobs_dir", jobsDir).Msg("failed to load job registry")
	}
	logger.Info().Int("job_count", len(reg.Names())).Str("jobs_dir", jobsDir).Msg("job registry loaded")

	queueDB, err := sqlitedb.Open(sqlitedb.Config{Path: "./data/queue.db", WALMode: true}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open queue database")
	}
	defer queueDB.Close()
	q, err := queue.New(queueDB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize queue")
	}

	jobsDB, err := sqlitedb.Open(sqlitedb.Config{Path: "./data/jobs.db", WALMode: true}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open job store database")
	}
	defer jobsDB.Close()
	jobs, err := jobstore.New(jobsDB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize job store")
	}

	runner := taskrunner.New("./storage/jobs", config.Storage.JobsDir, logger)
	agg := aggregator.New("./storage/jobs", config.Storage.ScratchDir, config.Storage.JobsDir, logger)

	global := globalConfigFrom(config)
	workerOpts := workerOptionsFrom(config)
	pool := workerpool.New(q, jobs, runner, agg, global, logger, workerOpts)

	server := api.New(reg, jobs, q, config, logger)
	httpServer := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Server.Host, config.Server.Port),
		Handler: server.Router(),
	}

	ctx, cancelPool := context.WithCancel(context.Background())

	common.SafeGo(logger, "worker-pool", func() {
		pool.Start(ctx)
	})

	common.SafeGo(logger, "http-server", func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("submission API listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("submission API server failed")
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigChan:
		logger.Info().Msg("interrupt signal received")
	case <-server.ShutdownChan():
		logger.Info().Msg("shutdown requested via HTTP")
	}

	common.PrintShutdownBanner(logger)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("submission API shutdown failed")
	}

	cancelPool()
	pool.Shutdown(shutdownCtx)

	common.Stop()
	logger.Info().Msg("crawlkeeper stopped")
}

func globalConfigFrom(config *common.Config) model.GlobalConfig {
	return model.GlobalConfig{
		MaxPagesToCrawl:    config.Crawler.MaxPagesToCrawl,
		MaxTokens:          config.Crawler.MaxTokens,
		UserAgent:          config.Crawler.UserAgent,
		JavaScriptWaitTime: config.Crawler.JavaScriptWaitTimeMs,
	}
}

func workerOptionsFrom(config *common.Config) workerpool.Options {
	return workerpool.Options{
		Concurrency:        config.Worker.Concurrency,
		MinPollInterval:    mustParseDuration(config.Worker.MinPollInterval),
		MaxPollInterval:    mustParseDuration(config.Worker.MaxPollInterval),
		PollBackoffRatio:   config.Worker.PollBackoffRatio,
		BackoffBase:        mustParseDuration(config.Queue.BaseRetryDelay),
		StuckClaimTimeout:  mustParseDuration(config.Queue.StuckClaimTimeout),
		CompletedRetention: mustParseDuration(config.Queue.CompletedRetention),
		ShutdownTimeout:    mustParseDuration(config.Worker.ShutdownTimeout),
	}
}

func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
