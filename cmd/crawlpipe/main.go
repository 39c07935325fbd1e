package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlpipe/internal/api"
	"github.com/JakeFAU/crawlpipe/internal/clock/system"
	"github.com/JakeFAU/crawlpipe/internal/config"
	"github.com/JakeFAU/crawlpipe/internal/crawler"
	"github.com/JakeFAU/crawlpipe/internal/id/uuid"
	"github.com/JakeFAU/crawlpipe/internal/logging"
	"github.com/JakeFAU/crawlpipe/internal/middleware/useragent"
	"github.com/JakeFAU/crawlpipe/internal/pipeline"
	mongopipe "github.com/JakeFAU/crawlpipe/internal/pipeline/mongodb"
	"github.com/JakeFAU/crawlpipe/internal/storage"
	"github.com/JakeFAU/crawlpipe/internal/storage/memory"
	mongostore "github.com/JakeFAU/crawlpipe/internal/storage/mongodb"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "crawlpipe: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, settings, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	agents, err := useragent.Load(cast.ToString(settings.Get(useragent.SettingListFile)), logger)
	if err != nil {
		return err
	}

	opts, err := mongopipe.Resolve(mongopipe.DefaultOptions(), settings)
	if err != nil {
		return err
	}
	connector, inMemory := connectorFor(opts.URI, cfg.MongoDB.ConnectTimeout(), logger)
	store := mongopipe.New(mongopipe.DefaultOptions(), connector, system.New(), logger)
	chain := pipeline.NewChain(logger, store)
	engine := crawler.New(cfg.Crawler.Engine(), chain, settings, uuid.New(), logger, agents)

	if cfg.Server.Enabled {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           api.NewServer(engine, store, logger).Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("HTTP server started", zap.Int("port", cfg.Server.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server shutdown error", zap.Error(err))
			}
		}()
	}

	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("crawl: %w", err)
	}
	if inMemory != nil {
		logger.Info("Items kept in memory",
			zap.Int("count", inMemory.Collection(opts.Database, opts.Collection).Count()),
		)
	}
	return nil
}

// connectorFor routes memory:// URIs to the in-process store. The second
// result is non-nil only in that case.
func connectorFor(uri string, timeout time.Duration, logger *zap.Logger) (storage.Connector, *memory.Connector) {
	if strings.HasPrefix(uri, memory.Scheme) {
		conn := memory.NewConnector()
		return conn, conn
	}
	return mongostore.NewConnector(timeout, logger), nil
}
