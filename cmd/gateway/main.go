// Command gateway is the CLI entrypoint (component N): wires the config
// loader through the registry, dispatcher, aggregator, HTTP API surface,
// subscription hub, and metrics, then blocks on signal-driven graceful
// shutdown.
//
// Grounded on the teacher's cmd/cryptorun/main.go (zerolog ConsoleWriter
// bootstrap, cobra root command) and cmd/cryptorun/monitor_main.go (the
// listen-then-drain-on-signal shutdown shape). The teacher's primary
// interface is an interactive menu; this one has no menu, only `serve` and
// `validate-config`, since the gateway is a long-running service, not an
// operator console.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketgw/gateway/internal/aggregate"
	"github.com/marketgw/gateway/internal/cache"
	"github.com/marketgw/gateway/internal/config"
	"github.com/marketgw/gateway/internal/dispatch"
	"github.com/marketgw/gateway/internal/httpapi"
	"github.com/marketgw/gateway/internal/httpclient"
	"github.com/marketgw/gateway/internal/metrics"
	"github.com/marketgw/gateway/internal/registry"
	"github.com/marketgw/gateway/internal/streamhub"

	_ "github.com/marketgw/gateway/internal/normalize"
)

const (
	appName = "market-gateway"
	version = "v0.1.0"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	if lvl, err := zerolog.ParseLevel(envOr("LOG_LEVEL", "info")); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	rootCmd := &cobra.Command{
		Use:     appName,
		Short:   "cryptocurrency market-data aggregation and delivery gateway",
		Version: version,
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "start the HTTP API, subscription hub, and metrics server",
		RunE:  runServe,
	}

	validateCmd := &cobra.Command{
		Use:   "validate-config",
		Short: "load and validate the provider catalog without starting the server",
		RunE:  runValidateConfig,
	}

	rootCmd.AddCommand(serveCmd, validateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("gateway exited with error")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func loadCatalog() (*config.Catalog, error) {
	path := envOr("PROVIDER_CONFIG_PATH", "providers.yaml")
	cat, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load provider catalog from %s: %w", path, err)
	}
	return cat, nil
}

func runValidateConfig(cmd *cobra.Command, args []string) error {
	cat, err := loadCatalog()
	if err != nil {
		return err
	}
	if _, err := registry.Build(cat); err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}
	log.Info().Int("providers", len(cat.Providers)).Msg("provider catalog is valid")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cat, err := loadCatalog()
	if err != nil {
		return err
	}

	reg, err := registry.Build(cat)
	if err != nil {
		return fmt.Errorf("build provider registry: %w", err)
	}

	client := httpclient.New(httpclient.Config{
		MaxConcurrency: cat.Global.MaxConcurrency,
		MaxRetries:     cat.Global.MaxRetries,
		BackoffBase:    time.Duration(cat.Global.BackoffBaseMS) * time.Millisecond,
		BackoffMax:     time.Duration(cat.Global.BackoffMaxMS) * time.Millisecond,
		UserAgent:      cat.Global.UserAgent,
	})

	maxEntries := 10000
	if v := os.Getenv("CACHE_MAX_ENTRIES"); v != "" {
		fmt.Sscanf(v, "%d", &maxEntries)
	}
	store := cache.New(maxEntries, os.Getenv("REDIS_ADDR"))

	promReg := prometheus.NewRegistry()
	metricsReg := metrics.NewRegistry(promReg)
	store.SetMetrics(metricsReg)

	dispatcher := dispatch.New(reg, client, store)
	dispatcher.SetMetrics(metricsReg)
	strictAgg := aggregate.New(dispatcher, false)
	permissiveAgg := aggregate.New(dispatcher, true)

	hub := streamhub.New(permissiveAgg)
	hub.SetMetrics(metricsReg)

	httpCfg := httpapi.DefaultConfig()
	server := httpapi.New(httpCfg, strictAgg, permissiveAgg, reg, promReg, metricsReg, hub)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			serverErr <- err
		}
	}()

	log.Info().Int("port", httpCfg.Port).Int("providers", len(reg.All())).Msg("gateway serving")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		return fmt.Errorf("http server error: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	log.Info().Msg("gateway shutdown complete")
	return nil
}
