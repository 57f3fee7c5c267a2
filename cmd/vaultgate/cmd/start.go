package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	celrules "github.com/vaultgate/vaultgate/internal/adapter/cel"
	"github.com/vaultgate/vaultgate/internal/adapter/memory"
	"github.com/vaultgate/vaultgate/internal/adapter/sqlite"
	"github.com/vaultgate/vaultgate/internal/adapter/tcp"
	"github.com/vaultgate/vaultgate/internal/config"
	"github.com/vaultgate/vaultgate/internal/domain/peer"
	"github.com/vaultgate/vaultgate/internal/port"
	"github.com/vaultgate/vaultgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway node",
	Long: `Start the vaultgate node.

The node listens for peer connections on node.listen_addr, admits
requests through the configured permission firewall, and serves them
from the local client handlers.

Examples:
  # Start with config file settings
  vaultgate start

  # Start with a specific config file
  vaultgate --config /path/to/config.yaml start

  # Start a wide-open local node for development
  vaultgate start --dev`,
	RunE: runStart,
}

var (
	devMode     bool
	clientPaths []string
)

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (verbose logging, permissive policy)")
	startCmd.Flags().StringArrayVar(&clientPaths, "client", nil, "Client path to serve (repeatable; defaults to paths named in the policy)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load configuration (without validation, so CLI flags can override first)
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Override dev mode from CLI flag
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// Create signal context for graceful shutdown.
	// stop() restores default signal handling so a second Ctrl+C does a hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.SlogLevel(),
	}))

	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}

	logger.Info("vaultgate stopped")
	return nil
}

// run wires all components together: identity, address book, transport,
// firewall policy and the network service.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.DevMode {
		logger.Warn("development mode enabled, policy defaults are permissive")
	}

	keys, created, err := loadIdentity(cfg.Node.IdentitySeedFile)
	if err != nil {
		return fmt.Errorf("loading node identity: %w", err)
	}
	if created {
		logger.Info("generated new node identity", "seed_file", identitySeedPath(cfg.Node.IdentitySeedFile))
	}
	logger.Info("node identity", "peer_id", keys.ID())

	// Metrics registry; served over HTTP only when an address is configured.
	registry := prometheus.NewRegistry()
	metrics := service.NewMetrics(registry)

	var metricsServer *http.Server
	if cfg.Node.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			Registry: registry,
		}))
		metricsServer = &http.Server{Addr: cfg.Node.MetricsAddr, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Node.MetricsAddr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}()
	}

	// Peer expression rules are compiled once at startup; a bad rule is a
	// config error, not a runtime one.
	compiler, err := celrules.NewCompiler()
	if err != nil {
		return fmt.Errorf("creating rule compiler: %w", err)
	}
	svcCfg, err := cfg.ServiceConfig(compiler.CompileRule)
	if err != nil {
		return fmt.Errorf("building network config: %w", err)
	}

	// Persistent address book. Addresses learned this run are exported on
	// shutdown so later runs can dial known peers again.
	book, err := sqlite.Open(cfg.Node.AddressBookPath)
	if err != nil {
		return fmt.Errorf("opening address book: %w", err)
	}
	defer func() { _ = book.Close() }()

	savedAddrs, err := book.Load(ctx)
	if err != nil {
		return fmt.Errorf("loading address book: %w", err)
	}

	opts := tcp.Options{
		ListenAddress: cfg.Node.ListenAddr,
		DialTimeout:   svcCfg.ConnectionTimeout(),
	}
	if limits := svcCfg.ConnectionsLimit(); limits != nil {
		opts.Limits = *limits
	}
	transport := tcp.New(keys, opts, logger)
	transport.SeedAddresses(savedAddrs)
	if info := svcCfg.AddressInfo(); info != nil {
		transport.SeedAddresses(*info)
	}

	registryPort, handlerCount := buildRegistry(cfg, logger)

	network := service.NewNetwork(transport, registryPort, svcCfg, logger, metrics)
	if err := network.Start(ctx); err != nil {
		return err
	}

	logger.Info("vaultgate started",
		"version", Version,
		"listen_addr", transport.ListenAddress(),
		"peer_id", keys.ID(),
		"clients", handlerCount,
		"known_peers", len(savedAddrs.Addresses),
		"dev_mode", cfg.DevMode,
	)

	<-ctx.Done()
	logger.Info("shutting down")

	if err := network.Stop(); err != nil {
		logger.Warn("transport close", "error", err)
	}

	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := book.Save(saveCtx, transport.Addresses()); err != nil {
		logger.Warn("exporting address book", "error", err)
	}
	return nil
}

// buildRegistry registers an in-memory vault handler for every served client
// path. Paths come from the --client flag when given, otherwise from the
// client paths named in the policy, with "default" as the fallback.
func buildRegistry(cfg *config.Config, logger *slog.Logger) (port.Registry, int) {
	paths := clientPaths
	if len(paths) == 0 {
		for _, grant := range cfg.Permissions.Clients {
			if !grant.Deny {
				paths = append(paths, grant.ClientPath)
			}
		}
	}
	if len(paths) == 0 {
		paths = []string{"default"}
	}

	registry := memory.NewRegistry()
	for _, path := range paths {
		registry.Register([]byte(path), memory.NewHandler())
		logger.Debug("serving client", "client_path", path)
	}
	return registry, len(paths)
}

// loadIdentity reads the node's ed25519 seed from disk, generating and
// persisting a fresh one on first start. The second return reports whether a
// new identity was created.
func loadIdentity(path string) (peer.Keypair, bool, error) {
	path = identitySeedPath(path)

	seed, err := os.ReadFile(path)
	switch {
	case err == nil:
		keys, err := peer.KeypairFromSeed(seed)
		if err != nil {
			return peer.Keypair{}, false, fmt.Errorf("%s: %w", path, err)
		}
		return keys, false, nil

	case os.IsNotExist(err):
		keys, err := peer.GenerateKeypair()
		if err != nil {
			return peer.Keypair{}, false, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return peer.Keypair{}, false, err
			}
		}
		seed := keys.Private.Seed()
		if err := os.WriteFile(path, seed, 0o600); err != nil {
			return peer.Keypair{}, false, fmt.Errorf("persisting identity seed: %w", err)
		}
		return keys, true, nil

	default:
		return peer.Keypair{}, false, err
	}
}

func identitySeedPath(path string) string {
	if path != "" {
		return path
	}
	return "vaultgate.seed"
}
