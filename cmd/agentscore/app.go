package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/agentscore/internal/agentregistry"
	"github.com/mbd888/agentscore/internal/aggregator"
	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/config"
	"github.com/mbd888/agentscore/internal/health"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metricsapi"
	"github.com/mbd888/agentscore/internal/ratelimit"
	"github.com/mbd888/agentscore/internal/scoring"
	"github.com/mbd888/agentscore/internal/traces"
	"github.com/mbd888/agentscore/internal/txmetrics"
)

// app holds the wired services for one command invocation.
type app struct {
	logger     *slog.Logger
	metrics    *txmetrics.Resolver
	profiles   aggregator.ProfileResolver
	aggregator *aggregator.Aggregator
	calculator *scoring.Calculator
	checks     *health.Registry
	closers    []func(context.Context) error
}

// Close releases clients and flushes traces.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i](ctx))
	}
	return errors.Join(errs...)
}

// appLoader builds the services a command needs.
type appLoader func(ctx context.Context) (*app, error)

// loadApp wires real clients from the environment.
func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	logger.Debug("configuration loaded",
		"env", cfg.Env,
		"metrics_api", cfg.MetricsAPIEnabled(),
		"registries", cfg.RegistriesEnabled(),
		"version", Version,
		"commit", Commit,
	)

	a := &app{logger: logger}
	shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, Version, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	a.closers = append(a.closers, shutdown)

	if err := a.wire(ctx, cfg); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context, cfg *config.Config) error {
	limiter := ratelimit.New(ratelimit.Config{
		RequestsPerSecond: cfg.RPCRequestsPerSecond,
		BurstSize:         cfg.RPCBurst,
	}, nil)

	evm, err := ethclient.DialContext(ctx, cfg.BaseRPCURL)
	if err != nil {
		return fmt.Errorf("failed to connect to base rpc: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { evm.Close(); return nil })

	sol, err := txmetrics.DialSolana(ctx, cfg.SolanaRPCURL, limiter)
	if err != nil {
		return fmt.Errorf("failed to connect to solana rpc: %w", err)
	}
	a.closers = append(a.closers, func(context.Context) error { sol.Close(); return nil })

	a.checks = health.NewRegistry(health.DefaultTimeout)
	a.checks.Register("base-rpc", health.Height(evm.BlockNumber))
	a.checks.Register("solana-rpc", health.Height(sol.GetSlot))

	opts := []txmetrics.Option{
		txmetrics.WithScanner(chain.Base, txmetrics.NewEVMScanner(txmetrics.ThrottleEVM(evm, limiter), common.HexToAddress(cfg.BaseUSDC),
			txmetrics.WithScanWindow(cfg.EVMScanBlocks),
			txmetrics.WithEVMLogger(a.logger),
		)),
		txmetrics.WithScanner(chain.Solana, txmetrics.NewSolanaScanner(sol, cfg.SolanaUSDCMint,
			txmetrics.WithSignatureLimit(cfg.SolanaSignatureLimit),
			txmetrics.WithSolanaLogger(a.logger),
		)),
		txmetrics.WithCache(txmetrics.NewCache(cfg.CacheTTL, nil)),
		txmetrics.WithLogger(a.logger),
	}
	if cfg.MetricsAPIEnabled() {
		api, err := newMetricsAPI(cfg, a.logger)
		if err != nil {
			return err
		}
		opts = append(opts, txmetrics.WithAPI(api))
	} else if cfg.IsProduction() {
		a.logger.Warn("metrics api not configured, payment metrics rely on ledger scans")
	}
	a.metrics = txmetrics.NewResolver(opts...)

	if cfg.SubgraphURL != "" {
		indexer := agentregistry.NewSubgraphIndexer(cfg.SubgraphURL, nil)
		a.checks.Register("subgraph", health.Height(indexer.IndexedBlock))
		profiles, err := newProfileResolver(cfg, indexer, txmetrics.ThrottleCaller(evm, limiter), a.logger)
		if err != nil {
			return err
		}
		a.profiles = profiles
	}

	a.aggregator = aggregator.New(a.metrics, a.profiles,
		aggregator.WithTimeout(cfg.RequestTimeout),
		aggregator.WithLogger(a.logger),
	)
	a.calculator = scoring.NewCalculator()
	return nil
}

func newMetricsAPI(cfg *config.Config, logger *slog.Logger) (*metricsapi.Client, error) {
	key, err := metricsapi.ParsePrivateKey(cfg.MetricsAPIPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse METRICS_API_PRIVATE_KEY: %w", err)
	}
	tokens := metricsapi.NewTokenSource(cfg.MetricsAPIKeyName, key)
	return metricsapi.New(cfg.MetricsAPIURL, tokens, metricsapi.WithLogger(logger))
}

func newProfileResolver(cfg *config.Config, indexer agentregistry.Indexer, caller agentregistry.ContractCaller, logger *slog.Logger) (*agentregistry.Resolver, error) {
	opts := []agentregistry.ResolverOption{
		agentregistry.WithDocuments(agentregistry.NewDocumentFetcher(
			agentregistry.WithGateways(cfg.IPFSGateway, cfg.ArweaveGateway),
		)),
		agentregistry.WithResolverLogger(logger),
	}
	if cfg.IdentityRegistry != "" {
		c, err := agentregistry.NewIdentityContract(caller, common.HexToAddress(cfg.IdentityRegistry))
		if err != nil {
			return nil, err
		}
		opts = append(opts, agentregistry.WithIdentityRegistry(c))
	}
	if cfg.ReputationRegistry != "" {
		var ropts []agentregistry.ReputationOption
		if cfg.LegacyReputationTags {
			ropts = append(ropts, agentregistry.WithLegacyTags())
		}
		c, err := agentregistry.NewReputationContract(caller, common.HexToAddress(cfg.ReputationRegistry), ropts...)
		if err != nil {
			return nil, err
		}
		opts = append(opts, agentregistry.WithReputationRegistry(c))
	}
	if cfg.ValidationRegistry != "" {
		c, err := agentregistry.NewValidationContract(caller, common.HexToAddress(cfg.ValidationRegistry))
		if err != nil {
			return nil, err
		}
		opts = append(opts, agentregistry.WithValidationRegistry(c))
	}
	return agentregistry.NewResolver(indexer, opts...), nil
}
