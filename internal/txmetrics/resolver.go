package txmetrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/circuitbreaker"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metrics"
	"github.com/mbd888/agentscore/internal/metricsapi"
	"github.com/mbd888/agentscore/internal/outcome"
	"github.com/mbd888/agentscore/internal/traces"
)

// MetricsAPI is the primary tier. *metricsapi.Client satisfies it.
type MetricsAPI interface {
	GetMetrics(ctx context.Context, address, chain string) (*metricsapi.Metrics, error)
	GetTransactions(ctx context.Context, address, chain string, limit int, cursor string) (*metricsapi.TransactionsPage, error)
}

// Scanner is the fallback tier: it reads recent incoming transfers for an
// address straight from a ledger.
type Scanner interface {
	Scan(ctx context.Context, address string) ([]Transfer, error)
}

const (
	tierAPI    = "api"
	tierLedger = "ledger"

	opTransactions = "transactions"

	// maxPages bounds cursor paging in RecentTransactions.
	maxPages = 20
	pageSize = 100
)

var errTierSkipped = errors.New("txmetrics: tier not configured")

// Resolver resolves ChainMetrics through cache, API and ledger tiers.
type Resolver struct {
	api      MetricsAPI
	scanners map[chain.Chain]Scanner
	cache    *Cache
	breaker  *circuitbreaker.Breaker
	flight   singleflight.Group
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithAPI sets the primary tier.
func WithAPI(api MetricsAPI) Option {
	return func(r *Resolver) { r.api = api }
}

// WithScanner sets the ledger scanner for c.
func WithScanner(c chain.Chain, s Scanner) Option {
	return func(r *Resolver) { r.scanners[c] = s }
}

// WithCache replaces the default 5-minute cache.
func WithCache(c *Cache) Option {
	return func(r *Resolver) { r.cache = c }
}

// WithBreaker replaces the default API circuit breaker, which logs its
// state changes through the resolver logger.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(r *Resolver) { r.breaker = b }
}

// WithClock sets the clock used for day windows.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) { r.now = now }
}

// WithLogger sets the resolver logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// NewResolver creates a resolver. Tiers that are not configured are skipped.
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		scanners: make(map[chain.Chain]Scanner),
		now:      time.Now,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewCache(DefaultCacheTTL, r.now)
	}
	if r.breaker == nil {
		r.breaker = circuitbreaker.New(5, 30*time.Second,
			circuitbreaker.WithTransitionHook(r.breakerChanged))
	}
	return r
}

func (r *Resolver) breakerChanged(key string, from, to circuitbreaker.State) {
	log := r.logger.With("breaker", key, "from", from.String(), "to", to.String())
	if to == circuitbreaker.StateOpen {
		log.Warn("metrics API circuit opened, using ledger scans")
		return
	}
	log.Info("metrics API circuit state changed")
}

// Resolve returns metrics for address on c. It never returns an error: when
// every tier fails the result holds the empty sentinel with status Degraded.
// Concurrent calls for the same uncached key share one resolution.
func (r *Resolver) Resolve(ctx context.Context, c chain.Chain, address string) outcome.Result[ChainMetrics] {
	addr, err := c.Normalize(address)
	if err != nil {
		if _, perr := chain.Parse(string(c)); perr != nil {
			err = perr
		}
		return outcome.Degrade(Empty(c, address), SourceEmpty, err)
	}

	key := CacheKey(c, addr, "")
	if v, ok := r.cache.Get(key); ok {
		return outcome.Ok(v.(ChainMetrics), SourceCache)
	}

	v, _, _ := r.flight.Do(key, func() (any, error) {
		if v, ok := r.cache.Get(key); ok {
			return outcome.Ok(v.(ChainMetrics), SourceCache), nil
		}
		return r.resolve(ctx, c, addr, key), nil
	})
	return v.(outcome.Result[ChainMetrics])
}

func (r *Resolver) resolve(ctx context.Context, c chain.Chain, addr, key string) outcome.Result[ChainMetrics] {
	ctx, span := traces.StartSpan(ctx, "txmetrics.Resolve", traces.Chain(string(c)), traces.AgentAddr(addr))
	log := logging.L(ctx, r.logger).With("chain", c, "address", addr)

	var errs []error

	m, err := r.fromAPI(ctx, c, addr)
	r.observe(c, tierAPI, err)
	if err == nil {
		r.cache.Set(key, m)
		span.SetAttributes(traces.Tier(tierAPI))
		traces.End(span, nil)
		return outcome.Ok(m, SourceAPI)
	}
	if !errors.Is(err, errTierSkipped) {
		log.Warn("metrics api tier failed, falling back to ledger", "error", err)
		errs = append(errs, err)
	}

	m, err = r.fromLedger(ctx, c, addr)
	r.observe(c, tierLedger, err)
	if err == nil {
		r.cache.Set(key, m)
		span.SetAttributes(traces.Tier(tierLedger))
		traces.End(span, nil)
		if len(errs) > 0 {
			return outcome.Degrade(m, SourceLedger, errs...)
		}
		return outcome.Ok(m, SourceLedger)
	}
	if !errors.Is(err, errTierSkipped) {
		log.Warn("ledger scan failed, returning empty metrics", "error", err)
		errs = append(errs, err)
	}

	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("%w: no tier configured for %s", ErrSourceUnavailable, c))
	}
	span.SetAttributes(traces.Tier(SourceEmpty))
	traces.End(span, errors.Join(errs...))
	return outcome.Degrade(Empty(c, addr), SourceEmpty, errs...)
}

func (r *Resolver) observe(c chain.Chain, tier string, err error) {
	if errors.Is(err, errTierSkipped) {
		metrics.ResolverTierTotal.WithLabelValues(string(c), tier, metrics.ResultSkipped).Inc()
		return
	}
	metrics.ObserveTier(string(c), tier, err)
}

// breakerKey names the circuit guarding the API for one chain.
func breakerKey(c chain.Chain) string {
	return "metricsapi:" + string(c)
}

// countable decides which API failures trip the circuit. A request the API
// rejected as malformed says nothing about the API's health.
func countable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, metricsapi.ErrBadRequest),
		errors.Is(err, metricsapi.ErrNotFound):
		return false
	default:
		return true
	}
}

func (r *Resolver) fromAPI(ctx context.Context, c chain.Chain, addr string) (ChainMetrics, error) {
	if r.api == nil {
		return ChainMetrics{}, errTierSkipped
	}
	var out *metricsapi.Metrics
	err := r.breaker.Execute(breakerKey(c), countable, func() error {
		var err error
		out, err = r.api.GetMetrics(ctx, addr, string(c))
		return err
	})
	if err != nil {
		return ChainMetrics{}, fmt.Errorf("%w: metrics api: %w", ErrSourceUnavailable, err)
	}
	return fromAPI(c, addr, out), nil
}

func (r *Resolver) scan(ctx context.Context, c chain.Chain, addr string) ([]Transfer, error) {
	s, ok := r.scanners[c]
	if !ok || s == nil {
		return nil, errTierSkipped
	}
	done := metrics.Timer(metrics.LedgerScanDuration.WithLabelValues(string(c)))
	transfers, err := s.Scan(ctx, addr)
	done()
	if err != nil {
		return nil, fmt.Errorf("%w: %s ledger scan: %w", ErrSourceUnavailable, c, err)
	}
	return transfers, nil
}

func (r *Resolver) fromLedger(ctx context.Context, c chain.Chain, addr string) (ChainMetrics, error) {
	transfers, err := r.scan(ctx, c, addr)
	if err != nil {
		return ChainMetrics{}, err
	}
	return Aggregate(c, addr, transfers, r.now()), nil
}

// ResolveCombined resolves both chains concurrently and derives cross-chain
// totals. An empty wallet contributes an empty record without a lookup.
func (r *Resolver) ResolveCombined(ctx context.Context, w Wallets) outcome.Result[Combined] {
	results := make([]outcome.Result[ChainMetrics], 2)
	wallets := []struct {
		c    chain.Chain
		addr string
	}{
		{chain.Base, w.Base},
		{chain.Solana, w.Solana},
	}

	var g errgroup.Group
	for i, wl := range wallets {
		if wl.addr == "" {
			results[i] = outcome.Ok(Empty(wl.c, ""), SourceEmpty)
			continue
		}
		g.Go(func() error {
			results[i] = r.Resolve(ctx, wl.c, wl.addr)
			return nil
		})
	}
	_ = g.Wait()

	combined := outcome.Ok(Combine(results[0].Value, results[1].Value), "combined")
	for _, res := range results {
		combined = outcome.Merge(combined, res)
	}
	return combined
}

type cachedTransactions struct {
	txs      []Transaction
	complete bool // no further history beyond txs
}

// RecentTransactions returns up to limit incoming payments, newest first,
// through the same tiers as Resolve.
func (r *Resolver) RecentTransactions(ctx context.Context, c chain.Chain, address string, limit int) outcome.Result[[]Transaction] {
	if limit <= 0 {
		limit = pageSize
	}
	addr, err := c.Normalize(address)
	if err != nil {
		return outcome.Degrade([]Transaction{}, SourceEmpty, err)
	}

	key := CacheKey(c, addr, opTransactions)
	if v, ok := r.cache.Get(key); ok {
		cached := v.(cachedTransactions)
		if cached.complete || len(cached.txs) >= limit {
			return outcome.Ok(truncate(cached.txs, limit), SourceCache)
		}
	}

	log := logging.L(ctx, r.logger).With("chain", c, "address", addr)
	var errs []error

	txs, complete, err := r.transactionsFromAPI(ctx, c, addr, limit)
	r.observe(c, tierAPI, err)
	if err == nil {
		r.cache.Set(key, cachedTransactions{txs: txs, complete: complete})
		return outcome.Ok(txs, SourceAPI)
	}
	if !errors.Is(err, errTierSkipped) {
		log.Warn("metrics api transactions failed, falling back to ledger", "error", err)
		errs = append(errs, err)
	}

	transfers, err := r.scan(ctx, c, addr)
	r.observe(c, tierLedger, err)
	if err == nil {
		all := transactionsFromTransfers(transfers)
		r.cache.Set(key, cachedTransactions{txs: all, complete: true})
		if len(errs) > 0 {
			return outcome.Degrade(truncate(all, limit), SourceLedger, errs...)
		}
		return outcome.Ok(truncate(all, limit), SourceLedger)
	}
	if !errors.Is(err, errTierSkipped) {
		log.Warn("ledger scan failed, returning no transactions", "error", err)
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		errs = append(errs, fmt.Errorf("%w: no tier configured for %s", ErrSourceUnavailable, c))
	}
	return outcome.Degrade([]Transaction{}, SourceEmpty, errs...)
}

func (r *Resolver) transactionsFromAPI(ctx context.Context, c chain.Chain, addr string, limit int) ([]Transaction, bool, error) {
	if r.api == nil {
		return nil, false, errTierSkipped
	}

	var (
		txs    []Transaction
		cursor string
	)
	err := r.breaker.Execute(breakerKey(c), countable, func() error {
		for page := 0; page < maxPages && len(txs) < limit; page++ {
			p, err := r.api.GetTransactions(ctx, addr, string(c), min(limit-len(txs), pageSize), cursor)
			if err != nil {
				return err
			}
			for _, t := range p.Transactions {
				txs = append(txs, Transaction{
					Hash:      t.Hash,
					From:      t.From,
					AmountUSD: nonNegative(t.AmountUSD),
					Timestamp: t.Timestamp,
				})
			}
			cursor = p.NextCursor
			if cursor == "" {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("%w: metrics api: %w", ErrSourceUnavailable, err)
	}
	if txs == nil {
		txs = []Transaction{}
	}
	return truncate(txs, limit), cursor == "", nil
}

func truncate(txs []Transaction, limit int) []Transaction {
	if len(txs) <= limit {
		return txs
	}
	return txs[:limit]
}
