// Package aggregator gathers everything known about an agent into one
// scoring.AgentData.
//
// Identity, the queried chain's payments and (when known) the other chain's
// payments are resolved concurrently. Every source is best effort: a failed
// source leaves its fields at zero and degrades the result.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentscore/internal/agentregistry"
	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metrics"
	"github.com/mbd888/agentscore/internal/outcome"
	"github.com/mbd888/agentscore/internal/scoring"
	"github.com/mbd888/agentscore/internal/traces"
	"github.com/mbd888/agentscore/internal/txmetrics"
)

// SourceAggregate names results produced by Aggregate.
const SourceAggregate = "aggregate"

// DefaultTimeout bounds one aggregation.
const DefaultTimeout = 30 * time.Second

// ErrInvalidRequest is recorded when the request address cannot be used.
var ErrInvalidRequest = errors.New("aggregator: invalid request")

// MetricsResolver resolves per-chain payment metrics.
// *txmetrics.Resolver satisfies it.
type MetricsResolver interface {
	Resolve(ctx context.Context, c chain.Chain, address string) outcome.Result[txmetrics.ChainMetrics]
}

// ProfileResolver resolves registry identity, reputation and validations.
// *agentregistry.Resolver satisfies it.
type ProfileResolver interface {
	Resolve(ctx context.Context, owner string) outcome.Result[agentregistry.Profile]
}

// Request identifies the agent to aggregate.
type Request struct {
	Address string
	// Chain of Address. Detected from the address syntax when empty.
	Chain chain.Chain
	// OtherWallet is an optional wallet on the other chain.
	OtherWallet string
}

// Aggregator builds AgentData.
type Aggregator struct {
	metrics  MetricsResolver
	profiles ProfileResolver
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithTimeout bounds each aggregation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(a *Aggregator) { a.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.logger = l }
}

// New creates an aggregator. A nil profiles resolver skips identity.
func New(m MetricsResolver, profiles ProfileResolver, opts ...Option) *Aggregator {
	a := &Aggregator{
		metrics:  m,
		profiles: profiles,
		timeout:  DefaultTimeout,
		logger:   logging.Discard(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

type chainResult struct {
	wallet string
	res    outcome.Result[txmetrics.ChainMetrics]
}

// Aggregate never fails. The returned AgentData is always fully populated;
// its status is Degraded when any source failed or the request was unusable.
func (a *Aggregator) Aggregate(ctx context.Context, req Request) outcome.Result[scoring.AgentData] {
	ctx, span := traces.StartSpan(ctx, "aggregator.Aggregate", traces.AgentAddr(req.Address))
	result := a.aggregate(ctx, req)
	metrics.AggregationsTotal.WithLabelValues(result.Status.String()).Inc()
	traces.End(span, result.Err())
	return result
}

func (a *Aggregator) aggregate(ctx context.Context, req Request) outcome.Result[scoring.AgentData] {
	primary, addr, err := normalize(req)
	if err != nil {
		return outcome.Degrade(scoring.AgentData{}, SourceAggregate, err)
	}
	other := primary.Other()

	log := logging.L(ctx, a.logger).With("chain", primary, "address", addr)
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	var errs []error
	otherWallet := strings.TrimSpace(req.OtherWallet)
	if otherWallet != "" {
		if otherWallet, err = other.Normalize(otherWallet); err != nil {
			errs = append(errs, fmt.Errorf("%w: other wallet: %w", ErrInvalidRequest, err))
			otherWallet = ""
		}
	}

	var (
		profile outcome.Result[agentregistry.Profile]
		results = map[chain.Chain]*chainResult{}
		g       errgroup.Group
	)
	results[primary] = &chainResult{wallet: addr}
	if otherWallet != "" {
		results[other] = &chainResult{wallet: otherWallet}
	}

	g.Go(func() error {
		profile = a.resolveProfile(ctx, addr)
		return nil
	})
	for c, cr := range results {
		g.Go(func() error {
			cr.res = a.metrics.Resolve(ctx, c, cr.wallet)
			return nil
		})
	}
	_ = g.Wait()

	// A wallet linked to the identity stands in for a missing OtherWallet.
	if otherWallet == "" {
		if linked := profile.Value.Wallet(other); linked != "" {
			log.Debug("resolving linked wallet", "linked_chain", other, "linked_wallet", linked)
			results[other] = &chainResult{wallet: linked, res: a.metrics.Resolve(ctx, other, linked)}
		}
	}

	data := scoring.AgentData{}
	applyProfile(&data, profile.Value)
	for c, cr := range results {
		act := activity(cr.wallet, cr.res.Value)
		switch c {
		case chain.Base:
			data.Base = act
		case chain.Solana:
			data.Solana = act
		}
	}

	out := outcome.Ok(data, SourceAggregate)
	if len(errs) > 0 {
		out = outcome.Degrade(data, SourceAggregate, errs...)
	}
	out = outcome.Merge(out, profile)
	for _, c := range chain.All {
		if cr, ok := results[c]; ok {
			out = outcome.Merge(out, cr.res)
		}
	}
	if out.Status != outcome.OK {
		log.Info("aggregation degraded", "error", out.Err())
	}
	return out
}

func (a *Aggregator) resolveProfile(ctx context.Context, owner string) outcome.Result[agentregistry.Profile] {
	if a.profiles == nil {
		return outcome.Ok(agentregistry.Profile{}, agentregistry.SourceNone)
	}
	return a.profiles.Resolve(ctx, owner)
}

func normalize(req Request) (chain.Chain, string, error) {
	c := req.Chain
	if c == "" {
		detected, err := chain.Detect(strings.TrimSpace(req.Address))
		if err != nil {
			return "", "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		c = detected
	} else if parsed, err := chain.Parse(string(c)); err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	} else {
		c = parsed
	}
	addr, err := c.Normalize(req.Address)
	if err != nil {
		return "", "", fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return c, addr, nil
}

func applyProfile(d *scoring.AgentData, p agentregistry.Profile) {
	if p.Found() {
		d.AgentID = p.Identity.AgentID
	}
	d.Name = p.Registration.Name
	d.ReputationCount = p.Reputation.Count
	d.ReputationAverage = p.Reputation.Average
	d.ReputationByTag = p.Reputation.ByTag
	d.ValidationCount = p.Validations.Count
	d.ValidationPassed = p.Validations.Passed
	d.ValidationFailed = p.Validations.Failed
}

func activity(wallet string, m txmetrics.ChainMetrics) scoring.ChainActivity {
	return scoring.ChainActivity{
		Wallet:       wallet,
		TxCount:      m.TransactionCount,
		VolumeUSD:    m.TotalVolumeUSD,
		UniqueBuyers: m.UniqueBuyers,
		FirstTxAt:    m.FirstTransactionAt,
		LastTxAt:     m.LastTransactionAt,
	}
}
