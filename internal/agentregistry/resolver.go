package agentregistry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/fixedpoint"
	"github.com/mbd888/agentscore/internal/logging"
	"github.com/mbd888/agentscore/internal/metrics"
	"github.com/mbd888/agentscore/internal/outcome"
	"github.com/mbd888/agentscore/internal/traces"
)

const (
	SourceNone     = "none"
	SourceIndexer  = "indexer"
	SourceRegistry = "registry"

	// AgentWalletKey is the identity metadata key holding a linked wallet.
	AgentWalletKey = "agentWallet"

	DefaultMaxFeedbackPerClient = 50
	DefaultConcurrency          = 8
)

// Resolver builds a Profile from an indexer and the three registries. Any
// registry may be left unset; its part of the Profile stays at defaults.
type Resolver struct {
	indexer     Indexer
	identity    IdentityRegistry
	reputation  ReputationRegistry
	validation  ValidationRegistry
	documents   DocumentSource
	maxFeedback uint64
	concurrency int
	logger      *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

func WithIdentityRegistry(r IdentityRegistry) ResolverOption {
	return func(res *Resolver) { res.identity = r }
}

func WithReputationRegistry(r ReputationRegistry) ResolverOption {
	return func(res *Resolver) { res.reputation = r }
}

func WithValidationRegistry(r ValidationRegistry) ResolverOption {
	return func(res *Resolver) { res.validation = r }
}

// WithDocuments sets the registration document source.
func WithDocuments(d DocumentSource) ResolverOption {
	return func(res *Resolver) { res.documents = d }
}

// WithMaxFeedbackPerClient bounds how many of a client's most recent
// feedback entries are read.
func WithMaxFeedbackPerClient(n uint64) ResolverOption {
	return func(res *Resolver) {
		if n > 0 {
			res.maxFeedback = n
		}
	}
}

// WithConcurrency bounds parallel registry reads per sub-lookup.
func WithConcurrency(n int) ResolverOption {
	return func(res *Resolver) {
		if n > 0 {
			res.concurrency = n
		}
	}
}

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(res *Resolver) { res.logger = l }
}

// NewResolver creates a resolver. A nil indexer resolves every address to
// an empty Profile.
func NewResolver(indexer Indexer, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		indexer:     indexer,
		maxFeedback: DefaultMaxFeedbackPerClient,
		concurrency: DefaultConcurrency,
		logger:      logging.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve looks up the identity owned by owner and, if there is one, its
// registration, reputation and validations. An unknown owner or a failed
// indexer yields an empty Profile, and each failed sub-lookup degrades the
// result without affecting the others. The result is Fatal only when owner
// is not an address on any supported chain.
func (r *Resolver) Resolve(ctx context.Context, owner string) outcome.Result[Profile] {
	owner = strings.TrimSpace(owner)
	ctx, span := traces.StartSpan(ctx, "agentregistry.Resolve", traces.AgentAddr(owner))
	log := logging.L(ctx, r.logger).With("owner", owner)

	if r.indexer == nil || owner == "" {
		traces.End(span, nil)
		return outcome.Ok(Profile{}, SourceNone)
	}
	if _, err := chain.Detect(owner); err != nil {
		err = fmt.Errorf("%w: owner %q", err, owner)
		traces.End(span, err)
		return outcome.Fail[Profile](err)
	}

	id, err := r.indexer.AgentIDByOwner(ctx, owner)
	if errors.Is(err, ErrNotRegistered) {
		metrics.ObserveRegistry("identity", nil)
		traces.End(span, nil)
		return outcome.Ok(Profile{}, SourceIndexer)
	}
	metrics.ObserveRegistry("identity", err)
	if err != nil {
		log.Warn("identity lookup failed", "error", err)
		traces.End(span, err)
		return outcome.Degrade(Profile{}, SourceIndexer, err)
	}
	span.SetAttributes(traces.AgentID(id.String()))
	log = log.With("agent_id", id.String())

	profile := Profile{Identity: &Identity{AgentID: id, Owner: owner}}
	var (
		ident                  Identity
		regErr, repErr, valErr error
	)

	// Sub-lookups record their own errors and never fail the group.
	var g errgroup.Group
	g.Go(func() error {
		ident, profile.Registration, regErr = r.registration(ctx, id)
		metrics.ObserveRegistry("registration", regErr)
		return nil
	})
	g.Go(func() error {
		profile.Reputation, repErr = r.reputationOf(ctx, id)
		metrics.ObserveRegistry("reputation", repErr)
		return nil
	})
	g.Go(func() error {
		profile.Validations, valErr = r.validationsOf(ctx, id)
		metrics.ObserveRegistry("validation", valErr)
		return nil
	})
	_ = g.Wait()

	if ident.Owner != "" {
		profile.Identity.Owner = ident.Owner
	}
	profile.Identity.TokenURI = ident.TokenURI

	errs := []error{regErr, repErr, valErr}
	for _, e := range errs {
		if e != nil {
			log.Warn("registry sub-lookup failed", "error", e)
		}
	}
	joined := errors.Join(errs...)
	traces.End(span, joined)
	if joined != nil {
		return outcome.Degrade(profile, SourceRegistry, errs...)
	}
	return outcome.Ok(profile, SourceRegistry)
}

// registration reads the token owner and document and collects linked
// wallets from the document, the agentWallet metadata key and the indexer.
func (r *Resolver) registration(ctx context.Context, id *big.Int) (Identity, Registration, error) {
	ctx, span := traces.StartSpan(ctx, "agentregistry.registration", traces.AgentID(id.String()))

	var (
		ident Identity
		reg   = Registration{Wallets: make(map[chain.Chain]string)}
		errs  []error
	)

	if r.identity != nil {
		if owner, err := r.identity.OwnerOf(ctx, id); err != nil {
			errs = append(errs, err)
		} else {
			ident.Owner = strings.ToLower(owner.Hex())
		}

		uri, err := r.identity.TokenURI(ctx, id)
		switch {
		case err != nil:
			errs = append(errs, err)
		case uri != "" && r.documents != nil:
			ident.TokenURI = uri
			doc, err := r.fetchRegistration(ctx, uri)
			if err != nil {
				errs = append(errs, err)
			} else {
				reg = doc
			}
		default:
			ident.TokenURI = uri
		}

		raw, err := r.identity.GetMetadata(ctx, id, AgentWalletKey)
		if err != nil {
			errs = append(errs, err)
		} else if len(raw) > 0 {
			if c, addr, ok := parseWallet(raw); ok {
				addWallet(reg.Wallets, c, addr)
			}
		}
	}

	if wallets, err := r.indexer.LinkedWallets(ctx, id); err != nil {
		errs = append(errs, err)
	} else {
		for _, w := range wallets {
			if c, addr, ok := parseWallet([]byte(w)); ok {
				addWallet(reg.Wallets, c, addr)
			}
		}
	}

	err := errors.Join(errs...)
	traces.End(span, err)
	return ident, reg, err
}

func (r *Resolver) fetchRegistration(ctx context.Context, uri string) (Registration, error) {
	raw, err := r.documents.Fetch(ctx, uri)
	if err != nil {
		return Registration{}, err
	}
	return ParseRegistration(raw)
}

// reputationOf prefers the registry summary for count and average and
// falls back to the itemized feedback when the summary call fails.
func (r *Resolver) reputationOf(ctx context.Context, id *big.Int) (Reputation, error) {
	if r.reputation == nil {
		return Reputation{}, nil
	}
	ctx, span := traces.StartSpan(ctx, "agentregistry.reputation", traces.AgentID(id.String()))

	clients, err := r.reputation.GetClients(ctx, id)
	if err != nil {
		traces.End(span, err)
		return Reputation{}, err
	}

	summary, sumErr := r.reputation.GetSummary(ctx, id, clients, "", "")
	entries, fbErr := r.feedback(ctx, id, clients)

	rep := Reputation{ByTag: tagAverages(entries)}
	rep.Display = tagDisplay(rep.ByTag)
	switch {
	case sumErr == nil:
		rep.Count = int(summary.Count)
		if rep.Count > 0 {
			rep.Average = summary.Value.Float64()
		}
	case len(entries) > 0:
		vals := make([]fixedpoint.Value, len(entries))
		for i, e := range entries {
			vals[i] = e.Value
		}
		rep.Count = len(entries)
		rep.Average = fixedpoint.Average(vals)
	}
	rep.Average = clampPercent(rep.Average)

	err = errors.Join(sumErr, fbErr)
	traces.End(span, err)
	return rep, err
}

// feedback reads up to maxFeedback of each client's latest non-revoked
// entries, in client order then index order.
func (r *Resolver) feedback(ctx context.Context, id *big.Int, clients []common.Address) ([]FeedbackEntry, error) {
	perClient := make([][]FeedbackEntry, len(clients))
	var (
		mu       sync.Mutex
		firstErr error
	)
	record := func(err error) {
		mu.Lock()
		if firstErr == nil {
			firstErr = err
		}
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, client := range clients {
		g.Go(func() error {
			last, err := r.reputation.GetLastIndex(ctx, id, client)
			if err != nil {
				record(err)
				return nil
			}
			first := uint64(1)
			if last > r.maxFeedback {
				first = last - r.maxFeedback + 1
			}
			for idx := first; idx <= last && idx >= first; idx++ {
				if ctx.Err() != nil {
					record(ctx.Err())
					return nil
				}
				entry, err := r.reputation.ReadFeedback(ctx, id, client, idx)
				if err != nil {
					record(err)
					continue
				}
				if !entry.Revoked {
					perClient[i] = append(perClient[i], entry)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	var out []FeedbackEntry
	for _, entries := range perClient {
		out = append(out, entries...)
	}
	return out, firstErr
}

// tagAverages groups entries by the canonical form of their primary tag and
// rounds standard tags to their policy precision. Untagged entries are left
// out.
func tagAverages(entries []FeedbackEntry) map[string]float64 {
	byTag := make(map[string][]fixedpoint.Value)
	for _, e := range entries {
		tag := string(e.Tag1.Canonical())
		if tag == "" {
			continue
		}
		byTag[tag] = append(byTag[tag], e.Value)
	}
	if len(byTag) == 0 {
		return nil
	}
	out := make(map[string]float64, len(byTag))
	for tag, vals := range byTag {
		avg := fixedpoint.Average(vals)
		if d, ok := fixedpoint.CanonicalDecimals(fixedpoint.Tag(tag)); ok {
			avg = fixedpoint.ToHuman(fixedpoint.ToScaled(avg, d), d)
		}
		out[tag] = avg
	}
	return out
}

func tagDisplay(byTag map[string]float64) map[string]string {
	if len(byTag) == 0 {
		return nil
	}
	out := make(map[string]string, len(byTag))
	for tag, v := range byTag {
		out[tag] = fixedpoint.Format(fixedpoint.Tag(tag), v)
	}
	return out
}

func clampPercent(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// validationsOf counts responded validations. Requests the validator has
// not answered yet are neither passed nor failed.
func (r *Resolver) validationsOf(ctx context.Context, id *big.Int) (Validations, error) {
	if r.validation == nil {
		return Validations{}, nil
	}
	ctx, span := traces.StartSpan(ctx, "agentregistry.validations", traces.AgentID(id.String()))

	hashes, err := r.validation.GetAgentValidations(ctx, id)
	if err != nil {
		traces.End(span, err)
		return Validations{}, err
	}

	statuses := make([]*ValidationStatus, len(hashes))
	errs := make([]error, len(hashes))
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, h := range hashes {
		g.Go(func() error {
			s, err := r.validation.GetValidationStatus(ctx, h)
			if err != nil {
				errs[i] = err
				return nil
			}
			statuses[i] = &s
			return nil
		})
	}
	_ = g.Wait()

	var v Validations
	for _, s := range statuses {
		if s == nil || !s.Responded() {
			continue
		}
		v.Count++
		if s.Passed() {
			v.Passed++
		} else {
			v.Failed++
		}
	}

	var firstErr error
	for _, e := range errs {
		if e != nil {
			firstErr = e
			break
		}
	}
	traces.End(span, firstErr)
	return v, firstErr
}
