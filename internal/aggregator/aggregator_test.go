package aggregator

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agentscore/internal/agentregistry"
	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/outcome"
	"github.com/mbd888/agentscore/internal/scoring"
	"github.com/mbd888/agentscore/internal/txmetrics"
)

const (
	baseWallet   = "0x00000000000000000000000000000000000000aa"
	solanaWallet = "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"
)

var testNow = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

type fakeMetrics struct {
	mu      sync.Mutex
	calls   []string
	results map[chain.Chain]outcome.Result[txmetrics.ChainMetrics]
	block   bool
}

func (f *fakeMetrics) Resolve(ctx context.Context, c chain.Chain, address string) outcome.Result[txmetrics.ChainMetrics] {
	f.mu.Lock()
	f.calls = append(f.calls, string(c)+":"+address)
	f.mu.Unlock()
	if f.block {
		<-ctx.Done()
		return outcome.Degrade(txmetrics.Empty(c, address), txmetrics.SourceEmpty, ctx.Err())
	}
	if r, ok := f.results[c]; ok {
		r.Value.Address = address
		return r
	}
	return outcome.Ok(txmetrics.Empty(c, address), txmetrics.SourceEmpty)
}

type fakeProfiles struct {
	res   outcome.Result[agentregistry.Profile]
	owner string
}

func (f *fakeProfiles) Resolve(ctx context.Context, owner string) outcome.Result[agentregistry.Profile] {
	f.owner = owner
	return f.res
}

func metricsOK(c chain.Chain, count int, volume float64, buyers int, first time.Time) outcome.Result[txmetrics.ChainMetrics] {
	last := testNow
	return outcome.Ok(txmetrics.ChainMetrics{
		Chain:              c,
		TransactionCount:   count,
		TotalVolumeUSD:     volume,
		UniqueBuyers:       buyers,
		FirstTransactionAt: &first,
		LastTransactionAt:  &last,
	}, txmetrics.SourceAPI)
}

func profile(wallets map[chain.Chain]string) agentregistry.Profile {
	return agentregistry.Profile{
		Identity:     &agentregistry.Identity{AgentID: big.NewInt(7), Owner: baseWallet},
		Registration: agentregistry.Registration{Name: "Weather Agent", Wallets: wallets},
		Reputation:   agentregistry.Reputation{Count: 12, Average: 88.5, ByTag: map[string]float64{"uptime": 99}},
		Validations:  agentregistry.Validations{Count: 2, Passed: 2},
	}
}

func TestAggregate_FullRecord(t *testing.T) {
	m := &fakeMetrics{results: map[chain.Chain]outcome.Result[txmetrics.ChainMetrics]{
		chain.Base:   metricsOK(chain.Base, 40, 2500, 12, testNow.AddDate(0, -3, 0)),
		chain.Solana: metricsOK(chain.Solana, 5, 100, 2, testNow.AddDate(0, -1, 0)),
	}}
	p := &fakeProfiles{res: outcome.Ok(profile(nil), agentregistry.SourceRegistry)}

	res := New(m, p).Aggregate(context.Background(), Request{
		Address:     "0x00000000000000000000000000000000000000AA",
		OtherWallet: solanaWallet,
	})

	require.Equal(t, outcome.OK, res.Status)
	assert.Equal(t, baseWallet, p.owner)

	d := res.Value
	assert.Equal(t, int64(7), d.AgentID.Int64())
	assert.Equal(t, "Weather Agent", d.Name)
	assert.Equal(t, baseWallet, d.Base.Wallet)
	assert.Equal(t, 40, d.Base.TxCount)
	assert.Equal(t, 2500.0, d.Base.VolumeUSD)
	assert.Equal(t, solanaWallet, d.Solana.Wallet)
	assert.Equal(t, 5, d.Solana.TxCount)
	assert.Equal(t, 12, d.ReputationCount)
	assert.Equal(t, 88.5, d.ReputationAverage)
	assert.Equal(t, 99.0, d.ReputationByTag["uptime"])
	assert.Equal(t, 2, d.ValidationPassed)
	assert.Empty(t, scoring.Validate(d))
}

func TestAggregate_FoldsInLinkedWallet(t *testing.T) {
	m := &fakeMetrics{results: map[chain.Chain]outcome.Result[txmetrics.ChainMetrics]{
		chain.Solana: metricsOK(chain.Solana, 3, 30, 1, testNow),
	}}
	p := &fakeProfiles{res: outcome.Ok(profile(map[chain.Chain]string{chain.Solana: solanaWallet}), agentregistry.SourceRegistry)}

	res := New(m, p).Aggregate(context.Background(), Request{Address: baseWallet, Chain: chain.Base})

	assert.Equal(t, outcome.OK, res.Status)
	assert.Equal(t, solanaWallet, res.Value.Solana.Wallet)
	assert.Equal(t, 3, res.Value.Solana.TxCount)
	assert.ElementsMatch(t, []string{"base:" + baseWallet, "solana:" + solanaWallet}, m.calls)
}

func TestAggregate_SuppliedWalletWinsOverLinked(t *testing.T) {
	supplied := "So11111111111111111111111111111111111111112"
	m := &fakeMetrics{}
	p := &fakeProfiles{res: outcome.Ok(profile(map[chain.Chain]string{chain.Solana: solanaWallet}), agentregistry.SourceRegistry)}

	res := New(m, p).Aggregate(context.Background(), Request{Address: baseWallet, OtherWallet: supplied})

	assert.Equal(t, supplied, res.Value.Solana.Wallet)
	assert.NotContains(t, m.calls, "solana:"+solanaWallet)
}

func TestAggregate_DegradedSourcesStillPopulate(t *testing.T) {
	apiDown := errors.New("metrics api unavailable")
	m := &fakeMetrics{results: map[chain.Chain]outcome.Result[txmetrics.ChainMetrics]{
		chain.Base: outcome.Degrade(txmetrics.Empty(chain.Base, baseWallet), txmetrics.SourceEmpty, apiDown),
	}}
	p := &fakeProfiles{res: outcome.Degrade(agentregistry.Profile{}, agentregistry.SourceIndexer, agentregistry.ErrIndexer)}

	res := New(m, p).Aggregate(context.Background(), Request{Address: baseWallet})

	assert.Equal(t, outcome.Degraded, res.Status)
	assert.ErrorIs(t, res.Err(), apiDown)
	assert.ErrorIs(t, res.Err(), agentregistry.ErrIndexer)
	assert.Equal(t, baseWallet, res.Value.Base.Wallet)
	assert.Zero(t, res.Value.Base.TxCount)
	assert.Nil(t, res.Value.AgentID)

	score := scoring.NewCalculator(scoring.WithClock(func() time.Time { return testNow })).Calculate(res.Value)
	assert.Equal(t, scoring.MinScore, score.Score)
}

func TestAggregate_InvalidInput(t *testing.T) {
	m := &fakeMetrics{}
	a := New(m, nil)

	res := a.Aggregate(context.Background(), Request{Address: "not-an-address"})
	assert.Equal(t, outcome.Degraded, res.Status)
	assert.ErrorIs(t, res.Err(), ErrInvalidRequest)
	assert.Equal(t, scoring.AgentData{}, res.Value)

	res = a.Aggregate(context.Background(), Request{Address: baseWallet, Chain: "bitcoin"})
	assert.ErrorIs(t, res.Err(), chain.ErrUnknownChain)

	res = a.Aggregate(context.Background(), Request{Address: baseWallet, OtherWallet: "0xdead"})
	assert.Equal(t, outcome.Degraded, res.Status)
	assert.ErrorIs(t, res.Err(), ErrInvalidRequest)
	assert.Equal(t, baseWallet, res.Value.Base.Wallet, "a bad other wallet does not block the primary lookup")
	assert.Empty(t, res.Value.Solana.Wallet)
	assert.Empty(t, m.calls[1:])
}

func TestAggregate_SolanaPrimary(t *testing.T) {
	m := &fakeMetrics{}
	res := New(m, nil).Aggregate(context.Background(), Request{Address: solanaWallet})
	assert.Equal(t, outcome.OK, res.Status)
	assert.Equal(t, solanaWallet, res.Value.Solana.Wallet)
	assert.Empty(t, res.Value.Base.Wallet)
}

func TestAggregate_Timeout(t *testing.T) {
	m := &fakeMetrics{block: true}
	start := time.Now()
	res := New(m, nil, WithTimeout(20*time.Millisecond)).Aggregate(context.Background(), Request{Address: baseWallet})

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, outcome.Degraded, res.Status)
	assert.ErrorIs(t, res.Err(), context.DeadlineExceeded)
	assert.Equal(t, baseWallet, res.Value.Base.Wallet)
}
