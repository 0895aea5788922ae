// Package txmetrics resolves per-chain payment activity for an agent.
//
// Resolution is tiered: an in-memory cache, then the authenticated metrics
// API, then a direct ledger scan, and finally an empty record. A caller
// always gets a well-formed ChainMetrics back; failures are reported
// through the outcome status rather than as errors.
package txmetrics

import (
	"errors"
	"math"
	"sort"
	"time"

	"github.com/mbd888/agentscore/internal/chain"
	"github.com/mbd888/agentscore/internal/fixedpoint"
	"github.com/mbd888/agentscore/internal/metricsapi"
)

// Sources reported in outcome.Result.Source.
const (
	SourceCache  = "cache"
	SourceAPI    = "api"
	SourceLedger = "ledger"
	SourceEmpty  = "empty"
)

// ErrSourceUnavailable wraps every tier failure.
var ErrSourceUnavailable = errors.New("txmetrics: source unavailable")

// Window is activity within a trailing day window.
type Window struct {
	Count     int     `json:"count"`
	VolumeUSD float64 `json:"volumeUsd"`
}

// ChainMetrics is aggregate incoming payment activity for one address on
// one chain. Counts and volumes are never negative and FirstTransactionAt
// is never after LastTransactionAt.
type ChainMetrics struct {
	Chain              chain.Chain `json:"chain"`
	Address            string      `json:"address"`
	TransactionCount   int         `json:"transactionCount"`
	TotalVolumeUSD     float64     `json:"totalVolumeUsd"`
	AverageVolumeUSD   float64     `json:"averageVolumeUsd"`
	UniqueBuyers       int         `json:"uniqueBuyers"`
	RepeatBuyerRate    float64     `json:"repeatBuyerRate"`
	FirstTransactionAt *time.Time  `json:"firstTransactionAt"`
	LastTransactionAt  *time.Time  `json:"lastTransactionAt"`
	Last7Days          Window      `json:"last7Days"`
	Last30Days         Window      `json:"last30Days"`
}

// Empty is the zero-valued sentinel returned when no tier answers.
func Empty(c chain.Chain, address string) ChainMetrics {
	return ChainMetrics{Chain: c, Address: address}
}

// Active reports whether any transaction was observed.
func (m ChainMetrics) Active() bool {
	return m.TransactionCount > 0
}

// Transfer is one incoming stablecoin payment observed on a ledger.
type Transfer struct {
	Hash      string
	From      string // empty when the payer cannot be determined
	Amount    fixedpoint.Value
	Timestamp time.Time // zero when the ledger did not report one
}

// Transaction is one incoming payment as reported to callers.
type Transaction struct {
	Hash      string    `json:"hash"`
	From      string    `json:"from"`
	AmountUSD float64   `json:"amountUsd"`
	Timestamp time.Time `json:"timestamp"`
}

// Aggregate folds ledger transfers into metrics relative to now. Volumes are
// summed exactly and converted to float only once.
func Aggregate(c chain.Chain, address string, transfers []Transfer, now time.Time) ChainMetrics {
	m := Empty(c, address)
	if len(transfers) == 0 {
		return m
	}

	var (
		all, week, month []fixedpoint.Value
		buyers           = make(map[string]int)
	)
	for _, t := range transfers {
		all = append(all, t.Amount)
		if t.From != "" {
			buyers[t.From]++
		}
		if t.Timestamp.IsZero() {
			continue
		}
		ts := t.Timestamp
		if m.FirstTransactionAt == nil || ts.Before(*m.FirstTransactionAt) {
			m.FirstTransactionAt = &ts
		}
		if m.LastTransactionAt == nil || ts.After(*m.LastTransactionAt) {
			m.LastTransactionAt = &ts
		}
		age := now.Sub(ts)
		if age <= 7*24*time.Hour {
			week = append(week, t.Amount)
		}
		if age <= 30*24*time.Hour {
			month = append(month, t.Amount)
		}
	}

	m.TransactionCount = len(transfers)
	m.TotalVolumeUSD = nonNegative(fixedpoint.Sum(all...).Float64())
	m.AverageVolumeUSD = nonNegative(fixedpoint.Average(all))
	m.UniqueBuyers = len(buyers)
	if len(buyers) > 0 {
		repeat := 0
		for _, n := range buyers {
			if n > 1 {
				repeat++
			}
		}
		m.RepeatBuyerRate = float64(repeat) / float64(len(buyers))
	}
	m.Last7Days = Window{Count: len(week), VolumeUSD: nonNegative(fixedpoint.Sum(week...).Float64())}
	m.Last30Days = Window{Count: len(month), VolumeUSD: nonNegative(fixedpoint.Sum(month...).Float64())}
	return m
}

// fromAPI converts an API payload, enforcing the ChainMetrics invariants.
func fromAPI(c chain.Chain, address string, in *metricsapi.Metrics) ChainMetrics {
	m := Empty(c, address)
	if in == nil {
		return m
	}
	m.TransactionCount = max(in.TransactionCount, 0)
	m.TotalVolumeUSD = nonNegative(in.TotalVolumeUSD)
	m.AverageVolumeUSD = nonNegative(in.AverageVolumeUSD)
	m.UniqueBuyers = max(in.UniqueBuyers, 0)
	m.RepeatBuyerRate = min(nonNegative(in.RepeatBuyerRate), 1)
	m.FirstTransactionAt = in.FirstTransactionAt
	m.LastTransactionAt = in.LastTransactionAt
	if m.FirstTransactionAt != nil && m.LastTransactionAt != nil && m.FirstTransactionAt.After(*m.LastTransactionAt) {
		m.FirstTransactionAt, m.LastTransactionAt = m.LastTransactionAt, m.FirstTransactionAt
	}
	m.Last7Days = Window{Count: max(in.Last7Days.Count, 0), VolumeUSD: nonNegative(in.Last7Days.VolumeUSD)}
	m.Last30Days = Window{Count: max(in.Last30Days.Count, 0), VolumeUSD: nonNegative(in.Last30Days.VolumeUSD)}
	return m
}

// transactionsFromTransfers orders transfers newest first and converts them.
func transactionsFromTransfers(transfers []Transfer) []Transaction {
	out := make([]Transaction, 0, len(transfers))
	for _, t := range transfers {
		out = append(out, Transaction{
			Hash:      t.Hash,
			From:      t.From,
			AmountUSD: t.Amount.Float64(),
			Timestamp: t.Timestamp,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out
}

func nonNegative(f float64) float64 {
	if f < 0 || math.IsNaN(f) {
		return 0
	}
	return f
}

// Wallets names the agent's address on each chain. Either may be empty.
type Wallets struct {
	Base   string
	Solana string
}

// Combined is activity across both chains.
type Combined struct {
	Base              ChainMetrics  `json:"base"`
	Solana            ChainMetrics  `json:"solana"`
	TotalTransactions int           `json:"totalTransactions"`
	TotalVolumeUSD    float64       `json:"totalVolumeUsd"`
	TotalUniqueBuyers int           `json:"totalUniqueBuyers"`
	ActiveChains      []chain.Chain `json:"activeChains"`
	FirstActivityAt   *time.Time    `json:"firstActivityAt"`
	LastActivityAt    *time.Time    `json:"lastActivityAt"`
}

// Combine derives cross-chain totals. Buyers are summed per chain since
// addresses cannot be matched across ledgers.
func Combine(base, solana ChainMetrics) Combined {
	c := Combined{
		Base:              base,
		Solana:            solana,
		TotalTransactions: base.TransactionCount + solana.TransactionCount,
		TotalVolumeUSD:    base.TotalVolumeUSD + solana.TotalVolumeUSD,
		TotalUniqueBuyers: base.UniqueBuyers + solana.UniqueBuyers,
		ActiveChains:      []chain.Chain{},
	}
	for _, m := range []ChainMetrics{base, solana} {
		if m.Active() {
			c.ActiveChains = append(c.ActiveChains, m.Chain)
		}
		c.FirstActivityAt = earliest(c.FirstActivityAt, m.FirstTransactionAt)
		c.LastActivityAt = latest(c.LastActivityAt, m.LastTransactionAt)
	}
	return c
}

func earliest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.Before(*a):
		return b
	default:
		return a
	}
}

func latest(a, b *time.Time) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case b.After(*a):
		return b
	default:
		return a
	}
}
