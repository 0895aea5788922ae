// Package scoring turns an agent's aggregated data into a 300-850 trust
// score.
//
// The score is the 300 base plus seven factors:
// - Transaction history (volume, max 150)
// - Activity level (transaction count and recency, max 100)
// - Buyer diversity (unique payers, max 75)
// - Reputation (peer feedback, max 100)
// - Validation (third-party attestations, max 50)
// - Longevity (age of the first payment, max 50)
// - Cross-chain presence (max 25)
//
// Scoring is pure: the same AgentData and clock always give the same score,
// grade and reason codes.
package scoring

import (
	"math/big"
	"time"

	"github.com/mbd888/agentscore/internal/reasons"
)

const (
	MinScore = 300
	MaxScore = 850
)

// ChainActivity is an agent's payment activity on one chain.
type ChainActivity struct {
	Wallet       string     `json:"wallet,omitempty"`
	TxCount      int        `json:"txCount"`
	VolumeUSD    float64    `json:"volumeUsd"`
	UniqueBuyers int        `json:"uniqueBuyers"`
	FirstTxAt    *time.Time `json:"firstTxAt,omitempty"`
	LastTxAt     *time.Time `json:"lastTxAt,omitempty"`
}

// Active reports whether any payment was observed.
func (a ChainActivity) Active() bool {
	return a.TxCount > 0
}

// AgentData is the canonical record scored for an agent. Missing sources
// leave their fields at zero values.
type AgentData struct {
	AgentID *big.Int `json:"agentId,omitempty"`
	Name    string   `json:"name,omitempty"`

	Base   ChainActivity `json:"base"`
	Solana ChainActivity `json:"solana"`

	ReputationCount   int                `json:"reputationCount"`
	ReputationAverage float64            `json:"reputationAverage"` // 0-100
	ReputationByTag   map[string]float64 `json:"reputationByTag,omitempty"`

	ValidationCount  int `json:"validationCount"`
	ValidationPassed int `json:"validationPassed"`
	ValidationFailed int `json:"validationFailed"`
}

// TotalVolumeUSD sums volume across chains.
func (d *AgentData) TotalVolumeUSD() float64 {
	return d.Base.VolumeUSD + d.Solana.VolumeUSD
}

// TotalTransactions sums transaction counts across chains.
func (d *AgentData) TotalTransactions() int {
	return d.Base.TxCount + d.Solana.TxCount
}

// TotalBuyers sums unique buyers across chains. A buyer paying on both
// chains is counted twice.
func (d *AgentData) TotalBuyers() int {
	return d.Base.UniqueBuyers + d.Solana.UniqueBuyers
}

// FirstActivity returns the earliest first transaction across chains.
func (d *AgentData) FirstActivity() *time.Time {
	return pick(d.Base.FirstTxAt, d.Solana.FirstTxAt, time.Time.Before)
}

// LastActivity returns the most recent transaction across chains.
func (d *AgentData) LastActivity() *time.Time {
	return pick(d.Base.LastTxAt, d.Solana.LastTxAt, time.Time.After)
}

func pick(a, b *time.Time, better func(time.Time, time.Time) bool) *time.Time {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	case better(*b, *a):
		return b
	default:
		return a
	}
}

// FactorScore is one factor's contribution.
type FactorScore struct {
	Name       string         `json:"name"`
	Score      int            `json:"score"`
	MaxScore   int            `json:"maxScore"`
	Percentage float64        `json:"percentage"`
	Details    map[string]any `json:"details"`
}

// Grade is the human tier of a score.
type Grade string

const (
	GradeExcellent Grade = "Excellent"
	GradeVeryGood  Grade = "Very Good"
	GradeGood      Grade = "Good"
	GradeFair      Grade = "Fair"
	GradePoor      Grade = "Poor"
)

// GradeFor maps a score to its grade.
func GradeFor(score int) Grade {
	switch {
	case score >= 800:
		return GradeExcellent
	case score >= 740:
		return GradeVeryGood
	case score >= 670:
		return GradeGood
	case score >= 580:
		return GradeFair
	default:
		return GradePoor
	}
}

// Result is a computed score. It is built fresh by every Calculate call.
type Result struct {
	Score        int            `json:"score"`
	Grade        Grade          `json:"grade"`
	Factors      []FactorScore  `json:"factors"`
	ReasonCodes  []reasons.Code `json:"reasonCodes"`
	CalculatedAt time.Time      `json:"calculatedAt"`
}

// Reasons expands the reason codes into their descriptions.
func (r Result) Reasons() []reasons.Info {
	out := make([]reasons.Info, 0, len(r.ReasonCodes))
	for _, c := range r.ReasonCodes {
		if info, ok := reasons.Lookup(c); ok {
			out = append(out, info)
		}
	}
	return out
}

// Factor returns the named factor score.
func (r Result) Factor(name string) (FactorScore, bool) {
	for _, f := range r.Factors {
		if f.Name == name {
			return f, true
		}
	}
	return FactorScore{}, false
}
