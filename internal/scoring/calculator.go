package scoring

import (
	"fmt"
	"math"
	"time"

	"github.com/mbd888/agentscore/internal/reasons"
)

// Calculator computes scores.
type Calculator struct {
	factors []Factor
	now     func() time.Time
}

// CalculatorOption configures a Calculator.
type CalculatorOption func(*Calculator)

// WithClock sets the clock used for recency, longevity and CalculatedAt.
func WithClock(now func() time.Time) CalculatorOption {
	return func(c *Calculator) { c.now = now }
}

// NewCalculator creates a calculator over the standard factors.
func NewCalculator(opts ...CalculatorOption) *Calculator {
	c := &Calculator{factors: Factors, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Calculate scores d. It never fails; malformed fields simply score low.
func (c *Calculator) Calculate(d AgentData) Result {
	now := c.now()

	var codes reasons.List
	factors := make([]FactorScore, 0, len(c.factors))
	total := MinScore
	for _, f := range c.factors {
		fs := f(&d, now, &codes)
		factors = append(factors, fs)
		total += fs.Score
	}

	score := max(MinScore, min(total, MaxScore))
	return Result{
		Score:        score,
		Grade:        GradeFor(score),
		Factors:      factors,
		ReasonCodes:  codes.Codes(),
		CalculatedAt: now,
	}
}

// Violation is a structural problem found in an AgentData.
type Violation struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (v Violation) String() string {
	return v.Field + ": " + v.Message
}

// Validate reports structural problems in d. It is advisory: Calculate
// does not call it and scores malformed data anyway.
func Validate(d AgentData) []Violation {
	var out []Violation
	add := func(field, format string, args ...any) {
		out = append(out, Violation{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if d.Base.Wallet == "" && d.Solana.Wallet == "" {
		add("wallet", "at least one wallet is required")
	}

	for _, c := range []struct {
		name string
		a    ChainActivity
	}{{"base", d.Base}, {"solana", d.Solana}} {
		name, a := c.name, c.a
		if a.TxCount < 0 {
			add(name+".txCount", "must be non-negative, got %d", a.TxCount)
		}
		if a.VolumeUSD < 0 || math.IsNaN(a.VolumeUSD) {
			add(name+".volumeUsd", "must be non-negative, got %v", a.VolumeUSD)
		}
		if a.UniqueBuyers < 0 {
			add(name+".uniqueBuyers", "must be non-negative, got %d", a.UniqueBuyers)
		}
		if a.FirstTxAt != nil && a.LastTxAt != nil && a.FirstTxAt.After(*a.LastTxAt) {
			add(name+".firstTxAt", "is after lastTxAt")
		}
	}

	if d.ReputationCount < 0 {
		add("reputationCount", "must be non-negative, got %d", d.ReputationCount)
	}
	if d.ReputationAverage < 0 || d.ReputationAverage > 100 || math.IsNaN(d.ReputationAverage) {
		add("reputationAverage", "must be within [0,100], got %v", d.ReputationAverage)
	}
	if d.ValidationCount < 0 {
		add("validationCount", "must be non-negative, got %d", d.ValidationCount)
	}
	if d.ValidationPassed < 0 {
		add("validationPassed", "must be non-negative, got %d", d.ValidationPassed)
	}
	if d.ValidationFailed < 0 {
		add("validationFailed", "must be non-negative, got %d", d.ValidationFailed)
	}
	if d.ValidationPassed+d.ValidationFailed > d.ValidationCount {
		add("validationCount", "is less than passed plus failed")
	}
	return out
}
