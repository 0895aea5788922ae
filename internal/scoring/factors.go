package scoring

import (
	"math"
	"time"

	"github.com/mbd888/agentscore/internal/reasons"
)

// Factor names, in evaluation order.
const (
	FactorTransactionHistory = "transactionHistory"
	FactorActivityLevel      = "activityLevel"
	FactorBuyerDiversity     = "buyerDiversity"
	FactorReputation         = "reputation"
	FactorValidation         = "validation"
	FactorLongevity          = "longevity"
	FactorCrossChain         = "crossChain"
)

const (
	day = 24 * time.Hour

	inactivityWindow  = 30 * day
	inactivityPenalty = 15
)

// Factor scores one aspect of d and appends its reason codes to codes.
type Factor func(d *AgentData, now time.Time, codes *reasons.List) FactorScore

// Factors lists every factor in evaluation order. Reason codes accumulate
// in this order.
var Factors = []Factor{
	TransactionHistory,
	ActivityLevel,
	BuyerDiversity,
	Reputation,
	Validation,
	Longevity,
	CrossChain,
}

func newFactor(name string, score, maxScore int, details map[string]any) FactorScore {
	score = max(0, min(score, maxScore))
	return FactorScore{
		Name:       name,
		Score:      score,
		MaxScore:   maxScore,
		Percentage: math.Round(float64(score)/float64(maxScore)*1000) / 10,
		Details:    details,
	}
}

// TransactionHistory scores combined USD volume.
// $0 = 0, <$100 = 10, <$1k = 30, <$10k = 60, <$100k = 100, $100k+ = 150
func TransactionHistory(d *AgentData, _ time.Time, codes *reasons.List) FactorScore {
	volume := d.TotalVolumeUSD()
	if math.IsNaN(volume) {
		volume = 0
	}

	var score int
	switch {
	case volume <= 0:
		score = 0
	case volume < 100:
		score = 10
	case volume < 1_000:
		score = 30
	case volume < 10_000:
		score = 60
	case volume < 100_000:
		score = 100
	default:
		score = 150
	}

	switch {
	case volume < 1_000:
		codes.Add(reasons.LowVolume)
	case volume >= 100_000:
		codes.Add(reasons.ExcellentHistory)
	case volume >= 10_000:
		codes.Add(reasons.HighVolume)
	}

	return newFactor(FactorTransactionHistory, score, 150, map[string]any{
		"volumeUsd":       volume,
		"baseVolumeUsd":   d.Base.VolumeUSD,
		"solanaVolumeUsd": d.Solana.VolumeUSD,
	})
}

// ActivityLevel scores combined transaction count, less a penalty when the
// latest payment is more than 30 days old.
func ActivityLevel(d *AgentData, now time.Time, codes *reasons.List) FactorScore {
	count := d.TotalTransactions()

	var score int
	switch {
	case count <= 0:
		score = 0
	case count < 10:
		score = 10
	case count < 100:
		score = 25
	case count < 1_000:
		score = 50
	case count < 10_000:
		score = 75
	default:
		score = 100
	}

	switch {
	case count < 10:
		codes.Add(reasons.FewTransactions)
	case count >= 1_000:
		codes.Add(reasons.HighActivity)
	}

	details := map[string]any{"transactions": count}
	if last := d.LastActivity(); last != nil {
		since := now.Sub(*last)
		details["daysSinceLastTx"] = int(since / day)
		if since > inactivityWindow {
			score = max(0, score-inactivityPenalty)
			codes.Add(reasons.InactiveRecently)
		}
	}

	return newFactor(FactorActivityLevel, score, 100, details)
}

// BuyerDiversity scores the number of distinct payers.
func BuyerDiversity(d *AgentData, _ time.Time, codes *reasons.List) FactorScore {
	buyers := d.TotalBuyers()

	var score int
	switch {
	case buyers <= 0:
		score = 0
	case buyers <= 5:
		score = 15
	case buyers <= 20:
		score = 35
	case buyers <= 100:
		score = 55
	default:
		score = 75
	}

	switch {
	case buyers <= 5:
		codes.Add(reasons.FewBuyers)
	case buyers > 100:
		codes.Add(reasons.DiverseBuyers)
	}

	return newFactor(FactorBuyerDiversity, score, 75, map[string]any{"uniqueBuyers": buyers})
}

// Reputation scores the average peer feedback, with a bonus for feedback
// volume.
func Reputation(d *AgentData, _ time.Time, codes *reasons.List) FactorScore {
	details := map[string]any{
		"count":   d.ReputationCount,
		"average": d.ReputationAverage,
	}
	if d.ReputationCount <= 0 {
		codes.Add(reasons.NoReputationData)
		return newFactor(FactorReputation, 0, 100, details)
	}

	avg := d.ReputationAverage
	if math.IsNaN(avg) {
		avg = 0
	}
	var score int
	switch {
	case avg < 50:
		score = 10
		codes.Add(reasons.LowReputation)
	case avg < 70:
		score = 30
		codes.Add(reasons.LowReputation)
	case avg < 80:
		score = 50
	case avg < 90:
		score = 75
	default:
		score = 100
		codes.Add(reasons.HighReputation)
	}

	if d.ReputationCount >= 10 {
		score += 5
	}
	if d.ReputationCount >= 50 {
		score += 5
	}
	return newFactor(FactorReputation, score, 100, details)
}

// Validation scores third-party attestations. One failure zeroes it.
func Validation(d *AgentData, _ time.Time, codes *reasons.List) FactorScore {
	details := map[string]any{
		"count":  d.ValidationCount,
		"passed": d.ValidationPassed,
		"failed": d.ValidationFailed,
	}

	var score int
	switch {
	case d.ValidationCount <= 0:
		codes.Add(reasons.NoValidation)
	case d.ValidationFailed > 0:
		codes.Add(reasons.FailedValidation)
	case d.ValidationPassed == 1:
		score = 25
	case d.ValidationPassed > 1:
		score = 50
		codes.Add(reasons.Validated)
	}
	return newFactor(FactorValidation, score, 50, details)
}

// Longevity scores days since the earliest first payment across chains.
// Without any first payment date the factor is 0 and adds no code.
func Longevity(d *AgentData, now time.Time, codes *reasons.List) FactorScore {
	first := d.FirstActivity()
	if first == nil {
		return newFactor(FactorLongevity, 0, 50, map[string]any{"days": nil})
	}

	days := int(now.Sub(*first) / day)
	var score int
	switch {
	case days < 7:
		score = 0
		codes.Add(reasons.NewAgent)
	case days < 30:
		score = 15
		codes.Add(reasons.NewAgent)
	case days < 90:
		score = 30
	case days < 180:
		score = 40
	default:
		score = 50
		codes.Add(reasons.EstablishedAgent)
	}
	return newFactor(FactorLongevity, score, 50, map[string]any{"days": days})
}

// CrossChain rewards payment activity on both chains.
func CrossChain(d *AgentData, _ time.Time, codes *reasons.List) FactorScore {
	base, solana := d.Base.Active(), d.Solana.Active()

	var score int
	switch {
	case base && solana:
		score = 25
		codes.Add(reasons.MultiChain)
	case base || solana:
		codes.Add(reasons.SingleChain)
	}
	return newFactor(FactorCrossChain, score, 25, map[string]any{
		"base":   base,
		"solana": solana,
	})
}
