// Package reasons is the catalogue of explanatory codes attached to a score.
package reasons

import "encoding/json"

// Code is a machine tag explaining part of a score.
type Code string

const (
	LowVolume        Code = "LOW_VOLUME"
	HighVolume       Code = "HIGH_VOLUME"
	ExcellentHistory Code = "EXCELLENT_HISTORY"
	FewTransactions  Code = "FEW_TRANSACTIONS"
	HighActivity     Code = "HIGH_ACTIVITY"
	InactiveRecently Code = "INACTIVE_RECENTLY"
	FewBuyers        Code = "FEW_BUYERS"
	DiverseBuyers    Code = "DIVERSE_BUYERS"
	NoReputationData Code = "NO_REPUTATION_DATA"
	LowReputation    Code = "LOW_REPUTATION"
	HighReputation   Code = "HIGH_REPUTATION"
	NoValidation     Code = "NO_VALIDATION"
	FailedValidation Code = "FAILED_VALIDATION"
	Validated        Code = "VALIDATED"
	NewAgent         Code = "NEW_AGENT"
	EstablishedAgent Code = "ESTABLISHED_AGENT"
	MultiChain       Code = "MULTI_CHAIN"
	SingleChain      Code = "SINGLE_CHAIN"
)

// Impact is the direction a code pushes the score.
type Impact string

const (
	Positive Impact = "positive"
	Negative Impact = "negative"
	Neutral  Impact = "neutral"
)

// Category groups codes by the data they describe.
type Category string

const (
	CategoryTransaction Category = "transaction"
	CategoryReputation  Category = "reputation"
	CategoryValidation  Category = "validation"
	CategoryLongevity   Category = "longevity"
	CategoryChain       Category = "chain"
)

// Info describes a code for humans.
type Info struct {
	Code        Code     `json:"code"`
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Impact      Impact   `json:"impact"`
	Category    Category `json:"category"`
}

var catalogue = map[Code]Info{
	LowVolume: {
		Label:       "Low transaction volume",
		Description: "Total payment volume received is below $1,000.",
		Impact:      Negative, Category: CategoryTransaction,
	},
	HighVolume: {
		Label:       "High transaction volume",
		Description: "Total payment volume received exceeds $10,000.",
		Impact:      Positive, Category: CategoryTransaction,
	},
	ExcellentHistory: {
		Label:       "Excellent transaction history",
		Description: "Total payment volume received exceeds $100,000.",
		Impact:      Positive, Category: CategoryTransaction,
	},
	FewTransactions: {
		Label:       "Few transactions",
		Description: "Fewer than 10 payment transactions observed.",
		Impact:      Negative, Category: CategoryTransaction,
	},
	HighActivity: {
		Label:       "High activity",
		Description: "At least 1,000 payment transactions observed.",
		Impact:      Positive, Category: CategoryTransaction,
	},
	InactiveRecently: {
		Label:       "Inactive recently",
		Description: "No payment transaction in the last 30 days.",
		Impact:      Negative, Category: CategoryTransaction,
	},
	FewBuyers: {
		Label:       "Few unique buyers",
		Description: "Five or fewer distinct buyers have paid this agent.",
		Impact:      Negative, Category: CategoryTransaction,
	},
	DiverseBuyers: {
		Label:       "Diverse buyer base",
		Description: "More than 100 distinct buyers have paid this agent.",
		Impact:      Positive, Category: CategoryTransaction,
	},
	NoReputationData: {
		Label:       "No reputation data",
		Description: "No peer feedback has been recorded for this agent.",
		Impact:      Neutral, Category: CategoryReputation,
	},
	LowReputation: {
		Label:       "Low reputation",
		Description: "Average peer feedback score is below 70.",
		Impact:      Negative, Category: CategoryReputation,
	},
	HighReputation: {
		Label:       "High reputation",
		Description: "Average peer feedback score is 90 or above.",
		Impact:      Positive, Category: CategoryReputation,
	},
	NoValidation: {
		Label:       "Not validated",
		Description: "No third-party validation has been recorded.",
		Impact:      Neutral, Category: CategoryValidation,
	},
	FailedValidation: {
		Label:       "Failed validation",
		Description: "At least one third-party validation failed.",
		Impact:      Negative, Category: CategoryValidation,
	},
	Validated: {
		Label:       "Validated",
		Description: "Multiple third-party validations passed.",
		Impact:      Positive, Category: CategoryValidation,
	},
	NewAgent: {
		Label:       "New agent",
		Description: "First payment transaction is less than 30 days old.",
		Impact:      Negative, Category: CategoryLongevity,
	},
	EstablishedAgent: {
		Label:       "Established agent",
		Description: "First payment transaction is at least 180 days old.",
		Impact:      Positive, Category: CategoryLongevity,
	},
	MultiChain: {
		Label:       "Multi-chain presence",
		Description: "Payment activity observed on both supported chains.",
		Impact:      Positive, Category: CategoryChain,
	},
	SingleChain: {
		Label:       "Single-chain presence",
		Description: "Payment activity observed on only one chain.",
		Impact:      Neutral, Category: CategoryChain,
	},
}

func init() {
	for code, info := range catalogue {
		info.Code = code
		catalogue[code] = info
	}
}

// Lookup returns the description of code.
func Lookup(code Code) (Info, bool) {
	info, ok := catalogue[code]
	return info, ok
}

// All returns every registered code description, in no particular order.
func All() []Info {
	out := make([]Info, 0, len(catalogue))
	for _, info := range catalogue {
		out = append(out, info)
	}
	return out
}

// Info returns the description of c, or a neutral placeholder for an
// unregistered code.
func (c Code) Info() Info {
	if info, ok := catalogue[c]; ok {
		return info
	}
	return Info{Code: c, Label: string(c), Impact: Neutral}
}

// Impact is shorthand for c.Info().Impact.
func (c Code) Impact() Impact { return c.Info().Impact }

// List accumulates codes in the order they are added.
type List struct {
	codes []Code
}

// Add appends code unless it is already present.
func (l *List) Add(code Code) {
	for _, c := range l.codes {
		if c == code {
			return
		}
	}
	l.codes = append(l.codes, code)
}

// Codes returns a copy of the accumulated codes.
func (l *List) Codes() []Code {
	out := make([]Code, len(l.codes))
	copy(out, l.codes)
	return out
}

// Len returns the number of accumulated codes.
func (l *List) Len() int { return len(l.codes) }

// MarshalJSON encodes the list as a plain array.
func (l List) MarshalJSON() ([]byte, error) {
	if l.codes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l.codes)
}
