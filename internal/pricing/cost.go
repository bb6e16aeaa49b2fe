package pricing

import (
	"github.com/shopspring/decimal"
)

// TokenCounts are the billable token counts reported for one request.
// Reasoning tokens are tracked for reporting but carry no price of their
// own; providers fold their cost into output tokens.
type TokenCounts struct {
	Input     int64 `json:"input_tokens"`
	Output    int64 `json:"output_tokens"`
	Cached    int64 `json:"cached_tokens"`
	Reasoning int64 `json:"reasoning_tokens"`
}

// Cost is the exact cost of one request, broken down by token class.
type Cost struct {
	Total           decimal.Decimal `json:"total"`
	Input           decimal.Decimal `json:"input"`
	Output          decimal.Decimal `json:"output"`
	Cached          decimal.Decimal `json:"cached"`
	ReasoningTokens int64           `json:"reasoning_tokens"`
	Currency        string          `json:"currency"`
	Source          Source          `json:"source"`
}

// CalculateCost prices the token counts against a resolved price. All
// arithmetic is decimal, so the result is exact:
//
//	total = input*inputPrice + output*outputPrice + cached*cachedPrice
func CalculateCost(counts TokenCounts, resolved *Resolved) Cost {
	input := decimal.NewFromInt(counts.Input).Mul(resolved.Price.InputTokenPrice)
	output := decimal.NewFromInt(counts.Output).Mul(resolved.Price.OutputTokenPrice)
	cached := decimal.NewFromInt(counts.Cached).Mul(resolved.Price.CachedTokenPrice)

	return Cost{
		Total:           input.Add(output).Add(cached),
		Input:           input,
		Output:          output,
		Cached:          cached,
		ReasoningTokens: counts.Reasoning,
		Currency:        resolved.Price.Currency,
		Source:          resolved.Source,
	}
}
