package cost

// ModelRate holds per-model token pricing (USD per million tokens).
type ModelRate struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Rates maps model name to pricing, across providers.
type Rates map[string]ModelRate

// Calculator computes USD costs for LLM token usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates.
func NewCalculator(rates Rates) *Calculator {
	return &Calculator{rates: rates}
}

// TokenCost computes the cost of one call. Unknown models cost 0.
func (c *Calculator) TokenCost(model string, promptTokens, completionTokens int) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}
	inCost := (float64(promptTokens) / 1e6) * rate.Input
	outCost := (float64(completionTokens) / 1e6) * rate.Output
	return inCost + outCost
}

// Known reports whether pricing exists for the model.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// DefaultRates returns the default pricing table for the models the
// pipeline ships configured with.
func DefaultRates() Rates {
	return Rates{
		"claude-haiku-4-5-20251001":  {Input: 0.80, Output: 4.00},
		"claude-sonnet-4-5-20250929": {Input: 3.00, Output: 15.00},
		"gpt-4o":                     {Input: 2.50, Output: 10.00},
		"gpt-4o-mini":                {Input: 0.15, Output: 0.60},
		"gemini-2.0-flash":           {Input: 0.10, Output: 0.40},
		"gemini-1.5-pro":             {Input: 1.25, Output: 5.00},
	}
}
