package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculator_TokenCost(t *testing.T) {
	calc := NewCalculator(Rates{
		"model-a": {Input: 1.00, Output: 5.00},
	})

	tests := []struct {
		name       string
		model      string
		prompt     int
		completion int
		want       float64
	}{
		{"known model", "model-a", 1_000_000, 1_000_000, 6.00},
		{"half and half", "model-a", 500_000, 200_000, 1.50},
		{"zero tokens", "model-a", 0, 0, 0},
		{"unknown model", "model-x", 1_000_000, 1_000_000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := calc.TokenCost(tt.model, tt.prompt, tt.completion)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestCalculator_Known(t *testing.T) {
	calc := NewCalculator(DefaultRates())
	assert.True(t, calc.Known("gpt-4o"))
	assert.False(t, calc.Known("nonexistent-model"))
}
