package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCost(t *testing.T) {
	tests := []struct {
		name     string
		quantity string
		unit     int64
		want     int64
	}{
		{name: "whole units", quantity: "1500", unit: 2, want: 3000},
		{name: "fractional rounds up", quantity: "10.5", unit: 3, want: 32}, // 31.5 -> 32
		{name: "fractional rounds down", quantity: "10.4", unit: 3, want: 31},
		{name: "zero quantity", quantity: "0", unit: 100, want: 0},
		{name: "sub-cent aggregate", quantity: "0.3", unit: 1, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qty, err := decimal.NewFromString(tt.quantity)
			assert.NoError(t, err)
			assert.Equal(t, tt.want, Cost(qty, tt.unit))
		})
	}
}

func TestTaxFromBps(t *testing.T) {
	assert.Equal(t, int64(975), TaxFromBps(13000, 750))
	assert.Equal(t, int64(0), TaxFromBps(13000, 0))
	assert.Equal(t, int64(13000), TaxFromBps(13000, 10000))
	// 12345 * 0.0333 = 411.0885 -> 411
	assert.Equal(t, int64(411), TaxFromBps(12345, 333))
	// half rounds up: 10 * 5% = 0.5 cents -> 1
	assert.Equal(t, int64(1), TaxFromBps(10, 500))
}

func TestSumIsDecimalExact(t *testing.T) {
	// 0.1 + 0.2 repeated ten times must be exactly 3, not 2.9999999999999996.
	values := make([]decimal.Decimal, 0, 20)
	for i := 0; i < 10; i++ {
		values = append(values, decimal.RequireFromString("0.1"), decimal.RequireFromString("0.2"))
	}
	assert.True(t, Sum(values).Equal(decimal.NewFromInt(3)))
}
