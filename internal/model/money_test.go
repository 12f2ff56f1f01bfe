package model

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestCents_String(t *testing.T) {
	assert.Equal(t, "27.06", Cents(2706).String())
	assert.Equal(t, "0.05", Cents(5).String())
	assert.Equal(t, "-1.50", Cents(-150).String())
}

func TestCentsFromDecimal_RoundsHalfAwayFromZero(t *testing.T) {
	tests := []struct {
		in   string
		want Cents
	}{
		{"2.0625", 206},
		{"2.065", 207},
		{"-2.065", -207},
		{"12.5", 1250},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, CentsFromDecimal(decimal.RequireFromString(tt.in)))
		})
	}
}
