package order

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusCompleted.Valid())
	assert.True(t, StatusExpired.Valid())
	assert.False(t, Status("pending").Valid())
	assert.False(t, Status("").Valid())
}

func TestOrderBalanced(t *testing.T) {
	o := Order{
		TotalAmount:   decimal.RequireFromString("11.00"),
		PlatformFee:   decimal.RequireFromString("2.40"),
		ProcessingFee: decimal.Zero,
		NetAmount:     decimal.RequireFromString("8.60"),
	}
	assert.True(t, o.Balanced())

	o.NetAmount = decimal.RequireFromString("8.61")
	assert.False(t, o.Balanced())
}
