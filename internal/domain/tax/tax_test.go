package tax

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/xenking/pattern-settlement/internal/domain/fee"
)

func TestRate(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.1").Equal(Rate(1500, 1650)))
	assert.True(t, decimal.Zero.Equal(Rate(1500, 1500)))
	assert.True(t, decimal.Zero.Equal(Rate(0, 300)))
	assert.True(t, decimal.Zero.Equal(Rate(-10, 300)))
}

func TestAllocate(t *testing.T) {
	tests := []struct {
		name      string
		subtotals []int64
		subtotal  int64
		total     int64
		want      []int64
	}{
		{
			name:      "ten percent over two items",
			subtotals: []int64{1000, 500},
			subtotal:  1500,
			total:     1650,
			want:      []int64{1100, 550},
		},
		{
			name:      "no tax",
			subtotals: []int64{1000, 500},
			subtotal:  1500,
			total:     1500,
			want:      []int64{1000, 500},
		},
		{
			name:      "zero subtotal falls back to bare subtotals",
			subtotals: []int64{0, 0},
			subtotal:  0,
			total:     120,
			want:      []int64{0, 0},
		},
		{
			name: "leftover cent goes to largest remainder",
			// 333*1100/999 = 366.66.., three times -> floors 366*3=1098, 2 cents left
			subtotals: []int64{333, 333, 333},
			subtotal:  999,
			total:     1100,
			want:      []int64{367, 367, 366},
		},
		{
			name: "items not covering session subtotal round individually",
			// rate 10%; the second item was dropped before allocation
			subtotals: []int64{1005},
			subtotal:  1500,
			total:     1650,
			want:      []int64{1106},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Allocate(tt.subtotals, tt.subtotal, tt.total)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAllocate_SumsToSessionTotal(t *testing.T) {
	subtotals := []int64{1299, 450, 7, 10000, 3333}
	var subtotal int64
	for _, s := range subtotals {
		subtotal += s
	}
	for _, total := range []int64{subtotal, subtotal + 1, subtotal + 999, subtotal * 2, subtotal + 1234} {
		got := Allocate(subtotals, subtotal, total)
		var sum int64
		for _, g := range got {
			sum += g
		}
		assert.Equal(t, total, sum, "total %d", total)
	}
}

func TestPreserveNet(t *testing.T) {
	p := fee.NewPolicy(fee.DefaultSchedule())

	t.Run("scenario cart with tax", func(t *testing.T) {
		items := []int64{1000, 500}
		totals := Allocate(items, 1500, 1650)

		var extraFee int64
		for i, sub := range items {
			base := p.Compute(sub, false)
			untaxed := PreserveNet(base, sub, sub)
			taxed := PreserveNet(base, sub, totals[i])

			assert.Equal(t, untaxed.Net, taxed.Net)
			assert.Equal(t, taxed.Total, taxed.Net+taxed.Fee)
			extraFee += taxed.Fee - untaxed.Fee
		}
		assert.Equal(t, int64(150), extraFee)
	})

	t.Run("net is tax invariant", func(t *testing.T) {
		for _, sub := range []int64{1, 99, 100, 1000, 2599, 100_000} {
			for _, waived := range []bool{false, true} {
				base := p.Compute(sub, waived)
				zero := PreserveNet(base, sub, sub)
				for _, total := range []int64{sub, sub + 1, sub + sub/10, sub * 2} {
					got := PreserveNet(base, sub, total)
					assert.Equal(t, zero.Net, got.Net, "sub=%d total=%d", sub, total)
					assert.Equal(t, total, got.Net+got.Fee)
				}
			}
		}
	})

	t.Run("fee above sale clamps net at zero", func(t *testing.T) {
		base := p.Compute(10, false)
		got := PreserveNet(base, 10, 11)
		assert.Equal(t, int64(0), got.Net)
		assert.Equal(t, int64(11), got.Fee)
	})
}
