package fee

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompute(t *testing.T) {
	p := NewPolicy(DefaultSchedule())

	tests := []struct {
		name   string
		sale   int64
		waived bool
		want   Breakdown
	}{
		{
			name: "ten dollars full fee",
			sale: 1000,
			want: Breakdown{Listing: 20, Transaction: 65, Processing: 55, Total: 140},
		},
		{
			name:   "ten dollars waived keeps processing",
			sale:   1000,
			waived: true,
			want:   Breakdown{Processing: 55, Total: 55},
		},
		{
			name: "tiny sale floored at minimum",
			sale: 10,
			// 20 + round(0.65)=1 + round(0.3)=0 + 25 = 46 -> 50
			want: Breakdown{Listing: 20, Transaction: 1, Processing: 25, Total: 50},
		},
		{
			name:   "tiny waived sale is not floored",
			sale:   10,
			waived: true,
			want:   Breakdown{Processing: 25, Total: 25},
		},
		{
			name: "half cent rounds up",
			// 6.5% of 100 = 6.5 -> 7, 3% of 100 = 3
			sale: 100,
			want: Breakdown{Listing: 20, Transaction: 7, Processing: 28, Total: 55},
		},
		{
			name: "negative sale treated as zero",
			sale: -500,
			want: Breakdown{Listing: 20, Processing: 25, Total: 50},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Compute(tt.sale, tt.waived))
		})
	}
}

func TestWaived(t *testing.T) {
	p := NewPolicy(DefaultSchedule())

	assert.True(t, p.Waived(0))
	assert.True(t, p.Waived(4))
	assert.False(t, p.Waived(5))
	assert.False(t, p.Waived(120))
}

func TestWaiverBoundary(t *testing.T) {
	p := NewPolicy(DefaultSchedule())

	four := p.Compute(1000, p.Waived(4))
	assert.Equal(t, int64(0), four.Listing)
	assert.Equal(t, int64(0), four.Transaction)
	assert.Equal(t, four.Processing, four.Total)

	five := p.Compute(1000, p.Waived(5))
	assert.Equal(t, five.Listing+five.Transaction+five.Processing, five.Total)
	assert.Equal(t, int64(140), five.Total)
}

func TestScheduleConfig(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		s, err := ScheduleConfig{
			ListingCents:         10,
			TransactionBps:       500,
			ProcessingBps:        250,
			ProcessingFlatCents:  30,
			MinimumCents:         0,
			WaiverSalesThreshold: 3,
		}.Schedule()
		require.NoError(t, err)
		assert.True(t, decimal.RequireFromString("0.05").Equal(s.TransactionRate))
		assert.True(t, decimal.RequireFromString("0.025").Equal(s.ProcessingRate))

		b := NewPolicy(s).Compute(2000, false)
		assert.Equal(t, Breakdown{Listing: 10, Transaction: 100, Processing: 80, Total: 190}, b)
	})

	t.Run("rejects out of range rate", func(t *testing.T) {
		_, err := ScheduleConfig{TransactionBps: 10_001}.Schedule()
		require.Error(t, err)
	})

	t.Run("rejects negative cents", func(t *testing.T) {
		_, err := ScheduleConfig{ListingCents: -1}.Schedule()
		require.Error(t, err)
	})
}

func TestCentsRoundTrip(t *testing.T) {
	assert.Equal(t, int64(1050), Cents(decimal.RequireFromString("10.50")))
	assert.Equal(t, int64(1), Cents(decimal.RequireFromString("0.005")))
	assert.True(t, decimal.RequireFromString("8.60").Equal(Amount(860)))
}
