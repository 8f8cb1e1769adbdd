// Package fee computes the platform fee split for a single sale.
//
// All amounts are integer cents. The policy holds no state beyond its
// Schedule, so it can be shared freely between goroutines.
package fee

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Schedule is the immutable fee configuration applied by a Policy.
type Schedule struct {
	// ListingCents is the flat per-sale listing fee.
	ListingCents int64
	// TransactionRate is the fraction of the sale kept as transaction fee.
	TransactionRate decimal.Decimal
	// ProcessingRate and ProcessingFlatCents make up the payment-processing fee.
	ProcessingRate      decimal.Decimal
	ProcessingFlatCents int64
	// MinimumCents floors the total fee of non-waived sales.
	MinimumCents int64
	// WaiverSalesThreshold is the number of completed sales below which
	// listing and transaction fees are waived.
	WaiverSalesThreshold int
}

// ScheduleConfig is the flat, config-friendly form of a Schedule. Rates are
// expressed in basis points.
type ScheduleConfig struct {
	ListingCents         int64 `default:"20" usage:"Flat listing fee in cents"`
	TransactionBps       int64 `default:"650" usage:"Transaction fee in basis points"`
	ProcessingBps        int64 `default:"300" usage:"Processing fee in basis points"`
	ProcessingFlatCents  int64 `default:"25" usage:"Flat processing fee in cents"`
	MinimumCents         int64 `default:"50" usage:"Minimum total fee in cents for non-waived sales"`
	WaiverSalesThreshold int   `default:"5" usage:"Completed sales below which listing and transaction fees are waived"`
}

var bpsDivisor = decimal.NewFromInt(10_000)

// Schedule validates the config and converts it into a Schedule.
func (c ScheduleConfig) Schedule() (Schedule, error) {
	switch {
	case c.ListingCents < 0, c.ProcessingFlatCents < 0, c.MinimumCents < 0:
		return Schedule{}, errors.New("fee cents must not be negative")
	case c.TransactionBps < 0 || c.TransactionBps > 10_000:
		return Schedule{}, errors.Errorf("transaction bps %d out of range", c.TransactionBps)
	case c.ProcessingBps < 0 || c.ProcessingBps > 10_000:
		return Schedule{}, errors.Errorf("processing bps %d out of range", c.ProcessingBps)
	case c.WaiverSalesThreshold < 0:
		return Schedule{}, errors.New("waiver threshold must not be negative")
	}
	return Schedule{
		ListingCents:         c.ListingCents,
		TransactionRate:      decimal.NewFromInt(c.TransactionBps).Div(bpsDivisor),
		ProcessingRate:       decimal.NewFromInt(c.ProcessingBps).Div(bpsDivisor),
		ProcessingFlatCents:  c.ProcessingFlatCents,
		MinimumCents:         c.MinimumCents,
		WaiverSalesThreshold: c.WaiverSalesThreshold,
	}, nil
}

// DefaultSchedule returns the marketplace's standard fee schedule.
func DefaultSchedule() Schedule {
	s, _ := ScheduleConfig{
		ListingCents:         20,
		TransactionBps:       650,
		ProcessingBps:        300,
		ProcessingFlatCents:  25,
		MinimumCents:         50,
		WaiverSalesThreshold: 5,
	}.Schedule()
	return s
}

// Breakdown is the fee charged on a single sale, in cents.
type Breakdown struct {
	Listing     int64
	Transaction int64
	Processing  int64
	Total       int64
}

// Policy applies a Schedule to sale amounts.
type Policy struct {
	schedule Schedule
}

// NewPolicy creates a Policy for the given schedule.
func NewPolicy(s Schedule) *Policy {
	return &Policy{schedule: s}
}

// Schedule returns the schedule the policy was built with.
func (p *Policy) Schedule() Schedule {
	return p.schedule
}

// Waived reports whether a seller with the given number of completed sales
// is exempt from listing and transaction fees.
func (p *Policy) Waived(completedSales int) bool {
	return completedSales < p.schedule.WaiverSalesThreshold
}

// Compute returns the fee for a sale of saleCents. Processing is never
// waived, and the minimum floor only applies to non-waived sales.
func (p *Policy) Compute(saleCents int64, waived bool) Breakdown {
	if saleCents < 0 {
		saleCents = 0
	}
	s := p.schedule

	var b Breakdown
	if !waived {
		b.Listing = s.ListingCents
		b.Transaction = percentOf(saleCents, s.TransactionRate)
	}
	b.Processing = percentOf(saleCents, s.ProcessingRate) + s.ProcessingFlatCents
	b.Total = b.Listing + b.Transaction + b.Processing

	if !waived && b.Total < s.MinimumCents {
		b.Total = s.MinimumCents
	}
	return b
}

// percentOf rounds half away from zero, which for non-negative amounts is
// the usual round-half-up.
func percentOf(cents int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(cents).Mul(rate).Round(0).IntPart()
}

// Cents converts a major-unit amount into integer cents.
func Cents(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}

// Amount converts integer cents into a major-unit amount.
func Amount(cents int64) decimal.Decimal {
	return decimal.New(cents, -2)
}
