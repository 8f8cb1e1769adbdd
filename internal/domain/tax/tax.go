// Package tax spreads a checkout session's tax across its line items and
// keeps the seller's payout independent of that tax.
package tax

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/xenking/pattern-settlement/internal/domain/fee"
)

// Rate returns the session-wide tax rate implied by its pre-tax subtotal and
// post-tax total. A non-positive subtotal yields a zero rate.
func Rate(sessionSubtotal, sessionTotal int64) decimal.Decimal {
	if sessionSubtotal <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(sessionTotal - sessionSubtotal).Div(decimal.NewFromInt(sessionSubtotal))
}

// Allocate returns the tax-inclusive total of every item, in cents, using the
// session's tax rate. When the item subtotals add up to the session subtotal,
// leftover cents are handed out by largest remainder so the totals add up to
// the session total exactly. Otherwise each item is rounded on its own.
func Allocate(subtotals []int64, sessionSubtotal, sessionTotal int64) []int64 {
	out := make([]int64, len(subtotals))
	if sessionSubtotal <= 0 {
		copy(out, subtotals)
		return out
	}

	var sum int64
	for _, s := range subtotals {
		sum += s
	}

	total := decimal.NewFromInt(sessionTotal)
	base := decimal.NewFromInt(sessionSubtotal)
	exact := make([]decimal.Decimal, len(subtotals))
	for i, s := range subtotals {
		exact[i] = decimal.NewFromInt(s).Mul(total).Div(base)
	}

	if sum != sessionSubtotal {
		for i := range exact {
			out[i] = exact[i].Round(0).IntPart()
		}
		return out
	}

	type remainder struct {
		idx  int
		frac decimal.Decimal
	}
	rems := make([]remainder, len(exact))
	var allocated int64
	for i, e := range exact {
		floor := e.Floor()
		out[i] = floor.IntPart()
		allocated += out[i]
		rems[i] = remainder{idx: i, frac: e.Sub(floor)}
	}

	sort.SliceStable(rems, func(a, b int) bool {
		return rems[a].frac.GreaterThan(rems[b].frac)
	})
	for left, i := sessionTotal-allocated, 0; left > 0 && len(rems) > 0; left, i = left-1, i+1 {
		out[rems[i%len(rems)].idx]++
	}
	return out
}

// Split is the fee/net division of one line item, in cents.
type Split struct {
	Subtotal int64
	Total    int64
	Fee      int64
	Net      int64
}

// PreserveNet charges the item's fee on its tax-inclusive total so that the
// seller nets exactly what the untaxed sale would have paid out:
//
//	fee = total - (subtotal - base.Total)
//
// Net never goes below zero nor above the total; in those cases the fee
// absorbs the difference so Net+Fee == Total always holds.
func PreserveNet(base fee.Breakdown, subtotal, total int64) Split {
	net := subtotal - base.Total
	if net < 0 {
		net = 0
	}
	if net > total {
		net = total
	}
	return Split{
		Subtotal: subtotal,
		Total:    total,
		Fee:      total - net,
		Net:      net,
	}
}
