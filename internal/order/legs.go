package order

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// MarginQty returns the largest lot-aligned quantity that margin supports at
// ltp with the given buffer (1.02 means 2% headroom).
func MarginQty(margin, ltp float64, lot int, buffer float64) int {
	if ltp <= 0 || lot <= 0 || margin <= 0 {
		return 0
	}
	if buffer <= 0 {
		buffer = 1
	}
	perUnit := decimal.NewFromFloat(ltp).Mul(decimal.NewFromFloat(buffer))
	units := decimal.NewFromFloat(margin).Div(perUnit).Floor().IntPart()
	return int(units) / lot * lot
}

// ResolveQty keeps qty when margin covers it, otherwise reduces it to
// MarginQty. The bool reports a reduction.
func ResolveQty(qty int, margin, ltp float64, lot int, buffer float64) (int, bool) {
	if buffer <= 0 {
		buffer = 1
	}
	required := decimal.NewFromFloat(ltp).Mul(decimal.NewFromFloat(buffer)).Mul(decimal.NewFromInt(int64(qty)))
	if required.LessThanOrEqual(decimal.NewFromFloat(margin)) {
		return qty, false
	}
	return MarginQty(margin, ltp, lot, buffer), true
}

// RoundToTick rounds price to the nearest multiple of tick.
func RoundToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	t := decimal.NewFromFloat(tick)
	f, _ := decimal.NewFromFloat(price).Div(t).Round(0).Mul(t).Float64()
	return f
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

func lcm(a, b int) int {
	return a / gcd(a, b) * b
}

// SplitLegs slices qty into legs of at most freeze-1 units, each a multiple of
// lot. requested is the preferred leg count; it is clamped to what the freeze
// limit and lot size allow. Any residual becomes extra legs.
func SplitLegs(qty, requested, lot, freeze int) ([]Leg, error) {
	if qty <= 0 || lot <= 0 {
		return nil, fmt.Errorf("%w: qty=%d lot=%d", ErrInvalidQty, qty, lot)
	}
	if qty < lot {
		return nil, fmt.Errorf("%w: qty %d below lot %d", ErrInvalidQty, qty, lot)
	}
	if requested < 1 {
		requested = 1
	}
	maxLeg := freeze - 1
	if freeze <= 1 {
		maxLeg = qty
	}

	nearest := qty
	if qty >= requested*freeze && freeze > 1 {
		l := lcm(lot, maxLeg)
		nearest = qty / l * l
	}

	var sizes []int
	minLegs := nearest / maxLeg
	maxLegs := nearest / lot
	if maxLegs > 0 {
		n := max(min(requested, maxLegs), minLegs)
		if n < 1 {
			n = 1
		}
		perLeg := (nearest / n) / lot * lot
		for i := 0; i < n && perLeg > 0; i++ {
			sizes = append(sizes, perLeg)
		}
		nearest = perLeg * n
	} else {
		nearest = 0
	}

	residual := (qty - nearest) / lot * lot
	sizes = append(sizes, chunks(residual, lot, maxLeg)...)

	// a leg can only exceed maxLeg on pathological lot/freeze pairs
	var out []int
	for _, s := range sizes {
		out = append(out, chunks(s, lot, maxLeg)...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: qty %d cannot be sliced with lot %d freeze %d", ErrInvalidQty, qty, lot, freeze)
	}

	total := 0
	for _, s := range out {
		total += s
	}
	legs := make([]Leg, len(out))
	for i, s := range out {
		legs[i] = Leg{Index: i + 1, Qty: s, Remarks: fmt.Sprintf("TeZ_%d_Qty_%d_of_%d", i+1, s, total)}
	}
	return legs, nil
}

// chunks splits qty into lot-aligned pieces no larger than maxLeg.
func chunks(qty, lot, maxLeg int) []int {
	if qty <= 0 {
		return nil
	}
	step := maxLeg / lot * lot
	if step <= 0 {
		step = lot
	}
	var out []int
	for qty >= step {
		out = append(out, step)
		qty -= step
	}
	if qty > 0 {
		out = append(out, qty)
	}
	return out
}
