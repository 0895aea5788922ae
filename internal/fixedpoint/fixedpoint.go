// Package fixedpoint converts signed scaled integers to human numbers and back.
//
// Registry values are stored as a signed integer paired with a decimal-place
// count, representing value / 10^decimals. Values stay exact (big.Int) through
// aggregation and are only converted to float64 at the scoring or display
// boundary.
package fixedpoint

import (
	"math"
	"math/big"
	"strconv"
)

const (
	// MaxDecimals is the largest decimal-place count a registry value may carry.
	MaxDecimals = 18

	// USDCDecimals is the precision of USDC on both supported chains.
	USDCDecimals = 6
)

var pow10 [MaxDecimals + 1]*big.Int

func init() {
	ten := big.NewInt(10)
	pow10[0] = big.NewInt(1)
	for i := 1; i <= MaxDecimals; i++ {
		pow10[i] = new(big.Int).Mul(pow10[i-1], ten)
	}
}

func clampDecimals(d uint8) uint8 {
	if d > MaxDecimals {
		return MaxDecimals
	}
	return d
}

// ToHuman returns v / 10^decimals as the nearest float64.
func ToHuman(v *big.Int, decimals uint8) float64 {
	if v == nil {
		return 0
	}
	r := new(big.Rat).SetFrac(v, pow10[clampDecimals(decimals)])
	f, _ := r.Float64()
	return f
}

// ToScaled returns round(num * 10^decimals), rounding half away from zero.
// The multiplication is done on the shortest decimal representation of num,
// so ToScaled(ToHuman(v, d), d) == v whenever v fits in float64 precision.
// NaN and infinities scale to zero.
func ToScaled(num float64, decimals uint8) *big.Int {
	if math.IsNaN(num) || math.IsInf(num, 0) {
		return new(big.Int)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(num, 'g', -1, 64))
	if !ok {
		return new(big.Int)
	}
	r.Mul(r, new(big.Rat).SetInt(pow10[clampDecimals(decimals)]))
	return roundRat(r)
}

func roundRat(r *big.Rat) *big.Int {
	num := new(big.Int).Abs(r.Num())
	den := r.Denom()
	q, m := new(big.Int).QuoRem(num, den, new(big.Int))
	if m.Lsh(m, 1).Cmp(den) >= 0 {
		q.Add(q, big.NewInt(1))
	}
	if r.Sign() < 0 {
		q.Neg(q)
	}
	return q
}

// Value is an exact signed fixed-point number.
type Value struct {
	Int      *big.Int `json:"value"`
	Decimals uint8    `json:"decimals"`
}

// NewValue builds a Value, treating a nil integer as zero.
func NewValue(v *big.Int, decimals uint8) Value {
	if v == nil {
		v = new(big.Int)
	}
	return Value{Int: new(big.Int).Set(v), Decimals: clampDecimals(decimals)}
}

// Float64 converts the value to a human number.
func (v Value) Float64() float64 {
	return ToHuman(v.Int, v.Decimals)
}

// Rescale expresses v with d decimal places. Increasing precision is exact;
// decreasing it truncates toward zero.
func (v Value) Rescale(d uint8) Value {
	d = clampDecimals(d)
	out := NewValue(v.Int, d)
	switch {
	case d > v.Decimals:
		out.Int.Mul(out.Int, pow10[d-v.Decimals])
	case d < v.Decimals:
		out.Int.Quo(out.Int, pow10[v.Decimals-d])
	}
	return out
}

// String renders the exact decimal form, e.g. "-12.50" for (-1250, 2).
func (v Value) String() string {
	if v.Int == nil {
		return "0"
	}
	if v.Decimals == 0 {
		return v.Int.String()
	}
	neg := v.Int.Sign() < 0
	s := new(big.Int).Abs(v.Int).String()
	for len(s) < int(v.Decimals)+1 {
		s = "0" + s
	}
	point := len(s) - int(v.Decimals)
	out := s[:point] + "." + s[point:]
	if neg {
		out = "-" + out
	}
	return out
}

// Sum adds values exactly at the largest precision among them.
func Sum(vals ...Value) Value {
	var d uint8
	for _, v := range vals {
		if v.Decimals > d {
			d = v.Decimals
		}
	}
	total := NewValue(nil, d)
	for _, v := range vals {
		total.Int.Add(total.Int, v.Rescale(d).Int)
	}
	return total
}

// Average returns the arithmetic mean of vals, or 0 for an empty slice.
// Summation is exact; only the final division is done in float64.
func Average(vals []Value) float64 {
	if len(vals) == 0 {
		return 0
	}
	total := Sum(vals...)
	r := new(big.Rat).SetFrac(total.Int, pow10[total.Decimals])
	r.Quo(r, new(big.Rat).SetInt64(int64(len(vals))))
	f, _ := r.Float64()
	return f
}
