package txmath

import (
	"errors"
	"fmt"
	"math"
	"math/big"
)

var ErrOverflow = errors.New("value exceeds target type capacity")

// PercentBump returns v scaled by pct percent using integer arithmetic,
// e.g. PercentBump(10, 110) = 11. The division truncates toward zero.
func PercentBump(v *big.Int, pct int64) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}

// BufferedEstimate scales a raw gas estimate by num/den and caps the result
// at max. A zero max disables the cap.
func BufferedEstimate(estimate, max uint64, num, den uint64) uint64 {
	buffered := new(big.Int).SetUint64(estimate)
	buffered.Mul(buffered, new(big.Int).SetUint64(num))
	buffered.Div(buffered, new(big.Int).SetUint64(den))
	if !buffered.IsUint64() {
		return max
	}
	out := buffered.Uint64()
	if max > 0 && out > max {
		return max
	}
	return out
}

// MaxBig returns the larger of a and b
func MaxBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) >= 0 {
		return new(big.Int).Set(a)
	}
	return new(big.Int).Set(b)
}

func Uint64ToInt64(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("value %d overflows int64: %w", v, ErrOverflow)
	}
	return int64(v), nil
}

func IntToUint64(v int) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("negative value %d cannot convert to uint64: %w", v, ErrOverflow)
	}
	return uint64(v), nil
}
