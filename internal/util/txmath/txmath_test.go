package txmath

import (
	"errors"
	"math"
	"math/big"
	"testing"
)

func TestPercentBump(t *testing.T) {
	tests := []struct {
		name string
		v    int64
		pct  int64
		want int64
	}{
		{"ten percent bump", 10, 110, 11},
		{"truncates toward zero", 15, 110, 16}, // 16.5 -> 16
		{"small value floors", 2, 110, 2},      // 2.2 -> 2
		{"zero", 0, 110, 0},
		{"identity", 100, 100, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := PercentBump(big.NewInt(tt.v), tt.pct)
			if got.Int64() != tt.want {
				t.Errorf("PercentBump(%d, %d) = %s, want %d", tt.v, tt.pct, got, tt.want)
			}
		})
	}
}

func TestPercentBumpLargeValue(t *testing.T) {
	// 2^70 * 110 / 100 must not lose precision
	v := new(big.Int).Lsh(big.NewInt(1), 70)
	want := new(big.Int).Mul(v, big.NewInt(110))
	want.Div(want, big.NewInt(100))
	if got := PercentBump(v, 110); got.Cmp(want) != 0 {
		t.Errorf("PercentBump(2^70, 110) = %s, want %s", got, want)
	}
}

func TestBufferedEstimate(t *testing.T) {
	tests := []struct {
		name     string
		estimate uint64
		max      uint64
		num, den uint64
		want     uint64
	}{
		{"1.5x buffer", 100000, 30000000, 3, 2, 150000},
		{"capped at max", 25000000, 30000000, 3, 2, 30000000},
		{"zero max disables cap", 25000000, 0, 3, 2, 37500000},
		{"2x buffer", 100, 0, 2, 1, 200},
		{"uint64 overflow falls back to max", math.MaxUint64, 30000000, 3, 2, 30000000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BufferedEstimate(tt.estimate, tt.max, tt.num, tt.den)
			if got != tt.want {
				t.Errorf("BufferedEstimate(%d, %d, %d/%d) = %d, want %d",
					tt.estimate, tt.max, tt.num, tt.den, got, tt.want)
			}
		})
	}
}

func TestMaxBig(t *testing.T) {
	a, b := big.NewInt(5), big.NewInt(9)
	if got := MaxBig(a, b); got.Int64() != 9 {
		t.Errorf("MaxBig(5, 9) = %s", got)
	}
	if got := MaxBig(b, a); got.Int64() != 9 {
		t.Errorf("MaxBig(9, 5) = %s", got)
	}

	// Result must be a fresh value
	got := MaxBig(a, b)
	got.SetInt64(0)
	if b.Int64() != 9 {
		t.Error("MaxBig aliased its input")
	}
}

func TestUint64ToInt64(t *testing.T) {
	if _, err := Uint64ToInt64(math.MaxUint64); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	got, err := Uint64ToInt64(42)
	if err != nil || got != 42 {
		t.Errorf("Uint64ToInt64(42) = %d, %v", got, err)
	}
}

func TestIntToUint64(t *testing.T) {
	if _, err := IntToUint64(-1); !errors.Is(err, ErrOverflow) {
		t.Errorf("expected ErrOverflow, got %v", err)
	}
	got, err := IntToUint64(42)
	if err != nil || got != 42 {
		t.Errorf("IntToUint64(42) = %d, %v", got, err)
	}
}
