package sdhci

import "testing"

// TestDivider checks the clock control encoding for each host generation:
// 10 bit even divisors on 3.0 hosts, the programmable mode when a multiplier
// is reported, powers of two before 3.0.
func TestDivider(t *testing.T) {
	cases := []struct {
		name    string
		version uint16
		clkMul  uint32
		input   int64
		hz      int64
		want    clkCtrl
	}{
		{"v3 unity", specV300, 0, 200_000_000, 200_000_000, 0x0000},
		{"v3 even", specV300, 0, 200_000_000, 52_000_000, 0x0200},
		{"v3 round down", specV300, 0, 200_000_000, 26_000_000, 0x0400},
		{"v3 identification", specV300, 0, 200_000_000, 375_000, 0x0b40},
		{"v3 high bits", specV300, 0, 200_000_000, 100_000, 0xe8c0},
		{"v2 pow2", specV200, 0, 100_000_000, 25_000_000, 0x0200},
		{"v2 maxed", specV200, 0, 100_000_000, 375_000, 0x8000},
		{"prog mode", specV300, 2, 200_000_000, 52_000_000, clkProgMode | 3<<8},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &Host{version: tc.version, clkMul: tc.clkMul}
			if got := h.divider(tc.input, tc.hz); got != tc.want {
				t.Fatalf("divider(%v, %v) = %#04x, want %#04x",
					tc.input, tc.hz, uint16(got), uint16(tc.want))
			}
		})
	}
}

// TestDividerNeverOvershoots sweeps target rates over a divided clock host
// and a programmable clock host and checks the resulting bus clock never
// exceeds the request, except when even the largest divisor cannot reach it.
func TestDividerNeverOvershoots(t *testing.T) {
	const input = int64(200_000_000)
	for _, h := range []*Host{
		{version: specV300},
		{version: specV300, clkMul: 4},
	} {
		for _, hz := range []int64{100_000_000, 50_000_000, 48_000_000,
			33_000_000, 12_500_000, 1_000_000, 400_000, 375_000, 98_000} {
			clk := h.divider(input, hz)
			field := int64(clk>>8&0xff) | int64(clk>>6&0x3)<<8
			div := field * 2
			if clk&clkProgMode != 0 {
				if hz < input/1024 {
					// Below the programmable clock's floor.
					continue
				}
				div = field + 1
			}
			if div == 0 {
				div = 1
			}
			if got := input / div; got > hz {
				t.Fatalf("clkMul %v, target %v Hz: divisor %v gives %v Hz",
					h.clkMul, hz, div, got)
			}
		}
	}
}
