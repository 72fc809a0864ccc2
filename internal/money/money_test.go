package money

import "testing"

func TestApplyBps(t *testing.T) {
	tests := []struct {
		cents int64
		bps   int64
		want  int64
	}{
		{2000, 11000, 2200}, // 110% buyer markup on $20.00
		{2000, 9000, 1800},  // 90% creator share
		{2200, 8500, 1870},  // 85% legacy share
		{2200, 9900, 2178},  // 99% full refund threshold
		{2200, 10100, 2222}, // 101% tolerance ceiling
		{0, 11000, 0},
		{1, 10000, 1},
		{1, 5000, 1},  // 0.5 rounds half up
		{333, 3333, 111}, // 110.99 -> 111
		{-100, 10000, 0},
		{100, -1, 0},
	}

	for _, tc := range tests {
		if got := ApplyBps(tc.cents, tc.bps); got != tc.want {
			t.Errorf("ApplyBps(%d, %d) = %d, want %d", tc.cents, tc.bps, got, tc.want)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		cents int64
		want  string
	}{
		{2200, "22.00"},
		{1870, "18.70"},
		{5, "0.05"},
		{0, "0.00"},
		{-50, "-0.50"},
	}

	for _, tc := range tests {
		if got := Format(tc.cents); got != tc.want {
			t.Errorf("Format(%d) = %q, want %q", tc.cents, got, tc.want)
		}
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in    string
		want  int64
		valid bool
	}{
		{"22.00", 2200, true},
		{"22.5", 2250, true},
		{"22", 2200, true},
		{" 18.70 ", 1870, true},
		{"0", 0, true},
		{"0.05", 5, true},

		{"", 0, false},
		{"-5", 0, false},
		{"1.2.3", 0, false},
		{"abc", 0, false},
		{"1.xy", 0, false},
	}

	for _, tc := range tests {
		got, ok := Parse(tc.in)
		if ok != tc.valid {
			t.Errorf("Parse(%q) valid = %v, want %v", tc.in, ok, tc.valid)
			continue
		}
		if ok && got != tc.want {
			t.Errorf("Parse(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}
