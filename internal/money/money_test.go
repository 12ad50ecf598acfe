package money

import "testing"

func TestParsePercent(t *testing.T) {
	tests := []struct {
		input   string
		want    BasisPoints
		wantErr bool
	}{
		{"10", 1000, false},
		{"12.5", 1250, false},
		{"0.25%", 25, false},
		{".5", 50, false},
		{" 8 ", 800, false},
		{"-3", -300, false},
		{"100", Hundred, false},
		{"1.234", 0, true},
		{"", 0, true},
		{"abc", 0, true},
		{".", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParsePercent(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParsePercent(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParsePercent(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestBasisPointsString(t *testing.T) {
	tests := []struct {
		in   BasisPoints
		want string
	}{
		{1000, "10"},
		{1250, "12.5"},
		{1205, "12.05"},
		{25, "0.25"},
		{-300, "-3"},
	}
	for _, tt := range tests {
		if got := tt.in.String(); got != tt.want {
			t.Errorf("BasisPoints(%d).String() = %q, want %q", int64(tt.in), got, tt.want)
		}
	}
}

func TestShare(t *testing.T) {
	tests := []struct {
		amount int64
		rate   BasisPoints
		want   int64
	}{
		{10000, Percent(5), 500},
		{10000, Percent(10), 1000},
		{999, Percent(10), 99},
		{1, Percent(99), 0},
		{12345, 1250, 1543},
		{0, Percent(50), 0},
	}
	for _, tt := range tests {
		got, err := Share(tt.amount, tt.rate)
		if err != nil {
			t.Fatalf("Share(%d, %s) error: %v", tt.amount, tt.rate, err)
		}
		if got != tt.want {
			t.Errorf("Share(%d, %s) = %d, want %d", tt.amount, tt.rate, got, tt.want)
		}
	}

	if _, err := Share(-1, Percent(1)); err == nil {
		t.Error("Share with negative amount should fail")
	}
}

func TestShareLargeAmount(t *testing.T) {
	const amount = int64(1) << 60
	got, err := Share(amount, Percent(50))
	if err != nil {
		t.Fatalf("Share() error: %v", err)
	}
	if got != amount/2 {
		t.Errorf("Share(2^60, 50%%) = %d, want %d", got, amount/2)
	}
}

func TestFormatCents(t *testing.T) {
	if got := FormatCents(850050); got != "8500.50" {
		t.Errorf("FormatCents(850050) = %q, want %q", got, "8500.50")
	}
	if got := FormatCents(-5); got != "-0.05" {
		t.Errorf("FormatCents(-5) = %q, want %q", got, "-0.05")
	}
}
