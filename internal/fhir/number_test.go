package fhir

import "testing"

func TestParseNumberRange_ImplicitPrecision(t *testing.T) {
	tests := []struct {
		value string
		low   string
		high  string
	}{
		{"100", "99.5", "100.5"},
		{"100.00", "99.995", "100.005"},
		{"0.5", "0.45", "0.55"},
		{"-5", "-5.5", "-4.5"},
		{"1e2", "99.5", "100.5"},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			n, err := ParseNumberRange(tt.value)
			if err != nil {
				t.Fatalf("ParseNumberRange(%q): %v", tt.value, err)
			}
			if n.Low.String() != tt.low {
				t.Errorf("low = %s, want %s", n.Low, tt.low)
			}
			if n.High.String() != tt.high {
				t.Errorf("high = %s, want %s", n.High, tt.high)
			}
		})
	}
}

func TestParseNumberRange_Invalid(t *testing.T) {
	for _, v := range []string{"", "abc", "1.2.3"} {
		if _, err := ParseNumberRange(v); err == nil {
			t.Errorf("ParseNumberRange(%q) should fail", v)
		}
	}
}

func TestNumberRange_ApproxRange(t *testing.T) {
	n, err := ParseNumberRange("100")
	if err != nil {
		t.Fatal(err)
	}
	lo, hi := n.ApproxRange(0.1)
	if lo.String() != "90" || hi.String() != "110" {
		t.Errorf("ApproxRange = [%s, %s], want [90, 110]", lo, hi)
	}
}
