package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	cases := []struct {
		value    string
		def      bool
		expected bool
	}{
		{"", true, true},
		{"", false, false},
		{"true", false, true},
		{"YES", false, true},
		{"1", false, true},
		{"off", true, false},
		{"0", true, false},
		{"garbage", true, true},
		{"garbage", false, false},
	}
	for _, c := range cases {
		t.Setenv("DOCPIPE_TEST_BOOL", c.value)
		if got := ParseBoolEnv("DOCPIPE_TEST_BOOL", c.def); got != c.expected {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", c.value, c.def, got, c.expected)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	t.Setenv("DOCPIPE_TEST_INT", "80")
	if got := ParseIntEnv("DOCPIPE_TEST_INT", 5); got != 80 {
		t.Errorf("expected 80, got %d", got)
	}
	t.Setenv("DOCPIPE_TEST_INT", "not-a-number")
	if got := ParseIntEnv("DOCPIPE_TEST_INT", 5); got != 5 {
		t.Errorf("expected default 5, got %d", got)
	}
}

func TestParseDurationEnv(t *testing.T) {
	t.Setenv("DOCPIPE_TEST_DUR", "15s")
	if got := ParseDurationEnv("DOCPIPE_TEST_DUR", time.Minute); got != 15*time.Second {
		t.Errorf("expected 15s, got %v", got)
	}
	t.Setenv("DOCPIPE_TEST_DUR", "")
	if got := ParseDurationEnv("DOCPIPE_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("expected default 1m, got %v", got)
	}
}

func TestGenerateRandomHex(t *testing.T) {
	hex := GenerateRandomHex(8)
	if len(hex) != 8 {
		t.Fatalf("expected length 8, got %d", len(hex))
	}
	for _, c := range hex {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			t.Errorf("unexpected character %q in hex string", c)
		}
	}
	if GenerateRandomHex(0) != "" {
		t.Error("expected empty string for zero length")
	}
}
