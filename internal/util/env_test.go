package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	t.Setenv("INTAKE_TEST_BOOL", "yes")
	if !ParseBoolEnv("INTAKE_TEST_BOOL", false) {
		t.Error("expected true for yes")
	}
	t.Setenv("INTAKE_TEST_BOOL", "maybe")
	if ParseBoolEnv("INTAKE_TEST_BOOL", false) {
		t.Error("expected default for invalid value")
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 30 * time.Minute},
		{"45", 45 * time.Minute},
		{"90s", 90 * time.Second},
		{"-5", 30 * time.Minute},
		{"soon", 30 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("INTAKE_TEST_TTL", tt.val)
		if got := ParseDurationEnv("INTAKE_TEST_TTL", 30*time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestParseIntEnvAndDefault(t *testing.T) {
	t.Setenv("INTAKE_TEST_INT", "7")
	if got := ParseIntEnv("INTAKE_TEST_INT", 1); got != 7 {
		t.Errorf("ParseIntEnv = %d", got)
	}
	t.Setenv("INTAKE_TEST_INT", "x")
	if got := ParseIntEnv("INTAKE_TEST_INT", 1); got != 1 {
		t.Errorf("ParseIntEnv invalid = %d", got)
	}
	t.Setenv("INTAKE_TEST_STR", "  ")
	if got := GetenvDefault("INTAKE_TEST_STR", "def"); got != "def" {
		t.Errorf("GetenvDefault = %q", got)
	}
}
