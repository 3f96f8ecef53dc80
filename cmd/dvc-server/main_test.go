package main

import (
	"log/slog"
	"testing"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("DVC_TEST_STR", "value")
	if got := getEnv("DVC_TEST_STR", "fallback"); got != "value" {
		t.Errorf("getEnv(set) = %q", got)
	}
	if got := getEnv("DVC_TEST_STR_UNSET", "fallback"); got != "fallback" {
		t.Errorf("getEnv(unset) = %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	log := slog.New(slog.DiscardHandler)

	tests := []struct {
		name  string
		value string
		want  int
	}{
		{"unset", "", 5},
		{"valid", "12", 12},
		{"not a number", "many", 5},
		{"zero", "0", 5},
		{"negative", "-3", 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.value != "" {
				t.Setenv("DVC_TEST_INT", tt.value)
			}
			if got := getEnvInt("DVC_TEST_INT", 5, log); got != tt.want {
				t.Errorf("getEnvInt(%q) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}
