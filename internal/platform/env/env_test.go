package env

import (
	"testing"
	"time"
)

func TestString(t *testing.T) {
	t.Setenv("STORE_URL", "")
	if got := String("STORE_URL", DefaultStoreURL); got != DefaultStoreURL {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("STORE_URL", "http://store:8090")
	if got := String("STORE_URL", DefaultStoreURL); got != "http://store:8090" {
		t.Fatalf("unexpected value %q", got)
	}
}

func TestInt(t *testing.T) {
	t.Setenv("BUFFER", "nope")
	if got := Int("BUFFER", 64); got != 64 {
		t.Fatalf("expected fallback for invalid int, got %d", got)
	}
	t.Setenv("BUFFER", "8")
	if got := Int("BUFFER", 64); got != 8 {
		t.Fatalf("unexpected value %d", got)
	}
}

func TestBool(t *testing.T) {
	t.Setenv("DEBUG", "true")
	if !Bool("DEBUG", false) {
		t.Fatal("expected true")
	}
	t.Setenv("DEBUG", "maybe")
	if Bool("DEBUG", false) {
		t.Fatal("expected fallback for invalid bool")
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"", DefaultAutoSaveDebounce},
		{"750ms", 750 * time.Millisecond},
		{"-1s", DefaultAutoSaveDebounce},
		{"soon", DefaultAutoSaveDebounce},
	}
	for _, tt := range tests {
		t.Setenv("AUTOSAVE_DEBOUNCE", tt.raw)
		if got := Duration("AUTOSAVE_DEBOUNCE", DefaultAutoSaveDebounce); got != tt.want {
			t.Errorf("Duration(%q) = %s, want %s", tt.raw, got, tt.want)
		}
	}
}
