package terminal

import (
	"os"
	"testing"
)

func TestRegularFileIsNotTerminal(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if IsTerminal(f) {
		t.Error("temp file reported as terminal")
	}
	if _, err := EnableRawMode(f); err == nil {
		t.Error("raw mode on a regular file should fail")
	}
}

func TestWidthFallback(t *testing.T) {
	if IsTerminal(os.Stdout) {
		t.Skip("stdout is a terminal")
	}
	if got := Width(123); got != 123 {
		t.Errorf("Width = %d, want fallback 123", got)
	}
}
