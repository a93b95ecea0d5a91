package render

import (
	"os"
	"testing"
)

func TestComposeSpreadWritesFile(t *testing.T) {
	c := NewCompositor(t.TempDir())

	path, err := c.ComposeSpread([]string{"The Fool", "Wheel of Fortune", "Ten of Cups"})
	if err != nil {
		t.Fatalf("compose: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("rendered image is empty")
	}

	c.Cleanup(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("cleanup should remove the artifact")
	}
}

func TestComposeSpreadRejectsEmptyDraw(t *testing.T) {
	c := NewCompositor(t.TempDir())
	if _, err := c.ComposeSpread(nil); err == nil {
		t.Fatal("expected error for empty card list")
	}
}

func TestWrapName(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"Strength", 1},
		{"The Fool", 1},
		{"Wheel of Fortune", 2},
		{"Ace of Pentacles", 2},
	}
	for _, tt := range tests {
		lines := wrapName(tt.name)
		if len(lines) != tt.want {
			t.Errorf("wrapName(%q) = %v (%d lines), want %d", tt.name, lines, len(lines), tt.want)
		}
	}
}
