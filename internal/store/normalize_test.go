package store

import "testing"

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Use   Python ", "use python"},
		{"USE\tPYTHON\n", "use python"},
		{"Straße", "strasse"},
		{"ﬁle", "file"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestContentContains(t *testing.T) {
	m := &MemoryRecord{Content: "use Python for programming", Tags: []string{"snake"}}
	if !ContentContains("PYTHON")(m) {
		t.Error("Expected case-insensitive content match")
	}
	if ContentContains("snake")(m) {
		t.Error("Tags must not be consulted")
	}
	if ContentContains("  ")(m) {
		t.Error("Blank keyword must match nothing")
	}
}
