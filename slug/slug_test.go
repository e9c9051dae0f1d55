package slug

import "testing"

func TestMake(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Acme Water", "acme-water"},
		{"  Acme   Water  ", "acme-water"},
		{"Électricité du Nord", "electricite-du-nord"},
		{"Agua_Potable S.A.", "agua-potable-s-a"},
		{"ÑANDÚ & Co", "nandu-co"},
		{"Zone 51", "zone-51"},
		{"---", ""},
		{"日本", ""},
	}
	for _, tt := range tests {
		if got := Make(tt.in); got != tt.want {
			t.Errorf("Make(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMake_Truncates(t *testing.T) {
	long := ""
	for range 40 {
		long += "ab "
	}
	got := Make(long)
	if len(got) > MaxLen {
		t.Fatalf("len = %d, want <= %d", len(got), MaxLen)
	}
	if got[len(got)-1] == '-' {
		t.Fatalf("trailing dash in %q", got)
	}
}

func TestValid(t *testing.T) {
	if !Valid("acme-water") {
		t.Error("acme-water should be valid")
	}
	for _, s := range []string{"", "Acme", "acme--water", "-acme"} {
		if Valid(s) {
			t.Errorf("%q should be invalid", s)
		}
	}
}
