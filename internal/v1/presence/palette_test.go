package presence

import "testing"

func TestAssignColor_PicksFirstUnused(t *testing.T) {
	used := []string{Palette[0], Palette[1]}
	got := AssignColor(used, "client-a")
	if got != Palette[2] {
		t.Fatalf("got %s, want %s", got, Palette[2])
	}
}

func TestAssignColor_NoneUsed(t *testing.T) {
	got := AssignColor(nil, "client-a")
	if got != Palette[0] {
		t.Fatalf("got %s, want %s", got, Palette[0])
	}
}

func TestAssignColor_AllUsedFallsBackDeterministically(t *testing.T) {
	got1 := AssignColor(append([]string(nil), Palette...), "client-xyz")
	got2 := AssignColor(append([]string(nil), Palette...), "client-xyz")
	if got1 != got2 {
		t.Fatalf("fallback assignment not deterministic: %s vs %s", got1, got2)
	}
	found := false
	for _, c := range Palette {
		if c == got1 {
			found = true
		}
	}
	if !found {
		t.Fatalf("fallback color %s not in palette", got1)
	}
}

func TestAssignColor_ExcludesRedAndGreen(t *testing.T) {
	for _, c := range Palette {
		if c == "#FF0000" || c == "#00FF00" {
			t.Fatalf("palette must exclude pure red/green, found %s", c)
		}
	}
}
