package presence

import "testing"

func TestDirectory_SuppressesInitialLoad(t *testing.T) {
	d := NewDirectory()
	observed := d.Observe(Change{Added: []string{"a", "b"}})
	if len(observed.Added) != 0 {
		t.Fatalf("expected initial-load adds suppressed, got %+v", observed)
	}

	observed = d.Observe(Change{Added: []string{"c"}})
	if len(observed.Added) != 1 || observed.Added[0] != "c" {
		t.Fatalf("expected subsequent adds to pass through, got %+v", observed)
	}
}

func TestDirectory_RearmResuppresses(t *testing.T) {
	d := NewDirectory()
	d.Observe(Change{Added: []string{"a"}}) // consumes initial load
	d.Rearm()
	observed := d.Observe(Change{Added: []string{"b"}})
	if len(observed.Added) != 0 {
		t.Fatalf("expected rearmed suppression, got %+v", observed)
	}
}

func TestDirectory_RemembersNicknameAcrossRemoval(t *testing.T) {
	d := NewDirectory()
	d.Remember("peer-1", "Quick Otter")
	if got := d.LastKnownNickname("peer-1"); got != "Quick Otter" {
		t.Fatalf("got %q", got)
	}
	// Simulate the awareness entry being deleted before the "removed"
	// notification fires: the directory must still answer correctly.
	if got := d.LastKnownNickname("peer-1"); got != "Quick Otter" {
		t.Fatalf("nickname lost after simulated deletion: %q", got)
	}
	d.Forget("peer-1")
	if got := d.LastKnownNickname("peer-1"); got != "" {
		t.Fatalf("expected forgotten nickname to be empty, got %q", got)
	}
}
