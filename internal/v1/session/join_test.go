package session

import "testing"

func TestResolve_DirectAttach_SameTimeline(t *testing.T) {
	if got := Resolve("T1", "T1", true, true); got != DirectAttach {
		t.Fatalf("got %s, want direct_attach", got)
	}
}

func TestResolve_DirectAttach_NoLocalProgress(t *testing.T) {
	if got := Resolve("", "T1", false, true); got != DirectAttach {
		t.Fatalf("got %s, want direct_attach", got)
	}
}

func TestResolve_Collision(t *testing.T) {
	if got := Resolve("T2", "T1", true, true); got != Collision {
		t.Fatalf("got %s, want collision", got)
	}
}

func TestResolve_Bootstrap_NoLocalPuzzle(t *testing.T) {
	if got := Resolve("", "T1", false, false); got != Bootstrap {
		t.Fatalf("got %s, want bootstrap", got)
	}
	// Even with stray local progress for some other puzzle, absence of
	// *this* puzzle's payload always means bootstrap.
	if got := Resolve("T9", "T1", true, false); got != Bootstrap {
		t.Fatalf("got %s, want bootstrap", got)
	}
}

func TestResolution_Plan(t *testing.T) {
	mergePlan := Merge.Plan("T1")
	if mergePlan.WipeLocal || !mergePlan.UpdateTimeline || mergePlan.AttachTimeline != "T1" {
		t.Fatalf("unexpected merge plan: %+v", mergePlan)
	}

	freshPlan := FreshStart.Plan("T1")
	if !freshPlan.WipeLocal || !freshPlan.UpdateTimeline || freshPlan.AttachTimeline != "T1" {
		t.Fatalf("unexpected fresh-start plan: %+v", freshPlan)
	}

	cancelPlan := Cancel.Plan("T1")
	if !cancelPlan.Abort {
		t.Fatalf("unexpected cancel plan: %+v", cancelPlan)
	}
}
