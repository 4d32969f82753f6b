package transfer

import "testing"

func TestTargetSetPushAppendsDuplicates(t *testing.T) {
	ts := NewTargetSet([]Target{{Port: 1}})
	ts.Push([]Target{{Port: 1}, {Port: 2}})

	snap := ts.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected literal append with no dedup, got %d entries: %+v", len(snap), snap)
	}
}

func TestTargetSetSetNormalizesWeight(t *testing.T) {
	ts := NewTargetSet([]Target{{Port: 1, Weight: 0}, {Port: 2, Weight: -5}})
	snap := ts.Snapshot()
	for _, tg := range snap {
		if tg.Weight != 1 {
			t.Fatalf("expected weight normalized to 1, got %d for port %d", tg.Weight, tg.Port)
		}
	}
}

func TestTargetSetFilterPreservesOrder(t *testing.T) {
	ts := NewTargetSet([]Target{{Port: 1}, {Port: 2}, {Port: 3}, {Port: 4}})
	ts.Filter(func(tg Target) bool { return tg.Port%2 == 0 })

	snap := ts.Snapshot()
	want := []int{2, 4}
	if len(snap) != len(want) {
		t.Fatalf("got %+v, want ports %v", snap, want)
	}
	for i, p := range want {
		if snap[i].Port != p {
			t.Fatalf("order mismatch: got %+v, want ports %v", snap, want)
		}
	}
}

func TestTargetSetSnapshotIsCopy(t *testing.T) {
	ts := NewTargetSet([]Target{{Port: 1}})
	snap := ts.Snapshot()
	snap[0].Port = 999
	if ts.Snapshot()[0].Port != 1 {
		t.Fatalf("mutating a snapshot must not affect the registry")
	}
}

func TestTargetEqual(t *testing.T) {
	a := Target{Port: 1, Weight: 5}
	b := Target{Port: 1, Weight: 9}
	if !a.Equal(b) {
		t.Fatalf("targets with the same port must be equal regardless of weight")
	}
	c := Target{Port: 2}
	if a.Equal(c) {
		t.Fatalf("targets with different ports must not be equal")
	}
}
