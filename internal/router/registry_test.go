package router

import "testing"

func TestRegistryAdd(t *testing.T) {
	t.Parallel()
	r := NewRegistry()

	count, displaced := r.Add(newEdgeConn("edge-1"))
	if count != 1 || displaced != nil {
		t.Errorf("Add() = (%d, %v), want (1, nil)", count, displaced)
	}
	count, displaced = r.Add(newEdgeConn("edge-2"))
	if count != 2 || displaced != nil {
		t.Errorf("Add() = (%d, %v), want (2, nil)", count, displaced)
	}
}

func TestRegistryDisplacesSameIdentifier(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	old := newEdgeConn("edge-1")
	replacement := newEdgeConn("edge-1")

	r.Add(old)
	count, displaced := r.Add(replacement)

	if count != 1 {
		t.Errorf("count = %d, want the entry replaced, not duplicated", count)
	}
	if displaced != old {
		t.Errorf("displaced = %v, want the previous connection", displaced)
	}
}

func TestRegistryRemoveIsIdentityChecked(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	old := newEdgeConn("edge-1")
	replacement := newEdgeConn("edge-1")

	r.Add(old)
	r.Add(replacement)

	if r.Remove(old) {
		t.Error("Remove(old) = true, want the displaced connection rejected")
	}
	if got := r.Count(); got != 1 {
		t.Errorf("Count() = %d, want the replacement kept", got)
	}
	if !r.Remove(replacement) {
		t.Error("Remove(replacement) = false, want true")
	}
	if got := r.Count(); got != 0 {
		t.Errorf("Count() = %d, want 0", got)
	}
}

func TestRegistryAll(t *testing.T) {
	t.Parallel()
	r := NewRegistry()
	ec1 := newEdgeConn("edge-1")
	ec2 := newEdgeConn("edge-2")
	r.Add(ec1)
	r.Add(ec2)

	all := r.All()
	if len(all) != 2 {
		t.Fatalf("All() = %d connections, want 2", len(all))
	}
	seen := map[*EdgeConn]bool{all[0]: true, all[1]: true}
	if !seen[ec1] || !seen[ec2] {
		t.Errorf("All() missing a registered connection")
	}
}
