package store

import "testing"

func TestInternerRefcounts(t *testing.T) {
	in := newInterner()
	a := in.acquire("init")
	b := in.acquire("init")
	if a != b || in.len() != 1 {
		t.Fatalf("expected one shared entry, got %d", in.len())
	}

	in.release(a)
	if n := in.sweep(); n != 0 {
		t.Fatalf("swept %d names still referenced", n)
	}
	in.release(b)
	in.release(b) // extra release must not go negative
	if n := in.sweep(); n != 1 {
		t.Fatalf("expected one name swept, got %d", n)
	}
	in.release("never-seen")
	if in.len() != 0 {
		t.Fatalf("expected empty interner, got %d", in.len())
	}
}
