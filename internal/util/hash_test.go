package util

import "testing"

func TestDeriveIAStable(t *testing.T) {
	a := DeriveIA("host-a", "1")
	if a != DeriveIA("host-a", "1") {
		t.Fatalf("DeriveIA is not deterministic")
	}
	if a == DeriveIA("host-a1") {
		t.Errorf("part boundaries should change the hash")
	}
}
