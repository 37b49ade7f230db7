package assembler

import "testing"

func TestBitmapBasics(t *testing.T) {
	b := NewBitmap(10)
	if b.LenBits() != 10 {
		t.Fatalf("LenBits mismatch: got %d", b.LenBits())
	}
	if !b.Set(0) || !b.Set(3) || !b.Set(9) {
		t.Fatal("expected first Set to report a new slot")
	}
	if b.Set(3) {
		t.Fatal("expected duplicate Set to report false")
	}
	if b.Set(10) || b.Set(-1) {
		t.Fatal("out of range Set must be ignored")
	}

	if !b.Get(0) || !b.Get(3) || !b.Get(9) {
		t.Fatalf("expected bits to be set")
	}
	if b.Get(1) || b.Get(8) {
		t.Fatalf("unexpected bits set")
	}
	if count := b.CountSet(); count != 3 {
		t.Fatalf("CountSet mismatch: got %d", count)
	}
	if b.Full() {
		t.Fatal("bitmap reported full with gaps")
	}
	missing := b.Missing(3)
	if len(missing) != 3 || missing[0] != 1 || missing[1] != 2 || missing[2] != 4 {
		t.Fatalf("Missing(3) = %v, want [1 2 4]", missing)
	}
}

func TestBitmapFull(t *testing.T) {
	b := NewBitmap(9)
	for i := 0; i < 9; i++ {
		b.Set(i)
	}
	if !b.Full() {
		t.Fatal("expected full bitmap")
	}
	if !NewBitmap(0).Full() {
		t.Fatal("an empty bitmap is trivially full")
	}
}

func TestBitmapGrow(t *testing.T) {
	b := NewBitmap(3)
	b.Set(2)
	b.Grow(20)
	if b.LenBits() != 20 {
		t.Fatalf("LenBits after Grow = %d, want 20", b.LenBits())
	}
	if !b.Get(2) {
		t.Fatal("Grow lost an existing mark")
	}
	if !b.Set(19) {
		t.Fatal("Set in grown range failed")
	}
	b.Grow(5)
	if b.LenBits() != 20 {
		t.Fatal("Grow must never shrink")
	}
}
