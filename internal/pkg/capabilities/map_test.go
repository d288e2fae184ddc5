package capabilities

import "testing"

func TestKeepBitmap(t *testing.T) {
	keep, err := KeepBitmap([]string{"CAP_CHOWN", "CAP_SYS_ADMIN"})
	if err != nil {
		t.Fatalf("KeepBitmap: %v", err)
	}
	want := uint64(1)<<0 | uint64(1)<<21
	if keep != want {
		t.Fatalf("keep = %#x, want %#x", keep, want)
	}
}

func TestKeepBitmapEmpty(t *testing.T) {
	keep, err := KeepBitmap(nil)
	if err != nil {
		t.Fatalf("KeepBitmap: %v", err)
	}
	if keep != 0 {
		t.Fatalf("keep = %#x, want 0", keep)
	}
}

func TestKeepBitmapRejectsUnknownName(t *testing.T) {
	if _, err := KeepBitmap([]string{"CAP_NOT_REAL"}); err == nil {
		t.Fatalf("expected an error for an unknown capability name")
	}
}

func TestKeepBitmapHighBit(t *testing.T) {
	// Regression guard for spec.md §9 item 1: a 32-bit signed `1 << cap`
	// would overflow for capability numbers at or above 32. LastCap is 35.
	keep, err := KeepBitmap([]string{"CAP_WAKE_ALARM"})
	if err != nil {
		t.Fatalf("KeepBitmap: %v", err)
	}
	if keep != uint64(1)<<35 {
		t.Fatalf("keep = %#x, want %#x", keep, uint64(1)<<35)
	}
}

func TestMapCoversLastCap(t *testing.T) {
	found := false
	for _, c := range Map {
		if c.Value == LastCap {
			found = true
			break
		}
	}
	if !found {
		t.Fatalf("no capability in Map has Value == LastCap (%d)", LastCap)
	}
}
