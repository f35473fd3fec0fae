package buf

import (
	"math"
	"testing"
)

func TestAddOverflowSafe(t *testing.T) {
	if sum, ok := AddOverflowSafe(10, 5); !ok || sum != 15 {
		t.Fatalf("AddOverflowSafe(10,5)=%d,%v want 15,true", sum, ok)
	}
	if _, ok := AddOverflowSafe(math.MaxInt, 1); ok {
		t.Fatalf("expected overflow when adding to MaxInt")
	}
	if _, ok := AddOverflowSafe(math.MinInt, -1); ok {
		t.Fatalf("expected underflow when subtracting from MinInt")
	}
}

func TestMulOverflowSafe(t *testing.T) {
	if got, ok := MulOverflowSafe(6, 8); !ok || got != 48 {
		t.Fatalf("MulOverflowSafe(6,8)=%d,%v want 48,true", got, ok)
	}
	if _, ok := MulOverflowSafe(math.MaxInt/2+1, 2); ok {
		t.Fatalf("expected overflow")
	}
	if _, ok := MulOverflowSafe(-1, 8); ok {
		t.Fatalf("negative operands must be rejected")
	}
}

func TestAlignUp(t *testing.T) {
	cases := []struct{ n, align, want int }{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{13, 8, 16},
		{4097, 4096, 8192},
	}
	for _, c := range cases {
		if got, ok := AlignUp(c.n, c.align); !ok || got != c.want {
			t.Fatalf("AlignUp(%d,%d)=%d,%v want %d", c.n, c.align, got, ok, c.want)
		}
	}
	if _, ok := AlignUp(math.MaxInt, 8); ok {
		t.Fatalf("expected overflow")
	}
	if _, ok := AlignUp(3, 6); ok {
		t.Fatalf("non power of two alignment must be rejected")
	}
}

func TestCheckListBounds(t *testing.T) {
	if end, err := CheckListBounds(64, 16, 4, 8); err != nil || end != 48 {
		t.Fatalf("CheckListBounds=%d,%v want 48,nil", end, err)
	}
	if _, err := CheckListBounds(64, 40, 4, 8); err == nil {
		t.Fatalf("expected bounds error")
	}
	if _, err := CheckListBounds(64, 0, math.MaxInt, 8); err == nil {
		t.Fatalf("expected overflow error")
	}
	if _, err := CheckListBounds(64, -1, 1, 8); err == nil {
		t.Fatalf("expected negative offset error")
	}
}

func TestSlice(t *testing.T) {
	data := []byte{0, 1, 2, 3, 4}
	if got, ok := Slice(data, 1, 3); !ok || len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("Slice returned unexpected result: %v, %v", got, ok)
	}
	if got, _ := Slice(data, 1, 3); cap(got) != 3 {
		t.Fatalf("Slice must cap the result, got cap %d", cap(got))
	}
	if _, ok := Slice(data, 4, 2); ok {
		t.Fatalf("Slice should fail when extending beyond len")
	}
	if _, ok := Slice(data, 2, 4); ok {
		t.Fatalf("Slice should fail for out-of-bounds range")
	}

	if _, ok := Slice(data, -1, 1); ok {
		t.Fatalf("Slice should reject negative offset")
	}
	if _, ok := Slice(data, 1, -1); ok {
		t.Fatalf("Slice should reject negative length")
	}
}
