package util

import "testing"

func TestRoundupRounddown(t *testing.T) {
	cases := []struct{ n, align, up, down int }{
		{0, 4096, 0, 0},
		{1, 4096, 4096, 0},
		{4096, 4096, 4096, 4096},
		{4097, 4096, 8192, 4096},
		{13, 8, 16, 8},
	}
	for _, c := range cases {
		if got := Roundup(c.n, c.align); got != c.up {
			t.Errorf("Roundup(%d,%d) = %d, want %d", c.n, c.align, got, c.up)
		}
		if got := Rounddown(c.n, c.align); got != c.down {
			t.Errorf("Rounddown(%d,%d) = %d, want %d", c.n, c.align, got, c.down)
		}
	}
}

func TestReadnWriten(t *testing.T) {
	buf := make([]uint8, 8)
	Writen(buf, 4, 2, 0xdeadbeef)
	got := Readn(buf, 4, 2)
	if got != 0xdeadbeef {
		t.Fatalf("got %#x, want 0xdeadbeef", got)
	}
}

func TestIsPow2(t *testing.T) {
	for _, n := range []int{1, 2, 4, 1024, 4096} {
		if !IsPow2(n) {
			t.Errorf("IsPow2(%d) = false, want true", n)
		}
	}
	for _, n := range []int{0, -1, 3, 5, 1000} {
		if IsPow2(n) {
			t.Errorf("IsPow2(%d) = true, want false", n)
		}
	}
}
