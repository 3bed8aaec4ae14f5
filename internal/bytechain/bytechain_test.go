package bytechain

import "testing"

func TestAppendAndFlatten(t *testing.T) {
	c := New([]byte("hello "))
	c.Append([]byte("world"))

	if got := c.Len(); got != 11 {
		t.Fatalf("Len() = %d, want 11", got)
	}

	if got := string(c.Flatten()); got != "hello world" {
		t.Fatalf("Flatten() = %q, want %q", got, "hello world")
	}
}

func TestAdvanceRead(t *testing.T) {
	c := New([]byte("abcdef"))
	if err := c.AdvanceRead(2); err != nil {
		t.Fatalf("AdvanceRead(2): %v", err)
	}

	if got := string(c.Flatten()); got != "cdef" {
		t.Fatalf("Flatten() = %q, want %q", got, "cdef")
	}

	// A short advance still consumes what it can, but reports it.
	if err := c.AdvanceRead(100); err != ErrPartialData {
		t.Fatalf("AdvanceRead(100) = %v, want ErrPartialData", err)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after over-advance = %d, want 0", got)
	}
}

func TestAdvanceWrite(t *testing.T) {
	c := NewCapacity(8)
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() of fresh capacity chain = %d, want 0", got)
	}

	if err := c.AdvanceWrite(5); err != nil {
		t.Fatalf("AdvanceWrite(5): %v", err)
	}
	if got := c.Len(); got != 5 {
		t.Fatalf("Len() after AdvanceWrite(5) = %d, want 5", got)
	}

	// Only 3 bytes of capacity remain; a larger advance is partial.
	if err := c.AdvanceWrite(4); err != ErrPartialData {
		t.Fatalf("AdvanceWrite(4) = %v, want ErrPartialData", err)
	}
	if got := c.Len(); got != 8 {
		t.Fatalf("Len() after short advance = %d, want 8", got)
	}
}

func TestDuplicateIsCopyOnWrite(t *testing.T) {
	c := New([]byte("abcdef"))
	dup := c.Duplicate()

	dup.WriteAt(0, []byte("X"))

	if got := string(c.Flatten()); got != "abcdef" {
		t.Fatalf("original mutated after duplicate write: %q", got)
	}
	if got := string(dup.Flatten()); got != "Xbcdef" {
		t.Fatalf("Flatten() on dup = %q, want %q", got, "Xbcdef")
	}
}

func TestDisjointSplitsBytes(t *testing.T) {
	c := New([]byte("0123456789"))
	left, right := c.Disjoint(4)

	if got := string(left.Flatten()); got != "0123" {
		t.Fatalf("left = %q, want %q", got, "0123")
	}
	if got := string(right.Flatten()); got != "456789" {
		t.Fatalf("right = %q, want %q", got, "456789")
	}
}

func TestDisjointBoundaries(t *testing.T) {
	c := New([]byte("abc"))

	left, right := c.Disjoint(0)
	if left.Len() != 0 || right.Len() != 3 {
		t.Fatalf("split at 0: left=%d right=%d", left.Len(), right.Len())
	}

	c2 := New([]byte("abc"))
	left2, right2 := c2.Disjoint(3)
	if left2.Len() != 3 || right2.Len() != 0 {
		t.Fatalf("split at len: left=%d right=%d", left2.Len(), right2.Len())
	}
}

func TestReadAdvancesCursor(t *testing.T) {
	c := New([]byte("abc"))
	c.Append([]byte("def"))

	dst := make([]byte, 4)
	if n := c.Read(dst); n != 4 {
		t.Fatalf("Read = %d, want 4", n)
	}
	if string(dst) != "abcd" {
		t.Fatalf("Read bytes = %q, want %q", dst, "abcd")
	}
	if got := string(c.Flatten()); got != "ef" {
		t.Fatalf("remaining = %q, want %q", got, "ef")
	}
}

func TestWrapIsNeverMutated(t *testing.T) {
	borrowed := []byte("abcdef")
	c := Wrap(borrowed)

	c.WriteAt(0, []byte("XYZ"))

	if string(borrowed) != "abcdef" {
		t.Fatalf("borrowed bytes mutated: %q", borrowed)
	}
	if got := string(c.Flatten()); got != "XYZdef" {
		t.Fatalf("Flatten() = %q, want %q", got, "XYZdef")
	}
}

func TestFillIOV(t *testing.T) {
	c := New([]byte("abc"))
	c.Append([]byte("def"))

	iov := c.FillIOV(nil, -1)
	if len(iov) != 2 {
		t.Fatalf("len(iov) = %d, want 2", len(iov))
	}
	if string(iov[0])+string(iov[1]) != "abcdef" {
		t.Fatalf("iov content mismatch")
	}
}

func TestWriteAtExtendsChain(t *testing.T) {
	c := New([]byte("abc"))
	c.WriteAt(3, []byte("def"))

	if got := string(c.Flatten()); got != "abcdef" {
		t.Fatalf("Flatten() = %q, want %q", got, "abcdef")
	}
}
