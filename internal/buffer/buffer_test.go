package buffer

import (
	"bytes"
	"testing"
)

func TestAppendLen(t *testing.T) {
	c := New([]byte("abc"), TypeRaw)
	c.AppendBytes([]byte("def"), TypeRaw)
	if c.Len() != 6 {
		t.Fatalf("expected length 6, got %d", c.Len())
	}
	if !bytes.Equal(c.Bytes(), []byte("abcdef")) {
		t.Fatalf("unexpected bytes: %q", c.Bytes())
	}
}

func TestConsumeSplitsRegion(t *testing.T) {
	c := New([]byte("hello"), TypeRaw)
	c.AppendBytes([]byte("world"), TypeRaw)

	front := c.Consume(7)
	if !bytes.Equal(front.Bytes(), []byte("hellowo")) {
		t.Fatalf("unexpected front: %q", front.Bytes())
	}
	if !bytes.Equal(c.Bytes(), []byte("rld")) {
		t.Fatalf("unexpected remainder: %q", c.Bytes())
	}
	if c.Len() != 3 {
		t.Fatalf("expected remainder length 3, got %d", c.Len())
	}
}

func TestConsumeMoreThanAvailable(t *testing.T) {
	c := New([]byte("abc"), TypeRaw)
	front := c.Consume(100)
	if front.Len() != 3 {
		t.Fatalf("expected to consume all 3 bytes, got %d", front.Len())
	}
	if c.Len() != 0 {
		t.Fatalf("expected empty remainder, got %d", c.Len())
	}
}

func TestCopyAt(t *testing.T) {
	c := New([]byte("hello"), TypeRaw)
	c.AppendBytes([]byte("world"), TypeRaw)

	dst := make([]byte, 5)
	c.CopyAt(3, 5, dst)
	if !bytes.Equal(dst, []byte("lowor")) {
		t.Fatalf("unexpected CopyAt result: %q", dst)
	}
}

func TestHintsPropagateThroughConsume(t *testing.T) {
	c := New([]byte("SELECT 1"), TypeStatement)
	c.AddHint(Hint{Kind: RouteToNamedTarget, Target: "slave-b"})

	front := c.Consume(8)
	hints := front.Hints()
	if len(hints) != 1 || hints[0].Target != "slave-b" {
		t.Fatalf("expected hint to propagate to consumed chain, got %+v", hints)
	}
}

func TestCloneSharesDataButIsIndependentList(t *testing.T) {
	c := New([]byte("abc"), TypeRaw)
	c.AddHint(Hint{Kind: RouteToMaster})

	clone := c.Clone()
	clone.AppendBytes([]byte("def"), TypeRaw)

	if c.Len() != 3 {
		t.Fatalf("original chain must be unaffected by appends to the clone, got len %d", c.Len())
	}
	if clone.Len() != 6 {
		t.Fatalf("expected clone length 6, got %d", clone.Len())
	}
}

func TestMultiPartMarker(t *testing.T) {
	c := New(make([]byte, 10), TypeCollectedResult)
	if c.IsMultiPart() {
		t.Fatal("expected multi-part marker to be false by default")
	}
	c.MarkMultiPart()
	if !c.IsMultiPart() {
		t.Fatal("expected multi-part marker to be set")
	}
}
