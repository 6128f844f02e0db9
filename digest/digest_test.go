package digest

import "testing"

func TestSumDeterministic(t *testing.T) {
	data := []byte("hello world")
	if Sum(data) != Sum(data) {
		t.Error("Sum should be deterministic")
	}
	if Sum(data) == Sum([]byte("hello world!")) {
		t.Error("different inputs should not collide")
	}
}

func TestParseRoundTrip(t *testing.T) {
	d := Sum([]byte("round trip"))
	parsed, err := Parse(d.String())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if parsed != d {
		t.Errorf("Parse(%s) = %s, want %s", d, parsed, d)
	}
}

func TestParseBadLength(t *testing.T) {
	if _, err := Parse("deadbeef"); err == nil {
		t.Error("Parse should reject a short hex string")
	}
}

func TestTreeHasherDiffersFromContentHash(t *testing.T) {
	h := NewTreeHasher()
	h.Write([]byte("some bytes"))
	keyed := h.Sum()

	plain := Sum([]byte("some bytes"))
	if keyed == plain {
		t.Error("the tree_id-keyed hash must differ from the unkeyed content hash of the same bytes")
	}
}

func TestNewHasherMatchesSum(t *testing.T) {
	data := []byte("streamed in two pieces")
	h := NewHasher()
	h.Write(data[:10])
	h.Write(data[10:])
	if h.Sum() != Sum(data) {
		t.Error("streaming through NewHasher should match Sum(data)")
	}
}
