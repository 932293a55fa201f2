package transcript

import (
	"bytes"
	"errors"
	"testing"
)

func seqs(frags []Fragment) []uint64 {
	out := make([]uint64, len(frags))
	for i, f := range frags {
		out[i] = f.Seq
	}
	return out
}

func equalSeqs(a, b []uint64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestAppend_InOrderReleasesImmediately(t *testing.T) {
	a := New(1, 0)

	for i := uint64(1); i <= 3; i++ {
		ready, err := a.Append(i, []byte{byte('a' + i - 1)})
		if err != nil {
			t.Fatalf("Append(%d) error = %v", i, err)
		}
		if !equalSeqs(seqs(ready), []uint64{i}) {
			t.Errorf("Append(%d) released %v, want [%d]", i, seqs(ready), i)
		}
	}

	if got := string(a.Contiguous()); got != "abc" {
		t.Errorf("Contiguous() = %q, want %q", got, "abc")
	}
	if a.NextSeq() != 4 {
		t.Errorf("NextSeq() = %d, want 4", a.NextSeq())
	}
}

func TestAppend_OutOfOrderWaitsForGap(t *testing.T) {
	a := New(1, 0)

	if ready, _ := a.Append(3, []byte("c")); len(ready) != 0 {
		t.Errorf("Append(3) released %v before the gap was filled", seqs(ready))
	}
	if ready, _ := a.Append(2, []byte("b")); len(ready) != 0 {
		t.Errorf("Append(2) released %v before the gap was filled", seqs(ready))
	}
	if got := a.Contiguous(); len(got) != 0 {
		t.Errorf("Contiguous() = %q, want empty while seq 1 is missing", got)
	}

	ready, _ := a.Append(1, []byte("a"))
	if !equalSeqs(seqs(ready), []uint64{1, 2, 3}) {
		t.Errorf("Append(1) released %v, want [1 2 3]", seqs(ready))
	}
	if got := string(a.Contiguous()); got != "abc" {
		t.Errorf("Contiguous() = %q, want %q", got, "abc")
	}
}

func TestAppend_OrderIndependentResult(t *testing.T) {
	orders := [][]uint64{
		{1, 2, 3, 4, 5},
		{5, 4, 3, 2, 1},
		{2, 1, 4, 3, 5},
		{3, 3, 1, 5, 2, 4, 1},
	}
	data := map[uint64][]byte{1: []byte("we "), 2: []byte("need "), 3: []byte("inventory "), 4: []byte("track"), 5: []byte("ing")}

	var want []byte
	for i, order := range orders {
		a := New(1, 0)
		var released []byte
		for _, s := range order {
			ready, _ := a.Append(s, data[s])
			for _, f := range ready {
				released = append(released, f.Data...)
			}
		}
		if i == 0 {
			want = released
			continue
		}
		if !bytes.Equal(released, want) {
			t.Errorf("order %v released %q, want %q", order, released, want)
		}
		if !bytes.Equal(a.Contiguous(), want) {
			t.Errorf("order %v Contiguous() = %q, want %q", order, a.Contiguous(), want)
		}
	}
}

func TestAppend_DuplicatesIgnored(t *testing.T) {
	a := New(1, 0)
	a.Append(1, []byte("a"))

	if ready, err := a.Append(1, []byte("X")); ready != nil || err != nil {
		t.Errorf("duplicate Append(1) = %v, %v, want ignored", seqs(ready), err)
	}
	a.Append(3, []byte("c"))
	if ready, err := a.Append(3, []byte("Y")); ready != nil || err != nil {
		t.Errorf("duplicate pending Append(3) = %v, %v, want ignored", seqs(ready), err)
	}
	a.Append(2, []byte("b"))

	if got := string(a.Contiguous()); got != "abc" {
		t.Errorf("Contiguous() = %q, want %q", got, "abc")
	}
}

func TestAppend_BeforeStartRejected(t *testing.T) {
	a := New(5, 0)
	a.Append(5, []byte("e"))

	for _, seq := range []uint64{0, 1, 4} {
		ready, err := a.Append(seq, []byte("X"))
		if !errors.Is(err, ErrStaleFragment) {
			t.Errorf("Append(%d) error = %v, want ErrStaleFragment", seq, err)
		}
		if ready != nil {
			t.Errorf("Append(%d) released %v", seq, seqs(ready))
		}
	}
	if got := string(a.Contiguous()); got != "e" {
		t.Errorf("Contiguous() = %q, want %q", got, "e")
	}
}

func TestAppend_ReorderWindowOverflowSkipsGap(t *testing.T) {
	a := New(1, 2)

	a.Append(3, []byte("c"))
	a.Append(4, []byte("d"))
	ready, _ := a.Append(5, []byte("e"))

	if !equalSeqs(seqs(ready), []uint64{3, 4, 5}) {
		t.Errorf("overflow released %v, want [3 4 5]", seqs(ready))
	}
	if a.LostGaps() != 1 {
		t.Errorf("LostGaps() = %d, want 1", a.LostGaps())
	}
	if ready, err := a.Append(1, []byte("a")); ready != nil || err != nil {
		t.Errorf("late fragment behind a lost gap = %v, %v, want ignored", seqs(ready), err)
	}
}

func TestPending(t *testing.T) {
	a := New(10, 0)
	a.Append(13, []byte("x"))
	a.Append(12, []byte("y"))

	got := seqs(a.Pending())
	if !equalSeqs(got, []uint64{12, 13}) {
		t.Errorf("Pending() = %v, want [12 13]", got)
	}
	if a.Empty() {
		t.Error("Empty() = true with pending fragments")
	}
}

func TestCurrentPartial(t *testing.T) {
	a := New(0, 0)

	if a.CurrentPartial() != "" {
		t.Errorf("CurrentPartial() = %q, want empty", a.CurrentPartial())
	}

	a.ObservePartial("we need", false)
	if got := a.CurrentPartial(); got != "we need" {
		t.Errorf("CurrentPartial() = %q, want %q", got, "we need")
	}

	a.ObservePartial("we need inventory", true)
	a.ObservePartial("track", false)
	if got := a.CurrentPartial(); got != "we need inventory track" {
		t.Errorf("CurrentPartial() = %q, want %q", got, "we need inventory track")
	}

	a.ObservePartial("tracking", false)
	if got := a.CurrentPartial(); got != "we need inventory tracking" {
		t.Errorf("CurrentPartial() = %q, want %q", got, "we need inventory tracking")
	}
}

func TestFinalize(t *testing.T) {
	a := New(1, 0)
	a.Append(1, []byte("a"))
	a.ObservePartial("we need inventor", false)

	got, err := a.Finalize("  we need inventory tracking ")
	if err != nil {
		t.Fatalf("Finalize() error = %v", err)
	}
	if got != "we need inventory tracking" {
		t.Errorf("Finalize() = %q, want %q", got, "we need inventory tracking")
	}
	if !a.Finalized() {
		t.Error("Finalized() = false after Finalize")
	}
	if a.CurrentPartial() != got {
		t.Errorf("CurrentPartial() after Finalize = %q, want %q", a.CurrentPartial(), got)
	}

	if _, err := a.Finalize("again"); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second Finalize() error = %v, want ErrAlreadyFinalized", err)
	}
	if ready, err := a.Append(2, []byte("b")); ready != nil || err != nil {
		t.Errorf("Append after Finalize = %v, %v, want a no-op", seqs(ready), err)
	}
	a.ObservePartial("ignored", true)
	if a.CurrentPartial() != got {
		t.Errorf("ObservePartial after Finalize changed transcript to %q", a.CurrentPartial())
	}
}

func TestFinalize_EmptyTranscript(t *testing.T) {
	a := New(1, 0)
	a.ObservePartial("something", false)

	got, err := a.Finalize("")
	if err != nil {
		t.Fatalf("Finalize(\"\") error = %v", err)
	}
	if got != "" {
		t.Errorf("Finalize(\"\") = %q, want empty", got)
	}
}
