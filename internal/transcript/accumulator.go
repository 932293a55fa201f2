// Package transcript buffers the audio fragments and partial transcription
// results of one in-flight utterance.
package transcript

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrAlreadyFinalized is returned when Finalize is called twice on the same
// buffer. It indicates a turn-handling bug, not a runtime condition.
var ErrAlreadyFinalized = errors.New("transcript: utterance already finalized")

// ErrStaleFragment is returned for a fragment numbered before the start of
// the utterance, which means the number belonged to an earlier turn.
var ErrStaleFragment = errors.New("transcript: fragment precedes the utterance")

// DefaultMaxPending is the reorder window used when none is configured.
const DefaultMaxPending = 64

// Fragment is one sequenced audio chunk.
type Fragment struct {
	Seq  uint64
	Data []byte
}

// Accumulator orders the audio fragments of one utterance by sequence number
// and merges partial results into a single finalized transcript.
//
// Fragments are released strictly in sequence order. A fragment behind a gap
// waits until the gap is filled; if more than maxPending fragments are waiting
// the gap is declared lost and release resumes at the lowest pending number.
type Accumulator struct {
	mu sync.Mutex

	start      uint64
	next       uint64
	pending    map[uint64][]byte
	released   [][]byte
	maxPending int
	lostGaps   int

	segments []string
	interim  string

	final  string
	frozen bool
}

// New returns an Accumulator expecting start as its first sequence number.
func New(start uint64, maxPending int) *Accumulator {
	if maxPending <= 0 {
		maxPending = DefaultMaxPending
	}
	return &Accumulator{
		start:      start,
		next:       start,
		pending:    make(map[uint64][]byte),
		maxPending: maxPending,
	}
}

// Append stores a fragment and returns the fragments that became contiguous as
// a result, in sequence order. Duplicates and late fragments of this utterance
// are ignored. A fragment numbered before the utterance's start is rejected
// with ErrStaleFragment. Appending to a finalized buffer is a no-op.
func (a *Accumulator) Append(seq uint64, data []byte) ([]Fragment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return nil, nil
	}
	if seq < a.start {
		return nil, fmt.Errorf("%w: sequence %d, utterance starts at %d", ErrStaleFragment, seq, a.start)
	}
	if seq < a.next {
		return nil, nil
	}
	if _, dup := a.pending[seq]; dup {
		return nil, nil
	}
	a.pending[seq] = data

	ready := a.drainLocked()
	if len(a.pending) > a.maxPending {
		a.next = a.lowestPendingLocked()
		a.lostGaps++
		ready = append(ready, a.drainLocked()...)
	}
	return ready, nil
}

func (a *Accumulator) drainLocked() []Fragment {
	var ready []Fragment
	for {
		data, ok := a.pending[a.next]
		if !ok {
			return ready
		}
		delete(a.pending, a.next)
		a.released = append(a.released, data)
		ready = append(ready, Fragment{Seq: a.next, Data: data})
		a.next++
	}
}

func (a *Accumulator) lowestPendingLocked() uint64 {
	keys := make([]uint64, 0, len(a.pending))
	for k := range a.pending {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}

// Contiguous returns the concatenation of the fragments released so far.
func (a *Accumulator) Contiguous() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var n int
	for _, f := range a.released {
		n += len(f)
	}
	out := make([]byte, 0, n)
	for _, f := range a.released {
		out = append(out, f...)
	}
	return out
}

// ObservePartial merges a partial result from the transcription service. A
// segment-final result is committed; otherwise it replaces the interim text.
func (a *Accumulator) ObservePartial(text string, segmentFinal bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return
	}
	text = strings.TrimSpace(text)
	if segmentFinal {
		if text != "" {
			a.segments = append(a.segments, text)
		}
		a.interim = ""
		return
	}
	a.interim = text
}

// CurrentPartial returns the best-known transcript so far, or the finalized
// transcript once the buffer is frozen.
func (a *Accumulator) CurrentPartial() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return a.final
	}
	parts := a.segments
	if a.interim != "" {
		parts = append(parts[:len(parts):len(parts)], a.interim)
	}
	return strings.Join(parts, " ")
}

// Finalize replaces the partial transcript with the authoritative one and
// freezes the buffer.
func (a *Accumulator) Finalize(transcript string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return "", ErrAlreadyFinalized
	}
	a.frozen = true
	a.final = strings.TrimSpace(transcript)
	a.segments = nil
	a.interim = ""
	return a.final, nil
}

// Finalized reports whether Finalize has succeeded.
func (a *Accumulator) Finalized() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.frozen
}

// Empty reports whether no fragment has been accepted yet.
func (a *Accumulator) Empty() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.released) == 0 && len(a.pending) == 0
}

// NextSeq is the sequence number the next released fragment must carry.
func (a *Accumulator) NextSeq() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.next
}

// Pending returns fragments still waiting behind a gap, in sequence order.
func (a *Accumulator) Pending() []Fragment {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Fragment, 0, len(a.pending))
	for seq, data := range a.pending {
		out = append(out, Fragment{Seq: seq, Data: data})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// LostGaps is the number of gaps skipped because the reorder window overflowed.
func (a *Accumulator) LostGaps() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lostGaps
}
