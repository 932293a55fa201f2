// Package turn turns the inbound fragments of a channel into finalized
// utterances, one per user turn.
package turn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/stt"
	"github.com/lukasbauer/intake/internal/transcript"
)

var (
	// ErrTranscriptionFailure means the transcription service failed or
	// stalled. The in-flight turn is abandoned.
	ErrTranscriptionFailure = errors.New("turn: transcription failure")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("turn: synchronizer closed")
)

// Kind tells what an Event reports.
type Kind int

const (
	Finalized Kind = iota + 1
	Abandoned
	Failed
)

func (k Kind) String() string {
	switch k {
	case Finalized:
		return "finalized"
	case Abandoned:
		return "abandoned"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is emitted once per turn.
type Event struct {
	Kind      Kind
	Utterance orchestrator.Utterance // Finalized only
	Err       error                  // Failed only
	Fragments int                    // audio fragments released to the service
	LostGaps  int
}

// Config tunes a Synchronizer. Zero values get defaults.
type Config struct {
	// ReorderWindow is how many fragments may wait behind a sequence gap.
	ReorderWindow int

	// StallTimeout abandons an audio turn when the service has been silent
	// this long since the turn started or since its last result.
	StallTimeout time.Duration
}

const defaultStallTimeout = 20 * time.Second

// Synchronizer drives one channel's audio through a transcription stream and
// emits exactly one Event per turn. Audio and Text must be called from a
// single goroutine; Close may be called from anywhere.
//
// Sequence numbers are channel-scoped and start at 1. A fragment with
// sequence 0 is given the next arrival number.
type Synchronizer struct {
	dialer stt.Dialer
	logger *log.Logger
	cfg    Config

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	stream    stt.Stream
	acc       *transcript.Accumulator
	arrival   uint64
	fragments int
	turnID    uint64
	stall     *time.Timer
}

// New creates a Synchronizer. The transcription stream is opened on the
// first audio fragment.
func New(dialer stt.Dialer, logger *log.Logger, cfg Config) *Synchronizer {
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = transcript.DefaultMaxPending
	}
	if cfg.StallTimeout <= 0 {
		cfg.StallTimeout = defaultStallTimeout
	}
	return &Synchronizer{
		dialer:  dialer,
		logger:  logger.WithPrefix("turn"),
		cfg:     cfg,
		events:  make(chan Event, 16),
		done:    make(chan struct{}),
		arrival: 1,
	}
}

// Events delivers one event per turn. It is closed by Close.
func (s *Synchronizer) Events() <-chan Event {
	return s.events
}

// Text emits a typed prompt as an already finalized utterance.
func (s *Synchronizer) Text(text string) error {
	if !s.begin() {
		return ErrClosed
	}
	defer s.wg.Done()
	s.emit(Event{
		Kind:      Finalized,
		Utterance: orchestrator.Utterance{Text: strings.TrimSpace(text), Source: orchestrator.SourceText},
	})
	return nil
}

// Audio accepts one fragment. Fragments are forwarded to the transcription
// service in sequence order as soon as they are contiguous. A fragment numbered
// before the current turn began is rejected with transcript.ErrStaleFragment
// and the turn is left untouched.
func (s *Synchronizer) Audio(ctx context.Context, seq uint64, chunk []byte) error {
	if !s.begin() {
		return ErrClosed
	}
	defer s.wg.Done()

	s.mu.Lock()
	if seq == 0 {
		seq = s.arrival
	}
	if seq >= s.arrival {
		s.arrival = seq + 1
	}
	if s.acc == nil {
		s.acc = transcript.New(1, s.cfg.ReorderWindow)
	}
	startsTurn := s.acc.Empty()
	gapsBefore := s.acc.LostGaps()
	ready, err := s.acc.Append(seq, chunk)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if gaps := s.acc.LostGaps(); gaps > gapsBefore {
		s.logger.Warn("reorder window overflow, skipping gap", "resume_at", s.acc.NextSeq())
	}
	// Fragments carried over from the previous turn leave the buffer
	// non-empty, so the first release of a turn also arms the timer.
	if (startsTurn && !s.acc.Empty()) || (s.fragments == 0 && len(ready) > 0) {
		s.armStallLocked()
	}
	s.fragments += len(ready)
	stream := s.stream
	s.mu.Unlock()

	if len(ready) == 0 {
		return nil
	}

	if stream == nil {
		var err error
		stream, err = s.openStream(ctx)
		if err != nil {
			s.failTurn(nil, fmt.Errorf("%w: %v", ErrTranscriptionFailure, err))
			return nil
		}
	}

	for _, f := range ready {
		if err := stream.Send(ctx, f.Data); err != nil {
			s.failTurn(stream, fmt.Errorf("%w: send: %v", ErrTranscriptionFailure, err))
			return nil
		}
	}
	return nil
}

// begin registers a caller that may emit events. It fails once Close has
// started.
func (s *Synchronizer) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Synchronizer) openStream(ctx context.Context) (stt.Stream, error) {
	stream, err := s.dialer.Dial(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, ErrClosed
	}
	s.stream = stream
	s.wg.Add(1)
	s.mu.Unlock()

	go s.pump(stream)
	return stream, nil
}

func (s *Synchronizer) pump(stream stt.Stream) {
	defer s.wg.Done()

	results, errs := stream.Results(), stream.Errors()
	for results != nil || errs != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			s.handleResult(stream, r)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.failTurn(stream, fmt.Errorf("%w: %v", ErrTranscriptionFailure, err))
		}
	}
}

func (s *Synchronizer) handleResult(stream stt.Stream, r stt.Result) {
	s.mu.Lock()
	if s.stream != stream || s.acc == nil || s.acc.Empty() {
		s.mu.Unlock()
		return
	}
	s.armStallLocked()

	if !r.EndOfSpeech {
		s.acc.ObservePartial(r.Text, r.SegmentFinal)
		s.mu.Unlock()
		return
	}

	text, err := s.acc.Finalize(r.Text)
	ev := Event{
		Kind:      Finalized,
		Utterance: orchestrator.Utterance{Text: text, Source: orchestrator.SourceAudio},
		Fragments: s.fragments,
		LostGaps:  s.acc.LostGaps(),
	}
	if err != nil {
		s.logger.Error("finalize failed", "err", err)
		ev = Event{Kind: Failed, Err: err}
	}
	s.rotateLocked(true)
	s.mu.Unlock()

	s.emit(ev)
}

// failTurn abandons the in-flight turn with a Failed event and drops the
// stream so the next fragment dials a fresh one. Fragments of the failed turn
// still waiting behind a gap are discarded with it.
func (s *Synchronizer) failTurn(stream stt.Stream, err error) {
	s.mu.Lock()
	if stream != nil && s.stream != stream {
		s.mu.Unlock()
		return
	}
	inFlight := s.acc != nil && !s.acc.Empty()
	ev := Event{Kind: Failed, Err: err, Fragments: s.fragments}
	if inFlight {
		s.rotateLocked(false)
	}
	drop := s.stream
	s.stream = nil
	s.mu.Unlock()

	s.logger.Warn("transcription failed", "err", err, "in_flight", inFlight)
	if drop != nil {
		_ = drop.Close()
	}
	if inFlight {
		s.emit(ev)
	}
}

func (s *Synchronizer) onStall(turnID uint64) {
	if !s.begin() {
		return
	}
	defer s.wg.Done()

	s.mu.Lock()
	if s.turnID != turnID {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.mu.Unlock()

	s.failTurn(stream, fmt.Errorf("%w: no result for %s", ErrTranscriptionFailure, s.cfg.StallTimeout))
}

// rotateLocked ends the current turn. With carry, fragments still waiting
// behind a gap move to the next turn and its stall timer starts, so a gap
// that is never filled still ends the turn. Without carry they are dropped
// and numbering resumes after the highest sequence seen.
func (s *Synchronizer) rotateLocked(carry bool) {
	if s.stall != nil {
		s.stall.Stop()
	}
	s.turnID++
	s.fragments = 0
	if s.acc == nil {
		return
	}
	if !carry {
		s.acc = transcript.New(max(s.acc.NextSeq(), s.arrival), s.cfg.ReorderWindow)
		return
	}
	next := transcript.New(s.acc.NextSeq(), s.cfg.ReorderWindow)
	for _, f := range s.acc.Pending() {
		_, _ = next.Append(f.Seq, f.Data)
	}
	s.acc = next
	if !next.Empty() {
		s.armStallLocked()
	}
}

func (s *Synchronizer) armStallLocked() {
	if s.stall != nil {
		s.stall.Stop()
	}
	id := s.turnID
	s.stall = time.AfterFunc(s.cfg.StallTimeout, func() { s.onStall(id) })
}

// partial returns the best-known transcript of the in-flight audio turn.
func (s *Synchronizer) partial() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acc == nil {
		return ""
	}
	return s.acc.CurrentPartial()
}

// InFlight reports whether an audio turn has started and not ended.
func (s *Synchronizer) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acc != nil && !s.acc.Empty()
}

func (s *Synchronizer) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Close ends the channel. An audio turn still in flight is reported as
// Abandoned. Events is closed once the stream reader has stopped.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		inFlight := s.acc != nil && !s.acc.Empty()
		fragments := s.fragments
		if s.stall != nil {
			s.stall.Stop()
		}
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		if inFlight {
			select {
			case s.events <- Event{Kind: Abandoned, Fragments: fragments}:
			default:
				s.logger.Warn("event buffer full, dropping abandoned turn")
			}
		}
		close(s.done)
		if stream != nil {
			_ = stream.Close()
		}
		s.wg.Wait()
		close(s.events)
	})
}
