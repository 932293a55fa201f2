package stt

import "context"

// Result is one event from a transcription stream.
type Result struct {
	Text       string  // transcript of the current utterance so far
	Confidence float64 // end-of-turn confidence (0-1)

	// SegmentFinal marks Text as committed; otherwise it replaces the
	// previous interim text.
	SegmentFinal bool

	// EndOfSpeech is the terminal signal for the utterance. Text is then the
	// authoritative transcript and may be empty.
	EndOfSpeech bool
}

// Stream is one open transcription session.
type Stream interface {
	// Send forwards audio in the format the provider was configured for.
	Send(ctx context.Context, audio []byte) error

	// Results receives transcription events. It is closed by Close.
	Results() <-chan Result

	// Errors receives stream failures. It is closed by Close.
	Errors() <-chan error

	Close() error
}

// Dialer opens transcription streams.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
}
