package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const fluxWSURL = "wss://api.deepgram.com/v2/listen"

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stt: stream closed")

// FluxConfig holds configuration for Deepgram Flux streams.
type FluxConfig struct {
	APIKey     string
	URL        string  // defaults to the Deepgram v2 listen endpoint
	Model      string  // e.g., "flux-general-en"
	Encoding   string  // e.g., "linear16"
	SampleRate int     // e.g., 16000
	EOTThresh  float64 // end-of-turn confidence threshold, 0 for the service default
}

// FluxDialer opens Deepgram Flux streams.
type FluxDialer struct {
	cfg    FluxConfig
	logger *log.Logger
	dialer *websocket.Dialer
}

// NewFluxDialer creates a dialer for Deepgram Flux.
func NewFluxDialer(cfg FluxConfig, logger *log.Logger) *FluxDialer {
	if cfg.URL == "" {
		cfg.URL = fluxWSURL
	}
	if cfg.Model == "" {
		cfg.Model = "flux-general-en"
	}
	if cfg.Encoding == "" {
		cfg.Encoding = "linear16"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 16000
	}
	return &FluxDialer{
		cfg:    cfg,
		logger: logger.WithPrefix("deepgram"),
		dialer: websocket.DefaultDialer,
	}
}

func (d *FluxDialer) streamURL() string {
	q := url.Values{}
	q.Set("model", d.cfg.Model)
	q.Set("encoding", d.cfg.Encoding)
	q.Set("sample_rate", strconv.Itoa(d.cfg.SampleRate))
	if d.cfg.EOTThresh > 0 {
		q.Set("eot_threshold", strconv.FormatFloat(d.cfg.EOTThresh, 'f', -1, 64))
	}
	return d.cfg.URL + "?" + q.Encode()
}

// fluxEvent is a Deepgram Flux server message.
type fluxEvent struct {
	Type                string  `json:"type"`
	Event               string  `json:"event"`
	TurnIndex           int     `json:"turn_index"`
	Transcript          string  `json:"transcript"`
	EndOfTurnConfidence float64 `json:"end_of_turn_confidence"`
	Description         string  `json:"description"`
	Message             string  `json:"message"`
	Code                string  `json:"code"`
}

// Dial connects to Deepgram and starts reading events.
func (d *FluxDialer) Dial(ctx context.Context) (Stream, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, _, err := d.dialer.DialContext(ctx, d.streamURL(), headers)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Deepgram: %w", err)
	}

	s := &FluxStream{
		conn:    conn,
		logger:  d.logger,
		results: make(chan Result, 100),
		errors:  make(chan error, 10),
		done:    make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()
	return s, nil
}

// FluxStream is one Deepgram Flux websocket session.
type FluxStream struct {
	conn      *websocket.Conn
	logger    *log.Logger
	results   chan Result
	errors    chan error
	done      chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
	wg        sync.WaitGroup // readLoop
}

// Send forwards one audio chunk.
func (s *FluxStream) Send(ctx context.Context, audio []byte) error {
	if len(audio) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.done:
		return ErrClosed
	default:
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = s.conn.SetWriteDeadline(deadline)
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, audio)
}

func (s *FluxStream) Results() <-chan Result {
	return s.results
}

func (s *FluxStream) Errors() <-chan error {
	return s.errors
}

// Close asks Deepgram to close the stream and waits for the reader.
func (s *FluxStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
		s.mu.Unlock()

		err = s.conn.Close()

		s.wg.Wait()
		close(s.results)
		close(s.errors)
	})
	return err
}

func (s *FluxStream) readLoop() {
	defer s.wg.Done()

	for {
		_, msg, err := s.conn.ReadMessage()
		if err != nil {
			s.fail(fmt.Errorf("read error: %w", err))
			return
		}

		var ev fluxEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			s.logger.Warn("failed to parse event", "err", err)
			continue
		}

		switch ev.Type {
		case "TurnInfo":
			r, ok := resultFromTurnInfo(ev)
			if !ok {
				continue
			}
			select {
			case <-s.done:
				return
			case s.results <- r:
			}
		case "Error":
			s.fail(fmt.Errorf("deepgram error %s: %s", ev.Code, firstNonEmpty(ev.Description, ev.Message)))
			return
		case "Connected":
			s.logger.Debug("stream connected")
		default:
			s.logger.Debug("unhandled event", "type", ev.Type)
		}
	}
}

func (s *FluxStream) fail(err error) {
	select {
	case <-s.done:
	case s.errors <- err:
	default:
	}
}

// resultFromTurnInfo maps a Flux TurnInfo event. Update carries the running
// transcript of the turn; EndOfTurn carries the authoritative one.
func resultFromTurnInfo(ev fluxEvent) (Result, bool) {
	text := strings.TrimSpace(ev.Transcript)
	switch ev.Event {
	case "EndOfTurn":
		return Result{Text: text, Confidence: ev.EndOfTurnConfidence, SegmentFinal: true, EndOfSpeech: true}, true
	case "Update", "EagerEndOfTurn", "TurnResumed":
		if text == "" {
			return Result{}, false
		}
		return Result{Text: text, Confidence: ev.EndOfTurnConfidence}, true
	default:
		return Result{}, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
