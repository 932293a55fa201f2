package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/intake/internal/dispatch"
	"github.com/lukasbauer/intake/internal/eventlog"
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/turn"
)

// ErrTransport marks an inbound frame that is malformed or breaks the channel
// protocol. The frame is dropped and the channel stays open.
var ErrTransport = errors.New("httpapi: transport error")

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// inboundMessage is one client frame. Exactly one of AudioChunk and
// TextPrompt is set.
type inboundMessage struct {
	SessionID  string  `json:"sessionId"`
	AudioChunk *string `json:"audioChunk"`
	TextPrompt *string `json:"textPrompt"`
	Sequence   uint64  `json:"sequence,omitempty"`
}

// inbound is a validated frame.
type inbound struct {
	audio []byte
	text  string
	seq   uint64
	isAud bool
}

func parseInbound(raw []byte, sessionID string) (inbound, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return inbound{}, fmt.Errorf("%w: invalid JSON: %v", ErrTransport, err)
	}
	if msg.SessionID != sessionID {
		return inbound{}, fmt.Errorf("%w: sessionId %q does not match channel", ErrTransport, msg.SessionID)
	}

	hasAudio := msg.AudioChunk != nil
	hasText := msg.TextPrompt != nil
	switch {
	case hasAudio && hasText:
		return inbound{}, fmt.Errorf("%w: both audioChunk and textPrompt set", ErrTransport)
	case !hasAudio && !hasText:
		return inbound{}, fmt.Errorf("%w: neither audioChunk nor textPrompt set", ErrTransport)
	case hasText:
		return inbound{text: *msg.TextPrompt}, nil
	}

	audio, err := base64.StdEncoding.DecodeString(*msg.AudioChunk)
	if err != nil {
		return inbound{}, fmt.Errorf("%w: audioChunk is not base64: %v", ErrTransport, err)
	}
	return inbound{audio: audio, seq: msg.Sequence, isAud: true}, nil
}

// conversation is one open channel bound to one session.
type conversation struct {
	r         *Router
	sessionID string
	req       *http.Request
	logger    *log.Logger

	conn   *websocket.Conn
	connMu sync.Mutex

	turns *turn.Synchronizer
	cycle *orchestrator.Cycle

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	draining  atomic.Bool
	closeOnce sync.Once
}

func (r *Router) handleConversation(w http.ResponseWriter, req *http.Request) {
	id := chi.URLParam(req, "sessionID")
	if !session.ValidID(id) {
		http.Error(w, "invalid session id", http.StatusBadRequest)
		return
	}
	if !r.channels.Add() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}
	defer r.channels.Done()

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Warn("conversation: upgrade failed", "session", id, "err", err)
		return
	}
	conn.SetReadLimit(r.cfg.ReadLimit)

	// The request context ends when the handler returns; the channel
	// lifetime is tracked separately.
	ctx, cancel := context.WithCancel(context.WithoutCancel(req.Context()))

	c := &conversation{
		r:         r,
		sessionID: id,
		req:       req,
		logger:    r.logger.With("session", id),
		conn:      conn,
		turns:     newSynchronizer(r),
		cycle:     orchestrator.NewCycle(false),
		ctx:       ctx,
		cancel:    cancel,
	}

	r.metrics.ConnectionOpened()
	c.logger.Info("conversation: channel opened")
	removeDrain := r.channels.OnDrain(c.drain)
	defer removeDrain()
	c.run()
}

func (c *conversation) run() {
	defer c.cleanup()

	c.wg.Add(1)
	go c.turnLoop()

	c.readLoop()
}

// readLoop is the only caller of the synchronizer's Audio and Text.
func (c *conversation) readLoop() {
	for {
		msgType, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.ctx.Err() != nil {
				c.logger.Debug("conversation: channel closed")
			} else {
				c.logger.Warn("conversation: read error", "err", err)
			}
			return
		}

		if msgType != websocket.TextMessage {
			c.transportError(fmt.Errorf("%w: binary frames are not supported", ErrTransport))
			continue
		}

		in, err := parseInbound(raw, c.sessionID)
		if err != nil {
			c.transportError(err)
			continue
		}

		if !in.isAud {
			if err := c.turns.Text(in.text); err != nil {
				return
			}
			continue
		}

		if c.r.dialer == nil {
			c.transportError(fmt.Errorf("%w: audio input is not configured", ErrTransport))
			continue
		}
		c.r.metrics.RecordAudio(len(in.audio))
		if c.cycle.State() == orchestrator.StateAwaitingInput {
			_ = c.cycle.To(orchestrator.StateTranscribing)
		}
		if err := c.turns.Audio(c.ctx, in.seq, in.audio); err != nil {
			if errors.Is(err, turn.ErrClosed) {
				return
			}
			if !c.turns.InFlight() && c.cycle.State() == orchestrator.StateTranscribing {
				_ = c.cycle.To(orchestrator.StateAwaitingInput)
			}
			c.transportError(fmt.Errorf("%w: %v", ErrTransport, err))
		}
	}
}

// turnLoop sends the connect messages, then handles one synchronizer event
// at a time until the synchronizer closes.
func (c *conversation) turnLoop() {
	defer c.wg.Done()

	open := c.connect() && !c.goAwayIfDraining()
	for ev := range c.turns.Events() {
		if !open {
			continue
		}
		open = c.handleEvent(ev) && !c.goAwayIfDraining()
	}
}

// drain is called on server shutdown. An idle channel closes now; a channel
// in the middle of a turn closes once the turn has been answered.
func (c *conversation) drain() {
	c.draining.Store(true)
	if c.cycle.State() == orchestrator.StateAwaitingInput {
		c.close(websocket.CloseGoingAway, "server shutting down")
	}
}

func (c *conversation) goAwayIfDraining() bool {
	if !c.draining.Load() {
		return false
	}
	c.close(websocket.CloseGoingAway, "server shutting down")
	return true
}

// connect sends the stage list and the history, and the opening question
// when the client has no pending question to answer. It reports whether the
// channel stays open.
func (c *conversation) connect() bool {
	ledger := c.r.sessions.Ledger()
	c.send(dispatch.StagesEvent(ledger.All()))

	var (
		msgs     []any
		complete bool
	)
	err := c.r.sessions.WithSession(c.ctx, c.sessionID, func(l *session.Lease) error {
		sess := l.Session()
		current, _ := ledger.ByID(sess.CurrentStageID)
		msgs = append(msgs, dispatch.HistoryEvent(sess, &current))

		if sess.Complete() {
			complete = true
			return nil
		}
		if l.Fresh() {
			c.r.eventLog.LogAsync(c.sessionID, eventlog.EventSessionOpened, map[string]any{"stage": current.Name})
		}
		if !needsOpening(sess) {
			return nil
		}
		out, err := c.r.orch.Open(c.ctx, sess)
		if err != nil {
			return err
		}
		msgs = append(msgs, dispatch.FromOutcome(out))
		return nil
	})

	for _, m := range msgs {
		c.send(m)
	}
	if err != nil {
		return c.fail(err)
	}
	if complete {
		c.finish()
		return false
	}
	c.send(dispatch.FlagEvent(dispatch.FlagListening, true))
	return true
}

// needsOpening reports whether the current stage has not been introduced
// yet: a new session, or a stage transition whose opening question was
// never stored.
func needsOpening(sess *session.Session) bool {
	if len(sess.History) == 0 {
		return true
	}
	last := sess.History[len(sess.History)-1]
	return last.StageID != sess.CurrentStageID
}

// handleEvent processes one turn. It reports whether the channel stays open.
func (c *conversation) handleEvent(ev turn.Event) bool {
	switch ev.Kind {
	case turn.Abandoned:
		c.r.metrics.RecordTurn("abandoned")
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventTurnAbandoned, map[string]any{"fragments": ev.Fragments})
		_ = c.cycle.To(orchestrator.StateAwaitingInput)
		return true

	case turn.Failed:
		c.logger.Warn("conversation: transcription failed", "err", ev.Err)
		c.r.metrics.RecordTurn("failed")
		c.r.metrics.RecordError(dispatch.CodeTranscription)
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventTranscriptionFailed, map[string]any{"error": errString(ev.Err), "fragments": ev.Fragments})
		_ = c.cycle.To(orchestrator.StateAwaitingInput)
		c.send(dispatch.ErrorEvent(dispatch.CodeTranscription, "transcription failed", false))
		c.send(dispatch.Reply{Response: c.r.cfg.TranscriptionRetryText})
		return true
	}

	utt := ev.Utterance
	c.r.eventLog.LogAsync(c.sessionID, eventlog.EventTurnFinalized, map[string]any{
		"source":    string(utt.Source),
		"chars":     len(utt.Text),
		"fragments": ev.Fragments,
		"lost_gaps": ev.LostGaps,
	})
	if utt.Source == orchestrator.SourceAudio && utt.Text != "" {
		c.send(dispatch.TranscriptionEvent(utt.Text))
	}

	if err := c.cycle.To(orchestrator.StateEvaluating); err != nil {
		return c.fail(err)
	}
	c.send(dispatch.FlagEvent(dispatch.FlagThinking, true))

	var (
		out     orchestrator.Outcome
		msgs    []any
		started time.Time
		records int
	)
	err := c.r.sessions.WithSession(c.ctx, c.sessionID, func(l *session.Lease) error {
		sess := l.Session()
		var err error
		out, err = c.r.orch.Evaluate(c.ctx, sess, utt)
		if err != nil {
			return err
		}
		msgs = append(msgs, dispatch.FromOutcome(out))

		if out.State == orchestrator.StateStageComplete {
			opening, err := c.r.orch.Open(c.ctx, sess)
			if err == nil {
				msgs = append(msgs, dispatch.FromOutcome(opening))
			} else if !errors.Is(err, orchestrator.ErrTurnCancelled) {
				return err
			}
		}
		started, records = sess.CreatedAt, len(sess.History)
		return nil
	})

	for _, m := range msgs {
		c.send(m)
	}
	c.send(dispatch.FlagEvent(dispatch.FlagThinking, false))

	if len(msgs) > 0 {
		c.recordOutcome(out)
		if settleErr := c.cycle.Settle(out.State); settleErr != nil && err == nil {
			err = settleErr
		}
	} else {
		_ = c.cycle.To(orchestrator.StateAwaitingInput)
	}

	if err != nil {
		return c.fail(err)
	}
	if out.State == orchestrator.StateConversationComplete {
		c.r.discord.NotifyConversationComplete(c.ctx, c.sessionID, records, started)
		c.finish()
		return false
	}
	c.send(dispatch.FlagEvent(dispatch.FlagListening, true))
	return true
}

func (c *conversation) recordOutcome(out orchestrator.Outcome) {
	c.r.metrics.RecordTurn(strings.ToLower(string(out.State)))
	if out.DecisionFailed {
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventDecisionError, map[string]any{"stage": out.Stage.Name})
	}

	switch out.State {
	case orchestrator.StateFollowUp:
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventFollowUp, map[string]any{
			"stage": out.Stage.Name,
			"count": out.FollowUpCount,
		})
	case orchestrator.StateStageComplete:
		data := map[string]any{"from": out.Stage.Name, "forced": out.Forced}
		if out.NextStageData != nil {
			data["to"] = out.NextStageData.Name
		}
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventStageAdvanced, data)
	case orchestrator.StateConversationComplete:
		c.r.eventLog.LogAsync(c.sessionID, eventlog.EventConversationComplete, map[string]any{
			"last_stage": out.Stage.Name,
			"forced":     out.Forced,
		})
	}
}

// fail maps a turn error to the client. It reports whether the channel stays
// open.
func (c *conversation) fail(err error) bool {
	switch {
	case errors.Is(err, orchestrator.ErrTurnCancelled), c.ctx.Err() != nil:
		return false

	case errors.Is(err, orchestrator.ErrConversationComplete):
		c.r.metrics.RecordError(dispatch.CodeComplete)
		c.send(dispatch.ErrorEvent(dispatch.CodeComplete, "the conversation is already complete", false))
		c.finish()
		return false

	case errors.Is(err, session.ErrStoreUnavailable):
		c.logger.Error("conversation: store unavailable", "err", err)
		captureError(c.req, err, "conversation: store unavailable")
		c.r.metrics.RecordError(dispatch.CodeStoreUnavailable)
		c.r.discord.NotifyStoreUnavailable(c.ctx, c.sessionID, err)
		c.send(dispatch.ErrorEvent(dispatch.CodeStoreUnavailable, "session storage is unavailable", true))
		c.close(websocket.CloseInternalServerErr, "store unavailable")
		return false

	default:
		c.logger.Error("conversation: internal error", "err", err)
		captureError(c.req, err, "conversation: internal error")
		c.r.metrics.RecordError(dispatch.CodeInternal)
		c.send(dispatch.ErrorEvent(dispatch.CodeInternal, "internal error", true))
		c.close(websocket.CloseInternalServerErr, "internal error")
		return false
	}
}

func (c *conversation) transportError(err error) {
	c.logger.Debug("conversation: dropped frame", "err", err)
	c.r.metrics.RecordError(dispatch.CodeTransport)
	c.send(dispatch.ErrorEvent(dispatch.CodeTransport, err.Error(), false))
}

// finish ends a completed conversation.
func (c *conversation) finish() {
	c.send(dispatch.EndSessionEvent(c.sessionID))
	c.close(websocket.CloseNormalClosure, "conversation complete")
}

func (c *conversation) send(v any) {
	c.connMu.Lock()
	defer c.connMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.r.cfg.WriteTimeout))
	if err := c.conn.WriteJSON(v); err != nil {
		c.logger.Debug("conversation: write failed", "err", err)
	}
}

// close sends a close frame and stops the channel. The read loop sees the
// connection end and runs cleanup.
func (c *conversation) close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.connMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		c.connMu.Unlock()
		c.cancel()
		c.conn.Close()
	})
}

func (c *conversation) cleanup() {
	c.cancel()
	c.turns.Close()
	c.wg.Wait()

	c.connMu.Lock()
	c.conn.Close()
	c.connMu.Unlock()

	c.r.metrics.ConnectionClosed()
	c.r.eventLog.LogAsync(c.sessionID, eventlog.EventSessionClosed, nil)
	c.logger.Info("conversation: channel closed")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
