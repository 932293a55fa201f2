package httpapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/lukasbauer/intake/internal/dispatch"
	"github.com/lukasbauer/intake/internal/eventlog"
	"github.com/lukasbauer/intake/internal/metrics"
	"github.com/lukasbauer/intake/internal/orchestrator"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
	"github.com/lukasbauer/intake/internal/store"
	"github.com/lukasbauer/intake/internal/stt"
)

// scriptedEngine returns decisions in order, then follow-ups.
type scriptedEngine struct {
	mu        sync.Mutex
	decisions []orchestrator.Decision
	calls     int
	utts      []string
}

func (e *scriptedEngine) Decide(ctx context.Context, req orchestrator.Request) (orchestrator.Decision, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	i := e.calls
	e.calls++
	e.utts = append(e.utts, req.Utterance)
	if i < len(e.decisions) {
		return e.decisions[i], nil
	}
	return orchestrator.Decision{FollowUpText: fmt.Sprintf("follow-up %d", i+1)}, nil
}

func (e *scriptedEngine) Opening(ctx context.Context, req orchestrator.OpenRequest) (string, error) {
	return "Opening: " + req.Stage.Name, nil
}

func (e *scriptedEngine) utterances() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.utts...)
}

// echoStream transcribes each chunk as its own text. A chunk "<eos>" ends
// the utterance and "<fail>" makes the service report an error.
type echoStream struct {
	mu      sync.Mutex
	closed  bool
	words   []string
	results chan stt.Result
	errs    chan error
}

func (s *echoStream) Send(ctx context.Context, audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrClosed
	}
	if string(audio) == "<fail>" {
		s.errs <- errors.New("stream reset by peer")
		return nil
	}
	if string(audio) == "<eos>" {
		s.results <- stt.Result{Text: strings.Join(s.words, " "), EndOfSpeech: true}
		s.words = nil
		return nil
	}
	s.words = append(s.words, string(audio))
	s.results <- stt.Result{Text: strings.Join(s.words, " ")}
	return nil
}

func (s *echoStream) Results() <-chan stt.Result { return s.results }
func (s *echoStream) Errors() <-chan error       { return s.errs }

func (s *echoStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.results)
		close(s.errs)
	}
	return nil
}

type echoDialer struct{}

func (echoDialer) Dial(ctx context.Context) (stt.Stream, error) {
	return &echoStream{results: make(chan stt.Result, 64), errs: make(chan error, 1)}, nil
}

// flakyStore fails loads when loadErr is set.
type flakyStore struct {
	*store.Memory
	loadErr error
}

func (f *flakyStore) LoadSession(ctx context.Context, id string) (*session.Session, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	return f.Memory.LoadSession(ctx, id)
}

type testEnvConfig struct {
	decisions []orchestrator.Decision
	loadErr   error
	noAudio   bool
}

type testEnv struct {
	router  *Router
	server  *httptest.Server
	store   *flakyStore
	engine  *scriptedEngine
	manager *session.Manager
	events  *eventlog.Logger
}

func testLedger(t *testing.T) *stages.Ledger {
	t.Helper()
	l, err := stages.NewLedger([]stages.Stage{
		{ID: "overview", Name: "Overview", Description: "What are you building?", Goal: "Project purpose", Order: 1, IsActive: true},
		{ID: "users", Name: "Users", Description: "Who is it for?", Goal: "Target users", Order: 2, IsActive: true},
	})
	if err != nil {
		t.Fatalf("NewLedger: %v", err)
	}
	return l
}

func newTestEnv(t *testing.T, cfg testEnvConfig) *testEnv {
	t.Helper()
	logger := log.New(io.Discard)
	ledger := testLedger(t)

	st := &flakyStore{Memory: store.NewMemory(), loadErr: cfg.loadErr}
	engine := &scriptedEngine{decisions: cfg.decisions}
	manager := session.NewManager(st, ledger, logger, session.ManagerConfig{})
	orch := orchestrator.New(engine, ledger, logger, orchestrator.Config{})
	events := eventlog.New(st)

	var dialer stt.Dialer = echoDialer{}
	if cfg.noAudio {
		dialer = nil
	}

	router := NewRouter(RouterConfig{}, Deps{
		Logger:       logger,
		Store:        st,
		Manager:      manager,
		Orchestrator: orch,
		Dialer:       dialer,
		EventLog:     events,
		Metrics:      metrics.New("test"),
	})
	srv := httptest.NewServer(router.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{router: router, server: srv, store: st, engine: engine, manager: manager, events: events}
}

func (e *testEnv) dial(t *testing.T, sessionID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/conversation/" + sessionID
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial %s: %v (status %d)", url, err, status)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

type message map[string]any

func readMessage(t *testing.T, conn *websocket.Conn) message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var m message
	if err := conn.ReadJSON(&m); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	return m
}

// readReply skips auxiliary events and returns the next reply along with the
// events seen before it.
func readReply(t *testing.T, conn *websocket.Conn) (message, []message) {
	t.Helper()
	var events []message
	for {
		m := readMessage(t, conn)
		if _, ok := m["event"]; ok {
			events = append(events, m)
			continue
		}
		return m, events
	}
}

// readEvent skips other messages until the named event arrives.
func readEvent(t *testing.T, conn *websocket.Conn, name string) message {
	t.Helper()
	for {
		m := readMessage(t, conn)
		if m["event"] == name {
			return m
		}
	}
}

func sendText(t *testing.T, conn *websocket.Conn, sessionID, text string) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"sessionId": sessionID, "textPrompt": text, "audioChunk": nil}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func sendAudio(t *testing.T, conn *websocket.Conn, sessionID string, seq int, chunk string) {
	t.Helper()
	msg := map[string]any{
		"sessionId":  sessionID,
		"audioChunk": base64.StdEncoding.EncodeToString([]byte(chunk)),
		"sequence":   seq,
	}
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
}

func expectClosed(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatal("channel was not closed")
			}
			return
		}
	}
}

func TestConversation_FullTextFlow(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "What does it sell?"},
		{Satisfied: true, FollowUpText: "Great, noted."},
		{Satisfied: true},
	}})
	conn := env.dial(t, "sess-1")

	stagesMsg := readMessage(t, conn)
	if stagesMsg["event"] != dispatch.EventStages {
		t.Fatalf("first message = %v, want stages event", stagesMsg)
	}
	if got := len(stagesMsg["stages"].([]any)); got != 2 {
		t.Errorf("stages = %d, want 2", got)
	}
	history := readMessage(t, conn)
	if history["event"] != dispatch.EventChatHistory || len(history["history"].([]any)) != 0 {
		t.Fatalf("second message = %v, want empty chat_history", history)
	}

	greeting, _ := readReply(t, conn)
	if greeting["response"] != "Opening: Overview" || greeting["nextStage"] != false || greeting["nextStageData"] != nil {
		t.Errorf("greeting = %v", greeting)
	}

	sendText(t, conn, "sess-1", "An online bakery")
	reply, events := readReply(t, conn)
	if reply["response"] != "What does it sell?" || reply["nextStage"] != false {
		t.Errorf("follow-up reply = %v", reply)
	}
	var sawThinking bool
	for _, ev := range events {
		if ev["event"] == dispatch.EventFlag && ev["flag"] == dispatch.FlagThinking && ev["value"] == true {
			sawThinking = true
		}
	}
	if !sawThinking {
		t.Errorf("events before reply = %v, want thinking flag", events)
	}

	sendText(t, conn, "sess-1", "Bread and cakes")
	ack, _ := readReply(t, conn)
	if ack["response"] != "Great, noted." || ack["nextStage"] != true {
		t.Errorf("stage complete reply = %v", ack)
	}
	data, ok := ack["nextStageData"].(map[string]any)
	if !ok || data["id"] != "users" || data["name"] != "Users" {
		t.Errorf("nextStageData = %v, want users stage", ack["nextStageData"])
	}
	opening, _ := readReply(t, conn)
	if opening["response"] != "Opening: Users" || opening["nextStage"] != false {
		t.Errorf("opening after transition = %v", opening)
	}

	sendText(t, conn, "sess-1", "Local families")
	final, _ := readReply(t, conn)
	if final["nextStage"] != true || final["nextStageData"] != nil {
		t.Errorf("final reply = %v, want nextStage with null data", final)
	}
	end := readEvent(t, conn, dispatch.EventEndSession)
	if end["sessionId"] != "sess-1" {
		t.Errorf("end_session = %v", end)
	}
	expectClosed(t, conn)

	// The completed session is stored with the whole conversation.
	sess := waitForStored(t, env, "sess-1", func(s *session.Session) bool { return s.Complete() })
	var roles []string
	for _, rec := range sess.History {
		roles = append(roles, string(rec.Role))
	}
	want := "agent user agent user agent agent user agent"
	if got := strings.Join(roles, " "); got != want {
		t.Errorf("history roles = %q, want %q", got, want)
	}
	if got := env.engine.utterances(); len(got) != 3 || got[0] != "An online bakery" {
		t.Errorf("engine utterances = %q", got)
	}
}

func waitForStored(t *testing.T, env *testEnv, id string, ok func(*session.Session) bool) *session.Session {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := env.store.Memory.LoadSession(context.Background(), id)
		if err == nil && ok(sess) {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached the expected stored state", id)
	return nil
}

func TestConversation_ResumeDoesNotRepeatOpening(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "Tell me more."},
	}})

	conn := env.dial(t, "resume")
	readReply(t, conn) // greeting
	sendText(t, conn, "resume", "A todo app")
	readReply(t, conn)
	conn.Close()
	waitForStored(t, env, "resume", func(s *session.Session) bool { return len(s.History) == 3 })

	conn2 := env.dial(t, "resume")
	readEvent(t, conn2, dispatch.EventStages)
	history := readMessage(t, conn2)
	if history["event"] != dispatch.EventChatHistory {
		t.Fatalf("message = %v, want chat_history", history)
	}
	if got := len(history["history"].([]any)); got != 3 {
		t.Errorf("history len = %d, want 3", got)
	}
	current := history["currentStage"].(map[string]any)
	if current["id"] != "overview" {
		t.Errorf("currentStage = %v, want overview", current)
	}

	// No second opening: the next message is the listening flag.
	next := readMessage(t, conn2)
	if next["event"] != dispatch.EventFlag || next["flag"] != dispatch.FlagListening {
		t.Errorf("message after history = %v, want listening flag", next)
	}
}

func TestConversation_CompletedSessionEndsImmediately(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	done := session.New("done", "users", time.Now())
	done.Status = session.StatusComplete
	done.Append(session.RoleAgent, "Bye", "users", time.Now())
	if err := env.store.SaveSession(context.Background(), done); err != nil {
		t.Fatal(err)
	}

	conn := env.dial(t, "done")
	readEvent(t, conn, dispatch.EventStages)
	history := readMessage(t, conn)
	if history["complete"] != true || history["currentStage"] != nil {
		t.Errorf("chat_history = %v, want complete without current stage", history)
	}
	readEvent(t, conn, dispatch.EventEndSession)
	expectClosed(t, conn)
}

func TestConversation_AudioTurn(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "Who is it for?"},
	}})
	conn := env.dial(t, "audio")
	readReply(t, conn) // greeting

	// Out of order: 2 arrives before 1.
	sendAudio(t, conn, "audio", 2, "bakery")
	sendAudio(t, conn, "audio", 1, "online")
	sendAudio(t, conn, "audio", 3, "<eos>")

	echo := readEvent(t, conn, dispatch.EventUserTranscription)
	if echo["text"] != "online bakery" {
		t.Errorf("user_transcription = %v, want %q", echo, "online bakery")
	}
	reply, _ := readReply(t, conn)
	if reply["response"] != "Who is it for?" {
		t.Errorf("reply = %v", reply)
	}
	if got := env.engine.utterances(); len(got) != 1 || got[0] != "online bakery" {
		t.Errorf("engine utterances = %q, want [online bakery]", got)
	}
}

func TestConversation_RestartedNumberingIsRejected(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	conn := env.dial(t, "renumber")
	readReply(t, conn)

	sendAudio(t, conn, "renumber", 1, "first")
	sendAudio(t, conn, "renumber", 2, "<eos>")
	readReply(t, conn)

	// The next utterance starts again at 1.
	for seq := 1; seq <= 2; seq++ {
		sendAudio(t, conn, "renumber", seq, "second")
		ev := readEvent(t, conn, dispatch.EventError)
		if ev["code"] != dispatch.CodeTransport || ev["fatal"] != false {
			t.Errorf("seq %d: error event = %v, want non-fatal transport error", seq, ev)
		}
	}

	sendAudio(t, conn, "renumber", 3, "second")
	sendAudio(t, conn, "renumber", 4, "<eos>")
	echo := readEvent(t, conn, dispatch.EventUserTranscription)
	if echo["text"] != "second" {
		t.Errorf("user_transcription = %v, want %q", echo, "second")
	}
	readReply(t, conn)
	if got := env.engine.utterances(); len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Errorf("engine utterances = %q, want [first second]", got)
	}
}

func TestConversation_TranscriptionFailureRePromptsWithoutCounting(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "Who is it for?"},
	}})
	conn := env.dial(t, "sttfail")
	readReply(t, conn)

	sendText(t, conn, "sttfail", "a bakery")
	readReply(t, conn)

	sendAudio(t, conn, "sttfail", 1, "online")
	sendAudio(t, conn, "sttfail", 2, "<fail>")

	ev := readEvent(t, conn, dispatch.EventError)
	if ev["code"] != dispatch.CodeTranscription || ev["fatal"] != false {
		t.Errorf("error event = %v, want non-fatal transcription_failure", ev)
	}
	reply, _ := readReply(t, conn)
	if reply["response"] != env.router.cfg.TranscriptionRetryText {
		t.Errorf("reply = %v, want the re-prompt", reply)
	}

	err := env.manager.WithSession(context.Background(), "sttfail", func(l *session.Lease) error {
		sess := l.Session()
		if sess.FollowUpCount != 1 {
			t.Errorf("FollowUpCount = %d, want 1", sess.FollowUpCount)
		}
		if sess.CurrentStageID != "overview" {
			t.Errorf("CurrentStageID = %q, want overview", sess.CurrentStageID)
		}
		if len(sess.History) != 3 {
			t.Errorf("history has %d records, want 3", len(sess.History))
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithSession: %v", err)
	}
	if got := env.engine.utterances(); len(got) != 1 {
		t.Errorf("engine utterances = %q, want only the text turn", got)
	}
}

func TestConversation_AbandonedAudioLeavesSessionUnchanged(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "Who is it for?"},
	}})
	conn := env.dial(t, "abandon")
	readReply(t, conn)
	sendText(t, conn, "abandon", "a bakery")
	readReply(t, conn)

	ctx := context.Background()
	before, err := env.store.LoadSession(ctx, "abandon")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}

	sendAudio(t, conn, "abandon", 1, "we also")
	sendAudio(t, conn, "abandon", 2, "sell cakes")
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		evs, _ := env.store.ListEvents(ctx, "abandon", 100)
		abandoned := false
		for _, e := range evs {
			if e.Type == string(eventlog.EventTurnAbandoned) {
				abandoned = true
			}
		}
		if abandoned {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("turn_abandoned was never logged")
		}
		time.Sleep(10 * time.Millisecond)
	}

	after, err := env.store.LoadSession(ctx, "abandon")
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if after.FollowUpCount != before.FollowUpCount {
		t.Errorf("FollowUpCount = %d, want %d", after.FollowUpCount, before.FollowUpCount)
	}
	if after.CurrentStageID != before.CurrentStageID {
		t.Errorf("CurrentStageID = %q, want %q", after.CurrentStageID, before.CurrentStageID)
	}
	if len(after.History) != len(before.History) {
		t.Errorf("history has %d records, want %d", len(after.History), len(before.History))
	}
	if got := env.engine.utterances(); len(got) != 1 {
		t.Errorf("engine utterances = %q, want only the text turn", got)
	}
}

func TestConversation_AudioWithoutDialer(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{noAudio: true})
	conn := env.dial(t, "noaudio")
	readReply(t, conn)

	sendAudio(t, conn, "noaudio", 1, "hello")
	ev := readEvent(t, conn, dispatch.EventError)
	if ev["code"] != dispatch.CodeTransport || ev["fatal"] != false {
		t.Errorf("error event = %v, want non-fatal transport error", ev)
	}
}

func TestConversation_TransportErrorsKeepChannelOpen(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "Still here."},
	}})
	conn := env.dial(t, "transport")
	readReply(t, conn)

	bad := []string{
		`not json`,
		`{"sessionId": "other", "textPrompt": "hi"}`,
		`{"sessionId": "transport", "textPrompt": "hi", "audioChunk": "aGk="}`,
		`{"sessionId": "transport"}`,
		`{"sessionId": "transport", "audioChunk": "%%%"}`,
	}
	for _, raw := range bad {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
			t.Fatal(err)
		}
		ev := readEvent(t, conn, dispatch.EventError)
		if ev["code"] != dispatch.CodeTransport || ev["fatal"] != false {
			t.Errorf("frame %q: error event = %v, want non-fatal transport error", raw, ev)
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2}); err != nil {
		t.Fatal(err)
	}
	readEvent(t, conn, dispatch.EventError)

	sendText(t, conn, "transport", "valid now")
	reply, _ := readReply(t, conn)
	if reply["response"] != "Still here." {
		t.Errorf("reply after transport errors = %v", reply)
	}
}

func TestConversation_StoreUnavailableIsFatal(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{loadErr: errors.New("connection refused")})
	conn := env.dial(t, "down")

	readEvent(t, conn, dispatch.EventStages)
	ev := readEvent(t, conn, dispatch.EventError)
	if ev["code"] != dispatch.CodeStoreUnavailable || ev["fatal"] != true {
		t.Errorf("error event = %v, want fatal store_unavailable", ev)
	}
	expectClosed(t, conn)
	if env.manager.Active() != 0 {
		t.Errorf("Active() = %d, want 0 after failed cold load", env.manager.Active())
	}
}

func TestConversation_EventsAreLogged(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{decisions: []orchestrator.Decision{
		{Satisfied: false, FollowUpText: "More?"},
	}})
	conn := env.dial(t, "logged")
	readReply(t, conn)
	sendText(t, conn, "logged", "hello")
	readReply(t, conn)
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		evs, _ := env.store.ListEvents(context.Background(), "logged", 100)
		types := make(map[string]bool)
		for _, e := range evs {
			types[e.Type] = true
		}
		if types["session_opened"] && types["turn_finalized"] && types["follow_up"] && types["session_closed"] {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected session_opened, turn_finalized, follow_up and session_closed events")
}

func TestConversation_Rejections(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})

	resp, err := http.Get(env.server.URL + "/conversation/%20bad")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid id status = %d, want 400", resp.StatusCode)
	}

	env.router.Channels().StartDraining()
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/conversation/late"
	_, resp, err = websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("dial during drain should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("drain status = %v, want 503", resp)
	}
}

func TestConversation_DrainClosesIdleChannel(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	conn := env.dial(t, "drain")
	readEvent(t, conn, dispatch.EventFlag) // listening

	env.router.Channels().StartDraining()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
			t.Errorf("read error = %v, want going-away close", err)
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := env.router.Channels().Wait(ctx); err != nil {
		t.Errorf("Wait() = %v, want nil after drain", err)
	}
}

func TestParseInbound(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantText  string
		wantAudio string
		wantSeq   uint64
	}{
		{"text", `{"sessionId":"s","textPrompt":"hi","audioChunk":null}`, false, "hi", "", 0},
		{"empty text", `{"sessionId":"s","textPrompt":""}`, false, "", "", 0},
		{"audio", `{"sessionId":"s","audioChunk":"aGVsbG8=","sequence":7}`, false, "", "hello", 7},
		{"wrong session", `{"sessionId":"x","textPrompt":"hi"}`, true, "", "", 0},
		{"both", `{"sessionId":"s","textPrompt":"hi","audioChunk":"aGk="}`, true, "", "", 0},
		{"neither", `{"sessionId":"s"}`, true, "", "", 0},
		{"bad base64", `{"sessionId":"s","audioChunk":"!!"}`, true, "", "", 0},
		{"bad json", `{`, true, "", "", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseInbound([]byte(tt.raw), "s")
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseInbound(%q) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, ErrTransport) {
					t.Errorf("parseInbound(%q) error = %v, want ErrTransport", tt.raw, err)
				}
				return
			}
			if got.text != tt.wantText || string(got.audio) != tt.wantAudio || got.seq != tt.wantSeq {
				t.Errorf("parseInbound(%q) = %+v", tt.raw, got)
			}
		})
	}
}

func TestNeedsOpening(t *testing.T) {
	now := time.Now()
	fresh := session.New("a", "overview", now)

	pending := session.New("b", "overview", now)
	pending.Append(session.RoleAgent, "Q?", "overview", now)

	advanced := session.New("c", "users", now)
	advanced.Append(session.RoleAgent, "Q?", "overview", now)
	advanced.Append(session.RoleUser, "A", "overview", now)
	advanced.Append(session.RoleAgent, "Thanks", "overview", now)

	tests := []struct {
		name string
		sess *session.Session
		want bool
	}{
		{"fresh", fresh, true},
		{"question pending", pending, false},
		{"opening missing after transition", advanced, true},
	}
	for _, tt := range tests {
		if got := needsOpening(tt.sess); got != tt.want {
			t.Errorf("needsOpening(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestRESTEndpoints(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	ctx := context.Background()

	sess := session.New("rest", "overview", time.Now().UTC())
	sess.Append(session.RoleAgent, "Hello", "overview", time.Now().UTC())
	if err := env.store.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	env.store.AppendEvent(ctx, store.Event{SessionID: "rest", Type: "session_opened"})

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, "ok"},
		{"/api/stages", http.StatusOK, `"name":"Overview"`},
		{"/api/sessions/rest", http.StatusOK, `"content":"Hello"`},
		{"/api/sessions/missing", http.StatusNotFound, "session not found"},
		{"/api/sessions/rest/events", http.StatusOK, `"event_type":"session_opened"`},
		{"/api/sessions/rest/events?limit=x", http.StatusBadRequest, "invalid limit"},
		{"/api/sessions/none/events", http.StatusOK, `"events":[]`},
		{"/metrics", http.StatusOK, "test_connections_active"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(env.server.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("GET %s status = %d, want %d", tt.path, resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("GET %s body = %s, want it to contain %s", tt.path, body, tt.wantBody)
			}
		})
	}
}

func TestSessionSnapshotJSON(t *testing.T) {
	env := newTestEnv(t, testEnvConfig{})
	sess := session.New("json", "overview", time.Now().UTC())
	env.store.SaveSession(context.Background(), sess)

	resp, err := http.Get(env.server.URL + "/api/sessions/json")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	var got session.Session
	if err := json.NewDecoder(resp.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "json" || got.CurrentStageID != "overview" || got.Status != session.StatusActive {
		t.Errorf("snapshot = %+v", got)
	}
}
