// Package orchestrator implements the stage-gated turn state machine: it takes
// a finalized utterance, asks a decision engine whether the current stage goal
// is met, and applies the resulting follow-up or stage transition to a session.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lukasbauer/intake/internal/session"
	"github.com/lukasbauer/intake/internal/stages"
)

// DefaultMaxFollowUps is the number of follow-up prompts allowed per stage
// before the stage is completed regardless of the decision.
const DefaultMaxFollowUps = 3

const (
	defaultDecisionTimeout = 15 * time.Second
	defaultReAsk           = "Sorry, I didn't quite get that. Could you tell me a bit more?"
	defaultEmptyUtterance  = "I didn't catch that. Could you say it again?"
	defaultStageComplete   = "Thanks, that covers it."
	defaultClosing         = "Thank you, that's everything I needed. We're all done."
)

var (
	// ErrTurnCancelled means the caller went away while the turn was in
	// flight. The session is left exactly as it was.
	ErrTurnCancelled = errors.New("orchestrator: turn cancelled")

	// ErrConversationComplete is returned for turns on a finished session.
	ErrConversationComplete = errors.New("orchestrator: conversation already complete")

	// ErrDecisionEngine wraps decision engine failures. Evaluate handles it
	// internally; it only surfaces through logs and Outcome.DecisionFailed.
	ErrDecisionEngine = errors.New("orchestrator: decision engine failure")

	// ErrInvariant marks a session in a state the orchestrator can never
	// produce. It indicates a bug.
	ErrInvariant = errors.New("orchestrator: invariant violated")
)

// Source is where an utterance came from.
type Source string

const (
	SourceText  Source = "text"
	SourceAudio Source = "audio"
)

// Utterance is one finalized user turn.
type Utterance struct {
	Text   string
	Source Source
}

// Decision is the decision engine's verdict on the current stage.
type Decision struct {
	Satisfied    bool   `json:"satisfied"`
	FollowUpText string `json:"followUpText"`
}

// Request is what the decision engine sees for one turn. History does not
// include the new utterance.
type Request struct {
	Stage         stages.Stage
	NextStage     *stages.Stage
	History       []session.TurnRecord
	Utterance     string
	FollowUpCount int
	MaxFollowUps  int
}

// OpenRequest asks for the opening question of a stage.
type OpenRequest struct {
	Stage    stages.Stage
	History  []session.TurnRecord
	Greeting bool
}

// DecisionEngine judges stage satisfaction and writes the agent's prompts.
// Implementations may be slow or fail; the orchestrator bounds each call with
// its own timeout.
type DecisionEngine interface {
	Decide(ctx context.Context, req Request) (Decision, error)
	Opening(ctx context.Context, req OpenRequest) (string, error)
}

// Outcome is the result of one applied turn.
type Outcome struct {
	State    State
	Response string

	// Stage is the stage the turn was evaluated in.
	Stage stages.Stage

	// NextStage is set on STAGE_COMPLETE and CONVERSATION_COMPLETE.
	// NextStageData is the new current stage, or nil when there is none.
	NextStage     bool
	NextStageData *stages.Stage

	FollowUpCount  int
	DecisionFailed bool
	Forced         bool
}

// Config tunes the orchestrator. Zero values get defaults.
type Config struct {
	MaxFollowUps    int
	DecisionTimeout time.Duration

	ReAskText          string
	EmptyUtteranceText string
	StageCompleteText  string
	ClosingText        string

	Now func() time.Time
}

// Orchestrator applies turns to sessions. It holds no per-session state and is
// safe for concurrent use; callers serialize turns per session.
type Orchestrator struct {
	engine DecisionEngine
	ledger *stages.Ledger
	logger *log.Logger
	cfg    Config
}

// New creates an Orchestrator over the given ledger.
func New(engine DecisionEngine, ledger *stages.Ledger, logger *log.Logger, cfg Config) *Orchestrator {
	if cfg.MaxFollowUps <= 0 {
		cfg.MaxFollowUps = DefaultMaxFollowUps
	}
	if cfg.DecisionTimeout <= 0 {
		cfg.DecisionTimeout = defaultDecisionTimeout
	}
	if cfg.ReAskText == "" {
		cfg.ReAskText = defaultReAsk
	}
	if cfg.EmptyUtteranceText == "" {
		cfg.EmptyUtteranceText = defaultEmptyUtterance
	}
	if cfg.StageCompleteText == "" {
		cfg.StageCompleteText = defaultStageComplete
	}
	if cfg.ClosingText == "" {
		cfg.ClosingText = defaultClosing
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Orchestrator{
		engine: engine,
		ledger: ledger,
		logger: logger.WithPrefix("orchestrator"),
		cfg:    cfg,
	}
}

// MaxFollowUps returns the configured follow-up cap.
func (o *Orchestrator) MaxFollowUps() int {
	return o.cfg.MaxFollowUps
}

// Evaluate runs one turn. The session is only mutated after the decision is
// available; on any returned error it is unchanged.
func (o *Orchestrator) Evaluate(ctx context.Context, sess *session.Session, utt Utterance) (Outcome, error) {
	stage, err := o.checkSession(sess)
	if err != nil {
		return Outcome{}, err
	}

	text := strings.TrimSpace(utt.Text)
	var (
		decision Decision
		failed   bool
	)

	if text == "" {
		decision = Decision{FollowUpText: o.cfg.EmptyUtteranceText}
	} else {
		decision, err = o.decide(ctx, sess, stage, text)
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("%w: %v", ErrTurnCancelled, ctx.Err())
		}
		if err != nil {
			o.logger.Warn("decision engine failed, re-asking",
				"session", sess.ID, "stage", stage.Name, "err", err)
			decision = Decision{FollowUpText: o.cfg.ReAskText}
			failed = true
		}
	}

	out := o.apply(sess, stage, text, decision)
	out.DecisionFailed = failed
	return out, nil
}

func (o *Orchestrator) checkSession(sess *session.Session) (stages.Stage, error) {
	if sess.Complete() {
		return stages.Stage{}, ErrConversationComplete
	}
	stage, ok := o.ledger.ByID(sess.CurrentStageID)
	if !ok {
		return stages.Stage{}, fmt.Errorf("%w: session %s at unknown stage %q", ErrInvariant, sess.ID, sess.CurrentStageID)
	}
	if sess.FollowUpCount < 0 || sess.FollowUpCount > o.cfg.MaxFollowUps {
		return stages.Stage{}, fmt.Errorf("%w: session %s follow-up count %d outside [0,%d]",
			ErrInvariant, sess.ID, sess.FollowUpCount, o.cfg.MaxFollowUps)
	}
	return stage, nil
}

func (o *Orchestrator) decide(ctx context.Context, sess *session.Session, stage stages.Stage, text string) (Decision, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.DecisionTimeout)
	defer cancel()

	req := Request{
		Stage:         stage,
		History:       sess.History,
		Utterance:     text,
		FollowUpCount: sess.FollowUpCount,
		MaxFollowUps:  o.cfg.MaxFollowUps,
	}
	if next, ok := o.ledger.Next(stage.Order); ok {
		req.NextStage = &next
	}

	d, err := o.engine.Decide(callCtx, req)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrDecisionEngine, err)
	}
	d.FollowUpText = strings.TrimSpace(d.FollowUpText)
	return d, nil
}

// apply is the single mutation step of a turn.
func (o *Orchestrator) apply(sess *session.Session, stage stages.Stage, text string, d Decision) Outcome {
	now := o.cfg.Now()
	if text != "" {
		sess.Append(session.RoleUser, text, stage.ID, now)
	}

	if !d.Satisfied && sess.FollowUpCount < o.cfg.MaxFollowUps {
		prompt := d.FollowUpText
		if prompt == "" {
			prompt = o.cfg.ReAskText
		}
		sess.FollowUpCount++
		sess.Append(session.RoleAgent, prompt, stage.ID, now)
		return Outcome{
			State:         StateFollowUp,
			Response:      prompt,
			Stage:         stage,
			FollowUpCount: sess.FollowUpCount,
		}
	}

	forced := !d.Satisfied
	sess.FollowUpCount = 0

	next, ok := o.ledger.Next(stage.Order)
	if !ok {
		closing := o.cfg.ClosingText
		if d.Satisfied && d.FollowUpText != "" {
			closing = d.FollowUpText
		}
		sess.Status = session.StatusComplete
		sess.Append(session.RoleAgent, closing, stage.ID, now)
		return Outcome{
			State:     StateConversationComplete,
			Response:  closing,
			Stage:     stage,
			NextStage: true,
			Forced:    forced,
		}
	}

	ack := o.cfg.StageCompleteText
	if d.Satisfied && d.FollowUpText != "" {
		ack = d.FollowUpText
	}
	sess.CurrentStageID = next.ID
	sess.Append(session.RoleAgent, ack, stage.ID, now)
	return Outcome{
		State:         StateStageComplete,
		Response:      ack,
		Stage:         stage,
		NextStage:     true,
		NextStageData: &next,
		Forced:        forced,
	}
}

// Open produces the opening question of the session's current stage: a
// greeting for a session without history, otherwise the first question after
// a transition. It never changes the follow-up count. If the engine fails the
// question is built from the stage description.
func (o *Orchestrator) Open(ctx context.Context, sess *session.Session) (Outcome, error) {
	stage, err := o.checkSession(sess)
	if err != nil {
		return Outcome{}, err
	}

	greeting := len(sess.History) == 0
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.DecisionTimeout)
	defer cancel()

	text, err := o.engine.Opening(callCtx, OpenRequest{
		Stage:    stage,
		History:  sess.History,
		Greeting: greeting,
	})
	if ctx.Err() != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrTurnCancelled, ctx.Err())
	}

	failed := false
	text = strings.TrimSpace(text)
	if err != nil || text == "" {
		if err != nil {
			o.logger.Warn("opening question failed, using template",
				"session", sess.ID, "stage", stage.Name, "err", err)
		}
		text = FallbackOpening(stage, greeting)
		failed = err != nil
	}

	sess.Append(session.RoleAgent, text, stage.ID, o.cfg.Now())
	return Outcome{
		State:          StateAwaitingInput,
		Response:       text,
		Stage:          stage,
		FollowUpCount:  sess.FollowUpCount,
		DecisionFailed: failed,
	}, nil
}

// FallbackOpening builds an opening question from the stage itself.
func FallbackOpening(stage stages.Stage, greeting bool) string {
	about := strings.TrimSpace(stage.Description)
	if about == "" {
		about = strings.TrimSpace(stage.Goal)
	}
	var b strings.Builder
	if greeting {
		b.WriteString("Hi! I'll ask you a few questions about your project. ")
		fmt.Fprintf(&b, "Let's start with %s.", strings.ToLower(stage.Name))
	} else {
		fmt.Fprintf(&b, "Next, let's talk about %s.", strings.ToLower(stage.Name))
	}
	if about != "" {
		b.WriteString(" ")
		b.WriteString(about)
	}
	return b.String()
}
