package orchestrator

import (
	"fmt"
	"sync"
)

// State is a position in the per-session turn cycle.
type State string

const (
	StateAwaitingInput        State = "AWAITING_INPUT"
	StateTranscribing         State = "TRANSCRIBING"
	StateEvaluating           State = "EVALUATING"
	StateFollowUp             State = "FOLLOW_UP"
	StateStageComplete        State = "STAGE_COMPLETE"
	StateConversationComplete State = "CONVERSATION_COMPLETE"
)

var transitions = map[State][]State{
	StateAwaitingInput: {StateTranscribing, StateEvaluating},
	StateTranscribing:  {StateEvaluating, StateAwaitingInput},
	StateEvaluating:    {StateFollowUp, StateStageComplete, StateConversationComplete, StateAwaitingInput},
	StateFollowUp:      {StateAwaitingInput},
	StateStageComplete: {StateAwaitingInput},
}

// CanTransition reports whether the cycle may move from one state to another.
// CONVERSATION_COMPLETE is terminal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Cycle tracks the turn cycle of one channel and rejects illegal moves.
type Cycle struct {
	mu    sync.Mutex
	state State
}

// NewCycle starts a cycle at AWAITING_INPUT, or at CONVERSATION_COMPLETE for
// a finished session.
func NewCycle(complete bool) *Cycle {
	if complete {
		return &Cycle{state: StateConversationComplete}
	}
	return &Cycle{state: StateAwaitingInput}
}

// State returns the current state.
func (c *Cycle) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// To moves the cycle to next. A move to the current state is a no-op.
func (c *Cycle) To(next State) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == next {
		return nil
	}
	if !CanTransition(c.state, next) {
		return fmt.Errorf("%w: transition %s -> %s", ErrInvariant, c.state, next)
	}
	c.state = next
	return nil
}

// Settle applies an outcome state and returns to AWAITING_INPUT unless the
// conversation is over.
func (c *Cycle) Settle(outcome State) error {
	if err := c.To(outcome); err != nil {
		return err
	}
	if outcome == StateConversationComplete {
		return nil
	}
	return c.To(StateAwaitingInput)
}
