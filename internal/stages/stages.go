package stages

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var (
	ErrEmptyLedger    = errors.New("stages: ledger has no stages")
	ErrDuplicateOrder = errors.New("stages: duplicate stage order")
	ErrDuplicateID    = errors.New("stages: duplicate stage id")
	ErrMissingID      = errors.New("stages: stage id is required")
)

// Stage is one phase of information gathering.
type Stage struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Goal        string    `json:"goal"`
	Order       int       `json:"order"`
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Ledger is the immutable, order-sorted stage catalog. It is built once at
// startup and shared read-only between sessions.
type Ledger struct {
	stages []Stage
	byID   map[string]int
}

// NewLedger validates and sorts the given stages. Inactive stages are skipped.
func NewLedger(in []Stage) (*Ledger, error) {
	active := make([]Stage, 0, len(in))
	for _, s := range in {
		if !s.IsActive {
			continue
		}
		if s.ID == "" {
			return nil, fmt.Errorf("%w (stage %q)", ErrMissingID, s.Name)
		}
		active = append(active, s)
	}
	if len(active) == 0 {
		return nil, ErrEmptyLedger
	}

	sort.SliceStable(active, func(i, j int) bool { return active[i].Order < active[j].Order })

	byID := make(map[string]int, len(active))
	for i, s := range active {
		if i > 0 && active[i-1].Order == s.Order {
			return nil, fmt.Errorf("%w: %d (%q and %q)", ErrDuplicateOrder, s.Order, active[i-1].Name, s.Name)
		}
		if _, ok := byID[s.ID]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, s.ID)
		}
		byID[s.ID] = i
	}

	return &Ledger{stages: active, byID: byID}, nil
}

// First returns the lowest-order stage.
func (l *Ledger) First() Stage {
	return l.stages[0]
}

// ByID looks up a stage by id.
func (l *Ledger) ByID(id string) (Stage, bool) {
	i, ok := l.byID[id]
	if !ok {
		return Stage{}, false
	}
	return l.stages[i], true
}

// Next returns the stage with the smallest order strictly greater than order.
func (l *Ledger) Next(order int) (Stage, bool) {
	i := sort.Search(len(l.stages), func(i int) bool { return l.stages[i].Order > order })
	if i == len(l.stages) {
		return Stage{}, false
	}
	return l.stages[i], true
}

// All returns a copy of the stages in order.
func (l *Ledger) All() []Stage {
	out := make([]Stage, len(l.stages))
	copy(out, l.stages)
	return out
}

// Len returns the number of stages.
func (l *Ledger) Len() int {
	return len(l.stages)
}
