package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/lukasbauer/intake/internal/stages"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrStoreUnavailable means durable storage could not be reached. On
	// Acquire no session slot is created; on Release the in-memory state is
	// kept and retried later.
	ErrStoreUnavailable = errors.New("session: store unavailable")

	// ErrNotFound is returned by stores when no snapshot exists for an id.
	ErrNotFound = errors.New("session: not found")

	ErrInvalidID = errors.New("session: invalid session id")
)

const maxIDLength = 128

// Store is the durable keyed read/replace of session snapshots. SaveSession
// must be idempotent: writing the same snapshot twice is a no-op.
type Store interface {
	LoadSession(ctx context.Context, id string) (*Session, error)
	SaveSession(ctx context.Context, s *Session) error
}

// ManagerConfig tunes the Manager. Zero values get defaults.
type ManagerConfig struct {
	LoadTimeout    time.Duration
	PersistTimeout time.Duration
	Now            func() time.Time

	// OnActiveChange is called with the number of live sessions whenever it changes.
	OnActiveChange func(active int)
}

// Manager owns the live sessions of this process. Each session id maps to one
// slot; at most one Lease per slot exists at a time, so turns for the same
// session are serialized while different sessions proceed concurrently.
type Manager struct {
	store  Store
	ledger *stages.Ledger
	logger *log.Logger
	cfg    ManagerConfig

	mu    sync.Mutex
	slots map[string]*slot
	loads singleflight.Group
}

type slot struct {
	lock     chan struct{}
	sess     *Session
	fresh    bool
	dirty    bool
	lastUsed time.Time
}

// Lease is exclusive access to one session until Release.
type Lease struct {
	m    *Manager
	id   string
	slot *slot
	once sync.Once
}

// NewManager creates a Manager backed by store. New sessions start at the
// ledger's first stage.
func NewManager(store Store, ledger *stages.Ledger, logger *log.Logger, cfg ManagerConfig) *Manager {
	if cfg.LoadTimeout <= 0 {
		cfg.LoadTimeout = 5 * time.Second
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		store:  store,
		ledger: ledger,
		logger: logger.WithPrefix("session"),
		cfg:    cfg,
		slots:  make(map[string]*slot),
	}
}

// ValidID reports whether id is usable as a session key.
func ValidID(id string) bool {
	return id != "" && len(id) <= maxIDLength && strings.TrimSpace(id) == id
}

// Acquire returns exclusive access to the session, loading it from the store
// on first use or creating it at the first stage if the store has none. A
// second Acquire for the same id waits until the first lease is released or
// ctx is done.
func (m *Manager) Acquire(ctx context.Context, id string) (*Lease, error) {
	if !ValidID(id) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, id)
	}

	for {
		sl, err := m.slotFor(ctx, id)
		if err != nil {
			return nil, err
		}

		select {
		case sl.lock <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		// The sweeper may have evicted the slot between lookup and lock.
		m.mu.Lock()
		current := m.slots[id]
		m.mu.Unlock()
		if current != sl {
			<-sl.lock
			continue
		}

		sl.lastUsed = m.cfg.Now()
		return &Lease{m: m, id: id, slot: sl}, nil
	}
}

func (m *Manager) slotFor(ctx context.Context, id string) (*slot, error) {
	m.mu.Lock()
	sl, ok := m.slots[id]
	m.mu.Unlock()
	if ok {
		return sl, nil
	}

	v, err, _ := m.loads.Do(id, func() (any, error) {
		m.mu.Lock()
		if sl, ok := m.slots[id]; ok {
			m.mu.Unlock()
			return sl, nil
		}
		m.mu.Unlock()

		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.LoadTimeout)
		defer cancel()

		sess, fresh, err := m.load(loadCtx, id)
		if err != nil {
			return nil, err
		}

		sl := &slot{lock: make(chan struct{}, 1), sess: sess, fresh: fresh, lastUsed: m.cfg.Now()}
		m.mu.Lock()
		m.slots[id] = sl
		n := len(m.slots)
		m.mu.Unlock()
		m.notifyActive(n)
		return sl, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*slot), nil
}

func (m *Manager) load(ctx context.Context, id string) (*Session, bool, error) {
	sess, err := m.store.LoadSession(ctx, id)
	switch {
	case errors.Is(err, ErrNotFound):
		first := m.ledger.First()
		m.logger.Info("new session", "session", id, "stage", first.Name)
		return New(id, first.ID, m.cfg.Now()), true, nil
	case err != nil:
		m.logger.Error("cold load failed", "session", id, "err", err)
		return nil, false, fmt.Errorf("%w: load %s: %v", ErrStoreUnavailable, id, err)
	}

	if sess.History == nil {
		sess.History = []TurnRecord{}
	}
	if _, ok := m.ledger.ByID(sess.CurrentStageID); !ok && !sess.Complete() {
		first := m.ledger.First()
		m.logger.Warn("stored stage not in ledger, restarting at first stage",
			"session", id, "stage_id", sess.CurrentStageID, "first", first.ID)
		sess.CurrentStageID = first.ID
		sess.FollowUpCount = 0
	}
	return sess, false, nil
}

// Session returns the leased session. It must not be used after Release.
func (l *Lease) Session() *Session {
	return l.slot.sess
}

// Fresh reports whether the session was created by this process and has not
// been persisted yet.
func (l *Lease) Fresh() bool {
	return l.slot.fresh
}

// ID returns the session id.
func (l *Lease) ID() string {
	return l.id
}

// Release persists the session snapshot and gives up the lease. It runs the
// write on a context detached from ctx's cancellation so a closed channel
// still gets its state saved. Calling Release more than once is a no-op.
func (m *Manager) Release(ctx context.Context, l *Lease) error {
	var err error
	l.once.Do(func() {
		defer func() { <-l.slot.lock }()
		err = m.persist(ctx, l.id, l.slot)
	})
	return err
}

// persist must be called with the slot lock held.
func (m *Manager) persist(ctx context.Context, id string, sl *slot) error {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.PersistTimeout)
	defer cancel()

	sl.lastUsed = m.cfg.Now()
	if err := m.store.SaveSession(saveCtx, sl.sess.Clone()); err != nil {
		sl.dirty = true
		m.logger.Error("persist failed", "session", id, "err", err)
		return fmt.Errorf("%w: save %s: %v", ErrStoreUnavailable, id, err)
	}
	sl.dirty = false
	sl.fresh = false
	return nil
}

// WithSession runs fn with exclusive access to the session and always
// releases it afterwards, even if fn fails or panics.
func (m *Manager) WithSession(ctx context.Context, id string, fn func(*Lease) error) (err error) {
	lease, err := m.Acquire(ctx, id)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := m.Release(ctx, lease); rerr != nil && err == nil {
			err = rerr
		}
	}()
	return fn(lease)
}

// Sweep retries failed saves and evicts clean sessions that have not been
// leased for at least idle. Slots currently leased are skipped. It returns the
// number of evicted sessions.
func (m *Manager) Sweep(ctx context.Context, idle time.Duration) int {
	m.mu.Lock()
	candidates := make(map[string]*slot, len(m.slots))
	for id, sl := range m.slots {
		candidates[id] = sl
	}
	m.mu.Unlock()

	now := m.cfg.Now()
	evicted := 0
	for id, sl := range candidates {
		select {
		case sl.lock <- struct{}{}:
		default:
			continue
		}

		if sl.dirty {
			_ = m.persist(ctx, id, sl)
		}
		if !sl.dirty && !sl.fresh && now.Sub(sl.lastUsed) >= idle {
			m.mu.Lock()
			if m.slots[id] == sl {
				delete(m.slots, id)
				evicted++
			}
			m.mu.Unlock()
		}
		<-sl.lock
	}

	if evicted > 0 {
		m.notifyActive(m.Active())
		m.logger.Debug("evicted idle sessions", "count", evicted)
	}
	return evicted
}

// Flush persists every dirty session, waiting for leased ones to be released.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	candidates := make(map[string]*slot, len(m.slots))
	for id, sl := range m.slots {
		candidates[id] = sl
	}
	m.mu.Unlock()

	var errs []error
	for id, sl := range candidates {
		select {
		case sl.lock <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		if sl.dirty {
			if err := m.persist(ctx, id, sl); err != nil {
				errs = append(errs, err)
			}
		}
		<-sl.lock
	}
	return errors.Join(errs...)
}

// Active returns the number of live session slots.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.slots)
}

// Ledger returns the stage ledger the manager positions new sessions on.
func (m *Manager) Ledger() *stages.Ledger {
	return m.ledger
}

func (m *Manager) notifyActive(n int) {
	if m.cfg.OnActiveChange != nil {
		m.cfg.OnActiveChange(n)
	}
}
