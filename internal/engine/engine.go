// Package engine owns the shared mission collection: it merges the local
// store with the catalog at session start, applies optimistic local updates,
// and reconciles against the authoritative server.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"fairquest/internal/catalog"
	"fairquest/internal/domain"
	"fairquest/internal/store"
)

var ErrUnknownMission = errors.New("unknown mission")

// Server is the authoritative collaborator the engine pushes to and pulls
// from. Satisfied by *api.Client.
type Server interface {
	MyMissions(ctx context.Context) ([]domain.MissionStatus, error)
	PushProgress(ctx context.Context, missionID string, progress int) error
	PushComplete(ctx context.Context, missionID string) error
}

// Engine holds the live mission collection with subscription semantics.
// Local mutation always lands before the network push is dispatched; pushes
// are fire-and-forget with no retry queue (last writer wins on the server).
type Engine struct {
	mu       sync.Mutex
	missions []domain.Mission
	subs     map[int]func([]domain.Mission)
	nextSub  int

	Store  store.Store
	Server Server

	// PushTimeout bounds each fire-and-forget push. Pushes run on their own
	// context so a caller teardown cannot cancel one mid-flight.
	PushTimeout time.Duration
}

// New loads saved state, merges it over the catalog defaults, and returns a
// ready engine. A failed load degrades to catalog defaults.
func New(ctx context.Context, st store.Store, srv Server) *Engine {
	saved := st.Load(ctx)
	return &Engine{
		missions:    store.Merge(catalog.Missions(), saved),
		subs:        map[int]func([]domain.Mission){},
		Store:       st,
		Server:      srv,
		PushTimeout: 10 * time.Second,
	}
}

// Missions returns a snapshot of the collection in display order.
func (e *Engine) Missions() []domain.Mission {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// Mission returns a snapshot of one mission.
func (e *Engine) Mission(id string) (domain.Mission, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, m := range e.missions {
		if m.ID == id {
			return m, nil
		}
	}
	return domain.Mission{}, ErrUnknownMission
}

// Subscribe registers fn to be called with a snapshot after every mutation.
// The returned cancel func removes the subscription.
func (e *Engine) Subscribe(fn func([]domain.Mission)) func() {
	e.mu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.mu.Unlock()
	return func() {
		e.mu.Lock()
		delete(e.subs, id)
		e.mu.Unlock()
	}
}

// UpdateProgress clamps newProgress at zero, recomputes completion against
// the catalog target, and pushes the result to the server asynchronously.
// Completion is monotonic: a completed mission never uncompletes, even when
// the new progress value alone would not satisfy the threshold.
func (e *Engine) UpdateProgress(ctx context.Context, missionID string, newProgress int) (domain.Mission, error) {
	if newProgress < 0 {
		newProgress = 0
	}
	m, err := e.mutate(ctx, missionID, func(m *domain.Mission) {
		m.Progress = newProgress
		if m.Quantitative() && newProgress >= *m.Target {
			m.IsCompleted = true
		}
	})
	if err != nil {
		return domain.Mission{}, err
	}
	e.dispatch(func(ctx context.Context) error {
		return e.Server.PushProgress(ctx, missionID, m.Progress)
	})
	return m, nil
}

// CompleteMission force-sets completion locally and pushes a completion
// event to the server.
func (e *Engine) CompleteMission(ctx context.Context, missionID string) (domain.Mission, error) {
	m, err := e.mutate(ctx, missionID, func(m *domain.Mission) {
		m.IsCompleted = true
		if m.Quantitative() {
			m.Progress = *m.Target
		}
	})
	if err != nil {
		return domain.Mission{}, err
	}
	e.dispatch(func(ctx context.Context) error {
		return e.Server.PushComplete(ctx, missionID)
	})
	return m, nil
}

// ResetMission rolls one mission back to incomplete with zero progress.
// Local only; the server is never contacted.
func (e *Engine) ResetMission(ctx context.Context, missionID string) (domain.Mission, error) {
	return e.mutate(ctx, missionID, func(m *domain.Mission) {
		m.IsCompleted = false
		m.IsUsed = false
		m.Progress = 0
	})
}

// MarkUsed records a redeemed ticket locally after the authoritative
// redemption succeeded.
func (e *Engine) MarkUsed(ctx context.Context, missionID string) (domain.Mission, error) {
	return e.mutate(ctx, missionID, func(m *domain.Mission) {
		if m.IsCompleted {
			m.IsUsed = true
		}
	})
}

// SyncFromServer pulls the caller's mission status and overwrites local
// completion, progress, and target for every mission present in the
// response. A zero or absent server target never overwrites a known target.
// Missions absent from the response are untouched. On error local state is
// left unchanged.
func (e *Engine) SyncFromServer(ctx context.Context) error {
	statuses, err := e.Server.MyMissions(ctx)
	if err != nil {
		return err
	}
	byID := make(map[string]domain.MissionStatus, len(statuses))
	for _, st := range statuses {
		byID[st.MissionID] = st
	}

	e.mu.Lock()
	for i := range e.missions {
		st, ok := byID[e.missions[i].ID]
		if !ok {
			continue
		}
		e.missions[i].IsCompleted = st.IsCompleted
		e.missions[i].Progress = st.Progress
		e.missions[i].IsUsed = st.IsUsed
		if st.Target > 0 {
			t := st.Target
			e.missions[i].Target = &t
		}
	}
	snap := e.snapshot()
	e.mu.Unlock()

	_ = e.Store.Save(ctx, snap)
	e.notify(snap)
	return nil
}

// mutate applies fn to one mission under the lock, persists the snapshot
// best-effort, and notifies subscribers.
func (e *Engine) mutate(ctx context.Context, missionID string, fn func(*domain.Mission)) (domain.Mission, error) {
	e.mu.Lock()
	idx := -1
	for i := range e.missions {
		if e.missions[i].ID == missionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		e.mu.Unlock()
		return domain.Mission{}, ErrUnknownMission
	}
	fn(&e.missions[idx])
	m := e.missions[idx]
	snap := e.snapshot()
	e.mu.Unlock()

	// Save failures are swallowed: in-memory state stays authoritative for
	// the rest of the process.
	_ = e.Store.Save(ctx, snap)
	e.notify(snap)
	return m, nil
}

// dispatch runs a push on its own goroutine and context. Failures are
// swallowed; the next full sync reconciles.
func (e *Engine) dispatch(push func(context.Context) error) {
	if e.Server == nil {
		return
	}
	timeout := e.PushTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = push(ctx)
	}()
}

func (e *Engine) snapshot() []domain.Mission {
	out := make([]domain.Mission, len(e.missions))
	copy(out, e.missions)
	return out
}

func (e *Engine) notify(snap []domain.Mission) {
	e.mu.Lock()
	fns := make([]func([]domain.Mission), 0, len(e.subs))
	for _, fn := range e.subs {
		fns = append(fns, fn)
	}
	e.mu.Unlock()
	for _, fn := range fns {
		fn(snap)
	}
}
