package incidents

import "sync"

type lockRef struct {
	mu   sync.Mutex
	refs int
}

// incidentLocks serialises appends per incident inside one process.
// Cross-process forks are caught by the store's unique (incident, prev hash).
type incidentLocks struct {
	mu    sync.Mutex
	locks map[string]*lockRef
}

func newIncidentLocks() *incidentLocks {
	return &incidentLocks{locks: map[string]*lockRef{}}
}

func (l *incidentLocks) lock(incidentID string) func() {
	l.mu.Lock()
	ref, ok := l.locks[incidentID]
	if !ok {
		ref = &lockRef{}
		l.locks[incidentID] = ref
	}
	ref.refs++
	l.mu.Unlock()

	ref.mu.Lock()
	return func() {
		ref.mu.Unlock()
		l.mu.Lock()
		ref.refs--
		if ref.refs == 0 {
			delete(l.locks, incidentID)
		}
		l.mu.Unlock()
	}
}
