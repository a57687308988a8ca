package call

import (
	"errors"
	"slices"
	"strings"
	"sync"
)

// errEmptyCallID is returned by [Registry.Insert] for an empty identity.
var errEmptyCallID = errors.New("call: empty call identity")

// Registry is the process-wide directory of live calls, keyed by call
// identity. It holds non-owning handles: sessions register and deregister
// themselves.
//
// All methods are safe for concurrent use. A single mutex covers the whole
// map and is never held while calling into a [Session].
type Registry struct {
	mu    sync.Mutex
	calls map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[string]*Session)}
}

// Insert registers s under callID. It returns [ErrIdentityConflict] and
// leaves the existing entry untouched when callID is already present.
func (r *Registry) Insert(callID string, s *Session) error {
	if callID == "" {
		return errEmptyCallID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.calls[callID]; ok {
		return ErrIdentityConflict
	}
	r.calls[callID] = s
	return nil
}

// Replace registers s under callID, overwriting any existing entry, and
// returns the session it displaced (nil when callID was free). The
// displaced session keeps running; its later Deregister is a no-op.
func (r *Registry) Replace(callID string, s *Session) (*Session, error) {
	if callID == "" {
		return nil, errEmptyCallID
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.calls[callID]
	r.calls[callID] = s
	return prev, nil
}

// Remove deletes callID. Removing an absent identity is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, callID)
}

// Deregister deletes callID only if it currently maps to s, and reports
// whether it did. A session displaced by [Registry.Replace] therefore
// never removes the entry of the session that replaced it.
func (r *Registry) Deregister(callID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.calls[callID]; !ok || cur != s {
		return false
	}
	delete(r.calls, callID)
	return true
}

// Lookup returns the session registered under callID.
func (r *Registry) Lookup(callID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.calls[callID]
	return s, ok
}

// Len returns the number of registered calls.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// Snapshot returns the [Info] of every registered session, ordered by call
// identity.
func (r *Registry) Snapshot() []Info {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.calls))
	for _, s := range r.calls {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b Info) int {
		return strings.Compare(a.CallID, b.CallID)
	})
	return infos
}
