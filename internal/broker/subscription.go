package broker

import (
	"sync/atomic"
)

// Subscription is one concrete broadcast target: an event plus an
// extra-path suffix, with the list of subscribed clients.
//
// Lifetime is reference counted because a subscription is shared with
// weak ownership: subscribed clients, pending broadcasts and in-flight
// subscribe hooks all hold it concurrently. The count starts at 1 for
// the creator and the entry is removed from the parent event's map
// when it drops to zero.
type Subscription struct {
	ev    *Event
	extra string // "" for the root sub of its event

	refs        atomic.Int64
	subscribers *SubscriberList
}

// Event returns the parent event.
func (s *Subscription) Event() *Event { return s.ev }

// Extra returns the extra-path suffix this subscription targets.
func (s *Subscription) Extra() string { return s.extra }

// subGet resolves the subscription for extra, taking a reference. A
// dying subscription (refs already at 0) is never revived: the read
// path refuses it and the create path installs a replacement under the
// write lock.
func (e *Event) subGet(extra string, orCreate bool) *Subscription {
	e.mu.RLock()
	s := e.subs[extra]
	e.mu.RUnlock()

	if s != nil && s.tryRef() {
		return s
	}
	if !orCreate {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Re-check: another goroutine may have created (or replaced) the
	// entry while we waited for the write lock.
	if s := e.subs[extra]; s != nil && s.tryRef() {
		return s
	}

	s = &Subscription{
		ev:          e,
		extra:       extra,
		subscribers: NewSubscriberList(e.broker.cfg.SubMinSize, e.broker.cfg.MaxClients),
	}
	s.refs.Store(1)
	e.subs[extra] = s
	return s
}

// tryRef atomically increments refs if they are non-zero. Zero means
// the subscription is being torn down and must not be handed out.
func (s *Subscription) tryRef() bool {
	for {
		r := s.refs.Load()
		if r == 0 {
			return false
		}
		if s.refs.CompareAndSwap(r, r+1) {
			return true
		}
	}
}

// Ref takes an additional reference. Only valid while the caller
// already holds one.
func (s *Subscription) Ref() {
	s.refs.Add(1)
}

// Unref drops a reference. On the last drop the map entry is removed,
// unless the entry was already replaced by a newer identical
// subscription created under the race; the replacement is preserved.
func (s *Subscription) Unref() {
	if s.refs.Add(-1) != 0 {
		return
	}

	e := s.ev
	e.mu.Lock()
	if e.subs[s.extra] == s {
		delete(e.subs, s.extra)
	}
	e.mu.Unlock()
}
