package cdp

import (
	"sync"
)

type slotKind int

const (
	byID slotKind = iota
	byMethod
	byPredicate
)

type outcome struct {
	msg   *message
	event *Event
	err   error
}

// slot is a one-shot response slot. It is resolved at most once, by whoever
// removes it from the registry while holding the registry lock.
type slot struct {
	kind   slotKind
	id     int64
	method string
	key    string
	ch     chan outcome
}

func newSlot(kind slotKind) *slot {
	return &slot{kind: kind, ch: make(chan outcome, 1)}
}

type predicateEntry struct {
	matcher Matcher
	slots   []*slot
}

// registry holds the three waiter tables of a session.
type registry struct {
	mu          sync.Mutex
	byID        map[int64]*slot
	byMethod    map[string][]*slot
	byPredicate map[string]*predicateEntry
	// order keeps predicate dispatch in registration order.
	order  []string
	closed error
}

func newRegistry() *registry {
	return &registry{
		byID:        make(map[int64]*slot),
		byMethod:    make(map[string][]*slot),
		byPredicate: make(map[string]*predicateEntry),
	}
}

func (r *registry) addID(id int64) *slot {
	s := newSlot(byID)
	s.id = id
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		s.ch <- outcome{err: r.closed}
		return s
	}
	r.byID[id] = s
	return s
}

func (r *registry) addMethod(method string) *slot {
	s := newSlot(byMethod)
	s.method = method
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		s.ch <- outcome{err: r.closed}
		return s
	}
	r.byMethod[method] = append(r.byMethod[method], s)
	return s
}

func (r *registry) addPredicate(m Matcher) *slot {
	s := newSlot(byPredicate)
	s.key = m.Key()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		s.ch <- outcome{err: r.closed}
		return s
	}
	entry, ok := r.byPredicate[s.key]
	if !ok {
		entry = &predicateEntry{matcher: m}
		r.byPredicate[s.key] = entry
		r.order = append(r.order, s.key)
	}
	entry.slots = append(entry.slots, s)
	return s
}

// resolveID completes the slot for a response. It reports false when no
// waiter is registered, in which case the response is dropped.
func (r *registry) resolveID(id int64, msg *message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[id]
	if !ok {
		return false
	}
	delete(r.byID, id)
	s.ch <- outcome{msg: msg}
	return true
}

// dispatch resolves the oldest by-method waiter for the event's method and
// every by-predicate waiter that accepts the event. It returns the number of
// waiters resolved.
func (r *registry) dispatch(ev *Event) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	if waiters := r.byMethod[ev.Method]; len(waiters) > 0 {
		s := waiters[0]
		if len(waiters) == 1 {
			delete(r.byMethod, ev.Method)
		} else {
			r.byMethod[ev.Method] = waiters[1:]
		}
		s.ch <- outcome{event: ev}
		n++
	}

	if len(r.order) == 0 {
		return n
	}
	kept := r.order[:0]
	for _, key := range r.order {
		entry := r.byPredicate[key]
		if entry == nil {
			continue
		}
		if !entry.matcher.Match(ev) {
			kept = append(kept, key)
			continue
		}
		for _, s := range entry.slots {
			s.ch <- outcome{event: ev}
			n++
		}
		delete(r.byPredicate, key)
	}
	r.order = kept
	return n
}

// remove drops a slot that is still registered. Removing an already
// resolved slot is a no-op.
func (r *registry) remove(s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch s.kind {
	case byID:
		if cur, ok := r.byID[s.id]; ok && cur == s {
			delete(r.byID, s.id)
		}
	case byMethod:
		waiters := r.byMethod[s.method]
		for i, w := range waiters {
			if w == s {
				waiters = append(waiters[:i:i], waiters[i+1:]...)
				break
			}
		}
		if len(waiters) == 0 {
			delete(r.byMethod, s.method)
		} else {
			r.byMethod[s.method] = waiters
		}
	case byPredicate:
		entry := r.byPredicate[s.key]
		if entry == nil {
			return
		}
		for i, w := range entry.slots {
			if w == s {
				entry.slots = append(entry.slots[:i:i], entry.slots[i+1:]...)
				break
			}
		}
		if len(entry.slots) == 0 {
			delete(r.byPredicate, s.key)
			for i, key := range r.order {
				if key == s.key {
					r.order = append(r.order[:i:i], r.order[i+1:]...)
					break
				}
			}
		}
	}
}

// failAll resolves every outstanding slot with err and refuses new ones.
func (r *registry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed != nil {
		return
	}
	r.closed = err
	for id, s := range r.byID {
		s.ch <- outcome{err: err}
		delete(r.byID, id)
	}
	for method, waiters := range r.byMethod {
		for _, s := range waiters {
			s.ch <- outcome{err: err}
		}
		delete(r.byMethod, method)
	}
	for key, entry := range r.byPredicate {
		for _, s := range entry.slots {
			s.ch <- outcome{err: err}
		}
		delete(r.byPredicate, key)
	}
	r.order = nil
}

func (r *registry) pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *registry) waiters() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.byMethod {
		n += len(w)
	}
	for _, e := range r.byPredicate {
		n += len(e.slots)
	}
	return n
}
