// Package route delivers messages to local users.
//
// Delivery is best effort. A user may have gone between the state snapshot
// and delivery, which is not an error. Sinks must not block; a slow sink is
// expected to drop itself rather than hold up the others.
package route

import (
	"sort"
	"sync"

	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
)

// Sink is a local user's connection.
type Sink interface {
	// Deliver queues a message without blocking.
	Deliver(m irc.Message) bool

	// Disconnect closes the connection with an ERROR carrying the reason.
	Disconnect(reason string)
}

// Router knows the sinks of local users.
type Router struct {
	state *state.State

	mu    sync.RWMutex
	sinks map[ts6.UID]Sink
}

// New creates a Router reading memberships from st.
func New(st *state.State) *Router {
	return &Router{
		state: st,
		sinks: map[ts6.UID]Sink{},
	}
}

// Register makes uid reachable.
func (r *Router) Register(uid ts6.UID, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[uid] = s
}

// Unregister forgets uid.
func (r *Router) Unregister(uid ts6.UID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, uid)
}

// Sink finds the sink for a local user.
func (r *Router) Sink(uid ts6.UID) (Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[uid]
	return s, ok
}

// Len is the number of local sinks.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sinks)
}

// ToUser delivers to one local user. It reports whether there was a sink.
func (r *Router) ToUser(uid ts6.UID, m irc.Message) bool {
	s, ok := r.Sink(uid)
	if !ok {
		return false
	}
	s.Deliver(m)
	return true
}

// ToUsers delivers once to each local user in uids.
func (r *Router) ToUsers(uids []ts6.UID, m irc.Message) int {
	sinks := r.collect(uids, "")
	for _, s := range sinks {
		s.Deliver(m)
	}
	return len(sinks)
}

// ToChannel delivers to the local members of a channel, skipping except.
func (r *Router) ToChannel(name string, m irc.Message, except ts6.UID) int {
	ch, ok := r.state.Channel(name)
	if !ok {
		return 0
	}
	return r.ToMembers(ch, m, except)
}

// ToMembers is ToChannel for a channel snapshot the caller already holds,
// such as one returned for a channel that no longer exists.
func (r *Router) ToMembers(ch state.Channel, m irc.Message, except ts6.UID) int {
	uids := make([]ts6.UID, 0, len(ch.Members))
	for uid := range ch.Members {
		uids = append(uids, uid)
	}
	sinks := r.collect(uids, except)
	for _, s := range sinks {
		s.Deliver(m)
	}
	return len(sinks)
}

// ToNeighbours delivers to every local user sharing a channel with uid,
// once each. uid itself gets it too if includeSelf is set.
func (r *Router) ToNeighbours(uid ts6.UID, m irc.Message, includeSelf bool) int {
	uids := r.state.Neighbours(uid)
	if includeSelf {
		uids = append(uids, uid)
	}
	return r.ToUsers(uids, m)
}

// ToFormerNeighbours delivers to the local users still on the channels a
// removed user was on. Use it to tell channels about a quit after the user
// is gone from state.
func (r *Router) ToFormerNeighbours(u state.User, m irc.Message) int {
	var uids []ts6.UID
	for name := range u.Channels {
		ch, ok := r.state.Channel(name)
		if !ok {
			continue
		}
		for uid := range ch.Members {
			uids = append(uids, uid)
		}
	}
	return r.ToUsers(uids, m)
}

// ToLocal delivers to every local user for which keep returns true. A nil
// keep delivers to everyone.
func (r *Router) ToLocal(m irc.Message, keep func(state.User) bool) int {
	r.mu.RLock()
	uids := make([]ts6.UID, 0, len(r.sinks))
	for uid := range r.sinks {
		uids = append(uids, uid)
	}
	r.mu.RUnlock()

	if keep != nil {
		kept := uids[:0]
		for _, uid := range uids {
			u, ok := r.state.User(uid)
			if ok && keep(u) {
				kept = append(kept, uid)
			}
		}
		uids = kept
	}
	return r.ToUsers(uids, m)
}

// ToOpers delivers to local operators.
func (r *Router) ToOpers(m irc.Message) int {
	return r.ToLocal(m, func(u state.User) bool { return u.IsOper() })
}

// Disconnect closes a local user's connection if it is still here.
func (r *Router) Disconnect(uid ts6.UID, reason string) bool {
	s, ok := r.Sink(uid)
	if !ok {
		return false
	}
	s.Disconnect(reason)
	return true
}

// collect looks up the sinks for uids under one read lock, dropping
// duplicates, except, and users that are not local. The order is stable.
func (r *Router) collect(uids []ts6.UID, except ts6.UID) []Sink {
	sorted := append([]ts6.UID(nil), uids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	r.mu.RLock()
	defer r.mu.RUnlock()

	var sinks []Sink
	var last ts6.UID
	for i, uid := range sorted {
		if i > 0 && uid == last {
			continue
		}
		last = uid
		if uid == except {
			continue
		}
		if s, ok := r.sinks[uid]; ok {
			sinks = append(sinks, s)
		}
	}
	return sinks
}
