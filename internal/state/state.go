// Package state is the node's authoritative view of the network: servers,
// users, channels and channel membership.
//
// Every operation takes a single lock and leaves the indexes consistent
// before returning. Values handed out are copies. State does no I/O; telling
// local clients and peer links about changes is up to the caller.
package state

import (
	"sort"
	"strings"
	"sync"

	"github.com/horgh/meshcat/internal/ts6"
)

// Outcome tells a caller what an operation did.
type Outcome int

// Outcomes. OK means state changed.
const (
	OK Outcome = iota
	NickInUse
	UIDInUse
	NoSuchUser
	NoSuchChannel
	NoSuchServer
	AlreadyOnChannel
	NotOnChannel
	Duplicate
	Rejected
	Conflict
	TSTooNew
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case NickInUse:
		return "nick in use"
	case UIDInUse:
		return "UID in use"
	case NoSuchUser:
		return "no such user"
	case NoSuchChannel:
		return "no such channel"
	case NoSuchServer:
		return "no such server"
	case AlreadyOnChannel:
		return "already on channel"
	case NotOnChannel:
		return "not on channel"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	case Conflict:
		return "conflict"
	case TSTooNew:
		return "TS too new"
	}
	return "unknown"
}

// State holds everything we know about the network.
type State struct {
	mu sync.RWMutex

	local ts6.SID

	users    map[ts6.UID]*User
	nicks    map[string]ts6.UID
	channels map[string]*Channel
	servers  map[ts6.SID]*Server
	names    map[string]ts6.SID
}

// New creates the state for a server. The local server is always present
// and never split.
func New(local Server) *State {
	local.Local = true
	local.Routes = map[ts6.SID][]ts6.SID{}

	s := &State{
		local:    local.SID,
		users:    map[ts6.UID]*User{},
		nicks:    map[string]ts6.UID{},
		channels: map[string]*Channel{},
		servers:  map[ts6.SID]*Server{},
		names:    map[string]ts6.SID{},
	}
	s.servers[local.SID] = &local
	s.names[CanonicalizeServer(local.Name)] = local.SID
	return s
}

// LocalSID is our own SID.
func (s *State) LocalSID() ts6.SID { return s.local }

// CanonicalizeNick converts a nick to the form used for uniqueness.
func CanonicalizeNick(n string) string { return strings.ToLower(n) }

// CanonicalizeChannel converts a channel name to the form used for
// uniqueness.
func CanonicalizeChannel(c string) string { return strings.ToLower(c) }

// CanonicalizeServer converts a server name to the form used for uniqueness.
func CanonicalizeServer(n string) string { return strings.ToLower(n) }

// Counts is a point in time tally, for LUSERS and metrics.
type Counts struct {
	Users      int
	LocalUsers int
	Invisible  int
	Opers      int
	Services   int
	Servers    int
	Channels   int
}

// Counts tallies the network.
func (s *State) Counts() Counts {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := Counts{
		Users:    len(s.users),
		Servers:  len(s.servers),
		Channels: len(s.channels),
	}
	for _, u := range s.users {
		if !u.IsRemote {
			c.LocalUsers++
		}
		if u.Modes.Has('i') {
			c.Invisible++
		}
		if u.Modes.Has('o') {
			c.Opers++
		}
		if u.IsService {
			c.Services++
		}
	}
	return c
}

func sortedUIDs(m map[ts6.UID]struct{}) []ts6.UID {
	uids := make([]ts6.UID, 0, len(m))
	for uid := range m {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids
}
