package state

import (
	"sort"
	"time"

	"github.com/horgh/meshcat/internal/ts6"
)

// User is a local or remote user.
type User struct {
	UID      ts6.UID
	Nick     string
	Username string
	// Host is what others see. It changes with a vHost.
	Host     string
	RealHost string
	// IP is only known for local users. Remote users carry what their server
	// told us, or 0.
	IP       string
	RealName string
	Modes    Modes

	// SID is the user's server. Always the first 3 characters of UID.
	SID ts6.SID

	// NickTS changes whenever the nick does. It decides collisions.
	NickTS     int64
	SignonTime time.Time
	LastActive time.Time

	IsService bool
	IsRemote  bool

	// Channels holds canonical channel names.
	Channels map[string]struct{}
}

// DisplayMask is nick!user@host.
func (u User) DisplayMask() string { return u.Nick + "!" + u.Username + "@" + u.Host }

// IsOper checks for user mode +o.
func (u User) IsOper() bool { return u.Modes.Has('o') }

// ChannelNames returns the user's channels, sorted.
func (u User) ChannelNames() []string {
	names := make([]string, 0, len(u.Channels))
	for n := range u.Channels {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (u *User) clone() User {
	c := *u
	c.Modes = u.Modes.clone()
	c.Channels = make(map[string]struct{}, len(u.Channels))
	for k := range u.Channels {
		c.Channels[k] = struct{}{}
	}
	return c
}

// wins decides a nick collision between a and b. The older nick TS wins. On
// a tie the lower SID wins, then the lower UID.
func wins(a, b *User) bool {
	if a.NickTS != b.NickTS {
		return a.NickTS < b.NickTS
	}
	if a.SID != b.SID {
		return a.SID < b.SID
	}
	return a.UID < b.UID
}

// TryAddUser adds a user if its nick is free.
func (s *State) TryAddUser(u User) bool {
	return s.AddUser(u) == OK
}

// AddUser adds a user. It fails with NickInUse if the nick is taken,
// UIDInUse if the UID is, and NoSuchServer if we don't know its server.
func (s *State) AddUser(u User) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o := s.checkNewUserLocked(&u); o != OK {
		return o
	}
	if _, exists := s.nicks[CanonicalizeNick(u.Nick)]; exists {
		return NickInUse
	}
	s.insertUserLocked(u)
	return OK
}

// Introduction is the result of IntroduceUser.
type Introduction struct {
	// Outcome is OK if the user was added, Duplicate if we already had this
	// UID, Rejected if it lost a nick collision, or NoSuchServer.
	Outcome Outcome

	// Killed is set when the user that held the nick lost and was removed.
	Killed *User
}

// IntroduceUser adds a user arriving from another server. If the nick is
// held the collision is resolved here: the loser is removed (or never added)
// so there is exactly one holder when the lock is released.
func (s *State) IntroduceUser(u User) Introduction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o := s.checkNewUserLocked(&u); o != OK {
		if o == UIDInUse {
			return Introduction{Outcome: Duplicate}
		}
		return Introduction{Outcome: o}
	}

	holderUID, exists := s.nicks[CanonicalizeNick(u.Nick)]
	if !exists {
		s.insertUserLocked(u)
		return Introduction{Outcome: OK}
	}

	holder := s.users[holderUID]
	if !wins(&u, holder) {
		return Introduction{Outcome: Rejected}
	}

	killed := s.removeUserLocked(holderUID)
	s.insertUserLocked(u)
	return Introduction{Outcome: OK, Killed: &killed}
}

func (s *State) checkNewUserLocked(u *User) Outcome {
	if _, exists := s.users[u.UID]; exists {
		return UIDInUse
	}
	u.SID = u.UID.SID()
	if _, exists := s.servers[u.SID]; !exists {
		return NoSuchServer
	}
	return OK
}

func (s *State) insertUserLocked(u User) {
	u.IsRemote = u.SID != s.local
	if u.Modes == nil {
		u.Modes = Modes{}
	}
	u.Channels = map[string]struct{}{}
	if u.RealHost == "" {
		u.RealHost = u.Host
	}
	s.users[u.UID] = &u
	s.nicks[CanonicalizeNick(u.Nick)] = u.UID
}

// RemoveUser removes a user and all of its memberships, destroying channels
// left empty. The returned copy still lists the channels it was on. Removing
// a user that is not there does nothing and returns false.
func (s *State) RemoveUser(uid ts6.UID) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[uid]; !exists {
		return User{}, false
	}
	return s.removeUserLocked(uid), true
}

func (s *State) removeUserLocked(uid ts6.UID) User {
	u := s.users[uid]
	snapshot := u.clone()

	for name := range u.Channels {
		ch, exists := s.channels[name]
		if !exists {
			continue
		}
		delete(ch.Members, uid)
		if len(ch.Members) == 0 {
			delete(s.channels, name)
		}
	}

	delete(s.nicks, CanonicalizeNick(u.Nick))
	delete(s.users, uid)
	return snapshot
}

// Rename is the result of RenameUser.
type Rename struct {
	// Outcome is OK, NickInUse, NoSuchUser, or Rejected when the user being
	// renamed lost a collision and was removed.
	Outcome Outcome

	// Old is the user before the change.
	Old User

	// Killed is whichever user a collision removed.
	Killed *User
}

// RenameUser changes a user's nick. The check that the new nick is free and
// the index swap happen under one lock. With resolve set a held nick is
// treated as a collision and settled the same way as IntroduceUser does;
// without it a held nick fails with NickInUse.
func (s *State) RenameUser(uid ts6.UID, nick string, ts int64, resolve bool) Rename {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[uid]
	if !exists {
		return Rename{Outcome: NoSuchUser}
	}
	old := u.clone()

	newKey := CanonicalizeNick(nick)
	holderUID, held := s.nicks[newKey]
	if held && holderUID != uid {
		if !resolve {
			return Rename{Outcome: NickInUse, Old: old}
		}

		candidate := *u
		candidate.NickTS = ts
		holder := s.users[holderUID]
		if !wins(&candidate, holder) {
			killed := s.removeUserLocked(uid)
			return Rename{Outcome: Rejected, Old: old, Killed: &killed}
		}

		killed := s.removeUserLocked(holderUID)
		s.swapNickLocked(u, nick, ts)
		return Rename{Outcome: OK, Old: old, Killed: &killed}
	}

	s.swapNickLocked(u, nick, ts)
	return Rename{Outcome: OK, Old: old}
}

func (s *State) swapNickLocked(u *User, nick string, ts int64) {
	delete(s.nicks, CanonicalizeNick(u.Nick))
	u.Nick = nick
	u.NickTS = ts
	s.nicks[CanonicalizeNick(nick)] = u.UID
}

// SetUserModes applies a user mode string such as +i-w. It returns the user
// after the change and the changes that took effect, e.g. +i. Letters we
// don't know are skipped.
func (s *State) SetUserModes(uid ts6.UID, modes string) (User, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[uid]
	if !exists {
		return User{}, "", false
	}

	var changes []ModeChange
	add := true
	for i := 0; i < len(modes); i++ {
		c := modes[i]
		switch c {
		case '+':
			add = true
			continue
		case '-':
			add = false
			continue
		}
		if !containsByte(UserModes, c) || u.Modes.Has(c) == add {
			continue
		}
		if add {
			u.Modes[c] = struct{}{}
		} else {
			delete(u.Modes, c)
		}
		if c == 'S' {
			u.IsService = add
		}
		changes = append(changes, ModeChange{Add: add, Mode: c})
	}

	applied, _ := FormatModeChanges(changes)
	return u.clone(), applied, true
}

// SetUserHost changes the host others see.
func (s *State) SetUserHost(uid ts6.UID, host string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[uid]
	if !exists || u.Host == host {
		return User{}, false
	}
	u.Host = host
	return u.clone(), true
}

// TouchUser records activity for idle times.
func (s *State) TouchUser(uid ts6.UID, t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, exists := s.users[uid]; exists {
		u.LastActive = t
	}
}

// User looks up a user by UID.
func (s *State) User(uid ts6.UID) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[uid]
	if !exists {
		return User{}, false
	}
	return u.clone(), true
}

// UserByNick looks up a user by nick, case insensitively.
func (s *State) UserByNick(nick string) (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uid, exists := s.nicks[CanonicalizeNick(nick)]
	if !exists {
		return User{}, false
	}
	return s.users[uid].clone(), true
}

// Users returns every user, sorted by UID.
func (s *State) Users() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u.clone())
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users
}

// UsersOn returns the users on the given servers, sorted by UID.
func (s *State) UsersOn(sids ...ts6.SID) []User {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := map[ts6.SID]struct{}{}
	for _, sid := range sids {
		want[sid] = struct{}{}
	}

	var users []User
	for _, u := range s.users {
		if _, ok := want[u.SID]; ok {
			users = append(users, u.clone())
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].UID < users[j].UID })
	return users
}

// Neighbours returns every user sharing a channel with uid, excluding uid.
func (s *State) Neighbours(uid ts6.UID) []ts6.UID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, exists := s.users[uid]
	if !exists {
		return nil
	}

	seen := map[ts6.UID]struct{}{}
	for name := range u.Channels {
		ch, exists := s.channels[name]
		if !exists {
			continue
		}
		for member := range ch.Members {
			if member != uid {
				seen[member] = struct{}{}
			}
		}
	}
	return sortedUIDs(seen)
}

func containsByte(s string, c byte) bool {
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			return true
		}
	}
	return false
}
