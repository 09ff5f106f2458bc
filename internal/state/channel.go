package state

import (
	"sort"

	"github.com/horgh/meshcat/internal/ts6"
)

// Channel is a channel and its members.
type Channel struct {
	// Name is the name as first created. Lookups are case insensitive.
	Name string

	// TS is the channel's creation time. Lower wins when servers disagree.
	TS int64

	Topic       string
	TopicSetter string
	TopicTS     int64

	Modes Modes

	// Members maps each member to its status. Never empty.
	Members map[ts6.UID]Status

	Bans    []string
	Excepts []string
}

// Member is a user on a channel.
type Member struct {
	UID    ts6.UID
	Status Status
}

// SortedMembers returns the members sorted by UID.
func (c Channel) SortedMembers() []Member {
	members := make([]Member, 0, len(c.Members))
	for uid, st := range c.Members {
		members = append(members, Member{UID: uid, Status: st})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].UID < members[j].UID })
	return members
}

// HasMember checks membership.
func (c Channel) HasMember(uid ts6.UID) bool {
	_, ok := c.Members[uid]
	return ok
}

func (c *Channel) clone() Channel {
	cp := *c
	cp.Modes = c.Modes.clone()
	cp.Members = make(map[ts6.UID]Status, len(c.Members))
	for k, v := range c.Members {
		cp.Members[k] = v
	}
	cp.Bans = append([]string(nil), c.Bans...)
	cp.Excepts = append([]string(nil), c.Excepts...)
	return cp
}

// Join is the result of TryJoinChannel.
type Join struct {
	// Outcome is OK, AlreadyOnChannel, or NoSuchUser.
	Outcome Outcome
	Channel Channel
	Created bool
}

// TryJoinChannel adds a user to a channel, creating it with the given TS if
// it does not exist. The creator is opped when opIfCreated is set. Joining a
// channel the user is already on fails with AlreadyOnChannel.
func (s *State) TryJoinChannel(uid ts6.UID, name string, ts int64, opIfCreated bool) Join {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[uid]
	if !exists {
		return Join{Outcome: NoSuchUser}
	}

	key := CanonicalizeChannel(name)
	ch, exists := s.channels[key]
	created := false
	if !exists {
		ch = &Channel{
			Name:    name,
			TS:      ts,
			Modes:   Modes{},
			Members: map[ts6.UID]Status{},
		}
		created = true
	}

	if _, member := ch.Members[uid]; member {
		return Join{Outcome: AlreadyOnChannel, Channel: ch.clone()}
	}

	var st Status
	if created && opIfCreated {
		st = StatusOp
	}
	ch.Members[uid] = st
	u.Channels[key] = struct{}{}
	if created {
		s.channels[key] = ch
	}

	return Join{Outcome: OK, Channel: ch.clone(), Created: created}
}

// Part is the result of TryPartChannel.
type Part struct {
	// Outcome is OK, NoSuchUser, NoSuchChannel, or NotOnChannel.
	Outcome Outcome

	// Channel is the channel as it was before the part, so the parting user
	// is still a member. It is set even if the channel is now gone.
	Channel Channel

	Destroyed bool
}

// TryPartChannel removes a user from a channel, destroying the channel if
// that leaves it empty.
func (s *State) TryPartChannel(uid ts6.UID, name string) Part {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, exists := s.users[uid]
	if !exists {
		return Part{Outcome: NoSuchUser}
	}

	key := CanonicalizeChannel(name)
	ch, exists := s.channels[key]
	if !exists {
		return Part{Outcome: NoSuchChannel}
	}

	if _, member := ch.Members[uid]; !member {
		return Part{Outcome: NotOnChannel, Channel: ch.clone()}
	}

	before := ch.clone()
	delete(ch.Members, uid)
	delete(u.Channels, key)

	destroyed := false
	if len(ch.Members) == 0 {
		delete(s.channels, key)
		destroyed = true
	}
	return Part{Outcome: OK, Channel: before, Destroyed: destroyed}
}

// ChannelBurst is a channel as another server describes it (SJOIN).
type ChannelBurst struct {
	Name    string
	TS      int64
	Modes   Modes
	Members []Member
}

// Merge is the result of MergeChannel.
type Merge struct {
	// Outcome is OK if anything changed, Duplicate if nothing did, or
	// NoSuchChannel if nothing could be joined to a channel we don't have.
	Outcome Outcome

	Channel Channel
	Created bool

	// Joined lists members that were added, with the status they got.
	Joined []Member

	// Lowered is set when the incoming TS was older than ours. Our modes,
	// list masks and member statuses were dropped in favour of theirs.
	Lowered bool
}

// MergeChannel applies a channel burst. The lower TS wins:
//
// Their TS lower: take their TS and modes, drop our statuses and masks.
// Same TS: union modes, keep everyone's statuses.
// Their TS higher: keep ours, add their members without status.
//
// Members we don't know are skipped. Applying the same burst twice changes
// nothing the second time.
func (s *State) MergeChannel(b ChannelBurst) Merge {
	s.mu.Lock()
	defer s.mu.Unlock()

	var members []Member
	for _, m := range b.Members {
		if _, exists := s.users[m.UID]; exists {
			members = append(members, m)
		}
	}

	key := CanonicalizeChannel(b.Name)
	ch, exists := s.channels[key]
	if !exists {
		if len(members) == 0 {
			return Merge{Outcome: NoSuchChannel}
		}
		ch = &Channel{
			Name:    b.Name,
			TS:      b.TS,
			Modes:   b.Modes.clone(),
			Members: map[ts6.UID]Status{},
		}
		s.channels[key] = ch
		for _, m := range members {
			ch.Members[m.UID] = m.Status
			s.users[m.UID].Channels[key] = struct{}{}
		}
		return Merge{Outcome: OK, Channel: ch.clone(), Created: true, Joined: members}
	}

	changed := false
	lowered := false
	keepStatus := true

	switch {
	case b.TS < ch.TS:
		ch.TS = b.TS
		ch.Modes = b.Modes.clone()
		ch.Bans = nil
		ch.Excepts = nil
		for uid := range ch.Members {
			ch.Members[uid] = 0
		}
		lowered = true
		changed = true
	case b.TS == ch.TS:
		for c := range b.Modes {
			if !ch.Modes.Has(c) {
				ch.Modes[c] = struct{}{}
				changed = true
			}
		}
	default:
		keepStatus = false
	}

	var joined []Member
	for _, m := range members {
		st := m.Status
		if !keepStatus {
			st = 0
		}
		cur, member := ch.Members[m.UID]
		if member {
			if cur|st != cur {
				ch.Members[m.UID] = cur | st
				changed = true
			}
			continue
		}
		ch.Members[m.UID] = st
		s.users[m.UID].Channels[key] = struct{}{}
		joined = append(joined, Member{UID: m.UID, Status: st})
		changed = true
	}

	outcome := Duplicate
	if changed {
		outcome = OK
	}
	return Merge{Outcome: outcome, Channel: ch.clone(), Joined: joined, Lowered: lowered}
}

// SetTopic sets a channel's topic. With burst set the topic is only taken
// if we have none or theirs is older, the way TB works; otherwise it always
// replaces ours. It reports false if nothing changed.
func (s *State) SetTopic(name, topic, setter string, ts int64, burst bool) (Channel, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[CanonicalizeChannel(name)]
	if !exists {
		return Channel{}, false
	}
	if burst && ch.Topic != "" && ts >= ch.TopicTS {
		return ch.clone(), false
	}
	if ch.Topic == topic && ch.TopicSetter == setter && ch.TopicTS == ts {
		return ch.clone(), false
	}

	ch.Topic = topic
	ch.TopicSetter = setter
	ch.TopicTS = ts
	return ch.clone(), true
}

// ApplyChannelModes applies mode changes. A ts of 0 means a local change.
// A remote change with a TS newer than the channel's is ignored and returns
// TSTooNew. Member modes take UIDs. Only the changes that did something are
// returned.
func (s *State) ApplyChannelModes(name string, ts int64, changes []ModeChange) (Channel, []ModeChange, Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[CanonicalizeChannel(name)]
	if !exists {
		return Channel{}, nil, NoSuchChannel
	}
	if ts != 0 && ts > ch.TS {
		return ch.clone(), nil, TSTooNew
	}

	var applied []ModeChange
	for _, c := range changes {
		switch {
		case containsByte(ChannelFlagModes, c.Mode):
			if ch.Modes.Has(c.Mode) == c.Add {
				continue
			}
			if c.Add {
				ch.Modes[c.Mode] = struct{}{}
			} else {
				delete(ch.Modes, c.Mode)
			}
			applied = append(applied, ModeChange{Add: c.Add, Mode: c.Mode})

		case containsByte(ChannelMemberModes, c.Mode):
			uid := ts6.UID(c.Arg)
			cur, member := ch.Members[uid]
			if !member {
				continue
			}
			st := statusForMode(c.Mode)
			next := cur &^ st
			if c.Add {
				next = cur | st
			}
			if next == cur {
				continue
			}
			ch.Members[uid] = next
			applied = append(applied, c)

		case c.Mode == 'b':
			var ok bool
			ch.Bans, ok = updateMasks(ch.Bans, c.Arg, c.Add)
			if ok {
				applied = append(applied, c)
			}

		case c.Mode == 'e':
			var ok bool
			ch.Excepts, ok = updateMasks(ch.Excepts, c.Arg, c.Add)
			if ok {
				applied = append(applied, c)
			}
		}
	}

	outcome := Duplicate
	if len(applied) > 0 {
		outcome = OK
	}
	return ch.clone(), applied, outcome
}

// AddListMasks adds ban (b) or exception (e) masks from a burst. Masks from
// a channel TS newer than ours are ignored. It returns the masks added.
func (s *State) AddListMasks(name string, ts int64, kind byte, masks []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch, exists := s.channels[CanonicalizeChannel(name)]
	if !exists || ts > ch.TS {
		return nil
	}

	var added []string
	for _, mask := range masks {
		var ok bool
		switch kind {
		case 'b':
			ch.Bans, ok = updateMasks(ch.Bans, mask, true)
		case 'e':
			ch.Excepts, ok = updateMasks(ch.Excepts, mask, true)
		}
		if ok {
			added = append(added, mask)
		}
	}
	return added
}

func updateMasks(masks []string, mask string, add bool) ([]string, bool) {
	for i, m := range masks {
		if m != mask {
			continue
		}
		if add {
			return masks, false
		}
		return append(masks[:i:i], masks[i+1:]...), true
	}
	if !add {
		return masks, false
	}
	return append(masks, mask), true
}

// Channel looks up a channel, case insensitively.
func (s *State) Channel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ch, exists := s.channels[CanonicalizeChannel(name)]
	if !exists {
		return Channel{}, false
	}
	return ch.clone(), true
}

// Channels returns every channel sorted by name.
func (s *State) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()

	channels := make([]Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch.clone())
	}
	sort.Slice(channels, func(i, j int) bool {
		return CanonicalizeChannel(channels[i].Name) < CanonicalizeChannel(channels[j].Name)
	})
	return channels
}
