package state

import (
	"sort"
	"strings"
)

// Modes is a set of mode letters.
type Modes map[byte]struct{}

// ParseModes reads a mode string such as +nt. Letters after a - are dropped.
func ParseModes(s string) Modes {
	m := Modes{}
	add := true
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '+':
			add = true
		case '-':
			add = false
		default:
			if add {
				m[s[i]] = struct{}{}
			} else {
				delete(m, s[i])
			}
		}
	}
	return m
}

// Has checks if the mode letter is set.
func (m Modes) Has(c byte) bool {
	_, ok := m[c]
	return ok
}

// String gives the modes as +abc, sorted. Empty modes are "+".
func (m Modes) String() string {
	letters := make([]byte, 0, len(m))
	for c := range m {
		letters = append(letters, c)
	}
	sort.Slice(letters, func(i, j int) bool { return letters[i] < letters[j] })
	return "+" + string(letters)
}

func (m Modes) clone() Modes {
	c := make(Modes, len(m))
	for k := range m {
		c[k] = struct{}{}
	}
	return c
}

// Channel mode classes.
const (
	// ChannelFlagModes take no argument.
	ChannelFlagModes = "imnpst"
	// ChannelMemberModes take a member as argument.
	ChannelMemberModes = "ov"
	// ChannelListModes take a mask as argument.
	ChannelListModes = "be"
	// UserModes are the user modes we know.
	UserModes = "iowS"
)

// ModeChange is one letter of a MODE/TMODE line.
type ModeChange struct {
	Add  bool
	Mode byte
	Arg  string
}

// ParseModeChanges splits a channel mode string and its arguments into
// changes. Letters we don't know are returned separately. Member and list
// modes missing an argument are dropped.
func ParseModeChanges(modes string, args []string) ([]ModeChange, []byte) {
	var changes []ModeChange
	var unknown []byte
	add := true
	for i := 0; i < len(modes); i++ {
		c := modes[i]
		switch {
		case c == '+':
			add = true
		case c == '-':
			add = false
		case strings.IndexByte(ChannelFlagModes, c) != -1:
			changes = append(changes, ModeChange{Add: add, Mode: c})
		case strings.IndexByte(ChannelMemberModes, c) != -1,
			strings.IndexByte(ChannelListModes, c) != -1:
			if len(args) == 0 {
				continue
			}
			changes = append(changes, ModeChange{Add: add, Mode: c, Arg: args[0]})
			args = args[1:]
		default:
			unknown = append(unknown, c)
		}
	}
	return changes, unknown
}

// FormatModeChanges builds the mode string and arguments for changes,
// e.g. +o-v and [a b].
func FormatModeChanges(changes []ModeChange) (string, []string) {
	var sb strings.Builder
	var args []string
	first := true
	var add bool
	for _, c := range changes {
		if first || c.Add != add {
			if c.Add {
				sb.WriteByte('+')
			} else {
				sb.WriteByte('-')
			}
			add = c.Add
			first = false
		}
		sb.WriteByte(c.Mode)
		if c.Arg != "" {
			args = append(args, c.Arg)
		}
	}
	return sb.String(), args
}

// Status is a member's status on a channel.
type Status uint8

// Statuses.
const (
	StatusOp Status = 1 << iota
	StatusVoice
)

// Prefix gives the SJOIN/NAMES prefix characters for the status.
func (s Status) Prefix() string {
	p := ""
	if s&StatusOp != 0 {
		p += "@"
	}
	if s&StatusVoice != 0 {
		p += "+"
	}
	return p
}

// ParseStatusPrefix strips leading @ and + from an SJOIN member.
func ParseStatusPrefix(s string) (Status, string) {
	var st Status
	for len(s) > 0 {
		switch s[0] {
		case '@':
			st |= StatusOp
		case '+':
			st |= StatusVoice
		default:
			return st, s
		}
		s = s[1:]
	}
	return st, s
}

func statusForMode(c byte) Status {
	if c == 'o' {
		return StatusOp
	}
	return StatusVoice
}
