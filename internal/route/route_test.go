package route

import (
	"sync"
	"testing"

	"github.com/horgh/irc"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu       sync.Mutex
	messages []irc.Message
	reason   string
	full     bool
}

func (f *fakeSink) Deliver(m irc.Message) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.full {
		return false
	}
	f.messages = append(f.messages, m)
	return true
}

func (f *fakeSink) Disconnect(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reason = reason
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.messages)
}

func setup(t *testing.T) (*state.State, *Router, map[ts6.UID]*fakeSink) {
	t.Helper()

	st := state.New(state.Server{SID: "001", Name: "irc1.example.org"})
	require.Equal(t, state.OK, st.AddServer(state.Server{SID: "002", Name: "irc2.example.org"}, "002", nil))
	r := New(st)

	sinks := map[ts6.UID]*fakeSink{}
	users := []struct {
		uid  ts6.UID
		nick string
	}{
		{"001AAAAAA", "a"},
		{"001AAAAAB", "b"},
		{"001AAAAAC", "c"},
		{"002AAAAAA", "remote"},
	}
	for _, u := range users {
		require.True(t, st.TryAddUser(state.User{UID: u.uid, Nick: u.nick, NickTS: 1}))
		if u.uid.SID() == "001" {
			sinks[u.uid] = &fakeSink{}
			r.Register(u.uid, sinks[u.uid])
		}
	}
	return st, r, sinks
}

func TestToChannel(t *testing.T) {
	st, r, sinks := setup(t)
	st.TryJoinChannel("001AAAAAA", "#test", 1, true)
	st.TryJoinChannel("001AAAAAB", "#test", 1, true)
	st.TryJoinChannel("002AAAAAA", "#test", 1, false)

	m := irc.Message{Prefix: "a!u@h", Command: "PRIVMSG", Params: []string{"#test", "hi"}}
	assert.Equal(t, 1, r.ToChannel("#TEST", m, "001AAAAAA"))
	assert.Equal(t, 0, sinks["001AAAAAA"].count())
	assert.Equal(t, 1, sinks["001AAAAAB"].count())
	assert.Equal(t, 0, sinks["001AAAAAC"].count())

	assert.Equal(t, 0, r.ToChannel("#none", m, ""))
}

func TestToNeighboursOnce(t *testing.T) {
	st, r, sinks := setup(t)
	st.TryJoinChannel("001AAAAAA", "#one", 1, true)
	st.TryJoinChannel("001AAAAAB", "#one", 1, true)
	st.TryJoinChannel("001AAAAAA", "#two", 1, true)
	st.TryJoinChannel("001AAAAAB", "#two", 1, true)

	m := irc.Message{Prefix: "a!u@h", Command: "NICK", Params: []string{"aa"}}
	assert.Equal(t, 2, r.ToNeighbours("001AAAAAA", m, true))
	assert.Equal(t, 1, sinks["001AAAAAA"].count())
	assert.Equal(t, 1, sinks["001AAAAAB"].count())
	assert.Equal(t, 0, sinks["001AAAAAC"].count())
}

func TestToUserGone(t *testing.T) {
	_, r, sinks := setup(t)

	m := irc.Message{Command: "NOTICE", Params: []string{"a", "x"}}
	assert.True(t, r.ToUser("001AAAAAA", m))
	r.Unregister("001AAAAAA")
	assert.False(t, r.ToUser("001AAAAAA", m))
	assert.False(t, r.ToUser("002AAAAAA", m))
	assert.Equal(t, 1, sinks["001AAAAAA"].count())
}

func TestSlowSinkDoesNotBlockOthers(t *testing.T) {
	st, r, sinks := setup(t)
	st.TryJoinChannel("001AAAAAA", "#test", 1, true)
	st.TryJoinChannel("001AAAAAB", "#test", 1, true)
	sinks["001AAAAAA"].full = true

	m := irc.Message{Command: "PRIVMSG", Params: []string{"#test", "x"}}
	r.ToChannel("#test", m, "")
	assert.Equal(t, 1, sinks["001AAAAAB"].count())
}

func TestToOpersAndDisconnect(t *testing.T) {
	st, r, sinks := setup(t)
	st.SetUserModes("001AAAAAC", "+o")

	r.ToOpers(irc.Message{Command: "WALLOPS", Params: []string{"x"}})
	assert.Equal(t, 1, sinks["001AAAAAC"].count())
	assert.Equal(t, 0, sinks["001AAAAAA"].count())

	assert.Equal(t, 3, r.ToLocal(irc.Message{Command: "NOTICE", Params: []string{"*", "x"}}, nil))

	assert.True(t, r.Disconnect("001AAAAAB", "Killed"))
	assert.Equal(t, "Killed", sinks["001AAAAAB"].reason)
	assert.False(t, r.Disconnect("002AAAAAA", "Killed"))
}

func TestToFormerNeighbours(t *testing.T) {
	st, r, sinks := setup(t)
	st.TryJoinChannel("002AAAAAA", "#one", 1, false)
	st.TryJoinChannel("001AAAAAA", "#one", 1, true)
	st.TryJoinChannel("002AAAAAA", "#two", 1, false)
	st.TryJoinChannel("001AAAAAA", "#two", 1, true)
	st.TryJoinChannel("001AAAAAB", "#two", 1, true)

	u, ok := st.RemoveUser("002AAAAAA")
	require.True(t, ok)

	m := irc.Message{Prefix: "remote!u@h", Command: "QUIT", Params: []string{"bye"}}
	assert.Equal(t, 2, r.ToFormerNeighbours(u, m))
	assert.Equal(t, 1, sinks["001AAAAAA"].count())
	assert.Equal(t, 1, sinks["001AAAAAB"].count())
}
