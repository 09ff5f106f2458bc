package state

import (
	"sort"

	"github.com/horgh/meshcat/internal/ts6"
)

// Server is a server on the network.
type Server struct {
	SID         ts6.SID
	Name        string
	Description string

	// Local is set for our own server.
	Local bool

	// Routes maps each directly linked server we can reach this server
	// through to the path it gave us: the SIDs between us and this server,
	// starting with the linked server itself. A direct link has an empty
	// path. A remote server with no routes is gone.
	Routes map[ts6.SID][]ts6.SID
}

// Route is one way to reach a server.
type Route struct {
	Via  ts6.SID
	Path []ts6.SID
}

// Hops is the hop count of the best route, 0 for us.
func (s Server) Hops() int {
	r, ok := s.BestRoute("")
	if !ok {
		return 0
	}
	return len(r.Path) + 1
}

// BestRoute picks the shortest route that does not pass through avoid. Ties
// go to the lower SID.
func (s Server) BestRoute(avoid ts6.SID) (Route, bool) {
	vias := make([]ts6.SID, 0, len(s.Routes))
	for via := range s.Routes {
		vias = append(vias, via)
	}
	sort.Slice(vias, func(i, j int) bool { return vias[i] < vias[j] })

	var best Route
	found := false
	for _, via := range vias {
		path := s.Routes[via]
		if avoid != "" && (via == avoid || containsSID(path, avoid)) {
			continue
		}
		if !found || len(path) < len(best.Path) {
			best = Route{Via: via, Path: path}
			found = true
		}
	}
	return best, found
}

func (s *Server) clone() Server {
	c := *s
	c.Routes = make(map[ts6.SID][]ts6.SID, len(s.Routes))
	for k, v := range s.Routes {
		c.Routes[k] = append([]ts6.SID(nil), v...)
	}
	return c
}

func containsSID(sids []ts6.SID, sid ts6.SID) bool {
	for _, s := range sids {
		if s == sid {
			return true
		}
	}
	return false
}

// AddServer records a route to srv through the link to via. The path is as
// the linked server gave it; it is empty for the linked server itself. A
// server we did not know is added and the result is OK. For a known server
// the route is added or replaced and the result is Duplicate. Our own SID, a
// path through us, or a SID or name already bound to something else, is a
// Conflict.
func (s *State) AddServer(srv Server, via ts6.SID, path []ts6.SID) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	if srv.SID == s.local || containsSID(path, s.local) {
		return Conflict
	}

	nameKey := CanonicalizeServer(srv.Name)
	if sid, exists := s.names[nameKey]; exists && sid != srv.SID {
		return Conflict
	}

	path = append([]ts6.SID(nil), path...)

	if cur, exists := s.servers[srv.SID]; exists {
		if CanonicalizeServer(cur.Name) != nameKey {
			return Conflict
		}
		cur.Routes[via] = path
		return Duplicate
	}

	srv.Local = false
	srv.Routes = map[ts6.SID][]ts6.SID{via: path}
	s.servers[srv.SID] = &srv
	s.names[nameKey] = srv.SID
	return OK
}

// Split is what a netsplit removed.
type Split struct {
	Servers []Server
	// Users are the removed users, each still listing its channels.
	Users []User
}

// RemoveRoute drops the route through via from the given servers, or from
// every server if none are given. Servers left without a route are removed
// along with all of their users, in one step, so nobody sees a user whose
// server is gone.
func (s *State) RemoveRoute(via ts6.SID, sids ...ts6.SID) Split {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(sids) == 0 {
		for sid := range s.servers {
			sids = append(sids, sid)
		}
	}

	var split Split
	gone := map[ts6.SID]struct{}{}
	for _, sid := range sids {
		srv, exists := s.servers[sid]
		if !exists || srv.Local {
			continue
		}
		delete(srv.Routes, via)
		if len(srv.Routes) > 0 {
			continue
		}
		split.Servers = append(split.Servers, srv.clone())
		gone[sid] = struct{}{}
		delete(s.servers, sid)
		delete(s.names, CanonicalizeServer(srv.Name))
	}

	if len(gone) == 0 {
		return split
	}

	var uids []ts6.UID
	for uid, u := range s.users {
		if _, ok := gone[u.SID]; ok {
			uids = append(uids, uid)
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	for _, uid := range uids {
		split.Users = append(split.Users, s.removeUserLocked(uid))
	}
	sort.Slice(split.Servers, func(i, j int) bool {
		return split.Servers[i].SID < split.Servers[j].SID
	})
	return split
}

// Server looks up a server by SID.
func (s *State) Server(sid ts6.SID) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	srv, exists := s.servers[sid]
	if !exists {
		return Server{}, false
	}
	return srv.clone(), true
}

// ServerByName looks up a server by name, case insensitively.
func (s *State) ServerByName(name string) (Server, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sid, exists := s.names[CanonicalizeServer(name)]
	if !exists {
		return Server{}, false
	}
	return s.servers[sid].clone(), true
}

// Servers returns every server, ours included, sorted by SID.
func (s *State) Servers() []Server {
	s.mu.RLock()
	defer s.mu.RUnlock()

	servers := make([]Server, 0, len(s.servers))
	for _, srv := range s.servers {
		servers = append(servers, srv.clone())
	}
	sort.Slice(servers, func(i, j int) bool { return servers[i].SID < servers[j].SID })
	return servers
}
