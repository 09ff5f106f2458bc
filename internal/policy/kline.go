// Package policy holds the ban and flood checks consulted by client
// handlers. K-lines are also applied when peers propagate them.
package policy

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/pkg/errors"
)

// KLine bans user@host masks from connecting.
type KLine struct {
	UserMask string    `json:"user_mask"`
	HostMask string    `json:"host_mask"`
	Reason   string    `json:"reason"`
	Setter   string    `json:"setter"`
	Expires  time.Time `json:"expires"`
}

// Key identifies the K-line.
func (k KLine) Key() string { return strings.ToLower(k.UserMask + "@" + k.HostMask) }

// Expired checks the K-line against now. Zero Expires never expires.
func (k KLine) Expired(now time.Time) bool {
	return !k.Expires.IsZero() && !now.Before(k.Expires)
}

// Matches checks a username and host against the masks. Matching is case
// insensitive; * and ? are wildcards.
func (k KLine) Matches(user, host string) bool {
	return matchMask(k.UserMask, user) && matchMask(k.HostMask, host)
}

// ErrBadMask is returned for masks we can't match with.
var ErrBadMask = errors.New("invalid mask")

// ValidMask checks a user or host mask.
func ValidMask(mask string) bool {
	if mask == "" || strings.ContainsAny(mask, " /") {
		return false
	}
	return doublestar.ValidatePattern(strings.ToLower(mask))
}

func matchMask(mask, s string) bool {
	ok, err := doublestar.Match(strings.ToLower(mask), strings.ToLower(s))
	return err == nil && ok
}

// BanStore holds K-lines.
type BanStore interface {
	Add(ctx context.Context, k KLine) error
	Remove(ctx context.Context, userMask, hostMask string) (bool, error)
	List(ctx context.Context) ([]KLine, error)
	Match(ctx context.Context, user, host string) (KLine, bool, error)
}

// MemoryStore keeps K-lines in memory.
type MemoryStore struct {
	mu     sync.Mutex
	klines map[string]KLine
	now    func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		klines: map[string]KLine{},
		now:    time.Now,
	}
}

// Add adds or replaces a K-line.
func (m *MemoryStore) Add(_ context.Context, k KLine) error {
	if !ValidMask(k.UserMask) || !ValidMask(k.HostMask) {
		return ErrBadMask
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klines[k.Key()] = k
	return nil
}

// Remove removes a K-line. It reports whether there was one.
func (m *MemoryStore) Remove(_ context.Context, userMask, hostMask string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := KLine{UserMask: userMask, HostMask: hostMask}.Key()
	if _, exists := m.klines[key]; !exists {
		return false, nil
	}
	delete(m.klines, key)
	return true, nil
}

// List returns the K-lines in force, sorted by mask.
func (m *MemoryStore) List(_ context.Context) ([]KLine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var klines []KLine
	for key, k := range m.klines {
		if k.Expired(now) {
			delete(m.klines, key)
			continue
		}
		klines = append(klines, k)
	}
	sortKLines(klines)
	return klines, nil
}

// Match finds a K-line in force matching user and host.
func (m *MemoryStore) Match(ctx context.Context, user, host string) (KLine, bool, error) {
	klines, err := m.List(ctx)
	if err != nil {
		return KLine{}, false, err
	}
	return firstMatch(klines, user, host)
}

func firstMatch(klines []KLine, user, host string) (KLine, bool, error) {
	for _, k := range klines {
		if k.Matches(user, host) {
			return k, true, nil
		}
	}
	return KLine{}, false, nil
}

func sortKLines(klines []KLine) {
	sort.Slice(klines, func(i, j int) bool { return klines[i].Key() < klines[j].Key() })
}

// MatchMask matches a channel ban or exception mask such as *!*@host
// against nick!user@host.
func MatchMask(mask, s string) bool {
	return matchMask(mask, s)
}
