// Package ts6 holds the server and user identifiers used on links.
//
// A SID is 3 characters, [0-9][0-9A-Z]{2}. An ID is 6 characters,
// [A-Z][A-Z0-9]{5}, unique on its server. A UID is SID + ID.
package ts6

import (
	"regexp"

	"github.com/pkg/errors"
)

// SID identifies a server network-wide.
type SID string

// UID identifies a user network-wide.
type UID string

// maxID is 26*36**5, the number of IDs we can give out per run.
const maxID = 1572120576

var (
	sidRE = regexp.MustCompile(`^[0-9][0-9A-Z]{2}$`)
	idRE  = regexp.MustCompile(`^[A-Z][A-Z0-9]{5}$`)
)

// ErrIDOverflow is returned when every ID for a run is used up.
var ErrIDOverflow = errors.New("TS6 ID overflow")

// IsValidSID checks if s is a valid SID.
func IsValidSID(s string) bool { return sidRE.MatchString(s) }

// IsValidID checks if s is a valid ID (the part of a UID after the SID).
func IsValidID(s string) bool { return idRE.MatchString(s) }

// IsValidUID checks if s is a valid UID.
func IsValidUID(s string) bool {
	if len(s) != 9 {
		return false
	}
	return IsValidSID(s[0:3]) && IsValidID(s[3:])
}

// SID returns the server part of the UID.
func (u UID) SID() SID {
	if len(u) < 3 {
		return ""
	}
	return SID(u[0:3])
}

// MakeID converts a per-server counter to an ID by writing it in base 36
// where 0-25 are A-Z and 26-35 are 0-9.
func MakeID(n uint64) (string, error) {
	if n >= maxID {
		return "", ErrIDOverflow
	}

	id := []byte("AAAAAA")
	for pos := 5; pos >= 0; pos-- {
		rem := n % 36
		if rem >= 26 {
			id[pos] = byte(rem - 26 + '0')
		} else {
			id[pos] = byte(rem + 'A')
		}
		n /= 36
		if n == 0 {
			break
		}
	}

	return string(id), nil
}

// MakeUID builds a UID from our SID and a counter.
func MakeUID(sid SID, n uint64) (UID, error) {
	id, err := MakeID(n)
	if err != nil {
		return "", err
	}
	return UID(string(sid) + id), nil
}
