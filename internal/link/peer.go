package link

import (
	"crypto/subtle"
	"net"
	"strconv"
	"strings"

	"github.com/horgh/meshcat/internal/ts6"
	"golang.org/x/crypto/bcrypt"
)

// Peer is a server we may link with.
type Peer struct {
	Name string  `yaml:"name"`
	SID  ts6.SID `yaml:"sid"`
	Host string  `yaml:"host"`
	Port int     `yaml:"port"`

	// Password is what we send.
	Password string `yaml:"password"`

	// AcceptPassword is what we expect to receive, plain or a bcrypt hash.
	// Password is used if it is blank.
	AcceptPassword string `yaml:"accept-password"`

	// Outbound peers are dialed by us.
	Outbound bool `yaml:"outbound"`

	// UserSync enables bursting and relaying users and channels. Both sides
	// must enable it.
	UserSync bool `yaml:"user-sync"`
}

// Address is host:port.
func (p Peer) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// CheckPassword checks a password a peer sent us.
func (p Peer) CheckPassword(given string) bool {
	want := p.AcceptPassword
	if want == "" {
		want = p.Password
	}
	return checkPassword(want, given)
}

func checkPassword(want, given string) bool {
	if isBcryptHash(want) {
		return bcrypt.CompareHashAndPassword([]byte(want), []byte(given)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(given)) == 1
}

func isBcryptHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") ||
		strings.HasPrefix(s, "$2y$")
}

// CheckPassword compares a password against a plain or bcrypt hashed one.
// It is exported for oper passwords.
func CheckPassword(want, given string) bool { return checkPassword(want, given) }
