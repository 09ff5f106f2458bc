package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/horgh/meshcat/internal/session"
	"github.com/pkg/errors"
)

// 50 from RFC
const maxChannelLength = 50

// Arbitrary. Something low enough we won't hit message limit.
const maxTopicLength = 300

// maxUserLength is the longest username we take. ~ is added on top.
const maxUserLength = 9

// isValidNick checks if a nickname is valid.
func isValidNick(maxLen int, n string) bool {
	if len(n) == 0 || len(n) > maxLen {
		return false
	}

	// TODO: For now I accept only a-z, 0-9, or _. RFC is more lenient.
	for i, char := range strings.ToLower(n) {
		if char >= 'a' && char <= 'z' {
			continue
		}

		if char >= '0' && char <= '9' {
			// No digits in first position.
			if i == 0 {
				return false
			}
			continue
		}

		if char == '_' {
			continue
		}

		return false
	}

	return true
}

// isValidUser checks if a user (USER command) is valid
func isValidUser(maxLen int, u string) bool {
	if len(u) == 0 || len(u) > maxLen {
		return false
	}

	for _, char := range u {
		if char >= 'a' && char <= 'z' {
			continue
		}

		if char >= 'A' && char <= 'Z' {
			continue
		}

		if char >= '0' && char <= '9' {
			continue
		}

		return false
	}

	return true
}

func isValidRealName(s string) bool {
	// Arbitrary. Length only for now.
	return len(s) <= 64
}

// isValidChannel checks a channel name for validity.
func isValidChannel(c string) bool {
	if len(c) < 2 || len(c) > maxChannelLength {
		return false
	}

	for i, char := range strings.ToLower(c) {
		if i == 0 {
			// TODO: Only # channels. & would need to stay off links.
			if char == '#' {
				continue
			}
			return false
		}

		if char >= 'a' && char <= 'z' {
			continue
		}

		if char >= '0' && char <= '9' {
			continue
		}

		if char == '-' || char == '_' {
			continue
		}

		return false
	}

	return true
}

// isValidHost checks a host given to CHGHOST.
func isValidHost(h string) bool {
	if len(h) == 0 || len(h) > 63 {
		return false
	}
	for _, char := range h {
		switch {
		case char >= 'a' && char <= 'z':
		case char >= 'A' && char <= 'Z':
		case char >= '0' && char <= '9':
		case char == '.' || char == '-' || char == ':':
		default:
			return false
		}
	}
	return !strings.HasPrefix(h, ":") && !strings.HasPrefix(h, "-")
}

func isNumericCommand(command string) bool {
	for _, c := range command {
		if c < 48 || c > 57 {
			return false
		}
	}
	return true
}

// errorToQuitMessage turns the reason a client's connection ended into
// what we tell its channels.
func (m *Meshcat) errorToQuitMessage(err error) string {
	if err == nil {
		return "I/O error"
	}

	cause := errors.Cause(err)
	if cause == session.ErrSendQueueExceeded {
		return "SendQ exceeded"
	}
	if cause == io.EOF {
		return "Remote host closed the connection"
	}

	msg := cause.Error()
	if msg == "" {
		return "I/O error"
	}

	if strings.HasSuffix(msg, "i/o timeout") {
		return fmt.Sprintf("Ping timeout: %d seconds", int(m.config().DeadTime.Seconds()))
	}

	if strings.HasSuffix(msg, "connection reset by peer") {
		return "Connection reset by peer"
	}

	return msg
}
