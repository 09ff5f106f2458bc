package internal

import (
	"testing"

	"github.com/horgh/irc"
	"github.com/stretchr/testify/require"
)

// messageIsEqual fails the test unless got is wanted. Params are compared
// in order.
func messageIsEqual(t *testing.T, got, wanted *irc.Message) {
	t.Helper()
	require.NotNil(t, got, "received nil message")
	require.Equal(t, wanted.Prefix, got.Prefix, "prefix of %s", got)
	require.Equal(t, wanted.Command, got.Command, "command of %s", got)
	require.Equal(t, wanted.Params, got.Params, "params of %s", got)
}
