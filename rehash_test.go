package main

import (
	"context"
	"io"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func hasEntry(hook *logtest.Hook, prefix string) bool {
	for _, e := range hook.AllEntries() {
		if strings.HasPrefix(e.Message, prefix) {
			return true
		}
	}
	return false
}

func TestRehashAppliesTunables(t *testing.T) {
	path := writeConfig(t, testConf, "admin = secret\n", testLinks)
	cfg, err := checkAndParseConfig(path)
	require.NoError(t, err)

	m, err := newMeshcat(cfg, path)
	require.NoError(t, err)
	m.log.Logger.SetOutput(io.Discard)

	buf, err := os.ReadFile(path)
	require.NoError(t, err)
	buf = []byte(strings.Replace(string(buf), "listen-port = 6667", "listen-port = 7777", 1))
	buf = append(buf, []byte(`link-scan-interval = 3s
link-handshake-timeout = 7s
link-backoff-max = 2m
link-failure-limit = 4
msgid-cache-size = 50
`)...)
	require.NoError(t, os.WriteFile(path, buf, 0o600))

	require.NoError(t, m.rehash())

	oc := m.manager.Config()
	assert.Equal(t, 3*time.Second, oc.ScanInterval)
	assert.Equal(t, 2*time.Minute, oc.BackoffMax)
	assert.Equal(t, 4, oc.FailureLimit)
	assert.Equal(t, 7*time.Second, m.engine.HandshakeTimeout())
	assert.Equal(t, 50, m.config().MsgIDCacheSize)
	assert.Equal(t, "6667", m.config().ListenPort, "listeners stay as started")
}

func TestSIGHUPAfterListeningRehashes(t *testing.T) {
	conf := strings.NewReplacer(
		"listen-port = 6667", "listen-port = 0",
		"link-listen-port = 7000", "link-listen-port = 0",
	).Replace(testConf)
	path := writeConfig(t, conf, "admin = secret\n", "links: []\n")
	cfg, err := checkAndParseConfig(path)
	require.NoError(t, err)

	m, err := newMeshcat(cfg, path)
	require.NoError(t, err)
	m.log.Logger.SetOutput(io.Discard)
	hook := logtest.NewLocal(m.log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.start(ctx) }()

	require.Eventually(t, func() bool { return hasEntry(hook, "Listening for clients") },
		waitFor, tick)

	// The first line a supervisor can act on is the one above, so the
	// handler must already be installed.
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	require.Eventually(t, func() bool { return hasEntry(hook, "Rehashed") }, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("server did not stop")
	}
}
