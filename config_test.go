package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/horgh/meshcat/internal/ts6"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testConf = `# test server
listen-host = 127.0.0.1
listen-port = 6667
link-listen-port = 7000
server-name = irc1.example.org
server-info = Test server
version = meshcat-test
created-date = today
motd = hello there
max-nick-length = 9
wakeup-time = 10s
ping-time = 30s
dead-time = 240s
opers-config = opers.conf
links-config = links.yml
ts6-sid = 001
log-level = debug
flood-rate = 2.5
`

const testLinks = `links:
  - name: irc2.example.org
    sid: "002"
    host: 127.0.0.1
    port: 7001
    password: secret
    outbound: true
    user-sync: true
  - name: irc3.example.org
    sid: "003"
    password: other
    accept-password: $2a$10$abcdefghijklmnopqrstuuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ01
`

// writeConfig writes the config files to a temporary directory and returns
// the path of the main one. Relative paths to the opers and links files are
// rewritten to point into the directory.
func writeConfig(t *testing.T, conf, opers, links string) string {
	dir := t.TempDir()
	operPath := filepath.Join(dir, "opers.conf")
	linkPath := filepath.Join(dir, "links.yml")
	conf = strings.Replace(conf, "= opers.conf", "= "+operPath, 1)
	conf = strings.Replace(conf, "= links.yml", "= "+linkPath, 1)

	confPath := filepath.Join(dir, "meshcat.conf")
	require.NoError(t, os.WriteFile(confPath, []byte(conf), 0o600))
	require.NoError(t, os.WriteFile(operPath, []byte(opers), 0o600))
	require.NoError(t, os.WriteFile(linkPath, []byte(links), 0o600))
	return confPath
}

func TestCheckAndParseConfig(t *testing.T) {
	path := writeConfig(t, testConf, "admin = secret\n", testLinks)

	cfg, err := checkAndParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "irc1.example.org", cfg.ServerName)
	assert.Equal(t, ts6.SID("001"), cfg.TS6SID)
	assert.Equal(t, 9, cfg.MaxNickLength)
	assert.Equal(t, 30*time.Second, cfg.PingTime)
	assert.Equal(t, 240*time.Second, cfg.DeadTime)
	assert.Equal(t, logrus.DebugLevel, cfg.LogLevel)
	assert.Equal(t, 2.5, cfg.FloodRate)
	assert.Equal(t, map[string]string{"admin": "secret"}, cfg.Opers)

	// Defaults.
	assert.Equal(t, 10*time.Second, cfg.LinkScanInterval)
	assert.Equal(t, 5*time.Minute, cfg.LinkBackoffMax)
	assert.Equal(t, 20, cfg.FloodBurst)
	assert.False(t, cfg.LogJSON)
	assert.Empty(t, cfg.RedisURL)

	require.Len(t, cfg.Peers, 2)
	assert.Equal(t, "irc2.example.org", cfg.Peers[0].Name)
	assert.Equal(t, ts6.SID("002"), cfg.Peers[0].SID)
	assert.Equal(t, "127.0.0.1:7001", cfg.Peers[0].Address())
	assert.True(t, cfg.Peers[0].Outbound)
	assert.True(t, cfg.Peers[0].UserSync)
	assert.Equal(t, ts6.SID("003"), cfg.Peers[1].SID)
	assert.False(t, cfg.Peers[1].Outbound)
}

func TestCheckAndParseConfigErrors(t *testing.T) {
	tests := []struct {
		name  string
		conf  string
		links string
		err   string
	}{
		{
			name:  "missing key",
			conf:  strings.Replace(testConf, "server-name = irc1.example.org\n", "", 1),
			links: testLinks,
			err:   "missing required key: server-name",
		},
		{
			name:  "blank key",
			conf:  strings.Replace(testConf, "motd = hello there", "motd =", 1),
			links: testLinks,
			err:   "configuration value is blank: motd",
		},
		{
			name:  "bad duration",
			conf:  strings.Replace(testConf, "ping-time = 30s", "ping-time = soon", 1),
			links: testLinks,
			err:   "ping-time is in invalid format",
		},
		{
			name:  "dead before ping",
			conf:  strings.Replace(testConf, "dead-time = 240s", "dead-time = 20s", 1),
			links: testLinks,
			err:   "dead time must be longer than ping time",
		},
		{
			name:  "bad SID",
			conf:  strings.Replace(testConf, "ts6-sid = 001", "ts6-sid = A01", 1),
			links: testLinks,
			err:   "invalid TS6 SID",
		},
		{
			name:  "bad log level",
			conf:  strings.Replace(testConf, "log-level = debug", "log-level = loud", 1),
			links: testLinks,
			err:   "log level is not valid",
		},
		{
			name:  "link is us",
			conf:  testConf,
			links: "links:\n  - {name: irc9.example.org, sid: \"001\", password: x}\n",
			err:   "is this server",
		},
		{
			name: "duplicate SID",
			conf: testConf,
			links: "links:\n  - {name: a.example.org, sid: \"002\", password: x}\n" +
				"  - {name: b.example.org, sid: \"002\", password: x}\n",
			err: "link SID 002 defined twice",
		},
		{
			name: "duplicate name",
			conf: testConf,
			links: "links:\n  - {name: a.example.org, sid: \"002\", password: x}\n" +
				"  - {name: A.example.org, sid: \"003\", password: x}\n",
			err: "defined twice",
		},
		{
			name:  "outbound without host",
			conf:  testConf,
			links: "links:\n  - {name: a.example.org, sid: \"002\", password: x, outbound: true}\n",
			err:   "outbound links need a host",
		},
		{
			name:  "no password",
			conf:  testConf,
			links: "links:\n  - {name: a.example.org, sid: \"002\"}\n",
			err:   "password is required",
		},
		{
			name:  "malformed links",
			conf:  testConf,
			links: "links: [",
			err:   "malformed links config",
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			path := writeConfig(t, test.conf, "admin = secret\n", test.links)
			_, err := checkAndParseConfig(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), test.err)
		})
	}
}

func TestRootCommandVersion(t *testing.T) {
	called := false
	cmd := newRootCommand(func(Args) error {
		called = true
		return nil
	})

	var out strings.Builder
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.False(t, called)
	assert.Contains(t, out.String(), "meshcat version ")
}

func TestRootCommandConfig(t *testing.T) {
	var got Args
	cmd := newRootCommand(func(a Args) error {
		got = a
		return nil
	})

	cmd.SetArgs([]string{"--config", "meshcat.conf"})
	require.NoError(t, cmd.Execute())
	assert.True(t, filepath.IsAbs(got.ConfigFile))
	assert.Equal(t, "meshcat.conf", filepath.Base(got.ConfigFile))

	cmd = newRootCommand(func(Args) error { return nil })
	cmd.SetArgs([]string{})
	assert.Error(t, cmd.Execute())
}
