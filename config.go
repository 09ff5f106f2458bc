package main

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/horgh/config"
	"github.com/horgh/meshcat/internal/link"
	"github.com/horgh/meshcat/internal/state"
	"github.com/horgh/meshcat/internal/ts6"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	yaml "gopkg.in/yaml.v3"
)

// Config holds a server's configuration.
type Config struct {
	ListenHost     string
	ListenPort     string
	LinkListenPort string
	ServerName     string
	ServerInfo     string
	Version        string
	CreatedDate    string
	MOTD           string

	MaxNickLength int

	// Period of time to wait before waking a client up to check on it.
	WakeupTime time.Duration

	// Period of time a client can be idle before we send it a PING.
	PingTime time.Duration

	// Period of time a client can be idle before we consider it dead.
	DeadTime time.Duration

	// Oper name to password. The password may be a bcrypt hash.
	Opers map[string]string

	OpersConfig string
	LinksConfig string

	// Peers we link with.
	Peers []link.Peer

	// TS6 SID. Must be unique in the network. Format: [0-9][A-Z0-9]{2}
	TS6SID ts6.SID

	SendQueueSize     int
	LinkSendQueueSize int

	LinkScanInterval     time.Duration
	LinkHandshakeTimeout time.Duration
	LinkBackoffMax       time.Duration
	LinkBackoffExponent  int
	LinkFailureLimit     int

	MsgIDCacheTTL  time.Duration
	MsgIDCacheSize int

	// Lines per second a client may send, and how many it may send at once.
	FloodRate  float64
	FloodBurst int

	LogLevel logrus.Level
	LogJSON  bool

	// Optional. host:port to serve metrics on.
	MetricsListen string

	// Optional. Keep K-lines in Redis rather than memory.
	RedisURL string
}

// linksFile is the layout of the links config.
type linksFile struct {
	Links []link.Peer `yaml:"links"`
}

var requiredKeys = []string{
	"listen-host",
	"listen-port",
	"link-listen-port",
	"server-name",
	"server-info",
	"version",
	"created-date",
	"motd",
	"max-nick-length",
	"wakeup-time",
	"ping-time",
	"dead-time",
	"opers-config",
	"links-config",
	"ts6-sid",
}

// Keys with defaults.
var optionalKeys = map[string]string{
	"sendq-size":             "32768",
	"link-sendq-size":        "65536",
	"link-scan-interval":     "10s",
	"link-handshake-timeout": "30s",
	"link-backoff-max":       "5m",
	"link-backoff-exponent":  "5",
	"link-failure-limit":     "10",
	"msgid-cache-ttl":        "5m",
	"msgid-cache-size":       "100000",
	"flood-rate":             "5",
	"flood-burst":            "20",
	"log-level":              "info",
	"log-json":               "false",
	"metrics-listen":         "",
	"redis-url":              "",
}

// checkAndParseConfig checks configuration keys are present and in an
// acceptable format, and loads the opers and links files it names.
func checkAndParseConfig(file string) (*Config, error) {
	configMap, err := config.ReadStringMap(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read config")
	}

	for _, key := range requiredKeys {
		v, exists := configMap[key]
		if !exists {
			return nil, errors.Errorf("missing required key: %s", key)
		}
		if len(v) == 0 {
			return nil, errors.Errorf("configuration value is blank: %s", key)
		}
	}
	for key, def := range optionalKeys {
		if _, exists := configMap[key]; !exists {
			configMap[key] = def
		}
	}

	c := &Config{
		ListenHost:     configMap["listen-host"],
		ListenPort:     configMap["listen-port"],
		LinkListenPort: configMap["link-listen-port"],
		ServerName:     configMap["server-name"],
		ServerInfo:     configMap["server-info"],
		Version:        configMap["version"],
		CreatedDate:    configMap["created-date"],
		MOTD:           configMap["motd"],
		OpersConfig:    configMap["opers-config"],
		LinksConfig:    configMap["links-config"],
		MetricsListen:  configMap["metrics-listen"],
		RedisURL:       configMap["redis-url"],
	}

	p := configParser{values: configMap}
	c.MaxNickLength = p.int("max-nick-length")
	c.WakeupTime = p.duration("wakeup-time")
	c.PingTime = p.duration("ping-time")
	c.DeadTime = p.duration("dead-time")
	c.SendQueueSize = p.int("sendq-size")
	c.LinkSendQueueSize = p.int("link-sendq-size")
	c.LinkScanInterval = p.duration("link-scan-interval")
	c.LinkHandshakeTimeout = p.duration("link-handshake-timeout")
	c.LinkBackoffMax = p.duration("link-backoff-max")
	c.LinkBackoffExponent = p.int("link-backoff-exponent")
	c.LinkFailureLimit = p.int("link-failure-limit")
	c.MsgIDCacheTTL = p.duration("msgid-cache-ttl")
	c.MsgIDCacheSize = p.int("msgid-cache-size")
	c.FloodRate = p.float("flood-rate")
	c.FloodBurst = p.int("flood-burst")
	c.LogJSON = p.bool("log-json")
	if p.err != nil {
		return nil, p.err
	}

	c.LogLevel, err = logrus.ParseLevel(configMap["log-level"])
	if err != nil {
		return nil, errors.Wrap(err, "log level is not valid")
	}

	if c.MaxNickLength <= 0 {
		return nil, errors.New("max nick length must be positive")
	}
	if c.DeadTime <= c.PingTime {
		return nil, errors.New("dead time must be longer than ping time")
	}

	if !ts6.IsValidSID(configMap["ts6-sid"]) {
		return nil, errors.Errorf("invalid TS6 SID: %s", configMap["ts6-sid"])
	}
	c.TS6SID = ts6.SID(configMap["ts6-sid"])

	c.Opers, err = loadOpers(c.OpersConfig)
	if err != nil {
		return nil, err
	}

	c.Peers, err = loadLinks(c.LinksConfig, c.TS6SID, c.ServerName)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// configParser converts values, keeping the first error.
type configParser struct {
	values map[string]string
	err    error
}

func (p *configParser) int(key string) int {
	v, err := strconv.Atoi(p.values[key])
	if err != nil && p.err == nil {
		p.err = errors.Errorf("%s is not a valid integer: %s", key, p.values[key])
	}
	return v
}

func (p *configParser) float(key string) float64 {
	v, err := strconv.ParseFloat(p.values[key], 64)
	if err != nil && p.err == nil {
		p.err = errors.Errorf("%s is not a valid number: %s", key, p.values[key])
	}
	return v
}

func (p *configParser) bool(key string) bool {
	v, err := strconv.ParseBool(p.values[key])
	if err != nil && p.err == nil {
		p.err = errors.Errorf("%s is not a valid boolean: %s", key, p.values[key])
	}
	return v
}

func (p *configParser) duration(key string) time.Duration {
	v, err := time.ParseDuration(p.values[key])
	if err != nil && p.err == nil {
		p.err = errors.Errorf("%s is in invalid format: %s", key, p.values[key])
	}
	return v
}

func loadOpers(file string) (map[string]string, error) {
	opers, err := config.ReadStringMap(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load opers config")
	}
	return opers, nil
}

// loadLinks reads the links file. Peer names and SIDs must be unique and
// not ours.
func loadLinks(file string, sid ts6.SID, serverName string) ([]link.Peer, error) {
	buf, err := os.ReadFile(file)
	if err != nil {
		return nil, errors.Wrap(err, "unable to load links config")
	}

	var lf linksFile
	if err := yaml.Unmarshal(buf, &lf); err != nil {
		return nil, errors.Wrap(err, "malformed links config")
	}

	names := map[string]struct{}{}
	sids := map[ts6.SID]struct{}{}
	for i, p := range lf.Links {
		if err := checkPeer(p); err != nil {
			return nil, errors.Wrapf(err, "link %d (%s)", i+1, p.Name)
		}

		name := state.CanonicalizeServer(p.Name)
		if name == state.CanonicalizeServer(serverName) || p.SID == sid {
			return nil, errors.Errorf("link %s is this server", p.Name)
		}
		if _, exists := names[name]; exists {
			return nil, errors.Errorf("link %s defined twice", p.Name)
		}
		names[name] = struct{}{}
		if _, exists := sids[p.SID]; exists {
			return nil, errors.Errorf("link SID %s defined twice", p.SID)
		}
		sids[p.SID] = struct{}{}
	}

	return lf.Links, nil
}

func checkPeer(p link.Peer) error {
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("name is required")
	}
	if !ts6.IsValidSID(string(p.SID)) {
		return errors.Errorf("invalid SID: %s", p.SID)
	}
	if p.Password == "" {
		return errors.New("password is required")
	}
	if p.Outbound {
		if p.Host == "" {
			return errors.New("outbound links need a host")
		}
		if p.Port <= 0 || p.Port > 65535 {
			return errors.Errorf("invalid port: %d", p.Port)
		}
	}
	return nil
}
