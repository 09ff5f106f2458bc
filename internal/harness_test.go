package internal

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"
)

// Meshcat holds information about a harnessed meshcat.
type Meshcat struct {
	Name      string
	SID       string
	Port      uint16
	LinkPort  uint16
	Stderr    io.ReadCloser
	Stdout    io.ReadCloser
	Command   *exec.Cmd
	WaitGroup *sync.WaitGroup
	ConfigDir string
	LogChan   <-chan string
}

func harnessMeshcat(name, sid string) (*Meshcat, error) {
	if err := buildMeshcat(); err != nil {
		return nil, fmt.Errorf("error building meshcat: %s", err)
	}

	meshcat, err := startMeshcat(name, sid)
	if err != nil {
		return nil, fmt.Errorf("error starting meshcat: %s", err)
	}

	var wg sync.WaitGroup

	logChan := make(chan string, 1024)

	wg.Add(1)
	go logReader(&wg, fmt.Sprintf("%s stderr", name), meshcat.Stderr, logChan)

	wg.Add(1)
	go logReader(&wg, fmt.Sprintf("%s stdout", name), meshcat.Stdout, logChan)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := meshcat.Command.Wait(); err != nil {
			log.Printf("meshcat exited: %s", err)
		}
	}()

	meshcat.WaitGroup = &wg
	meshcat.LogChan = logChan

	// It is important to wait for meshcat to fully start. If we don't, then
	// certain things we do in tests will not work well. For example, trying to
	// reload the conf by sending a SIGHUP will kill the process.
	if !waitForLog(logChan, regexp.MustCompile(`Listening for clients on`)) {
		meshcat.stop()
		return nil, fmt.Errorf("error waiting for meshcat to start")
	}

	return meshcat, nil
}

var (
	buildOnce sync.Once
	binary    string
	buildErr  error
)

// buildMeshcat builds the daemon once per test run. The module root is the
// parent of this directory.
func buildMeshcat() error {
	buildOnce.Do(func() {
		dir, err := os.MkdirTemp("", "meshcat-bin-")
		if err != nil {
			buildErr = fmt.Errorf("error making build directory: %s", err)
			return
		}
		binary = filepath.Join(dir, "meshcat")

		cmd := exec.Command("go", "build", "-o", binary, ".")
		cmd.Dir = ".."

		log.Printf("Running %s in [%s]...", cmd.Args, cmd.Dir)
		output, err := cmd.CombinedOutput()
		if err != nil {
			buildErr = fmt.Errorf("error building meshcat: %s: %s", err, output)
		}
	})
	return buildErr
}

func startMeshcat(name, sid string) (*Meshcat, error) {
	tmpDir, err := os.MkdirTemp("", "meshcat-")
	if err != nil {
		return nil, fmt.Errorf("error retrieving a temporary directory: %s", err)
	}

	port, err := getRandomPort()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}
	linkPort, err := getRandomPort()
	if err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}

	meshcat := &Meshcat{
		Name:      name,
		SID:       sid,
		Port:      port,
		LinkPort:  linkPort,
		ConfigDir: tmpDir,
	}

	if err := meshcat.writeConf(nil); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, err
	}

	if err := meshcat.run(); err != nil {
		_ = os.RemoveAll(tmpDir)
		return nil, fmt.Errorf("error running meshcat: %s", err)
	}

	return meshcat, nil
}

// getRandomPort finds a free port. Someone else could take it before the
// server listens on it, but that is unlikely.
func getRandomPort() (uint16, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:")
	if err != nil {
		return 0, fmt.Errorf("error opening a random port: %s", err)
	}
	defer func() {
		_ = ln.Close()
	}()

	addr := ln.Addr().String()
	colonIndex := strings.LastIndex(addr, ":")
	port, err := strconv.ParseUint(addr[colonIndex+1:], 10, 16)
	if err != nil {
		return 0, fmt.Errorf("error parsing port: %s", err)
	}

	return uint16(port), nil
}

func (m *Meshcat) run() error {
	cmd := exec.Command(binary, "--config", filepath.Join(m.ConfigDir, "meshcat.conf"))

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("error retrieving stderr pipe: %s", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stderr.Close()
		return fmt.Errorf("error retrieving stdout pipe: %s", err)
	}

	if err := cmd.Start(); err != nil {
		_ = stderr.Close()
		_ = stdout.Close()
		return fmt.Errorf("error starting: %s", err)
	}

	m.Command = cmd
	m.Stderr = stderr
	m.Stdout = stdout
	return nil
}

// peerConf is one entry in a links config.
type peerConf struct {
	other    *Meshcat
	outbound bool
}

func (m *Meshcat) writeConf(peers []peerConf) error {
	opersConf := filepath.Join(m.ConfigDir, "opers.conf")
	linksConf := filepath.Join(m.ConfigDir, "links.yml")

	conf := fmt.Sprintf(`listen-host = 127.0.0.1
listen-port = %d
link-listen-port = %d
server-name = %s
server-info = Test server %s
version = meshcat-test
created-date = today
motd = Hello
max-nick-length = 9
wakeup-time = 1s
ping-time = 30s
dead-time = 60s
opers-config = %s
links-config = %s
ts6-sid = %s
link-scan-interval = 100ms
link-backoff-max = 1s
log-level = info
`, m.Port, m.LinkPort, m.Name, m.Name, opersConf, linksConf, m.SID)

	if err := os.WriteFile(filepath.Join(m.ConfigDir, "meshcat.conf"), []byte(conf),
		0o644); err != nil {
		return fmt.Errorf("error writing conf: %s: %s", m.Name, err)
	}

	if err := os.WriteFile(opersConf, []byte("admin = testing\n"), 0o644); err != nil {
		return fmt.Errorf("error writing opers conf: %s: %s", m.Name, err)
	}

	links := "links:\n"
	for _, p := range peers {
		links += fmt.Sprintf(`  - name: %s
    sid: "%s"
    host: 127.0.0.1
    port: %d
    password: testing
    outbound: %t
    user-sync: true
`, p.other.Name, p.other.SID, p.other.LinkPort, p.outbound)
	}
	if len(peers) == 0 {
		links = "links: []\n"
	}

	if err := os.WriteFile(linksConf, []byte(links), 0o644); err != nil {
		return fmt.Errorf("error writing links conf: %s: %s", m.Name, err)
	}

	return nil
}

func logReader(
	wg *sync.WaitGroup,
	prefix string,
	r io.Reader,
	ch chan<- string,
) {
	defer wg.Done()

	scanner := bufio.NewScanner(r)

	for scanner.Scan() {
		line := scanner.Text()
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		log.Printf("%s: %s", prefix, line)

		select {
		case ch <- line:
		default:
		}
	}

	if err := scanner.Err(); err != nil {
		log.Printf("error scanning: %s", err)
	}
}

func (m *Meshcat) stop() {
	if err := m.Command.Process.Kill(); err != nil {
		log.Printf("error killing meshcat: %s", err)
	}
	m.WaitGroup.Wait()

	if err := os.RemoveAll(m.ConfigDir); err != nil {
		log.Printf("error cleaning up temporary directory: %s", err)
	}
}

// linkServer adds other to our links and rehashes. With outbound set we
// dial it.
func (m *Meshcat) linkServer(other *Meshcat, outbound bool) error {
	if err := m.writeConf([]peerConf{{other: other, outbound: outbound}}); err != nil {
		return err
	}

	if err := m.Command.Process.Signal(syscall.SIGHUP); err != nil {
		return fmt.Errorf("error sending SIGHUP: %s", err)
	}

	return nil
}

func waitForLog(ch <-chan string, re *regexp.Regexp) bool {
	timeoutChan := time.After(10 * time.Second)

	for {
		select {
		case s := <-ch:
			if re.MatchString(s) {
				return true
			}
		case <-timeoutChan:
			return false
		}
	}
}
