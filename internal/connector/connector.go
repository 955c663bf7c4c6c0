// Package connector implements SubprocessConnector: one child process
// running the underlying agent CLI, with a line-framed send/receive protocol.
package connector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	appErrors "github.com/orchestra/core/internal/common/errors"
	"github.com/orchestra/core/internal/common/logger"
	v1 "github.com/orchestra/core/pkg/api/v1"
)

// Status is the connector's lifecycle state.
type Status = v1.AgentSessionStatus

const (
	StatusDisconnected  = v1.SessionDisconnected
	StatusConnecting    = v1.SessionConnecting
	StatusConnected     = v1.SessionConnected
	StatusDisconnecting = v1.SessionDisconnecting
	StatusError         = v1.SessionError
)

const keepaliveSentinel = "[KEEPALIVE]"
const resultLinePrefix = `{"type":"result"`

// disconnectGrace is the default time the child is given to exit after
// standard input is closed, before the process tree is force-killed.
const disconnectGrace = 2 * time.Second

// Spec describes how to launch the child process for a connector type.
type Spec struct {
	ConnectorType  string
	RepositoryPath string
	Env            []string
}

// buildCommand returns the executable and argv for a given connector type.
// claude-code is the only type this binary ships a launcher for; unknown
// types fail fast with ConnectorSpawnError.
func buildCommand(spec Spec) (string, []string, error) {
	switch spec.ConnectorType {
	case "claude-code":
		path, err := exec.LookPath("claude")
		if err != nil {
			return "", nil, fmt.Errorf("claude executable not found in PATH: %w", err)
		}
		args := []string{
			"--print",
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		}
		return path, args, nil
	default:
		return "", nil, fmt.Errorf("unknown connector type %q", spec.ConnectorType)
	}
}

// OutputLine is one line of connector output.
type OutputLine struct {
	Text string
}

// commandRequest is a single in-flight sendCommand invocation.
type commandRequest struct {
	text     string
	timeout  time.Duration
	output   chan OutputLine
	result   chan *v1.CommandResult
	fail     chan error
	deadline time.Time
}

// Connection is the interface the Dispatcher depends on; Connector is the
// only production implementation, but the seam lets tests inject a fake
// child process.
type Connection interface {
	Status() Status
	Connect(ctx context.Context) error
	SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- OutputLine) (*v1.CommandResult, error)
	// SendControlFrame writes an out-of-band line directly to the child's
	// stdin, bypassing the single-in-flight-command serialization SendCommand
	// enforces. Used for intervention responses that must reach the child
	// ahead of whatever command is queued next.
	SendControlFrame(payload string) error
	Disconnect() error
}

// Connector owns one child process implementing an agent CLI. All commands
// to the same connector are serialized by sendMu; a second concurrent call
// while one is in flight is rejected with Busy.
type Connector struct {
	AgentID string

	mu     sync.Mutex
	status Status

	spec Spec
	cmd  *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	sendMu  sync.Mutex
	current *commandRequest

	stdinMu sync.Mutex

	logger *logger.Logger

	done chan struct{}
	wg   sync.WaitGroup
}

// New creates a Connector in state Disconnected; Connect must be called
// before SendCommand.
func New(agentID string, spec Spec, log *logger.Logger) *Connector {
	return &Connector{
		AgentID: agentID,
		status:  StatusDisconnected,
		spec:    spec,
		logger:  log.WithFields(zap.String("component", "connector"), zap.String("agent_id", agentID)),
		done:    make(chan struct{}),
	}
}

// Status returns the current lifecycle state.
func (c *Connector) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect spawns the child process. Only valid from Disconnected.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.status != StatusDisconnected {
		c.mu.Unlock()
		return appErrors.InvalidInput("connector not in Disconnected state")
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	executable, args, err := buildCommand(c.spec)
	if err != nil {
		c.setStatus(StatusError)
		return appErrors.ConnectorSpawnError("failed to resolve connector executable", err)
	}

	cmd := exec.Command(executable, args...)
	cmd.Dir = c.spec.RepositoryPath
	cmd.Env = append(os.Environ(), c.spec.Env...)
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.setStatus(StatusError)
		return appErrors.ConnectorSpawnError("failed to open stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.setStatus(StatusError)
		return appErrors.ConnectorSpawnError("failed to open stdout pipe", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		c.setStatus(StatusError)
		return appErrors.ConnectorSpawnError("failed to start connector process", err)
	}

	c.mu.Lock()
	c.cmd = cmd
	c.stdin = stdin
	c.stdout = stdout
	c.status = StatusConnected
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop()

	c.logger.Info("connector connected", zap.Int("pid", cmd.Process.Pid))
	return nil
}

// SendCommand writes commandText to the child and blocks until a result
// frame arrives, timeout elapses, or the connector disconnects. outputCh, if
// non-nil, receives every non-sentinel output line as it arrives.
func (c *Connector) SendCommand(ctx context.Context, commandText string, timeout time.Duration, outputCh chan<- OutputLine) (*v1.CommandResult, error) {
	c.mu.Lock()
	if c.status != StatusConnected {
		c.mu.Unlock()
		return nil, appErrors.InvalidInput("connector not in Connected state")
	}
	c.mu.Unlock()

	if !c.sendMu.TryLock() {
		return nil, appErrors.Busy("connector has a command in flight")
	}
	defer c.sendMu.Unlock()

	req := &commandRequest{
		text:    commandText,
		timeout: timeout,
		output:  make(chan OutputLine, 64),
		result:  make(chan *v1.CommandResult, 1),
		fail:    make(chan error, 1),
	}

	c.mu.Lock()
	c.current = req
	stdin := c.stdin
	c.mu.Unlock()

	c.stdinMu.Lock()
	_, writeErr := io.WriteString(stdin, commandText+"\n")
	c.stdinMu.Unlock()
	if writeErr != nil {
		c.clearCurrent()
		return nil, appErrors.ConnectorSpawnError("failed to write command to connector stdin", writeErr)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case line := <-req.output:
			if outputCh != nil {
				select {
				case outputCh <- line:
				default:
				}
			}
		case result := <-req.result:
			c.clearCurrent()
			return result, nil
		case err := <-req.fail:
			c.clearCurrent()
			return nil, err
		case <-timer.C:
			c.clearCurrent()
			c.killProcessTree()
			return nil, appErrors.Timeout("command exceeded perAgentCommandTimeout")
		case <-c.done:
			c.clearCurrent()
			return nil, appErrors.Cancelled("connector disconnected while command in flight")
		case <-ctx.Done():
			c.clearCurrent()
			return nil, appErrors.Cancelled("caller context cancelled")
		}
	}
}

// SendControlFrame writes payload directly to the child's stdin as its own
// line, independent of any in-flight SendCommand. It does not wait for a
// response; the child is expected to consume it as an out-of-band signal
// before its next regular input line.
func (c *Connector) SendControlFrame(payload string) error {
	c.mu.Lock()
	status := c.status
	stdin := c.stdin
	c.mu.Unlock()

	if status != StatusConnected {
		return appErrors.InvalidInput("connector not in Connected state")
	}

	c.stdinMu.Lock()
	_, err := io.WriteString(stdin, payload+"\n")
	c.stdinMu.Unlock()
	if err != nil {
		return appErrors.ConnectorSpawnError("failed to write control frame to connector stdin", err)
	}
	return nil
}

func (c *Connector) clearCurrent() {
	c.mu.Lock()
	c.current = nil
	c.mu.Unlock()
}

// Disconnect closes stdin, waits disconnectGrace for the child to exit, then
// kills the process tree. Any in-flight SendCommand receives Cancelled.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	if c.status == StatusDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusDisconnecting
	stdin := c.stdin
	cmd := c.cmd
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}

	exited := make(chan struct{})
	if cmd != nil && cmd.Process != nil {
		go func() {
			_ = cmd.Wait()
			close(exited)
		}()
	} else {
		close(exited)
	}

	select {
	case <-exited:
	case <-time.After(disconnectGrace):
		c.killProcessTree()
	}

	close(c.done)
	c.wg.Wait()

	c.setStatus(StatusDisconnected)
	c.logger.Info("connector disconnected")
	return nil
}

func (c *Connector) killProcessTree() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	killProcessGroup(cmd)
}

func (c *Connector) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// readLoop scans stdout line by line, routing the result frame and ordinary
// output lines to whichever commandRequest is currently in flight.
func (c *Connector) readLoop() {
	defer c.wg.Done()

	c.mu.Lock()
	stdout := c.stdout
	c.mu.Unlock()

	scanner := bufio.NewScanner(stdout)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 4*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		trimmed := bytes.TrimSpace(line)
		if string(trimmed) == keepaliveSentinel {
			continue
		}

		c.mu.Lock()
		req := c.current
		c.mu.Unlock()
		if req == nil {
			continue
		}

		if bytes.HasPrefix(trimmed, []byte(resultLinePrefix)) {
			var result v1.CommandResult
			if err := json.Unmarshal(trimmed, &result); err != nil {
				select {
				case req.fail <- fmt.Errorf("failed to parse result frame: %w", err):
				default:
				}
				continue
			}
			select {
			case req.result <- &result:
			default:
			}
			continue
		}

		select {
		case req.output <- OutputLine{Text: string(line)}:
		default:
		}
	}
}

// IsKeepalive reports whether a raw line is the keepalive sentinel, exposed
// for tests exercising the framing contract directly.
func IsKeepalive(line string) bool {
	return strings.TrimSpace(line) == keepaliveSentinel
}

var _ Connection = (*Connector)(nil)
