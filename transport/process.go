package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/latticehq/lattice-core/logger"
)

// stopGracePeriod is how long Close waits for the process to exit after
// stdin is closed before force-killing it.
const stopGracePeriod = 2 * time.Second

// readResult holds the result of a read operation for cancellation handling.
type readResult struct {
	line string
	err  error
}

// ProcessConfig holds the configuration for spawning an agent process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the parent environment
	Dir     string
}

// ProcessTransport spawns an agent executable and exchanges newline-delimited
// records over its stdin/stdout. Stderr is drained separately and attached to
// the exit fault. There is no spawn timeout; a missing or broken executable
// surfaces through the spawn error or the process's own exit signal.
type ProcessTransport struct {
	config ProcessConfig
	log    *slog.Logger

	// Process state (protected by mu)
	mu            sync.Mutex
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	stdout        *bufio.Reader
	stderr        io.ReadCloser
	stderrContent string
	stderrDone    chan struct{}
	running       bool

	// waitDone is closed by monitorExit when cmd.Wait() completes.
	// Close() selects on this channel instead of calling cmd.Wait() again,
	// preventing undefined behavior from double Wait().
	waitDone chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	records chan []byte
	faults  chan error
}

// NewProcessTransport creates a transport that will spawn the configured
// command on Start.
func NewProcessTransport(config ProcessConfig) *ProcessTransport {
	return &ProcessTransport{
		config:  config,
		log:     logger.WithComponent("ProcessTransport"),
		records: make(chan []byte, 64),
		faults:  make(chan error, 16),
	}
}

// Start spawns the agent process and begins reading records. A missing
// executable is reported synchronously as the spawn error.
func (pt *ProcessTransport) Start(ctx context.Context) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if pt.running {
		return nil
	}

	pt.log.Info("starting agent process", "command", pt.config.Command)
	startTime := time.Now()

	cmd := exec.Command(pt.config.Command, pt.config.Args...)
	cmd.Dir = pt.config.Dir
	if len(pt.config.Env) > 0 {
		cmd.Env = append(os.Environ(), pt.config.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		pt.log.Error("failed to get stdin pipe", "error", err)
		return fmt.Errorf("failed to get stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		pt.log.Error("failed to get stdout pipe", "error", err)
		return fmt.Errorf("failed to get stdout pipe: %w", err)
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		pt.log.Error("failed to get stderr pipe", "error", err)
		return fmt.Errorf("failed to get stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		pt.log.Error("failed to start process", "command", pt.config.Command, "error", err)
		return fmt.Errorf("failed to start %s: %w", pt.config.Command, err)
	}

	pt.cmd = cmd
	pt.stdin = stdin
	pt.stdout = bufio.NewReader(stdout)
	pt.stderr = stderr
	pt.stderrContent = ""
	pt.stderrDone = make(chan struct{})
	pt.waitDone = make(chan struct{})
	pt.running = true

	if pt.cancel != nil {
		pt.cancel()
	}
	pt.ctx, pt.cancel = context.WithCancel(context.WithoutCancel(ctx))

	pt.log.Info("agent process started", "elapsed", time.Since(startTime), "pid", cmd.Process.Pid)

	pt.wg.Add(3)
	go func() {
		defer pt.wg.Done()
		pt.readOutput()
	}()
	go func() {
		defer pt.wg.Done()
		pt.drainStderr()
	}()
	go func() {
		defer pt.wg.Done()
		pt.monitorExit()
	}()

	return nil
}

// Send writes one record to the process stdin, appending the newline frame.
func (pt *ProcessTransport) Send(record []byte) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	if !pt.running || pt.stdin == nil {
		return ErrNotRunning
	}

	framed := normalizeRecord(record)
	if _, err := pt.stdin.Write(framed); err != nil {
		return fmt.Errorf("writing to agent stdin: %w", err)
	}
	return nil
}

// Records returns the inbound record stream.
func (pt *ProcessTransport) Records() <-chan []byte {
	return pt.records
}

// Faults returns the asynchronous fault stream.
func (pt *ProcessTransport) Faults() <-chan error {
	return pt.faults
}

// Close stops the process: stdin is closed to signal EOF, and if the process
// has not exited within the grace period it is killed. Safe to call more
// than once.
func (pt *ProcessTransport) Close() error {
	pt.mu.Lock()
	wasRunning := pt.running

	if pt.cancel != nil {
		pt.cancel()
		pt.cancel = nil
	}

	if !wasRunning {
		pt.mu.Unlock()
		return nil
	}

	pt.log.Debug("stopping agent process")

	// Mark as not running immediately so monitorExit treats the exit as
	// expected and concurrent Close calls skip cleanup
	pt.running = false

	if pt.stdin != nil {
		pt.stdin.Close()
		pt.stdin = nil
	}

	cmd := pt.cmd
	waitDone := pt.waitDone
	pt.mu.Unlock()

	// monitorExit is the sole caller of cmd.Wait() and closes waitDone when
	// it finishes. Waiting on the channel here avoids a second Wait().
	if cmd != nil && cmd.Process != nil && waitDone != nil {
		select {
		case <-waitDone:
			pt.log.Debug("agent process exited gracefully")
		case <-time.After(stopGracePeriod):
			pt.log.Debug("force killing agent process")
			cmd.Process.Kill()
			<-waitDone
		}
	}

	pt.wg.Wait()

	pt.mu.Lock()
	if pt.stderr != nil {
		pt.stderr.Close()
		pt.stderr = nil
	}
	pt.cmd = nil
	pt.stdout = nil
	pt.mu.Unlock()

	return nil
}

func (pt *ProcessTransport) readOutput() {
	for {
		select {
		case <-pt.ctx.Done():
			return
		default:
		}

		pt.mu.Lock()
		running := pt.running
		reader := pt.stdout
		pt.mu.Unlock()

		if !running || reader == nil {
			return
		}

		line, err := pt.readLine(reader)
		if err != nil {
			select {
			case <-pt.ctx.Done():
				return
			default:
			}

			// A final record can arrive without its line break when the
			// process exits right after writing. Complete and deliver it
			// before winding down.
			if strings.TrimSpace(line) != "" {
				select {
				case pt.records <- normalizeRecord([]byte(line)):
				case <-pt.ctx.Done():
					return
				}
			}

			if err == io.EOF {
				pt.log.Debug("EOF on stdout - agent process exited")
			} else {
				pt.log.Debug("error reading stdout", "error", err)
			}
			// Exit is reported by monitorExit
			return
		}

		if strings.TrimSpace(line) == "" {
			continue
		}

		select {
		case pt.records <- normalizeRecord([]byte(line)):
		case <-pt.ctx.Done():
			return
		}
	}
}

// readLine reads a line, blocking until data arrives while staying
// cancellable. The spawned goroutine cannot itself be interrupted, but the
// buffered channel lets it finish and exit after the pipe closes, and the
// select below returns promptly on cancellation.
func (pt *ProcessTransport) readLine(reader *bufio.Reader) (string, error) {
	resultCh := make(chan readResult, 1)

	go func() {
		line, err := reader.ReadString('\n')
		resultCh <- readResult{line: line, err: err}
	}()

	select {
	case <-pt.ctx.Done():
		return "", pt.ctx.Err()
	case result := <-resultCh:
		return result.line, result.err
	}
}

// drainStderr captures stderr so it can be attached to the exit fault.
// It must run concurrently with the process so the pipe is consumed before
// cmd.Wait() closes it.
func (pt *ProcessTransport) drainStderr() {
	defer close(pt.stderrDone)

	pt.mu.Lock()
	stderr := pt.stderr
	pt.mu.Unlock()

	if stderr == nil {
		return
	}

	stderrBytes, err := io.ReadAll(stderr)
	if err != nil {
		pt.log.Debug("error reading stderr", "error", err)
		return
	}
	if len(stderrBytes) > 0 {
		pt.mu.Lock()
		pt.stderrContent = strings.TrimSpace(string(stderrBytes))
		pt.mu.Unlock()
		pt.log.Debug("captured stderr", "content", strings.TrimSpace(string(stderrBytes)))
	}
}

// monitorExit waits for the process to exit. It is the sole caller of
// cmd.Wait(); Close() coordinates through the waitDone channel.
func (pt *ProcessTransport) monitorExit() {
	pt.mu.Lock()
	cmd := pt.cmd
	waitDone := pt.waitDone
	stderrDone := pt.stderrDone
	pt.mu.Unlock()

	if cmd == nil {
		if waitDone != nil {
			close(waitDone)
		}
		return
	}

	err := cmd.Wait()
	if waitDone != nil {
		close(waitDone)
	}

	pt.mu.Lock()
	wasRunning := pt.running
	pt.running = false
	pt.mu.Unlock()

	if !wasRunning {
		// Expected exit during Close
		return
	}

	// Let drainStderr finish so the fault carries the diagnostic output
	select {
	case <-stderrDone:
	case <-time.After(time.Second):
	}

	pt.mu.Lock()
	stderrContent := pt.stderrContent
	pt.mu.Unlock()

	exitErr := &ExitError{Code: exitCode(err), Stderr: stderrContent}
	pt.log.Warn("agent process exited unexpectedly", "code", exitErr.Code, "stderr", stderrContent)

	select {
	case pt.faults <- exitErr:
	case <-pt.ctx.Done():
	}
}

// exitCode extracts the process exit code from cmd.Wait()'s error. A signal
// death maps to 128+signal, matching shell convention.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return 128 + int(status.Signal())
		}
		return exitErr.ExitCode()
	}
	return -1
}
