// Package shellchan implements the Shell Channel: a single, long-lived
// interactive bash process that the Event Dispatcher drives one command at
// a time. Unlike a one-shot exec.CommandContext per command, the channel
// keeps bash's own state (cwd, shell variables, aliases) alive across
// calls, and tracks whether the command it just ran is still busy by
// polling the shell's child processes by PID rather than trusting a single
// end-of-output sentinel.
package shellchan

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/dustin/go-humanize"
	"github.com/oklog/ulid/v2"

	"devonloop.dev/shellchan/bashkit"
)

// TimeoutError is returned by Execute when a command does not finish (and
// leaves no enumerable children still running) before the requested
// timeout elapses.
type TimeoutError struct {
	Command string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("command timed out after %s: %s", e.Timeout, e.Command)
}

// ShellExitedError is returned by Execute (and any other channel method)
// once the underlying bash process has exited, e.g. because the agent ran
// `exit` directly.
type ShellExitedError struct {
	Err error
}

func (e *ShellExitedError) Error() string {
	if e.Err == nil {
		return "shell channel exited"
	}
	return fmt.Sprintf("shell channel exited: %v", e.Err)
}

func (e *ShellExitedError) Unwrap() error { return e.Err }

const maxOutputLength = 131072

// pollInterval is how often Execute's wait loop wakes up, mirroring the
// cadence loop/port_monitor.go uses for its own background polling ticker.
const pollInterval = 50 * time.Millisecond

// drainGrace is how long Execute waits after the sentinel line appears
// before returning. Output the shell writes after the sentinel is not added
// to that call's Result.
const drainGrace = 200 * time.Millisecond

// Channel is one interactive bash process, addressable one command at a
// time. The zero value is not usable; construct with Open.
type Channel struct {
	mu sync.Mutex

	cmd    *exec.Cmd
	pty    *os.File
	reader *bufio.Reader

	pid int

	exited   bool
	exitErr  error
	exitOnce sync.Once
	waitDone chan struct{}
}

// Open starts a new interactive bash shell rooted at dir. If dir is empty
// the shell inherits the caller's working directory.
func Open(ctx context.Context, dir string) (*Channel, error) {
	cmd := exec.Command("bash", "--noprofile", "--norc")
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = scrubEnv(os.Environ())

	f, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("shellchan: starting shell: %w", err)
	}

	c := &Channel{
		cmd:      cmd,
		pty:      f,
		reader:   bufio.NewReader(f),
		pid:      cmd.Process.Pid,
		waitDone: make(chan struct{}),
	}

	go c.wait()

	return c, nil
}

// scrubEnv strips DEVONLOOP_* variables from the child's environment
// (except DEVONLOOP_SESSION_ID, which tools are allowed to read), the way
// bash.go strips SKETCH_* but keeps SKETCH_PROXY_ID.
func scrubEnv(env []string) []string {
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, "DEVONLOOP_") && !strings.HasPrefix(kv, "DEVONLOOP_SESSION_ID=") {
			continue
		}
		out = append(out, kv)
	}
	return append(out, "DEVONLOOP=1")
}

func (c *Channel) wait() {
	err := c.cmd.Wait()
	c.exitOnce.Do(func() {
		c.mu.Lock()
		c.exited = true
		c.exitErr = err
		c.mu.Unlock()
		close(c.waitDone)
	})
}

// Pid returns the shell process's PID.
func (c *Channel) Pid() int { return c.pid }

// Close terminates the shell's process group and releases the pty.
func (c *Channel) Close() error {
	if c.cmd.Process != nil {
		_ = syscall.Kill(-c.pid, syscall.SIGKILL)
	}
	err := c.pty.Close()
	<-c.waitDone
	return err
}

// Result is the outcome of a single Execute call.
type Result struct {
	Output   string
	ExitCode int
	TimedOut bool
}

// Execute runs command in the shell and waits for it to complete, up to
// timeout. Completion is detected two ways: the shell printing a unique
// sentinel line once the command's own exit status is known, AND (as a
// safety net for commands that background a detached grandchild before
// bash's own prompt returns) the absence of any child processes still
// attached to the shell's PID. If timeout elapses while children are still
// running, Execute returns a *TimeoutError without killing anything — the
// command and its children are left running, exactly as spec requires for
// a long-lived channel shared across calls.
func (c *Channel) Execute(ctx context.Context, command string, timeout time.Duration) (Result, error) {
	c.mu.Lock()
	if c.exited {
		err := c.exitErr
		c.mu.Unlock()
		return Result{}, &ShellExitedError{Err: err}
	}
	c.mu.Unlock()

	if err := bashkit.Check(command); err != nil {
		return Result{}, err
	}

	sentinel := "__devonloop_" + ulid.Make().String() + "__"

	// Run the command, then print the sentinel followed by its own exit
	// status, so Execute can find exactly where output ends without
	// guessing at a fixed marker the command's own output might contain.
	fmt.Fprintf(c.pty, "%s\necho \"%s $?\"\n", command, sentinel)

	type lineResult struct {
		output   string
		exitCode int
		err      error
	}
	lineCh := make(chan lineResult, 1)

	go func() {
		var out strings.Builder
		for {
			line, err := c.reader.ReadString('\n')
			if line != "" {
				if code, ok := parseSentinelLine(line, sentinel); ok {
					lineCh <- lineResult{output: out.String(), exitCode: code}
					return
				}
				out.WriteString(line)
			}
			if err != nil {
				lineCh <- lineResult{output: out.String(), err: err}
				return
			}
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case lr := <-lineCh:
			if lr.err != nil {
				c.exitOnce.Do(func() {
					c.mu.Lock()
					c.exited = true
					c.exitErr = lr.err
					c.mu.Unlock()
					close(c.waitDone)
				})
				return Result{}, &ShellExitedError{Err: lr.err}
			}
			time.Sleep(drainGrace)
			return Result{
				Output:   truncate(lr.output),
				ExitCode: lr.exitCode,
			}, nil
		case <-deadline.C:
			if hasChildren(c.pid) {
				// Still legitimately busy (e.g. a build); give it more
				// rope rather than reporting a spurious timeout.
				deadline.Reset(timeout)
				continue
			}
			return Result{TimedOut: true}, &TimeoutError{Command: command, Timeout: timeout}
		case <-ticker.C:
			// periodic wakeups just keep the select loop responsive to
			// ctx cancellation and the deadline timer; no action needed.
		}
	}
}

// Getwd returns the shell's current working directory, implemented as a
// thin `pwd` wrapper (mirrors the original shell environment's get_cwd).
func (c *Channel) Getwd(ctx context.Context) (string, error) {
	res, err := c.Execute(ctx, "pwd", 5*time.Second)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Output), nil
}

func parseSentinelLine(line, sentinel string) (exitCode int, ok bool) {
	trimmed := strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(trimmed, sentinel+" ") {
		return 0, false
	}
	codeStr := strings.TrimSpace(strings.TrimPrefix(trimmed, sentinel+" "))
	code, err := strconv.Atoi(codeStr)
	if err != nil {
		return 0, false
	}
	return code, true
}

func truncate(out string) string {
	if len(out) <= maxOutputLength {
		return out
	}
	const snip = 4096
	return fmt.Sprintf("[output truncated in middle: got %s, max is %s]\n%s\n\n[snip]\n\n%s",
		humanize.Bytes(uint64(len(out))), humanize.Bytes(uint64(maxOutputLength)),
		out[:snip], out[len(out)-snip:])
}

var errNotSupported = errors.New("shellchan: child enumeration not supported on this platform")

func logHasChildrenErr(pid int, err error) {
	if err == nil || errors.Is(err, errNotSupported) {
		return
	}
	slog.Debug("shellchan: child enumeration failed", "pid", pid, "error", err)
}

// hasChildren reports whether pid still has any live children, using the
// platform-specific childPIDs implementation.
func hasChildren(pid int) bool {
	children, err := childPIDs(pid)
	logHasChildrenErr(pid, err)
	return len(children) > 0
}
