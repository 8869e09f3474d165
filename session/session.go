// Package session implements the Session Orchestrator: a session's
// lifecycle (pause/start/terminate), the git bootstrap state machine that
// puts a repository's working tree on the agent branch for a brand new
// session or resumes one from a prior session's checkpoints, and the small
// amount of config (ignore-file patterns, a short session id) every
// session needs regardless of transport.
package session

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/richardlehane/crock32"

	"devonloop.dev/agentiface"
	"devonloop.dev/checkpoint"
	"devonloop.dev/dispatch"
	"devonloop.dev/event"
	"devonloop.dev/gitdriver"
	"devonloop.dev/shellchan"
	"devonloop.dev/toolenv"
)

// AgentBranch is the literal branch name every session's agent work happens
// on, never configurable per session.
const AgentBranch = "devon_agent"

// Status is a session's coarse lifecycle state, independent of the
// dispatcher's per-turn StateMachine.
type Status string

const (
	StatusPaused      Status = "paused"
	StatusRunning     Status = "running"
	StatusTerminating Status = "terminating"
	StatusTerminated  Status = "terminated"
)

// Config is the caller-supplied configuration for one session. Loading it
// from a file or flags is out of scope here; callers populate this struct
// however they see fit.
type Config struct {
	Name           string
	RepoDir        string
	VersioningType gitdriver.Type
	Task           string
	IgnoreFileName string   // defaults to ".devonignore" if empty
	ExcludeFiles   []string // seeded by the caller, appended to by LoadIgnoreFile
	PersistToDB    bool
}

// newShortID returns a short, human-scannable identifier in the same style
// as the agent collaborator's own conversation ids: a few crock32-encoded
// random bits, split for readability.
func newShortID() string {
	u1 := rand.Uint32()
	s := crock32.Encode(uint64(u1))
	if len(s) < 7 {
		s += strings.Repeat("0", 7-len(s))
	}
	return s[:3] + "-" + s[3:]
}

// LoadIgnoreFile reads newline-separated glob patterns from path (typically
// "<repo>/.devonignore"), skipping blank lines and "#"-prefixed comments.
// A missing file is not an error: sessions work fine with no ignore file.
func LoadIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("session: reading ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("session: scanning ignore file: %w", err)
	}
	return patterns, nil
}

// Session owns one dispatcher's lifecycle, its versioning driver and
// checkpoint manager, and the config describing how it was set up. The
// shell channel runs in RepoDir as its own process's working directory;
// the calling process's working directory is not changed.
type Session struct {
	ID     string
	Config Config

	Git         *gitdriver.Driver
	Checkpoints *checkpoint.Manager
	Log         *event.Log
	Registry    *toolenv.Registry
	Dispatcher  *dispatch.Dispatcher
	Shell       *shellchan.Channel

	// UserBranch records the branch the repository was on before the
	// session switched it to AgentBranch, so Teardown can merge the agent
	// branch's work back into it.
	UserBranch string

	// Corrupted is set by BootstrapLoad when the repository or its
	// checkpoint history can't be trusted (missing agent branch, a failed
	// merge, a checkpoint commit no longer reachable). The caller should
	// wipe any loaded checkpoints and fall back to BootstrapNew.
	Corrupted bool

	// AskUser resolves every GitAskUser produced during bootstrap. If nil,
	// bootstrap steps that would otherwise block fall back to disabling
	// versioning rather than hanging forever.
	AskUser dispatch.AskUserFunc

	mu     sync.Mutex
	status Status
}

// New constructs a Session around a fresh dispatcher, event log, checkpoint
// manager, and versioning driver for cfg. Callers still need to call
// BootstrapNew or BootstrapLoad to put the repository on the agent branch.
func New(cfg Config, registry *toolenv.Registry, agent dispatch.AskUserFunc) *Session {
	if cfg.IgnoreFileName == "" {
		cfg.IgnoreFileName = ".devonignore"
	}
	log := event.NewLog()
	git := gitdriver.New(cfg.RepoDir, cfg.VersioningType)
	cps := checkpoint.NewManager(git, log)

	return &Session{
		ID:          newShortID(),
		Config:      cfg,
		Git:         git,
		Checkpoints: cps,
		Log:         log,
		Registry:    registry,
		AskUser:     agent,
		status:      StatusPaused,
	}
}

// Status returns the session's current lifecycle status.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Pause stops the dispatcher from advancing past its current event, unless
// the session is already shutting down.
func (s *Session) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminating || s.status == StatusTerminated {
		return
	}
	s.status = StatusPaused
}

// Start resumes a paused session.
func (s *Session) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusRunning
}

// Terminate marks the session for shutdown. The caller driving the
// dispatcher loop is responsible for observing StatusTerminating and
// calling MarkTerminated once it has unwound.
func (s *Session) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == StatusTerminated {
		return
	}
	s.status = StatusTerminating
}

// MarkTerminated records that the dispatcher loop has fully unwound after a
// Terminate call.
func (s *Session) MarkTerminated() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = StatusTerminated
}

// Setup opens the session's shell channel, loads the ignore file (if
// configured), registers the shell fallback tool on the registry, and
// builds the Dispatcher. Bootstrap (New or Load) should already have run by
// the time Setup is called, since the shell inherits whatever branch git
// bootstrap left the working tree on.
func (s *Session) Setup(ctx context.Context, agent agentiface.Agent) error {
	ch, err := shellchan.Open(ctx, s.Config.RepoDir)
	if err != nil {
		return fmt.Errorf("session: setup: opening shell: %w", err)
	}
	s.Shell = ch
	s.Registry.SetShellTool(NewShellTool(ch))

	patterns, err := LoadIgnoreFile(filepath.Join(s.Config.RepoDir, s.Config.IgnoreFileName))
	if err != nil {
		return fmt.Errorf("session: setup: loading ignore file: %w", err)
	}
	s.Config.ExcludeFiles = append(s.Config.ExcludeFiles, patterns...)

	s.Dispatcher = dispatch.NewDispatcher(dispatch.NewStateMachine(), s.Log, s.Registry, s.Git, s.Checkpoints, agent)
	s.Dispatcher.AskUser = s.AskUser
	return nil
}

// Teardown closes the shell channel and, if the session bootstrapped onto
// the agent branch, merges its checkpointed work back into the user branch.
func (s *Session) Teardown(ctx context.Context) error {
	var shellErr error
	if s.Shell != nil {
		shellErr = s.Shell.Close()
	}
	if s.UserBranch == "" || s.Git.Type != gitdriver.TypeGit {
		return shellErr
	}
	if err := s.Checkpoints.Merge(ctx, AgentBranch, s.UserBranch, "Merge "+AgentBranch); err != nil {
		return fmt.Errorf("session: teardown: merging back to %s: %w", s.UserBranch, err)
	}
	return shellErr
}

func (s *Session) askUser(ctx context.Context, prompt string) (string, error) {
	s.Log.Append(event.New(event.TypeGitAskUser, "session", "user", event.GitAskUser{Prompt: prompt}, time.Now()))
	if s.AskUser == nil {
		s.Log.Append(event.New(event.TypeGitResolve, "user", "session", event.GitResolve{Decision: "nogit"}, time.Now()))
		return "nogit", nil
	}
	decision, err := s.AskUser(ctx, prompt)
	if err != nil {
		return "", err
	}
	s.Log.Append(event.New(event.TypeGitResolve, "user", "session", event.GitResolve{Decision: decision}, time.Now()))
	return decision, nil
}

func (s *Session) gitError(op, message string) {
	slog.Warn("session: git error", "op", op, "message", message)
	s.Log.Append(event.New(event.TypeGitError, "session", "user", event.GitError{Op: op, Message: message}, time.Now()))
}
