package session

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"devonloop.dev/gitdriver"
	"devonloop.dev/toolenv"
)

func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-b", "main")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "README.md")
	run("commit", "-m", "initial commit")
	return dir
}

func newTestSession(t *testing.T, dir string) *Session {
	t.Helper()
	cfg := Config{Name: "test", RepoDir: dir, VersioningType: gitdriver.TypeGit}
	return New(cfg, toolenv.NewRegistry(), nil)
}

func TestBootstrapNewSwitchesToAgentBranch(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	s := newTestSession(t, dir)

	if err := s.BootstrapNew(ctx); err != nil {
		t.Fatalf("BootstrapNew: %v", err)
	}

	branch, err := s.Git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != AgentBranch {
		t.Fatalf("current branch = %q, want %q", branch, AgentBranch)
	}
	if s.UserBranch != "main" {
		t.Fatalf("UserBranch = %q, want main", s.UserBranch)
	}

	cp, ok := s.Checkpoints.LatestMerged()
	if !ok {
		t.Fatal("expected a bootstrap checkpoint with MergedCommit set")
	}
	if cp.MergedCommit == "" {
		t.Fatal("MergedCommit should record the user branch tip")
	}
	if cp.CommitHash == "" {
		t.Fatal("CommitHash should record the initial commit on the agent branch")
	}
}

func TestBootstrapNewRefusesWhenAlreadyOnAgentBranchAndDisablesOnDecline(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	s := newTestSession(t, dir)

	if err := s.Git.CreateIfNotExistsAndCheckout(ctx, AgentBranch); err != nil {
		t.Fatalf("CreateIfNotExistsAndCheckout: %v", err)
	}
	s.AskUser = func(ctx context.Context, prompt string) (string, error) {
		return "nogit", nil
	}

	if err := s.BootstrapNew(ctx); err != nil {
		t.Fatalf("BootstrapNew: %v", err)
	}
	if s.Git.Type != gitdriver.TypeNone {
		t.Fatalf("Git.Type = %q, want versioning disabled", s.Git.Type)
	}
}

func TestBootstrapNewDeletesStaleAgentBranchOnAccept(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)

	// Simulate a stale agent branch left over from a prior session.
	setup := newTestSession(t, dir)
	if err := setup.Git.CreateIfNotExistsAndCheckout(ctx, AgentBranch); err != nil {
		t.Fatalf("creating stale branch: %v", err)
	}
	if _, err := setup.Git.CommitAllowEmpty(ctx, "stale work"); err != nil {
		t.Fatalf("committing stale work: %v", err)
	}
	if err := setup.Git.SwitchBranch(ctx, "main"); err != nil {
		t.Fatalf("switching back to main: %v", err)
	}

	s := newTestSession(t, dir)
	var sawDeletePrompt bool
	s.AskUser = func(ctx context.Context, prompt string) (string, error) {
		sawDeletePrompt = true
		return "resolved", nil
	}

	if err := s.BootstrapNew(ctx); err != nil {
		t.Fatalf("BootstrapNew: %v", err)
	}
	if !sawDeletePrompt {
		t.Fatal("expected a prompt about the stale agent branch")
	}
	branch, err := s.Git.CurrentBranch(ctx)
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != AgentBranch {
		t.Fatalf("current branch = %q, want %q", branch, AgentBranch)
	}
}

func TestBootstrapLoadDetectsCorruptionWhenAgentBranchMissing(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	s := newTestSession(t, dir)

	msg, err := s.BootstrapLoad(ctx)
	if err != nil {
		t.Fatalf("BootstrapLoad: %v", err)
	}
	if msg != "" {
		t.Fatalf("driftMessage = %q, want empty on corruption", msg)
	}
	if !s.Corrupted {
		t.Fatal("expected Corrupted = true when the agent branch doesn't exist")
	}
}

func TestBootstrapLoadReportsNoDriftRightAfterBootstrapNew(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	s := newTestSession(t, dir)

	if err := s.BootstrapNew(ctx); err != nil {
		t.Fatalf("BootstrapNew: %v", err)
	}

	msg, err := s.BootstrapLoad(ctx)
	if err != nil {
		t.Fatalf("BootstrapLoad: %v", err)
	}
	if msg != "" {
		t.Fatalf("driftMessage = %q, want empty right after bootstrap", msg)
	}
	if s.Corrupted {
		t.Fatal("session should not be marked corrupted")
	}
}

func TestBootstrapLoadReportsDriftFromNewCommits(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	s := newTestSession(t, dir)

	if err := s.BootstrapNew(ctx); err != nil {
		t.Fatalf("BootstrapNew: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "README.md"), []byte("work\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Git.CommitAll(ctx, "agent did something via a raw shell command"); err != nil {
		t.Fatalf("CommitAll: %v", err)
	}

	msg, err := s.BootstrapLoad(ctx)
	if err != nil {
		t.Fatalf("BootstrapLoad: %v", err)
	}
	if msg == "" {
		t.Fatal("expected a non-empty drift message after an out-of-band commit")
	}
	if s.Corrupted {
		t.Fatal("a new commit alone should not mark the session corrupted")
	}
}
