package checkpoint

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"devonloop.dev/event"
	"devonloop.dev/gitdriver"
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
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "a.txt")
	run("commit", "-m", "initial")
	return dir
}

func TestManagerCreateAndRevert(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	driver := gitdriver.New(dir, gitdriver.TypeGit)
	log := event.NewLog()
	mgr := NewManager(driver, log)

	log.Append(event.New(event.TypeTask, "user", "dispatch", event.Task{Instruction: "edit a.txt"}, time.Now()))

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cp, err := mgr.Create(ctx, "checkpoint 1", []byte("history-1"), []byte("state-1"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cp.CommitHash == "" {
		t.Fatal("expected non-empty commit hash")
	}
	if cp.EventCursor != 1 {
		t.Fatalf("EventCursor = %d, want 1", cp.EventCursor)
	}

	log.Append(event.New(event.TypeTask, "user", "dispatch", event.Task{Instruction: "more work"}, time.Now()))
	if log.Len() != 3 {
		t.Fatalf("Len() = %d, want 3 (task, checkpoint-create, task)", log.Len())
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("uncommitted\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := mgr.Revert(ctx, cp); err != nil {
		t.Fatalf("Revert: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "two\n" {
		t.Fatalf("a.txt = %q after revert, want %q", content, "two\n")
	}
	// Revert keeps every event through the checkpoint event itself
	// (cp.EventCursor+1 == 2: task, checkpoint-create) and appends its own
	// checkpoint-revert event, discarding only what came after.
	if log.Len() != 3 {
		t.Fatalf("Len() after revert = %d, want 3 (task, checkpoint-create, checkpoint-revert)", log.Len())
	}
}

func TestManagerCreateNoCommitSentinel(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	driver := gitdriver.New(dir, gitdriver.TypeGit)
	log := event.NewLog()
	mgr := NewManager(driver, log)

	cp, err := mgr.Create(ctx, "nothing changed", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cp.CommitHash != NoCommitSentinel {
		t.Fatalf("CommitHash = %q, want %q", cp.CommitHash, NoCommitSentinel)
	}

	if err := mgr.Revert(ctx, cp); err != nil {
		t.Fatalf("Revert with no_commit checkpoint: %v", err)
	}
}

func TestManagerDiff(t *testing.T) {
	ctx := context.Background()
	dir := newTestRepo(t)
	driver := gitdriver.New(dir, gitdriver.TypeGit)
	log := event.NewLog()
	mgr := NewManager(driver, log)

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\nzero\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp1, err := mgr.Create(ctx, "checkpoint 1", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if cp1.CommitHash == NoCommitSentinel {
		t.Fatal("expected checkpoint 1 to carry a real commit hash")
	}

	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cp2, err := mgr.Create(ctx, "checkpoint 2", nil, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	diffs, err := mgr.Diff(ctx, cp1, cp2)
	if err != nil {
		t.Fatalf("Diff: %v", err)
	}
	if len(diffs) != 1 {
		t.Fatalf("len(diffs) = %d, want 1", len(diffs))
	}
	if diffs[0].Path != "a.txt" {
		t.Fatalf("diffs[0].Path = %q, want a.txt", diffs[0].Path)
	}
	if diffs[0].After != "one\ntwo\n" {
		t.Fatalf("diffs[0].After = %q", diffs[0].After)
	}
}
