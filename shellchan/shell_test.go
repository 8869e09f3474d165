package shellchan

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestChannelExecuteEcho(t *testing.T) {
	ctx := context.Background()
	ch, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	res, err := ch.Execute(ctx, "echo hello", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("ExitCode = %d, want 0", res.ExitCode)
	}
	if !strings.Contains(res.Output, "hello") {
		t.Fatalf("Output = %q, want it to contain %q", res.Output, "hello")
	}
}

func TestChannelExecuteRejectsBlindGitAdd(t *testing.T) {
	ctx := context.Background()
	ch, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	_, err = ch.Execute(ctx, "git add -A", 5*time.Second)
	if err == nil {
		t.Fatal("Execute(git add -A) succeeded, want a permission-denied error from bashkit")
	}
	if !strings.Contains(err.Error(), "permission denied") {
		t.Fatalf("Execute error = %v, want a permission-denied error", err)
	}
}

func TestChannelPersistsState(t *testing.T) {
	ctx := context.Background()
	ch, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	if _, err := ch.Execute(ctx, "export FOO=bar", 5*time.Second); err != nil {
		t.Fatalf("Execute(export): %v", err)
	}
	res, err := ch.Execute(ctx, "echo $FOO", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute(echo): %v", err)
	}
	if !strings.Contains(res.Output, "bar") {
		t.Fatalf("Output = %q, want it to contain %q (shell state should persist between calls)", res.Output, "bar")
	}
}

func TestChannelExitCode(t *testing.T) {
	ctx := context.Background()
	ch, err := Open(ctx, t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	res, err := ch.Execute(ctx, "(exit 7)", 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if res.ExitCode != 7 {
		t.Fatalf("ExitCode = %d, want 7", res.ExitCode)
	}
}

func TestChannelGetwd(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	ch, err := Open(ctx, dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer ch.Close()

	cwd, err := ch.Getwd(ctx)
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if cwd == "" {
		t.Fatal("Getwd returned empty string")
	}
}
