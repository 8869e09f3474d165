package toolenv

import (
	"context"
	"testing"
)

func TestRouteFindsRegisteredTool(t *testing.T) {
	reg := NewRegistry()
	env := NewEnvironment("editor")
	env.Register(&Tool{Name: "read_file", Description: "reads a file"})
	reg.AddEnvironment(env)

	gotEnv, tool, usedFallback, err := reg.Route("read_file")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if gotEnv.Name != "editor" || tool.Name != "read_file" {
		t.Fatalf("Route returned (%v, %v), want editor/read_file", gotEnv, tool)
	}
	if usedFallback {
		t.Fatal("Route reported usedFallback for a tool an environment registered directly")
	}
}

func TestRouteFallsBackToShell(t *testing.T) {
	reg := NewRegistry()
	shell := NewEnvironment("shell")
	shell.ShellFallback = true
	reg.AddEnvironment(shell)

	shellTool := &Tool{Name: "bash"}
	reg.SetShellTool(shellTool)

	_, tool, usedFallback, err := reg.Route("ls")
	if err != nil {
		t.Fatalf("Route: %v", err)
	}
	if tool != shellTool {
		t.Fatalf("Route did not fall back to shell tool")
	}
	if !usedFallback {
		t.Fatal("Route did not report usedFallback for a shell-fallback resolution")
	}
}

func TestRouteRejectsReservedNames(t *testing.T) {
	reg := NewRegistry()
	env := NewEnvironment("shell")
	env.ShellFallback = true
	reg.AddEnvironment(env)
	reg.SetShellTool(&Tool{Name: "bash"})

	for name := range ReservedNames {
		if _, _, _, err := reg.Route(name); err == nil {
			t.Errorf("Route(%q) = nil error, want error for reserved name", name)
		}
	}
}

func TestRouteNotFound(t *testing.T) {
	reg := NewRegistry()
	if _, _, _, err := reg.Route("nonexistent"); err == nil {
		t.Fatal("expected error for unknown tool with no registered environments")
	}
}

func TestToolDocs(t *testing.T) {
	reg := NewRegistry()
	env := NewEnvironment("editor")
	env.Register(&Tool{Name: "read_file", Description: "reads a file"})
	reg.AddEnvironment(env)

	docs := reg.ToolDocs()
	if docs == "" {
		t.Fatal("ToolDocs returned empty string")
	}
}

func TestWorkingDirContext(t *testing.T) {
	ctx := WithWorkingDir(context.Background(), "/tmp/work")
	if got := WorkingDir(ctx); got != "/tmp/work" {
		t.Fatalf("WorkingDir = %q, want /tmp/work", got)
	}
}
