// Package toolenv implements the Environment Registry: named tables of
// tools, routed to by name across every registered environment, with a
// shell-tool fallback for names no environment claims, and a closed set of
// reserved names that always end the turn rather than ever being routed to
// a tool.
package toolenv

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"devonloop.dev/event"
)

// ErrToolNotFound is returned by Registry.Route when no environment (and no
// shell fallback) claims a tool name.
var ErrToolNotFound = errors.New("toolenv: tool not found")

// ReservedNames synthesize a Stop event and must never be routed to tool
// execution, even if some environment happens to register a tool under one
// of these names — Route refuses the lookup outright.
var ReservedNames = map[string]bool{
	"submit":     true,
	"exit":       true,
	"stop":       true,
	"exit_error": true,
	"exit_api":   true,
}

// IsReserved reports whether name is one of the reserved tool names that
// end a turn instead of being routed.
func IsReserved(name string) bool { return ReservedNames[name] }

// contextKey is an unexported type so toolenv's context keys never collide
// with another package's.
type contextKey int

const workingDirKey contextKey = iota

// WithWorkingDir returns a context carrying dir as the tool invocation's
// working directory.
func WithWorkingDir(ctx context.Context, dir string) context.Context {
	return context.WithValue(ctx, workingDirKey, dir)
}

// WorkingDir returns the working directory stashed by WithWorkingDir, or ""
// if none was set.
func WorkingDir(ctx context.Context) string {
	dir, _ := ctx.Value(workingDirKey).(string)
	return dir
}

// Invocation is the context bag every tool invocation receives: which
// environment is handling it, the raw command text the agent produced, and
// access to the session's Event Log so a tool can append events of its own
// (e.g. a GitAskUser event from a tool that needs a human decision).
type Invocation struct {
	Environment string
	RawCommand  string
	EventLog    *event.Log
}

// Tool is a single named operation an Environment exposes to the agent.
type Tool struct {
	Name        string
	Description string
	Run         func(ctx context.Context, inv Invocation, args string) (output string, exitCode int, err error)
}

// Environment is a named table of Tools. ShellFallback, when true, means
// that a ToolRequest this Environment doesn't itself recognize should
// still be tried against the registry's shell tool before giving up,
// mirroring an interactive-shell-backed environment where arbitrary
// commands are implicitly available.
type Environment struct {
	Name          string
	Tools         map[string]*Tool
	ShellFallback bool
}

// NewEnvironment returns an empty, named Environment.
func NewEnvironment(name string) *Environment {
	return &Environment{Name: name, Tools: make(map[string]*Tool)}
}

// Register adds tool to the environment, replacing any existing tool under
// the same name.
func (e *Environment) Register(tool *Tool) {
	e.Tools[tool.Name] = tool
}

// Registry holds every Environment in a session and resolves a ToolRequest
// by name across all of them, in registration order, falling back to a
// designated shell tool if nothing else claims the name.
type Registry struct {
	environments []*Environment
	shellTool    *Tool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// AddEnvironment registers env, making its tools reachable by Route.
func (r *Registry) AddEnvironment(env *Environment) {
	r.environments = append(r.environments, env)
}

// SetShellTool designates the tool used as the registry-wide shell
// fallback: any environment with ShellFallback set routes an unrecognized
// tool name here instead of failing outright.
func (r *Registry) SetShellTool(tool *Tool) {
	r.shellTool = tool
}

// Route resolves name to the Tool that should handle it, searching every
// registered environment in order, then falling back to the shell tool if
// any environment along the way allows it. Reserved names are refused
// outright: callers must check IsReserved and synthesize a Stop event
// themselves rather than calling Route for them. usedFallback reports
// whether name was resolved via the shell fallback rather than a tool an
// environment registered under that exact name, so callers can record the
// ShellRequest/ShellResponse pair the fall-through implies.
func (r *Registry) Route(name string) (env *Environment, tool *Tool, usedFallback bool, err error) {
	if IsReserved(name) {
		return nil, nil, false, fmt.Errorf("toolenv: %q is a reserved name and cannot be routed to a tool", name)
	}

	for _, env := range r.environments {
		if tool, ok := env.Tools[name]; ok {
			return env, tool, false, nil
		}
	}

	for _, env := range r.environments {
		if env.ShellFallback && r.shellTool != nil {
			return env, r.shellTool, true, nil
		}
	}

	return nil, nil, false, fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

// ToolDocs renders every registered tool's name and description for
// inclusion in the agent's system prompt, the Go equivalent of
// generate_command_docs in the original implementation.
func (r *Registry) ToolDocs() string {
	seen := make(map[string]bool)
	var names []string
	docs := make(map[string]string)

	for _, env := range r.environments {
		for _, tool := range env.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			names = append(names, tool.Name)
			docs[tool.Name] = tool.Description
		}
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %s\n", name, docs[name])
	}
	return b.String()
}
