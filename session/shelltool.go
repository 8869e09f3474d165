package session

import (
	"context"
	"time"

	"devonloop.dev/shellchan"
	"devonloop.dev/toolenv"
)

// DefaultShellTimeout bounds a single shell-fallback command when the
// caller hasn't threaded its own timeout through the context.
const DefaultShellTimeout = 60 * time.Second

// NewShellTool wraps an open shellchan.Channel as the registry-wide shell
// fallback tool: any environment with ShellFallback set routes a ToolRequest
// no environment recognizes through here, exactly as a bare shell command
// typed by the agent would run.
func NewShellTool(ch *shellchan.Channel) *toolenv.Tool {
	return &toolenv.Tool{
		Name:        "shell",
		Description: "runs a raw command in the session's interactive shell",
		Run: func(ctx context.Context, inv toolenv.Invocation, args string) (string, int, error) {
			res, err := ch.Execute(ctx, args, DefaultShellTimeout)
			if err != nil {
				return "", 0, err
			}
			return res.Output, res.ExitCode, nil
		},
	}
}
